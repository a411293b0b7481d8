// This package implements the VFS vtable against the partitioned block
// layer: boot-sector parse, cluster-chain walks, 8.3 name resolution,
// sequential reads, and in-place writes.

package fat32

import (
	"strings"

	"github.com/dsoprea/go-logging"

	"github.com/HubRis504/scepter/device"
	"github.com/HubRis504/scepter/vfs"
)

// DriverName is the name the driver registers under.
const DriverName = "fat32"

var (
	fat32Logger = log.NewLogger("scepter.fat32")
)

var (
	_ vfs.Driver = (*Driver)(nil)
	_ vfs.Volume = (*Volume)(nil)
	_ vfs.File   = (*File)(nil)
)

// Driver mounts FAT32 volumes through a device registry.
type Driver struct {
	reg *device.Registry
}

// NewDriver returns a Driver reading through the given registry.
func NewDriver(reg *device.Registry) *Driver {
	return &Driver{
		reg: reg,
	}
}

// Volume is one mounted FAT32 filesystem. The geometry is derived once at
// mount and immutable; the cluster buffer is the shared scratch for every
// file of the mount.
type Volume struct {
	reg         *device.Registry
	deviceID    int
	partitionID int

	boot            BootSector
	fatStartSector  uint32
	dataStartSector uint32
	rootCluster     uint32
	bytesPerCluster uint32

	clusterBuf []byte
	fatBuf     [SectorSize]byte
}

// Mount reads and validates the partition's boot sector and derives the
// volume geometry.
func (d *Driver) Mount(deviceID, partitionID int) (vol vfs.Volume, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	buf := make([]byte, SectorSize)

	_, err = d.reg.BRead(deviceID, partitionID, 0, buf)
	log.PanicIf(err)

	bs, err := ParseBootSector(buf)
	if err != nil {
		return nil, err
	}

	if bs.BytesPerSector == 0 || bs.SectorsPerCluster == 0 {
		return nil, ErrNotFat32
	}

	v := &Volume{
		reg:         d.reg,
		deviceID:    deviceID,
		partitionID: partitionID,

		boot:            bs,
		fatStartSector:  bs.FatStartSector(),
		dataStartSector: bs.DataStartSector(),
		rootCluster:     bs.RootCluster,
		bytesPerCluster: bs.BytesPerCluster(),

		clusterBuf: make([]byte, bs.BytesPerCluster()),
	}

	fat32Logger.Debugf(nil, "Mounted: %s", bs)

	return v, nil
}

// Unmount releases the volume.
func (v *Volume) Unmount() (err error) {
	return nil
}

func (v *Volume) readSector(sector uint32, buf []byte) (err error) {
	n, err := v.reg.BRead(v.deviceID, v.partitionID, sector, buf)
	if err != nil {
		return err
	} else if n != SectorSize {
		return log.Errorf("short sector read: (%d)", n)
	}

	return nil
}

func (v *Volume) writeSector(sector uint32, buf []byte) (err error) {
	n, err := v.reg.BWrite(v.deviceID, v.partitionID, sector, buf)
	if err != nil {
		return err
	} else if n != SectorSize {
		return log.Errorf("short sector write: (%d)", n)
	}

	return nil
}

// fatEntry reads the FAT entry for one cluster: the low 28 bits of the
// 32-bit value at byte (cluster * 4) of the FAT region.
func (v *Volume) fatEntry(cluster uint32) (next uint32, err error) {
	fatOffset := cluster * 4
	sector := v.fatStartSector + fatOffset/SectorSize
	offset := fatOffset % SectorSize

	err = v.readSector(sector, v.fatBuf[:])
	if err != nil {
		return 0, err
	}

	return defaultEncoding.Uint32(v.fatBuf[offset:offset+4]) & fatEntryMask, nil
}

// clusterFirstSector maps a cluster number onto its first sector within
// the volume. Cluster numbering starts at 2.
func (v *Volume) clusterFirstSector(cluster uint32) uint32 {
	return v.dataStartSector + (cluster-2)*uint32(v.boot.SectorsPerCluster)
}

func (v *Volume) readCluster(cluster uint32, buf []byte) (err error) {
	if cluster < 2 {
		return log.Errorf("invalid cluster (%d)", cluster)
	}

	first := v.clusterFirstSector(cluster)

	for i := uint32(0); i < uint32(v.boot.SectorsPerCluster); i++ {
		err = v.readSector(first+i, buf[i*SectorSize:(i+1)*SectorSize])
		if err != nil {
			return err
		}
	}

	return nil
}

func (v *Volume) writeCluster(cluster uint32, buf []byte) (err error) {
	if cluster < 2 {
		return log.Errorf("invalid cluster (%d)", cluster)
	}

	first := v.clusterFirstSector(cluster)

	for i := uint32(0); i < uint32(v.boot.SectorsPerCluster); i++ {
		err = v.writeSector(first+i, buf[i*SectorSize:(i+1)*SectorSize])
		if err != nil {
			return err
		}
	}

	return nil
}

// findInDirectory scans the directory chain starting at `dirCluster` for
// a matchable entry with the given 8.3 name. Absence is reported with a
// nil entry, not an error.
func (v *Volume) findInDirectory(dirCluster uint32, name83 [11]byte) (de *DirectoryEntry, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	cluster := dirCluster

	for cluster < EndOfChain {
		err := v.readCluster(cluster, v.clusterBuf)
		log.PanicIf(err)

		entryCount := int(v.bytesPerCluster) / DirectoryEntrySize

		for i := 0; i < entryCount; i++ {
			raw := v.clusterBuf[i*DirectoryEntrySize : (i+1)*DirectoryEntrySize]

			entry, err := parseDirectoryEntry(raw)
			log.PanicIf(err)

			if entry.IsEndOfDirectory() == true {
				return nil, nil
			}

			if entry.matchable() == false {
				continue
			}

			if entry.Name == name83 {
				return &entry, nil
			}
		}

		cluster, err = v.fatEntry(cluster)
		log.PanicIf(err)
	}

	return nil, nil
}

// Open walks the path components from the root directory. Every
// intermediate component must resolve to a directory and the final one to
// a file.
func (v *Volume) Open(path string, flags int) (file vfs.File, err error) {
	components := make([]string, 0, 4)

	for _, component := range strings.Split(path, "/") {
		if component != "" {
			components = append(components, component)
		}
	}

	if len(components) == 0 {
		return nil, ErrIsDirectory
	}

	currentCluster := v.rootCluster

	for i, component := range components {
		entry, err := v.findInDirectory(currentCluster, encode83(component))
		if err != nil {
			return nil, err
		}

		if entry == nil {
			fat32Logger.Debugf(nil, "Not found: [%s]", component)
			return nil, ErrNotFound
		}

		if i < len(components)-1 {
			if entry.IsDirectory() == false {
				return nil, ErrNotDirectory
			}

			currentCluster = entry.FirstCluster()

			continue
		}

		if entry.IsDirectory() == true {
			return nil, ErrIsDirectory
		}

		f := &File{
			vol:            v,
			firstCluster:   entry.FirstCluster(),
			currentCluster: entry.FirstCluster(),
			fileSize:       entry.FileSize,
		}

		fat32Logger.Debugf(nil, "Opened: %s", entry)

		return f, nil
	}

	return nil, ErrNotFound
}

// File is one open FAT32 file. The position is tracked against the
// cluster whose byte range contains it; at an exact cluster boundary the
// chain has already been advanced eagerly.
type File struct {
	vol *Volume

	firstCluster   uint32
	currentCluster uint32
	fileSize       uint32
	position       uint32
	clusterOffset  uint32
}

// Read copies up to len(p) bytes from the file, bounded by the bytes
// remaining, and advances the position.
func (f *File) Read(p []byte) (n int, err error) {
	if f.position >= f.fileSize {
		return 0, nil
	}

	count := uint32(len(p))
	if f.position+count > f.fileSize {
		count = f.fileSize - f.position
	}

	read := uint32(0)

	for read < count {
		if f.currentCluster >= EndOfChain {
			break
		}

		err = f.vol.readCluster(f.currentCluster, f.vol.clusterBuf)
		if err != nil {
			return int(read), err
		}

		chunk := f.vol.bytesPerCluster - f.clusterOffset
		if remaining := count - read; chunk > remaining {
			chunk = remaining
		}

		copy(p[read:read+chunk], f.vol.clusterBuf[f.clusterOffset:f.clusterOffset+chunk])

		read += chunk
		f.position += chunk
		f.clusterOffset += chunk

		if f.clusterOffset >= f.vol.bytesPerCluster {
			next, err := f.vol.fatEntry(f.currentCluster)
			if err != nil {
				return int(read), err
			}

			f.currentCluster = next
			f.clusterOffset = 0
		}
	}

	return int(read), nil
}

// Write overwrites up to len(p) bytes in place, never extending past the
// file size, read-modify-writing each touched cluster. A write starting
// at the file size stores nothing and returns 0.
func (f *File) Write(p []byte) (n int, err error) {
	if f.position >= f.fileSize {
		return 0, nil
	}

	count := uint32(len(p))
	if f.position+count > f.fileSize {
		count = f.fileSize - f.position
	}

	written := uint32(0)

	for written < count {
		if f.currentCluster >= EndOfChain {
			break
		}

		err = f.vol.readCluster(f.currentCluster, f.vol.clusterBuf)
		if err != nil {
			return int(written), err
		}

		chunk := f.vol.bytesPerCluster - f.clusterOffset
		if remaining := count - written; chunk > remaining {
			chunk = remaining
		}

		copy(f.vol.clusterBuf[f.clusterOffset:f.clusterOffset+chunk], p[written:written+chunk])

		err = f.vol.writeCluster(f.currentCluster, f.vol.clusterBuf)
		if err != nil {
			return int(written), err
		}

		written += chunk
		f.position += chunk
		f.clusterOffset += chunk

		if f.clusterOffset >= f.vol.bytesPerCluster {
			next, err := f.vol.fatEntry(f.currentCluster)
			if err != nil {
				return int(written), err
			}

			f.currentCluster = next
			f.clusterOffset = 0
		}
	}

	return int(written), nil
}

// Close releases the file.
func (f *File) Close() (err error) {
	return nil
}
