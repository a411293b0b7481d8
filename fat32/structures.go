// This package manages the low-level, on-disk FAT32 storage structures.

package fat32

import (
	"errors"
	"fmt"
	"strings"

	"encoding/binary"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

const (
	// SectorSize is the transfer unit of the block layer beneath the
	// driver.
	SectorSize = 512

	// DirectoryEntrySize is the fixed size of one directory record.
	DirectoryEntrySize = 32

	// EndOfChain is the lowest FAT value marking the end of a cluster
	// chain.
	EndOfChain = 0x0ffffff8

	// fatEntryMask keeps the meaningful low 28 bits of a FAT entry.
	fatEntryMask = 0x0fffffff

	requiredBootSignature = uint16(0xaa55)

	// Directory-entry name[0] markers.
	entryEndOfDirectory = 0x00
	entryDeleted        = 0xe5
)

// Directory-entry attribute bits.
const (
	AttrReadOnly  = 0x01
	AttrHidden    = 0x02
	AttrSystem    = 0x04
	AttrVolumeID  = 0x08
	AttrDirectory = 0x10
	AttrArchive   = 0x20

	// AttrLongName marks a long-filename metadata entry.
	AttrLongName = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeID
)

var (
	// ErrNotFat32 indicates a boot sector that is not a FAT32 volume.
	ErrNotFat32 = errors.New("not a FAT32 volume")

	// ErrNotFound indicates a path component with no directory entry.
	ErrNotFound = errors.New("file not found")

	// ErrNotDirectory indicates a non-final path component that is a
	// file.
	ErrNotDirectory = errors.New("not a directory")

	// ErrIsDirectory indicates a final path component that is a
	// directory.
	ErrIsDirectory = errors.New("is a directory")
)

var (
	defaultEncoding = binary.LittleEndian
)

// BootSector describes the FAT32 BIOS parameter block occupying sector 0
// of the volume.
type BootSector struct {
	// JumpBoot is the jump instruction for CPUs common in personal
	// computers.
	JumpBoot [3]byte

	// OEMName names the formatting implementation.
	OEMName [8]byte

	// BytesPerSector is the logical sector size.
	BytesPerSector uint16

	// SectorsPerCluster is the allocation-unit size in sectors.
	SectorsPerCluster uint8

	// ReservedSectors counts the sectors before the first FAT; the FAT
	// region starts here.
	ReservedSectors uint16

	// NumFats is the number of FAT copies (almost always 2).
	NumFats uint8

	// RootEntryCount is the fixed root-directory size of FAT12/16
	// volumes. The valid value for FAT32 is 0; a nonzero value
	// invalidates the volume.
	RootEntryCount uint16

	// TotalSectors16 is the 16-bit total-sector count (0 when
	// TotalSectors32 is in effect).
	TotalSectors16 uint16

	// Media is the legacy media-descriptor byte.
	Media uint8

	// FatSize16 is the 16-bit per-FAT sector count. The valid value for
	// FAT32 is 0; FatSize32 is authoritative.
	FatSize16 uint16

	// SectorsPerTrack and NumHeads carry legacy CHS geometry.
	SectorsPerTrack uint16
	NumHeads        uint16

	// HiddenSectors counts the sectors preceding the volume.
	HiddenSectors uint32

	// TotalSectors32 is the total-sector count of the volume.
	TotalSectors32 uint32

	// FatSize32 is the per-FAT sector count.
	FatSize32 uint32

	// ExtFlags carries FAT mirroring flags.
	ExtFlags uint16

	// FsVersion is the filesystem revision (0.0).
	FsVersion uint16

	// RootCluster is the first cluster of the root directory.
	RootCluster uint32

	// FsInfo is the FSInfo sector number.
	FsInfo uint16

	// BackupBootSector is the backup boot-sector location.
	BackupBootSector uint16

	// Reserved is reserved.
	Reserved [12]byte

	// DriveNumber is the INT 13h drive number.
	DriveNumber uint8

	// Reserved1 is reserved.
	Reserved1 uint8

	// ExtBootSignature indicates that the three fields following it are
	// present.
	ExtBootSignature uint8

	// VolumeID is the volume serial number.
	VolumeID uint32

	// VolumeLabel is the space-padded volume label.
	VolumeLabel [11]byte

	// FsType is the space-padded informational type string
	// ("FAT32   ").
	FsType [8]byte

	// BootCode holds boot-strapping instructions.
	BootCode [420]byte

	// Signature is the boot-sector trailer. The valid value is AA55h;
	// any other value invalidates the sector.
	Signature uint16
}

// ParseBootSector unpacks and validates a 512-byte boot sector, requiring
// the trailer and the two zero fields that distinguish FAT32 from
// FAT12/16.
func ParseBootSector(raw []byte) (bs BootSector, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if len(raw) < SectorSize {
		log.Panicf("boot sector too short: (%d) bytes", len(raw))
	}

	err = restruct.Unpack(raw[:SectorSize], defaultEncoding, &bs)
	log.PanicIf(err)

	if bs.Signature != requiredBootSignature {
		return bs, ErrNotFat32
	} else if bs.RootEntryCount != 0 {
		return bs, ErrNotFat32
	} else if bs.FatSize16 != 0 {
		return bs, ErrNotFat32
	}

	return bs, nil
}

// BytesPerCluster returns the allocation-unit size in bytes.
func (bs BootSector) BytesPerCluster() uint32 {
	return uint32(bs.BytesPerSector) * uint32(bs.SectorsPerCluster)
}

// FatStartSector returns the first sector of the first FAT, relative to
// the volume.
func (bs BootSector) FatStartSector() uint32 {
	return uint32(bs.ReservedSectors)
}

// DataStartSector returns the first sector of the data region, relative
// to the volume.
func (bs BootSector) DataStartSector() uint32 {
	return uint32(bs.ReservedSectors) + uint32(bs.NumFats)*bs.FatSize32
}

// Dump prints the principal boot-sector parameters along with the common
// calculated ones.
func (bs BootSector) Dump() {
	fmt.Printf("Boot Sector\n")
	fmt.Printf("===========\n")
	fmt.Printf("\n")

	fmt.Printf("OEMName: [%s]\n", strings.TrimRight(string(bs.OEMName[:]), " "))
	fmt.Printf("BytesPerSector: (%d)\n", bs.BytesPerSector)
	fmt.Printf("SectorsPerCluster: (%d)\n", bs.SectorsPerCluster)
	fmt.Printf("-> Bytes-per-cluster: (%d)\n", bs.BytesPerCluster())
	fmt.Printf("ReservedSectors: (%d)\n", bs.ReservedSectors)
	fmt.Printf("NumFats: (%d)\n", bs.NumFats)
	fmt.Printf("FatSize32: (%d)\n", bs.FatSize32)
	fmt.Printf("-> FAT start sector: (%d)\n", bs.FatStartSector())
	fmt.Printf("-> Data start sector: (%d)\n", bs.DataStartSector())
	fmt.Printf("TotalSectors32: (%d)\n", bs.TotalSectors32)
	fmt.Printf("RootCluster: (%d)\n", bs.RootCluster)
	fmt.Printf("VolumeID: (0x%08x)\n", bs.VolumeID)
	fmt.Printf("VolumeLabel: [%s]\n", strings.TrimRight(string(bs.VolumeLabel[:]), " "))
	fmt.Printf("FsType: [%s]\n", strings.TrimRight(string(bs.FsType[:]), " "))

	fmt.Printf("\n")
}

// String returns a description of the boot sector.
func (bs BootSector) String() string {
	return fmt.Sprintf("BootSector<SN=(0x%08x) SPC=(%d) ROOT=(%d)>", bs.VolumeID, bs.SectorsPerCluster, bs.RootCluster)
}

// DirectoryEntry is one 32-byte short-name directory record.
type DirectoryEntry struct {
	// Name is the fixed 11-byte 8.3 name: eight name bytes then three
	// extension bytes, space-padded, uppercase.
	Name [11]byte

	Attributes      uint8
	NtReserved      uint8
	CreateTimeTenth uint8
	CreateTime      uint16
	CreateDate      uint16
	AccessDate      uint16
	FirstClusterHi  uint16
	WriteTime       uint16
	WriteDate       uint16
	FirstClusterLo  uint16

	// FileSize is the file length in bytes (0 for directories).
	FileSize uint32
}

func parseDirectoryEntry(raw []byte) (de DirectoryEntry, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	err = restruct.Unpack(raw[:DirectoryEntrySize], defaultEncoding, &de)
	log.PanicIf(err)

	return de, nil
}

// FirstCluster composes the split cluster-number halves.
func (de DirectoryEntry) FirstCluster() uint32 {
	return uint32(de.FirstClusterHi)<<16 | uint32(de.FirstClusterLo)
}

// IsEndOfDirectory indicates that this entry terminates the directory.
func (de DirectoryEntry) IsEndOfDirectory() bool {
	return de.Name[0] == entryEndOfDirectory
}

// IsDeleted indicates a deleted entry still occupying its slot.
func (de DirectoryEntry) IsDeleted() bool {
	return de.Name[0] == entryDeleted
}

// IsLongName indicates a long-filename metadata entry.
func (de DirectoryEntry) IsLongName() bool {
	return de.Attributes&AttrLongName == AttrLongName
}

// IsVolumeID indicates the volume-label entry.
func (de DirectoryEntry) IsVolumeID() bool {
	return de.Attributes&AttrVolumeID > 0
}

// IsDirectory indicates a subdirectory entry.
func (de DirectoryEntry) IsDirectory() bool {
	return de.Attributes&AttrDirectory > 0
}

// matchable indicates whether this entry participates in 8.3 name
// comparison.
func (de DirectoryEntry) matchable() bool {
	if de.IsDeleted() == true {
		return false
	} else if de.IsLongName() == true {
		return false
	} else if de.IsVolumeID() == true {
		return false
	}

	return true
}

// DecodedName returns the entry's name in "name.ext" form.
func (de DirectoryEntry) DecodedName() string {
	name := strings.TrimRight(string(de.Name[0:8]), " ")
	ext := strings.TrimRight(string(de.Name[8:11]), " ")

	if ext == "" {
		return name
	}

	return name + "." + ext
}

// String returns a description of the entry.
func (de DirectoryEntry) String() string {
	return fmt.Sprintf("DirectoryEntry<NAME=[%s] ATTR=(0x%02x) CLUSTER=(%d) SIZE=(%d)>", de.DecodedName(), de.Attributes, de.FirstCluster(), de.FileSize)
}

// encode83 converts one path component to the fixed 11-byte 8.3 form:
// uppercased, split at the first dot, both halves space-padded.
func encode83(component string) (name83 [11]byte) {
	for i := range name83 {
		name83[i] = ' '
	}

	component = strings.ToUpper(component)

	name := component
	ext := ""

	if dot := strings.IndexByte(component, '.'); dot >= 0 {
		name = component[:dot]
		ext = component[dot+1:]
	}

	for i := 0; i < len(name) && i < 8; i++ {
		name83[i] = name[i]
	}

	for i := 0; i < len(ext) && i < 3; i++ {
		name83[8+i] = ext[i]
	}

	return name83
}
