// This package reads the MBR of each present disk and re-exposes the
// disks as partitioned block devices: one overlay device per disk whose
// sub id selects the partition and whose reads and writes are shifted by
// the partition's starting LBA before re-entering the cached block path.

package part

import (
	"errors"
	"fmt"

	"encoding/binary"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"

	"github.com/HubRis504/scepter/device"
)

var (
	defaultEncoding = binary.LittleEndian
)

const (
	// PartitionCount is the number of MBR partition slots per disk.
	PartitionCount = 4

	mbrSignature = 0xaa55

	bootableFlag = 0x80

	maxDisks = 4
)

// Well-known MBR partition types.
const (
	TypeEmpty     = 0x00
	TypeFAT16LBA  = 0x0e
	TypeFAT32LBA  = 0x0c
	TypeNTFS      = 0x07
	TypeMinix     = 0x81
	TypeLinux     = 0x83
	TypeLinuxSwap = 0x82
	TypeExtended  = 0x05
)

var (
	// ErrNoPartition indicates a sub id that names no valid partition.
	ErrNoPartition = errors.New("no such partition")

	// ErrBadSignature indicates an MBR without the 0xAA55 trailer.
	ErrBadSignature = errors.New("bad MBR signature")
)

var (
	partLogger = log.NewLogger("scepter.part")
)

// Entry is one raw 16-byte MBR partition entry.
type Entry struct {
	Status   uint8
	FirstCHS [3]byte
	Type     uint8
	LastCHS  [3]byte
	LBAStart uint32
	LBACount uint32
}

// sector0 is the full 512-byte MBR layout.
type sector0 struct {
	Bootstrap [446]byte
	Entries   [PartitionCount]Entry
	Signature uint16
}

// Info describes one valid partition. Records are populated once at scan
// time and immutable thereafter.
type Info struct {
	DiskID   int
	Number   int
	Type     uint8
	Bootable bool
	LBAStart uint32
	LBACount uint32
}

// String returns a description of the partition.
func (info *Info) String() string {
	return fmt.Sprintf("Partition<DISK=(%d) NUM=(%d) TYPE=[%s] START=(%d) COUNT=(%d)>", info.DiskID, info.Number, TypeName(info.Type), info.LBAStart, info.LBACount)
}

// TypeName returns a printable name for an MBR partition type.
func TypeName(partitionType uint8) string {
	switch partitionType {
	case TypeEmpty:
		return "Empty"
	case TypeFAT16LBA:
		return "FAT16-LBA"
	case TypeFAT32LBA:
		return "FAT32-LBA"
	case TypeNTFS:
		return "NTFS"
	case TypeMinix:
		return "Minix"
	case TypeLinux:
		return "Linux"
	case TypeLinuxSwap:
		return "Linux Swap"
	case TypeExtended:
		return "Extended"
	}

	return "Unknown"
}

// Table holds the partition records of every scanned disk and backs the
// overlay devices registered for them.
type Table struct {
	reg   *device.Registry
	parts [maxDisks][PartitionCount]*Info
}

// overlay is the synthetic block device for one disk's partitions. The
// sub id selects the partition (1..4; 0 is invalid) and the lba is
// relative to the partition start. This is the only layer that translates
// partition-relative sectors to absolute ones.
type overlay struct {
	table  *Table
	diskID int
}

func (o *overlay) resolve(sub int, lba uint32) (info *Info, err error) {
	if sub < 1 || sub > PartitionCount {
		return nil, ErrNoPartition
	}

	info = o.table.parts[o.diskID][sub-1]
	if info == nil {
		return nil, ErrNoPartition
	}

	if lba >= info.LBACount {
		return nil, log.Errorf("sector (%d) beyond partition of (%d) sectors", lba, info.LBACount)
	}

	return info, nil
}

// ReadBlock reads a partition-relative sector through the cached block
// path of the backing disk.
func (o *overlay) ReadBlock(sub int, lba uint32, buf []byte) (n int, err error) {
	info, err := o.resolve(sub, lba)
	if err != nil {
		return 0, err
	}

	return o.table.reg.BRead(info.DiskID, 0, info.LBAStart+lba, buf)
}

// WriteBlock writes a partition-relative sector through the cached block
// path of the backing disk.
func (o *overlay) WriteBlock(sub int, lba uint32, buf []byte) (n int, err error) {
	info, err := o.resolve(sub, lba)
	if err != nil {
		return 0, err
	}

	return o.table.reg.BWrite(info.DiskID, 0, info.LBAStart+lba, buf)
}

// parseDisk reads and validates sector 0 of one disk and records its
// valid partitions. Returns the number recorded.
func (t *Table) parseDisk(diskID int) (count int, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	buf := make([]byte, device.BlockSize)

	_, err = t.reg.BRead(diskID, 0, 0, buf)
	log.PanicIf(err)

	s0 := new(sector0)

	err = restruct.Unpack(buf, defaultEncoding, s0)
	log.PanicIf(err)

	if s0.Signature != mbrSignature {
		partLogger.Warningf(nil, "Disk (%d) has an invalid MBR signature (0x%04x).", diskID, s0.Signature)
		return 0, ErrBadSignature
	}

	for i, entry := range s0.Entries {
		if entry.Type == TypeEmpty || entry.LBACount == 0 {
			continue
		}

		t.parts[diskID][i] = &Info{
			DiskID:   diskID,
			Number:   i + 1,
			Type:     entry.Type,
			Bootable: entry.Status == bootableFlag,
			LBAStart: entry.LBAStart,
			LBACount: entry.LBACount,
		}

		count++
	}

	return count, nil
}

// Scan reads the MBR of each listed disk and registers an overlay block
// device at primary id device.OverlayBase + disk for every disk that
// carries at least one valid partition.
func Scan(reg *device.Registry, diskIDs []int) (t *Table, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	t = &Table{
		reg: reg,
	}

	total := 0

	for _, diskID := range diskIDs {
		if diskID < 0 || diskID >= maxDisks {
			return nil, log.Errorf("disk id (%d) out of range", diskID)
		}

		count, err := t.parseDisk(diskID)
		if err != nil {
			partLogger.Warningf(nil, "Skipping disk (%d): %s", diskID, err)
			continue
		}

		if count == 0 {
			partLogger.Debugf(nil, "No valid partitions on disk (%d).", diskID)
			continue
		}

		prim := device.OverlayBase + diskID

		err = reg.RegisterBlock(prim, &overlay{table: t, diskID: diskID})
		log.PanicIf(err)

		partLogger.Debugf(nil, "Registered overlay (%d) for disk (%d) with (%d) partition(s).", prim, diskID, count)

		total += count
	}

	partLogger.Debugf(nil, "Found (%d) partition(s) total.", total)

	return t, nil
}

// Info returns the record for one partition of an overlay device.
// `deviceID` is the overlay primary id (device.OverlayBase + disk).
func (t *Table) Info(deviceID, partitionID int) (info *Info, found bool) {
	diskID := deviceID - device.OverlayBase

	if diskID < 0 || diskID >= maxDisks {
		return nil, false
	}

	if partitionID < 1 || partitionID > PartitionCount {
		return nil, false
	}

	info = t.parts[diskID][partitionID-1]
	if info == nil {
		return nil, false
	}

	return info, true
}

// Dump prints the partition table of every scanned disk.
func (t *Table) Dump() {
	fmt.Printf("Partition Table\n")
	fmt.Printf("===============\n")
	fmt.Printf("\n")

	for diskID := 0; diskID < maxDisks; diskID++ {
		for _, info := range t.parts[diskID] {
			if info == nil {
				continue
			}

			bootable := ""
			if info.Bootable == true {
				bootable = "[BOOT] "
			}

			fmt.Printf("hd%c%d: %s%s, Start: %d, Sectors: %d\n", 'a'+diskID, info.Number, bootable, TypeName(info.Type), info.LBAStart, info.LBACount)
		}
	}

	fmt.Printf("\n")
}
