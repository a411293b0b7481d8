// This package provides the raw sector devices underneath the block
// layer. The contract is the one the storage stack consumes: read or
// write one 512-byte sector by linear index, synchronously.

package disk

import (
	"errors"
	"os"

	"github.com/dsoprea/go-logging"
)

const (
	// SectorSize is the transfer unit of every disk backend.
	SectorSize = 512

	// MaxDisks is the number of disk slots (primary/secondary
	// master/slave).
	MaxDisks = 4
)

var (
	// ErrOutOfRange indicates a sector index beyond the medium.
	ErrOutOfRange = errors.New("sector out of range")

	// ErrBadTransfer indicates a buffer that is not one whole sector, or
	// a nonzero sub id.
	ErrBadTransfer = errors.New("bad transfer")
)

// RAMDisk is a memory-backed sector device.
type RAMDisk struct {
	data []byte
}

// NewRAMDisk returns a zero-filled RAM disk of `sectors` sectors.
func NewRAMDisk(sectors int) *RAMDisk {
	return &RAMDisk{
		data: make([]byte, sectors*SectorSize),
	}
}

// NewRAMDiskFromBytes returns a RAM disk over an existing image. Images
// that are not a whole number of sectors are padded.
func NewRAMDiskFromBytes(image []byte) *RAMDisk {
	size := len(image)
	if size%SectorSize != 0 {
		size += SectorSize - size%SectorSize
	}

	data := make([]byte, size)
	copy(data, image)

	return &RAMDisk{
		data: data,
	}
}

// Sectors returns the medium size in sectors.
func (rd *RAMDisk) Sectors() uint32 {
	return uint32(len(rd.data) / SectorSize)
}

// ReadBlock copies one sector into buf. The sub id must be 0; a raw disk
// has no sub-resources.
func (rd *RAMDisk) ReadBlock(sub int, lba uint32, buf []byte) (n int, err error) {
	if sub != 0 || len(buf) != SectorSize {
		return 0, ErrBadTransfer
	}

	offset := int(lba) * SectorSize
	if offset+SectorSize > len(rd.data) {
		return 0, ErrOutOfRange
	}

	copy(buf, rd.data[offset:offset+SectorSize])

	return SectorSize, nil
}

// WriteBlock copies one sector out of buf.
func (rd *RAMDisk) WriteBlock(sub int, lba uint32, buf []byte) (n int, err error) {
	if sub != 0 || len(buf) != SectorSize {
		return 0, ErrBadTransfer
	}

	offset := int(lba) * SectorSize
	if offset+SectorSize > len(rd.data) {
		return 0, ErrOutOfRange
	}

	copy(rd.data[offset:offset+SectorSize], buf)

	return SectorSize, nil
}

// Image is a sector device over a disk-image file.
type Image struct {
	f       *os.File
	sectors uint32
}

// OpenImage opens a disk-image file as a sector device.
func OpenImage(path string) (img *Image, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	log.PanicIf(err)

	fi, err := f.Stat()
	log.PanicIf(err)

	img = &Image{
		f:       f,
		sectors: uint32(fi.Size() / SectorSize),
	}

	return img, nil
}

// Sectors returns the medium size in sectors.
func (img *Image) Sectors() uint32 {
	return img.sectors
}

// Close releases the backing file.
func (img *Image) Close() (err error) {
	return img.f.Close()
}

// ReadBlock reads one sector from the image.
func (img *Image) ReadBlock(sub int, lba uint32, buf []byte) (n int, err error) {
	if sub != 0 || len(buf) != SectorSize {
		return 0, ErrBadTransfer
	}

	if lba >= img.sectors {
		return 0, ErrOutOfRange
	}

	n, err = img.f.ReadAt(buf, int64(lba)*SectorSize)
	if err != nil {
		return n, err
	}

	return n, nil
}

// WriteBlock writes one sector to the image.
func (img *Image) WriteBlock(sub int, lba uint32, buf []byte) (n int, err error) {
	if sub != 0 || len(buf) != SectorSize {
		return 0, ErrBadTransfer
	}

	if lba >= img.sectors {
		return 0, ErrOutOfRange
	}

	n, err = img.f.WriteAt(buf, int64(lba)*SectorSize)
	if err != nil {
		return n, err
	}

	return n, nil
}
