// This package manages kernel memory: a page-granular physical frame
// allocator and a slab heap for small objects layered on top of it. The
// managed region is backed by a private arena so the on-page structures
// (slab headers, free lists, cached block payloads) live at the addresses
// the allocator hands out.

package mm

import (
	"errors"

	"github.com/dsoprea/go-logging"
)

const (
	// PageSize is the allocation granule of the frame allocator.
	PageSize = 4096

	// PageShift is log2(PageSize).
	PageShift = 12

	// KernelVMA is the fixed offset between a physical frame address and
	// the virtual address returned to callers.
	KernelVMA = 0xC0000000

	// MaxPages caps the trackable region (1 GiB of 4 KiB pages).
	MaxPages = 262144

	bitsPerWord = 32
)

var (
	// ErrNoMemory indicates that no run of frames large enough exists.
	ErrNoMemory = errors.New("out of memory")

	// ErrInvalidSize indicates a zero-length allocation request.
	ErrInvalidSize = errors.New("invalid allocation size")
)

var (
	frameLogger = log.NewLogger("scepter.mm.frame")
)

// PageAllocator hands out page-aligned runs of frames from a contiguous
// physical region using a first-fit bitmap scan. Every live allocation's
// run length is recorded so Free releases exactly the frames that Alloc
// reserved.
type PageAllocator struct {
	basePhys   uint32
	totalPages uint32
	freePages  uint32

	// One bit per page; 1 = allocated.
	bitmap []uint32

	// Run length per live allocation, keyed by starting page index.
	runLength map[uint32]uint32

	arena []byte
}

// New declares the region [basePhys, basePhys + totalKB*1024) as managed
// and entirely free. Regions larger than MaxPages pages are capped.
func New(basePhys uint32, totalKB uint32) (pa *PageAllocator) {
	totalPages := (totalKB * 1024) >> PageShift

	if totalPages > MaxPages {
		frameLogger.Warningf(nil, "Requested (%d) pages; capping to (%d).", totalPages, MaxPages)
		totalPages = MaxPages
	}

	pa = &PageAllocator{
		basePhys:   basePhys,
		totalPages: totalPages,
		freePages:  totalPages,
		bitmap:     make([]uint32, (totalPages+bitsPerWord-1)/bitsPerWord),
		runLength:  make(map[uint32]uint32),
		arena:      make([]byte, int(totalPages)<<PageShift),
	}

	frameLogger.Debugf(nil, "Initialized: (%d) pages from phys (0x%08x).", totalPages, basePhys)

	return pa
}

func (pa *PageAllocator) physToVirt(phys uint32) uint32 {
	return phys + KernelVMA
}

func (pa *PageAllocator) virtToPhys(virt uint32) uint32 {
	return virt - KernelVMA
}

func (pa *PageAllocator) bitmapSet(pageIndex uint32) {
	pa.bitmap[pageIndex/bitsPerWord] |= 1 << (pageIndex % bitsPerWord)
}

func (pa *PageAllocator) bitmapClear(pageIndex uint32) {
	pa.bitmap[pageIndex/bitsPerWord] &^= 1 << (pageIndex % bitsPerWord)
}

func (pa *PageAllocator) bitmapTest(pageIndex uint32) bool {
	return pa.bitmap[pageIndex/bitsPerWord]&(1<<(pageIndex%bitsPerWord)) != 0
}

// findFreeRun scans for the first run of `count` consecutive free pages
// and returns the starting page index, or -1 if no such run exists.
func (pa *PageAllocator) findFreeRun(count uint32) int {
	consecutive := uint32(0)
	start := uint32(0)

	for i := uint32(0); i < pa.totalPages; i++ {
		if pa.bitmapTest(i) == true {
			consecutive = 0
			continue
		}

		if consecutive == 0 {
			start = i
		}

		consecutive++

		if consecutive == count {
			return int(start)
		}
	}

	return -1
}

// Alloc reserves a contiguous run of frames covering `size` bytes and
// returns the virtual address of the first one.
func (pa *PageAllocator) Alloc(size int) (addr uint32, err error) {
	if size <= 0 {
		return 0, ErrInvalidSize
	}

	pagesNeeded := (uint32(size) + PageSize - 1) >> PageShift

	if pagesNeeded > pa.freePages {
		return 0, ErrNoMemory
	}

	start := pa.findFreeRun(pagesNeeded)
	if start < 0 {
		return 0, ErrNoMemory
	}

	for i := uint32(0); i < pagesNeeded; i++ {
		pa.bitmapSet(uint32(start) + i)
	}

	pa.runLength[uint32(start)] = pagesNeeded
	pa.freePages -= pagesNeeded

	phys := pa.basePhys + (uint32(start) << PageShift)

	return pa.physToVirt(phys), nil
}

// Free releases the run that a prior Alloc returned at `addr`. Addresses
// outside the region, addresses that do not start a live run, and repeated
// frees are logged and ignored.
func (pa *PageAllocator) Free(addr uint32) {
	if addr == 0 {
		return
	}

	phys := pa.virtToPhys(addr)

	if phys < pa.basePhys {
		frameLogger.Warningf(nil, "Free of (0x%08x) below base (0x%08x); ignoring.", phys, pa.basePhys)
		return
	}

	pageIndex := (phys - pa.basePhys) >> PageShift

	if pageIndex >= pa.totalPages {
		frameLogger.Warningf(nil, "Free of (0x%08x) beyond range (page (%d) >= (%d)); ignoring.", phys, pageIndex, pa.totalPages)
		return
	}

	count, found := pa.runLength[pageIndex]
	if found == false {
		frameLogger.Warningf(nil, "Free of page (%d) which starts no live run (double free?); ignoring.", pageIndex)
		return
	}

	for i := uint32(0); i < count; i++ {
		pa.bitmapClear(pageIndex + i)
	}

	delete(pa.runLength, pageIndex)
	pa.freePages += count
}

// TotalPages returns the number of pages under management.
func (pa *PageAllocator) TotalPages() uint32 {
	return pa.totalPages
}

// FreePages returns the number of pages currently free.
func (pa *PageAllocator) FreePages() uint32 {
	return pa.freePages
}

// UsedPages returns the number of pages currently allocated.
func (pa *PageAllocator) UsedPages() uint32 {
	return pa.totalPages - pa.freePages
}

// Bytes returns the arena window backing `n` bytes of managed memory at
// the given virtual address. The window stays valid for the lifetime of
// the allocator; writes through it are visible to later readers of the
// same addresses.
func (pa *PageAllocator) Bytes(addr uint32, n int) (buf []byte, err error) {
	phys := pa.virtToPhys(addr)

	if phys < pa.basePhys {
		return nil, log.Errorf("address (0x%08x) below managed region", addr)
	}

	offset := int(phys - pa.basePhys)

	if offset+n > len(pa.arena) {
		return nil, log.Errorf("address (0x%08x) +(%d) beyond managed region", addr, n)
	}

	return pa.arena[offset : offset+n], nil
}
