package mm

import (
	"encoding/binary"

	"github.com/dsoprea/go-logging"
)

const (
	// SlabMagic tags a page as slab-managed ("SLAB" in ASCII).
	SlabMagic = 0x534c4142

	// DirectCutoff is the largest request served from a slab; anything
	// bigger goes straight to the frame allocator.
	DirectCutoff = 2048

	minObjectSize = 8

	// slabHeaderSize reserves room at the start of each slab page for the
	// header and keeps the object grid aligned.
	slabHeaderSize = 16
)

var (
	slabLogger = log.NewLogger("scepter.mm.slab")
)

// slabClasses are the pre-seeded object sizes.
var slabClasses = []uint16{8, 16, 32, 64, 128, 256, 512, 1024, 2048}

// slabHeader mirrors the bytes at the start of every slab page. The free
// list threads through the free objects themselves: each free object's
// first two bytes hold the in-page byte offset of the next free object
// (0 = end of list; 0 is never a valid object offset because the header
// occupies it).
type slabHeader struct {
	magic     uint32
	objSize   uint16
	numObjs   uint16
	freeCount uint16
	freeHead  uint16
}

func readSlabHeader(page []byte) slabHeader {
	return slabHeader{
		magic:     binary.LittleEndian.Uint32(page[0:4]),
		objSize:   binary.LittleEndian.Uint16(page[4:6]),
		numObjs:   binary.LittleEndian.Uint16(page[6:8]),
		freeCount: binary.LittleEndian.Uint16(page[8:10]),
		freeHead:  binary.LittleEndian.Uint16(page[10:12]),
	}
}

func writeSlabHeader(page []byte, sh slabHeader) {
	binary.LittleEndian.PutUint32(page[0:4], sh.magic)
	binary.LittleEndian.PutUint16(page[4:6], sh.objSize)
	binary.LittleEndian.PutUint16(page[6:8], sh.numObjs)
	binary.LittleEndian.PutUint16(page[8:10], sh.freeCount)
	binary.LittleEndian.PutUint16(page[10:12], sh.freeHead)
}

// slabCache tracks the slab pages of one object size. Pages are referred
// to by their virtual addresses rather than by threaded pointers.
type slabCache struct {
	objSize uint16
	partial []uint32
	full    []uint32
}

func removeAddr(list []uint32, addr uint32) []uint32 {
	for i, a := range list {
		if a == addr {
			return append(list[:i], list[i+1:]...)
		}
	}

	return list
}

// Heap is the small-object allocator. Requests up to DirectCutoff bytes
// are rounded to a power-of-two class and served from slab pages; larger
// requests are delegated to the frame allocator.
type Heap struct {
	pages  *PageAllocator
	caches []*slabCache

	// Live slab-page addresses. Membership here, not the on-page magic,
	// decides whether a freed address belongs to the slab layer, so a
	// direct allocation whose first word happens to equal SlabMagic can
	// never be misclassified.
	slabPages map[uint32]struct{}
}

// NewHeap returns a Heap over the given frame allocator with caches
// pre-seeded for every size class.
func NewHeap(pages *PageAllocator) (h *Heap) {
	h = &Heap{
		pages:     pages,
		caches:    make([]*slabCache, 0, len(slabClasses)),
		slabPages: make(map[uint32]struct{}),
	}

	for _, size := range slabClasses {
		h.caches = append(h.caches, &slabCache{objSize: size})
	}

	return h
}

// roundUpClass returns the smallest size class that fits `size`.
func roundUpClass(size int) uint16 {
	class := uint16(minObjectSize)
	for int(class) < size {
		class <<= 1
	}

	return class
}

func (h *Heap) cacheFor(objSize uint16) *slabCache {
	for _, cache := range h.caches {
		if cache.objSize == objSize {
			return cache
		}
	}

	return nil
}

// createSlab takes one frame, lays out the header and the intra-page free
// list, and returns the page address.
func (h *Heap) createSlab(objSize uint16) (pageAddr uint32, err error) {
	pageAddr, err = h.pages.Alloc(PageSize)
	if err != nil {
		return 0, err
	}

	page, err := h.pages.Bytes(pageAddr, PageSize)
	if err != nil {
		h.pages.Free(pageAddr)
		return 0, err
	}

	numObjs := uint16((PageSize - slabHeaderSize) / int(objSize))

	// Thread the free list front to back.
	for i := uint16(0); i < numObjs; i++ {
		offset := slabHeaderSize + i*objSize

		next := uint16(0)
		if i+1 < numObjs {
			next = offset + objSize
		}

		binary.LittleEndian.PutUint16(page[offset:offset+2], next)
	}

	writeSlabHeader(page, slabHeader{
		magic:     SlabMagic,
		objSize:   objSize,
		numObjs:   numObjs,
		freeCount: numObjs,
		freeHead:  slabHeaderSize,
	})

	h.slabPages[pageAddr] = struct{}{}

	return pageAddr, nil
}

// Alloc returns the address of a block of at least `size` bytes.
func (h *Heap) Alloc(size int) (addr uint32, err error) {
	if size <= 0 {
		return 0, ErrInvalidSize
	}

	if size > DirectCutoff {
		return h.pages.Alloc(size)
	}

	objSize := roundUpClass(size)
	cache := h.cacheFor(objSize)

	if len(cache.partial) == 0 {
		pageAddr, err := h.createSlab(objSize)
		if err != nil {
			return 0, err
		}

		cache.partial = append(cache.partial, pageAddr)
	}

	pageAddr := cache.partial[0]

	page, err := h.pages.Bytes(pageAddr, PageSize)
	if err != nil {
		return 0, err
	}

	sh := readSlabHeader(page)

	objOffset := sh.freeHead
	sh.freeHead = binary.LittleEndian.Uint16(page[objOffset : objOffset+2])
	sh.freeCount--

	writeSlabHeader(page, sh)

	if sh.freeCount == 0 {
		cache.partial = removeAddr(cache.partial, pageAddr)
		cache.full = append(cache.full, pageAddr)
	}

	return pageAddr + uint32(objOffset), nil
}

// Free returns a block to its slab, or to the frame allocator if the
// address is not slab-managed. Freeing 0 is a no-op; addresses that fall
// inside a slab page but not on its object grid are logged and ignored.
func (h *Heap) Free(addr uint32) {
	if addr == 0 {
		return
	}

	pageAddr := addr &^ uint32(PageSize-1)

	if _, found := h.slabPages[pageAddr]; found == false {
		h.pages.Free(addr)
		return
	}

	page, err := h.pages.Bytes(pageAddr, PageSize)
	if err != nil {
		slabLogger.Warningf(nil, "Free of unmapped slab address (0x%08x); ignoring.", addr)
		return
	}

	sh := readSlabHeader(page)

	if sh.magic != SlabMagic {
		slabLogger.Warningf(nil, "Slab page (0x%08x) has corrupt magic (0x%08x); ignoring free.", pageAddr, sh.magic)
		return
	}

	objOffset := addr - pageAddr

	if objOffset < slabHeaderSize || (objOffset-slabHeaderSize)%uint32(sh.objSize) != 0 {
		slabLogger.Warningf(nil, "Free of (0x%08x) not on the object grid of its slab; ignoring.", addr)
		return
	}

	binary.LittleEndian.PutUint16(page[objOffset:objOffset+2], sh.freeHead)
	sh.freeHead = uint16(objOffset)

	wasFull := sh.freeCount == 0
	sh.freeCount++

	writeSlabHeader(page, sh)

	cache := h.cacheFor(sh.objSize)
	if cache == nil {
		slabLogger.Warningf(nil, "Slab page (0x%08x) names unknown class (%d).", pageAddr, sh.objSize)
		return
	}

	if wasFull == true {
		cache.full = removeAddr(cache.full, pageAddr)
		cache.partial = append(cache.partial, pageAddr)
	}

	// Release a fully-empty slab, keeping one per class as a cushion.
	if sh.freeCount == sh.numObjs && len(cache.partial) > 1 {
		cache.partial = removeAddr(cache.partial, pageAddr)
		delete(h.slabPages, pageAddr)
		h.pages.Free(pageAddr)
	}
}

// Bytes exposes the arena window backing a heap allocation.
func (h *Heap) Bytes(addr uint32, n int) (buf []byte, err error) {
	return h.pages.Bytes(addr, n)
}

// Stats returns the net allocated and free byte counts across all slab
// pages.
func (h *Heap) Stats() (allocated, free uint32) {
	for _, cache := range h.caches {
		for _, pageAddr := range append(append([]uint32(nil), cache.partial...), cache.full...) {
			page, err := h.pages.Bytes(pageAddr, PageSize)
			if err != nil {
				continue
			}

			sh := readSlabHeader(page)

			allocated += uint32(sh.numObjs-sh.freeCount) * uint32(sh.objSize)
			free += uint32(sh.freeCount) * uint32(sh.objSize)
		}
	}

	return allocated, free
}
