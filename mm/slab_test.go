package mm

import (
	"testing"

	"encoding/binary"
)

func newTestHeap(t *testing.T) (*PageAllocator, *Heap) {
	pa := New(testBase, 4096)
	h := NewHeap(pa)

	return pa, h
}

func TestHeap_AllocFreeAccounting(t *testing.T) {
	_, h := newTestHeap(t)

	allocatedBefore, _ := h.Stats()

	addr, err := h.Alloc(32)
	if err != nil {
		t.Fatalf("Alloc failed: %s", err)
	}

	allocatedAfter, _ := h.Stats()

	if allocatedAfter != allocatedBefore+32 {
		t.Fatalf("Allocated bytes not correct: (%d) -> (%d)", allocatedBefore, allocatedAfter)
	}

	page, err := h.Bytes(addr&^uint32(PageSize-1), PageSize)
	if err != nil {
		t.Fatalf("Bytes failed: %s", err)
	}

	freeBefore := readSlabHeader(page).freeCount

	h.Free(addr)

	if readSlabHeader(page).freeCount != freeBefore+1 {
		t.Fatalf("Free count did not increment.")
	}

	allocatedFinal, _ := h.Stats()

	if allocatedFinal != allocatedBefore {
		t.Fatalf("Allocated bytes did not return to baseline: (%d)", allocatedFinal)
	}
}

func TestHeap_SlabMagic(t *testing.T) {
	pa, h := newTestHeap(t)

	addr, err := h.Alloc(32)
	if err != nil {
		t.Fatalf("Alloc failed: %s", err)
	}

	pageAddr := addr &^ uint32(PageSize-1)

	page, err := h.Bytes(pageAddr, PageSize)
	if err != nil {
		t.Fatalf("Bytes failed: %s", err)
	}

	if binary.LittleEndian.Uint32(page[0:4]) != SlabMagic {
		t.Fatalf("Slab page does not start with the magic tag.")
	}

	freeBefore := pa.FreePages()

	h.Free(addr)

	// The last slab of a class is the cushion; its frame stays put.
	if pa.FreePages() != freeBefore {
		t.Fatalf("Cushion slab was released.")
	}
}

func TestHeap_RoundTrip(t *testing.T) {
	pa, h := newTestHeap(t)

	for _, size := range []int{1, 7, 8, 9, 16, 2048, 2049} {
		addr, err := h.Alloc(size)
		if err != nil {
			t.Fatalf("Alloc (%d) failed: %s", size, err)
		}

		h.Free(addr)

		// Steady state after the first pair; repeated pairs must not
		// consume frames.
		steady := pa.FreePages()

		for i := 0; i < 100; i++ {
			addr, err := h.Alloc(size)
			if err != nil {
				t.Fatalf("Alloc (%d) iteration (%d) failed: %s", size, i, err)
			}

			h.Free(addr)

			if pa.FreePages() != steady {
				t.Fatalf("Free pages drifted for size (%d): (%d) != (%d)", size, pa.FreePages(), steady)
			}
		}
	}
}

func TestHeap_ClassRounding(t *testing.T) {
	_, h := newTestHeap(t)

	addr, err := h.Alloc(9)
	if err != nil {
		t.Fatalf("Alloc failed: %s", err)
	}

	page, err := h.Bytes(addr&^uint32(PageSize-1), PageSize)
	if err != nil {
		t.Fatalf("Bytes failed: %s", err)
	}

	if readSlabHeader(page).objSize != 16 {
		t.Fatalf("Size (9) not rounded to class (16): (%d)", readSlabHeader(page).objSize)
	}
}

func TestHeap_DirectDelegation(t *testing.T) {
	pa, h := newTestHeap(t)

	usedBefore := pa.UsedPages()

	addr, err := h.Alloc(3 * PageSize)
	if err != nil {
		t.Fatalf("Alloc failed: %s", err)
	}

	if pa.UsedPages() != usedBefore+3 {
		t.Fatalf("Direct allocation did not take three frames: (%d)", pa.UsedPages()-usedBefore)
	}

	// A direct allocation is page-aligned and carries no slab header.
	if addr%PageSize != 0 {
		t.Fatalf("Direct allocation not page-aligned: (0x%08x)", addr)
	}

	// Even if the payload happens to contain the slab magic, Free must
	// route the address to the frame allocator.
	buf, err := h.Bytes(addr, 4)
	if err != nil {
		t.Fatalf("Bytes failed: %s", err)
	}

	binary.LittleEndian.PutUint32(buf, SlabMagic)

	h.Free(addr)

	if pa.UsedPages() != usedBefore {
		t.Fatalf("Direct allocation not fully released: (%d) used.", pa.UsedPages())
	}
}

func TestHeap_EmptySlabRelease(t *testing.T) {
	pa, h := newTestHeap(t)

	// 512-byte objects: seven per slab. Nine allocations force a second
	// slab page.
	addrs := make([]uint32, 9)

	for i := range addrs {
		addr, err := h.Alloc(512)
		if err != nil {
			t.Fatalf("Alloc (%d) failed: %s", i, err)
		}

		addrs[i] = addr
	}

	if pa.UsedPages() != 2 {
		t.Fatalf("Expected two slab pages: (%d)", pa.UsedPages())
	}

	for _, addr := range addrs {
		h.Free(addr)
	}

	// One of the two empty slabs is released, one remains as cushion.
	if pa.UsedPages() != 1 {
		t.Fatalf("Expected one cushion page: (%d)", pa.UsedPages())
	}
}

func TestHeap_ForeignFree(t *testing.T) {
	pa, h := newTestHeap(t)

	addr, err := h.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc failed: %s", err)
	}

	page, err := h.Bytes(addr&^uint32(PageSize-1), PageSize)
	if err != nil {
		t.Fatalf("Bytes failed: %s", err)
	}

	freeBefore := readSlabHeader(page).freeCount

	// Off the object grid; logged and ignored.
	h.Free(addr + 3)

	if readSlabHeader(page).freeCount != freeBefore {
		t.Fatalf("Off-grid free changed the slab.")
	}

	h.Free(0)

	if pa.FreePages()+pa.UsedPages() != pa.TotalPages() {
		t.Fatalf("Accounting broken after foreign frees.")
	}
}

func TestHeap_OutOfMemory(t *testing.T) {
	pa := New(testBase, 4)
	h := NewHeap(pa)

	// One page total; the first slab takes it.
	if _, err := h.Alloc(32); err != nil {
		t.Fatalf("Alloc failed: %s", err)
	}

	if _, err := h.Alloc(3 * PageSize); err != ErrNoMemory {
		t.Fatalf("Exhausted alloc did not fail correctly: %v", err)
	}
}
