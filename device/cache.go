package device

import (
	"github.com/dsoprea/go-logging"
)

const (
	// BlockSize is the only transfer length the cache mediates.
	BlockSize = 512

	// MaxEntries bounds the cache.
	MaxEntries = 64
)

var (
	cacheLogger = log.NewLogger("scepter.device.cache")
)

// blockBufferHeap is the slice of the kernel heap the cache needs: block
// payloads are kept in heap memory, not native slices, so cache pressure
// exercises the allocator stack.
type blockBufferHeap interface {
	Alloc(size int) (uint32, error)
	Free(addr uint32)
	Bytes(addr uint32, n int) ([]byte, error)
}

type blockKey struct {
	prim int
	sub  int
	lba  uint32
}

// cacheEntry is one cached block. prev/next thread the LRU list; head is
// most recent, tail least recent.
type cacheEntry struct {
	key   blockKey
	data  uint32
	dirty bool

	prev *cacheEntry
	next *cacheEntry
}

// rawWriter is the device path used for write-back, below the cache.
type rawWriter interface {
	writeRaw(key blockKey, buf []byte) (int, error)
}

// Cache is a bounded write-through LRU over 512-byte blocks. Callers
// always receive and supply copies; the cache owns its entries.
type Cache struct {
	heap blockBufferHeap
	raw  rawWriter

	entries map[blockKey]*cacheEntry
	head    *cacheEntry
	tail    *cacheEntry

	hits   uint32
	misses uint32
}

func newCache(heap blockBufferHeap, raw rawWriter) (c *Cache) {
	return &Cache{
		heap:    heap,
		raw:     raw,
		entries: make(map[blockKey]*cacheEntry),
	}
}

func (c *Cache) listRemove(entry *cacheEntry) {
	if entry.prev != nil {
		entry.prev.next = entry.next
	} else {
		c.head = entry.next
	}

	if entry.next != nil {
		entry.next.prev = entry.prev
	} else {
		c.tail = entry.prev
	}

	entry.prev = nil
	entry.next = nil
}

func (c *Cache) listPushHead(entry *cacheEntry) {
	entry.next = c.head
	entry.prev = nil

	if c.head != nil {
		c.head.prev = entry
	}

	c.head = entry

	if c.tail == nil {
		c.tail = entry
	}
}

func (c *Cache) moveToHead(entry *cacheEntry) {
	if entry == c.head {
		return
	}

	c.listRemove(entry)
	c.listPushHead(entry)
}

// writeback pushes a dirty entry to its device and clears the flag.
func (c *Cache) writeback(entry *cacheEntry) (err error) {
	if entry.dirty == false {
		return nil
	}

	buf, err := c.heap.Bytes(entry.data, BlockSize)
	if err != nil {
		return err
	}

	n, err := c.raw.writeRaw(entry.key, buf)
	if err != nil {
		return err
	} else if n != BlockSize {
		return log.Errorf("short write-back: (%d) != (%d)", n, BlockSize)
	}

	entry.dirty = false

	return nil
}

// drop removes an entry and reclaims its buffer. Dirty entries are
// written back first; a failed write-back is logged and the drop
// proceeds, trading the block for reclaimable memory.
func (c *Cache) drop(entry *cacheEntry) {
	if entry.dirty == true {
		if err := c.writeback(entry); err != nil {
			cacheLogger.Warningf(nil, "Write-back of (%d, %d, %d) failed during drop: %s", entry.key.prim, entry.key.sub, entry.key.lba, err)
		}
	}

	c.listRemove(entry)
	delete(c.entries, entry.key)
	c.heap.Free(entry.data)
}

// lookup copies the cached block for `key` into buf and refreshes its
// recency. Absence is a normal signal, not an error.
func (c *Cache) lookup(key blockKey, buf []byte) (hit bool) {
	entry, found := c.entries[key]
	if found == false {
		c.misses++
		return false
	}

	c.hits++

	data, err := c.heap.Bytes(entry.data, BlockSize)
	if err != nil {
		cacheLogger.Warningf(nil, "Cached block (%d, %d, %d) lost its buffer; dropping.", key.prim, key.sub, key.lba)
		c.drop(entry)
		return false
	}

	copy(buf, data)
	c.moveToHead(entry)

	return true
}

// insert records `data` as the clean cached contents of `key`,
// overwriting any existing entry and evicting from the tail when full.
func (c *Cache) insert(key blockKey, data []byte) {
	if entry, found := c.entries[key]; found == true {
		buf, err := c.heap.Bytes(entry.data, BlockSize)
		if err != nil {
			c.drop(entry)
			return
		}

		copy(buf, data)
		entry.dirty = false
		c.moveToHead(entry)

		return
	}

	if len(c.entries) >= MaxEntries {
		c.drop(c.tail)
	}

	addr, err := c.heap.Alloc(BlockSize)
	if err != nil {
		cacheLogger.Warningf(nil, "No memory for cache entry (%d, %d, %d); not caching.", key.prim, key.sub, key.lba)
		return
	}

	buf, err := c.heap.Bytes(addr, BlockSize)
	if err != nil {
		c.heap.Free(addr)
		return
	}

	copy(buf, data)

	entry := &cacheEntry{
		key:  key,
		data: addr,
	}

	c.entries[key] = entry
	c.listPushHead(entry)
}

// MarkDirty flags the cached block as modified and refreshes its recency.
func (c *Cache) MarkDirty(prim, sub int, lba uint32) (err error) {
	entry, found := c.entries[blockKey{prim: prim, sub: sub, lba: lba}]
	if found == false {
		return ErrNoDevice
	}

	entry.dirty = true
	c.moveToHead(entry)

	return nil
}

// Flush writes back every dirty entry and returns the count written.
func (c *Cache) Flush() (written int) {
	for entry := c.head; entry != nil; entry = entry.next {
		if entry.dirty == false {
			continue
		}

		if err := c.writeback(entry); err != nil {
			cacheLogger.Warningf(nil, "Flush of (%d, %d, %d) failed: %s", entry.key.prim, entry.key.sub, entry.key.lba, err)
			continue
		}

		written++
	}

	return written
}

// Invalidate writes the block back if dirty and removes it.
func (c *Cache) Invalidate(prim, sub int, lba uint32) {
	entry, found := c.entries[blockKey{prim: prim, sub: sub, lba: lba}]
	if found == false {
		return
	}

	c.drop(entry)
}

// Reset drops every entry, writing back the dirty ones, and clears the
// counters. The device keeps the authoritative data throughout
// (write-through), so a reset loses nothing but recency.
func (c *Cache) Reset() {
	for c.tail != nil {
		c.drop(c.tail)
	}

	c.hits = 0
	c.misses = 0
}

// Stats returns the hit count, miss count, and live entry count.
func (c *Cache) Stats() (hits, misses, entries uint32) {
	return c.hits, c.misses, uint32(len(c.entries))
}
