package device

import (
	"errors"
	"testing"

	"github.com/HubRis504/scepter/mm"
)

func newTestRegistry() *Registry {
	pa := mm.New(0x00200000, 4096)
	heap := mm.NewHeap(pa)

	return NewRegistry(heap)
}

type fakeCharDevice struct {
	lastScnd int
	lastByte byte
}

func (fcd *fakeCharDevice) ReadChar(scnd int) byte {
	return byte(scnd)
}

func (fcd *fakeCharDevice) WriteChar(scnd int, c byte) error {
	fcd.lastScnd = scnd
	fcd.lastByte = c

	return nil
}

// fakeDisk is a sector device with per-sector storage, deterministic
// fill for unwritten sectors, call counters, and switchable failures.
type fakeDisk struct {
	sectors map[uint32][]byte

	reads  int
	writes int

	failReads  bool
	failWrites bool

	lastWriteSub int
	lastWriteLBA uint32
}

func newFakeDisk() *fakeDisk {
	return &fakeDisk{
		sectors: make(map[uint32][]byte),
	}
}

func (fd *fakeDisk) ReadBlock(sub int, lba uint32, buf []byte) (int, error) {
	fd.reads++

	if fd.failReads == true {
		return 0, errors.New("injected read failure")
	}

	if data, found := fd.sectors[lba]; found == true {
		copy(buf, data)
	} else {
		for i := range buf {
			buf[i] = byte(lba)
		}
	}

	return len(buf), nil
}

func (fd *fakeDisk) WriteBlock(sub int, lba uint32, buf []byte) (int, error) {
	fd.writes++

	if fd.failWrites == true {
		return 0, errors.New("injected write failure")
	}

	data := make([]byte, len(buf))
	copy(data, buf)

	fd.sectors[lba] = data
	fd.lastWriteSub = sub
	fd.lastWriteLBA = lba

	return len(buf), nil
}

func TestRegistry_Register(t *testing.T) {
	reg := newTestRegistry()

	fcd := new(fakeCharDevice)

	if err := reg.RegisterChar(CharTerminal, fcd); err != nil {
		t.Fatalf("Char registration failed: %s", err)
	}

	if err := reg.RegisterChar(CharTerminal, fcd); err != ErrExists {
		t.Fatalf("Duplicate char registration did not fail correctly: %v", err)
	}

	if err := reg.RegisterChar(256, fcd); err != ErrInvalidArgument {
		t.Fatalf("Out-of-range id did not fail correctly: %v", err)
	}

	if err := reg.RegisterChar(5, nil); err != ErrInvalidArgument {
		t.Fatalf("Nil vtable did not fail correctly: %v", err)
	}

	// Char and block ids are disjoint namespaces.
	if err := reg.RegisterBlock(CharTerminal, newFakeDisk()); err != nil {
		t.Fatalf("Block registration alongside char id failed: %s", err)
	}

	if err := reg.RegisterBlock(CharTerminal, newFakeDisk()); err != ErrExists {
		t.Fatalf("Duplicate block registration did not fail correctly: %v", err)
	}
}

func TestRegistry_CharDispatch(t *testing.T) {
	reg := newTestRegistry()

	if c := reg.CRead(CharKeyboard, 0); c != 0 {
		t.Fatalf("Read of missing char device not zero: (%d)", c)
	}

	if err := reg.CWrite(CharTerminal, 0, 'x'); err != ErrNoDevice {
		t.Fatalf("Write to missing char device did not fail correctly: %v", err)
	}

	fcd := new(fakeCharDevice)

	err := reg.RegisterChar(CharTerminal, fcd)
	if err != nil {
		t.Fatalf("Registration failed: %s", err)
	}

	if c := reg.CRead(CharTerminal, 7); c != 7 {
		t.Fatalf("Char read not dispatched: (%d)", c)
	}

	err = reg.CWrite(CharTerminal, 3, 'y')
	if err != nil {
		t.Fatalf("Char write failed: %s", err)
	}

	if fcd.lastScnd != 3 || fcd.lastByte != 'y' {
		t.Fatalf("Char write not dispatched correctly.")
	}
}

func TestRegistry_BlockDispatchMissing(t *testing.T) {
	reg := newTestRegistry()

	buf := make([]byte, BlockSize)

	if _, err := reg.BRead(0, 0, 0, buf); err != ErrNoDevice {
		t.Fatalf("Read of missing block device did not fail correctly: %v", err)
	}

	if _, err := reg.BWrite(0, 0, 0, buf); err != ErrNoDevice {
		t.Fatalf("Write to missing block device did not fail correctly: %v", err)
	}
}
