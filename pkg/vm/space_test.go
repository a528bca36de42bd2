package vm

import (
	"errors"
	"runtime"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBufferProtect(t *testing.T) {
	s := NewBuffer(3 * PageSize)
	if s.Size() != 3*PageSize {
		t.Fatalf("Size() = %d", s.Size())
	}
	if s.IsMapped(0) {
		t.Errorf("new pages must start inaccessible")
	}

	if err := s.Protect(PageSize+10, 20, Mutable); err != nil {
		t.Fatalf("Protect: %v", err)
	}
	got := []Access{s.AccessAt(0), s.AccessAt(PageSize), s.AccessAt(2 * PageSize)}
	if diff := cmp.Diff([]Access{Inaccessible, Mutable, Inaccessible}, got); diff != "" {
		t.Errorf("page permissions mismatch (-want +got):\n%s", diff)
	}
	if !s.CanWrite(PageSize, PageSize) {
		t.Errorf("page 1 should be writable")
	}
	if s.CanWrite(PageSize, PageSize+1) {
		t.Errorf("range spilling into page 2 should not be writable")
	}

	err := s.Protect(2*PageSize, 2*PageSize, Immutable)
	if !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Protect past the end: got %v, want ErrOutOfRange", err)
	}
	if s.AccessAt(1<<31) != Inaccessible {
		t.Errorf("addresses past the end are inaccessible")
	}
}

func TestAddressTranslation(t *testing.T) {
	s := NewBuffer(PageSize)
	host := s.HostAddr(0x123)
	addr, ok := s.GuestAddr(host)
	if !ok || addr != 0x123 {
		t.Errorf("GuestAddr(HostAddr(0x123)) = 0x%x, %v", addr, ok)
	}
	if _, ok := s.GuestAddr(s.BufferBase() + PageSize); ok {
		t.Errorf("one past the end must not translate")
	}
	if _, ok := s.GuestAddr(s.BufferBase() - 1); ok {
		t.Errorf("below the base must not translate")
	}
}

func TestLoadStore(t *testing.T) {
	s := NewBuffer(PageSize)
	for _, tc := range []struct {
		addr uint32
		size int
		v    uint64
	}{
		{0x10, 1, 0xAB},
		{0x21, 2, 0xBEEF},
		{0x40, 4, 0xDEADBEEF},
		{0x43, 4, 0x01020304},
		{0x80, 8, 0x0102030405060708},
		{0xC5, 8, 0x1122334455667788},
	} {
		if !s.Store(tc.addr, tc.size, tc.v) {
			t.Fatalf("Store(0x%x, %d) failed", tc.addr, tc.size)
		}
		got, ok := s.Load(tc.addr, tc.size)
		if !ok || got != tc.v {
			t.Errorf("Load(0x%x, %d) = 0x%x, %v; want 0x%x", tc.addr, tc.size, got, ok, tc.v)
		}
	}

	// The dword at 0x43 overwrote the top byte of the one at 0x40.
	var buf [4]byte
	s.Read(0x40, buf[:])
	if diff := cmp.Diff([]byte{0xEF, 0xBE, 0xAD, 0x04}, buf[:]); diff != "" {
		t.Errorf("little-endian layout mismatch (-want +got):\n%s", diff)
	}

	if _, ok := s.Load(PageSize-2, 4); ok {
		t.Errorf("load crossing the end of the space must fail")
	}
	if s.Store(0, 3, 0) {
		t.Errorf("3-byte store must fail")
	}
	if s.Write(PageSize-1, []byte{1, 2}) {
		t.Errorf("write past the end must fail")
	}
}

func TestSubwordUpdateKeepsNeighbours(t *testing.T) {
	s := NewBuffer(PageSize)
	s.Store(0x100, 4, 0x44332211)

	old, ok := s.Swap(0x101, 1, 0xAA)
	if !ok || old != 0x22 {
		t.Fatalf("Swap byte = 0x%x, %v", old, ok)
	}
	old, ok = s.Update(0x102, 2, func(v uint64) uint64 { return v + 1 })
	if !ok || old != 0x4433 {
		t.Fatalf("Update word = 0x%x, %v", old, ok)
	}
	got, _ := s.Load(0x100, 4)
	if got != 0x4434AA11 {
		t.Errorf("dword = 0x%x, want 0x4434aa11", got)
	}

	// Word straddling a dword boundary takes the plain path.
	s.Store(0x103, 2, 0x1234)
	got, _ = s.Load(0x103, 2)
	if got != 0x1234 {
		t.Errorf("straddling word = 0x%x", got)
	}
}

func TestCompareAndSwap(t *testing.T) {
	s := NewBuffer(PageSize)
	s.Store(0x200, 8, 5)

	actual, swapped, ok := s.CompareAndSwap(0x200, 8, 4, 9)
	if !ok || swapped || actual != 5 {
		t.Errorf("mismatching CAS = (%d, %v, %v)", actual, swapped, ok)
	}
	actual, swapped, ok = s.CompareAndSwap(0x200, 8, 5, 9)
	if !ok || !swapped || actual != 5 {
		t.Errorf("matching CAS = (%d, %v, %v)", actual, swapped, ok)
	}
	if v, _ := s.Load(0x200, 8); v != 9 {
		t.Errorf("value after CAS = %d", v)
	}

	// The comparand is truncated to the operand width.
	s.Store(0x300, 1, 0xFF)
	_, swapped, _ = s.CompareAndSwap(0x300, 1, 0xFFFF, 1)
	if !swapped {
		t.Errorf("byte CAS must compare the low byte only")
	}
}

func TestUpdateConcurrent(t *testing.T) {
	s := NewBuffer(PageSize)
	const workers, iterations = 8, 1000
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(lane uint32) {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				s.Update(0x400, 4, func(v uint64) uint64 { return v + 1 })
				// Bytes sharing one dword must not lose each other's updates.
				s.Update(0x500+lane%4, 1, func(v uint64) uint64 { return v + 1 })
				runtime.Gosched()
			}
		}(uint32(i))
	}
	wg.Wait()

	if v, _ := s.Load(0x400, 4); v != workers*iterations {
		t.Errorf("counter = %d, want %d", v, workers*iterations)
	}
	for lane := uint32(0); lane < 4; lane++ {
		v, _ := s.Load(0x500+lane, 1)
		if want := uint64(workers / 4 * iterations % 256); v != want {
			t.Errorf("byte lane %d = %d, want %d", lane, v, want)
		}
	}
}
