package vm

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// The methods below operate on the privileged view. Multi-byte values use
// host (little-endian) order, as the trapped host instructions do.

// Read copies len(buf) bytes at addr.
func (s *Space) Read(addr uint32, buf []byte) bool {
	if !s.Contains(addr, uint64(len(buf))) {
		return false
	}
	copy(buf, s.priv[addr:])
	return true
}

// Write copies buf to addr.
func (s *Space) Write(addr uint32, buf []byte) bool {
	if !s.Contains(addr, uint64(len(buf))) {
		return false
	}
	copy(s.priv[addr:], buf)
	return true
}

// Load reads a 1, 2, 4 or 8 byte value.
func (s *Space) Load(addr uint32, size int) (uint64, bool) {
	if !validSize(size) || !s.Contains(addr, uint64(size)) {
		return 0, false
	}
	p := s.pointer(addr)
	switch {
	case size == 4 && aligned(p, 4):
		return uint64(atomic.LoadUint32((*uint32)(p))), true
	case size == 8 && aligned(p, 8):
		return atomic.LoadUint64((*uint64)(p)), true
	}
	return s.loadPlain(addr, size), true
}

// Store writes a 1, 2, 4 or 8 byte value.
func (s *Space) Store(addr uint32, size int, v uint64) bool {
	if !validSize(size) || !s.Contains(addr, uint64(size)) {
		return false
	}
	p := s.pointer(addr)
	switch {
	case size == 4 && aligned(p, 4):
		atomic.StoreUint32((*uint32)(p), uint32(v))
		return true
	case size == 8 && aligned(p, 8):
		atomic.StoreUint64((*uint64)(p), v)
		return true
	case size <= 2:
		_, ok := s.Update(addr, size, func(uint64) uint64 { return v })
		return ok
	}
	s.storePlain(addr, size, v)
	return true
}

// Swap atomically replaces the value at addr and returns the old one.
func (s *Space) Swap(addr uint32, size int, v uint64) (uint64, bool) {
	return s.Update(addr, size, func(uint64) uint64 { return v })
}

// CompareAndSwap writes new if the current value equals old. It returns the
// value observed before the operation.
func (s *Space) CompareAndSwap(addr uint32, size int, old, new uint64) (uint64, bool, bool) {
	old &= mask(size)
	cur, ok := s.Update(addr, size, func(cur uint64) uint64 {
		if cur == old {
			return new
		}
		return cur
	})
	return cur, ok && cur == old, ok
}

// Update atomically replaces the value v at addr with fn(v) and returns v.
// fn may run more than once and must not have side effects.
//
// Aligned dwords and qwords use a compare-and-swap on the value itself;
// bytes and words use one on the aligned dword that contains them. Accesses
// that straddle an alignment boundary are performed non-atomically and rely
// on the caller's serialisation.
func (s *Space) Update(addr uint32, size int, fn func(uint64) uint64) (uint64, bool) {
	if !validSize(size) || !s.Contains(addr, uint64(size)) {
		return 0, false
	}
	m := mask(size)
	p := s.pointer(addr)
	switch {
	case size == 8 && aligned(p, 8):
		p64 := (*uint64)(p)
		for {
			old := atomic.LoadUint64(p64)
			if atomic.CompareAndSwapUint64(p64, old, fn(old)) {
				return old, true
			}
		}

	case size == 4 && aligned(p, 4):
		p32 := (*uint32)(p)
		for {
			old := atomic.LoadUint32(p32)
			if atomic.CompareAndSwapUint32(p32, old, uint32(fn(uint64(old)))) {
				return uint64(old), true
			}
		}

	case size <= 2 && int(addr&3)+size <= 4 && s.Contains(addr&^3, 4):
		word := s.pointer(addr &^ 3)
		if !aligned(word, 4) {
			break
		}
		p32 := (*uint32)(word)
		shift := 8 * (addr & 3)
		for {
			w := atomic.LoadUint32(p32)
			old := uint64(w>>shift) & m
			nw := w&^(uint32(m)<<shift) | uint32(fn(old)&m)<<shift
			if atomic.CompareAndSwapUint32(p32, w, nw) {
				return old, true
			}
		}
	}

	old := s.loadPlain(addr, size)
	s.storePlain(addr, size, fn(old)&m)
	return old, true
}

func (s *Space) pointer(addr uint32) unsafe.Pointer {
	return unsafe.Pointer(&s.priv[addr])
}

func (s *Space) loadPlain(addr uint32, size int) uint64 {
	b := s.priv[addr : uint64(addr)+uint64(size)]
	switch size {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	}
	return binary.LittleEndian.Uint64(b)
}

func (s *Space) storePlain(addr uint32, size int, v uint64) {
	b := s.priv[addr : uint64(addr)+uint64(size)]
	switch size {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, v)
	}
}

func aligned(p unsafe.Pointer, n uintptr) bool {
	return uintptr(p)%n == 0
}

func validSize(size int) bool {
	return size == 1 || size == 2 || size == 4 || size == 8
}

func mask(size int) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return 1<<(8*uint(size)) - 1
}
