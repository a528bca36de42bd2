package vm

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
)

const (
	PageSize = 1 << 12

	// MaxSize is the size of the full 32-bit guest address space.
	MaxSize = 1 << 32
)

var log = logrus.WithField("module", "vm")

var ErrOutOfRange = errors.New("vm: range outside address space")

// Access is the protection of one guest page in the normal view.
type Access uint8

const (
	Inaccessible Access = iota
	Immutable
	Mutable
)

func (a Access) String() string {
	switch a {
	case Inaccessible:
		return "inaccessible"
	case Immutable:
		return "immutable"
	case Mutable:
		return "mutable"
	}
	return fmt.Sprintf("access(%d)", uint8(a))
}

// Space is a guest address space with two views of the same memory. The
// normal view carries page protections and is what generated code touches;
// the privileged view is always readable and writable and is used by fault
// emulation.
type Space struct {
	base        []byte   // normal view
	priv        []byte   // privileged view
	permissions []Access // one entry per page
	hardware    bool     // if true, the normal view is protected with mprotect
	fd          int

	mu sync.Mutex
}

// NewBuffer creates a space backed by ordinary Go memory. Both views share
// one buffer and protections are tracked in software only.
func NewBuffer(size uint64) *Space {
	size = TotalSizeNeededPages(size)
	buf := make([]byte, size)
	return &Space{
		base:        buf,
		priv:        buf,
		permissions: make([]Access, size/PageSize),
		fd:          -1,
	}
}

func TotalSizeNeededPages(size uint64) uint64 {
	return PageSize * ((size + PageSize - 1) / PageSize)
}

// Size returns the size of the space in bytes.
func (s *Space) Size() uint64 {
	return uint64(len(s.priv))
}

// Contains reports whether [addr, addr+length) lies inside the space.
func (s *Space) Contains(addr uint32, length uint64) bool {
	return uint64(addr)+length <= uint64(len(s.priv))
}

// BufferBase returns the host address of the normal view.
func (s *Space) BufferBase() uintptr {
	return uintptr(unsafe.Pointer(&s.base[0]))
}

// HostAddr converts a guest address into a normal-view host address.
func (s *Space) HostAddr(addr uint32) uintptr {
	return s.BufferBase() + uintptr(addr)
}

// GuestAddr converts a faulting host address to a guest address, returns
// false if it lies outside the normal view.
func (s *Space) GuestAddr(host uintptr) (uint32, bool) {
	base := s.BufferBase()
	if host < base {
		return 0, false
	}
	offset := host - base
	if offset >= uintptr(len(s.base)) {
		return 0, false
	}
	return uint32(offset), true
}

// Protect changes the protection of every page overlapping [start, start+length).
func (s *Space) Protect(start, length uint64, access Access) error {
	if length == 0 {
		return nil
	}
	if start >= s.Size() || s.Size()-start < length {
		return fmt.Errorf("protect 0x%x+0x%x: %w", start, length, ErrOutOfRange)
	}

	// Align start down to page boundary and adjust length
	alignedStart := (start / PageSize) * PageSize
	alignedEnd := ((start + length + PageSize - 1) / PageSize) * PageSize

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hardware {
		if err := s.mprotect(alignedStart, alignedEnd-alignedStart, access); err != nil {
			return fmt.Errorf("mprotect 0x%x+0x%x %s: %w", alignedStart, alignedEnd-alignedStart, access, err)
		}
	}
	for page := alignedStart / PageSize; page < alignedEnd/PageSize; page++ {
		s.permissions[page] = access
	}
	return nil
}

// AccessAt returns the protection of the page holding addr.
func (s *Space) AccessAt(addr uint32) Access {
	if uint64(addr) >= s.Size() {
		return Inaccessible
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permissions[addr/PageSize]
}

// IsMapped reports whether the page holding addr is accessible at all.
func (s *Space) IsMapped(addr uint32) bool {
	return s.AccessAt(addr) != Inaccessible
}

// CanWrite reports whether every page of the range is writable in the
// normal view.
func (s *Space) CanWrite(addr uint32, length uint64) bool {
	if length == 0 || !s.Contains(addr, length) {
		return length == 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for page := uint64(addr) / PageSize; page <= (uint64(addr)+length-1)/PageSize; page++ {
		if s.permissions[page] != Mutable {
			return false
		}
	}
	return true
}

// Close releases the mappings.
func (s *Space) Close() error {
	if s.fd < 0 {
		s.base, s.priv = nil, nil
		return nil
	}
	return s.unmap()
}
