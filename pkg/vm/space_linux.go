//go:build linux

package vm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Options configures a hardware-backed space.
type Options struct {
	// Size of the address space; defaults to MaxSize.
	Size uint64
	// Name of the memfd, visible in /proc/<pid>/maps.
	Name string
}

// New maps a memfd twice: a normal view that starts fully inaccessible and a
// privileged read/write view of the same pages.
func New(opts Options) (*Space, error) {
	size := opts.Size
	if size == 0 {
		size = MaxSize
	}
	size = TotalSizeNeededPages(size)
	if size > MaxSize {
		return nil, fmt.Errorf("space size 0x%x: %w", size, ErrOutOfRange)
	}
	name := opts.Name
	if name == "" {
		name = "trapline-vm"
	}

	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("failed to create memfd: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to size memfd: %w", err)
	}

	// Normal view: start as PROT_NONE, Protect will set permissions as needed
	base, err := unix.Mmap(fd, 0, int(size), unix.PROT_NONE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to mmap normal view: %w", err)
	}
	priv, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Munmap(base)
		unix.Close(fd)
		return nil, fmt.Errorf("failed to mmap privileged view: %w", err)
	}

	log.WithField("size", size).Debug("guest address space mapped")
	return &Space{
		base:        base,
		priv:        priv,
		permissions: make([]Access, size/PageSize),
		hardware:    true,
		fd:          fd,
	}, nil
}

func (s *Space) mprotect(start, length uint64, access Access) error {
	var prot int
	switch access {
	case Inaccessible:
		prot = unix.PROT_NONE
	case Immutable:
		prot = unix.PROT_READ
	case Mutable:
		prot = unix.PROT_READ | unix.PROT_WRITE
	}
	return unix.Mprotect(unsafe.Slice((*byte)(unsafe.Add(unsafe.Pointer(&s.base[0]), start)), length), prot)
}

func (s *Space) unmap() error {
	err := unix.Munmap(s.base)
	if perr := unix.Munmap(s.priv); err == nil {
		err = perr
	}
	if cerr := unix.Close(s.fd); err == nil {
		err = cerr
	}
	s.base, s.priv, s.fd = nil, nil, -1
	return err
}
