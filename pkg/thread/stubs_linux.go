//go:build linux

package thread

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mapStubs maps an anonymous page, fills it while writable, then makes it
// read+execute.
func mapStubs(size int) ([]byte, error) {
	size = (size + unix.Getpagesize() - 1) &^ (unix.Getpagesize() - 1)
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap stub page: %w", err)
	}
	fillStubs(mem)
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("failed to protect stub page: %w", err)
	}
	return mem, nil
}

func unmapStubs(mem []byte) error {
	return unix.Munmap(mem)
}

func gettid() int {
	return unix.Gettid()
}
