//go:build !linux

package vm

import "errors"

var errNoHardware = errors.New("vm: hardware-backed spaces need linux")

// Options configures a hardware-backed space.
type Options struct {
	Size uint64
	Name string
}

// New is only available on linux; use NewBuffer elsewhere.
func New(opts Options) (*Space, error) {
	return nil, errNoHardware
}

func (s *Space) mprotect(start, length uint64, access Access) error {
	return errNoHardware
}

func (s *Space) unmap() error {
	return errNoHardware
}
