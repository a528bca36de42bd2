// Package mmio maps peripheral register windows into the guest address space.
package mmio

import (
	"fmt"
	"sync/atomic"
)

const (
	// RegisterSize is the width of every peripheral register.
	RegisterSize = 4

	pageShift = 12
)

// Device is a peripheral reachable through MMIO. Register values are in
// guest (big-endian) register order.
type Device interface {
	ReadRegister(addr uint32) (uint32, bool)
	WriteRegister(addr uint32, value uint32) bool
}

type window struct {
	start, end uint32 // inclusive
	dev        Device
}

// Registry finds the device owning an address. Windows are bucketed by page
// so a lookup only scans the windows sharing the faulting page.
type Registry struct {
	pages  map[uint32][]window
	sealed atomic.Bool
}

func NewRegistry() *Registry {
	return &Registry{pages: make(map[uint32][]window)}
}

// Map registers dev for [start, end]. Mapping after Seal panics, since
// lookups on trapped threads run without locks.
func (r *Registry) Map(start, end uint32, dev Device) error {
	if r.sealed.Load() {
		panic(fmt.Sprintf("mmio: Map called after Seal (range 0x%08x-0x%08x)", start, end))
	}
	if end < start || dev == nil {
		return fmt.Errorf("mmio: invalid window 0x%08x-0x%08x", start, end)
	}
	w := window{start: start, end: end, dev: dev}
	for page := uint64(start >> pageShift); page <= uint64(end>>pageShift); page++ {
		for _, other := range r.pages[uint32(page)] {
			if other.start <= end && start <= other.end {
				return fmt.Errorf("mmio: window 0x%08x-0x%08x overlaps 0x%08x-0x%08x", start, end, other.start, other.end)
			}
		}
	}
	for page := uint64(start >> pageShift); page <= uint64(end>>pageShift); page++ {
		r.pages[uint32(page)] = append(r.pages[uint32(page)], w)
	}
	return nil
}

// Seal freezes the mappings. It is called before guest code starts.
func (r *Registry) Seal() {
	r.sealed.CompareAndSwap(false, true)
}

// Lookup returns the device whose window contains addr.
func (r *Registry) Lookup(addr uint32) (Device, bool) {
	for _, w := range r.pages[addr>>pageShift] {
		if addr >= w.start && addr <= w.end {
			return w.dev, true
		}
	}
	return nil, false
}
