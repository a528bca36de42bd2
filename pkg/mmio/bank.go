package mmio

import (
	"fmt"
	"sort"
	"sync"
)

// Mode restricts the direction a register can be accessed in.
type Mode uint8

const (
	ReadWrite Mode = iota
	ReadOnly
	WriteOnly
)

func (m Mode) String() string {
	switch m {
	case ReadWrite:
		return "rw"
	case ReadOnly:
		return "ro"
	case WriteOnly:
		return "wo"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

type register struct {
	mode  Mode
	value uint32
}

// Bank is a simple peripheral: a set of 32-bit registers at fixed offsets
// from a base address.
type Bank struct {
	Name string
	Base uint32

	// OnWrite, if set, observes every accepted write.
	OnWrite func(offset, value uint32)

	mu   sync.Mutex
	regs map[uint32]*register
}

func NewBank(name string, base uint32) *Bank {
	return &Bank{Name: name, Base: base, regs: make(map[uint32]*register)}
}

// Define adds a register at offset. Offsets must be register aligned.
func (b *Bank) Define(offset uint32, mode Mode, initial uint32) {
	if offset%RegisterSize != 0 {
		panic(fmt.Sprintf("mmio: misaligned register offset 0x%x in %s", offset, b.Name))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regs[offset] = &register{mode: mode, value: initial}
}

// End returns the last address covered by the bank's registers.
func (b *Bank) End() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var last uint32
	for off := range b.regs {
		if off > last {
			last = off
		}
	}
	return b.Base + last + RegisterSize - 1
}

// Offsets lists the defined register offsets in order.
func (b *Bank) Offsets() []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	offs := make([]uint32, 0, len(b.regs))
	for off := range b.regs {
		offs = append(offs, off)
	}
	sort.Slice(offs, func(i, j int) bool { return offs[i] < offs[j] })
	return offs
}

func (b *Bank) lookup(addr uint32) (uint32, *register) {
	if addr < b.Base || (addr-b.Base)%RegisterSize != 0 {
		return 0, nil
	}
	off := addr - b.Base
	return off, b.regs[off]
}

func (b *Bank) ReadRegister(addr uint32) (uint32, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, reg := b.lookup(addr)
	if reg == nil || reg.mode == WriteOnly {
		return 0, false
	}
	return reg.value, true
}

func (b *Bank) WriteRegister(addr uint32, value uint32) bool {
	b.mu.Lock()
	off, reg := b.lookup(addr)
	if reg == nil || reg.mode == ReadOnly {
		b.mu.Unlock()
		return false
	}
	reg.value = value
	onWrite := b.OnWrite
	b.mu.Unlock()

	if onWrite != nil {
		onWrite(off, value)
	}
	return true
}

// Value returns the current value of the register at offset, regardless of
// its mode.
func (b *Bank) Value(offset uint32) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if reg := b.regs[offset]; reg != nil {
		return reg.value
	}
	return 0
}

func (b *Bank) String() string {
	return fmt.Sprintf("%s@0x%08x", b.Name, b.Base)
}
