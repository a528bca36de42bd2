package mmio

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func expectPanic(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic, got none")
		}
	}()
	fn()
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	gpu := NewBank("gpu", 0x0FFF_FF00)
	gpu.Define(0, ReadWrite, 0)
	gpu.Define(0x1FC, ReadWrite, 0) // crosses into the next page

	if err := r.Map(gpu.Base, gpu.End(), gpu); err != nil {
		t.Fatalf("Map: %v", err)
	}
	for _, addr := range []uint32{0x0FFF_FF00, 0x0FFF_FFFC, 0x1000_0000, 0x1000_00FF} {
		if d, ok := r.Lookup(addr); !ok || d != gpu {
			t.Errorf("Lookup(0x%08x) = %v, %v", addr, d, ok)
		}
	}
	for _, addr := range []uint32{0x0FFF_FEFF, 0x1000_0100, 0} {
		if _, ok := r.Lookup(addr); ok {
			t.Errorf("Lookup(0x%08x) found a device", addr)
		}
	}

	if err := r.Map(0x1000_0000, 0x1000_0003, NewBank("dup", 0x1000_0000)); err == nil {
		t.Errorf("overlapping window was accepted")
	}
	if err := r.Map(0x20, 0x10, gpu); err == nil {
		t.Errorf("inverted window was accepted")
	}

	r.Seal()
	expectPanic(t, func() {
		r.Map(0x5000_0000, 0x5000_00FF, gpu)
	})
}

func TestBankModes(t *testing.T) {
	var writes [][2]uint32
	b := NewBank("spu", 0x1000)
	b.OnWrite = func(off, v uint32) { writes = append(writes, [2]uint32{off, v}) }
	b.Define(0x0, ReadWrite, 1)
	b.Define(0x4, ReadOnly, 2)
	b.Define(0x8, WriteOnly, 3)

	if v, ok := b.ReadRegister(0x1000); !ok || v != 1 {
		t.Errorf("rw read = %d, %v", v, ok)
	}
	if v, ok := b.ReadRegister(0x1004); !ok || v != 2 {
		t.Errorf("ro read = %d, %v", v, ok)
	}
	if _, ok := b.ReadRegister(0x1008); ok {
		t.Errorf("write-only register was readable")
	}
	if _, ok := b.ReadRegister(0x1002); ok {
		t.Errorf("misaligned read accepted")
	}
	if _, ok := b.ReadRegister(0xFFC); ok {
		t.Errorf("read below base accepted")
	}

	if b.WriteRegister(0x1004, 9) {
		t.Errorf("read-only register was writable")
	}
	if !b.WriteRegister(0x1008, 7) || !b.WriteRegister(0x1000, 5) {
		t.Fatalf("writable registers rejected a write")
	}
	if diff := cmp.Diff([][2]uint32{{8, 7}, {0, 5}}, writes); diff != "" {
		t.Errorf("OnWrite calls mismatch (-want +got):\n%s", diff)
	}
	if b.Value(0x8) != 7 {
		t.Errorf("Value(8) = %d", b.Value(0x8))
	}
	if diff := cmp.Diff([]uint32{0, 4, 8}, b.Offsets()); diff != "" {
		t.Errorf("Offsets mismatch (-want +got):\n%s", diff)
	}
	if b.End() != 0x100B {
		t.Errorf("End() = 0x%x", b.End())
	}
}
