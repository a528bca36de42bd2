package x64

import (
	"runtime/debug"
	"unsafe"
)

// RFLAGS bits.
const (
	FlagCF uint64 = 1 << 0
	FlagPF uint64 = 1 << 2
	FlagAF uint64 = 1 << 4
	FlagZF uint64 = 1 << 6
	FlagSF uint64 = 1 << 7
	FlagDF uint64 = 1 << 10
	FlagOF uint64 = 1 << 11

	// StatusFlags are the flags rewritten by arithmetic instructions.
	StatusFlags = FlagCF | FlagPF | FlagAF | FlagZF | FlagSF | FlagOF
)

// Vec128 is the value of one XMM register.
type Vec128 struct {
	Lo, Hi uint64
}

// Context is the register file of a trapped thread. Implementations hide the
// platform layout; indices follow the hardware register encoding.
type Context interface {
	GPR(i int) uint64
	SetGPR(i int, v uint64)
	XMM(i int) Vec128
	SetXMM(i int, v Vec128)
	Flags() uint64
	SetFlags(v uint64)
	IP() uint64
	SetIP(v uint64)
	SP() uint64
	SetSP(v uint64)
}

// Registers is a Context held in ordinary memory.
type Registers struct {
	GPRs   [16]uint64
	XMMs   [16]Vec128
	RFlags uint64
	RIP    uint64
}

func (r *Registers) GPR(i int) uint64       { return r.GPRs[i] }
func (r *Registers) SetGPR(i int, v uint64) { r.GPRs[i] = v }
func (r *Registers) XMM(i int) Vec128       { return r.XMMs[i] }
func (r *Registers) SetXMM(i int, v Vec128) { r.XMMs[i] = v }
func (r *Registers) Flags() uint64          { return r.RFlags }
func (r *Registers) SetFlags(v uint64)      { r.RFlags = v }
func (r *Registers) IP() uint64             { return r.RIP }
func (r *Registers) SetIP(v uint64)         { r.RIP = v }
func (r *Registers) SP() uint64             { return r.GPRs[RSP] }
func (r *Registers) SetSP(v uint64)         { r.GPRs[RSP] = v }

// Snapshot copies any Context into a Registers value.
func Snapshot(ctx Context) Registers {
	var r Registers
	for i := range r.GPRs {
		r.GPRs[i] = ctx.GPR(i)
	}
	for i := range r.XMMs {
		r.XMMs[i] = ctx.XMM(i)
	}
	r.RFlags = ctx.Flags()
	r.RIP = ctx.IP()
	r.GPRs[RSP] = ctx.SP()
	return r
}

// Restore writes a snapshot back into ctx.
func Restore(ctx Context, r *Registers) {
	for i, v := range r.GPRs {
		ctx.SetGPR(i, v)
	}
	for i, v := range r.XMMs {
		ctx.SetXMM(i, v)
	}
	ctx.SetFlags(r.RFlags)
	ctx.SetIP(r.RIP)
	ctx.SetSP(r.GPRs[RSP])
}

// HostMemory reads and writes host virtual memory. Both methods report false
// instead of faulting when the range is not accessible.
type HostMemory interface {
	ReadHost(addr uintptr, buf []byte) bool
	WriteHost(addr uintptr, buf []byte) bool
}

// NativeMemory accesses the current process's address space directly.
type NativeMemory struct{}

// ReadHost copies len(buf) bytes starting at addr.
func (NativeMemory) ReadHost(addr uintptr, buf []byte) (ok bool) {
	if addr == 0 || len(buf) == 0 {
		return len(buf) == 0
	}
	// SetPanicOnFault makes SIGSEGV recoverable via panic/recover
	prev := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(prev)
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	copy(buf, unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(buf)))
	return true
}

// WriteHost copies buf to addr.
func (NativeMemory) WriteHost(addr uintptr, buf []byte) (ok bool) {
	if addr == 0 || len(buf) == 0 {
		return len(buf) == 0
	}
	prev := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(prev)
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	copy(unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(buf)), buf)
	return true
}

// ABI selects which registers carry the first two integer arguments.
type ABI int

const (
	SysV  ABI = iota // RDI, RSI
	Win64            // RCX, RDX
)

// ArgRegs returns the registers holding the first and second argument.
func (a ABI) ArgRegs() (Reg, Reg) {
	if a == Win64 {
		return RCX, RDX
	}
	return RDI, RSI
}

// SetArgs loads the first two arguments into ctx.
func (a ABI) SetArgs(ctx Context, arg1, arg2 uint64) {
	r1, r2 := a.ArgRegs()
	ctx.SetGPR(int(r1), arg1)
	ctx.SetGPR(int(r2), arg2)
}

// Args reads the first two arguments from ctx.
func (a ABI) Args(ctx Context) (uint64, uint64) {
	r1, r2 := a.ArgRegs()
	return ctx.GPR(int(r1)), ctx.GPR(int(r2))
}

func (a ABI) String() string {
	if a == Win64 {
		return "win64"
	}
	return "sysv"
}
