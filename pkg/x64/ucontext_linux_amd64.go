//go:build linux && amd64

package x64

import "unsafe"

// SignalContext64 is struct sigcontext (mcontext_t) on linux/amd64.
type SignalContext64 struct {
	R8      uint64
	R9      uint64
	R10     uint64
	R11     uint64
	R12     uint64
	R13     uint64
	R14     uint64
	R15     uint64
	Rdi     uint64
	Rsi     uint64
	Rbp     uint64
	Rbx     uint64
	Rdx     uint64
	Rax     uint64
	Rcx     uint64
	Rsp     uint64
	Rip     uint64
	Eflags  uint64
	Cs      uint16
	Gs      uint16
	Fs      uint16
	Ss      uint16
	Err     uint64
	Trapno  uint64
	Oldmask uint64
	Cr2     uint64
	// Pointer to a struct _fpstate.
	Fpstate  uint64
	Reserved [8]uint64
}

// SignalStack is stack_t.
type SignalStack struct {
	Addr  uint64
	Flags uint32
	_     uint32
	Size  uint64
}

// UContext64 is ucontext_t on linux/amd64.
type UContext64 struct {
	Flags    uint64
	Link     uint64
	Stack    SignalStack
	MContext SignalContext64
	Sigset   uint64
}

// fpstateXMMOffset is the offset of the xmm array inside struct _fpstate,
// after the legacy x87 header and the eight 16-byte st registers.
const fpstateXMMOffset = 160

// Page-fault error code bits.
const (
	pfWrite = 1 << 1
)

// UContext adapts a kernel-delivered ucontext_t to Context. It is the only
// code that knows the platform register layout.
type UContext struct {
	uc *UContext64
}

// NewUContext wraps the third argument of an SA_SIGINFO handler.
func NewUContext(p unsafe.Pointer) *UContext {
	return &UContext{uc: (*UContext64)(p)}
}

// WrapUContext wraps a ucontext held in Go memory.
func WrapUContext(uc *UContext64) *UContext {
	return &UContext{uc: uc}
}

func (c *UContext) gpr(i int) *uint64 {
	mc := &c.uc.MContext
	switch Reg(i) {
	case RAX:
		return &mc.Rax
	case RCX:
		return &mc.Rcx
	case RDX:
		return &mc.Rdx
	case RBX:
		return &mc.Rbx
	case RSP:
		return &mc.Rsp
	case RBP:
		return &mc.Rbp
	case RSI:
		return &mc.Rsi
	case RDI:
		return &mc.Rdi
	case R8:
		return &mc.R8
	case R9:
		return &mc.R9
	case R10:
		return &mc.R10
	case R11:
		return &mc.R11
	case R12:
		return &mc.R12
	case R13:
		return &mc.R13
	case R14:
		return &mc.R14
	case R15:
		return &mc.R15
	}
	panic("x64: bad register index")
}

func (c *UContext) xmm() *[16]Vec128 {
	fp := c.uc.MContext.Fpstate
	if fp == 0 {
		return nil
	}
	return (*[16]Vec128)(unsafe.Pointer(uintptr(fp) + fpstateXMMOffset))
}

func (c *UContext) GPR(i int) uint64       { return *c.gpr(i) }
func (c *UContext) SetGPR(i int, v uint64) { *c.gpr(i) = v }

func (c *UContext) XMM(i int) Vec128 {
	if x := c.xmm(); x != nil {
		return x[i]
	}
	return Vec128{}
}

func (c *UContext) SetXMM(i int, v Vec128) {
	if x := c.xmm(); x != nil {
		x[i] = v
	}
}

func (c *UContext) Flags() uint64     { return c.uc.MContext.Eflags }
func (c *UContext) SetFlags(v uint64) { c.uc.MContext.Eflags = v }
func (c *UContext) IP() uint64        { return c.uc.MContext.Rip }
func (c *UContext) SetIP(v uint64)    { c.uc.MContext.Rip = v }
func (c *UContext) SP() uint64        { return c.uc.MContext.Rsp }
func (c *UContext) SetSP(v uint64)    { c.uc.MContext.Rsp = v }

// FaultAddr is the faulting linear address of a SIGSEGV.
func (c *UContext) FaultAddr() uint64 { return c.uc.MContext.Cr2 }

// IsWrite reports whether the page fault was caused by a write.
func (c *UContext) IsWrite() bool { return c.uc.MContext.Err&pfWrite != 0 }
