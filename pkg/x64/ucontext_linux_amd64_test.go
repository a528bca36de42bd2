//go:build linux && amd64

package x64

import (
	"encoding/binary"
	"testing"
	"unsafe"
)

func TestUContextLayout(t *testing.T) {
	// sizeof(struct sigcontext) on linux/amd64
	if got := unsafe.Sizeof(SignalContext64{}); got != 256 {
		t.Errorf("sizeof(SignalContext64) = %d, want 256", got)
	}
	if got := unsafe.Offsetof(UContext64{}.MContext); got != 40 {
		t.Errorf("offsetof(uc_mcontext) = %d, want 40", got)
	}
}

func TestUContextAccessors(t *testing.T) {
	fpstate := make([]byte, 512)
	uc := &UContext64{}
	uc.MContext.Fpstate = uint64(uintptr(unsafe.Pointer(&fpstate[0])))
	uc.MContext.Rdx = 0x22
	uc.MContext.R13 = 0x13
	uc.MContext.Err = 6 // user-mode write
	ctx := WrapUContext(uc)

	if ctx.GPR(int(RDX)) != 0x22 || ctx.GPR(int(R13)) != 0x13 {
		t.Errorf("GPR mapping wrong: rdx=%#x r13=%#x", ctx.GPR(int(RDX)), ctx.GPR(int(R13)))
	}
	ctx.SetGPR(int(RSP), 0x7000)
	if uc.MContext.Rsp != 0x7000 || ctx.SP() != 0x7000 {
		t.Errorf("SetGPR(rsp) did not reach the stack pointer")
	}
	ctx.SetIP(0x401000)
	if uc.MContext.Rip != 0x401000 {
		t.Errorf("SetIP did not reach rip")
	}
	if !ctx.IsWrite() {
		t.Errorf("IsWrite() = false for error code 6")
	}

	ctx.SetXMM(2, Vec128{Lo: 0x0102030405060708, Hi: 0x1112131415161718})
	off := fpstateXMMOffset + 2*16
	if lo := binary.LittleEndian.Uint64(fpstate[off:]); lo != 0x0102030405060708 {
		t.Errorf("xmm2 low half at fpstate+%d = %#x", off, lo)
	}
	if hi := binary.LittleEndian.Uint64(fpstate[off+8:]); hi != 0x1112131415161718 {
		t.Errorf("xmm2 high half = %#x", hi)
	}
	if ctx.XMM(2).Hi != 0x1112131415161718 {
		t.Errorf("XMM(2) did not read back")
	}

	uc.MContext.Fpstate = 0
	if ctx.XMM(2) != (Vec128{}) {
		t.Errorf("XMM without fpstate must read as zero")
	}
}
