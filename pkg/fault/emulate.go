package fault

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/sirupsen/logrus"

	"trapline/pkg/x64"
)

// emulate performs the decoded instruction against privileged storage. It
// runs inside the oracle, which serialises it against reservation owners.
// Read-modify-write operations go through Storage.Update so their flags come
// from the exact value they replaced.
func (f *fault) emulate() bool {
	in := f.in
	if in.Size == 0 || in.Length == 0 {
		f.fail("invalid instruction", nil)
		return false
	}

	var ok bool
	switch in.Op {
	case x64.OpLoad, x64.OpLoadBE, x64.OpLoadCmp, x64.OpLoadTest:
		ok = f.load()
	case x64.OpStore, x64.OpStoreBE:
		ok = f.store()
	case x64.OpMovs, x64.OpStos:
		// block operations advance IP themselves
		return f.block()
	case x64.OpXchg:
		ok = f.xchg()
	case x64.OpCmpxchg:
		ok = f.cmpxchg()
	case x64.OpAnd, x64.OpOr, x64.OpXor:
		ok = f.logic()
	case x64.OpInc, x64.OpDec:
		ok = f.incdec()
	case x64.OpAdd, x64.OpAdc, x64.OpSub, x64.OpSbb:
		ok = f.arith()
	default:
		return f.unsupported()
	}
	if !ok {
		return false
	}
	f.advance()
	return true
}

func (f *fault) operand() (uint64, bool) {
	v, ok := x64.ReadOperand(f.ctx, f.in.Reg, f.in.Size, f.in.Bytes())
	if !ok {
		f.fail("unsupported operand", logrus.Fields{"reg": f.in.Reg.String()})
	}
	return v, ok
}

func (f *fault) storageFailed() bool {
	f.fail("privileged access failed", logrus.Fields{"size": f.in.Size})
	return false
}

func byteSwap(v uint64, size int) (uint64, bool) {
	switch size {
	case 2:
		return uint64(bits.ReverseBytes16(uint16(v))), true
	case 4:
		return uint64(bits.ReverseBytes32(uint32(v))), true
	case 8:
		return bits.ReverseBytes64(v), true
	}
	return 0, false
}

func (f *fault) load() bool {
	in, ctx := f.in, f.ctx
	v, ok := f.d.Storage.Load(f.addr, in.Size)
	if !ok {
		return f.storageFailed()
	}

	switch in.Op {
	case x64.OpLoadCmp:
		r, ok := f.operand()
		return ok && x64.SetCompareFlags(ctx, v, r, in.Size, true)
	case x64.OpLoadTest:
		r, ok := f.operand()
		return ok && x64.SetLogicFlags(ctx, v&r, in.Size)
	case x64.OpLoadBE:
		if v, ok = byteSwap(v, in.Size); !ok {
			return f.unsupported()
		}
	}
	if !x64.WriteOperand(ctx, in.Reg, in.Size, v) {
		f.fail("unsupported destination", logrus.Fields{"reg": in.Reg.String()})
		return false
	}
	return true
}

func (f *fault) store() bool {
	in := f.in
	if in.Size == 16 {
		if in.Op != x64.OpStore {
			return f.unsupported()
		}
		vec, ok := x64.ReadVector(f.ctx, in.Reg)
		if !ok {
			f.fail("unsupported vector operand", logrus.Fields{"reg": in.Reg.String()})
			return false
		}
		var buf [16]byte
		binary.LittleEndian.PutUint64(buf[:8], vec.Lo)
		binary.LittleEndian.PutUint64(buf[8:], vec.Hi)
		if !f.d.Storage.Write(f.addr, buf[:]) {
			return f.storageFailed()
		}
		return true
	}

	v, ok := f.operand()
	if !ok {
		return false
	}
	if in.Op == x64.OpStoreBE {
		if v, ok = byteSwap(v, in.Size); !ok {
			return f.unsupported()
		}
	}
	if !f.d.Storage.Store(f.addr, in.Size, v) {
		return f.storageFailed()
	}
	return true
}

// block emulates MOVS/STOS one element at a time without leaving the page
// of the faulting address. When a repeated instruction stops at the page
// boundary, IP is left alone so the next fault continues where this one
// stopped.
func (f *fault) block() bool {
	in, ctx := f.in, f.ctx
	size := in.Size
	if size > 8 {
		return f.unsupported()
	}
	rdi := ctx.GPR(int(x64.RDI))
	if uintptr(rdi) != f.d.Storage.HostAddr(f.addr) {
		f.fail("string operation does not fault on its destination", logrus.Fields{
			"rdi": fmt.Sprintf("0x%x", rdi),
			"rsi": fmt.Sprintf("0x%x", ctx.GPR(int(x64.RSI))),
		})
		return false
	}
	repeated := in.Reg != x64.NoReg
	if repeated && ctx.GPR(int(x64.RCX)) == 0 {
		f.advance()
		return true
	}

	host := f.d.Host
	if host == nil {
		host = x64.NativeMemory{}
	}
	var value uint64
	if in.Op == x64.OpStos {
		v, ok := x64.ReadOperand(ctx, x64.RAX, size, in.Bytes())
		if !ok {
			return false
		}
		value = v
	}

	step := uint64(size)
	backward := ctx.Flags()&x64.FlagDF != 0
	page := f.addr / hostPageSize
	var buf [8]byte
	for a := f.addr; a/hostPageSize == page; {
		if in.Op == x64.OpMovs {
			rsi := ctx.GPR(int(x64.RSI))
			if !host.ReadHost(uintptr(rsi), buf[:size]) {
				f.fail("string source unreadable", logrus.Fields{"rsi": fmt.Sprintf("0x%x", rsi)})
				return false
			}
			if !f.d.Storage.Write(a, buf[:size]) {
				return f.storageFailed()
			}
		} else if !f.d.Storage.Store(a, size, value) {
			return f.storageFailed()
		}

		if backward {
			if in.Op == x64.OpMovs {
				ctx.SetGPR(int(x64.RSI), ctx.GPR(int(x64.RSI))-step)
			}
			ctx.SetGPR(int(x64.RDI), ctx.GPR(int(x64.RDI))-step)
			a -= uint32(step)
		} else {
			if in.Op == x64.OpMovs {
				ctx.SetGPR(int(x64.RSI), ctx.GPR(int(x64.RSI))+step)
			}
			ctx.SetGPR(int(x64.RDI), ctx.GPR(int(x64.RDI))+step)
			a += uint32(step)
		}

		if !repeated {
			break
		}
		rcx := ctx.GPR(int(x64.RCX)) - 1
		ctx.SetGPR(int(x64.RCX), rcx)
		if rcx == 0 {
			break
		}
	}

	if !repeated || ctx.GPR(int(x64.RCX)) == 0 {
		f.advance()
	}
	return true
}

func (f *fault) xchg() bool {
	in := f.in
	v, ok := f.operand()
	if !ok {
		return false
	}
	old, ok := f.d.Storage.Swap(f.addr, in.Size, v)
	if !ok {
		return f.storageFailed()
	}
	return x64.WriteOperand(f.ctx, in.Reg, in.Size, old)
}

// cmpxchg compares the accumulator with memory. The accumulator is only
// written back when the comparison fails, as on hardware.
func (f *fault) cmpxchg() bool {
	in, ctx := f.in, f.ctx
	src, ok := f.operand()
	if !ok {
		return false
	}
	acc, ok := x64.ReadOperand(ctx, x64.RAX, in.Size, in.Bytes())
	if !ok {
		return false
	}
	old, swapped, ok := f.d.Storage.CompareAndSwap(f.addr, in.Size, acc, src)
	if !ok {
		return f.storageFailed()
	}
	if !swapped && !x64.WriteOperand(ctx, x64.RAX, in.Size, old) {
		return false
	}
	return x64.SetCompareFlags(ctx, acc, old, in.Size, true)
}

func (f *fault) logic() bool {
	in := f.in
	v, ok := f.operand()
	if !ok {
		return false
	}
	apply := func(old uint64) uint64 {
		switch in.Op {
		case x64.OpAnd:
			return old & v
		case x64.OpOr:
			return old | v
		}
		return old ^ v
	}
	old, ok := f.d.Storage.Update(f.addr, in.Size, apply)
	if !ok {
		return f.storageFailed()
	}
	return x64.SetLogicFlags(f.ctx, apply(old), in.Size)
}

// incdec leaves CF untouched.
func (f *fault) incdec() bool {
	in := f.in
	var delta uint64 = 1
	if in.Op == x64.OpDec {
		delta = ^uint64(0)
	}
	old, ok := f.d.Storage.Update(f.addr, in.Size, func(v uint64) uint64 { return v + delta })
	if !ok {
		return f.storageFailed()
	}
	if in.Op == x64.OpInc {
		return x64.SetAddFlags(f.ctx, old, 1, 0, in.Size, false)
	}
	return x64.SetSubFlags(f.ctx, old, 1, 0, in.Size, false)
}

func (f *fault) arith() bool {
	in, ctx := f.in, f.ctx
	v, ok := f.operand()
	if !ok {
		return false
	}
	var carry uint64
	if in.Op == x64.OpAdc || in.Op == x64.OpSbb {
		carry = ctx.Flags() & x64.FlagCF
	}

	add := in.Op == x64.OpAdd || in.Op == x64.OpAdc
	old, ok := f.d.Storage.Update(f.addr, in.Size, func(x uint64) uint64 {
		if add {
			return x + v + carry
		}
		return x - v - carry
	})
	if !ok {
		return f.storageFailed()
	}
	if add {
		return x64.SetAddFlags(ctx, old, v, carry, in.Size, true)
	}
	return x64.SetSubFlags(ctx, old, v, carry, in.Size, true)
}
