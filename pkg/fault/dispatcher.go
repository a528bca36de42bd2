// Package fault resolves memory-access faults raised by generated code,
// either by emulating the faulting instruction or by reporting that it must
// become a guest-visible access violation.
package fault

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"

	"github.com/sirupsen/logrus"

	"trapline/pkg/mmio"
	"trapline/pkg/x64"
)

const (
	hostPageSize = 4096

	// AddressLimit is the size of the guest address space.
	AddressLimit = 1 << 32
)

var log = logrus.WithField("module", "fault")

var errFetch = errors.New("fault: instruction bytes unreadable")

// Devices finds the peripheral owning an MMIO address.
type Devices interface {
	Lookup(addr uint32) (mmio.Device, bool)
}

// Oracle runs fn when the access of size bytes at addr may be emulated now
// and returns its result, or returns without running it when the access
// should be retried or is a genuine violation.
type Oracle interface {
	Guard(addr, size uint32, isWrite bool, fn func() bool) bool
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(addr, size uint32, isWrite bool, fn func() bool) bool

func (f OracleFunc) Guard(addr, size uint32, isWrite bool, fn func() bool) bool {
	return f(addr, size, isWrite, fn)
}

// Storage is privileged access to guest memory: it bypasses the page
// protection that caused the fault. Values use host byte order.
type Storage interface {
	Read(addr uint32, buf []byte) bool
	Write(addr uint32, buf []byte) bool
	Load(addr uint32, size int) (uint64, bool)
	Store(addr uint32, size int, v uint64) bool
	Swap(addr uint32, size int, v uint64) (uint64, bool)
	CompareAndSwap(addr uint32, size int, old, new uint64) (actual uint64, swapped, ok bool)
	Update(addr uint32, size int, fn func(uint64) uint64) (old uint64, ok bool)

	// HostAddr returns where addr lives in the normal view, the address
	// generated code uses.
	HostAddr(addr uint32) uintptr
}

// Miss describes a fault the dispatcher could not resolve.
type Miss struct {
	IP      uint64
	Addr    uint32
	IsWrite bool
	Bytes   []byte
	Reason  string
}

// Reporter receives unresolved faults. Report must not block.
type Reporter interface {
	Report(m Miss)
}

// Dispatcher resolves faults. Hook, Devices and Reporter are optional.
type Dispatcher struct {
	// Hook gets the first look at every fault; returning true claims it.
	Hook func(addr uint32, isWrite bool) bool

	Host     x64.HostMemory
	Storage  Storage
	Devices  Devices
	Oracle   Oracle
	Reporter Reporter
}

// fault is the state of one HandleFault call.
type fault struct {
	d       *Dispatcher
	addr    uint32
	isWrite bool
	ctx     x64.Context
	in      x64.Instruction
	code    []byte // raw bytes fetched at IP, for diagnostics
}

// HandleFault tries to resolve a fault at guest address addr. It returns
// true when ctx may be resumed: either the instruction was emulated and IP
// moved past it, or the access should simply be retried. False means the
// fault is a genuine access violation.
func (d *Dispatcher) HandleFault(addr uint32, isWrite bool, ctx x64.Context) bool {
	if d.Hook != nil && d.Hook(addr, isWrite) {
		return true
	}

	f := &fault{d: d, addr: addr, isWrite: isWrite, ctx: ctx}
	var err error
	f.in, f.code, err = d.fetch(ctx.IP())
	if err != nil {
		f.fail(err.Error(), nil)
		return false
	}
	in := f.in

	if uint64(in.Size)+uint64(addr) >= AddressLimit {
		f.fail("operand crosses the end of the address space", nil)
		return false
	}

	size, ok := AccessSize(ctx, in)
	if !ok || size >= AddressLimit || size+uint64(addr) >= AddressLimit {
		f.fail("access crosses the end of the address space", logrus.Fields{"access_size": size})
		return false
	}

	if d.Devices != nil {
		if dev, ok := d.Devices.Lookup(addr); ok {
			return f.mmio(dev, size)
		}
	}

	if d.Oracle == nil || d.Storage == nil {
		f.fail("no storage to emulate against", nil)
		return false
	}
	low, span, ok := writeSpan(ctx, in, addr, size)
	if !ok {
		f.fail("cannot read the repeat count", nil)
		return false
	}
	return d.Oracle.Guard(low, span, isWrite, f.emulate)
}

// writeSpan is the range the oracle checks. It differs from the access size
// only for backward string operations, which report no size yet store
// downward from addr until the count runs out or the page starts.
func writeSpan(ctx x64.Context, in x64.Instruction, addr uint32, size uint64) (uint32, uint32, bool) {
	if size != 0 || (in.Op != x64.OpMovs && in.Op != x64.OpStos) || ctx.Flags()&x64.FlagDF == 0 || in.Size == 0 {
		return addr, uint32(size), true
	}
	step := uint64(in.Size)
	count := uint64(1)
	if in.Reg != x64.NoReg {
		var ok bool
		if count, ok = x64.ReadOperand(ctx, in.Reg, 8, in.Bytes()); !ok {
			return 0, 0, false
		}
		if count == 0 {
			return addr, 0, true
		}
	}
	if below := uint64(addr%hostPageSize)/step + 1; count > below {
		count = below
	}
	low := uint64(addr) - (count-1)*step
	return uint32(low), uint32(uint64(addr) + step - low), true
}

// fetch reads and decodes the instruction at ip. Bytes past the end of ip's
// page are only read when the instruction does not fit before it.
func (d *Dispatcher) fetch(ip uint64) (x64.Instruction, []byte, error) {
	var buf [x64.MaxInstructionLen]byte
	host := d.Host
	if host == nil {
		host = x64.NativeMemory{}
	}

	n := int(hostPageSize - ip%hostPageSize)
	if n > len(buf) {
		n = len(buf)
	}
	if !host.ReadHost(uintptr(ip), buf[:n]) {
		return x64.Instruction{}, nil, errFetch
	}
	in, err := x64.Decode(buf[:n])
	if errors.Is(err, x64.ErrTruncated) && n < len(buf) && host.ReadHost(uintptr(ip)+uintptr(n), buf[n:]) {
		n = len(buf)
		in, err = x64.Decode(buf[:n])
	}
	return in, buf[:n], err
}

// AccessSize returns how many bytes the instruction touches, starting at the
// faulting address. Backward string operations report 0; see writeSpan for
// what they store. Compare-exchanges whose source equals the accumulator
// also report 0 since they can never change memory.
func AccessSize(ctx x64.Context, in x64.Instruction) (uint64, bool) {
	size := uint64(in.Size)
	switch in.Op {
	case x64.OpMovs, x64.OpStos:
		if ctx.Flags()&x64.FlagDF != 0 {
			return 0, true
		}
		if in.Reg != x64.NoReg {
			count, ok := x64.ReadOperand(ctx, in.Reg, 8, in.Bytes())
			if !ok {
				return 0, false
			}
			hi, lo := bits.Mul64(size, count)
			if hi != 0 {
				return 0, false
			}
			return lo, true
		}

	case x64.OpCmpxchg:
		src, ok1 := x64.ReadOperand(ctx, in.Reg, in.Size, in.Bytes())
		acc, ok2 := x64.ReadOperand(ctx, x64.RAX, in.Size, in.Bytes())
		if !ok1 || !ok2 {
			return 0, false
		}
		if src == acc {
			return 0, true
		}
	}
	return size, true
}

func (f *fault) advance() {
	f.ctx.SetIP(f.ctx.IP() + uint64(f.in.Length))
}

// fail logs an unresolved fault with the raw bytes at IP and forwards it to
// the reporter.
func (f *fault) fail(reason string, extra logrus.Fields) {
	fields := logrus.Fields{
		"ip":    fmt.Sprintf("0x%x", f.ctx.IP()),
		"addr":  fmt.Sprintf("0x%x", f.addr),
		"write": f.isWrite,
		"op":    f.in.String(),
		"bytes": hex.EncodeToString(f.code),
	}
	if len(f.code) > 0 {
		fields["disasm"] = x64.Disassemble(f.code)
	}
	for k, v := range extra {
		fields[k] = v
	}
	log.WithFields(fields).Error(reason)

	if f.d.Reporter != nil {
		f.d.Reporter.Report(Miss{
			IP:      f.ctx.IP(),
			Addr:    f.addr,
			IsWrite: f.isWrite,
			Bytes:   append([]byte(nil), f.code...),
			Reason:  reason,
		})
	}
}

func (f *fault) unsupported() bool {
	f.fail("unsupported operation", nil)
	return false
}

// mmio emulates a register access. Device registers are big-endian, so the
// value is swapped unless the instruction already swaps it.
func (f *fault) mmio(dev mmio.Device, size uint64) bool {
	in, ctx := f.in, f.ctx
	if size != mmio.RegisterSize || in.Size == 0 || in.Length == 0 {
		f.fail("unsupported mmio access", logrus.Fields{"access_size": size})
		return false
	}

	switch in.Op {
	case x64.OpLoad, x64.OpLoadBE, x64.OpLoadCmp, x64.OpLoadTest:
		if f.isWrite {
			f.fail("write fault while decoding a load", nil)
			return false
		}
		v, ok := dev.ReadRegister(f.addr)
		if !ok {
			f.fail("mmio register read rejected", nil)
			return false
		}
		if in.Op != x64.OpLoadBE {
			v = bits.ReverseBytes32(v)
		}

		switch in.Op {
		case x64.OpLoadCmp:
			r, ok := x64.ReadOperand(ctx, in.Reg, in.Size, in.Bytes())
			if !ok || !x64.SetCompareFlags(ctx, uint64(v), r, in.Size, true) {
				return false
			}
		case x64.OpLoadTest:
			r, ok := x64.ReadOperand(ctx, in.Reg, in.Size, in.Bytes())
			if !ok || !x64.SetLogicFlags(ctx, uint64(v)&r, in.Size) {
				return false
			}
		default:
			if !x64.WriteOperand(ctx, in.Reg, in.Size, uint64(v)) {
				return false
			}
		}

	case x64.OpStore, x64.OpStoreBE:
		if !f.isWrite {
			f.fail("read fault while decoding a store", nil)
			return false
		}
		r, ok := x64.ReadOperand(ctx, in.Reg, in.Size, in.Bytes())
		if !ok {
			return false
		}
		v := uint32(r)
		if in.Op == x64.OpStore {
			v = bits.ReverseBytes32(v)
		}
		if !dev.WriteRegister(f.addr, v) {
			f.fail("mmio register write rejected", nil)
			return false
		}

	default:
		return f.unsupported()
	}

	f.advance()
	return true
}
