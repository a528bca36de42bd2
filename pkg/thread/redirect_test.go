package thread

import (
	stderrors "errors"
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"

	"trapline/pkg/errors"
	"trapline/pkg/x64"
)

// hostStack is heap allocated so raw pointers into it stay valid.
type hostStack struct {
	words [32]uint64
}

var stacks []*hostStack

func newHostStack() *hostStack {
	s := new(hostStack)
	stacks = append(stacks, s)
	return s
}

func (s *hostStack) addr(i int) uint64 {
	return uint64(uintptr(unsafe.Pointer(&s.words[i])))
}

// deniedMemory refuses every access.
type deniedMemory struct{}

func (deniedMemory) ReadHost(uintptr, []byte) bool  { return false }
func (deniedMemory) WriteHost(uintptr, []byte) bool { return false }

const (
	leafIP    = 0x7000_0100
	nonLeafIP = 0x7000_2040
)

func newTestThread(t *testing.T, opts Options) *Thread {
	t.Helper()
	if opts.Unwinder == nil {
		u := &UnwindTable{}
		if err := u.Register(Frame{Name: "framed", Start: 0x7000_2000, End: 0x7000_3000, PrologSize: 8, UnwindCodes: 3}); err != nil {
			t.Fatal(err)
		}
		opts.Unwinder = u
	}
	th, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return th
}

func catch(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err, _ = r.(error)
		}
	}()
	fn()
	return nil
}

func TestRedirectLeaf(t *testing.T) {
	th := newTestThread(t, Options{Name: "leaf"})
	stack := newHostStack()
	stack.words[15] = 0x1111

	var regs x64.Registers
	regs.RIP = leafIP
	regs.SetSP(stack.addr(16))
	if err := th.Redirect(&regs, 0x4000, 7, 9); err != nil {
		t.Fatal(err)
	}

	want := x64.Registers{RIP: 0x4000}
	want.GPRs[x64.RSP] = stack.addr(16)
	want.GPRs[x64.RDI] = 7
	want.GPRs[x64.RSI] = 9
	if diff := cmp.Diff(want, regs); diff != "" {
		t.Errorf("context mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(ReturnSlot{Addr: leafIP}, th.ReturnSlot()); diff != "" {
		t.Errorf("return slot mismatch (-want +got):\n%s", diff)
	}
	if stack.words[15] != 0x1111 {
		t.Errorf("leaf redirect touched the stack")
	}
}

func TestRedirectNonLeaf(t *testing.T) {
	th := newTestThread(t, Options{Name: "framed", ABI: x64.Win64})
	stack := newHostStack()
	stack.words[15] = 0xfeedface

	var regs x64.Registers
	regs.RIP = nonLeafIP
	regs.SetSP(stack.addr(16))
	regs.GPRs[x64.RDI] = 0x55
	if err := th.Redirect(&regs, 0x4000, 1, 2); err != nil {
		t.Fatal(err)
	}

	if regs.SP() != stack.addr(15) {
		t.Errorf("SP = 0x%x, want 0x%x", regs.SP(), stack.addr(15))
	}
	if stack.words[15] != nonLeafIP {
		t.Errorf("pushed word = 0x%x, want return address", stack.words[15])
	}
	if regs.GPRs[x64.RCX] != 1 || regs.GPRs[x64.RDX] != 2 || regs.GPRs[x64.RDI] != 0x55 {
		t.Errorf("win64 arguments not in rcx/rdx: %+v", regs.GPRs)
	}
	want := ReturnSlot{Pos: stack.addr(15), Addr: nonLeafIP, Saved: 0xfeedface}
	if diff := cmp.Diff(want, th.ReturnSlot()); diff != "" {
		t.Errorf("return slot mismatch (-want +got):\n%s", diff)
	}

	th.restoreStack(th.ReturnSlot())
	if stack.words[15] != 0xfeedface {
		t.Errorf("restored word = 0x%x", stack.words[15])
	}
}

func TestRedirectUnwritableStack(t *testing.T) {
	th := newTestThread(t, Options{Name: "broken", Host: deniedMemory{}})
	var regs x64.Registers
	regs.RIP = nonLeafIP
	regs.SetSP(0x1000)
	before := regs

	if err := th.Redirect(&regs, 0x4000, 0, 0); err == nil {
		t.Fatalf("redirect with unwritable stack succeeded")
	}
	if diff := cmp.Diff(before, regs); diff != "" {
		t.Errorf("failed redirect changed the context (-want +got):\n%s", diff)
	}
}

func TestThrowAccessViolation(t *testing.T) {
	th := newTestThread(t, Options{Name: "thrower"})
	stack := newHostStack()

	var regs x64.Registers
	regs.RIP = nonLeafIP
	regs.SetSP(stack.addr(8))
	if err := th.PrepareThrowAccessViolation(&regs, errors.CauseWriting, 0x1234); err != nil {
		t.Fatal(err)
	}
	if uintptr(regs.RIP) != th.Stubs().AccessViolationEntry() {
		t.Fatalf("IP = 0x%x, not the violation entry", regs.RIP)
	}
	if regs.GPRs[x64.RDI] != causeWriting || regs.GPRs[x64.RSI] != 0x1234 {
		t.Errorf("arguments = %x, %x", regs.GPRs[x64.RDI], regs.GPRs[x64.RSI])
	}

	err := catch(func() { th.Resume(&regs) })
	want := &errors.AccessViolation{Cause: errors.CauseWriting, Addr: 0x1234}
	if diff := cmp.Diff(want, err); diff != "" {
		t.Errorf("raised error mismatch (-want +got):\n%s", diff)
	}
	if stack.words[7] != nonLeafIP {
		t.Errorf("return address not left on the stack")
	}
	if err := th.PrepareThrowAccessViolation(&regs, errors.CauseReading, 0x10); err != nil {
		t.Errorf("violation mark not cleared once raised: %v", err)
	}
}

func TestNestedViolation(t *testing.T) {
	th := newTestThread(t, Options{Name: "nested"})
	regs := x64.Registers{RIP: leafIP}
	if err := th.PrepareThrowAccessViolation(&regs, errors.CauseReading, 0x20); err != nil {
		t.Fatal(err)
	}
	redirected := regs
	if err := th.PrepareThrowAccessViolation(&regs, errors.CauseReading, 0x30); !stderrors.Is(err, ErrNestedViolation) {
		t.Errorf("second throw: %v, want ErrNestedViolation", err)
	}
	if diff := cmp.Diff(redirected, regs); diff != "" {
		t.Errorf("nested throw changed the context (-want +got):\n%s", diff)
	}
}

func TestResumeOffStub(t *testing.T) {
	th := newTestThread(t, Options{})
	regs := x64.Registers{RIP: leafIP}
	if th.Resume(&regs) {
		t.Errorf("Resume ran an entry for guest code")
	}
}
