package thread

import (
	"encoding/binary"
	stderrors "errors"
	"fmt"

	"trapline/pkg/errors"
	"trapline/pkg/x64"
)

// Argument values passed to the access violation entry.
const (
	causeReading = 0
	causeWriting = 1
)

var ErrNestedViolation = stderrors.New("thread: access violation while already raising one")

// ReturnSlot records where a redirected context came from.
type ReturnSlot struct {
	// Pos is the stack address the return address was pushed to, or zero when
	// the interrupted code was a leaf and nothing was pushed.
	Pos uint64
	// Addr is the interrupted instruction pointer.
	Addr uint64
	// Saved is the word that occupied Pos before the push.
	Saved uint64
}

// ReturnSlot returns the thread's current return slot.
func (t *Thread) ReturnSlot() ReturnSlot {
	return t.ret
}

// Redirect makes ctx resume at entry with arg1 and arg2 in the argument
// registers. If the interrupted code is not a leaf, its return address is
// pushed so the frame stays walkable; the word it overwrites is kept in the
// return slot. It fails only if the stack cannot be written.
func (t *Thread) Redirect(ctx x64.Context, entry uintptr, arg1, arg2 uint64) error {
	ret := ReturnSlot{Addr: ctx.IP()}
	if !t.unwinder.IsLeaf(ret.Addr) {
		pos := ctx.SP() - 8
		var buf [8]byte
		if !t.host.ReadHost(uintptr(pos), buf[:]) {
			return fmt.Errorf("thread %s: stack 0x%x not readable", t.Name, pos)
		}
		ret.Saved = binary.LittleEndian.Uint64(buf[:])
		binary.LittleEndian.PutUint64(buf[:], ret.Addr)
		if !t.host.WriteHost(uintptr(pos), buf[:]) {
			return fmt.Errorf("thread %s: stack 0x%x not writable", t.Name, pos)
		}
		ret.Pos = pos
		ctx.SetSP(pos)
	}
	t.ret = ret
	ctx.SetIP(uint64(entry))
	t.abi.SetArgs(ctx, arg1, arg2)
	return nil
}

// restoreStack puts back the word a non-leaf redirect overwrote.
func (t *Thread) restoreStack(ret ReturnSlot) {
	if ret.Pos == 0 {
		return
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], ret.Saved)
	t.host.WriteHost(uintptr(ret.Pos), buf[:])
}

// PrepareThrowAccessViolation redirects ctx to the access violation entry,
// which raises *errors.AccessViolation on the thread once resumed. It fails
// with ErrNestedViolation if the thread has not yet reached the entry from a
// previous call.
func (t *Thread) PrepareThrowAccessViolation(ctx x64.Context, cause string, addr uint32) error {
	if !t.beginViolation() {
		return ErrNestedViolation
	}
	code := uint64(causeReading)
	if cause == errors.CauseWriting {
		code = causeWriting
	}
	return t.Redirect(ctx, t.stubs.AccessViolationEntry(), code, uint64(addr))
}

// Resume runs the Go entry bound to the stub ctx points at, reporting false
// if ctx is not on a stub. Entries that raise do so by panicking.
func (t *Thread) Resume(ctx x64.Context) bool {
	name, fn, ok := t.stubs.Lookup(uintptr(ctx.IP()))
	if !ok || fn == nil {
		return false
	}
	arg1, arg2 := t.abi.Args(ctx)
	log.WithField("thread", t.Name).WithField("entry", name).Trace("resuming on stub")
	fn(t, ctx, arg1, arg2)
	return true
}

func throwAccessViolation(t *Thread, ctx x64.Context, cause, addr uint64) {
	// The guest frame is abandoned; leave the pushed return address in place
	// so the stack still describes the faulting call chain.
	t.ret = ReturnSlot{}
	t.endViolation()
	panic(errors.NewAccessViolation(cause == causeWriting, uint32(addr)))
}

func runInterrupt(t *Thread, ctx x64.Context, _, _ uint64) {
	h, ret, saved := t.handler, t.ret, t.saved
	t.handler = nil
	t.ret = ReturnSlot{}
	if h != nil {
		h()
	}
	t.restoreStack(ret)
	x64.Restore(ctx, &saved)
}
