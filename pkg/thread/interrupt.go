package thread

import (
	"errors"

	"trapline/pkg/x64"
)

// Guard word bits. The low bits count active guards.
const (
	guardDisabled = 0x80000000
	guardDeferred = 0x40000000
)

var (
	ErrInterruptPending = errors.New("thread: interrupt already pending")
	ErrSelfInterrupt    = errors.New("thread: cannot interrupt itself")
)

// Handler is an interrupt handler. It runs on the target thread.
type Handler func()

// Notifier wakes a target thread so it observes its interrupt slot.
type Notifier interface {
	Notify(t *Thread) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(t *Thread) error

func (f NotifierFunc) Notify(t *Thread) error { return f(t) }

// Doorbell raises the target's pending flag; the target delivers at its next
// Safepoint.
type Doorbell struct{}

func (Doorbell) Notify(t *Thread) error {
	t.doorbell.Store(true)
	return nil
}

// Interrupt installs h on t and blocks until t takes it out of the slot to
// run it, or discards it because interrupts are disabled. A deferred request
// keeps the requester waiting. Only one request may be outstanding per
// thread.
func (t *Thread) Interrupt(h Handler) error {
	if Current() == t {
		return ErrSelfInterrupt
	}
	if !t.slot.CompareAndSwap(nil, &h) {
		return ErrInterruptPending
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.notifier.Notify(t); err != nil {
		// Nobody will take it; withdraw unless the target already did.
		t.slot.CompareAndSwap(&h, nil)
		return err
	}
	// A thread that has already finalized never looks at its slot again.
	if t.guard.Load()&guardDisabled != 0 {
		t.slot.CompareAndSwap(&h, nil)
	}
	for t.slot.Load() != nil {
		t.cond.Wait()
	}
	return nil
}

// Pending reports whether a request sits in the slot.
func (t *Thread) Pending() bool {
	return t.slot.Load() != nil
}

// release wakes the requester after the slot was cleared. Taking the lock
// orders the wakeup after the requester started waiting.
func (t *Thread) release() {
	t.mu.Lock()
	t.mu.Unlock()
	t.cond.Broadcast()
}

func (t *Thread) discard() {
	if t.slot.Swap(nil) != nil {
		t.release()
	}
}

// HandleInterrupt is the target side of a notification, run on t with the
// context it was stopped in. With interrupts enabled and no guard held the
// pending handler is taken and ctx is redirected to the interrupt entry,
// which runs it and restores ctx exactly. Under a guard the request is marked
// deferred and stays in the slot.
func (t *Thread) HandleInterrupt(ctx x64.Context) error {
	g := t.guard.Load()
	switch {
	case g&guardDisabled != 0:
		t.discard()
	case g&^guardDeferred == 0:
		// A deferred mark without guards is left over from a guard that
		// unwound by panic.
		if g != 0 {
			t.guard.And(^uint32(guardDeferred))
		}
		h := t.slot.Swap(nil)
		if h == nil {
			return nil
		}
		t.release()
		t.saved = x64.Snapshot(ctx)
		t.handler = *h
		if err := t.Redirect(ctx, t.stubs.InterruptEntry(), 0, 0); err != nil {
			t.handler = nil
			return err
		}
	default:
		t.guard.Or(guardDeferred)
	}
	return nil
}

// TestInterrupt runs a deferred request once the last guard is gone, or
// discards it when interrupts are disabled.
func (t *Thread) TestInterrupt() {
	g := t.guard.Load()
	if g&guardDisabled != 0 {
		t.discard()
		return
	}
	if g != guardDeferred || !t.guard.CompareAndSwap(guardDeferred, 0) {
		return
	}
	if h := t.slot.Swap(nil); h != nil {
		t.release()
		(*h)()
	}
}

// Guard runs fn with interrupt delivery deferred. A request deferred during
// fn runs when the outermost guard returns normally.
func (t *Thread) Guard(fn func()) {
	t.guard.Add(1)
	completed := false
	defer func() {
		t.guard.Add(^uint32(0))
		if completed {
			t.TestInterrupt()
		}
	}()
	fn()
	completed = true
}

// DisableInterrupts makes the thread discard every later request.
func (t *Thread) DisableInterrupts() {
	t.guard.Or(guardDisabled)
}

// Safepoint delivers a request announced by the doorbell or still sitting in
// the slot: HandleInterrupt on ctx, then the interrupt entry if delivery
// redirected there. It reports whether a handler ran.
func (t *Thread) Safepoint(ctx x64.Context) (bool, error) {
	if !t.doorbell.Swap(false) && !t.Pending() {
		return false, nil
	}
	if err := t.HandleInterrupt(ctx); err != nil {
		return false, err
	}
	if uintptr(ctx.IP()) != t.stubs.InterruptEntry() {
		return false, nil
	}
	return t.Resume(ctx), nil
}
