// Package trap is where signals raised by generated code enter: memory
// faults go to the fault dispatcher or become guest access violations, and
// interrupt notifications go to the thread's interrupt protocol.
package trap

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"trapline/pkg/errors"
	"trapline/pkg/fault"
	"trapline/pkg/thread"
	"trapline/pkg/x64"
)

var log = logrus.WithField("module", "trap")

// pfWrite is the write bit of the x86 page-fault error code.
const pfWrite = 2

// Translator maps host fault addresses into the guest address space.
type Translator interface {
	GuestAddr(host uintptr) (uint32, bool)
}

// Trap is what a signal delivered.
type Trap struct {
	Signal unix.Signal
	// Addr and Code are the faulting host address and page-fault error code
	// of a memory fault.
	Addr uintptr
	Code uint64
}

// IsWrite reports whether a memory fault was raised by a write.
func (tr Trap) IsWrite() bool {
	return tr.Code&pfWrite != 0
}

// Handler routes traps. Fatal is called for faults nothing can resolve and
// defaults to logging at fatal level, which exits.
type Handler struct {
	Space      Translator
	Dispatcher *fault.Dispatcher
	Fatal      func(msg string)
}

func (h *Handler) fatal(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if h.Fatal != nil {
		h.Fatal(msg)
		return
	}
	log.Fatal(msg)
}

// Signal handles tr on the thread th, or the calling thread when th is nil.
// It returns true when ctx may be resumed.
func (h *Handler) Signal(th *thread.Thread, tr Trap, ctx x64.Context) bool {
	if th == nil {
		th = thread.Current()
	}
	switch tr.Signal {
	case unix.SIGSEGV, unix.SIGBUS:
		return h.AccessViolation(th, tr.Addr, tr.IsWrite(), ctx)

	case unix.SIGUSR1:
		if th == nil {
			log.Warn("interrupt signal on a foreign thread")
			return true
		}
		if err := th.HandleInterrupt(ctx); err != nil {
			h.fatal("interrupt delivery on thread %s failed: %v", th.Name, err)
			return false
		}
		return true

	case unix.SIGILL:
		// Redirected threads land on ud2 stubs.
		if th != nil && th.Resume(ctx) {
			return true
		}
		h.fatal("Illegal instruction at 0x%x", ctx.IP())
		return false
	}
	log.WithField("signal", tr.Signal.String()).Debug("signal not handled")
	return false
}

// AccessViolation handles a fault at host address host. Faults in the guest
// space go to the dispatcher; if it cannot resolve them, th is redirected to
// raise an access violation. Anything else is fatal.
func (h *Handler) AccessViolation(th *thread.Thread, host uintptr, isWrite bool, ctx x64.Context) bool {
	cause := errors.CauseReading
	if isWrite {
		cause = errors.CauseWriting
	}
	addr, ok := h.Space.GuestAddr(host)
	if !ok || th == nil {
		h.fatal("Segfault %s location 0x%x at 0x%x", cause, host, ctx.IP())
		return false
	}

	n := th.NoteFault()
	if h.Dispatcher != nil && h.Dispatcher.HandleFault(addr, isWrite, ctx) {
		return true
	}

	log.WithFields(logrus.Fields{
		"thread": th.Name,
		"addr":   fmt.Sprintf("0x%x", addr),
		"ip":     fmt.Sprintf("0x%x", ctx.IP()),
		"faults": n,
	}).Debugf("access violation %s", cause)
	if err := th.PrepareThrowAccessViolation(ctx, cause, addr); err != nil {
		h.fatal("Access violation %s location 0x%x at 0x%x: %v", cause, addr, ctx.IP(), err)
		return false
	}
	return true
}
