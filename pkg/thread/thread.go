package thread

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"trapline/pkg/errors"
	"trapline/pkg/x64"
)

var log = logrus.WithField("module", "thread")

// fatalBit marks a fault counter whose thread is already on its way to the
// access violation entry.
const fatalBit = uint64(1) << 63

var (
	registry sync.Map // kernel tid -> *Thread
	nextID   atomic.Uint64
)

// Options configures a Thread. Zero values select the defaults.
type Options struct {
	Name string

	Stubs    *Stubs         // DefaultStubs()
	Unwinder Unwinder       // every address is a leaf
	ABI      x64.ABI        // x64.SysV
	Notifier Notifier       // Doorbell
	Host     x64.HostMemory // x64.NativeMemory, used for stack pushes
}

// Thread is the per-thread state of a guest thread: its interrupt slot and
// guard, the redirect return slot and its fault counter.
type Thread struct {
	ID   uint64
	Name string

	stubs    *Stubs
	unwinder Unwinder
	abi      x64.ABI
	notifier Notifier
	host     x64.HostMemory

	tid int

	guard    atomic.Uint32
	slot     atomic.Pointer[Handler]
	doorbell atomic.Bool
	faults   atomic.Uint64

	// Requesters wait on cond until the slot is cleared.
	mu   sync.Mutex
	cond *sync.Cond

	// Owned by the thread itself.
	ret     ReturnSlot
	saved   x64.Registers
	handler Handler
	atexit  []func()

	done chan struct{}
	err  error
}

// New creates an unstarted thread. It is usable directly by code that drives
// its own contexts; Spawn also pins and registers it.
func New(opts Options) (*Thread, error) {
	t := &Thread{
		ID:       nextID.Add(1),
		Name:     opts.Name,
		stubs:    opts.Stubs,
		unwinder: opts.Unwinder,
		abi:      opts.ABI,
		notifier: opts.Notifier,
		host:     opts.Host,
		tid:      -1,
		done:     make(chan struct{}),
	}
	t.cond = sync.NewCond(&t.mu)
	if t.Name == "" {
		t.Name = fmt.Sprintf("thread-%d", t.ID)
	}
	if t.stubs == nil {
		s, err := DefaultStubs()
		if err != nil {
			return nil, err
		}
		t.stubs = s
	}
	if t.unwinder == nil {
		t.unwinder = &UnwindTable{}
	}
	if t.notifier == nil {
		t.notifier = Doorbell{}
	}
	if t.host == nil {
		t.host = x64.NativeMemory{}
	}
	return t, nil
}

// Spawn starts fn on a new goroutine locked to its OS thread. A panic in fn
// is captured and returned by Join.
func Spawn(opts Options, fn func(t *Thread)) (*Thread, error) {
	t, err := New(opts)
	if err != nil {
		return nil, err
	}
	started := make(chan struct{})
	go t.run(fn, started)
	<-started
	return t, nil
}

func (t *Thread) run(fn func(t *Thread), started chan<- struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	t.tid = gettid()
	if t.tid >= 0 {
		registry.Store(t.tid, t)
		defer registry.Delete(t.tid)
	}
	defer close(t.done)
	defer t.Finalize()
	defer func() {
		if r := recover(); r != nil {
			t.err = errors.WrapThreadError(panicError(r), t.Name)
			log.WithField("thread", t.Name).WithError(t.err).Debug("thread terminated")
		}
	}()
	close(started)
	fn(t)
}

func panicError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("panic: %v", r)
}

// Current returns the thread running on the calling OS thread, if it was
// started with Spawn.
func Current() *Thread {
	tid := gettid()
	if tid < 0 {
		return nil
	}
	if v, ok := registry.Load(tid); ok {
		return v.(*Thread)
	}
	return nil
}

// Join waits for a spawned thread to finish and returns the error that
// terminated it, if any.
func (t *Thread) Join() error {
	<-t.done
	return t.err
}

// Done is closed when a spawned thread has finished.
func (t *Thread) Done() <-chan struct{} {
	return t.done
}

// AtExit registers fn to run when the thread finalizes, most recent first.
func (t *Thread) AtExit(fn func()) {
	t.atexit = append(t.atexit, fn)
}

// Finalize disables interrupts, releases any waiting requester and runs the
// exit callbacks. Spawned threads call it on exit.
func (t *Thread) Finalize() {
	t.DisableInterrupts()
	t.TestInterrupt()
	for len(t.atexit) > 0 {
		fn := t.atexit[len(t.atexit)-1]
		t.atexit = t.atexit[:len(t.atexit)-1]
		fn()
	}
}

// Stubs returns the stub page the thread redirects into.
func (t *Thread) Stubs() *Stubs {
	return t.stubs
}

// NoteFault counts a memory fault taken by the thread.
func (t *Thread) NoteFault() uint64 {
	return t.faults.Add(1) &^ fatalBit
}

// FaultCount returns the number of faults taken.
func (t *Thread) FaultCount() uint64 {
	return t.faults.Load() &^ fatalBit
}

// beginViolation marks the thread as being redirected to the access
// violation entry. It fails if the mark is already set.
func (t *Thread) beginViolation() bool {
	for {
		v := t.faults.Load()
		if v&fatalBit != 0 {
			return false
		}
		if t.faults.CompareAndSwap(v, v|fatalBit) {
			return true
		}
	}
}

func (t *Thread) endViolation() {
	t.faults.And(^fatalBit)
}
