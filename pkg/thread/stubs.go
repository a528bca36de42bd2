package thread

import (
	"fmt"
	"sync"
	"unsafe"

	"trapline/pkg/x64"
)

// StubSize is the size of one entry slot.
const StubSize = 16

// Entry is the Go side of an entry stub. It runs on the redirected thread
// with the two argument registers the redirect loaded.
type Entry func(t *Thread, ctx x64.Context, arg1, arg2 uint64)

type stub struct {
	name string
	fn   Entry
}

// Stubs hands out redirect targets. Each slot is a real code address holding
// ud2, so a thread resumed there traps immediately and the trap path runs
// the Go entry bound to the slot (see Thread.Resume).
type Stubs struct {
	mem []byte
	mu  sync.RWMutex
	// entries[i] is bound to slot i
	entries []stub

	violation uintptr
	interrupt uintptr
}

var (
	defaultStubs     *Stubs
	defaultStubsErr  error
	defaultStubsOnce sync.Once
)

// DefaultStubs returns the process-wide stub page.
func DefaultStubs() (*Stubs, error) {
	defaultStubsOnce.Do(func() {
		defaultStubs, defaultStubsErr = NewStubs(64)
	})
	return defaultStubs, defaultStubsErr
}

// NewStubs maps room for slots entries and binds the two runtime entries:
// the access violation thrower and the interrupt runner.
func NewStubs(slots int) (*Stubs, error) {
	if slots < 2 {
		slots = 2
	}
	mem, err := mapStubs(slots * StubSize)
	if err != nil {
		return nil, err
	}
	s := &Stubs{mem: mem}
	if s.violation, err = s.Register("access_violation", throwAccessViolation); err != nil {
		return nil, err
	}
	if s.interrupt, err = s.Register("interrupt", runInterrupt); err != nil {
		return nil, err
	}
	return s, nil
}

// fillStubs writes ud2 followed by int3 padding into every slot of buf.
func fillStubs(buf []byte) {
	a := x64.NewAssembler(buf)
	for a.Offset()+StubSize <= len(buf) {
		start := a.Offset()
		a.Ud2()
		for a.Offset() < start+StubSize {
			a.Int3()
		}
	}
}

// base is the address of the first slot, or zero once the page is unmapped.
// Callers hold s.mu.
func (s *Stubs) base() uintptr {
	if len(s.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&s.mem[0]))
}

// Register binds fn to the next free slot and returns its address.
func (s *Stubs) Register(name string, fn Entry) (uintptr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mem == nil {
		return 0, fmt.Errorf("thread: stubs closed, cannot register %s", name)
	}
	if (len(s.entries)+1)*StubSize > len(s.mem) {
		return 0, fmt.Errorf("thread: no free stub slot for %s", name)
	}
	s.entries = append(s.entries, stub{name: name, fn: fn})
	return s.base() + uintptr(len(s.entries)-1)*StubSize, nil
}

// Lookup returns the entry whose slot starts at addr.
func (s *Stubs) Lookup(addr uintptr) (string, Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	base := s.base()
	if base == 0 || addr < base || (addr-base)%StubSize != 0 {
		return "", nil, false
	}
	i := (addr - base) / StubSize
	if i >= uintptr(len(s.entries)) {
		return "", nil, false
	}
	return s.entries[i].name, s.entries[i].fn, true
}

// Contains reports whether addr lies inside the stub page.
func (s *Stubs) Contains(addr uintptr) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	base := s.base()
	return base != 0 && addr >= base && addr < base+uintptr(len(s.mem))
}

// AccessViolationEntry is the address PrepareThrowAccessViolation redirects
// to.
func (s *Stubs) AccessViolationEntry() uintptr { return s.violation }

// InterruptEntry is the address delivered interrupts redirect to.
func (s *Stubs) InterruptEntry() uintptr { return s.interrupt }

// Close unmaps the stubs. Threads still using them must not be resumed.
func (s *Stubs) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mem == nil {
		return nil
	}
	err := unmapStubs(s.mem)
	s.mem = nil
	return err
}
