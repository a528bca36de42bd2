// Package reservation arbitrates exclusive-access windows over a guest
// address space and decides when a faulting access may be emulated.
package reservation

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"trapline/pkg/vm"
)

// MaxSize is the largest window a thread may reserve.
const MaxSize = 128

var log = logrus.WithField("module", "reservation")

var (
	ErrBusy    = errors.New("reservation: another window is open")
	ErrInvalid = errors.New("reservation: invalid window")
)

// Table holds at most one open window over a space. While a window is open
// the pages it covers are immutable in the normal view, so foreign writes
// fault and reach Guard.
type Table struct {
	space *vm.Space

	mu     sync.Mutex
	open   bool
	owner  uint64
	addr   uint32
	size   uint32
	saved  []vm.Access // protection of each covered page before Acquire
	broken uint64
}

func New(space *vm.Space) *Table {
	return &Table{space: space}
}

func (t *Table) pages(addr, size uint32) (first, last uint32) {
	return addr / vm.PageSize, uint32((uint64(addr) + uint64(size) - 1) / vm.PageSize)
}

// Acquire opens a window of size bytes at addr on behalf of owner.
func (t *Table) Acquire(owner uint64, addr, size uint32) error {
	if size == 0 || size > MaxSize || !t.space.Contains(addr, uint64(size)) {
		return fmt.Errorf("acquire 0x%x+%d: %w", addr, size, ErrInvalid)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open {
		if t.owner != owner {
			return ErrBusy
		}
		t.restore()
	}

	first, last := t.pages(addr, size)
	saved := make([]vm.Access, 0, last-first+1)
	for page := first; page <= last; page++ {
		access := t.space.AccessAt(page * vm.PageSize)
		saved = append(saved, access)
		if access == vm.Mutable {
			if err := t.space.Protect(uint64(page)*vm.PageSize, vm.PageSize, vm.Immutable); err != nil {
				t.open, t.addr, t.saved = false, addr, saved
				t.restore()
				return err
			}
		}
	}

	t.open, t.owner, t.addr, t.size, t.saved = true, owner, addr, size, saved
	log.WithFields(logrus.Fields{"owner": owner, "addr": fmt.Sprintf("0x%x", addr), "size": size}).Debug("reservation acquired")
	return nil
}

// Release closes owner's window. It reports whether the window was still
// intact, which is when a conditional store may succeed.
func (t *Table) Release(owner uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open || t.owner != owner {
		return false
	}
	t.restore()
	t.open = false
	return true
}

// Holds reports whether owner has an intact window.
func (t *Table) Holds(owner uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open && t.owner == owner
}

// Broken returns how many windows were lost to foreign writes.
func (t *Table) Broken() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.broken
}

// restore puts back the protection recorded by Acquire. t.mu must be held.
func (t *Table) restore() {
	first := t.addr / vm.PageSize
	for i, access := range t.saved {
		page := uint64(first) + uint64(i)
		if err := t.space.Protect(page*vm.PageSize, vm.PageSize, access); err != nil {
			log.WithError(err).WithField("page", page).Error("failed to restore page protection")
		}
	}
	t.saved = nil
}

// savedAccess returns the protection a page had before the window opened.
// t.mu must be held.
func (t *Table) savedAccess(page uint32) (vm.Access, bool) {
	if !t.open {
		return 0, false
	}
	first, last := t.pages(t.addr, t.size)
	if page < first || page > last {
		return 0, false
	}
	return t.saved[page-first], true
}

func permits(access vm.Access, isWrite bool) bool {
	if isWrite {
		return access == vm.Mutable
	}
	return access != vm.Inaccessible
}

// Guard decides what happens to a faulting access of size bytes at addr.
// A size of zero means the access cannot modify memory.
//
// If every page touched was accessible before a window made it read-only,
// fn runs under the table lock and its result is returned; a write that
// overlaps the window breaks it. If the pages are accessible now, the fault
// was stale and Guard returns true without running fn so the instruction is
// retried. Anything else is a genuine violation and Guard returns false.
func (t *Table) Guard(addr, size uint32, isWrite bool, fn func() bool) bool {
	span := size
	if span == 0 {
		span = 1
	}
	if !t.space.Contains(addr, uint64(span)) {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	first, last := t.pages(addr, span)
	reserved := false
	for page := first; page <= last; page++ {
		current := t.space.AccessAt(page * vm.PageSize)
		if saved, ok := t.savedAccess(page); ok {
			if !permits(saved, isWrite) {
				return false
			}
			reserved = reserved || !permits(current, isWrite)
			continue
		}
		if !permits(current, isWrite) {
			return false
		}
	}

	if !reserved {
		log.WithField("addr", fmt.Sprintf("0x%x", addr)).Debug("stale fault, retrying")
		return true
	}

	ok := fn()
	if ok && isWrite && size != 0 && t.overlaps(addr, size) {
		t.broken++
		log.WithFields(logrus.Fields{"owner": t.owner, "addr": fmt.Sprintf("0x%x", addr)}).Debug("reservation broken by foreign write")
		t.restore()
		t.open = false
	}
	return ok
}

func (t *Table) overlaps(addr, size uint32) bool {
	return uint64(addr) < uint64(t.addr)+uint64(t.size) && uint64(t.addr) < uint64(addr)+uint64(size)
}
