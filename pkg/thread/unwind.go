package thread

import (
	"fmt"
	"sort"
	"sync"
)

// Unwinder answers whether the code at ip belongs to a leaf function, one
// that needs no unwind metadata to find its caller.
type Unwinder interface {
	IsLeaf(ip uint64) bool
}

// Frame is the unwind metadata registered for a range of generated code.
type Frame struct {
	Name       string
	Start, End uint64 // [Start, End)

	// PrologSize and UnwindCodes describe how the function builds its frame.
	// Both are zero for leaf functions.
	PrologSize  uint8
	UnwindCodes uint8
}

// Leaf reports whether the frame describes a leaf function.
func (f Frame) Leaf() bool {
	return f.PrologSize == 0 && f.UnwindCodes == 0
}

// UnwindTable maps code addresses to frames. Code without a registered frame
// is treated as a leaf.
type UnwindTable struct {
	mu     sync.RWMutex
	frames []Frame // sorted by Start, non-overlapping
}

func (u *UnwindTable) Register(f Frame) error {
	if f.End <= f.Start {
		return fmt.Errorf("unwind: empty range 0x%x-0x%x for %s", f.Start, f.End, f.Name)
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	i := sort.Search(len(u.frames), func(i int) bool { return u.frames[i].Start >= f.Start })
	if i > 0 && u.frames[i-1].End > f.Start {
		return fmt.Errorf("unwind: %s overlaps %s", f.Name, u.frames[i-1].Name)
	}
	if i < len(u.frames) && u.frames[i].Start < f.End {
		return fmt.Errorf("unwind: %s overlaps %s", f.Name, u.frames[i].Name)
	}
	u.frames = append(u.frames, Frame{})
	copy(u.frames[i+1:], u.frames[i:])
	u.frames[i] = f
	return nil
}

// Unregister removes the frame starting at start.
func (u *UnwindTable) Unregister(start uint64) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	i := sort.Search(len(u.frames), func(i int) bool { return u.frames[i].Start >= start })
	if i == len(u.frames) || u.frames[i].Start != start {
		return false
	}
	u.frames = append(u.frames[:i], u.frames[i+1:]...)
	return true
}

// Lookup returns the frame containing ip.
func (u *UnwindTable) Lookup(ip uint64) (Frame, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	i := sort.Search(len(u.frames), func(i int) bool { return u.frames[i].End > ip })
	if i < len(u.frames) && u.frames[i].Start <= ip {
		return u.frames[i], true
	}
	return Frame{}, false
}

func (u *UnwindTable) IsLeaf(ip uint64) bool {
	f, ok := u.Lookup(ip)
	return !ok || f.Leaf()
}
