package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestAccessViolation(t *testing.T) {
	err := NewAccessViolation(true, 0x10000)
	if err.Cause != CauseWriting {
		t.Errorf("Cause = %q, want %q", err.Cause, CauseWriting)
	}
	if got, want := err.Error(), "access violation writing location 0x10000"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if NewAccessViolation(false, 4).Cause != CauseReading {
		t.Errorf("read fault must report %q", CauseReading)
	}

	wrapped := WrapThreadError(fmt.Errorf("handler: %w", err), "ppu0")
	if !IsAccessViolation(wrapped) {
		t.Errorf("IsAccessViolation must see through wrapping")
	}
	var av *AccessViolation
	if !errors.As(wrapped, &av) || av.Addr != 0x10000 {
		t.Errorf("errors.As did not recover the address")
	}
	if IsAccessViolation(ThreadErrorf("spu1", "exit code %d", 3)) {
		t.Errorf("a plain thread error is not an access violation")
	}
}
