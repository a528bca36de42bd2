package errors

import (
	"errors"
	"fmt"
)

// Access violation causes.
const (
	CauseReading = "reading"
	CauseWriting = "writing"
)

// AccessViolation is the guest-visible error raised on a thread whose memory
// access could not be resolved.
type AccessViolation struct {
	Cause string
	Addr  uint32
}

func (e *AccessViolation) Error() string {
	return fmt.Sprintf("access violation %s location 0x%x", e.Cause, e.Addr)
}

// IsAccessViolation checks if an error is, or wraps, an access violation
func IsAccessViolation(err error) bool {
	var av *AccessViolation
	return errors.As(err, &av)
}

// NewAccessViolation builds the error for a read or write at addr
func NewAccessViolation(isWrite bool, addr uint32) *AccessViolation {
	cause := CauseReading
	if isWrite {
		cause = CauseWriting
	}
	return &AccessViolation{Cause: cause, Addr: addr}
}

// ThreadError wraps a failure that terminated a guest thread.
type ThreadError struct {
	Thread string
	Cause  error
}

func (e *ThreadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("thread %s: %v", e.Thread, e.Cause)
	}
	return "thread " + e.Thread
}

func (e *ThreadError) Unwrap() error {
	return e.Cause
}

// WrapThreadError wraps an existing error as a thread error
func WrapThreadError(err error, thread string) *ThreadError {
	return &ThreadError{
		Thread: thread,
		Cause:  err,
	}
}

// ThreadErrorf creates a new thread error with formatted message
func ThreadErrorf(thread, format string, args ...interface{}) *ThreadError {
	return &ThreadError{
		Thread: thread,
		Cause:  fmt.Errorf(format, args...),
	}
}
