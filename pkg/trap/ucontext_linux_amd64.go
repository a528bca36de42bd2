package trap

import (
	"golang.org/x/sys/unix"

	"trapline/pkg/x64"
)

// FromUContext describes sig as delivered with the signal frame uc.
func FromUContext(sig unix.Signal, uc *x64.UContext) Trap {
	tr := Trap{Signal: sig}
	if sig == unix.SIGSEGV || sig == unix.SIGBUS {
		tr.Addr = uintptr(uc.FaultAddr())
		if uc.IsWrite() {
			tr.Code = pfWrite
		}
	}
	return tr
}
