//go:build !linux

package thread

// Without mmap the stubs live in ordinary memory. They are never executed:
// the trap path recognises their addresses before the CPU would.
func mapStubs(size int) ([]byte, error) {
	mem := make([]byte, size)
	fillStubs(mem)
	return mem, nil
}

func unmapStubs(mem []byte) error {
	return nil
}

// gettid has no portable equivalent; Current always reports no thread.
func gettid() int {
	return -1
}
