package x64

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Disassemble renders the first instruction in code for diagnostics. It is
// never used to make emulation decisions.
func Disassemble(code []byte) string {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		if len(code) == 0 {
			return "(empty)"
		}
		return fmt.Sprintf("db 0x%02x", code[0])
	}
	return x86asm.IntelSyntax(inst, 0, nil)
}

// ReferenceLength returns the instruction length reported by the
// x86asm decoder, or 0 if it cannot decode code.
func ReferenceLength(code []byte) int {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return 0
	}
	return inst.Len
}
