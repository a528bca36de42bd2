package x64

import "fmt"

// Reg names the register, immediate or condition operand of a decoded
// instruction. General-purpose registers keep their hardware encoding so a
// ModRM reg field extended by REX.R maps directly onto RAX..R15.
type Reg uint8

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	XMM0
	XMM1
	XMM2
	XMM3
	XMM4
	XMM5
	XMM6
	XMM7
	XMM8
	XMM9
	XMM10
	XMM11
	XMM12
	XMM13
	XMM14
	XMM15

	// Legacy byte registers, only reachable without a REX prefix.
	AL
	CL
	DL
	BL
	AH
	CH
	DH
	BH

	NoReg

	// Trailing immediates of the given width.
	Imm8
	Imm16
	Imm32

	// Condition pseudo-registers, in SETcc/Jcc condition-code order. Every
	// negated condition directly follows its positive form.
	BitO
	BitNO
	BitC
	BitNC
	BitZ
	BitNZ
	BitBE
	BitNBE
	BitS
	BitNS
	BitP
	BitNP
	BitL
	BitNL
	BitLE
	BitNLE
)

var regNames = [...]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"xmm0", "xmm1", "xmm2", "xmm3", "xmm4", "xmm5", "xmm6", "xmm7",
	"xmm8", "xmm9", "xmm10", "xmm11", "xmm12", "xmm13", "xmm14", "xmm15",
	"al", "cl", "dl", "bl", "ah", "ch", "dh", "bh",
	"none",
	"imm8", "imm16", "imm32",
	"bit_o", "bit_no", "bit_c", "bit_nc", "bit_z", "bit_nz", "bit_be", "bit_nbe",
	"bit_s", "bit_ns", "bit_p", "bit_np", "bit_l", "bit_nl", "bit_le", "bit_nle",
}

func (r Reg) String() string {
	if int(r) < len(regNames) {
		return regNames[r]
	}
	return fmt.Sprintf("reg(%d)", uint8(r))
}

// IsGPR reports whether r is one of the 16 general-purpose registers.
func (r Reg) IsGPR() bool { return r <= R15 }

// IsXMM reports whether r is a vector register.
func (r Reg) IsXMM() bool { return r >= XMM0 && r <= XMM15 }

// IsByteReg reports whether r is a legacy byte register.
func (r Reg) IsByteReg() bool { return r >= AL && r <= BH }

// IsImm reports whether r is an immediate tag.
func (r Reg) IsImm() bool { return r >= Imm8 && r <= Imm32 }

// IsCondition reports whether r is a condition pseudo-register.
func (r Reg) IsCondition() bool { return r >= BitO && r <= BitNLE }

// Negated returns the paired condition with the opposite sense.
func (r Reg) Negated() Reg {
	if !r.IsCondition() {
		return r
	}
	return BitO + ((r - BitO) ^ 1)
}

// ImmSize returns the byte width of an immediate tag, or 0.
func (r Reg) ImmSize() int {
	switch r {
	case Imm8:
		return 1
	case Imm16:
		return 2
	case Imm32:
		return 4
	}
	return 0
}

// Op is the semantic class of a decoded instruction.
type Op uint8

const (
	OpNone Op = iota
	OpLoad
	OpLoadBE
	OpLoadCmp
	OpLoadTest
	OpStore
	OpStoreBE
	OpMovs
	OpStos
	OpXchg
	OpCmpxchg
	OpAnd
	OpOr
	OpXor
	OpInc
	OpDec
	OpAdd
	OpAdc
	OpSub
	OpSbb
)

var opNames = [...]string{
	"none", "load", "load_be", "load_cmp", "load_test", "store", "store_be",
	"movs", "stos", "xchg", "cmpxchg", "and", "or", "xor", "inc", "dec",
	"add", "adc", "sub", "sbb",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// IsLoad reports whether the operation only reads memory.
func (o Op) IsLoad() bool {
	switch o {
	case OpLoad, OpLoadBE, OpLoadCmp, OpLoadTest:
		return true
	}
	return false
}

// IsBlock reports whether the operation is a string move or store.
func (o Op) IsBlock() bool { return o == OpMovs || o == OpStos }
