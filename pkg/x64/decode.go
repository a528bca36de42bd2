package x64

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// MaxInstructionLen is the architectural limit on instruction length.
const MaxInstructionLen = 15

var (
	ErrAddressSize = errors.New("x64: address-size override")
	ErrTruncated   = errors.New("x64: instruction truncated")
	ErrUnsupported = errors.New("x64: unsupported instruction")
)

var log = logrus.WithField("module", "x64")

// Instruction describes the memory effect of one host instruction.
//
// Op is OpNone exactly when decoding failed, in which case Reg is NoReg and
// Size and Length are zero.
type Instruction struct {
	Op     Op
	Reg    Reg
	Size   int
	Length int

	raw [MaxInstructionLen]byte
}

// Bytes returns the instruction's encoding, exactly Length bytes long.
func (in Instruction) Bytes() []byte {
	return in.raw[:in.Length]
}

func (in Instruction) String() string {
	if in.Op == OpNone {
		return "none"
	}
	return fmt.Sprintf("%s %s size=%d len=%d", in.Op, in.Reg, in.Size, in.Length)
}

var failed = Instruction{Op: OpNone, Reg: NoReg}

type prefixes struct {
	lock  bool
	repne bool
	rep   bool
	seg   byte
	osz   bool
	rex   byte // 0 when absent
}

func (p *prefixes) rexW() bool { return p.rex&0x08 != 0 }
func (p *prefixes) rexR() Reg {
	if p.rex&0x04 != 0 {
		return 8
	}
	return 0
}

// opSize is the operand size selected by REX.W and the 66 prefix.
func (p *prefixes) opSize() int {
	switch {
	case p.rexW():
		return 8
	case p.osz:
		return 2
	}
	return 4
}

// immFor returns the immediate tag and length for a full-width operand.
func (p *prefixes) immFor(size int) (Reg, int) {
	if size == 2 {
		return Imm16, 2
	}
	return Imm32, 4
}

// byteReg maps a ModRM reg field to a byte register. Any REX prefix turns
// encodings 4-7 into SPL..DIL, which are the low bytes of full registers.
func (p *prefixes) byteReg(field byte) Reg {
	if p.rex != 0 {
		return Reg(field)
	}
	return AL + Reg(field)
}

// aluOps maps the /digit of the 80/81/83 group, and bits 5:3 of the
// 00..3F arithmetic opcodes, to operations.
var aluOps = [8]Op{OpAdd, OpOr, OpAdc, OpSbb, OpAnd, OpSub, OpXor, OpLoadCmp}

// Decode classifies the instruction at the start of code. It never reads
// past the instruction's own length, and looks at no more than
// MaxInstructionLen bytes.
func Decode(code []byte) (Instruction, error) {
	limit := min(len(code), MaxInstructionLen)

	var p prefixes
	i := 0
prefixLoop:
	for ; i < limit; i++ {
		b := code[i]
		switch {
		case b == 0xF0:
			p.noteDup(p.lock, b)
			p.lock = true
		case b == 0xF2:
			p.noteDup(p.repne, b)
			p.repne = true
		case b == 0xF3:
			p.noteDup(p.rep, b)
			p.rep = true
		case b == 0x2E || b == 0x36 || b == 0x3E || b == 0x26 || b == 0x64 || b == 0x65:
			p.noteDup(p.seg != 0, b)
			p.seg = b
		case b == 0x66:
			p.noteDup(p.osz, b)
			p.osz = true
		case b == 0x67:
			return failed, ErrAddressSize
		case b >= 0x40 && b <= 0x4F:
			p.noteDup(p.rex != 0, b)
			p.rex = b
			continue
		default:
			break prefixLoop
		}
		// A REX prefix only counts when it immediately precedes the opcode.
		if p.rex != 0 {
			log.WithField("bytes", fmt.Sprintf("% x", code[:i+1])).Debug("rex prefix followed by legacy prefix")
			p.rex = 0
		}
	}
	if i >= limit {
		return failed, truncErr(code, limit)
	}

	var (
		in  Instruction
		err error
	)
	switch code[i] {
	case 0xC4, 0xC5:
		in, err = p.decodeVEX(code, i, limit)
	case 0x0F:
		in, err = p.decode0F(code, i+1, limit)
	default:
		in, err = p.decodePrimary(code, i, limit)
	}
	if err != nil {
		return failed, err
	}
	copy(in.raw[:], code[:in.Length])
	return in, nil
}

func (p *prefixes) noteDup(seen bool, b byte) {
	if seen {
		log.WithField("prefix", fmt.Sprintf("%02x", b)).Debug("duplicate prefix")
	}
}

// finish checks that an instruction whose opcode ends before at, followed by
// a ModRM operand and imm immediate bytes, fits in the buffer.
func finish(code []byte, at, limit, imm int, in Instruction) (Instruction, error) {
	n, err := modrmLength(code, at, limit)
	if err != nil {
		return failed, err
	}
	total := at + n + imm
	if total > MaxInstructionLen {
		return failed, ErrUnsupported
	}
	if total > len(code) {
		return failed, ErrTruncated
	}
	in.Length = total
	return in, nil
}

// modrmLength returns the encoded length of the ModRM byte at code[at] and
// the SIB and displacement bytes it implies.
func modrmLength(code []byte, at, limit int) (int, error) {
	if at >= limit {
		return 0, truncErr(code, limit)
	}
	m := code[at]
	mod, rm := m>>6, m&7
	var n int
	switch mod {
	case 3:
		return 1, nil
	case 0:
		n = 1
		if rm == 5 {
			n += 4 // rip-relative
		}
	case 1:
		n = 2
	case 2:
		n = 5
	}
	if rm == 4 {
		if at+1 >= limit {
			return 0, truncErr(code, limit)
		}
		n++
		if mod == 0 && code[at+1]&7 == 5 {
			n += 4 // no base, disp32
		}
	}
	return n, nil
}

// truncErr distinguishes a short buffer from an over-long encoding.
func truncErr(code []byte, limit int) error {
	if limit < len(code) || limit == MaxInstructionLen {
		return ErrUnsupported
	}
	return ErrTruncated
}

func regField(code []byte, at int) byte {
	return (code[at] >> 3) & 7
}

// lockable reports whether LOCK is architecturally valid for op.
func lockable(op Op) bool {
	switch op {
	case OpXchg, OpCmpxchg, OpAnd, OpOr, OpXor, OpInc, OpDec, OpAdd, OpAdc, OpSub, OpSbb:
		return true
	}
	return false
}

func (p *prefixes) decodePrimary(code []byte, i, limit int) (Instruction, error) {
	op := code[i]
	at := i + 1
	// The reg field lives in the ModRM byte that follows the opcode.
	needModRM := func() error {
		if at >= limit {
			return truncErr(code, limit)
		}
		return nil
	}

	var (
		in  Instruction
		imm int
	)
	switch {
	case op < 0x40 && op&0x06 == 0:
		// 00/01 08/09 ... 38/39: op r/m, r
		if err := needModRM(); err != nil {
			return failed, err
		}
		in.Op = aluOps[op>>3]
		in.Reg, in.Size = p.regOperand(op&1 == 0, regField(code, at))

	case op == 0x80 || op == 0x81 || op == 0x83:
		if err := needModRM(); err != nil {
			return failed, err
		}
		in.Op = aluOps[regField(code, at)]
		switch op {
		case 0x80:
			in.Reg, in.Size, imm = Imm8, 1, 1
		case 0x81:
			in.Size = p.opSize()
			in.Reg, imm = p.immFor(in.Size)
		case 0x83:
			in.Reg, in.Size, imm = Imm8, p.opSize(), 1
		}

	case op == 0x84 || op == 0x85:
		if err := needModRM(); err != nil {
			return failed, err
		}
		in.Op = OpLoadTest
		in.Reg, in.Size = p.regOperand(op == 0x84, regField(code, at))

	case op == 0x86 || op == 0x87:
		if err := needModRM(); err != nil {
			return failed, err
		}
		in.Op = OpXchg
		in.Reg, in.Size = p.regOperand(op == 0x86, regField(code, at))

	case op == 0x88 || op == 0x89:
		if err := needModRM(); err != nil {
			return failed, err
		}
		in.Op = OpStore
		in.Reg, in.Size = p.regOperand(op == 0x88, regField(code, at))

	case op == 0x8A || op == 0x8B:
		if err := needModRM(); err != nil {
			return failed, err
		}
		in.Op = OpLoad
		in.Reg, in.Size = p.regOperand(op == 0x8A, regField(code, at))

	case op == 0xA4 || op == 0xA5 || op == 0xAA || op == 0xAB:
		if p.lock {
			return failed, ErrUnsupported
		}
		in.Op = OpMovs
		if op >= 0xAA {
			in.Op = OpStos
		}
		in.Size = 1
		if op&1 == 1 {
			in.Size = p.opSize()
		}
		in.Reg = NoReg
		if p.rep || p.repne {
			in.Reg = RCX
		}
		in.Length = at
		return in, nil

	case op == 0xC6 || op == 0xC7:
		if err := needModRM(); err != nil {
			return failed, err
		}
		if regField(code, at) != 0 {
			return failed, ErrUnsupported
		}
		in.Op = OpStore
		if op == 0xC6 {
			in.Reg, in.Size, imm = Imm8, 1, 1
		} else {
			in.Size = p.opSize()
			in.Reg, imm = p.immFor(in.Size)
		}

	case op == 0xF6 || op == 0xF7:
		if err := needModRM(); err != nil {
			return failed, err
		}
		if regField(code, at) != 0 {
			return failed, ErrUnsupported
		}
		in.Op = OpLoadTest
		if op == 0xF6 {
			in.Reg, in.Size, imm = Imm8, 1, 1
		} else {
			in.Size = p.opSize()
			in.Reg, imm = p.immFor(in.Size)
		}

	case op == 0xFE || op == 0xFF:
		if err := needModRM(); err != nil {
			return failed, err
		}
		switch regField(code, at) {
		case 0:
			in.Op = OpInc
		case 1:
			in.Op = OpDec
		default:
			return failed, ErrUnsupported
		}
		in.Reg, in.Size = NoReg, 1
		if op == 0xFF {
			in.Size = p.opSize()
		}

	default:
		return failed, ErrUnsupported
	}

	if p.lock && !lockable(in.Op) {
		return failed, ErrUnsupported
	}
	return finish(code, at, limit, imm, in)
}

// regOperand resolves the ModRM reg field for byte or full-width forms.
func (p *prefixes) regOperand(byteForm bool, field byte) (Reg, int) {
	if byteForm {
		return p.byteReg(field | byte(p.rexR())), 1
	}
	return Reg(field) | p.rexR(), p.opSize()
}

func (p *prefixes) decode0F(code []byte, i, limit int) (Instruction, error) {
	if i >= limit {
		return failed, truncErr(code, limit)
	}
	op := code[i]
	at := i + 1
	switch {
	case op == 0x11, op == 0x29, op == 0x7F, op >= 0x90 && op <= 0x9F, op == 0xB0, op == 0xB1:
		if at >= limit {
			return failed, truncErr(code, limit)
		}
	case op == 0x38:
	default:
		return failed, ErrUnsupported
	}

	var in Instruction
	switch {
	case op == 0x11 || op == 0x29:
		// movups/movupd/movaps/movapd m128, xmm
		if p.rep || p.repne {
			return failed, ErrUnsupported
		}
		in.Op, in.Reg, in.Size = OpStore, XMM0+(Reg(regField(code, at))|p.rexR()), 16

	case op == 0x7F:
		// movdqa (66) / movdqu (F3) m128, xmm
		if p.repne || p.osz == p.rep {
			return failed, ErrUnsupported
		}
		in.Op, in.Reg, in.Size = OpStore, XMM0+(Reg(regField(code, at))|p.rexR()), 16

	case op >= 0x90 && op <= 0x9F:
		in.Op, in.Reg, in.Size = OpStore, BitO+Reg(op-0x90), 1

	case op == 0xB0 || op == 0xB1:
		in.Op = OpCmpxchg
		in.Reg, in.Size = p.regOperand(op == 0xB0, regField(code, at))

	case op == 0x38:
		if at >= limit {
			return failed, truncErr(code, limit)
		}
		third := code[at]
		at++
		if third != 0xF0 && third != 0xF1 || p.repne {
			return failed, ErrUnsupported
		}
		if at >= limit {
			return failed, truncErr(code, limit)
		}
		in.Op = OpLoadBE
		if third == 0xF1 {
			in.Op = OpStoreBE
		}
		in.Reg, in.Size = Reg(regField(code, at))|p.rexR(), p.opSize()

	default:
		return failed, ErrUnsupported
	}

	if p.lock && !lockable(in.Op) {
		return failed, ErrUnsupported
	}
	return finish(code, at, limit, 0, in)
}

// decodeVEX handles the 128-bit VEX forms of the vector stores.
func (p *prefixes) decodeVEX(code []byte, i, limit int) (Instruction, error) {
	// VEX is #UD after LOCK, 66, F2, F3 or REX.
	if p.lock || p.osz || p.rep || p.repne || p.rex != 0 {
		return failed, ErrUnsupported
	}
	var (
		r, l bool
		pp   byte
		at   int
	)
	if code[i] == 0xC5 {
		if i+1 >= limit {
			return failed, truncErr(code, limit)
		}
		b1 := code[i+1]
		r = b1&0x80 == 0
		l = b1&0x04 != 0
		pp = b1 & 3
		at = i + 2
	} else {
		if i+2 >= limit {
			return failed, truncErr(code, limit)
		}
		b1, b2 := code[i+1], code[i+2]
		if b1&0x1F != 1 {
			return failed, ErrUnsupported // only the 0F map
		}
		r = b1&0x80 == 0
		l = b2&0x04 != 0
		pp = b2 & 3
		at = i + 3
	}
	if l {
		return failed, ErrUnsupported
	}
	if at+1 >= limit {
		return failed, truncErr(code, limit)
	}
	op := code[at]
	at++

	xmm := XMM0 + Reg(regField(code, at))
	if r {
		xmm += 8
	}
	switch {
	case (op == 0x11 || op == 0x29) && (pp == 0 || pp == 1):
	case op == 0x7F && (pp == 1 || pp == 2):
	default:
		return failed, ErrUnsupported
	}
	return finish(code, at, limit, 0, Instruction{Op: OpStore, Reg: xmm, Size: 16})
}
