package x64

import (
	"encoding/binary"
)

// Assembler emits the memory-operand instruction forms that the fault path
// understands, plus the few control instructions entry stubs need.
type Assembler struct {
	buf    []byte
	offset int
}

// NewAssembler creates an assembler targeting the given buffer
func NewAssembler(buf []byte) *Assembler {
	return &Assembler{buf: buf, offset: 0}
}

// Offset returns current write position
func (a *Assembler) Offset() int {
	return a.offset
}

// Bytes returns the assembled code
func (a *Assembler) Bytes() []byte {
	return a.buf[:a.offset]
}

// emit appends bytes to the buffer
func (a *Assembler) emit(bytes ...byte) {
	copy(a.buf[a.offset:], bytes)
	a.offset += len(bytes)
}

// emitUint64 appends a little-endian uint64
func (a *Assembler) emitUint64(v uint64) {
	binary.LittleEndian.PutUint64(a.buf[a.offset:], v)
	a.offset += 8
}

// emitInt32 appends a little-endian int32
func (a *Assembler) emitInt32(v int32) {
	binary.LittleEndian.PutUint32(a.buf[a.offset:], uint32(v))
	a.offset += 4
}

// emitImm appends an immediate of the given width
func (a *Assembler) emitImm(size int, v int32) {
	switch size {
	case 1:
		a.emit(byte(v))
	case 2:
		a.emit(byte(v), byte(v>>8))
	default:
		a.emitInt32(v)
	}
}

// rex builds REX prefix: 0100WRXB
func rex(w, r, x, b bool) byte {
	var prefix byte = 0x40
	if w {
		prefix |= 0x08
	}
	if r {
		prefix |= 0x04
	}
	if x {
		prefix |= 0x02
	}
	if b {
		prefix |= 0x01
	}
	return prefix
}

// modRM builds ModR/M byte: [mod:2][reg:3][rm:3]
// mod should be pre-shifted: 0x00=no disp, 0x40=disp8, 0x80=disp32, 0xC0=register
func modRM(mod byte, reg, rm Reg) byte {
	return mod | ((byte(reg) & 7) << 3) | (byte(rm) & 7)
}

// operandPrefix emits 66 and REX as needed for an operation of the given
// size. byteForm asks for a REX when reg would otherwise select AH..BH.
func (a *Assembler) operandPrefix(size int, reg, base Reg, byteForm bool) {
	if size == 2 {
		a.emit(0x66)
	}
	w := size == 8
	if w || reg >= R8 || base >= R8 || (byteForm && reg >= RSP && reg < R8) {
		a.emit(rex(w, reg >= R8, false, base >= R8))
	}
}

// emitMemOperand emits ModR/M and displacement for memory operands
func (a *Assembler) emitMemOperand(reg, base Reg, disp int32) {
	if base == RSP || base == R12 {
		if disp == 0 {
			a.emit(modRM(0x00, reg, RSP), 0x24)
		} else if disp >= -128 && disp <= 127 {
			a.emit(modRM(0x40, reg, RSP), 0x24, byte(disp))
		} else {
			a.emit(modRM(0x80, reg, RSP), 0x24)
			a.emitInt32(disp)
		}
	} else if base == RBP || base == R13 {
		if disp >= -128 && disp <= 127 {
			a.emit(modRM(0x40, reg, base), byte(disp))
		} else {
			a.emit(modRM(0x80, reg, base))
			a.emitInt32(disp)
		}
	} else if disp == 0 {
		a.emit(modRM(0x00, reg, base))
	} else if disp >= -128 && disp <= 127 {
		a.emit(modRM(0x40, reg, base), byte(disp))
	} else {
		a.emit(modRM(0x80, reg, base))
		a.emitInt32(disp)
	}
}

// memOp emits a one-byte-opcode instruction with a memory destination. The
// byte form uses opcode, the wider forms opcode+1.
func (a *Assembler) memOp(opcode byte, size int, base Reg, disp int32, reg Reg) {
	a.operandPrefix(size, reg, base, size == 1)
	if size != 1 {
		opcode++
	}
	a.emit(opcode)
	a.emitMemOperand(reg, base, disp)
}

// Lock: lock prefix
func (a *Assembler) Lock() {
	a.emit(0xF0)
}

// Rep: rep prefix
func (a *Assembler) Rep() {
	a.emit(0xF3)
}

// MovMemReg: mov [base + disp], reg
func (a *Assembler) MovMemReg(size int, base Reg, disp int32, reg Reg) {
	a.memOp(0x88, size, base, disp, reg)
}

// MovRegMem: mov reg, [base + disp]
func (a *Assembler) MovRegMem(size int, reg, base Reg, disp int32) {
	a.memOp(0x8A, size, base, disp, reg)
}

// MovMemImm: mov [base + disp], imm (sign-extended for qwords)
func (a *Assembler) MovMemImm(size int, base Reg, disp int32, imm int32) {
	a.memOp(0xC6, size, base, disp, 0)
	a.emitImm(min(size, 4), imm)
}

// AluMemReg: op [base + disp], reg for add/or/adc/sbb/and/sub/xor/cmp
func (a *Assembler) AluMemReg(op Op, size int, base Reg, disp int32, reg Reg) {
	a.memOp(aluIndex(op)<<3, size, base, disp, reg)
}

// AluMemImm: op [base + disp], imm using the shortest immediate form
func (a *Assembler) AluMemImm(op Op, size int, base Reg, disp int32, imm int32) {
	digit := Reg(aluIndex(op))
	a.operandPrefix(size, 0, base, false)
	switch {
	case size == 1:
		a.emit(0x80)
		a.emitMemOperand(digit, base, disp)
		a.emit(byte(imm))
	case imm >= -128 && imm <= 127:
		a.emit(0x83)
		a.emitMemOperand(digit, base, disp)
		a.emit(byte(imm))
	default:
		a.emit(0x81)
		a.emitMemOperand(digit, base, disp)
		a.emitImm(min(size, 4), imm)
	}
}

func aluIndex(op Op) byte {
	for i, o := range aluOps {
		if o == op {
			return byte(i)
		}
	}
	panic("x64: not an arithmetic operation: " + op.String())
}

// TestMemReg: test [base + disp], reg
func (a *Assembler) TestMemReg(size int, base Reg, disp int32, reg Reg) {
	a.memOp(0x84, size, base, disp, reg)
}

// TestMemImm: test [base + disp], imm
func (a *Assembler) TestMemImm(size int, base Reg, disp int32, imm int32) {
	a.memOp(0xF6, size, base, disp, 0)
	a.emitImm(min(size, 4), imm)
}

// XchgMemReg: xchg [base + disp], reg
func (a *Assembler) XchgMemReg(size int, base Reg, disp int32, reg Reg) {
	a.memOp(0x86, size, base, disp, reg)
}

// CmpxchgMemReg: cmpxchg [base + disp], reg
func (a *Assembler) CmpxchgMemReg(size int, base Reg, disp int32, reg Reg) {
	a.operandPrefix(size, reg, base, size == 1)
	if size == 1 {
		a.emit(0x0F, 0xB0)
	} else {
		a.emit(0x0F, 0xB1)
	}
	a.emitMemOperand(reg, base, disp)
}

// IncMem: inc [base + disp]
func (a *Assembler) IncMem(size int, base Reg, disp int32) {
	a.memOp(0xFE, size, base, disp, 0)
}

// DecMem: dec [base + disp]
func (a *Assembler) DecMem(size int, base Reg, disp int32) {
	a.memOp(0xFE, size, base, disp, 1)
}

// Movs: movs{b,w,d,q}
func (a *Assembler) Movs(size int) {
	a.operandPrefix(size, 0, 0, false)
	if size == 1 {
		a.emit(0xA4)
	} else {
		a.emit(0xA5)
	}
}

// Stos: stos{b,w,d,q}
func (a *Assembler) Stos(size int) {
	a.operandPrefix(size, 0, 0, false)
	if size == 1 {
		a.emit(0xAA)
	} else {
		a.emit(0xAB)
	}
}

// MovbeRegMem: movbe reg, [base + disp]
func (a *Assembler) MovbeRegMem(size int, reg, base Reg, disp int32) {
	a.operandPrefix(size, reg, base, false)
	a.emit(0x0F, 0x38, 0xF0)
	a.emitMemOperand(reg, base, disp)
}

// MovbeMemReg: movbe [base + disp], reg
func (a *Assembler) MovbeMemReg(size int, base Reg, disp int32, reg Reg) {
	a.operandPrefix(size, reg, base, false)
	a.emit(0x0F, 0x38, 0xF1)
	a.emitMemOperand(reg, base, disp)
}

// SetccMem: set<cond> byte [base + disp]
func (a *Assembler) SetccMem(cond Reg, base Reg, disp int32) {
	a.operandPrefix(1, 0, base, false)
	a.emit(0x0F, 0x90+byte(cond-BitO))
	a.emitMemOperand(0, base, disp)
}

// MovupsMemXmm: movups [base + disp], xmm
func (a *Assembler) MovupsMemXmm(base Reg, disp int32, xmm Reg) {
	x := xmm - XMM0
	a.operandPrefix(4, x, base, false)
	a.emit(0x0F, 0x11)
	a.emitMemOperand(x, base, disp)
}

// MovdquMemXmm: movdqu [base + disp], xmm
func (a *Assembler) MovdquMemXmm(base Reg, disp int32, xmm Reg) {
	x := xmm - XMM0
	a.emit(0xF3)
	a.operandPrefix(4, x, base, false)
	a.emit(0x0F, 0x7F)
	a.emitMemOperand(x, base, disp)
}

// VmovdquMemXmm: vmovdqu [base + disp], xmm (VEX.128)
func (a *Assembler) VmovdquMemXmm(base Reg, disp int32, xmm Reg) {
	x := xmm - XMM0
	// pp=10 (F3), vvvv=1111, L=0
	if base >= R8 {
		var b1 byte = 0x01 | 0x40 // map 0F, no index
		if x < 8 {
			b1 |= 0x80
		}
		a.emit(0xC4, b1, 0x7A)
	} else {
		var b1 byte = 0x7A
		if x < 8 {
			b1 |= 0x80
		}
		a.emit(0xC5, b1)
	}
	a.emit(0x7F)
	a.emitMemOperand(x, base, disp)
}

// MovRegImm64: mov reg, imm64
func (a *Assembler) MovRegImm64(reg Reg, imm uint64) {
	// REX.W + B8+rd + imm64
	a.emit(rex(true, false, false, reg >= 8), 0xB8|byte(reg&7))
	a.emitUint64(imm)
}

// CallReg: call reg
func (a *Assembler) CallReg(reg Reg) {
	if reg >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0xFF, modRM(0xC0, 2, reg))
}

// JmpReg: jmp reg
func (a *Assembler) JmpReg(reg Reg) {
	if reg >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0xFF, modRM(0xC0, 4, reg))
}

// Ret: ret
func (a *Assembler) Ret() {
	a.emit(0xC3)
}

// Ud2: ud2 (guaranteed invalid opcode)
func (a *Assembler) Ud2() {
	a.emit(0x0F, 0x0B)
}

// Int3: int3 (breakpoint)
func (a *Assembler) Int3() {
	a.emit(0xCC)
}

// Nop: nop
func (a *Assembler) Nop() {
	a.emit(0x90)
}
