package x64

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"
)

// Mask returns the all-ones value of a 1, 2, 4 or 8 byte operand.
func Mask(size int) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return 1<<(8*uint(size)) - 1
}

// signExtend widens the low from bytes of v to the to-byte width.
func signExtend(v uint64, from, to int) uint64 {
	shift := 64 - 8*uint(from)
	return uint64(int64(v<<shift)>>shift) & Mask(to)
}

// Condition evaluates a condition pseudo-register against RFLAGS.
func Condition(flags uint64, cond Reg) bool {
	var (
		cf = flags&FlagCF != 0
		pf = flags&FlagPF != 0
		zf = flags&FlagZF != 0
		sf = flags&FlagSF != 0
		of = flags&FlagOF != 0
	)
	var v bool
	switch (cond - BitO) &^ 1 {
	case BitO - BitO:
		v = of
	case BitC - BitO:
		v = cf
	case BitZ - BitO:
		v = zf
	case BitBE - BitO:
		v = cf || zf
	case BitS - BitO:
		v = sf
	case BitP - BitO:
		v = pf
	case BitL - BitO:
		v = sf != of
	case BitLE - BitO:
		v = zf || sf != of
	}
	// odd entries are the negated forms
	if (cond-BitO)&1 != 0 {
		v = !v
	}
	return v
}

// ReadOperand returns the value of an operand. code must be exactly the
// instruction's bytes; immediates are taken from its tail.
func ReadOperand(ctx Context, reg Reg, size int, code []byte) (uint64, bool) {
	switch {
	case reg.IsGPR():
		if validWidth(size) {
			return ctx.GPR(int(reg)) & Mask(size), true
		}

	case reg.IsByteReg():
		if size == 1 {
			if reg < AH {
				return ctx.GPR(int(reg-AL)) & 0xff, true
			}
			return (ctx.GPR(int(reg-AH)) >> 8) & 0xff, true
		}

	case reg.IsImm():
		n := reg.ImmSize()
		if len(code) < n || !immWidthOK(reg, size) {
			break
		}
		var raw uint64
		switch n {
		case 1:
			raw = uint64(code[len(code)-1])
		case 2:
			raw = uint64(binary.LittleEndian.Uint16(code[len(code)-2:]))
		case 4:
			raw = uint64(binary.LittleEndian.Uint32(code[len(code)-4:]))
		}
		return signExtend(raw, n, size), true

	case reg.IsCondition():
		if Condition(ctx.Flags(), reg) {
			return 1, true
		}
		return 0, true
	}

	log.WithFields(logrus.Fields{"reg": reg, "size": size}).Error("unsupported operand read")
	return 0, false
}

// ReadVector returns the value of an XMM operand.
func ReadVector(ctx Context, reg Reg) (Vec128, bool) {
	if !reg.IsXMM() {
		log.WithField("reg", reg).Error("unsupported vector read")
		return Vec128{}, false
	}
	return ctx.XMM(int(reg - XMM0)), true
}

// WriteOperand stores value into a general-purpose or byte register. Byte
// and word writes keep the untouched bits, dword writes zero-extend.
func WriteOperand(ctx Context, reg Reg, size int, value uint64) bool {
	switch {
	case reg.IsGPR():
		i := int(reg)
		switch size {
		case 1, 2:
			m := Mask(size)
			ctx.SetGPR(i, ctx.GPR(i)&^m|value&m)
			return true
		case 4:
			ctx.SetGPR(i, value&0xffffffff)
			return true
		case 8:
			ctx.SetGPR(i, value)
			return true
		}

	case reg.IsByteReg():
		if size == 1 {
			if reg < AH {
				i := int(reg - AL)
				ctx.SetGPR(i, ctx.GPR(i)&^0xff|value&0xff)
			} else {
				i := int(reg - AH)
				ctx.SetGPR(i, ctx.GPR(i)&^0xff00|(value&0xff)<<8)
			}
			return true
		}
	}

	log.WithFields(logrus.Fields{"reg": reg, "size": size}).Error("unsupported operand write")
	return false
}

func validWidth(size int) bool {
	return size == 1 || size == 2 || size == 4 || size == 8
}

func immWidthOK(reg Reg, size int) bool {
	switch reg {
	case Imm8:
		return validWidth(size)
	case Imm16:
		return size == 2
	case Imm32:
		return size == 4 || size == 8
	}
	return false
}
