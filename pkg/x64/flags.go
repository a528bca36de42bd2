package x64

import "math/bits"

// AddFlags computes x + y + carryIn in the given width and the status flags
// the hardware would produce for it.
func AddFlags(x, y, carryIn uint64, size int) (result, flags uint64) {
	m := Mask(size)
	x, y = x&m, y&m
	r := (x + y + carryIn&1) & m
	carries := (x & y) | ((x ^ y) &^ r)
	overflow := (x ^ r) & (y ^ r)
	return r, common(r, carries, overflow, size)
}

// SubFlags computes x - y - borrowIn in the given width and the status flags
// the hardware would produce for it.
func SubFlags(x, y, borrowIn uint64, size int) (result, flags uint64) {
	m := Mask(size)
	x, y = x&m, y&m
	r := (x - y - borrowIn&1) & m
	borrows := (^x & y) | (^(x ^ y) & r)
	overflow := (x ^ y) & (x ^ r)
	return r, common(r, borrows, overflow, size)
}

// LogicFlags returns the flags of a bitwise result: the same as comparing it
// against zero.
func LogicFlags(r uint64, size int) uint64 {
	_, f := SubFlags(r, 0, 0, size)
	return f
}

func common(r, carries, overflow uint64, size int) uint64 {
	sign := uint64(1) << (8*uint(size) - 1)
	var f uint64
	if carries&sign != 0 {
		f |= FlagCF
	}
	if carries&0x08 != 0 {
		f |= FlagAF
	}
	if overflow&sign != 0 {
		f |= FlagOF
	}
	if r&sign != 0 {
		f |= FlagSF
	}
	if r == 0 {
		f |= FlagZF
	}
	if bits.OnesCount8(uint8(r))%2 == 0 {
		f |= FlagPF
	}
	return f
}

// ApplyFlags replaces the affected bits of ctx's flags register.
func ApplyFlags(ctx Context, flags, affected uint64) {
	ctx.SetFlags(ctx.Flags()&^affected | flags&affected)
}

// affected returns the status flags an instruction updates. carry is false
// for INC and DEC, which leave CF alone.
func affected(carry bool) uint64 {
	if carry {
		return StatusFlags
	}
	return StatusFlags &^ FlagCF
}

// SetCompareFlags updates ctx's flags as CMP x, y would.
func SetCompareFlags(ctx Context, x, y uint64, size int, carry bool) bool {
	if !validWidth(size) {
		log.WithField("size", size).Error("unsupported flag width")
		return false
	}
	_, f := SubFlags(x, y, 0, size)
	ApplyFlags(ctx, f, affected(carry))
	return true
}

// SetAddFlags updates ctx's flags as ADD/ADC x, y would.
func SetAddFlags(ctx Context, x, y, carryIn uint64, size int, carry bool) bool {
	if !validWidth(size) {
		log.WithField("size", size).Error("unsupported flag width")
		return false
	}
	_, f := AddFlags(x, y, carryIn, size)
	ApplyFlags(ctx, f, affected(carry))
	return true
}

// SetSubFlags updates ctx's flags as SUB/SBB x, y would.
func SetSubFlags(ctx Context, x, y, borrowIn uint64, size int, carry bool) bool {
	if !validWidth(size) {
		log.WithField("size", size).Error("unsupported flag width")
		return false
	}
	_, f := SubFlags(x, y, borrowIn, size)
	ApplyFlags(ctx, f, affected(carry))
	return true
}

// SetLogicFlags updates ctx's flags for the result of AND/OR/XOR/TEST.
func SetLogicFlags(ctx Context, r uint64, size int) bool {
	return SetCompareFlags(ctx, r, 0, size, true)
}
