package layout

import "math"

// Half is an IEEE 754 binary16 value.
type Half uint16

const (
	halfSignMask     = 0x8000
	halfExponentMask = 0x7C00
	halfMantissaMask = 0x03FF
	halfExponentBias = 15
	halfMantissaBits = 10
)

// Float32 converts h to float32. The conversion is exact.
func (h Half) Float32() float32 {
	sign := uint32(h&halfSignMask) << 16
	exponent := uint32(h&halfExponentMask) >> halfMantissaBits
	mantissa := uint32(h & halfMantissaMask)

	switch exponent {
	case 0:
		// Zero or subnormal: mantissa * 2^-24
		v := float32(mantissa) * (1.0 / (1 << 24))
		if sign != 0 {
			v = -v
		}
		return v
	case 0x1F:
		if mantissa == 0 {
			return math.Float32frombits(sign | 0x7F800000)
		}
		return math.Float32frombits(sign | 0x7FC00000 | mantissa<<13)
	}

	return math.Float32frombits(sign | (exponent+127-halfExponentBias)<<23 | mantissa<<13)
}

// HalfFromFloat32 converts f to binary16 rounding to nearest, ties to even.
// Values beyond the half range become infinities; tiny values become
// subnormals or signed zero.
func HalfFromFloat32(f float32) Half {
	bits := math.Float32bits(f)
	sign := uint32(bits>>16) & halfSignMask
	exponent := int((bits >> 23) & 0xFF)
	mantissa := bits & 0x7FFFFF

	if exponent == 0xFF {
		if mantissa == 0 {
			return Half(sign | halfExponentMask)
		}
		return Half(sign | halfExponentMask | 0x200 | mantissa>>13)
	}

	e := exponent - 127 + halfExponentBias
	if e >= 0x1F {
		return Half(sign | halfExponentMask)
	}

	if e <= 0 {
		if e < -10 {
			return Half(sign)
		}
		mantissa |= 0x800000
		shift := uint32(14 - e)
		v := mantissa >> shift
		rem := mantissa & (1<<shift - 1)
		halfway := uint32(1) << (shift - 1)
		if rem > halfway || (rem == halfway && v&1 == 1) {
			v++
		}
		return Half(sign | v)
	}

	v := uint32(e)<<halfMantissaBits | mantissa>>13
	rem := mantissa & 0x1FFF
	if rem > 0x1000 || (rem == 0x1000 && v&1 == 1) {
		// A carry out of the mantissa bumps the exponent, up to infinity.
		v++
	}
	return Half(sign | v)
}

// RoundHalf rounds f through binary16 precision and back.
func RoundHalf(f float32) float32 {
	return HalfFromFloat32(f).Float32()
}
