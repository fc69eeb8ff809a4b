// Copyright (C) 2023 Mirrorlake, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package vm

import "math"

// Vectorised transcendentals. These are minimax/range-reduction
// implementations, not libm calls: compiled routines trade exactness
// for lane parallelism and stay within a few ULP of the correctly
// rounded result in range. The scalar interpreter in package expr
// uses libm, so the two are close but not bit-identical.

func fromBits(u uint32) float32 {
	return math.Float32frombits(u)
}

// vexp computes e^x per lane: clamp, range-reduce by ln2 in two
// parts, degree-5 polynomial, then scale by 2^k through the exponent
// field.
func vexp(x FloatV) FloatV {
	const (
		expHi = 88.3762626647949
		expLo = -88.3762626647949
		log2e = 1.44269504088896341
		expC1 = 0.693359375
		expC2 = -2.12194440e-4
		expP0 = 1.9875691500e-4
		expP1 = 1.3981999507e-3
		expP2 = 8.3334519073e-3
		expP3 = 4.1665795894e-2
		expP4 = 1.6666665459e-1
		expP5 = 5.0000001201e-1
	)
	x = minF(x, splatF(expHi))
	x = maxF(x, splatF(expLo))
	fx := addF(mulF(splatF(log2e), x), splatF(0.5))
	emm0 := roundInt(fx)
	etmp := toFloat(emm0)
	mask := andI(asInt(splatF(1.0)), cmpGTF(etmp, fx))
	fx = subF(etmp, asFloat(mask))
	x = addF(mulF(fx, splatF(-expC1)), x)
	x = addF(mulF(fx, splatF(-expC2)), x)
	z := mulF(x, x)
	y := splatF(expP0)
	y = addF(mulF(y, x), splatF(expP1))
	y = addF(mulF(y, x), splatF(expP2))
	y = addF(mulF(y, x), splatF(expP3))
	y = addF(mulF(y, x), splatF(expP4))
	y = addF(mulF(y, x), splatF(expP5))
	y = addF(mulF(y, z), x)
	y = addF(y, splatF(1.0))
	emm0 = roundInt(fx)
	emm0 = addI(emm0, splatI(0x7f))
	emm0 = shlI(emm0, 23)
	return mulF(y, asFloat(emm0))
}

// vlog computes ln(x) per lane: split off the exponent, normalise the
// mantissa into [sqrt(1/2), sqrt(2)), degree-8 polynomial, recombine
// with k*ln2 in two parts. Non-positive inputs produce NaN lanes.
func vlog(x FloatV) FloatV {
	const (
		minNormPos  = 0x00800000
		invMantMask = ^int32(0x7F800000)
		sqrtHalf    = 0.707106781186547524
		logP0       = 7.0376836292e-2
		logP1       = -1.1514610310e-1
		logP2       = 1.1676998740e-1
		logP3       = -1.2420140846e-1
		logP4       = 1.4249322787e-1
		logP5       = -1.6668057665e-1
		logP6       = 2.0000714765e-1
		logP7       = -2.4999993993e-1
		logP8       = 3.3333331174e-1
		logQ1       = -2.12194440e-4
		logQ2       = 0.693359375
	)
	invalidMask := cmpLEF(x, splatF(0))
	x = maxF(x, asFloat(splatI(minNormPos)))
	emm0i := shrI(asInt(x), 23)
	x = asFloat(andI(asInt(x), splatI(int32(invMantMask))))
	x = asFloat(orI(asInt(x), asInt(splatF(0.5))))
	emm0i = subI(emm0i, splatI(0x7f))
	emm0 := toFloat(emm0i)
	emm0 = addF(emm0, splatF(1))
	mask := cmpLTF(x, splatF(sqrtHalf))
	etmp := asFloat(andI(mask, asInt(x)))
	x = subF(x, splatF(1))
	maskf := asFloat(andI(mask, asInt(splatF(1))))
	emm0 = subF(emm0, maskf)
	x = addF(x, etmp)
	z := mulF(x, x)
	y := splatF(logP0)
	y = addF(mulF(y, x), splatF(logP1))
	y = addF(mulF(y, x), splatF(logP2))
	y = addF(mulF(y, x), splatF(logP3))
	y = addF(mulF(y, x), splatF(logP4))
	y = addF(mulF(y, x), splatF(logP5))
	y = addF(mulF(y, x), splatF(logP6))
	y = addF(mulF(y, x), splatF(logP7))
	y = addF(mulF(y, x), splatF(logP8))
	y = mulF(y, x)
	y = mulF(y, z)
	y = addF(mulF(emm0, splatF(logQ1)), y)
	y = addF(mulF(z, splatF(-0.5)), y)
	x = addF(x, y)
	x = addF(mulF(emm0, splatF(logQ2)), x)
	return asFloat(orI(invalidMask, asInt(x)))
}

// vsincos computes sin or cos per lane with Cody-Waite range
// reduction (4-part pi) and a 4-term minimax polynomial; the parity
// of the quotient folds into the result sign.
func vsincos(x FloatV, issin bool) FloatV {
	var (
		floatInvpi = fromBits(0x3ea2f983)
		floatPi1   = fromBits(0x40490000)
		floatPi2   = fromBits(0x3a7da000)
		floatPi3   = fromBits(0x34222000)
		floatPi4   = fromBits(0x2cb4611a)
		sinC3      = fromBits(0xbe2aaaa6)
		sinC5      = fromBits(0x3c08876a)
		sinC7      = fromBits(0xb94fb7ff)
		sinC9      = fromBits(0x362edef8)
		cosC2      = fromBits(0xbeffffe2)
		cosC4      = fromBits(0x3d2aa73c)
		cosC6      = fromBits(0xbab58d50)
		cosC8      = fromBits(0x37c1ad76)
	)
	absmask := splatI(0x7fffffff)
	var sign IntV
	if issin {
		sign = andI(asInt(x), notI(absmask))
	}
	t1 := absF(x)
	t2 := mulF(t1, splatF(floatInvpi))
	t2i := roundInt(t2)
	sign = xorI(sign, shlI(t2i, 31))
	t2 = toFloat(t2i)

	t1 = addF(mulF(t2, splatF(-floatPi1)), t1)
	t1 = addF(mulF(t2, splatF(-floatPi2)), t1)
	t1 = addF(mulF(t2, splatF(-floatPi3)), t1)
	t1 = addF(mulF(t2, splatF(-floatPi4)), t1)

	if issin {
		// X + X * X^2 * (C3 + X^2 * (C5 + X^2 * (C7 + X^2 * C9)))
		t2 = mulF(t1, t1)
		t3 := addF(mulF(t2, splatF(sinC9)), splatF(sinC7))
		t3 = addF(mulF(t3, t2), splatF(sinC5))
		t3 = addF(mulF(t3, t2), splatF(sinC3))
		t3 = mulF(t3, t2)
		t3 = mulF(t3, t1)
		t1 = addF(t1, t3)
	} else {
		// 1 + X^2 * (C2 + X^2 * (C4 + X^2 * (C6 + X^2 * C8)))
		t1 = mulF(t1, t1)
		t2 := addF(mulF(t1, splatF(cosC8)), splatF(cosC6))
		t2 = addF(mulF(t2, t1), splatF(cosC4))
		t2 = addF(mulF(t2, t1), splatF(cosC2))
		t1 = addF(mulF(t2, t1), splatF(1.0))
	}
	return asFloat(xorI(sign, asInt(t1)))
}

func vsin(x FloatV) FloatV { return vsincos(x, true) }
func vcos(x FloatV) FloatV { return vsincos(x, false) }

// vpow computes x^y as exp(log(x) * y).
func vpow(x, y FloatV) FloatV {
	return vexp(mulF(vlog(x), y))
}

// powi raises each lane to a fixed integer power by squaring.
func powi(x FloatV, n int32) FloatV {
	if n == 0 {
		return splatF(1)
	}
	m := n
	if m < 0 {
		m = -m
	}
	r := splatF(1)
	base := x
	for m > 0 {
		if m&1 != 0 {
			r = mulF(r, base)
		}
		base = mulF(base, base)
		m >>= 1
	}
	if n < 0 {
		r = divF(splatF(1), r)
	}
	return r
}
