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

// Package vm compiles finalised expression programs into vectorised
// plane routines. Lowering happens once, at filter creation: every
// instruction becomes one or more specialised kernels closed over
// virtual-register slots, with all type dispatch, boundary shuffle
// tables and polynomial constants resolved at compile time. The
// runtime loop walks the plane row-major, Lanes pixels per step.
package vm

import "math"

// Lanes is the number of pixels processed per inner step.
const Lanes = 8

// unroll is the number of iterations emitted per inner-loop step.
const unroll = 1

// IntV and FloatV are the two register shapes of the value lattice:
// Lanes x i32 and Lanes x f32.
type (
	IntV   [Lanes]int32
	FloatV [Lanes]float32
)

func splatI(x int32) (r IntV) {
	for i := range r {
		r[i] = x
	}
	return r
}

func splatF(x float32) (r FloatV) {
	for i := range r {
		r[i] = x
	}
	return r
}

// toFloat widens an integer vector elementwise.
func toFloat(v IntV) (r FloatV) {
	for i := range r {
		r[i] = float32(v[i])
	}
	return r
}

// roundInt converts float lanes to integer, rounding halves to even.
func roundInt(v FloatV) (r IntV) {
	for i := range r {
		r[i] = int32(math.RoundToEven(float64(v[i])))
	}
	return r
}

func asFloat(v IntV) (r FloatV) {
	for i := range r {
		r[i] = math.Float32frombits(uint32(v[i]))
	}
	return r
}

func asInt(v FloatV) (r IntV) {
	for i := range r {
		r[i] = int32(math.Float32bits(v[i]))
	}
	return r
}

func addI(a, b IntV) (r IntV) {
	for i := range r {
		r[i] = a[i] + b[i]
	}
	return r
}

func subI(a, b IntV) (r IntV) {
	for i := range r {
		r[i] = a[i] - b[i]
	}
	return r
}

func mulI(a, b IntV) (r IntV) {
	for i := range r {
		r[i] = a[i] * b[i]
	}
	return r
}

func addF(a, b FloatV) (r FloatV) {
	for i := range r {
		r[i] = a[i] + b[i]
	}
	return r
}

func subF(a, b FloatV) (r FloatV) {
	for i := range r {
		r[i] = a[i] - b[i]
	}
	return r
}

func mulF(a, b FloatV) (r FloatV) {
	for i := range r {
		r[i] = a[i] * b[i]
	}
	return r
}

func divF(a, b FloatV) (r FloatV) {
	for i := range r {
		r[i] = a[i] / b[i]
	}
	return r
}

// modF computes the truncated remainder (fmod) with the sign of the
// dividend, exactly (fmod of two f32 values is representable in f32).
func modF(a, b FloatV) (r FloatV) {
	for i := range r {
		r[i] = float32(math.Mod(float64(a[i]), float64(b[i])))
	}
	return r
}

func minI(a, b IntV) (r IntV) {
	for i := range r {
		if a[i] < b[i] {
			r[i] = a[i]
		} else {
			r[i] = b[i]
		}
	}
	return r
}

func maxI(a, b IntV) (r IntV) {
	for i := range r {
		if a[i] > b[i] {
			r[i] = a[i]
		} else {
			r[i] = b[i]
		}
	}
	return r
}

func minF(a, b FloatV) (r FloatV) {
	for i := range r {
		if a[i] < b[i] {
			r[i] = a[i]
		} else {
			r[i] = b[i]
		}
	}
	return r
}

func maxF(a, b FloatV) (r FloatV) {
	for i := range r {
		if a[i] > b[i] {
			r[i] = a[i]
		} else {
			r[i] = b[i]
		}
	}
	return r
}

func absI(v IntV) (r IntV) {
	for i := range r {
		if v[i] < 0 {
			r[i] = -v[i]
		} else {
			r[i] = v[i]
		}
	}
	return r
}

func absF(v FloatV) (r FloatV) {
	for i := range r {
		r[i] = float32(math.Abs(float64(v[i])))
	}
	return r
}

func sqrtF(v FloatV) (r FloatV) {
	for i := range r {
		x := v[i]
		if x < 0 {
			x = 0
		}
		r[i] = float32(math.Sqrt(float64(x)))
	}
	return r
}

func truncF(v FloatV) (r FloatV) {
	for i := range r {
		r[i] = float32(math.Trunc(float64(v[i])))
	}
	return r
}

func roundF(v FloatV) (r FloatV) {
	for i := range r {
		r[i] = float32(math.RoundToEven(float64(v[i])))
	}
	return r
}

func floorF(v FloatV) (r FloatV) {
	for i := range r {
		r[i] = float32(math.Floor(float64(v[i])))
	}
	return r
}

func andI(a, b IntV) (r IntV) {
	for i := range r {
		r[i] = a[i] & b[i]
	}
	return r
}

func orI(a, b IntV) (r IntV) {
	for i := range r {
		r[i] = a[i] | b[i]
	}
	return r
}

func xorI(a, b IntV) (r IntV) {
	for i := range r {
		r[i] = a[i] ^ b[i]
	}
	return r
}

func notI(v IntV) (r IntV) {
	for i := range r {
		r[i] = ^v[i]
	}
	return r
}

func shlI(v IntV, n uint) (r IntV) {
	for i := range r {
		r[i] = v[i] << n
	}
	return r
}

func shrI(v IntV, n uint) (r IntV) {
	for i := range r {
		r[i] = v[i] >> n
	}
	return r
}

// shrUI is the logical (unsigned) right shift.
func shrUI(v IntV, n uint) (r IntV) {
	for i := range r {
		r[i] = int32(uint32(v[i]) >> n)
	}
	return r
}

// Comparison masks: all ones where true, all zeros where false.

func boolMask(b bool) int32 {
	if b {
		return -1
	}
	return 0
}

func cmpGTI(a, b IntV) (r IntV) {
	for i := range r {
		r[i] = boolMask(a[i] > b[i])
	}
	return r
}

func cmpGTF(a, b FloatV) (r IntV) {
	for i := range r {
		r[i] = boolMask(a[i] > b[i])
	}
	return r
}

func cmpGEF(a, b FloatV) (r IntV) {
	for i := range r {
		r[i] = boolMask(a[i] >= b[i])
	}
	return r
}

func cmpLTF(a, b FloatV) (r IntV) {
	for i := range r {
		r[i] = boolMask(a[i] < b[i])
	}
	return r
}

func cmpLEF(a, b FloatV) (r IntV) {
	for i := range r {
		r[i] = boolMask(a[i] <= b[i])
	}
	return r
}

func cmpEQI(a, b IntV) (r IntV) {
	for i := range r {
		r[i] = boolMask(a[i] == b[i])
	}
	return r
}

// blend selects a where the mask is set and b elsewhere, bitwise.
func blend(mask, a, b IntV) (r IntV) {
	for i := range r {
		r[i] = (a[i] & mask[i]) | (b[i] &^ mask[i])
	}
	return r
}

// shuffle permutes lanes: lane i of the result is lane sel[i] of v.
func shuffleI(v IntV, sel *[Lanes]uint8) (r IntV) {
	for i := range r {
		r[i] = v[sel[i]]
	}
	return r
}

func shuffleF(v FloatV, sel *[Lanes]uint8) (r FloatV) {
	for i := range r {
		r[i] = v[sel[i]]
	}
	return r
}
