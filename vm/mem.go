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

import (
	"encoding/binary"
	"math"

	"github.com/mirrorlake/vexpr/expr"
	"github.com/mirrorlake/vexpr/ints"
)

// Plane loads. A relative access with a clamped boundary issues a
// contiguous vector load at the clamped base address and repairs the
// edge lanes with a compile-time shuffle table; a mirrored horizontal
// access computes per-lane indices and gathers. Vertical handling is
// a scalar row computation either way.

func loadU8(row []byte, x int) (r IntV) {
	for j := range r {
		r[j] = int32(row[x+j])
	}
	return r
}

func loadU16(row []byte, x int) (r IntV) {
	for j := range r {
		r[j] = int32(binary.LittleEndian.Uint16(row[2*(x+j):]))
	}
	return r
}

func loadI32(row []byte, x int) (r IntV) {
	for j := range r {
		r[j] = int32(binary.LittleEndian.Uint32(row[4*(x+j):]))
	}
	return r
}

func loadF16(row []byte, x int) FloatV {
	var bits IntV
	for j := range bits {
		bits[j] = int32(binary.LittleEndian.Uint16(row[2*(x+j):]))
	}
	return f16to32(bits)
}

func loadF32(row []byte, x int) (r FloatV) {
	for j := range r {
		r[j] = math.Float32frombits(binary.LittleEndian.Uint32(row[4*(x+j):]))
	}
	return r
}

func intLoader(bytes int) func(row []byte, x int) IntV {
	switch bytes {
	case 1:
		return loadU8
	case 2:
		return loadU16
	default:
		return loadI32
	}
}

func floatLoader(bytes int) func(row []byte, x int) FloatV {
	if bytes == 2 {
		return loadF16
	}
	return loadF32
}

// Scalar element accessors used by the gather paths.

func intElem(bytes int) func(row []byte, x int) int32 {
	switch bytes {
	case 1:
		return func(row []byte, x int) int32 { return int32(row[x]) }
	case 2:
		return func(row []byte, x int) int32 { return int32(binary.LittleEndian.Uint16(row[2*x:])) }
	default:
		return func(row []byte, x int) int32 { return int32(binary.LittleEndian.Uint32(row[4*x:])) }
	}
}

func floatElem(bytes int) func(row []byte, x int) float32 {
	if bytes == 2 {
		return func(row []byte, x int) float32 {
			bits := int32(binary.LittleEndian.Uint16(row[2*x:]))
			return f16to32(splatI(bits))[0]
		}
	}
	return func(row []byte, x int) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(row[4*x:]))
	}
}

// leftEdgeMaps returns the lane shuffle tables repairing a clamped
// load with dx < 0: table i/Lanes applies when the aligned base x
// equals i, replicating the clamped leftmost sample into the lanes
// that fell off the plane.
func leftEdgeMaps(dx int) [][Lanes]uint8 {
	absx := -dx
	maps := make([][Lanes]uint8, 0, (absx+Lanes-1)/Lanes)
	for i := 0; i < absx; i += Lanes {
		var sel [Lanes]uint8
		for j := 0; j < Lanes; j++ {
			sel[j] = uint8(ints.Max(i+j+dx, 0) % Lanes)
		}
		maps = append(maps, sel)
	}
	return maps
}

// rightEdgeMaps returns the shuffle tables for a clamped load with
// dx > 0, indexed by dist = x + Lanes - width in 1..Lanes-2: lanes
// past the right edge replicate the last valid lane.
func rightEdgeMaps() [Lanes - 1][Lanes]uint8 {
	var maps [Lanes - 1][Lanes]uint8
	for dist := 1; dist < Lanes-1; dist++ {
		var sel [Lanes]uint8
		for j := 0; j < Lanes; j++ {
			if j+dist < Lanes {
				sel[j] = uint8(j)
			} else {
				sel[j] = uint8(Lanes - dist - 1)
			}
		}
		maps[dist] = sel
	}
	return maps
}

// rowOf builds the vertical index computation for a relative access.
func rowOf(dy int, mirrored bool) func(s *state) int {
	switch {
	case dy == 0:
		return func(s *state) int { return s.y }
	case mirrored:
		return func(s *state) int {
			sy := s.y + ints.Clamp(dy, -s.height, s.height)
			return ints.Mirror(sy, s.height)
		}
	default:
		return func(s *state) int { return ints.Clamp(s.y+dy, 0, s.height-1) }
	}
}

func (c *compiler) memLoad(op expr.Op) {
	clip := int(op.ImmI())
	f := c.in[clip]
	ci := clip + 1
	dx := op.Dx
	mirrored := op.BC == expr.BCMirrored
	yOf := rowOf(op.Dy, mirrored)
	bytes := f.Bytes

	if mirrored && dx != 0 {
		// horizontal mirroring folds into a per-lane gather
		gatherIdx := func(s *state, idx *[Lanes]int) {
			cx := ints.Clamp(dx, -s.width, s.width)
			for j := 0; j < Lanes; j++ {
				idx[j] = ints.Clamp(ints.Mirror(s.x+j+cx, s.width), 0, s.width-1)
			}
		}
		if !f.Float {
			elem := intElem(bytes)
			c.pushIntLoad(func(s *state) (r IntV) {
				row := s.rw[ci][yOf(s)*s.strides[ci]:]
				var idx [Lanes]int
				gatherIdx(s, &idx)
				for j := 0; j < Lanes; j++ {
					r[j] = elem(row, idx[j])
				}
				return r
			})
		} else {
			elem := floatElem(bytes)
			c.pushFloatLoad(func(s *state) (r FloatV) {
				row := s.rw[ci][yOf(s)*s.strides[ci]:]
				var idx [Lanes]int
				gatherIdx(s, &idx)
				for j := 0; j < Lanes; j++ {
					r[j] = elem(row, idx[j])
				}
				return r
			})
		}
		return
	}

	// contiguous load at the (possibly clamped) base address
	xOf := func(s *state) int { return s.x }
	if dx != 0 {
		xOf = func(s *state) int { return ints.Clamp(s.x+dx, 0, s.width-1) }
	}

	// edge-lane repair applies only to clamped accesses with dx != 0
	fixupSel := func(s *state, xc int) *[Lanes]uint8 { return nil }
	if !mirrored && dx < 0 {
		maps := leftEdgeMaps(dx)
		absx := -dx
		fixupSel = func(s *state, xc int) *[Lanes]uint8 {
			if s.x < absx {
				return &maps[s.x/Lanes]
			}
			return nil
		}
	} else if !mirrored && dx > 0 {
		maps := rightEdgeMaps()
		var broadcast [Lanes]uint8
		fixupSel = func(s *state, xc int) *[Lanes]uint8 {
			dist := xc + Lanes - s.width
			if dist <= 0 {
				return nil
			}
			if dist < Lanes-1 {
				return &maps[dist]
			}
			return &broadcast
		}
	}

	if !f.Float {
		load := intLoader(bytes)
		c.pushIntLoad(func(s *state) IntV {
			xc := xOf(s)
			v := load(s.rw[ci][yOf(s)*s.strides[ci]:], xc)
			if sel := fixupSel(s, xc); sel != nil {
				v = shuffleI(v, sel)
			}
			return v
		})
	} else {
		load := floatLoader(bytes)
		c.pushFloatLoad(func(s *state) FloatV {
			xc := xOf(s)
			v := load(s.rw[ci][yOf(s)*s.strides[ci]:], xc)
			if sel := fixupSel(s, xc); sel != nil {
				v = shuffleF(v, sel)
			}
			return v
		})
	}
}

// pushIntLoad emits an integer plane load, promoting to float when
// integer codegen is disabled.
func (c *compiler) pushIntLoad(load func(s *state) IntV) {
	d := c.newSlot()
	if c.force {
		c.emitBody(func(s *state) { s.regs[d].f = toFloat(load(s)) })
		c.pushFloat(d)
	} else {
		c.emitBody(func(s *state) { s.regs[d].i = load(s) })
		c.pushInt(d)
	}
}

func (c *compiler) pushFloatLoad(load func(s *state) FloatV) {
	d := c.newSlot()
	c.emitBody(func(s *state) { s.regs[d].f = load(s) })
	c.pushFloat(d)
}

// memLoadVar lowers absolute pixel access: the two stack operands are
// the (absX, absY) coordinates, clamped into the plane and gathered
// per lane.
func (c *compiler) memLoadVar(op expr.Op) {
	clip := int(op.ImmI())
	f := c.in[clip]
	ci := clip + 1
	bytes := f.Bytes

	ay := c.ensureInt(c.pop())
	ax := c.ensureInt(c.pop())
	xs, ys := ax.slot, ay.slot

	offsets := func(s *state, off *[Lanes]int) {
		axv, ayv := s.regs[xs].i, s.regs[ys].i
		for j := 0; j < Lanes; j++ {
			x := ints.Clamp(int(axv[j]), 0, s.width-1)
			y := ints.Clamp(int(ayv[j]), 0, s.height-1)
			off[j] = y*s.strides[ci] + x*bytes
		}
	}

	if !f.Float {
		elem := intElem(bytes)
		c.pushIntLoad(func(s *state) (r IntV) {
			base := s.rw[ci]
			var off [Lanes]int
			offsets(s, &off)
			for j := 0; j < Lanes; j++ {
				r[j] = elem(base[off[j]:], 0)
			}
			return r
		})
	} else {
		elem := floatElem(bytes)
		c.pushFloatLoad(func(s *state) (r FloatV) {
			base := s.rw[ci]
			var off [Lanes]int
			offsets(s, &off)
			for j := 0; j < Lanes; j++ {
				r[j] = elem(base[off[j]:], 0)
			}
			return r
		})
	}
}

// store lowers the final result store, converting to the output
// sample format: integer outputs clamp to [0, 2^bits-1] and round
// halves to even, float outputs narrow through FP32To16 if needed.
func (c *compiler) store(res cval) {
	f := c.out
	src := res.slot

	if !f.Float {
		var rounded func(s *state) IntV
		if res.isFloat {
			if f.Bits < 32 {
				maxval := splatF(float32(int32(1)<<uint(f.Bits) - 1))
				rounded = func(s *state) IntV {
					return roundInt(minF(maxF(s.regs[src].f, FloatV{}), maxval))
				}
			} else {
				rounded = func(s *state) IntV { return roundInt(s.regs[src].f) }
			}
		} else if f.Bits < 32 {
			maxval := splatI(int32(1)<<uint(f.Bits) - 1)
			rounded = func(s *state) IntV {
				return minI(maxI(s.regs[src].i, IntV{}), maxval)
			}
		} else {
			rounded = func(s *state) IntV { return s.regs[src].i }
		}
		switch f.Bytes {
		case 1:
			c.emitBody(func(s *state) {
				row := s.rw[0][s.y*s.strides[0]+s.x:]
				v := rounded(s)
				for j := 0; j < Lanes; j++ {
					row[j] = byte(v[j])
				}
			})
		case 2:
			c.emitBody(func(s *state) {
				row := s.rw[0][s.y*s.strides[0]+2*s.x:]
				v := rounded(s)
				for j := 0; j < Lanes; j++ {
					binary.LittleEndian.PutUint16(row[2*j:], uint16(v[j]))
				}
			})
		default:
			c.emitBody(func(s *state) {
				row := s.rw[0][s.y*s.strides[0]+4*s.x:]
				v := rounded(s)
				for j := 0; j < Lanes; j++ {
					binary.LittleEndian.PutUint32(row[4*j:], uint32(v[j]))
				}
			})
		}
		return
	}

	rf := c.ensureFloat(res)
	src = rf.slot
	if f.Bytes == 2 {
		c.emitBody(func(s *state) {
			row := s.rw[0][s.y*s.strides[0]+2*s.x:]
			v := f32to16(s.regs[src].f)
			for j := 0; j < Lanes; j++ {
				binary.LittleEndian.PutUint16(row[2*j:], uint16(v[j]))
			}
		})
	} else {
		c.emitBody(func(s *state) {
			row := s.rw[0][s.y*s.strides[0]+4*s.x:]
			v := s.regs[src].f
			for j := 0; j < Lanes; j++ {
				binary.LittleEndian.PutUint32(row[4*j:], math.Float32bits(v[j]))
			}
		})
	}
}
