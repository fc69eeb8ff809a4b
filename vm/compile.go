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
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/mirrorlake/vexpr/expr"
)

// SampleFormat describes the sample storage of one plane.
type SampleFormat struct {
	Float bool
	Bits  int
	Bytes int
}

func (f SampleFormat) String() string {
	if f.Float {
		return fmt.Sprintf("f%d", f.Bits)
	}
	return fmt.Sprintf("i%d", f.Bits)
}

// Options carries the filter-wide compile switches.
type Options struct {
	// Opt is the option mask; bit 0 allows integer codegen.
	Opt int
	// Mirror selects the boundary default for relative accesses
	// without an explicit :c / :m flag.
	Mirror bool
}

// FlagUseInteger enables the integer lanes of the type lattice. When
// it is clear, every memory load is promoted to float immediately.
const FlagUseInteger = 1 << 0

func (o Options) forceFloat() bool { return o.Opt&FlagUseInteger == 0 }

// kernel is one lowered instruction, closed over its register slots.
type kernel func(s *state)

// vreg is one virtual register: an integer and a float lane vector,
// of which the compile-time type tag selects one.
type vreg struct {
	i IntV
	f FloatV
}

// state is the per-invocation execution state of a routine. A fresh
// state per call keeps compiled routines re-entrant.
type state struct {
	rw      [][]byte
	strides []int
	consts  []float32
	width   int
	height  int

	x, y int

	regs []vreg
	vars []vreg
}

// xvec is the compile-time lane index vector added to the scalar x.
var xvec = IntV{0, 1, 2, 3, 4, 5, 6, 7}

// Routine is a compiled plane processor. Routines are immutable after
// compilation and may be invoked concurrently from any thread.
type Routine struct {
	// Fingerprint is the stable cache identity of the routine.
	Fingerprint string
	// DebugID tags the routine instance for logging.
	DebugID uuid.UUID
	// Source is the expression the routine was compiled from.
	Source string
	// PropAccess lists the frame properties the routine reads; the
	// host packs their values into consts[1:] in this order.
	PropAccess []expr.PropAccess

	setup []kernel
	body  []kernel
	nregs int
	nvars int
}

// Process runs the routine over one plane. rw[0] is the output plane
// base, rw[1:] the input planes; strides are in bytes; consts[0]
// carries the frame number as int32 bits, followed by one value per
// PropAccess entry. The plane buffers must satisfy the host padding
// guarantee: Lanes-wide loads at any x in [0, width) and Lanes-wide
// stores at any aligned x must stay in bounds.
func (r *Routine) Process(rw [][]byte, strides []int, consts []float32, width, height int) {
	s := &state{
		rw:      rw,
		strides: strides,
		consts:  consts,
		width:   width,
		height:  height,
		regs:    make([]vreg, r.nregs),
		vars:    make([]vreg, r.nvars),
	}
	for _, k := range r.setup {
		k(s)
	}
	for y := 0; y < height; y++ {
		s.y = y
		for x := 0; x < width; x += Lanes * unroll {
			s.x = x
			for _, k := range r.body {
				k(s)
			}
		}
	}
}

// FrameConst encodes a frame number for the consts[0] slot.
func FrameConst(n int) float32 {
	return math.Float32frombits(uint32(int32(n)))
}

// cval is a compile-time stack entry: a typed reference to a virtual
// register, plus constant metadata for the folding hooks.
type cval struct {
	slot    int
	isFloat bool
	isConst bool
	ci      int32
	cf      float32
}

type compiler struct {
	out   SampleFormat
	in    []SampleFormat
	force bool

	setup []kernel
	body  []kernel
	stack []cval
	nregs int
	vars  []bool // type tag per variable slot
}

// Compile lowers an expression to a plane routine for the given
// output and input formats. The result is not cached; see
// CompileCached.
func Compile(source string, numInputs int, out SampleFormat, in []SampleFormat, opts Options) (*Routine, error) {
	bc := expr.BCClamped
	if opts.Mirror {
		bc = expr.BCMirrored
	}
	ops, err := expr.Decode(source, false, bc)
	if err != nil {
		return nil, err
	}
	prog, err := expr.Finalize(source, ops, numInputs)
	if err != nil {
		return nil, err
	}

	c := &compiler{
		out:   out,
		in:    in,
		force: opts.forceFloat(),
		vars:  make([]bool, prog.NumVars),
	}
	if err := c.lower(prog); err != nil {
		return nil, err
	}
	return &Routine{
		Source:     source,
		PropAccess: prog.PropAccess,
		setup:      c.setup,
		body:       c.body,
		nregs:      c.nregs,
		nvars:      prog.NumVars,
	}, nil
}

func (c *compiler) emitSetup(k kernel) { c.setup = append(c.setup, k) }
func (c *compiler) emitBody(k kernel)  { c.body = append(c.body, k) }

func (c *compiler) newSlot() int {
	s := c.nregs
	c.nregs++
	return s
}

func (c *compiler) push(v cval)   { c.stack = append(c.stack, v) }
func (c *compiler) pushInt(slot int) {
	c.push(cval{slot: slot})
}
func (c *compiler) pushFloat(slot int) {
	c.push(cval{slot: slot, isFloat: true})
}

func (c *compiler) pop() cval {
	v := c.stack[len(c.stack)-1]
	c.stack = c.stack[:len(c.stack)-1]
	return v
}

// at returns the stack entry i positions below the top.
func (c *compiler) at(i int) *cval {
	return &c.stack[len(c.stack)-1-i]
}

func (c *compiler) pushConstI(x int32) {
	d := c.newSlot()
	c.emitSetup(func(s *state) { s.regs[d].i = splatI(x) })
	c.push(cval{slot: d, isConst: true, ci: x})
}

func (c *compiler) pushConstF(x float32) {
	d := c.newSlot()
	c.emitSetup(func(s *state) { s.regs[d].f = splatF(x) })
	c.push(cval{slot: d, isFloat: true, isConst: true, cf: x})
}

// ensureFloat widens an integer value; float values pass through.
func (c *compiler) ensureFloat(v cval) cval {
	if v.isFloat {
		return v
	}
	d := c.newSlot()
	src := v.slot
	if v.isConst {
		x := float32(v.ci)
		c.emitSetup(func(s *state) { s.regs[d].f = splatF(x) })
		return cval{slot: d, isFloat: true, isConst: true, cf: x}
	}
	c.emitBody(func(s *state) { s.regs[d].f = toFloat(s.regs[src].i) })
	return cval{slot: d, isFloat: true}
}

// ensureInt narrows a float value by round-to-nearest-even; integer
// values pass through.
func (c *compiler) ensureInt(v cval) cval {
	if !v.isFloat {
		return v
	}
	d := c.newSlot()
	src := v.slot
	if v.isConst {
		x := int32(math.RoundToEven(float64(v.cf)))
		c.emitSetup(func(s *state) { s.regs[d].i = splatI(x) })
		return cval{slot: d, isConst: true, ci: x}
	}
	c.emitBody(func(s *state) { s.regs[d].i = roundInt(s.regs[src].f) })
	return cval{slot: d}
}

// binary lowers a mixed-type binary op, dispatching four ways on the
// operand types to avoid conversions.
func (c *compiler) binary(fi func(a, b IntV) IntV, ff func(a, b FloatV) FloatV, force bool) {
	r := c.pop()
	l := c.pop()
	d := c.newSlot()
	ls, rs := l.slot, r.slot
	switch {
	case l.isFloat && r.isFloat:
		c.emitBody(func(s *state) { s.regs[d].f = ff(s.regs[ls].f, s.regs[rs].f) })
		c.pushFloat(d)
	case l.isFloat:
		c.emitBody(func(s *state) { s.regs[d].f = ff(s.regs[ls].f, toFloat(s.regs[rs].i)) })
		c.pushFloat(d)
	case r.isFloat:
		c.emitBody(func(s *state) { s.regs[d].f = ff(toFloat(s.regs[ls].i), s.regs[rs].f) })
		c.pushFloat(d)
	case force || fi == nil:
		c.emitBody(func(s *state) { s.regs[d].f = ff(toFloat(s.regs[ls].i), toFloat(s.regs[rs].i)) })
		c.pushFloat(d)
	default:
		c.emitBody(func(s *state) { s.regs[d].i = fi(s.regs[ls].i, s.regs[rs].i) })
		c.pushInt(d)
	}
}

// unaryF lowers a float-only unary op.
func (c *compiler) unaryF(fn func(v FloatV) FloatV) {
	v := c.ensureFloat(c.pop())
	d := c.newSlot()
	src := v.slot
	c.emitBody(func(s *state) { s.regs[d].f = fn(s.regs[src].f) })
	c.pushFloat(d)
}

// mask produces an all-ones/all-zeros truthiness mask (v > 0) for a
// value of either type.
func (c *compiler) mask(v cval, d int) kernel {
	src := v.slot
	if v.isFloat {
		return func(s *state) { s.regs[d].i = cmpGTF(s.regs[src].f, FloatV{}) }
	}
	return func(s *state) { s.regs[d].i = cmpGTI(s.regs[src].i, IntV{}) }
}

func (c *compiler) logical(fn func(a, b IntV) IntV) {
	r := c.pop()
	l := c.pop()
	lm, rm := c.newSlot(), c.newSlot()
	c.emitBody(c.mask(l, lm))
	c.emitBody(c.mask(r, rm))
	d := c.newSlot()
	c.emitBody(func(s *state) { s.regs[d].i = andI(fn(s.regs[lm].i, s.regs[rm].i), splatI(1)) })
	c.pushInt(d)
}

func (c *compiler) bitwise(fn func(a, b IntV) IntV) {
	r := c.ensureInt(c.pop())
	l := c.ensureInt(c.pop())
	d := c.newSlot()
	ls, rs := l.slot, r.slot
	c.emitBody(func(s *state) { s.regs[d].i = fn(s.regs[ls].i, s.regs[rs].i) })
	c.pushInt(d)
}

func cmpFnI(ct expr.CmpType) func(a, b IntV) IntV {
	return func(a, b IntV) (r IntV) {
		for i := range r {
			var t bool
			switch ct {
			case expr.CmpEQ:
				t = a[i] == b[i]
			case expr.CmpLT:
				t = a[i] < b[i]
			case expr.CmpLE:
				t = a[i] <= b[i]
			case expr.CmpNEQ:
				t = a[i] != b[i]
			case expr.CmpNLT:
				t = a[i] >= b[i]
			case expr.CmpNLE:
				t = a[i] > b[i]
			}
			r[i] = boolMask(t)
		}
		return r
	}
}

func cmpFnF(ct expr.CmpType) func(a, b FloatV) IntV {
	return func(a, b FloatV) (r IntV) {
		for i := range r {
			var t bool
			switch ct {
			case expr.CmpEQ:
				t = a[i] == b[i]
			case expr.CmpLT:
				t = a[i] < b[i]
			case expr.CmpLE:
				t = a[i] <= b[i]
			case expr.CmpNEQ:
				t = a[i] != b[i]
			case expr.CmpNLT:
				t = a[i] >= b[i]
			case expr.CmpNLE:
				t = a[i] > b[i]
			}
			r[i] = boolMask(t)
		}
		return r
	}
}

func (c *compiler) lower(prog *expr.Program) error {
	for _, op := range prog.Ops {
		if len(c.stack) < op.Type.Arity() {
			return fmt.Errorf("%w: %s", expr.ErrStackUnderflow, op.Type)
		}
		switch op.Type {
		case expr.OpDup:
			if int(op.ImmI()) >= len(c.stack) {
				return fmt.Errorf("%w: dup%d", expr.ErrStackUnderflow, op.ImmI())
			}
			c.push(*c.at(int(op.ImmI())))
		case expr.OpSwap:
			if int(op.ImmI()) >= len(c.stack) {
				return fmt.Errorf("%w: swap%d", expr.ErrStackUnderflow, op.ImmI())
			}
			a, b := c.at(0), c.at(int(op.ImmI()))
			*a, *b = *b, *a
		case expr.OpDrop:
			if int(op.ImmI()) > len(c.stack) {
				return fmt.Errorf("%w: drop%d", expr.ErrStackUnderflow, op.ImmI())
			}
			c.stack = c.stack[:len(c.stack)-int(op.ImmI())]

		case expr.OpSort:
			if int(op.ImmI()) > len(c.stack) {
				return fmt.Errorf("%w: sort%d", expr.ErrStackUnderflow, op.ImmI())
			}
			c.sortN(int(op.ImmI()))

		case expr.OpMemLoad:
			c.memLoad(op)
		case expr.OpMemLoadVar:
			c.memLoadVar(op)

		case expr.OpConstantI:
			c.pushConstI(op.ImmI())
		case expr.OpConstantF:
			// integer-valued float constants join the integer lattice
			f := float64(op.ImmF())
			if f == math.Trunc(f) && f >= math.MinInt32 && f <= math.MaxInt32 {
				c.pushConstI(int32(f))
			} else {
				c.pushConstF(op.ImmF())
			}
		case expr.OpConstLoad:
			c.constLoad(op)

		case expr.OpVarLoad:
			idx := int(op.ImmI())
			d := c.newSlot()
			if c.vars[idx] {
				c.emitBody(func(s *state) { s.regs[d].f = s.vars[idx].f })
				c.pushFloat(d)
			} else {
				c.emitBody(func(s *state) { s.regs[d].i = s.vars[idx].i })
				c.pushInt(d)
			}
		case expr.OpVarStore:
			v := c.pop()
			idx := int(op.ImmI())
			c.vars[idx] = v.isFloat
			src := v.slot
			if v.isFloat {
				c.emitBody(func(s *state) { s.vars[idx].f = s.regs[src].f })
			} else {
				c.emitBody(func(s *state) { s.vars[idx].i = s.regs[src].i })
			}

		case expr.OpAdd:
			c.binary(addI, addF, false)
		case expr.OpSub:
			c.binary(subI, subF, false)
		case expr.OpMul:
			c.binary(mulI, mulF, false)
		case expr.OpDiv:
			c.binary(nil, divF, true)
		case expr.OpMod:
			c.binary(nil, modF, true)
		case expr.OpSqrt:
			c.unaryF(sqrtF)
		case expr.OpAbs:
			v := c.pop()
			d := c.newSlot()
			src := v.slot
			if v.isFloat {
				c.emitBody(func(s *state) { s.regs[d].f = absF(s.regs[src].f) })
				c.pushFloat(d)
			} else if c.force {
				c.emitBody(func(s *state) { s.regs[d].f = absF(toFloat(s.regs[src].i)) })
				c.pushFloat(d)
			} else {
				c.emitBody(func(s *state) { s.regs[d].i = absI(s.regs[src].i) })
				c.pushInt(d)
			}
		case expr.OpMax:
			c.binary(maxI, maxF, c.force)
		case expr.OpMin:
			c.binary(minI, minF, c.force)
		case expr.OpClamp:
			hi := c.pop()
			lo := c.pop()
			v := c.pop()
			d := c.newSlot()
			if v.isFloat || lo.isFloat || hi.isFloat || c.force {
				vf, lf, hf := c.ensureFloat(v), c.ensureFloat(lo), c.ensureFloat(hi)
				vs, ls, hs := vf.slot, lf.slot, hf.slot
				c.emitBody(func(s *state) {
					s.regs[d].f = maxF(minF(s.regs[vs].f, s.regs[hs].f), s.regs[ls].f)
				})
				c.pushFloat(d)
			} else {
				vs, ls, hs := v.slot, lo.slot, hi.slot
				c.emitBody(func(s *state) {
					s.regs[d].i = maxI(minI(s.regs[vs].i, s.regs[hs].i), s.regs[ls].i)
				})
				c.pushInt(d)
			}
		case expr.OpCmp:
			r := c.pop()
			l := c.pop()
			d := c.newSlot()
			if l.isFloat || r.isFloat {
				lf, rf := c.ensureFloat(l), c.ensureFloat(r)
				ls, rs := lf.slot, rf.slot
				fn := cmpFnF(expr.CmpType(op.ImmI()))
				c.emitBody(func(s *state) {
					s.regs[d].i = andI(fn(s.regs[ls].f, s.regs[rs].f), splatI(1))
				})
			} else {
				ls, rs := l.slot, r.slot
				fn := cmpFnI(expr.CmpType(op.ImmI()))
				c.emitBody(func(s *state) {
					s.regs[d].i = andI(fn(s.regs[ls].i, s.regs[rs].i), splatI(1))
				})
			}
			c.pushInt(d)

		case expr.OpAnd:
			c.logical(andI)
		case expr.OpOr:
			c.logical(orI)
		case expr.OpXor:
			c.logical(xorI)
		case expr.OpNot:
			v := c.pop()
			d := c.newSlot()
			src := v.slot
			if v.isFloat {
				c.emitBody(func(s *state) { s.regs[d].i = andI(cmpLEF(s.regs[src].f, FloatV{}), splatI(1)) })
			} else {
				c.emitBody(func(s *state) {
					s.regs[d].i = andI(notI(cmpGTI(s.regs[src].i, IntV{})), splatI(1))
				})
			}
			c.pushInt(d)

		case expr.OpBitAnd:
			c.bitwise(andI)
		case expr.OpBitOr:
			c.bitwise(orI)
		case expr.OpBitXor:
			c.bitwise(xorI)
		case expr.OpBitNot:
			v := c.ensureInt(c.pop())
			d := c.newSlot()
			src := v.slot
			c.emitBody(func(s *state) { s.regs[d].i = notI(s.regs[src].i) })
			c.pushInt(d)

		case expr.OpTrunc:
			c.unaryF(truncF)
		case expr.OpRound:
			c.unaryF(roundF)
		case expr.OpFloor:
			c.unaryF(floorF)

		case expr.OpExp:
			c.unaryF(vexp)
		case expr.OpLog:
			c.unaryF(vlog)
		case expr.OpPow:
			r := c.pop()
			l := c.pop()
			lf := c.ensureFloat(l)
			if !r.isFloat && r.isConst {
				// pow-by-squaring for compile-time integer exponents
				d := c.newSlot()
				src, n := lf.slot, r.ci
				c.emitBody(func(s *state) { s.regs[d].f = powi(s.regs[src].f, n) })
				c.pushFloat(d)
			} else {
				rf := c.ensureFloat(r)
				d := c.newSlot()
				ls, rs := lf.slot, rf.slot
				c.emitBody(func(s *state) { s.regs[d].f = vpow(s.regs[ls].f, s.regs[rs].f) })
				c.pushFloat(d)
			}
		case expr.OpSin:
			c.unaryF(vsin)
		case expr.OpCos:
			c.unaryF(vcos)

		case expr.OpTernary:
			f := c.pop()
			t := c.pop()
			cond := c.pop()
			m := c.newSlot()
			c.emitBody(c.mask(cond, m))
			d := c.newSlot()
			if t.isFloat || f.isFloat {
				tf, ff := c.ensureFloat(t), c.ensureFloat(f)
				ts, fs := tf.slot, ff.slot
				c.emitBody(func(s *state) {
					s.regs[d].f = asFloat(blend(s.regs[m].i, asInt(s.regs[ts].f), asInt(s.regs[fs].f)))
				})
				c.pushFloat(d)
			} else {
				ts, fs := t.slot, f.slot
				c.emitBody(func(s *state) {
					s.regs[d].i = blend(s.regs[m].i, s.regs[ts].i, s.regs[fs].i)
				})
				c.pushInt(d)
			}

		case expr.OpArgMin, expr.OpArgMax, expr.OpArgSort:
			return fmt.Errorf("%w: %s is only available in Select and PropExpr expressions",
				expr.ErrInvalidToken, op.Type)

		default:
			return fmt.Errorf("cannot compile op %s", op.Type)
		}
	}

	if len(c.stack) == 0 {
		return expr.ErrEmptyExpression
	}
	if len(c.stack) > 1 {
		return fmt.Errorf("%w: %d", expr.ErrStackUnconsumed, len(c.stack))
	}
	c.store(c.pop())
	return nil
}

// sortN lowers sortN to its fixed sorting network; each comparator
// becomes one kernel producing the min and max of a pair of stack
// positions.
func (c *compiler) sortN(n int) {
	for _, cmp := range sortNet(n) {
		a, b := c.at(cmp.a), c.at(cmp.b)
		if a.isFloat || b.isFloat {
			af, bf := c.ensureFloat(*a), c.ensureFloat(*b)
			dmin, dmax := c.newSlot(), c.newSlot()
			as, bs := af.slot, bf.slot
			c.emitBody(func(s *state) {
				x, y := s.regs[as].f, s.regs[bs].f
				s.regs[dmin].f = minF(x, y)
				s.regs[dmax].f = maxF(x, y)
			})
			*a = cval{slot: dmin, isFloat: true}
			*b = cval{slot: dmax, isFloat: true}
		} else {
			dmin, dmax := c.newSlot(), c.newSlot()
			as, bs := a.slot, b.slot
			c.emitBody(func(s *state) {
				x, y := s.regs[as].i, s.regs[bs].i
				s.regs[dmin].i = minI(x, y)
				s.regs[dmax].i = maxI(x, y)
			})
			*a = cval{slot: dmin}
			*b = cval{slot: dmax}
		}
	}
}

func (c *compiler) constLoad(op expr.Op) {
	switch op.ImmI() {
	case expr.ConstN:
		d := c.newSlot()
		c.emitSetup(func(s *state) {
			s.regs[d].i = splatI(int32(math.Float32bits(s.consts[0])))
		})
		c.pushInt(d)
	case expr.ConstX:
		d := c.newSlot()
		c.emitBody(func(s *state) { s.regs[d].i = addI(xvec, splatI(int32(s.x))) })
		c.pushInt(d)
	case expr.ConstY:
		d := c.newSlot()
		c.emitBody(func(s *state) { s.regs[d].i = splatI(int32(s.y)) })
		c.pushInt(d)
	case expr.ConstWidth:
		d := c.newSlot()
		c.emitSetup(func(s *state) { s.regs[d].i = splatI(int32(s.width)) })
		c.pushInt(d)
	case expr.ConstHeight:
		d := c.newSlot()
		c.emitSetup(func(s *state) { s.regs[d].i = splatI(int32(s.height)) })
		c.pushInt(d)
	default:
		d := c.newSlot()
		idx := int(op.ImmI()) + expr.ConstsBias
		c.emitSetup(func(s *state) { s.regs[d].f = splatF(s.consts[idx]) })
		c.pushFloat(d)
	}
}
