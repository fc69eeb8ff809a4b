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

package filter

import (
	"fmt"
	"math"

	"github.com/mirrorlake/vexpr/vm"
)

// maxInputs is the number of clips addressable by the expression
// language: x, y, z, a..w plus srcN up to 26.
const maxInputs = 26

// maxPlanes is the plane count the filters handle.
const maxPlanes = 3

type planeOp uint8

const (
	poProcess planeOp = iota
	poCopy
	poUndefined
)

// ExprOptions are the optional arguments of the Expr filter.
type ExprOptions struct {
	// Format overrides the output sample format; plane count and
	// subsampling are taken from the inputs.
	Format *Format
	// Opt is the option mask; bit 0 allows integer codegen.
	Opt int
	// Boundary selects the default edge handling for relative pixel
	// access: 0 clamps, 1 mirrors.
	Boundary int
}

// Expr evaluates one expression per output pixel across up to 26
// input clips. Planes with an empty expression are copied from the
// first clip when the formats agree, and left undefined otherwise.
type Expr struct {
	// VI is the output clip description.
	VI VideoInfo

	numInputs int
	plane     [maxPlanes]planeOp
	routines  [maxPlanes]*vm.Routine
}

// NewExpr validates the inputs and compiles one routine per plane.
func NewExpr(inputs []VideoInfo, exprs []string, opts ExprOptions) (*Expr, error) {
	e, err := newExpr(inputs, exprs, opts)
	if err != nil {
		return nil, fmt.Errorf("Expr: %w", err)
	}
	return e, nil
}

func newExpr(inputs []VideoInfo, exprs []string, opts ExprOptions) (*Expr, error) {
	if err := checkInputs(inputs); err != nil {
		return nil, err
	}
	if len(inputs) > maxInputs {
		return nil, fmt.Errorf("%w: no more than %d input clips allowed", ErrFormatMismatch, maxInputs)
	}

	e := &Expr{VI: inputs[0], numInputs: len(inputs)}
	if opts.Format != nil {
		if opts.Format.NumPlanes != e.VI.Format.NumPlanes {
			return nil, fmt.Errorf("%w: the number of planes in the inputs and output must match", ErrFormatMismatch)
		}
		if !opts.Format.sampleSupported() {
			return nil, fmt.Errorf("%w: output must be 8-16/32 bit integer or 16/32 bit float format", ErrFormatMismatch)
		}
		f := e.VI.Format
		f.Name = opts.Format.Name
		f.Float = opts.Format.Float
		f.BitsPerSample = opts.Format.BitsPerSample
		e.VI.Format = f
	}

	numPlanes := e.VI.Format.NumPlanes
	if len(exprs) > numPlanes {
		return nil, fmt.Errorf("more expressions given than there are planes")
	}
	if len(exprs) == 0 {
		return nil, fmt.Errorf("no expressions given")
	}
	var plane [maxPlanes]string
	for i := 0; i < numPlanes; i++ {
		if i < len(exprs) {
			plane[i] = exprs[i]
		} else {
			plane[i] = exprs[len(exprs)-1]
		}
	}

	inFormats := make([]vm.SampleFormat, len(inputs))
	for i := range inputs {
		inFormats[i] = inputs[i].Format.Sample()
	}
	vmOpts := vm.Options{Opt: opts.Opt, Mirror: opts.Boundary != 0}

	for i := 0; i < numPlanes; i++ {
		if plane[i] == "" {
			in := &inputs[0].Format
			if e.VI.Format.BitsPerSample == in.BitsPerSample && e.VI.Format.Float == in.Float {
				e.plane[i] = poCopy
			} else {
				e.plane[i] = poUndefined
			}
			continue
		}
		e.plane[i] = poProcess
		r, err := vm.CompileCached(plane[i], e.numInputs, e.VI.Format.Sample(), inFormats, vmOpts)
		if err != nil {
			return nil, err
		}
		e.routines[i] = r
	}
	return e, nil
}

// GetFrame produces output frame n from the matching source frames.
// Called concurrently by the host for different frames.
func (e *Expr) GetFrame(n int, src []Frame, host Host) (WritableFrame, error) {
	if len(src) != e.numInputs {
		return nil, fmt.Errorf("Expr: got %d source frames, want %d", len(src), e.numInputs)
	}
	numPlanes := e.VI.Format.NumPlanes

	copySrc := make([]Frame, numPlanes)
	for p := 0; p < numPlanes; p++ {
		if e.plane[p] == poCopy {
			copySrc[p] = src[0]
		}
	}
	dst, err := host.NewVideoFrame(&e.VI.Format, e.VI.Width, e.VI.Height, copySrc, src[0])
	if err != nil {
		return nil, err
	}

	rw := make([][]byte, e.numInputs+1)
	strides := make([]int, e.numInputs+1)
	for p := 0; p < numPlanes; p++ {
		if e.plane[p] != poProcess {
			continue
		}
		r := e.routines[p]

		rw[0] = dst.WritablePlane(p)
		strides[0] = dst.Stride(p)
		for i := 0; i < e.numInputs; i++ {
			rw[i+1] = src[i].Plane(p)
			strides[i+1] = src[i].Stride(p)
		}

		consts := make([]float32, 1, 1+len(r.PropAccess))
		consts[0] = vm.FrameConst(n)
		for _, pa := range r.PropAccess {
			v, ok := propScalar(src[pa.Clip].Props(), pa.Name)
			if !ok {
				v = float32(math.NaN())
			}
			consts = append(consts, v)
		}

		w, h := e.VI.PlaneDims(p)
		r.Process(rw, strides, consts, w, h)
	}
	return dst, nil
}
