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

	"github.com/mirrorlake/vexpr/expr"
	"github.com/mirrorlake/vexpr/ints"
)

// Select evaluates one expression per frame per plane to pick which
// source clip supplies that output plane. Expressions run on the
// interpreter, read properties from the prop-source clips, and must
// not access pixels.
type Select struct {
	// VI is the output clip description (that of the sources).
	VI VideoInfo

	numSrc  int
	numProp int
	ops     [maxPlanes][]expr.Op
}

// NewSelect validates the source and property clips and the per-plane
// expressions.
func NewSelect(src []VideoInfo, props []VideoInfo, exprs []string) (*Select, error) {
	s, err := newSelect(src, props, exprs)
	if err != nil {
		return nil, fmt.Errorf("Select: %w", err)
	}
	return s, nil
}

func newSelect(src []VideoInfo, props []VideoInfo, exprs []string) (*Select, error) {
	if err := checkInputs(src); err != nil {
		return nil, err
	}
	first := &src[0]
	for i := range src {
		if src[i].Format != first.Format {
			return nil, fmt.Errorf("%w: all src inputs must have the same format", ErrFormatMismatch)
		}
		if src[i].NumFrames != first.NumFrames {
			return nil, fmt.Errorf("%w: all src inputs must be of the same length", ErrFormatMismatch)
		}
	}

	s := &Select{VI: *first, numSrc: len(src), numProp: len(props)}

	numPlanes := first.Format.NumPlanes
	if len(exprs) > numPlanes {
		return nil, fmt.Errorf("more expressions given than there are planes")
	}
	if len(exprs) == 0 {
		return nil, fmt.Errorf("no expressions given")
	}
	for i := 0; i < numPlanes; i++ {
		es := exprs[len(exprs)-1]
		if i < len(exprs) {
			es = exprs[i]
		}
		ops, err := expr.Decode(es, true, expr.BCUnspecified)
		if err != nil {
			return nil, err
		}
		s.ops[i] = ops

		// dry-run to validate stack discipline and property clips
		numProp := s.numProp
		_, err = expr.Interpret(ops, 0, first.Width, first.Height, -1, -1,
			func(op expr.Op, y, x int) (float32, error) {
				return 0, fmt.Errorf("unable to use pixel values in Select")
			},
			func(index int, name string) (float32, error) {
				if index >= numProp {
					return 0, fmt.Errorf("property access clip out of range")
				}
				return 0, nil
			})
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// framePropGet builds the runtime property resolver over the prop
// frames: missing properties read as 0.
func framePropGet(frames []Frame) expr.PropGet {
	return func(idx int, name string) (float32, error) {
		v, ok := propScalar(frames[idx].Props(), name)
		if !ok {
			return 0, nil
		}
		return v, nil
	}
}

// SelectClips evaluates the plane expressions for frame n and returns
// the chosen source clip per plane, rounded and clamped into
// [0, numSrc). The host requests exactly the distinct clips named
// here before calling GetFrame.
func (s *Select) SelectClips(n int, propFrames []Frame) [maxPlanes]int {
	var sel [maxPlanes]int
	propGet := framePropGet(propFrames)
	for i := 0; i < s.VI.Format.NumPlanes; i++ {
		x, err := expr.Interpret(s.ops[i], n, s.VI.Width, s.VI.Height, -1, -1,
			func(op expr.Op, y, x int) (float32, error) {
				return 0, nil
			}, propGet)
		if err != nil {
			x = 0
		}
		v := int(math.Round(float64(x)))
		sel[i] = ints.Clamp(v, 0, s.numSrc-1)
	}
	return sel
}

// GetFrame assembles output frame n: each plane is copied from the
// selected source clip's frame. srcFrames[i] is frame n of source
// clip i.
func (s *Select) GetFrame(n int, propFrames []Frame, srcFrames []Frame, host Host) (WritableFrame, error) {
	if len(srcFrames) != s.numSrc {
		return nil, fmt.Errorf("Select: got %d source frames, want %d", len(srcFrames), s.numSrc)
	}
	sel := s.SelectClips(n, propFrames)

	numPlanes := s.VI.Format.NumPlanes
	copySrc := make([]Frame, numPlanes)
	for p := 0; p < numPlanes; p++ {
		copySrc[p] = srcFrames[sel[p]]
	}
	return host.NewVideoFrame(&s.VI.Format, s.VI.Width, s.VI.Height, copySrc, srcFrames[sel[0]])
}
