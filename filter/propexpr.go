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
	"strconv"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/mirrorlake/vexpr/expr"
)

// PropExpr rewrites frame properties: for every frame, each dict
// entry is evaluated on the interpreter and written back as an
// integer when the result equals its truncation, as a float
// otherwise. An empty expression deletes the property. Dict values
// may be expression strings, numeric literals, or arrays thereof
// (frame n uses entry n modulo the array length).
type PropExpr struct {
	// VI is the output clip description (that of the first input).
	VI VideoInfo

	numInputs int
	entries   []propEntry
}

type propEntry struct {
	name string
	ops  [][]expr.Op // an empty element deletes the property
}

// NewPropExpr validates the dict and decodes every expression.
func NewPropExpr(inputs []VideoInfo, dict map[string]interface{}) (*PropExpr, error) {
	p, err := newPropExpr(inputs, dict)
	if err != nil {
		return nil, fmt.Errorf("PropExpr: %w", err)
	}
	return p, nil
}

// dictExprs normalises one dict value into expression strings.
func dictExprs(key string, v interface{}) ([]string, error) {
	switch x := v.(type) {
	case string:
		return []string{x}, nil
	case []string:
		return x, nil
	case int:
		return []string{strconv.Itoa(x)}, nil
	case int64:
		return []string{strconv.FormatInt(x, 10)}, nil
	case []int64:
		out := make([]string, len(x))
		for i, n := range x {
			out[i] = strconv.FormatInt(n, 10)
		}
		return out, nil
	case float64:
		return []string{strconv.FormatFloat(x, 'g', -1, 64)}, nil
	case []float64:
		out := make([]string, len(x))
		for i, f := range x {
			out[i] = strconv.FormatFloat(f, 'g', -1, 64)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("invalid type for key %s, only int/float/str are supported", key)
	}
}

func newPropExpr(inputs []VideoInfo, dict map[string]interface{}) (*PropExpr, error) {
	if err := checkInputs(inputs); err != nil {
		return nil, err
	}
	p := &PropExpr{VI: inputs[0], numInputs: len(inputs)}

	keys := maps.Keys(dict)
	slices.Sort(keys)
	for _, key := range keys {
		exprs, err := dictExprs(key, dict[key])
		if err != nil {
			return nil, err
		}
		if len(exprs) == 0 {
			continue
		}
		entry := propEntry{name: key, ops: make([][]expr.Op, len(exprs))}
		for i, src := range exprs {
			if src == "" {
				continue
			}
			ops, err := expr.Decode(src, true, expr.BCUnspecified)
			if err != nil {
				return nil, err
			}
			numInputs := p.numInputs
			_, err = expr.Interpret(ops, 0, p.VI.Width, p.VI.Height, -1, -1,
				func(op expr.Op, y, x int) (float32, error) {
					return 0, fmt.Errorf("%s: unable to use pixel values in PropExpr", key)
				},
				func(index int, name string) (float32, error) {
					if index >= numInputs {
						return 0, fmt.Errorf("%s: property access clip out of range", key)
					}
					return 0, nil
				})
			if err != nil {
				return nil, err
			}
			entry.ops[i] = ops
		}
		p.entries = append(p.entries, entry)
	}
	return p, nil
}

// GetFrame produces frame n: the first input's frame with rewritten
// properties.
func (p *PropExpr) GetFrame(n int, src []Frame, host Host) (WritableFrame, error) {
	if len(src) != p.numInputs {
		return nil, fmt.Errorf("PropExpr: got %d source frames, want %d", len(src), p.numInputs)
	}
	numPlanes := p.VI.Format.NumPlanes
	copySrc := make([]Frame, numPlanes)
	for i := range copySrc {
		copySrc[i] = src[0]
	}
	dst, err := host.NewVideoFrame(&p.VI.Format, p.VI.Width, p.VI.Height, copySrc, src[0])
	if err != nil {
		return nil, err
	}

	propGet := framePropGet(src)

	// evaluate everything against the input properties first, then
	// update, so entries never observe each other's writes
	vals := make([]float32, len(p.entries))
	for i := range p.entries {
		ops := p.entries[i].ops[n%len(p.entries[i].ops)]
		x, err := expr.Interpret(ops, n, p.VI.Width, p.VI.Height, -1, -1,
			func(op expr.Op, y, x int) (float32, error) {
				return 0, nil
			}, propGet)
		if err != nil {
			x = 0
		}
		vals[i] = x
	}

	rw := dst.RWProps()
	for i := range p.entries {
		name := p.entries[i].name
		ops := p.entries[i].ops[n%len(p.entries[i].ops)]
		rw.Delete(name)
		if len(ops) == 0 {
			continue
		}
		v := float64(vals[i])
		if v == math.Trunc(v) && v >= -(1<<63) && v < (1<<63) {
			rw.SetInt(name, int64(v))
		} else {
			rw.SetFloat(name, v)
		}
	}
	return dst, nil
}
