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

	"github.com/mirrorlake/vexpr/ints"
)

// planeAlignment is the minimum stride alignment and row-end padding
// of allocated planes, matching the guarantee the core relies on.
const planeAlignment = 32

// MemProps is a map-backed property set.
type MemProps map[string]interface{}

func (p MemProps) Int(name string) (int64, error) {
	v, ok := p[name]
	if !ok {
		return 0, fmt.Errorf("%q: %w", name, ErrPropUnset)
	}
	i, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("%q: %w", name, ErrPropType)
	}
	return i, nil
}

func (p MemProps) Float(name string) (float64, error) {
	v, ok := p[name]
	if !ok {
		return 0, fmt.Errorf("%q: %w", name, ErrPropUnset)
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("%q: %w", name, ErrPropType)
	}
	return f, nil
}

func (p MemProps) Data(name string) ([]byte, error) {
	v, ok := p[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrPropUnset)
	}
	d, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrPropType)
	}
	return d, nil
}

func (p MemProps) SetInt(name string, v int64)     { p[name] = v }
func (p MemProps) SetFloat(name string, v float64) { p[name] = v }
func (p MemProps) Delete(name string)              { delete(p, name) }

// MemFrame is an in-memory frame honouring the plane padding
// guarantee. It backs the filter tests and small standalone uses.
type MemFrame struct {
	format  *Format
	width   int
	height  int
	planes  [][]byte
	strides []int
	props   MemProps
}

// NewMemFrame allocates a zeroed frame of the given format.
func NewMemFrame(f *Format, width, height int) *MemFrame {
	fr := &MemFrame{
		format: f,
		width:  width,
		height: height,
		props:  make(MemProps),
	}
	bytes := f.BytesPerSample()
	for p := 0; p < f.NumPlanes; p++ {
		w, h := width, height
		if p > 0 {
			w >>= f.SubSamplingW
			h >>= f.SubSamplingH
		}
		stride := ints.AlignUp(w*bytes, planeAlignment) + planeAlignment
		fr.planes = append(fr.planes, make([]byte, stride*h))
		fr.strides = append(fr.strides, stride)
	}
	return fr
}

func (f *MemFrame) Plane(i int) []byte         { return f.planes[i] }
func (f *MemFrame) WritablePlane(i int) []byte { return f.planes[i] }
func (f *MemFrame) Stride(i int) int           { return f.strides[i] }
func (f *MemFrame) Props() Props               { return f.props }
func (f *MemFrame) RWProps() PropsRW           { return f.props }

// Format returns the frame's video format.
func (f *MemFrame) Format() *Format { return f.format }

// MemHost allocates MemFrames.
type MemHost struct{}

func (MemHost) NewVideoFrame(f *Format, width, height int, copySrc []Frame, propSrc Frame) (WritableFrame, error) {
	fr := NewMemFrame(f, width, height)
	for p := 0; p < f.NumPlanes && p < len(copySrc); p++ {
		src := copySrc[p]
		if src == nil {
			continue
		}
		w, h := width, height
		if p > 0 {
			w >>= f.SubSamplingW
			h >>= f.SubSamplingH
		}
		rowBytes := w * f.BytesPerSample()
		for y := 0; y < h; y++ {
			copy(fr.planes[p][y*fr.strides[p]:y*fr.strides[p]+rowBytes],
				src.Plane(p)[y*src.Stride(p):])
		}
	}
	if propSrc != nil {
		if mp, ok := propSrc.Props().(MemProps); ok {
			for k, v := range mp {
				fr.props[k] = v
			}
		}
	}
	return fr, nil
}
