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

// Package filter implements the three host filters built on the
// expression core: Expr (per-pixel), Select (per-frame plane
// selection) and PropExpr (per-frame property rewriting). The host
// frame API is consumed through the small interfaces in this file.
package filter

import (
	"errors"
	"fmt"

	"github.com/mirrorlake/vexpr/vm"
)

// Format describes a video format: sample storage plus plane layout.
type Format struct {
	// Name is the host's descriptor for the format, e.g. "GRAY8".
	Name string

	Float         bool
	BitsPerSample int

	NumPlanes    int
	SubSamplingW int
	SubSamplingH int
}

// BytesPerSample derives the storage width of one sample.
func (f *Format) BytesPerSample() int {
	switch {
	case f.BitsPerSample <= 8:
		return 1
	case f.BitsPerSample <= 16:
		return 2
	default:
		return 4
	}
}

// Sample returns the per-plane sample format consumed by the compiler.
func (f *Format) Sample() vm.SampleFormat {
	return vm.SampleFormat{Float: f.Float, Bits: f.BitsPerSample, Bytes: f.BytesPerSample()}
}

// sampleSupported reports whether the sample format is in the
// supported set: 8-16/32-bit integer or 16/32-bit float.
func (f *Format) sampleSupported() bool {
	if f.Float {
		return f.BitsPerSample == 16 || f.BitsPerSample == 32
	}
	return (f.BitsPerSample >= 8 && f.BitsPerSample <= 16) || f.BitsPerSample == 32
}

// VideoInfo is the constant description of one clip.
type VideoInfo struct {
	Format    Format
	Width     int
	Height    int
	NumFrames int
}

// PlaneDims returns the dimensions of one plane, accounting for
// chroma subsampling.
func (vi *VideoInfo) PlaneDims(plane int) (w, h int) {
	w, h = vi.Width, vi.Height
	if plane > 0 {
		w >>= vi.Format.SubSamplingW
		h >>= vi.Format.SubSamplingH
	}
	return w, h
}

// Property access errors the host's Props implementation reports.
var (
	// ErrPropUnset means the frame carries no property of that name.
	ErrPropUnset = errors.New("no such property")
	// ErrPropType means the property exists with a different type.
	ErrPropType = errors.New("wrong property type")
)

// Props reads the per-frame metadata of a frame.
type Props interface {
	Int(name string) (int64, error)
	Float(name string) (float64, error)
	Data(name string) ([]byte, error)
}

// PropsRW extends Props with mutation, for output frames.
type PropsRW interface {
	Props
	SetInt(name string, v int64)
	SetFloat(name string, v float64)
	Delete(name string)
}

// Frame is one read-only video frame. Plane buffers must satisfy the
// core padding guarantee: at least 32-byte stride alignment and
// enough row-end padding that Lanes-wide loads at any x in
// [0, width) stay in bounds.
type Frame interface {
	Plane(i int) []byte
	Stride(i int) int
	Props() Props
}

// WritableFrame is a frame under construction.
type WritableFrame interface {
	Frame
	WritablePlane(i int) []byte
	RWProps() PropsRW
}

// Host allocates output frames. copySrc[p], when non-nil, supplies
// the initial contents of plane p; propSrc seeds the new frame's
// properties.
type Host interface {
	NewVideoFrame(f *Format, width, height int, copySrc []Frame, propSrc Frame) (WritableFrame, error)
}

// ErrFormatMismatch covers all clip format validation failures.
var ErrFormatMismatch = errors.New("format mismatch")

// checkInputs validates that every input matches the first in plane
// count, subsampling and dimensions, and uses a supported sample
// format.
func checkInputs(inputs []VideoInfo) error {
	if len(inputs) == 0 {
		return fmt.Errorf("%w: at least one input clip required", ErrFormatMismatch)
	}
	first := &inputs[0]
	for i := range inputs {
		vi := &inputs[i]
		if vi.Format.NumPlanes != first.Format.NumPlanes ||
			vi.Format.SubSamplingW != first.Format.SubSamplingW ||
			vi.Format.SubSamplingH != first.Format.SubSamplingH ||
			vi.Width != first.Width || vi.Height != first.Height {
			return fmt.Errorf("%w: all inputs must have the same number of planes and the same dimensions, subsampling included", ErrFormatMismatch)
		}
		if !vi.Format.sampleSupported() {
			return fmt.Errorf("%w: input clips must be 8-16/32 bit integer or 16/32 bit float format", ErrFormatMismatch)
		}
	}
	return nil
}

// propScalar resolves a property to its scalar value: integer first,
// then float, then the first byte of a data property. The boolean is
// false when the property is absent.
func propScalar(p Props, name string) (float32, bool) {
	if v, err := p.Int(name); err == nil {
		return float32(v), true
	} else if !errors.Is(err, ErrPropType) {
		return 0, false
	}
	if v, err := p.Float(name); err == nil {
		return float32(v), true
	} else if !errors.Is(err, ErrPropType) {
		return 0, false
	}
	if d, err := p.Data(name); err == nil {
		if len(d) == 0 {
			return 0, true
		}
		return float32(d[0]), true
	}
	return 0, false
}
