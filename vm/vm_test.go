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
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"golang.org/x/crypto/blake2b"

	"github.com/mirrorlake/vexpr/expr"
	"github.com/mirrorlake/vexpr/ints"
)

var (
	fmtU8  = SampleFormat{Float: false, Bits: 8, Bytes: 1}
	fmtU16 = SampleFormat{Float: false, Bits: 16, Bytes: 2}
	fmtI32 = SampleFormat{Float: false, Bits: 32, Bytes: 4}
	fmtF16 = SampleFormat{Float: true, Bits: 16, Bytes: 2}
	fmtF32 = SampleFormat{Float: true, Bits: 32, Bytes: 4}
)

// newPlane allocates a plane honouring the host alignment guarantee:
// 32-byte aligned strides with enough row-end padding for full-width
// vector access.
func newPlane(f SampleFormat, w, h int) ([]byte, int) {
	stride := ints.AlignUp(w*f.Bytes, 32) + 32
	return make([]byte, stride*h), stride
}

func putSample(f SampleFormat, row []byte, x int, v float64) {
	switch {
	case !f.Float && f.Bytes == 1:
		row[x] = byte(int(v))
	case !f.Float && f.Bytes == 2:
		binary.LittleEndian.PutUint16(row[2*x:], uint16(int(v)))
	case !f.Float && f.Bytes == 4:
		binary.LittleEndian.PutUint32(row[4*x:], uint32(int32(v)))
	case f.Float && f.Bytes == 2:
		binary.LittleEndian.PutUint16(row[2*x:], uint16(f32to16(splatF(float32(v)))[0]))
	default:
		binary.LittleEndian.PutUint32(row[4*x:], math.Float32bits(float32(v)))
	}
}

func getSample(f SampleFormat, row []byte, x int) float32 {
	switch {
	case !f.Float && f.Bytes == 1:
		return float32(row[x])
	case !f.Float && f.Bytes == 2:
		return float32(binary.LittleEndian.Uint16(row[2*x:]))
	case !f.Float && f.Bytes == 4:
		return float32(int32(binary.LittleEndian.Uint32(row[4*x:])))
	case f.Float && f.Bytes == 2:
		return f16to32(splatI(int32(binary.LittleEndian.Uint16(row[2*x:]))))[0]
	default:
		return math.Float32frombits(binary.LittleEndian.Uint32(row[4*x:]))
	}
}

// makeInput fills a plane from a value function.
func makeInput(f SampleFormat, w, h int, val func(x, y int) float64) ([]byte, int) {
	data, stride := newPlane(f, w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			putSample(f, data[y*stride:], x, val(x, y))
		}
	}
	return data, stride
}

// runExpr compiles and runs an expression over the given input planes
// and returns the output plane.
func runExpr(t *testing.T, src string, n int, out SampleFormat, in []SampleFormat,
	planes [][]byte, strides []int, w, h int, opts Options) ([]byte, int) {
	t.Helper()
	r, err := Compile(src, len(in), out, in, opts)
	if err != nil {
		t.Fatalf("compile %q: %v", src, err)
	}
	dst, dstride := newPlane(out, w, h)
	rw := append([][]byte{dst}, planes...)
	allStrides := append([]int{dstride}, strides...)
	r.Process(rw, allStrides, []float32{FrameConst(n)}, w, h)
	return dst, dstride
}

func u8Row(vals ...float64) (SampleFormat, []byte, int) {
	data, stride := makeInput(fmtU8, len(vals), 1, func(x, y int) float64 { return vals[x] })
	return fmtU8, data, stride
}

func TestScenarios(t *testing.T) {
	cases := []struct {
		name string
		in   [][]float64 // one row per clip, 4x1 u8
		src  string
		want []float64
	}{
		{"square", [][]float64{{1, 2, 3, 4}}, "x x *", []float64{1, 4, 9, 16}},
		{"sub", [][]float64{{10, 20, 30, 40}, {1, 2, 3, 4}}, "x y -", []float64{9, 18, 27, 36}},
		{"shift-clamp", [][]float64{{1, 2, 3, 4}}, "x[-1,0]:c", []float64{1, 1, 2, 3}},
		{"shift-mirror", [][]float64{{1, 2, 3, 4}}, "x[-1,0]:m", []float64{1, 1, 2, 3}},
		{"sort8", [][]float64{{1, 2, 3, 4}}, "3 7 1 2 0 4 6 5 sort8 drop7", []float64{7, 7, 7, 7}},
		{"pow-const", [][]float64{{5, 5, 5, 5}}, "x 2 **", []float64{25, 25, 25, 25}},
	}
	for _, opt := range []int{0, FlagUseInteger} {
		for _, c := range cases {
			t.Run(fmt.Sprintf("%s/opt%d", c.name, opt), func(t *testing.T) {
				var fmts []SampleFormat
				var planes [][]byte
				var strides []int
				for _, row := range c.in {
					f, data, stride := u8Row(row...)
					fmts = append(fmts, f)
					planes = append(planes, data)
					strides = append(strides, stride)
				}
				w := len(c.in[0])
				out, ostride := runExpr(t, c.src, 0, fmtU8, fmts, planes, strides, w, 1, Options{Opt: opt})
				for x := 0; x < w; x++ {
					if got := float64(out[x]); got != c.want[x] {
						t.Errorf("pixel %d: got %v, want %v (stride %d)", x, got, c.want[x], ostride)
					}
				}
			})
		}
	}
}

func TestCompileErrors(t *testing.T) {
	in := []SampleFormat{fmtU8}
	check := func(src string, want error) {
		t.Helper()
		_, err := Compile(src, 1, fmtU8, in, Options{})
		if !errors.Is(err, want) {
			t.Errorf("%q: got %v, want %v", src, err, want)
		}
	}
	check("", expr.ErrEmptyExpression)
	check("x x", expr.ErrStackUnconsumed)
	check("x +", expr.ErrStackUnderflow)
	check("y", expr.ErrUndefinedClip)
	check("y.Prop x +", expr.ErrUndefinedClip)
	check("v@", expr.ErrUninitializedVar)
	check("x dup1 +", expr.ErrStackUnderflow)
	check("bogus", expr.ErrInvalidToken)
	check("x x argmin2", expr.ErrInvalidToken)
}

// refBoundary is the scalar reference lookup for a relative access.
func refBoundary(x, y, dx, dy, w, h int, mirror bool) (int, int) {
	if !mirror {
		return ints.Clamp(x+dx, 0, w-1), ints.Clamp(y+dy, 0, h-1)
	}
	sx := x + ints.Clamp(dx, -w, w)
	sy := y + ints.Clamp(dy, -h, h)
	return ints.Clamp(ints.Mirror(sx, w), 0, w-1), ints.Mirror(sy, h)
}

func TestBoundaryCorrectness(t *testing.T) {
	const w, h = 21, 5
	val := func(x, y int) float64 { return float64((x*7 + y*13) % 251) }
	data, stride := makeInput(fmtU8, w, h, val)

	for _, mirror := range []bool{false, true} {
		suffix := ":c"
		if mirror {
			suffix = ":m"
		}
		for _, dx := range []int{-9, -8, -7, -3, -1, 0, 1, 3, 7, 8, 9} {
			for _, dy := range []int{-6, -2, -1, 0, 1, 2, 6} {
				src := fmt.Sprintf("x[%d,%d]%s", dx, dy, suffix)
				out, ostride := runExpr(t, src, 0, fmtU8, []SampleFormat{fmtU8},
					[][]byte{data}, []int{stride}, w, h, Options{Opt: FlagUseInteger})
				for y := 0; y < h; y++ {
					for x := 0; x < w; x++ {
						px, py := refBoundary(x, y, dx, dy, w, h, mirror)
						want := byte(int(val(px, py)))
						if got := out[y*ostride+x]; got != want {
							t.Fatalf("%s at (%d,%d): got %d, want %d", src, x, y, got, want)
						}
					}
				}
			}
		}
	}
}

func TestAbsoluteAccess(t *testing.T) {
	const w, h = 12, 4
	val := func(x, y int) float64 { return float64(x + 16*y) }
	data, stride := makeInput(fmtU8, w, h, val)

	// reading at (X, Y) reproduces the plane
	out, ostride := runExpr(t, "X Y x[]", 0, fmtU8, []SampleFormat{fmtU8},
		[][]byte{data}, []int{stride}, w, h, Options{Opt: FlagUseInteger})
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if got, want := out[y*ostride+x], byte(x+16*y); got != want {
				t.Fatalf("at (%d,%d): got %d, want %d", x, y, got, want)
			}
		}
	}

	// out-of-plane coordinates clamp
	out, ostride = runExpr(t, "X 100 + Y 100 + x[]", 0, fmtU8, []SampleFormat{fmtU8},
		[][]byte{data}, []int{stride}, w, h, Options{Opt: FlagUseInteger})
	want := byte(val(w-1, h-1))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if got := out[y*ostride+x]; got != want {
				t.Fatalf("at (%d,%d): got %d, want %d", x, y, got, want)
			}
		}
	}
}

// planePixelGet builds the interpreter-side pixel resolver matching
// the compiled boundary semantics.
func planePixelGet(fmts []SampleFormat, planes [][]byte, strides []int, w, h int) expr.PixelGet {
	return func(op expr.Op, y, x int) (float32, error) {
		clip := int(op.ImmI())
		var px, py int
		if op.Type == expr.OpMemLoadVar {
			px = ints.Clamp(x, 0, w-1)
			py = ints.Clamp(y, 0, h-1)
		} else {
			px, py = refBoundary(x, y, op.Dx, op.Dy, w, h, op.BC == expr.BCMirrored)
		}
		return getSample(fmts[clip], planes[clip][py*strides[clip]:], px), nil
	}
}

// storeConvert applies the output-format conversion of the compiled
// store path to a scalar result.
func storeConvert(f SampleFormat, v float32) float32 {
	if f.Float {
		if f.Bytes == 2 {
			return f16to32(f32to16(splatF(v)))[0]
		}
		return v
	}
	if f.Bits < 32 {
		maxval := float32(int32(1)<<uint(f.Bits) - 1)
		if v < 0 {
			v = 0
		}
		if v > maxval {
			v = maxval
		}
	}
	return float32(int32(math.RoundToEven(float64(v))))
}

func TestInterpreterAgreement(t *testing.T) {
	const w, h, n = 19, 6, 5
	vals := []func(x, y int) float64{
		func(x, y int) float64 { return float64((x*31 + y*17) % 256) },
		func(x, y int) float64 { return float64((x*13 + y*41 + 7) % 256) },
		func(x, y int) float64 { return float64((x * y) % 256) },
	}
	fmts := []SampleFormat{fmtU8, fmtU8, fmtU8}
	var planes [][]byte
	var strides []int
	for i := range fmts {
		data, stride := makeInput(fmts[i], w, h, vals[i])
		planes = append(planes, data)
		strides = append(strides, stride)
	}
	pixelGet := planePixelGet(fmts, planes, strides, w, h)
	noProp := func(idx int, name string) (float32, error) {
		return 0, fmt.Errorf("no properties here")
	}

	exprs := []string{
		"x y + z + 3 /",
		"x[-1,0] x[1,0] + x[0,-1]:m + x[0,1]:m + 4 /",
		"x 128 > y z ?",
		"x y max z min 2 *",
		"X 3 % Y 2 % + x +",
		"x sqrt y sqrt + 4 *",
		"x t! y u! t@ u@ max t@ u@ min - abs",
		"x y z sort3 drop2",
		"width height + x + 255 min",
		"N 10 * x + 255 min",
		"X 2 - Y x[]",
		"x 15 bitand y 240 bitor bitxor",
		"x y < x y >= xor 100 *",
		"x 0.5 + floor",
		"x 3 7 clamp y 1 and +",
	}
	for _, src := range exprs {
		// force-float codegen: bit-exact agreement with the interpreter
		out, ostride := runExpr(t, src, n, fmtU8, fmts, planes, strides, w, h, Options{Opt: 0})
		ops, err := expr.Decode(src, false, expr.BCClamped)
		if err != nil {
			t.Fatalf("%q: %v", src, err)
		}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				ref, err := expr.Interpret(ops, n, w, h, y, x, pixelGet, noProp)
				if err != nil {
					t.Fatalf("%q at (%d,%d): %v", src, x, y, err)
				}
				want := byte(storeConvert(fmtU8, ref))
				if got := out[y*ostride+x]; got != want {
					t.Fatalf("%q at (%d,%d): got %d, want %d", src, x, y, got, want)
				}
			}
		}
	}
}

func TestIntegerOutputRounding(t *testing.T) {
	// halves round to even on integer stores
	f, data, stride := u8Row(1, 3, 5, 254)
	out, _ := runExpr(t, "x 2 /", 0, fmtU8, []SampleFormat{f},
		[][]byte{data}, []int{stride}, 4, 1, Options{})
	want := []byte{0, 2, 2, 127}
	for x, wb := range want {
		if out[x] != wb {
			t.Errorf("pixel %d: got %d, want %d", x, out[x], wb)
		}
	}
	// overflow clamps to the format maximum, negatives to zero
	out, _ = runExpr(t, "x 100 *", 0, fmtU8, []SampleFormat{f},
		[][]byte{data}, []int{stride}, 4, 1, Options{})
	if out[3] != 255 {
		t.Errorf("overflow: got %d, want 255", out[3])
	}
	out, _ = runExpr(t, "0 x -", 0, fmtU8, []SampleFormat{f},
		[][]byte{data}, []int{stride}, 4, 1, Options{})
	if out[0] != 0 {
		t.Errorf("negative: got %d, want 0", out[0])
	}
}

func TestWideFormats(t *testing.T) {
	const w, h = 9, 2
	// u16 in, u16 out
	data, stride := makeInput(fmtU16, w, h, func(x, y int) float64 { return float64(1000*x + y) })
	out, ostride := runExpr(t, "x 2 *", 0, fmtU16, []SampleFormat{fmtU16},
		[][]byte{data}, []int{stride}, w, h, Options{Opt: FlagUseInteger})
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			got := binary.LittleEndian.Uint16(out[y*ostride+2*x:])
			if want := uint16(2 * (1000*x + y)); got != want {
				t.Fatalf("u16 (%d,%d): got %d, want %d", x, y, got, want)
			}
		}
	}

	// i32 in, i32 out, negative values pass through unclamped
	data, stride = makeInput(fmtI32, w, h, func(x, y int) float64 { return float64(x - 4) })
	out, ostride = runExpr(t, "x 1 +", 0, fmtI32, []SampleFormat{fmtI32},
		[][]byte{data}, []int{stride}, w, h, Options{Opt: FlagUseInteger})
	for x := 0; x < w; x++ {
		got := int32(binary.LittleEndian.Uint32(out[:4*w][4*x:]))
		if want := int32(x - 4 + 1); got != want {
			t.Fatalf("i32 %d: got %d, want %d", x, got, want)
		}
	}

	// f32 in, f32 out
	dataf, stridef := makeInput(fmtF32, w, h, func(x, y int) float64 { return float64(x) / 4 })
	out, ostride = runExpr(t, "x 0.25 +", 0, fmtF32, []SampleFormat{fmtF32},
		[][]byte{dataf}, []int{stridef}, w, h, Options{})
	for x := 0; x < w; x++ {
		got := math.Float32frombits(binary.LittleEndian.Uint32(out[4*x:]))
		if want := float32(x)/4 + 0.25; got != want {
			t.Fatalf("f32 %d: got %v, want %v", x, got, want)
		}
	}

	// f16 in, f16 out
	datah, strideh := makeInput(fmtF16, w, h, func(x, y int) float64 { return float64(x) / 2 })
	out, ostride = runExpr(t, "x 2 *", 0, fmtF16, []SampleFormat{fmtF16},
		[][]byte{datah}, []int{strideh}, w, h, Options{})
	for x := 0; x < w; x++ {
		got := f16to32(splatI(int32(binary.LittleEndian.Uint16(out[2*x:]))))[0]
		if want := float32(x); got != want {
			t.Fatalf("f16 %d: got %v, want %v", x, got, want)
		}
	}
}

func TestFrameProperties(t *testing.T) {
	f, data, stride := u8Row(1, 2, 3, 4)
	r, err := Compile("x x._Gain *", 1, fmtU8, []SampleFormat{f}, Options{Opt: FlagUseInteger})
	if err != nil {
		t.Fatal(err)
	}
	if len(r.PropAccess) != 1 || r.PropAccess[0] != (expr.PropAccess{Clip: 0, Name: "_Gain"}) {
		t.Fatalf("prop access: %+v", r.PropAccess)
	}
	dst, dstride := newPlane(fmtU8, 4, 1)
	r.Process([][]byte{dst, data}, []int{dstride, stride}, []float32{FrameConst(0), 3}, 4, 1)
	want := []byte{3, 6, 9, 12}
	for x := range want {
		if dst[x] != want[x] {
			t.Errorf("pixel %d: got %d, want %d", x, dst[x], want[x])
		}
	}
}

func TestCacheIdentity(t *testing.T) {
	in := []SampleFormat{fmtU8}
	r1, err := CompileCached("x 1 +", 1, fmtU8, in, Options{})
	if err != nil {
		t.Fatal(err)
	}
	r2, err := CompileCached("x 1 +", 1, fmtU8, in, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if r1 != r2 {
		t.Error("identical fingerprints must share one routine")
	}
	if r1.Fingerprint == "" {
		t.Error("cached routines carry a fingerprint")
	}
	r3, err := CompileCached("x 1 +", 1, fmtU8, in, Options{Opt: FlagUseInteger})
	if err != nil {
		t.Fatal(err)
	}
	if r1 == r3 {
		t.Error("different option masks must compile separately")
	}
	r4, err := CompileCached("x 1 +", 1, fmtU16, in, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if r1 == r4 || r3 == r4 {
		t.Error("different output formats must compile separately")
	}
}

func TestDeterminismParallel(t *testing.T) {
	const w, h = 33, 9
	data, stride := makeInput(fmtU8, w, h, func(x, y int) float64 { return float64((x*x + y) % 256) })
	r, err := Compile("x 0.5 * x[-2,1] sqrt + x[3,-1]:m exp 0.01 * +", 1, fmtF32,
		[]SampleFormat{fmtU8}, Options{})
	if err != nil {
		t.Fatal(err)
	}

	digest := func(out []byte) [32]byte {
		return blake2b.Sum256(out)
	}

	const workers = 8
	var wg sync.WaitGroup
	digests := make([][32]byte, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dst, dstride := newPlane(fmtF32, w, h)
			r.Process([][]byte{dst, data}, []int{dstride, stride}, []float32{FrameConst(7)}, w, h)
			digests[i] = digest(dst)
		}(i)
	}
	wg.Wait()
	for i := 1; i < workers; i++ {
		if digests[i] != digests[0] {
			t.Fatalf("invocation %d produced a different plane digest", i)
		}
	}
}
