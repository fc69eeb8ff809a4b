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
	"math"
	"testing"
)

// ulpDiff measures the distance between two finite floats in units of
// the last place of the wider one.
func ulpDiff(a, b float32) uint32 {
	ai, bi := int32(math.Float32bits(a)), int32(math.Float32bits(b))
	if ai < 0 {
		ai = math.MinInt32 - ai
	}
	if bi < 0 {
		bi = math.MinInt32 - bi
	}
	d := int64(ai) - int64(bi)
	if d < 0 {
		d = -d
	}
	if d > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(d)
}

// checkULP verifies a vector helper against the reference function
// within maxULP (or a small absolute slack near zeros).
func checkULP(t *testing.T, name string, fn func(FloatV) FloatV, ref func(float64) float64,
	lo, hi, step float64, maxULP uint32) {
	t.Helper()
	for x := lo; x <= hi; x += step {
		xf := float32(x)
		got := fn(splatF(xf))[0]
		want := float32(ref(float64(xf)))
		if got == want {
			continue
		}
		if math.Abs(float64(got-want)) <= 4e-7 {
			continue
		}
		if ulpDiff(got, want) > maxULP {
			t.Fatalf("%s(%g): got %g, want %g (%d ulp)", name, xf, got, want, ulpDiff(got, want))
		}
	}
}

func TestExpULP(t *testing.T) {
	checkULP(t, "exp", vexp, math.Exp, -80, 80, 0.0537, 8)
}

func TestExpClamps(t *testing.T) {
	got := vexp(splatF(1000))[0]
	if math.IsInf(float64(got), 0) || got < 1e38 {
		t.Errorf("exp(1000): got %g, want a large finite value", got)
	}
	if got := vexp(splatF(-1000))[0]; got != 0 && got > 1e-38 {
		t.Errorf("exp(-1000): got %g, want ~0", got)
	}
}

func TestLogULP(t *testing.T) {
	checkULP(t, "log", vlog, math.Log, 1e-6, 1, 1.3e-5, 8)
	checkULP(t, "log", vlog, math.Log, 1, 1e6, 13.7, 8)
}

func TestLogDomain(t *testing.T) {
	for _, x := range []float32{0, -1, -1e20} {
		got := vlog(splatF(x))[0]
		if !math.IsNaN(float64(got)) {
			t.Errorf("log(%g): got %g, want NaN", x, got)
		}
	}
}

func TestSinCosULP(t *testing.T) {
	checkULP(t, "sin", vsin, math.Sin, -40, 40, 0.0173, 8)
	checkULP(t, "cos", vcos, math.Cos, -40, 40, 0.0173, 8)
}

func TestPowByConstant(t *testing.T) {
	cases := []struct {
		base float32
		n    int32
		want float32
	}{
		{2, 10, 1024},
		{3, 0, 1},
		{5, 1, 5},
		{2, -2, 0.25},
		{-2, 3, -8},
	}
	for _, c := range cases {
		if got := powi(splatF(c.base), c.n)[0]; got != c.want {
			t.Errorf("powi(%g, %d): got %g, want %g", c.base, c.n, got, c.want)
		}
	}
}

func TestPowGeneral(t *testing.T) {
	for _, c := range []struct{ x, y float64 }{
		{2, 0.5}, {10, 2.5}, {0.5, 3}, {255, 0.45},
	} {
		got := vpow(splatF(float32(c.x)), splatF(float32(c.y)))[0]
		want := float32(math.Pow(c.x, c.y))
		if ulpDiff(got, want) > 16 {
			t.Errorf("pow(%g, %g): got %g, want %g", c.x, c.y, got, want)
		}
	}
}
