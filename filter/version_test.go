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
	"strings"
	"testing"

	"golang.org/x/exp/slices"
)

func TestVersion(t *testing.T) {
	v := Version()
	if !strings.HasPrefix(v.Backend, "purego") {
		t.Errorf("backend: %q", v.Backend)
	}
	for _, feat := range []string{"x.property", "sort", "x[]", "fp16", "src26"} {
		if !slices.Contains(v.ExprFeatures, feat) {
			t.Errorf("expr features missing %q", feat)
		}
	}
	for _, feat := range []string{"argmin", "argmax", "argsort"} {
		if !slices.Contains(v.SelectFeatures, feat) {
			t.Errorf("select features missing %q", feat)
		}
		if slices.Contains(v.ExprFeatures, feat) {
			t.Errorf("%q must not be an Expr feature", feat)
		}
	}
	if slices.Contains(v.SelectFeatures, "x[]") || slices.Contains(v.SelectFeatures, "x[x,y]") {
		t.Error("pixel access must not be a Select feature")
	}
}
