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
	"github.com/mirrorlake/vexpr/expr"
	"github.com/mirrorlake/vexpr/vm"
)

// exprFeatures are the capability strings of the Expr backend.
// Clients gate on these exact strings.
var exprFeatures = []string{
	"x.property",
	"sin", "cos",
	"%", "clip", "clamp", "**",
	"N", "X", "Y", "pi", "width", "height",
	"trunc", "round", "floor",
	"var@", "var!",
	"x[x,y]", "x[x,y]:m",
	"drop",
	"sort",
	"x[]",
	"bitand", "bitor", "bitxor", "bitnot",
	expr.ClipNamePrefix + "0", expr.ClipNamePrefix + "26",
	"first-byte-of-bytes-property",
	"fp16",
}

// selectFeatures are the capability strings of the Select/PropExpr
// interpreter surface.
var selectFeatures = []string{
	"x.property",
	"sin", "cos",
	"%", "clip", "clamp", "**",
	"N", "pi", "width", "height",
	"trunc", "round", "floor",
	"var@", "var!",
	"drop",
	"sort",
	"bitand", "bitor", "bitxor", "bitnot",
	expr.ClipNamePrefix + "0", expr.ClipNamePrefix + "26",
	"first-byte-of-bytes-property",
	// extended features only available for Select and PropExpr.
	"argmin", "argmax", "argsort",
}

// VersionInfo reports the backend identity and its capability lists.
type VersionInfo struct {
	Backend        string
	ExprFeatures   []string
	SelectFeatures []string
}

// Version returns the backend descriptor exposed to hosts.
func Version() VersionInfo {
	return VersionInfo{
		Backend:        "purego-" + vm.CPULevel().String(),
		ExprFeatures:   append([]string(nil), exprFeatures...),
		SelectFeatures: append([]string(nil), selectFeatures...),
	}
}
