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

package expr

import "fmt"

// PropAccess names one frame property a finalised program reads. The
// host packs the property values into consts[] in this order.
type PropAccess struct {
	Clip int
	Name string
}

// Program is a finalised Op sequence: named variables and property
// accesses have been rewritten into dense indices and all clip
// references validated. A Program is immutable and may be shared
// between the interpreter and the compiler.
type Program struct {
	Source     string
	Ops        []Op
	PropAccess []PropAccess
	NumVars    int
}

// Finalize validates clip references against numInputs and rewrites
// property and variable names into dense indices.
func Finalize(source string, ops []Op, numInputs int) (*Program, error) {
	out := make([]Op, len(ops))
	copy(out, ops)

	// Number distinct (clip, property) pairs in compile order.
	type propKey struct {
		clip int32
		name string
	}
	paMap := make(map[propKey]int32)
	var pa []PropAccess
	for i := range out {
		op := &out[i]
		switch op.Type {
		case OpMemLoad, OpMemLoadVar:
			if op.ImmI() < 0 || int(op.ImmI()) >= numInputs {
				return nil, fmt.Errorf("%w: clip %d", ErrUndefinedClip, op.ImmI())
			}
		case OpConstLoad:
			if op.ImmI() < ConstPropLast {
				continue
			}
			id := op.ImmI() - ConstPropLast
			if int(id) >= numInputs {
				return nil, fmt.Errorf("%w: clip %d", ErrUndefinedClip, id)
			}
			key := propKey{id, op.Name}
			idx, ok := paMap[key]
			if !ok {
				idx = int32(len(pa))
				paMap[key] = idx
				pa = append(pa, PropAccess{Clip: int(id), Name: op.Name})
			}
			op.Imm = uint32(ConstPropLast + idx)
		}
	}

	// Number variables; a load before the first store is an error.
	varMap := make(map[string]int32)
	for i := range out {
		op := &out[i]
		if op.Type != OpVarLoad && op.Type != OpVarStore {
			continue
		}
		idx, ok := varMap[op.Name]
		if !ok {
			if op.Type == OpVarLoad {
				return nil, fmt.Errorf("%w: %s@", ErrUninitializedVar, op.Name)
			}
			idx = int32(len(varMap))
			varMap[op.Name] = idx
		}
		op.Imm = uint32(idx)
	}

	return &Program{
		Source:     source,
		Ops:        out,
		PropAccess: pa,
		NumVars:    len(varMap),
	}, nil
}
