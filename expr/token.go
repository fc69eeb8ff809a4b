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

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// ClipNamePrefix is the multi-letter clip reference prefix: srcN
// denotes clip N directly.
const ClipNamePrefix = "src"

// Tokenize splits an expression into whitespace-separated tokens.
func Tokenize(expr string) []string {
	return strings.Fields(expr)
}

var simpleTokens = map[string]Op{
	"+":      opPlain(OpAdd),
	"-":      opPlain(OpSub),
	"*":      opPlain(OpMul),
	"/":      opPlain(OpDiv),
	"%":      opPlain(OpMod),
	"sqrt":   opPlain(OpSqrt),
	"abs":    opPlain(OpAbs),
	"max":    opPlain(OpMax),
	"min":    opPlain(OpMin),
	"clip":   opPlain(OpClamp), // for compat with AVS+ Expr
	"clamp":  opPlain(OpClamp),
	"<":      opI(OpCmp, int32(CmpLT)),
	">":      opI(OpCmp, int32(CmpNLE)),
	"=":      opI(OpCmp, int32(CmpEQ)),
	">=":     opI(OpCmp, int32(CmpNLT)),
	"<=":     opI(OpCmp, int32(CmpLE)),
	"trunc":  opPlain(OpTrunc),
	"round":  opPlain(OpRound),
	"floor":  opPlain(OpFloor),
	"and":    opPlain(OpAnd),
	"or":     opPlain(OpOr),
	"xor":    opPlain(OpXor),
	"not":    opPlain(OpNot),
	"bitand": opPlain(OpBitAnd),
	"bitor":  opPlain(OpBitOr),
	"bitxor": opPlain(OpBitXor),
	"bitnot": opPlain(OpBitNot),
	"?":      opPlain(OpTernary),
	"exp":    opPlain(OpExp),
	"log":    opPlain(OpLog),
	"pow":    opPlain(OpPow),
	"**":     opPlain(OpPow),
	"sin":    opPlain(OpSin),
	"cos":    opPlain(OpCos),
	"dup":    opI(OpDup, 0),
	"swap":   opI(OpSwap, 1),
	"drop":   opI(OpDrop, 1),
	"pi":     opF(OpConstantF, math.Pi),
	"N":      opI(OpConstLoad, ConstN),
	"X":      opI(OpConstLoad, ConstX),
	"Y":      opI(OpConstLoad, ConstY),
	"width":  opI(OpConstLoad, ConstWidth),
	"height": opI(OpConstLoad, ConstHeight),
}

const clipNameREPrefix = `^([a-z]|` + ClipNamePrefix + `[0-9]+)`

var (
	clipNameRE  = regexp.MustCompile(clipNameREPrefix + `$`)
	relPixelRE  = regexp.MustCompile(clipNameREPrefix + `\[(-?[0-9]+),(-?[0-9]+)\](:[cm])?$`)
	absPixelRE  = regexp.MustCompile(clipNameREPrefix + `\[\]$`)
	framePropRE = regexp.MustCompile(clipNameREPrefix + `\.([^\[\]]*)$`)
)

// clipIndex maps a clip reference to its input index: single letters
// run x, y, z, a, b, ... and srcN names clip N directly.
func clipIndex(name string) (int32, error) {
	if len(name) == 1 {
		c := name[0]
		if c >= 'x' {
			return int32(c - 'x'), nil
		}
		return int32(c-'a') + 3, nil
	}
	idx, err := strconv.Atoi(name[len(ClipNamePrefix):])
	if err != nil {
		return 0, fmt.Errorf("%w: invalid clip name %q", ErrInvalidToken, name)
	}
	return int32(idx), nil
}

// countSuffix parses the decimal count of a dupN/swapN/dropN/sortN
// style token; the count must consume the rest of the token and be
// non-negative.
func countSuffix(tok string, prefix int) (int32, bool) {
	idx, err := strconv.Atoi(tok[prefix:])
	if err != nil || idx < 0 {
		return 0, false
	}
	return int32(idx), true
}

// DecodeToken maps one token to its Op. Decoding is context-free
// except for the extended flag, which admits the argmin/argmax/argsort
// operators available to Select and PropExpr only.
func DecodeToken(tok string, extended bool) (Op, error) {
	if op, ok := simpleTokens[tok]; ok {
		return op, nil
	}
	if clipNameRE.MatchString(tok) {
		idx, err := clipIndex(tok)
		if err != nil {
			return Op{}, err
		}
		return opI(OpMemLoad, idx), nil
	}
	if len(tok) >= 2 && (tok[len(tok)-1] == '@' || tok[len(tok)-1] == '!') {
		// 'name@' loads a named variable; 'name!' stores TOS into it.
		t := OpVarStore
		if tok[len(tok)-1] == '@' {
			t = OpVarLoad
		}
		return opName(t, tok[:len(tok)-1]), nil
	}
	if strings.HasPrefix(tok, "dup") || strings.HasPrefix(tok, "swap") ||
		strings.HasPrefix(tok, "drop") || strings.HasPrefix(tok, "sort") {
		prefix := 4
		if tok[1] == 'u' {
			prefix = 3
		}
		idx, ok := countSuffix(tok, prefix)
		if !ok {
			return Op{}, fmt.Errorf("%w: illegal token %q", ErrInvalidToken, tok)
		}
		switch tok[1] {
		case 'u':
			return opI(OpDup, idx), nil
		case 'w':
			return opI(OpSwap, idx), nil
		case 'r':
			return opI(OpDrop, idx), nil
		default: // 'o'
			return opI(OpSort, idx), nil
		}
	}
	if extended && (strings.HasPrefix(tok, "argmin") || strings.HasPrefix(tok, "argmax") ||
		strings.HasPrefix(tok, "argsort")) {
		prefix := 6
		if tok[3] == 's' {
			prefix = 7
		}
		idx, ok := countSuffix(tok, prefix)
		if !ok {
			return Op{}, fmt.Errorf("%w: illegal token %q", ErrInvalidToken, tok)
		}
		switch {
		case tok[3] == 's':
			return opI(OpArgSort, idx), nil
		case tok[4] == 'i':
			return opI(OpArgMin, idx), nil
		default:
			return opI(OpArgMax, idx), nil
		}
	}
	if m := framePropRE.FindStringSubmatch(tok); m != nil {
		idx, err := clipIndex(m[1])
		if err != nil {
			return Op{}, err
		}
		op := opI(OpConstLoad, ConstPropLast+idx)
		op.Name = m[2]
		return op, nil
	}
	if m := relPixelRE.FindStringSubmatch(tok); m != nil {
		idx, err := clipIndex(m[1])
		if err != nil {
			return Op{}, err
		}
		bc := BCUnspecified
		if len(m[4]) != 0 {
			if m[4][1] == 'm' {
				bc = BCMirrored
			} else {
				bc = BCClamped
			}
		}
		dx, _ := strconv.Atoi(m[2])
		dy, _ := strconv.Atoi(m[3])
		return Op{Type: OpMemLoad, Imm: uint32(idx), Dx: dx, Dy: dy, BC: bc}, nil
	}
	if m := absPixelRE.FindStringSubmatch(tok); m != nil {
		idx, err := clipIndex(m[1])
		if err != nil {
			return Op{}, err
		}
		return opI(OpMemLoadVar, idx), nil
	}
	return decodeNumber(tok)
}

// decodeNumber tries an integer parse first (base auto-detect); an
// in-range value becomes ConstantI with i32 then u32 widening, a wider
// one becomes a ConstantF of the same value. Tokens the integer parse
// rejects go to the float parse. Partial parses are fatal.
func decodeNumber(tok string) (Op, error) {
	if l, err := strconv.ParseInt(tok, 0, 64); err == nil {
		if int64(int32(l)) == l {
			return opI(OpConstantI, int32(l)), nil
		}
		if int64(uint32(l)) == l {
			return opI(OpConstantI, int32(uint32(l))), nil
		}
		return opF(OpConstantF, float32(l)), nil
	}
	f, err := strconv.ParseFloat(tok, 32)
	if err != nil {
		return Op{}, fmt.Errorf("%w: failed to convert %q to float", ErrInvalidToken, tok)
	}
	return opF(OpConstantF, float32(f)), nil
}

// Decode tokenizes and decodes a whole expression. Relative pixel
// accesses without an explicit boundary flag receive defaultBC.
func Decode(expr string, extended bool, defaultBC Boundary) ([]Op, error) {
	toks := Tokenize(expr)
	ops := make([]Op, 0, len(toks))
	for _, tok := range toks {
		op, err := DecodeToken(tok, extended)
		if err != nil {
			return nil, err
		}
		if op.BC == BCUnspecified {
			op.BC = defaultBC
		}
		ops = append(ops, op)
	}
	return ops, nil
}
