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

// Package expr implements the postfix expression language shared by the
// Expr, Select and PropExpr filters: whitespace lexing, token decoding
// into a flat Op sequence, index finalisation, and a scalar reference
// interpreter. The vectorising compiler for the same IR lives in
// package vm.
package expr

import (
	"errors"
	"math"
)

// OpType identifies a single IR operation.
type OpType uint8

const (
	// Terminals.
	OpMemLoad OpType = iota
	OpMemLoadVar
	OpConstantI
	OpConstantF
	OpConstLoad
	OpVarLoad
	OpVarStore

	// Arithmetic primitives.
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpSqrt
	OpAbs
	OpMax
	OpMin
	OpClamp
	OpCmp

	// Integer conversions.
	OpTrunc
	OpRound
	OpFloor

	// Logical operators.
	OpAnd
	OpOr
	OpXor
	OpNot

	// Bitwise operators.
	OpBitAnd
	OpBitOr
	OpBitXor
	OpBitNot

	// Transcendental functions.
	OpExp
	OpLog
	OpPow
	OpSin
	OpCos

	// Ternary operator.
	OpTernary

	// Rank-order operator.
	OpSort

	// Stack helpers.
	OpDup
	OpSwap
	OpDrop

	opLast = OpDrop // last one supported by the plane compiler

	// Extended operators, Select/PropExpr only.
	OpArgMin = iota
	OpArgMax
	OpArgSort
)

var opNames = [...]string{
	OpMemLoad: "MemLoad", OpMemLoadVar: "MemLoadVar",
	OpConstantI: "ConstantI", OpConstantF: "ConstantF", OpConstLoad: "ConstLoad",
	OpVarLoad: "VarLoad", OpVarStore: "VarStore",
	OpAdd: "Add", OpSub: "Sub", OpMul: "Mul", OpDiv: "Div", OpMod: "Mod",
	OpSqrt: "Sqrt", OpAbs: "Abs", OpMax: "Max", OpMin: "Min", OpClamp: "Clamp", OpCmp: "Cmp",
	OpTrunc: "Trunc", OpRound: "Round", OpFloor: "Floor",
	OpAnd: "And", OpOr: "Or", OpXor: "Xor", OpNot: "Not",
	OpBitAnd: "BitAnd", OpBitOr: "BitOr", OpBitXor: "BitXor", OpBitNot: "BitNot",
	OpExp: "Exp", OpLog: "Log", OpPow: "Pow", OpSin: "Sin", OpCos: "Cos",
	OpTernary: "Ternary", OpSort: "Sort",
	OpDup: "Dup", OpSwap: "Swap", OpDrop: "Drop",
	OpArgMin: "ArgMin", OpArgMax: "ArgMax", OpArgSort: "ArgSort",
}

func (t OpType) String() string {
	if int(t) < len(opNames) {
		return opNames[t]
	}
	return "OpType(?)"
}

// CmpType is the comparison subcode carried in the immediate of an
// OpCmp instruction.
type CmpType int32

const (
	CmpEQ  CmpType = 0
	CmpLT  CmpType = 1
	CmpLE  CmpType = 2
	CmpNEQ CmpType = 4
	CmpNLT CmpType = 5
	CmpNLE CmpType = 6
)

// Subcodes of OpConstLoad. Immediates at or above ConstPropLast denote
// a frame-property load: as decoded, imm - ConstPropLast is the clip
// index; Finalize rewrites it into the dense property index.
const (
	ConstN        = 0
	ConstX        = 1
	ConstY        = 2
	ConstWidth    = 3
	ConstHeight   = 4
	ConstPropLast = 5
)

// ConstsBias converts a finalised property immediate into an index
// into the consts[] array passed to a compiled routine: consts[0] is
// the frame number, property values follow.
const ConstsBias = 1 - ConstPropLast

// Boundary selects how relative pixel accesses past the plane edge
// are resolved.
type Boundary uint8

const (
	BCUnspecified Boundary = iota
	BCClamped
	BCMirrored
)

// Op is a single instruction of the flat postfix IR. The 32-bit
// immediate is kept raw; use ImmI/ImmU/ImmF for the signed, unsigned
// and float views.
type Op struct {
	Type OpType
	Imm  uint32
	Name string
	Dx   int
	Dy   int
	BC   Boundary
}

// ImmI returns the immediate as a signed 32-bit integer.
func (o Op) ImmI() int32 { return int32(o.Imm) }

// ImmU returns the immediate as an unsigned 32-bit integer.
func (o Op) ImmU() uint32 { return o.Imm }

// ImmF returns the immediate as a 32-bit float.
func (o Op) ImmF() float32 { return math.Float32frombits(o.Imm) }

// Equal reports whether two ops are the same instruction. The boundary
// condition is deliberately not compared.
func (o Op) Equal(p Op) bool {
	return o.Type == p.Type && o.Imm == p.Imm && o.Name == p.Name &&
		o.Dx == p.Dx && o.Dy == p.Dy
}

func opPlain(t OpType) Op          { return Op{Type: t} }
func opI(t OpType, i int32) Op     { return Op{Type: t, Imm: uint32(i)} }
func opF(t OpType, f float32) Op   { return Op{Type: t, Imm: math.Float32bits(f)} }
func opName(t OpType, n string) Op { return Op{Type: t, Imm: uint32(0xffffffff), Name: n} }

// numOperands is the stack arity of each op kind. Dup/Swap/Drop/Sort
// and the arg* ops check their count immediates separately.
var numOperands = [...]uint8{
	OpMemLoad: 0, OpMemLoadVar: 2,
	OpConstantI: 0, OpConstantF: 0, OpConstLoad: 0,
	OpVarLoad: 0, OpVarStore: 1,
	OpAdd: 2, OpSub: 2, OpMul: 2, OpDiv: 2, OpMod: 2,
	OpSqrt: 1, OpAbs: 1, OpMax: 2, OpMin: 2, OpClamp: 3, OpCmp: 2,
	OpTrunc: 1, OpRound: 1, OpFloor: 1,
	OpAnd: 2, OpOr: 2, OpXor: 2, OpNot: 1,
	OpBitAnd: 2, OpBitOr: 2, OpBitXor: 2, OpBitNot: 1,
	OpExp: 1, OpLog: 1, OpPow: 2, OpSin: 1, OpCos: 1,
	OpTernary: 3, OpSort: 0,
	OpDup: 0, OpSwap: 0, OpDrop: 0,
	OpArgMin: 0, OpArgMax: 0, OpArgSort: 0,
}

// Arity returns the stack arity of an op kind. The counted stack
// manipulators (Dup, Swap, Drop, Sort, ArgMin, ArgMax, ArgSort)
// report zero; their count immediates are checked separately.
func (t OpType) Arity() int {
	return int(numOperands[t])
}

// Error kinds raised while decoding or evaluating expressions.
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrUndefinedClip    = errors.New("reference to undefined clip")
	ErrUninitializedVar = errors.New("reference to uninitialized variable")
	ErrStackUnderflow   = errors.New("insufficient values on stack")
	ErrStackUnconsumed  = errors.New("unconsumed values on stack")
	ErrEmptyExpression  = errors.New("empty expression")
)
