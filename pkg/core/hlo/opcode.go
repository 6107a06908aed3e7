// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hlo

// OpCode enumerates the instruction kinds supported by the graph model.
//
// It only includes the opcodes needed to express (and rewrite) gradient accumulation graphs:
// element-wise arithmetic, the "pass-through" coercions and the AllReduce collective.
type OpCode int

//go:generate go tool enumer -type=OpCode -trimprefix=OpCode -output=gen_opcode_enumer.go opcode.go

const (
	OpCodeInvalid OpCode = iota
	OpCodeParameter
	OpCodeConstant
	OpCodeTuple
	OpCodeGetTupleElement

	OpCodeAdd
	OpCodeSubtract
	OpCodeMultiply
	OpCodeDivide

	OpCodeConvert
	OpCodeReshape
	OpCodeCopy
	OpCodeBitcast
	OpCodeTranspose

	OpCodeAllReduce

	// OpCodeLast should always be kept the last, it is used as a counter/marker for OpCode.
	OpCodeLast
)

// IsCollective returns whether the opcode is a communication (collective) operation.
// Collectives are the only instructions that may carry a channel id.
func (op OpCode) IsCollective() bool {
	return op == OpCodeAllReduce
}

// IsElementwiseBinary returns whether the opcode is one of the binary arithmetic operations.
func (op OpCode) IsElementwiseBinary() bool {
	switch op {
	case OpCodeAdd, OpCodeSubtract, OpCodeMultiply, OpCodeDivide:
		return true
	default:
		return false
	}
}

// ReduceOpType selects the reduction used by a collective, in lieu of a combiner computation.
type ReduceOpType int

//go:generate go tool enumer -type=ReduceOpType -trimprefix=ReduceOp -output=gen_reduceoptype_enumer.go opcode.go

const (
	ReduceOpUndefined ReduceOpType = iota
	ReduceOpSum
	ReduceOpProduct
	ReduceOpMax
	ReduceOpMin
)
