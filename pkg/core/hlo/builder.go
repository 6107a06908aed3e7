// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hlo

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/gradsync/pkg/core/shapes"
	"github.com/gomlx/gradsync/pkg/support/sets"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// CollectiveConfig holds the optional configuration of a collective operation.
type CollectiveConfig struct {
	// ChannelID pairs the collective with the matching ones in other modules/devices. If nil the
	// collective has no channel id (a purely cross-replica collective).
	ChannelID *int

	// ConstrainLayout requires the operands and results to keep their layout.
	ConstrainLayout bool

	// UseGlobalDeviceIDs makes replica groups refer to global device ids instead of replica ids.
	UseGlobalDeviceIDs bool
}

// computationOf returns the computation owning all the operands, or an error if they belong to
// different computations or were removed.
func computationOf(opCode OpCode, operands ...*Instruction) (*Computation, error) {
	if len(operands) == 0 {
		return nil, errors.Errorf("%s requires at least one operand", opCode)
	}
	c := operands[0].parent
	for ii, operand := range operands {
		if operand.parent == nil {
			return nil, errors.Errorf("%s operand #%d (%s) has been removed", opCode, ii, operand.name)
		}
		if operand.parent != c {
			return nil, errors.Errorf("%s operands belong to different computations (%q and %q)",
				opCode, c.name, operand.parent.name)
		}
	}
	return c, nil
}

// Parameter creates the parameter number of the computation c, with the given shape. name is optional.
func Parameter(c *Computation, number int, shape shapes.Shape, name string) (*Instruction, error) {
	if number < 0 {
		return nil, errors.Errorf("invalid parameter number %d for computation %q", number, c.name)
	}
	if _, found := c.parameters[number]; found {
		return nil, errors.Errorf("parameter #%d already defined in computation %q", number, c.name)
	}
	if !shape.Ok() {
		return nil, errors.Errorf("invalid shape %s for parameter #%d of computation %q", shape, number, c.name)
	}
	inst := c.addInstruction(&Instruction{
		opcode:          OpCodeParameter,
		shape:           shape.Clone(),
		name:            name,
		parameterNumber: number,
	})
	c.parameters[number] = inst.id
	return inst, nil
}

// Constant creates a scalar constant of the given dtype. The value is converted to the Go type
// matching dtype: float16.Float16 for Float16, bfloat16.BFloat16 for BFloat16, etc.
func Constant(c *Computation, dtype dtypes.DType, value float64) (*Instruction, error) {
	var literal any
	switch dtype {
	case dtypes.Float64:
		literal = value
	case dtypes.Float32:
		literal = float32(value)
	case dtypes.Float16:
		literal = float16.Fromfloat32(float32(value))
	case dtypes.BFloat16:
		literal = bfloat16.FromFloat32(float32(value))
	case dtypes.Int64:
		literal = int64(value)
	case dtypes.Int32:
		literal = int32(value)
	case dtypes.Int16:
		literal = int16(value)
	case dtypes.Int8:
		literal = int8(value)
	case dtypes.Uint64:
		literal = uint64(value)
	case dtypes.Uint32:
		literal = uint32(value)
	case dtypes.Uint16:
		literal = uint16(value)
	case dtypes.Uint8:
		literal = uint8(value)
	case dtypes.Bool:
		literal = value != 0
	default:
		return nil, errors.Errorf("Constant of dtype %s not supported", dtype)
	}
	return c.addInstruction(&Instruction{
		opcode:  OpCodeConstant,
		shape:   shapes.Make(dtype),
		literal: literal,
	}), nil
}

// Tuple creates a tuple of the given elements in computation c. Typically used as the root of a
// computation with multiple outputs.
func Tuple(c *Computation, elements ...*Instruction) (*Instruction, error) {
	elementShapes := make([]shapes.Shape, 0, len(elements))
	for ii, element := range elements {
		if element.parent != c {
			return nil, errors.Errorf("Tuple element #%d (%s) doesn't belong to computation %q", ii, element.name, c.name)
		}
		elementShapes = append(elementShapes, element.shape)
	}
	return c.addInstruction(&Instruction{
		opcode: OpCodeTuple,
		shape:  shapes.MakeTuple(elementShapes...),
	}, elements...), nil
}

// GetTupleElement extracts the element at index from a tuple.
func GetTupleElement(tuple *Instruction, index int) (*Instruction, error) {
	c, err := computationOf(OpCodeGetTupleElement, tuple)
	if err != nil {
		return nil, err
	}
	if !tuple.shape.IsTuple() {
		return nil, errors.Errorf("GetTupleElement(%s, %d) requires a tuple, got shape %s", tuple.name, index, tuple.shape)
	}
	if index < 0 || index >= tuple.shape.TupleSize() {
		return nil, errors.Errorf("GetTupleElement(%s, %d) out-of-bounds for shape %s", tuple.name, index, tuple.shape)
	}
	return c.addInstruction(&Instruction{
		opcode:     OpCodeGetTupleElement,
		shape:      tuple.shape.TupleShapes[index].Clone(),
		tupleIndex: index,
	}, tuple), nil
}

// binaryOp creates an element-wise binary operation. Operands must have the same dtype, and either the
// same dimensions or one of them must be a scalar.
func binaryOp(opCode OpCode, lhs, rhs *Instruction) (*Instruction, error) {
	c, err := computationOf(opCode, lhs, rhs)
	if err != nil {
		return nil, err
	}
	lhsShape, rhsShape := lhs.shape, rhs.shape
	if !lhsShape.IsArray() || !rhsShape.IsArray() {
		return nil, errors.Errorf("%s requires array operands, got shapes %s and %s", opCode, lhsShape, rhsShape)
	}
	if lhsShape.DType != rhsShape.DType {
		return nil, errors.Errorf("data types (DType) for %s must match, got %s and %s", opCode, lhsShape, rhsShape)
	}
	var output shapes.Shape
	switch {
	case lhsShape.IsScalar():
		output = rhsShape.Clone()
	case rhsShape.IsScalar():
		output = lhsShape.Clone()
	case lhsShape.EqualDimensions(rhsShape):
		output = lhsShape.Clone()
	default:
		return nil, errors.Errorf("dimensions for %s must match (or one side must be a scalar), got shapes %s and %s",
			opCode, lhsShape, rhsShape)
	}
	return c.addInstruction(&Instruction{opcode: opCode, shape: output}, lhs, rhs), nil
}

// Add creates lhs + rhs.
func Add(lhs, rhs *Instruction) (*Instruction, error) { return binaryOp(OpCodeAdd, lhs, rhs) }

// Subtract creates lhs - rhs.
func Subtract(lhs, rhs *Instruction) (*Instruction, error) { return binaryOp(OpCodeSubtract, lhs, rhs) }

// Multiply creates lhs * rhs.
func Multiply(lhs, rhs *Instruction) (*Instruction, error) { return binaryOp(OpCodeMultiply, lhs, rhs) }

// Divide creates lhs / rhs.
func Divide(lhs, rhs *Instruction) (*Instruction, error) { return binaryOp(OpCodeDivide, lhs, rhs) }

// unaryArrayOp checks that x is a live array and returns its computation.
func unaryArrayOp(opCode OpCode, x *Instruction) (*Computation, error) {
	c, err := computationOf(opCode, x)
	if err != nil {
		return nil, err
	}
	if !x.shape.IsArray() {
		return nil, errors.Errorf("%s(%s) requires an array operand, got shape %s", opCode, x.name, x.shape)
	}
	return c, nil
}

// Convert creates an element-wise conversion of x to dtype.
func Convert(x *Instruction, dtype dtypes.DType) (*Instruction, error) {
	c, err := unaryArrayOp(OpCodeConvert, x)
	if err != nil {
		return nil, err
	}
	if dtype == dtypes.InvalidDType {
		return nil, errors.Errorf("Convert(%s) to an invalid dtype", x.name)
	}
	return c.addInstruction(&Instruction{opcode: OpCodeConvert, shape: x.shape.WithDType(dtype)}, x), nil
}

// Reshape creates a reshape of x to shape. The dtype must be the same, and the total size must
// be preserved.
func Reshape(x *Instruction, shape shapes.Shape) (*Instruction, error) {
	c, err := unaryArrayOp(OpCodeReshape, x)
	if err != nil {
		return nil, err
	}
	if !shape.IsArray() {
		return nil, errors.Errorf("Reshape(%s) to non-array shape %s", x.name, shape)
	}
	if shape.DType != x.shape.DType {
		return nil, errors.Errorf("Reshape(%s) cannot change the dtype: from %s to %s", x.name, x.shape, shape)
	}
	if shape.Size() != x.shape.Size() {
		return nil, errors.Errorf("Reshape(%s) cannot reshape %s to %s, their sizes don't match", x.name, x.shape, shape)
	}
	return c.addInstruction(&Instruction{opcode: OpCodeReshape, shape: shape.Clone()}, x), nil
}

// Copy creates a copy of x.
func Copy(x *Instruction) (*Instruction, error) {
	c, err := computationOf(OpCodeCopy, x)
	if err != nil {
		return nil, err
	}
	return c.addInstruction(&Instruction{opcode: OpCodeCopy, shape: x.shape.Clone()}, x), nil
}

// Bitcast reinterprets the bits of x as shape. The memory size must be the same.
func Bitcast(x *Instruction, shape shapes.Shape) (*Instruction, error) {
	c, err := unaryArrayOp(OpCodeBitcast, x)
	if err != nil {
		return nil, err
	}
	if !shape.IsArray() || shape.Memory() != x.shape.Memory() {
		return nil, errors.Errorf("Bitcast(%s) from %s to %s requires the same memory size", x.name, x.shape, shape)
	}
	return c.addInstruction(&Instruction{opcode: OpCodeBitcast, shape: shape.Clone()}, x), nil
}

// Transpose permutes the axes of x: output.Dimensions[i] = x.Dimensions[permutation[i]].
func Transpose(x *Instruction, permutation ...int) (*Instruction, error) {
	c, err := unaryArrayOp(OpCodeTranspose, x)
	if err != nil {
		return nil, err
	}
	rank := x.shape.Rank()
	if len(permutation) != rank {
		return nil, errors.Errorf("Transpose(%s) requires all %d axes permutations, got %v", x.name, rank, permutation)
	}
	seen := sets.Make[int](rank)
	output := x.shape.Clone()
	for axis, srcAxis := range permutation {
		if srcAxis < 0 || srcAxis >= rank || seen.Has(srcAxis) {
			return nil, errors.Errorf("Transpose(%s): invalid permutation %v for shape %s", x.name, permutation, x.shape)
		}
		seen.Insert(srcAxis)
		output.Dimensions[axis] = x.shape.Dimensions[srcAxis]
	}
	return c.addInstruction(&Instruction{
		opcode:      OpCodeTranspose,
		shape:       output,
		permutation: slices.Clone(permutation),
	}, x), nil
}

// AllReduce creates a collective that reduces operands across the devices of each replica group.
//
//   - operands: all must be arrays of the same dtype. The output shape is the operand shape if
//     there is only one operand, or a tuple of the operands' shapes otherwise.
//   - reduceOp: how values are reduced.
//   - replicaGroups: each group is a list of replica ids (or global device ids, see
//     CollectiveConfig.UseGlobalDeviceIDs) that reduce together. No id may appear twice. An empty
//     list means all replicas form one group.
//   - config: optional, at most one.
func AllReduce(operands []*Instruction, reduceOp ReduceOpType, replicaGroups [][]int, config ...*CollectiveConfig) (*Instruction, error) {
	c, err := computationOf(OpCodeAllReduce, operands...)
	if err != nil {
		return nil, err
	}
	if reduceOp == ReduceOpUndefined || !reduceOp.IsAReduceOpType() {
		return nil, errors.Errorf("AllReduce requires a valid reduce operation, got %s", reduceOp)
	}
	if len(config) > 1 {
		return nil, errors.Errorf("AllReduce accepts only one config, got %d", len(config))
	}
	dtype := operands[0].shape.DType
	operandShapes := make([]shapes.Shape, 0, len(operands))
	for ii, operand := range operands {
		if !operand.shape.IsArray() {
			return nil, errors.Errorf("AllReduce operand #%d (%s) must be an array, got %s", ii, operand.name, operand.shape)
		}
		if operand.shape.DType != dtype {
			return nil, errors.Errorf("AllReduce operand #%d dtype %s does not match dtype %s of the first operand",
				ii, operand.shape.DType, dtype)
		}
		operandShapes = append(operandShapes, operand.shape)
	}
	devices := sets.Make[int]()
	for _, group := range replicaGroups {
		if len(group) == 0 {
			return nil, errors.Errorf("AllReduce replica groups cannot be empty, got %v", replicaGroups)
		}
		for _, device := range group {
			if device < 0 || devices.Has(device) {
				return nil, errors.Errorf("AllReduce device %d is invalid or duplicate in replica groups %v", device, replicaGroups)
			}
			devices.Insert(device)
		}
	}

	output := operandShapes[0].Clone()
	if len(operandShapes) > 1 {
		output = shapes.MakeTuple(operandShapes...)
	}
	inst := &Instruction{
		opcode: OpCodeAllReduce,
		shape:  output,
		collective: &collectiveAttributes{
			replicaGroups: cloneReplicaGroups(replicaGroups),
			reduceOp:      reduceOp,
		},
	}
	if len(config) == 1 && config[0] != nil {
		cfg := config[0]
		inst.collective.constrainLayout = cfg.ConstrainLayout
		inst.collective.useGlobalDeviceIDs = cfg.UseGlobalDeviceIDs
		if cfg.ChannelID != nil {
			if *cfg.ChannelID <= 0 {
				return nil, errors.Errorf("AllReduce channel id must be positive, got %d", *cfg.ChannelID)
			}
			inst.channelID = *cfg.ChannelID
			inst.hasChannelID = true
		}
	}
	return c.addInstruction(inst, operands...), nil
}

func cloneReplicaGroups(groups [][]int) [][]int {
	if groups == nil {
		return nil
	}
	cloned := make([][]int, 0, len(groups))
	for _, group := range groups {
		cloned = append(cloned, slices.Clone(group))
	}
	return cloned
}
