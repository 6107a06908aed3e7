// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hlo_test

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	. "github.com/gomlx/gradsync/pkg/core/hlo"
	"github.com/gomlx/gradsync/pkg/core/shapes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

// newEntry creates a module with an empty entry computation.
func newEntry(name string) (*Module, *Computation) {
	m := NewModule(name)
	return m, m.AddEntryComputation(NewComputation(name + ".entry"))
}

func TestParameterAndConstant(t *testing.T) {
	_, c := newEntry("params")
	x := must.M1(Parameter(c, 0, shapes.Make(dtypes.Float32, 2, 3), "x"))
	assert.Equal(t, "x", x.Name())
	assert.Equal(t, OpCodeParameter, x.Opcode())
	assert.Equal(t, 0, x.ParameterNumber())
	assert.Equal(t, x, c.ParameterInstruction(0))
	assert.Nil(t, c.ParameterInstruction(1))
	assert.Equal(t, 1, c.NumParameters())

	_, err := Parameter(c, 0, shapes.Make(dtypes.Float32), "duplicate")
	require.Error(t, err)
	_, err = Parameter(c, -1, shapes.Make(dtypes.Float32), "negative")
	require.Error(t, err)
	_, err = Parameter(c, 1, shapes.Invalid(), "invalid")
	require.Error(t, err)

	// Default names use the opcode and the id.
	one := must.M1(Constant(c, dtypes.Float32, 1))
	assert.Equal(t, "constant.1", one.Name())
	assert.Equal(t, float32(1), one.Literal())
	assert.Equal(t, -1, one.ParameterNumber())
	assert.True(t, one.Shape().IsScalar())

	half := must.M1(Constant(c, dtypes.BFloat16, 0.5))
	assert.Equal(t, bfloat16.FromFloat32(0.5), half.Literal())
	quarter := must.M1(Constant(c, dtypes.Float16, 0.25))
	assert.Equal(t, float16.Fromfloat32(0.25), quarter.Literal())
	assert.Equal(t, int32(3), must.M1(Constant(c, dtypes.Int32, 3)).Literal())
	_, err = Constant(c, dtypes.Complex64, 1)
	require.Error(t, err)
}

func TestElementwiseBuilders(t *testing.T) {
	_, c := newEntry("elementwise")
	x := must.M1(Parameter(c, 0, shapes.Make(dtypes.Float32, 4, 3), "x"))
	y := must.M1(Parameter(c, 1, shapes.Make(dtypes.Float32, 4, 3), "y"))
	z := must.M1(Parameter(c, 2, shapes.Make(dtypes.Float32, 3, 4), "z"))
	b := must.M1(Parameter(c, 3, shapes.Make(dtypes.BFloat16, 4, 3), "b"))
	scalar := must.M1(Constant(c, dtypes.Float32, 2))

	add := must.M1(Add(x, y))
	require.NoError(t, add.Shape().Check(dtypes.Float32, 4, 3))
	assert.Equal(t, []*Instruction{x, y}, add.Operands())
	assert.Equal(t, []*Instruction{add}, x.Users())

	scaled := must.M1(Multiply(scalar, x))
	require.NoError(t, scaled.Shape().Check(dtypes.Float32, 4, 3))
	require.NoError(t, must.M1(Subtract(x, scalar)).Shape().Check(dtypes.Float32, 4, 3))
	require.NoError(t, must.M1(Divide(x, y)).Shape().Check(dtypes.Float32, 4, 3))

	_, err := Add(x, b)
	require.Error(t, err, "dtypes differ")
	_, err = Add(x, z)
	require.Error(t, err, "dimensions differ")

	// Same operand twice: registered once as a user.
	square := must.M1(Multiply(x, x))
	assert.Equal(t, 2, square.OperandCount())
	assert.Equal(t, 5, x.UserCount())

	// Operands from another computation.
	_, other := newEntry("other")
	w := must.M1(Parameter(other, 0, shapes.Make(dtypes.Float32, 4, 3), "w"))
	_, err = Add(x, w)
	require.Error(t, err)
}

func TestUnaryBuilders(t *testing.T) {
	_, c := newEntry("unary")
	x := must.M1(Parameter(c, 0, shapes.Make(dtypes.Float32, 4, 3), "x"))

	converted := must.M1(Convert(x, dtypes.BFloat16))
	require.NoError(t, converted.Shape().Check(dtypes.BFloat16, 4, 3))
	_, err := Convert(x, dtypes.InvalidDType)
	require.Error(t, err)

	reshaped := must.M1(Reshape(x, shapes.Make(dtypes.Float32, 12)))
	require.NoError(t, reshaped.Shape().Check(dtypes.Float32, 12))
	_, err = Reshape(x, shapes.Make(dtypes.Float32, 11))
	require.Error(t, err)
	_, err = Reshape(x, shapes.Make(dtypes.Int32, 12))
	require.Error(t, err)

	copied := must.M1(Copy(x))
	assert.True(t, copied.Shape().Equal(x.Shape()))

	bitcast := must.M1(Bitcast(x, shapes.Make(dtypes.Int32, 3, 4)))
	require.NoError(t, bitcast.Shape().Check(dtypes.Int32, 3, 4))
	_, err = Bitcast(x, shapes.Make(dtypes.Float64, 3, 4))
	require.Error(t, err)

	transposed := must.M1(Transpose(x, 1, 0))
	require.NoError(t, transposed.Shape().Check(dtypes.Float32, 3, 4))
	assert.Equal(t, []int{1, 0}, transposed.Permutation())
	_, err = Transpose(x, 0, 0)
	require.Error(t, err)
	_, err = Transpose(x, 0)
	require.Error(t, err)
}

func TestTupleBuilders(t *testing.T) {
	_, c := newEntry("tuple")
	x := must.M1(Parameter(c, 0, shapes.Make(dtypes.Float32, 4), "x"))
	y := must.M1(Parameter(c, 1, shapes.Make(dtypes.Int32), "y"))
	tuple := must.M1(Tuple(c, x, y))
	assert.True(t, tuple.Shape().IsTuple())
	assert.Equal(t, 2, tuple.Shape().TupleSize())

	second := must.M1(GetTupleElement(tuple, 1))
	assert.Equal(t, 1, second.TupleIndex())
	assert.True(t, second.Shape().Equal(y.Shape()))
	assert.Equal(t, -1, x.TupleIndex())
	_, err := GetTupleElement(tuple, 2)
	require.Error(t, err)
	_, err = GetTupleElement(x, 0)
	require.Error(t, err)
	_, err = Convert(tuple, dtypes.Float32)
	require.Error(t, err)
}

func TestAllReduceBuilder(t *testing.T) {
	_, c := newEntry("allreduce")
	x := must.M1(Parameter(c, 0, shapes.Make(dtypes.Float32, 4, 3), "x"))
	y := must.M1(Parameter(c, 1, shapes.Make(dtypes.Float32, 2), "y"))
	b := must.M1(Parameter(c, 2, shapes.Make(dtypes.BFloat16, 2), "b"))
	groups := [][]int{{0, 1}, {2, 3}}

	channelID := 7
	sum := must.M1(AllReduce([]*Instruction{x}, ReduceOpSum, groups, &CollectiveConfig{
		ChannelID:          &channelID,
		UseGlobalDeviceIDs: true,
	}))
	assert.True(t, sum.Shape().Equal(x.Shape()))
	assert.Equal(t, ReduceOpSum, sum.ReduceOp())
	assert.Equal(t, groups, sum.ReplicaGroups())
	assert.True(t, sum.UseGlobalDeviceIDs())
	assert.False(t, sum.ConstrainLayout())
	id, ok := sum.ChannelID()
	assert.True(t, ok)
	assert.Equal(t, 7, id)

	// Attributes are copies.
	sum.ReplicaGroups()[0][0] = 100
	assert.Equal(t, groups, sum.ReplicaGroups())
	groups[0][0] = 100
	assert.Equal(t, [][]int{{0, 1}, {2, 3}}, sum.ReplicaGroups())

	cfg := sum.CollectiveConfig()
	require.NotNil(t, cfg)
	require.NotNil(t, cfg.ChannelID)
	assert.Equal(t, 7, *cfg.ChannelID)
	assert.True(t, cfg.UseGlobalDeviceIDs)
	assert.Nil(t, x.CollectiveConfig())

	// Multiple operands produce a tuple, no config means no channel id.
	maxed := must.M1(AllReduce([]*Instruction{x, y}, ReduceOpMax, nil))
	assert.True(t, maxed.Shape().IsTuple())
	_, ok = maxed.ChannelID()
	assert.False(t, ok)
	assert.Nil(t, maxed.CollectiveConfig().ChannelID)

	_, err := AllReduce([]*Instruction{y, b}, ReduceOpSum, nil)
	require.Error(t, err, "mixed dtypes")
	_, err = AllReduce(nil, ReduceOpSum, nil)
	require.Error(t, err, "no operands")
	_, err = AllReduce([]*Instruction{x}, ReduceOpUndefined, nil)
	require.Error(t, err, "undefined reduction")
	_, err = AllReduce([]*Instruction{x}, ReduceOpSum, [][]int{{0, 1}, {1, 2}})
	require.Error(t, err, "duplicate device")
	_, err = AllReduce([]*Instruction{x}, ReduceOpSum, [][]int{{}})
	require.Error(t, err, "empty group")
	badChannel := 0
	_, err = AllReduce([]*Instruction{x}, ReduceOpSum, nil, &CollectiveConfig{ChannelID: &badChannel})
	require.Error(t, err, "non-positive channel id")
	_, err = AllReduce([]*Instruction{x}, ReduceOpSum, nil, &CollectiveConfig{}, &CollectiveConfig{})
	require.Error(t, err, "more than one config")
}

func TestOpCode(t *testing.T) {
	assert.Equal(t, "AllReduce", OpCodeAllReduce.String())
	assert.True(t, OpCodeAllReduce.IsCollective())
	assert.False(t, OpCodeAdd.IsCollective())
	assert.True(t, OpCodeMultiply.IsElementwiseBinary())
	assert.False(t, OpCodeConvert.IsElementwiseBinary())
	op, err := OpCodeString("Transpose")
	require.NoError(t, err)
	assert.Equal(t, OpCodeTranspose, op)
	assert.Equal(t, "Sum", ReduceOpSum.String())
}
