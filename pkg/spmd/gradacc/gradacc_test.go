// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gradacc_test

import (
	"flag"
	"os"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gradsync/pkg/core/hlo"
	"github.com/gomlx/gradsync/pkg/core/shapes"
	. "github.com/gomlx/gradsync/pkg/spmd/gradacc"
	"github.com/gomlx/gradsync/pkg/support/passcontext"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func TestMain(m *testing.M) {
	klog.InitFlags(nil)
	flag.Parse()
	os.Exit(m.Run())
}

// newEntry creates a module with an empty entry computation.
func newEntry(name string) (*hlo.Module, *hlo.Computation) {
	m := hlo.NewModule(name)
	return m, m.AddEntryComputation(hlo.NewComputation(name + ".entry"))
}

func withChannel(id int) *hlo.CollectiveConfig {
	return &hlo.CollectiveConfig{ChannelID: &id}
}

// allReduces returns the AllReduce instructions of the module's entry computation.
func allReduces(m *hlo.Module) []*hlo.Instruction {
	var collectives []*hlo.Instruction
	for _, inst := range m.EntryComputation().Instructions() {
		if inst.Opcode() == hlo.OpCodeAllReduce {
			collectives = append(collectives, inst)
		}
	}
	return collectives
}

// rootShape returns the shape of the entry root.
func rootShape(m *hlo.Module) shapes.Shape {
	return m.EntryComputation().Root().Shape()
}

func TestFindAllReduce(t *testing.T) {
	_, c := newEntry("matcher")
	x := must.M1(hlo.Parameter(c, 0, shapes.Make(dtypes.BFloat16, 3, 4), "x"))
	y := must.M1(hlo.Parameter(c, 1, shapes.Make(dtypes.Float32, 4, 3), "y"))
	allReduce := must.M1(hlo.AllReduce([]*hlo.Instruction{x}, hlo.ReduceOpSum, nil))

	found, ok := FindAllReduce(allReduce)
	require.True(t, ok)
	assert.Equal(t, allReduce, found)

	// Pass-through chain.
	chain := must.M1(hlo.Copy(must.M1(hlo.Transpose(must.M1(hlo.Convert(allReduce, dtypes.Float32)), 1, 0))))
	chain = must.M1(hlo.Bitcast(must.M1(hlo.Reshape(chain, shapes.Make(dtypes.Float32, 12))), shapes.Make(dtypes.Int32, 4, 3)))
	found, ok = FindAllReduce(chain)
	require.True(t, ok)
	assert.Equal(t, allReduce, found)

	// Multiply on either side.
	scale := must.M1(hlo.Constant(c, dtypes.Float32, 0.5))
	converted := must.M1(hlo.Convert(allReduce, dtypes.Float32))
	transposed := must.M1(hlo.Transpose(converted, 1, 0))
	found, ok = FindAllReduce(must.M1(hlo.Multiply(transposed, scale)))
	require.True(t, ok)
	assert.Equal(t, allReduce, found)
	found, ok = FindAllReduce(must.M1(hlo.Multiply(scale, transposed)))
	require.True(t, ok)
	assert.Equal(t, allReduce, found)

	// Ambiguous or absent.
	_, ok = FindAllReduce(must.M1(hlo.Multiply(transposed, transposed)))
	assert.False(t, ok)
	_, ok = FindAllReduce(must.M1(hlo.Multiply(y, scale)))
	assert.False(t, ok)
	_, ok = FindAllReduce(y)
	assert.False(t, ok)

	// Other opcodes stop the search.
	_, ok = FindAllReduce(must.M1(hlo.Add(transposed, y)))
	assert.False(t, ok)
	_, ok = FindAllReduce(must.M1(hlo.Subtract(must.M1(hlo.Multiply(transposed, scale)), y)))
	assert.False(t, ok)
}

func TestBridge(t *testing.T) {
	_, c := newEntry("bridge")
	x := must.M1(hlo.Parameter(c, 0, shapes.Make(dtypes.Float32, 4, 3), "x"))

	// Compatible: no-op.
	numInstructions := c.NumInstructions()
	assert.Equal(t, x, Bridge(x, shapes.Make(dtypes.Float32, 4, 3)))
	assert.Equal(t, numInstructions, c.NumInstructions())

	// DType only.
	converted := Bridge(x, shapes.Make(dtypes.BFloat16, 4, 3))
	assert.Equal(t, hlo.OpCodeConvert, converted.Opcode())
	assert.Equal(t, x, converted.Operand(0))
	require.NoError(t, converted.Shape().Check(dtypes.BFloat16, 4, 3))

	// Dimensions only.
	reshaped := Bridge(x, shapes.Make(dtypes.Float32, 12))
	assert.Equal(t, hlo.OpCodeReshape, reshaped.Opcode())
	assert.Equal(t, x, reshaped.Operand(0))

	// Both: Convert then Reshape.
	target := shapes.Make(dtypes.BFloat16, 3, 4)
	both := Bridge(x, target)
	assert.Equal(t, hlo.OpCodeReshape, both.Opcode())
	assert.Equal(t, hlo.OpCodeConvert, both.Operand(0).Opcode())
	assert.True(t, both.Shape().Compatible(target))

	// Idempotent.
	numInstructions = c.NumInstructions()
	assert.Equal(t, both, Bridge(both, target))
	assert.Equal(t, numInstructions, c.NumInstructions())

	// Sizes that don't match are a broken invariant.
	assert.Panics(t, func() { Bridge(x, shapes.Make(dtypes.Float32, 5)) })
}

func TestBridgeAll(t *testing.T) {
	_, c := newEntry("bridge_all")
	x := must.M1(hlo.Parameter(c, 0, shapes.Make(dtypes.Float32, 4), "x"))
	y := must.M1(hlo.Parameter(c, 1, shapes.Make(dtypes.Int32, 2, 2), "y"))

	target := shapes.MakeTuple(shapes.Make(dtypes.Float32, 4), shapes.Make(dtypes.Int32, 4))
	bridged := BridgeAll([]*hlo.Instruction{x, y}, target)
	require.Len(t, bridged, 2)
	assert.Equal(t, x, bridged[0])
	assert.True(t, bridged[1].Shape().Equal(target.TupleShapes[1]))

	single := BridgeAll([]*hlo.Instruction{x}, shapes.Make(dtypes.Float64, 4))
	require.Len(t, single, 1)
	assert.Equal(t, hlo.OpCodeConvert, single[0].Opcode())

	assert.Panics(t, func() { BridgeAll([]*hlo.Instruction{x}, target) })
	assert.Panics(t, func() { BridgeAll([]*hlo.Instruction{x, y}, shapes.Make(dtypes.Float32, 4)) })
}

func TestConfigFromContext(t *testing.T) {
	ctx := passcontext.New()
	SetDefaultParams(ctx)
	cfg, err := ConfigFromContext(ctx)
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)
	assert.Empty(t, cfg.OutputIndices)

	_, err = passcontext.ParseSettings(ctx,
		"auto_sharding::rewrite_for_grad_acc=true;auto_sharding::rewrite_indices=0,2;auto_sharding::rewrite_applygrad_indices=-1,3")
	require.NoError(t, err)
	cfg, err = ConfigFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, Config{Enabled: true, OutputIndices: []int{0, 2}, InputIndices: []int{NoRelocation, 3}}, cfg)

	ctx.SetParam(ParamEnabled, "yes")
	_, err = ConfigFromContext(ctx)
	require.Error(t, err)
}

func TestRemoveAll(t *testing.T) {
	m, c := newEntry("reaper")
	x := must.M1(hlo.Parameter(c, 0, shapes.Make(dtypes.Float32, 4), "x"))
	allReduce := must.M1(hlo.AllReduce([]*hlo.Instruction{x}, hlo.ReduceOpSum, nil))
	converted := must.M1(hlo.Convert(allReduce, dtypes.BFloat16))
	root := must.M1(hlo.Copy(x))
	c.SetRoot(root)

	require.Error(t, RemoveAll(m, []*hlo.Instruction{allReduce}), "it has users")
	require.Error(t, RemoveAll(m, []*hlo.Instruction{root}), "it is the root")
	other, _ := newEntry("other")
	require.Error(t, RemoveAll(other, []*hlo.Instruction{converted}), "wrong module")
	assert.False(t, converted.IsRemoved())

	// Duplicates are fine; the collective operand is only removed when listed.
	require.NoError(t, RemoveAll(m, []*hlo.Instruction{converted, converted}))
	assert.True(t, converted.IsRemoved())
	assert.False(t, allReduce.IsRemoved())
	require.NoError(t, RemoveAll(m, []*hlo.Instruction{allReduce}))
	assert.Equal(t, []*hlo.Instruction{x, root}, c.Instructions())
	require.NoError(t, m.Verify())
}

func TestGradSyncChannelIds(t *testing.T) {
	m, c := newEntry("channels")
	assert.Equal(t, ".", GradSyncChannelIds(m))
	x := must.M1(hlo.Parameter(c, 0, shapes.Make(dtypes.Float32, 4), "x"))
	var elements []*hlo.Instruction
	for _, id := range []int{3, 7, 12} {
		allReduce := must.M1(hlo.AllReduce([]*hlo.Instruction{x}, hlo.ReduceOpSum, nil, withChannel(id)))
		allReduce.SetMetadataOpName(SkippableAllReduce)
		elements = append(elements, allReduce)
	}
	notTagged := must.M1(hlo.AllReduce([]*hlo.Instruction{x}, hlo.ReduceOpSum, nil, withChannel(20)))
	noChannel := must.M1(hlo.AllReduce([]*hlo.Instruction{x}, hlo.ReduceOpSum, nil))
	noChannel.SetMetadataOpName(SkippableAllReduce)
	elements = append(elements, notTagged, noChannel)
	c.SetRoot(must.M1(hlo.Tuple(c, elements...)))
	assert.Equal(t, ".3.7.12.", GradSyncChannelIds(m))
	assert.Equal(t, ".", GradSyncChannelIds(hlo.NewModule("no_entry")))
}
