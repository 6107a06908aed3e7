// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gradacc

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gradsync/pkg/core/hlo"
	"github.com/gomlx/gradsync/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// match is an output of the entry computation with the pattern Add(x, ...AllReduce(y)...).
type match struct {
	outputIndex int
	add         *hlo.Instruction
	allReduce   *hlo.Instruction
}

// outputMatcher finds the matches in the outputs of a module's entry computation. Each AllReduce
// is matched at most once.
type outputMatcher struct {
	module  *hlo.Module
	root    *hlo.Instruction
	claimed sets.Set[*hlo.Instruction]
}

func newOutputMatcher(module *hlo.Module) *outputMatcher {
	return &outputMatcher{
		module:  module,
		root:    module.EntryComputation().Root(),
		claimed: sets.Make[*hlo.Instruction](),
	}
}

// skip logs why an output index was not rewritten.
func (om *outputMatcher) skip(index int, format string, args ...any) {
	if klog.V(1).Enabled() {
		args = append([]any{om.module.Name(), index}, args...)
		klog.Infof("gradacc: module %q output #%d skipped: "+format, args...)
	}
}

// match returns the match at the output index, or nil if the output doesn't have the pattern.
func (om *outputMatcher) match(index int) *match {
	if om.root.Opcode() != hlo.OpCodeTuple {
		om.skip(index, "root %s is not a tuple", om.root.Name())
		return nil
	}
	if index < 0 || index >= om.root.OperandCount() {
		om.skip(index, "index out of range, root has %d outputs", om.root.OperandCount())
		return nil
	}
	add := om.root.Operand(index)
	if add.Opcode() != hlo.OpCodeAdd {
		om.skip(index, "output is %s, not an Add", add.Opcode())
		return nil
	}
	allReduce, found := FindAllReduce(add.Operand(1))
	if !found {
		om.skip(index, "no AllReduce found from %s", add.Operand(1).Name())
		return nil
	}
	if allReduce.UserCount() != 1 {
		om.skip(index, "%s has %d users", allReduce.Name(), allReduce.UserCount())
		return nil
	}
	if om.claimed.Has(allReduce) {
		om.skip(index, "%s already matched by another output", allReduce.Name())
		return nil
	}
	if allReduce.OperandCount() != 1 {
		exceptions.Panicf("%s is used by an element-wise chain but has %d operands", allReduce.Name(), allReduce.OperandCount())
	}
	if allReduce.Shape().Size() != add.Shape().Size() {
		// Broadcast scalar, or a Bitcast changing the element width: the Add can't be reduced in its place.
		om.skip(index, "%s %s and %s %s have different sizes", allReduce.Name(), allReduce.Shape(), add.Name(), add.Shape())
		return nil
	}
	om.claimed.Insert(allReduce)
	return &match{outputIndex: index, add: add, allReduce: allReduce}
}

// detach makes the user of m.allReduce read the AllReduce's operand instead, leaving the
// AllReduce without users.
func detach(m *match) {
	allReduce := m.allReduce
	allReduce.ReplaceUsesWith(allReduce.Users(), Bridge(allReduce.Operand(0), allReduce.Shape()))
}

// moveAfterAdd rewrites the matched output from Add(x, AllReduce(y)) to AllReduce(Add(x, y)) in
// place, and tags the AllReduce as skippable.
//
// If the AllReduce has a different dtype from the Add, it is replaced by a new AllReduce with the
// dtype of the Add. Instructions made dead are returned, to be removed once all outputs are rewritten.
func moveAfterAdd(root *hlo.Instruction, m *match) (toRemove []*hlo.Instruction) {
	allReduce, add := m.allReduce, m.add
	detach(m)
	allReduce.ReplaceOperandWith(0, Bridge(add, allReduce.Operand(0).Shape()))
	output := Bridge(allReduce, add.Shape())
	root.ReplaceOperandWith(m.outputIndex, output)
	allReduce.SetMetadataOpName(SkippableAllReduce)
	if allReduce.Shape().SameElementType(add.Shape()) {
		return nil
	}

	// Reducing in the Add's dtype avoids converting the accumulated value back and forth.
	fixed := mustBuild(hlo.AllReduce([]*hlo.Instruction{add}, allReduce.ReduceOp(), allReduce.ReplicaGroups(),
		allReduce.CollectiveConfig()))
	fixed.SetMetadata(allReduce.Metadata())
	assertSameCollective(allReduce, fixed)
	root.ReplaceOperandWith(m.outputIndex, fixed)
	klog.V(1).Infof("gradacc: %s replaced by %s to reduce in %s", allReduce.Name(), fixed.Name(), add.Shape().DType)
	return []*hlo.Instruction{output, allReduce}
}

// assertSameCollective panics if built doesn't preserve the reduction and device attributes of original.
func assertSameCollective(original, built *hlo.Instruction) {
	if built.ReduceOp() != original.ReduceOp() ||
		!slices.EqualFunc(built.ReplicaGroups(), original.ReplicaGroups(), func(a, b []int) bool { return slices.Equal(a, b) }) ||
		built.ConstrainLayout() != original.ConstrainLayout() ||
		built.UseGlobalDeviceIDs() != original.UseGlobalDeviceIDs() {
		exceptions.Panicf("%s doesn't preserve the attributes of %s: %s vs %s", built.Name(), original.Name(), built, original)
	}
}

// Rewrite moves, for each output of the module's entry computation listed in cfg.OutputIndices,
// the gradient AllReduce after the accumulation: Add(x, AllReduce(y)) becomes
// AllReduce(Add(x, y)), with the AllReduce tagged with SkippableAllReduce.
//
// Outputs that don't have the pattern are skipped. It returns whether any output was rewritten.
// If cfg.Enabled is false, it does nothing.
func Rewrite(module *hlo.Module, cfg Config) (changed bool, err error) {
	if !cfg.Enabled {
		return false, nil
	}
	if module.EntryComputation() == nil || module.EntryComputation().Root() == nil {
		return false, errors.Errorf("gradient accumulation rewrite: module %q has no entry computation root", module.Name())
	}
	if klog.V(2).Enabled() {
		klog.Infof("gradacc: Rewrite(indices=%v) input:\n%s", cfg.OutputIndices, module)
	}
	var reapErr error
	err = exceptions.TryCatch[error](func() {
		om := newOutputMatcher(module)
		var matches []*match
		for _, index := range cfg.OutputIndices {
			if m := om.match(index); m != nil {
				matches = append(matches, m)
			}
		}
		var toRemove []*hlo.Instruction
		for _, m := range matches {
			toRemove = append(toRemove, moveAfterAdd(om.root, m)...)
			klog.V(1).Infof("gradacc: module %q output #%d: %s moved after %s", module.Name(), m.outputIndex,
				m.allReduce.Name(), m.add.Name())
		}
		reapErr = RemoveAll(module, toRemove)
		changed = len(matches) > 0
	})
	if err == nil {
		err = reapErr
	}
	if err != nil {
		return false, errors.WithMessagef(err, "gradient accumulation rewrite of module %q", module.Name())
	}
	if klog.V(2).Enabled() {
		klog.Infof("gradacc: Rewrite output:\n%s", module)
	}
	return changed, nil
}
