// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gradacc

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gradsync/pkg/core/hlo"
	"github.com/gomlx/gradsync/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// relocation is a match in the producer whose AllReduce moves to the consumer parameter.
type relocation struct {
	*match
	param *hlo.Instruction
}

// relocate detaches the matched AllReduce from the producer and recreates it in the consumer, over
// the parameter that receives the accumulated gradient. All previous users of the parameter
// (and the root, if it was the parameter) read the reduced value instead.
//
// It returns the producer AllReduce, tagged with AllReduceToBeRemoved, to be removed.
func relocate(r *relocation, channels *channelAllocator) *hlo.Instruction {
	allReduce, param := r.allReduce, r.param
	detach(r.match)
	metadata := allReduce.Metadata()
	allReduce.SetMetadataOpName(AllReduceToBeRemoved)

	config := allReduce.CollectiveConfig()
	if config.ChannelID != nil {
		channelID := channels.Next()
		config.ChannelID = &channelID
	}
	paramUsers := param.Users()
	wasRoot := param.IsRoot()
	reduceShape := allReduce.Shape().WithDType(param.Shape().DType)
	delayed := mustBuild(hlo.AllReduce([]*hlo.Instruction{Bridge(param, reduceShape)}, allReduce.ReduceOp(),
		allReduce.ReplicaGroups(), config))
	metadata.OpName = DelayedAllReduce
	delayed.SetMetadata(metadata)
	assertSameCollective(allReduce, delayed)

	output := Bridge(delayed, param.Shape())
	param.ReplaceUsesWith(paramUsers, output)
	if wasRoot {
		param.Parent().SetRoot(output)
	}
	klog.V(1).Infof("gradacc: output #%d AllReduce %s relocated to %s over parameter #%d (%s)",
		r.outputIndex, allReduce.Name(), delayed.Name(), param.ParameterNumber(), param.Name())
	return allReduce
}

// RewriteWithCommDelay delays the gradient synchronization from the producer module (group.Module(0),
// typically the backward step of gradient accumulation) to the consumer module (group.Module(1),
// the apply-gradient step).
//
// For each pair (cfg.OutputIndices[i], cfg.InputIndices[i]):
//
//   - If InputIndices[i] is NoRelocation, the output is rewritten in the producer as in Rewrite.
//   - Otherwise, if the producer output has the pattern Add(x, AllReduce(y)), the AllReduce is removed
//     from the producer, and a new AllReduce, tagged with DelayedAllReduce, is created in the
//     consumer over the parameter number InputIndices[i]. Every user of that parameter reads the
//     reduced value instead. If the original AllReduce had a channel id, the new one gets a new id,
//     unused in both modules.
//
// Outputs that don't have the pattern are skipped. It returns whether anything was rewritten.
//
// It returns an error, before changing anything, if the index lists have different lengths, if an
// input index doesn't exist in the consumer, or if the dtype or size of a matched output differs
// from the consumer parameter. Errors after changes started leave the modules in an unspecified
// state: they must be discarded.
func RewriteWithCommDelay(group *hlo.ModuleGroup, cfg Config) (changed bool, err error) {
	if !cfg.Enabled {
		return false, nil
	}
	if group.Len() != 2 {
		return false, errors.Errorf("gradient accumulation communication delay requires a group of 2 modules (producer and consumer), got %d", group.Len())
	}
	if len(cfg.OutputIndices) != len(cfg.InputIndices) {
		return false, errors.Errorf("gradient accumulation communication delay requires as many output indices (%d) as input indices (%d)",
			len(cfg.OutputIndices), len(cfg.InputIndices))
	}
	producer, consumer := group.Module(0), group.Module(1)
	for _, module := range []*hlo.Module{producer, consumer} {
		if module.EntryComputation() == nil || module.EntryComputation().Root() == nil {
			return false, errors.Errorf("gradient accumulation communication delay: module %q has no entry computation root", module.Name())
		}
	}
	if klog.V(2).Enabled() {
		klog.Infof("gradacc: RewriteWithCommDelay(outputs=%v, inputs=%v) input:\n%s\n%s",
			cfg.OutputIndices, cfg.InputIndices, producer, consumer)
	}

	var rewriteErr error
	err = exceptions.TryCatch[error](func() {
		var inPlace []*match
		var relocations []*relocation
		inPlace, relocations, rewriteErr = planCommDelay(producer, consumer, cfg)
		if rewriteErr != nil {
			return
		}
		root := producer.EntryComputation().Root()
		var toRemove []*hlo.Instruction
		for _, m := range inPlace {
			toRemove = append(toRemove, moveAfterAdd(root, m)...)
		}
		channels := newChannelAllocator(producer, consumer)
		for _, r := range relocations {
			toRemove = append(toRemove, relocate(r, channels))
		}
		rewriteErr = RemoveAll(producer, toRemove)
		changed = len(inPlace)+len(relocations) > 0
	})
	if err == nil {
		err = rewriteErr
	}
	if err != nil {
		return false, errors.WithMessagef(err, "gradient accumulation communication delay from %q to %q",
			producer.Name(), consumer.Name())
	}
	if klog.V(2).Enabled() {
		klog.Infof("gradacc: RewriteWithCommDelay output:\n%s\n%s", producer, consumer)
	}
	return changed, nil
}

// planCommDelay matches all outputs and checks the preconditions of the relocations, without
// changing the modules.
func planCommDelay(producer, consumer *hlo.Module, cfg Config) (inPlace []*match, relocations []*relocation, err error) {
	om := newOutputMatcher(producer)
	consumerEntry := consumer.EntryComputation()
	relocatedParams := sets.Make[int]()
	for ii, outputIndex := range cfg.OutputIndices {
		inputIndex := cfg.InputIndices[ii]
		var param *hlo.Instruction
		if inputIndex != NoRelocation {
			param = consumerEntry.ParameterInstruction(inputIndex)
			if param == nil {
				return nil, nil, errors.Errorf("input index %d (for output #%d) is not a parameter of %q, which has %d parameters",
					inputIndex, outputIndex, consumer.Name(), consumerEntry.NumParameters())
			}
			if relocatedParams.Has(inputIndex) {
				om.skip(outputIndex, "parameter #%d of %q already receives another AllReduce", inputIndex, consumer.Name())
				continue
			}
		}
		m := om.match(outputIndex)
		if m == nil {
			continue
		}
		if param == nil {
			inPlace = append(inPlace, m)
			continue
		}
		addShape, paramShape := m.add.Shape(), param.Shape()
		if addShape.DType != paramShape.DType {
			return nil, nil, errors.Errorf("output #%d of %q (%s) and parameter #%d of %q (%s) have different dtypes",
				outputIndex, producer.Name(), addShape, inputIndex, consumer.Name(), paramShape)
		}
		if m.allReduce.Shape().Size() != paramShape.Size() {
			return nil, nil, errors.Errorf("AllReduce %s of output #%d of %q (%s) and parameter #%d of %q (%s) have different sizes",
				m.allReduce.Name(), outputIndex, producer.Name(), m.allReduce.Shape(), inputIndex, consumer.Name(), paramShape)
		}
		relocatedParams.Insert(inputIndex)
		relocations = append(relocations, &relocation{match: m, param: param})
	}
	return
}
