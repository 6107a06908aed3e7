// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gradacc rewrites the gradient synchronization of gradient accumulation programs.
//
// A program that accumulates gradients typically outputs, for each gradient, the value
// Add(accumulated, AllReduce(localGradient)): the AllReduce runs on every micro-batch. This
// package matches that pattern (possibly with Convert/Reshape/Copy/Bitcast/Transpose and a scaling
// Multiply between the AllReduce and the Add) and either:
//
//   - Rewrite (single module): moves the AllReduce after the Add, AllReduce(Add(accumulated, local)),
//     and tags it with SkippableAllReduce, so the runtime can skip it on all but the last micro-batch.
//   - RewriteWithCommDelay (module group): removes the AllReduce from the producer module (the
//     backward step) and recreates it in the consumer module (the apply-gradient step), over the
//     parameter that receives the accumulated gradient, tagged with DelayedAllReduce.
//
// Output indices that don't match the pattern are skipped silently (logged with klog.V(1)).
// Broken preconditions (e.g. mismatched dtypes between producer and consumer) are returned as errors,
// in which case the modules are left in an unspecified state and should be discarded.
package gradacc

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gradsync/pkg/support/passcontext"
	"github.com/pkg/errors"
)

// Tags written to hlo.OpMetadata.OpName of the collectives handled by this package.
const (
	// SkippableAllReduce marks an AllReduce that only needs to execute on the last accumulation step.
	SkippableAllReduce = "grad_acc_skippable_all_reduce"

	// AllReduceToBeRemoved marks a producer AllReduce whose synchronization was delayed to the
	// consumer module. It is removed before the rewrite returns.
	AllReduceToBeRemoved = "grad_acc_all_reduce_to_be_removed"

	// DelayedAllReduce marks the AllReduce created in the consumer module.
	DelayedAllReduce = "grad_acc_delayed_all_reduce"
)

// NoRelocation in Config.InputIndices means the AllReduce of the corresponding output stays in the
// producer module, rewritten as in Rewrite.
const NoRelocation = -1

// Config selects the outputs to rewrite.
type Config struct {
	// Enabled toggles the rewrite: if false, the modules are not inspected.
	Enabled bool

	// OutputIndices are the positions in the (producer) entry root tuple to try to rewrite.
	OutputIndices []int

	// InputIndices are used only by RewriteWithCommDelay: for each OutputIndices[i], InputIndices[i]
	// is the consumer module's entry parameter number that receives that output, or NoRelocation.
	InputIndices []int
}

// Keys of the pass context parameters used by ConfigFromContext.
const (
	ParamEnabled       = "auto_sharding::rewrite_for_grad_acc"
	ParamOutputIndices = "auto_sharding::rewrite_indices"
	ParamInputIndices  = "auto_sharding::rewrite_applygrad_indices"
)

// SetDefaultParams registers the parameters read by ConfigFromContext with their default values,
// so they can be parsed with passcontext.ParseSettings.
func SetDefaultParams(ctx *passcontext.Context) {
	ctx.SetParam(ParamEnabled, false)
	ctx.SetParam(ParamOutputIndices, []int{})
	ctx.SetParam(ParamInputIndices, []int{})
}

// ConfigFromContext builds a Config from the parameters of ctx. Missing parameters take their
// default values.
func ConfigFromContext(ctx *passcontext.Context) (Config, error) {
	var cfg Config
	err := exceptions.TryCatch[error](func() {
		cfg.Enabled = ctx.GetBool(ParamEnabled, false)
		cfg.OutputIndices = ctx.GetIntVector(ParamOutputIndices)
		cfg.InputIndices = ctx.GetIntVector(ParamInputIndices)
	})
	if err != nil {
		return Config{}, errors.WithMessage(err, "invalid gradient accumulation parameters")
	}
	return cfg, nil
}
