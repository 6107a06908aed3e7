// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gradacctest builds synthetic gradient accumulation programs, to test and inspect the
// gradacc rewrites.
//
// Backward builds the producer module of a training step with gradient accumulation:
//
//	output[i] = Add(accumulated[i], Multiply?(Convert?(AllReduce(partial[i]))))
//
// And ApplyGrad builds the consumer module, that applies the accumulated gradients to the weights:
//
//	output[i] = Subtract(weight[i], Multiply(gradient[i], learningRate))
package gradacctest

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gradsync/pkg/core/hlo"
	"github.com/gomlx/gradsync/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Options of the synthetic programs.
type Options struct {
	// NumGrads is the number of gradients (and weights).
	NumGrads int

	// Dimensions of each gradient.
	Dimensions []int

	// DType of the accumulated gradients and weights.
	DType dtypes.DType

	// CollectiveDType is the dtype in which the gradients are reduced. If it differs from DType
	// the local gradients are computed in CollectiveDType and converted after the AllReduce.
	// If InvalidDType, it defaults to DType.
	CollectiveDType dtypes.DType

	// ReplicaGroups of the gradient AllReduce instructions.
	ReplicaGroups [][]int

	// Scale the reduced gradients by 1/NumReplicas, with a Multiply after the AllReduce.
	Scale bool

	// FirstChannelID is the channel id of the first gradient AllReduce, the following ones get
	// consecutive ids. If 0, the AllReduce instructions have no channel id.
	FirstChannelID int

	// ConsumerChannelID, if > 0, adds to the apply-gradient module an AllReduce of the loss with this
	// channel id, output as its last element.
	ConsumerChannelID int
}

// Program is a module built by Backward or ApplyGrad, with its relevant instructions.
type Program struct {
	Module *hlo.Module

	// Params are the entry parameters, in order.
	Params []*hlo.Instruction

	// Outputs are the elements of the root tuple, one per gradient.
	Outputs []*hlo.Instruction

	// AllReduces are the gradient AllReduce instructions (only for Backward).
	AllReduces []*hlo.Instruction
}

func (opts *Options) collectiveDType() dtypes.DType {
	if opts.CollectiveDType == dtypes.InvalidDType {
		return opts.DType
	}
	return opts.CollectiveDType
}

func (opts *Options) numReplicas() int {
	if len(opts.ReplicaGroups) == 0 {
		return 1
	}
	return len(opts.ReplicaGroups[0])
}

// Backward builds the producer module. Its entry parameters are the accumulated gradients
// (0..NumGrads-1) followed by the local gradients (NumGrads..2*NumGrads-1).
func Backward(name string, opts Options) (*Program, error) {
	if opts.NumGrads <= 0 {
		return nil, errors.Errorf("gradacctest.Backward requires at least one gradient, got NumGrads=%d", opts.NumGrads)
	}
	module := hlo.NewModule(name)
	entry := module.AddEntryComputation(hlo.NewComputation(name + ".entry"))
	program := &Program{Module: module}
	accShape := shapes.Make(opts.DType, opts.Dimensions...)
	localShape := shapes.Make(opts.collectiveDType(), opts.Dimensions...)
	for ii := range opts.NumGrads {
		param, err := hlo.Parameter(entry, ii, accShape, fmt.Sprintf("accumulated_%d", ii))
		if err != nil {
			return nil, err
		}
		program.Params = append(program.Params, param)
	}
	for ii := range opts.NumGrads {
		param, err := hlo.Parameter(entry, opts.NumGrads+ii, localShape, fmt.Sprintf("local_grad_%d", ii))
		if err != nil {
			return nil, err
		}
		program.Params = append(program.Params, param)
	}

	for ii := range opts.NumGrads {
		var config *hlo.CollectiveConfig
		if opts.FirstChannelID > 0 {
			channelID := opts.FirstChannelID + ii
			config = &hlo.CollectiveConfig{ChannelID: &channelID}
		}
		allReduce, err := hlo.AllReduce([]*hlo.Instruction{program.Params[opts.NumGrads+ii]}, hlo.ReduceOpSum,
			opts.ReplicaGroups, config)
		if err != nil {
			return nil, err
		}
		allReduce.SetMetadata(hlo.OpMetadata{OpType: "AllReduce", OpName: fmt.Sprintf("grad_sync_%d", ii)})
		program.AllReduces = append(program.AllReduces, allReduce)
		reduced := allReduce
		if reduced.Shape().DType != opts.DType {
			if reduced, err = hlo.Convert(reduced, opts.DType); err != nil {
				return nil, err
			}
		}
		if opts.Scale {
			scale, err := hlo.Constant(entry, opts.DType, 1.0/float64(opts.numReplicas()))
			if err != nil {
				return nil, err
			}
			if reduced, err = hlo.Multiply(reduced, scale); err != nil {
				return nil, err
			}
		}
		output, err := hlo.Add(program.Params[ii], reduced)
		if err != nil {
			return nil, err
		}
		program.Outputs = append(program.Outputs, output)
	}
	root, err := hlo.Tuple(entry, program.Outputs...)
	if err != nil {
		return nil, err
	}
	entry.SetRoot(root)
	return program, nil
}

// ApplyGrad builds the consumer module. Its entry parameters are the weights (0..NumGrads-1) followed
// by the gradients (NumGrads..2*NumGrads-1), and, if ConsumerChannelID > 0, the loss.
func ApplyGrad(name string, opts Options) (*Program, error) {
	if opts.NumGrads <= 0 {
		return nil, errors.Errorf("gradacctest.ApplyGrad requires at least one gradient, got NumGrads=%d", opts.NumGrads)
	}
	module := hlo.NewModule(name)
	entry := module.AddEntryComputation(hlo.NewComputation(name + ".entry"))
	program := &Program{Module: module}
	shape := shapes.Make(opts.DType, opts.Dimensions...)
	for ii := range 2 * opts.NumGrads {
		paramName := fmt.Sprintf("weight_%d", ii)
		if ii >= opts.NumGrads {
			paramName = fmt.Sprintf("gradient_%d", ii-opts.NumGrads)
		}
		param, err := hlo.Parameter(entry, ii, shape, paramName)
		if err != nil {
			return nil, err
		}
		program.Params = append(program.Params, param)
	}
	learningRate, err := hlo.Constant(entry, opts.DType, 0.01)
	if err != nil {
		return nil, err
	}
	for ii := range opts.NumGrads {
		step, err := hlo.Multiply(program.Params[opts.NumGrads+ii], learningRate)
		if err != nil {
			return nil, err
		}
		output, err := hlo.Subtract(program.Params[ii], step)
		if err != nil {
			return nil, err
		}
		program.Outputs = append(program.Outputs, output)
	}
	rootElements := program.Outputs
	if opts.ConsumerChannelID > 0 {
		loss, err := hlo.Parameter(entry, 2*opts.NumGrads, shapes.Make(dtypes.Float32), "loss")
		if err != nil {
			return nil, err
		}
		program.Params = append(program.Params, loss)
		channelID := opts.ConsumerChannelID
		lossSum, err := hlo.AllReduce([]*hlo.Instruction{loss}, hlo.ReduceOpSum, opts.ReplicaGroups,
			&hlo.CollectiveConfig{ChannelID: &channelID})
		if err != nil {
			return nil, err
		}
		rootElements = append(rootElements[:len(rootElements):len(rootElements)], lossSum)
	}
	root, err := hlo.Tuple(entry, rootElements...)
	if err != nil {
		return nil, err
	}
	entry.SetRoot(root)
	return program, nil
}
