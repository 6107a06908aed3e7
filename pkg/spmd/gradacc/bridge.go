// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gradacc

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gradsync/pkg/core/hlo"
	"github.com/gomlx/gradsync/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Bridge returns src adapted to target: src itself if the shapes are already compatible,
// otherwise a Convert (if the dtypes differ) followed by a Reshape (if the dimensions differ),
// created in the computation of src.
//
// target must be an array shape with the same number of elements as src. Bridge is idempotent:
// Bridge(Bridge(x, s), s) doesn't create any new instruction.
func Bridge(src *hlo.Instruction, target shapes.Shape) *hlo.Instruction {
	if src.Shape().Compatible(target) {
		return src
	}
	bridged := src
	if !bridged.Shape().SameElementType(target) {
		bridged = mustBuild(hlo.Convert(bridged, target.DType))
	}
	if !bridged.Shape().EqualDimensions(target) {
		bridged = mustBuild(hlo.Reshape(bridged, target))
	}
	return bridged
}

// BridgeAll bridges each of srcs to the corresponding element of a tuple target, or the single src to
// an array target.
//
// It panics if the number of srcs doesn't match the arity of target.
func BridgeAll(srcs []*hlo.Instruction, target shapes.Shape) []*hlo.Instruction {
	if !target.IsTuple() {
		if len(srcs) != 1 {
			exceptions.Panicf("BridgeAll: %d instructions given for the array shape %s", len(srcs), target)
		}
		return []*hlo.Instruction{Bridge(srcs[0], target)}
	}
	if len(srcs) != target.TupleSize() {
		exceptions.Panicf("BridgeAll: %d instructions given for the tuple shape %s", len(srcs), target)
	}
	bridged := make([]*hlo.Instruction, len(srcs))
	for ii, src := range srcs {
		bridged[ii] = Bridge(src, target.TupleShapes[ii])
	}
	return bridged
}

// mustBuild panics if building an instruction failed: the rewrite always builds instructions from
// validated shapes, so it means the graph is inconsistent.
func mustBuild(inst *hlo.Instruction, err error) *hlo.Instruction {
	if err != nil {
		panic(errors.WithMessage(err, "gradient accumulation rewrite failed to build instruction"))
	}
	return inst
}
