// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gradacc

import "github.com/gomlx/gradsync/pkg/core/hlo"

// FindAllReduce follows start through pass-through operations (Convert, Reshape, Copy, Bitcast and
// Transpose) to an AllReduce, and returns it.
//
// A Multiply is followed on both sides (it models the scaling of a reduced gradient, e.g. by 1/N):
// it matches only if exactly one side leads to an AllReduce. Any other operation doesn't match.
func FindAllReduce(start *hlo.Instruction) (allReduce *hlo.Instruction, found bool) {
	switch start.Opcode() {
	case hlo.OpCodeAllReduce:
		return start, true
	case hlo.OpCodeConvert, hlo.OpCodeReshape, hlo.OpCodeCopy, hlo.OpCodeBitcast, hlo.OpCodeTranspose:
		return FindAllReduce(start.Operand(0))
	case hlo.OpCodeMultiply:
		lhs, lhsFound := FindAllReduce(start.Operand(0))
		rhs, rhsFound := FindAllReduce(start.Operand(1))
		switch {
		case lhsFound && !rhsFound:
			return lhs, true
		case rhsFound && !lhsFound:
			return rhs, true
		}
	default:
	}
	return nil, false
}
