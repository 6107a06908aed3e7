// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gradacc

import (
	"github.com/gomlx/gradsync/pkg/core/hlo"
	"github.com/gomlx/gradsync/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RemoveAll removes the given instructions of module, which must all be dead: no users, and not the
// root of their computation. Duplicates are removed only once.
//
// Operands left without users by the removal are removed as well, transitively, except parameters,
// roots and collectives (whose removal is always explicit).
//
// It must be called only after all rewiring is done: the first instruction that is still in use
// aborts the removal with an error.
func RemoveAll(module *hlo.Module, instructions []*hlo.Instruction) error {
	seen := sets.Make[*hlo.Instruction](len(instructions))
	for _, inst := range instructions {
		if seen.Has(inst) {
			continue
		}
		seen.Insert(inst)
		if inst.IsRemoved() {
			// Already removed as an unused operand of a previous instruction.
			continue
		}
		c := inst.Parent()
		if c.Module() != module {
			return errors.Errorf("cannot remove %s: it doesn't belong to module %q", inst.Name(), module.Name())
		}
		if inst.UserCount() > 0 || inst.IsRoot() {
			return errors.Errorf("cannot remove %s from module %q: it is still in use (%d users, root=%v)",
				inst.Name(), module.Name(), inst.UserCount(), inst.IsRoot())
		}
		klog.V(2).Infof("removing %s from module %q", inst, module.Name())
		err := c.RemoveInstructionAndUnusedOperands(inst, func(operand *hlo.Instruction) bool {
			return operand.Opcode().IsCollective()
		})
		if err != nil {
			return errors.WithMessagef(err, "failed to remove dead instructions from module %q", module.Name())
		}
	}
	return nil
}
