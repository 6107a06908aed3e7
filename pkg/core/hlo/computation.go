// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hlo

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gradsync/pkg/support/sets"
	"github.com/pkg/errors"
)

// Computation owns a set of instructions forming an acyclic dataflow graph with exactly one root.
//
// Instructions are kept in an arena indexed by InstructionId: removed instructions leave a nil
// slot, so ids are never reused.
type Computation struct {
	name   string
	module *Module

	instructions []*Instruction
	numLive      int

	// parameters maps parameter number to its instruction id.
	parameters map[int]InstructionId
	root       InstructionId
}

// NewComputation creates an empty computation. Its root must be set with SetRoot once it's built.
func NewComputation(name string) *Computation {
	return &Computation{
		name:       name,
		parameters: make(map[int]InstructionId),
		root:       InvalidInstructionId,
	}
}

// Name of the computation.
func (c *Computation) Name() string { return c.name }

// Module owning the computation, or nil if it wasn't added to a module yet.
func (c *Computation) Module() *Module { return c.module }

// addInstruction takes ownership of inst and assigns it an id and a default name.
func (c *Computation) addInstruction(inst *Instruction, operands ...*Instruction) *Instruction {
	inst.parent = c
	inst.id = InstructionId(len(c.instructions))
	if inst.name == "" {
		inst.name = fmt.Sprintf("%s.%d", strings.ToLower(inst.opcode.String()), inst.id)
	}
	c.instructions = append(c.instructions, inst)
	c.numLive++
	inst.operands = make([]InstructionId, 0, len(operands))
	for _, operand := range operands {
		if operand.parent != c {
			exceptions.Panicf("adding %s to computation %q: operand %s belongs to another computation",
				inst.opcode, c.name, operand.name)
		}
		inst.operands = append(inst.operands, operand.id)
		operand.addUser(inst)
	}
	return inst
}

// Instruction returns the instruction with the given id, or nil if it doesn't exist or was removed.
func (c *Computation) Instruction(id InstructionId) *Instruction {
	if id < 0 || int(id) >= len(c.instructions) {
		return nil
	}
	return c.instructions[id]
}

// Instructions returns the live instructions, in the order they were created.
// It is a valid post-order only until operands are rewired: ReplaceOperandWith may give an
// instruction an operand created after it.
func (c *Computation) Instructions() []*Instruction {
	live := make([]*Instruction, 0, c.numLive)
	for _, inst := range c.instructions {
		if inst != nil {
			live = append(live, inst)
		}
	}
	return live
}

// NumInstructions returns the number of live instructions.
func (c *Computation) NumInstructions() int { return c.numLive }

// NumParameters returns the number of parameters of the computation.
func (c *Computation) NumParameters() int { return len(c.parameters) }

// ParameterInstruction returns the parameter with the given number, or nil if there is none.
func (c *Computation) ParameterInstruction(number int) *Instruction {
	id, found := c.parameters[number]
	if !found {
		return nil
	}
	return c.instructions[id]
}

// Root returns the root instruction of the computation, or nil if not set yet.
func (c *Computation) Root() *Instruction {
	if c.root == InvalidInstructionId {
		return nil
	}
	return c.instructions[c.root]
}

// SetRoot sets the root of the computation. The instruction must belong to the computation.
func (c *Computation) SetRoot(root *Instruction) {
	if root.parent != c {
		exceptions.Panicf("SetRoot(%s): instruction doesn't belong to computation %q", root.name, c.name)
	}
	c.root = root.id
}

// RemoveInstruction removes inst from the computation. It fails if inst still has users, if it is
// the root of the computation, or if it is a parameter.
func (c *Computation) RemoveInstruction(inst *Instruction) error {
	if inst.parent != c {
		return errors.Errorf("cannot remove %s from computation %q: it is not owned by it", inst.name, c.name)
	}
	if len(inst.users) > 0 {
		return errors.Errorf("cannot remove %s from computation %q: it still has %d users (first is %s)",
			inst.name, c.name, len(inst.users), c.instructions[inst.users[0]].name)
	}
	if inst.IsRoot() {
		return errors.Errorf("cannot remove %s from computation %q: it is the root", inst.name, c.name)
	}
	if inst.opcode == OpCodeParameter {
		return errors.Errorf("cannot remove parameter %s from computation %q", inst.name, c.name)
	}
	operands := inst.Operands()
	inst.operands = nil
	for _, operand := range operands {
		operand.removeUser(inst)
	}
	c.instructions[inst.id] = nil
	c.numLive--
	inst.parent = nil
	return nil
}

// RemoveInstructionAndUnusedOperands removes inst (see RemoveInstruction) and then, transitively,
// every operand left without users, except parameters, the root and the instructions for which
// keep returns true. keep may be nil.
func (c *Computation) RemoveInstructionAndUnusedOperands(inst *Instruction, keep func(*Instruction) bool) error {
	toRemove := []*Instruction{inst}
	for len(toRemove) > 0 {
		next := toRemove[0]
		toRemove = toRemove[1:]
		if next.IsRemoved() {
			continue
		}
		operands := next.Operands()
		if err := c.RemoveInstruction(next); err != nil {
			return err
		}
		for _, operand := range operands {
			if operand.IsRemoved() || operand.UserCount() > 0 || operand.IsRoot() || operand.opcode == OpCodeParameter {
				continue
			}
			if keep != nil && keep(operand) {
				continue
			}
			toRemove = append(toRemove, operand)
		}
	}
	return nil
}

// Verify checks the structural invariants of the computation: all operands are live and owned by
// the computation, users are exactly the instructions referencing each instruction, the root is
// set and live, and parameters are registered.
func (c *Computation) Verify() error {
	if c.Root() == nil {
		return errors.Errorf("computation %q has no root", c.name)
	}
	numLive := 0
	for id, inst := range c.instructions {
		if inst == nil {
			continue
		}
		numLive++
		if inst.parent != c || inst.id != InstructionId(id) {
			return errors.Errorf("computation %q: instruction %s registered at #%d has parent %v and id #%d",
				c.name, inst.name, id, inst.parent, inst.id)
		}
		for operandNum, operandId := range inst.operands {
			operand := c.Instruction(operandId)
			if operand == nil {
				return errors.Errorf("computation %q: %s operand #%d references removed instruction #%d",
					c.name, inst.name, operandNum, operandId)
			}
			if !slices.Contains(operand.users, inst.id) {
				return errors.Errorf("computation %q: %s uses %s, but it is not registered as a user",
					c.name, inst.name, operand.name)
			}
		}
		seen := sets.Make[InstructionId](len(inst.users))
		for _, userId := range inst.users {
			if seen.Has(userId) {
				return errors.Errorf("computation %q: %s has user #%d registered twice", c.name, inst.name, userId)
			}
			seen.Insert(userId)
			user := c.Instruction(userId)
			if user == nil {
				return errors.Errorf("computation %q: %s has removed instruction #%d as a user", c.name, inst.name, userId)
			}
			if !slices.Contains(user.operands, inst.id) {
				return errors.Errorf("computation %q: %s is registered as user of %s, but doesn't use it",
					c.name, user.name, inst.name)
			}
		}
	}
	if numLive != c.numLive {
		return errors.Errorf("computation %q: counted %d live instructions, expected %d", c.name, numLive, c.numLive)
	}
	for number, id := range c.parameters {
		param := c.Instruction(id)
		if param == nil || param.opcode != OpCodeParameter || param.parameterNumber != number {
			return errors.Errorf("computation %q: parameter #%d is not registered correctly", c.name, number)
		}
	}
	return nil
}

// String converts the computation to a multi-line description, one line per live instruction.
// It's meant for logging and debugging only.
func (c *Computation) String() string {
	if c == nil {
		return "Computation(nil)"
	}
	parts := []string{
		fmt.Sprintf("Computation %q: %d instructions, %d parameters", c.name, c.numLive, len(c.parameters)),
	}
	for _, inst := range c.Instructions() {
		parts = append(parts, fmt.Sprintf("\t#%d\t%s", inst.id, inst))
	}
	return strings.Join(parts, "\n")
}
