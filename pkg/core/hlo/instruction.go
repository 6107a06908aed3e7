// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hlo

import (
	"fmt"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gradsync/pkg/core/shapes"
	"github.com/gomlx/gradsync/pkg/support/sets"
	"github.com/gomlx/gradsync/pkg/support/xslices"
)

// InstructionId identifies an Instruction within its Computation. It is stable: it is never reused,
// even after the instruction is removed.
type InstructionId int

// InvalidInstructionId is returned for instructions not (or no longer) owned by a computation.
const InvalidInstructionId InstructionId = -1

// OpMetadata is free-form information attached to an instruction. Passes use OpName to tag
// instructions for downstream consumers.
type OpMetadata struct {
	OpType string
	OpName string
}

// Instruction is a node of a Computation: an operation with an ordered list of operands (other
// instructions of the same computation) and the derived list of users (instructions that have it
// as an operand).
//
// Instructions are created with the builder functions (Parameter, Add, AllReduce, ...) and are
// owned by their Computation. Operands are stored as InstructionId handles into the computation's
// arena, and the users are updated incrementally on every rewiring.
type Instruction struct {
	parent *Computation
	id     InstructionId
	name   string
	opcode OpCode
	shape  shapes.Shape

	// operands are the edges of the computation graph, users the reverse edges: users must always
	// be exactly the set of instructions that have this one in their operands.
	operands []InstructionId
	users    []InstructionId

	metadata OpMetadata

	// channelID is only set for collectives.
	channelID    int
	hasChannelID bool

	// Opcode specific attributes.
	parameterNumber int
	literal         any
	permutation     []int
	tupleIndex      int
	collective      *collectiveAttributes
}

type collectiveAttributes struct {
	replicaGroups      [][]int
	reduceOp           ReduceOpType
	constrainLayout    bool
	useGlobalDeviceIDs bool
}

// Id returns the instruction id within its computation.
func (inst *Instruction) Id() InstructionId { return inst.id }

// Name of the instruction, unique within its computation.
func (inst *Instruction) Name() string { return inst.name }

// Parent returns the computation owning the instruction, or nil if the instruction was removed.
func (inst *Instruction) Parent() *Computation { return inst.parent }

// IsRemoved returns whether the instruction has been removed from its computation.
func (inst *Instruction) IsRemoved() bool { return inst.parent == nil }

// Opcode of the instruction.
func (inst *Instruction) Opcode() OpCode { return inst.opcode }

// Shape of the value produced by the instruction.
func (inst *Instruction) Shape() shapes.Shape { return inst.shape }

// OperandCount returns the number of operands.
func (inst *Instruction) OperandCount() int { return len(inst.operands) }

// Operand returns the i-th operand.
func (inst *Instruction) Operand(i int) *Instruction {
	inst.assertLive()
	if i < 0 || i >= len(inst.operands) {
		exceptions.Panicf("%s.Operand(%d) out-of-bounds: instruction has %d operands", inst.name, i, len(inst.operands))
	}
	return inst.parent.instructions[inst.operands[i]]
}

// Operands returns a new slice with the operands of the instruction.
func (inst *Instruction) Operands() []*Instruction {
	inst.assertLive()
	return xslices.Map(inst.operands, func(id InstructionId) *Instruction { return inst.parent.instructions[id] })
}

// UserCount returns the number of distinct users of the instruction.
func (inst *Instruction) UserCount() int { return len(inst.users) }

// Users returns a new slice with the distinct users of the instruction, in the order they started using it.
func (inst *Instruction) Users() []*Instruction {
	inst.assertLive()
	return xslices.Map(inst.users, func(id InstructionId) *Instruction { return inst.parent.instructions[id] })
}

// IsRoot returns whether the instruction is the root of its computation.
func (inst *Instruction) IsRoot() bool {
	return inst.parent != nil && inst.parent.root == inst.id
}

// Metadata returns the metadata attached to the instruction.
func (inst *Instruction) Metadata() OpMetadata { return inst.metadata }

// SetMetadata replaces the metadata of the instruction.
func (inst *Instruction) SetMetadata(metadata OpMetadata) { inst.metadata = metadata }

// SetMetadataOpName sets only the OpName field of the metadata.
func (inst *Instruction) SetMetadataOpName(opName string) { inst.metadata.OpName = opName }

// ChannelID returns the channel id of a collective, and whether it has one.
func (inst *Instruction) ChannelID() (id int, ok bool) {
	return inst.channelID, inst.hasChannelID
}

// SetChannelID sets the channel id of a collective instruction. It panics for non-collectives.
func (inst *Instruction) SetChannelID(id int) {
	if !inst.opcode.IsCollective() {
		exceptions.Panicf("SetChannelID(%d) called on non-collective instruction %s", id, inst.name)
	}
	if id <= 0 {
		exceptions.Panicf("SetChannelID(%d) for %s: channel ids must be positive", id, inst.name)
	}
	inst.channelID = id
	inst.hasChannelID = true
}

// ClearChannelID removes the channel id of the instruction.
func (inst *Instruction) ClearChannelID() {
	inst.channelID = 0
	inst.hasChannelID = false
}

// ParameterNumber returns the parameter number for OpCodeParameter instructions, or -1.
func (inst *Instruction) ParameterNumber() int {
	if inst.opcode != OpCodeParameter {
		return -1
	}
	return inst.parameterNumber
}

// Literal returns the value of an OpCodeConstant instruction (the Go type matches the DType), or nil.
func (inst *Instruction) Literal() any { return inst.literal }

// Permutation returns the axes permutation of an OpCodeTranspose instruction.
func (inst *Instruction) Permutation() []int { return slices.Clone(inst.permutation) }

// TupleIndex returns the index selected by an OpCodeGetTupleElement instruction, or -1.
func (inst *Instruction) TupleIndex() int {
	if inst.opcode != OpCodeGetTupleElement {
		return -1
	}
	return inst.tupleIndex
}

// ReplicaGroups of a collective. Nil for other instructions.
func (inst *Instruction) ReplicaGroups() [][]int {
	if inst.collective == nil {
		return nil
	}
	return cloneReplicaGroups(inst.collective.replicaGroups)
}

// ReduceOp of a collective, ReduceOpUndefined for other instructions.
func (inst *Instruction) ReduceOp() ReduceOpType {
	if inst.collective == nil {
		return ReduceOpUndefined
	}
	return inst.collective.reduceOp
}

// ConstrainLayout returns whether the collective has its layout constrained.
func (inst *Instruction) ConstrainLayout() bool {
	return inst.collective != nil && inst.collective.constrainLayout
}

// UseGlobalDeviceIDs returns whether the collective's replica groups refer to global device ids.
func (inst *Instruction) UseGlobalDeviceIDs() bool {
	return inst.collective != nil && inst.collective.useGlobalDeviceIDs
}

// CollectiveConfig returns the configuration of a collective instruction, in a form that can be
// used to build another collective with the same channel and device policies. It returns nil for
// non-collective instructions.
func (inst *Instruction) CollectiveConfig() *CollectiveConfig {
	if inst.collective == nil {
		return nil
	}
	cfg := &CollectiveConfig{
		ConstrainLayout:    inst.collective.constrainLayout,
		UseGlobalDeviceIDs: inst.collective.useGlobalDeviceIDs,
	}
	if inst.hasChannelID {
		channelID := inst.channelID
		cfg.ChannelID = &channelID
	}
	return cfg
}

func (inst *Instruction) assertLive() {
	if inst.parent == nil {
		exceptions.Panicf("instruction %q (#%d) has been removed from its computation", inst.name, inst.id)
	}
}

// addUser registers user in the instruction's users, if not there yet.
func (inst *Instruction) addUser(user *Instruction) {
	if !slices.Contains(inst.users, user.id) {
		inst.users = append(inst.users, user.id)
	}
}

// removeUser unregisters user, if it no longer references the instruction in any of its operands.
func (inst *Instruction) removeUser(user *Instruction) {
	if slices.Contains(user.operands, inst.id) {
		return
	}
	inst.users = slices.DeleteFunc(inst.users, func(id InstructionId) bool { return id == user.id })
}

// ReplaceOperandWith replaces the operand at position operandNum with newOperand.
//
// newOperand must belong to the same computation and its shape must be compatible (same
// dimensions and element type) with the operand it replaces. Violations panic: they are bugs in
// the caller.
func (inst *Instruction) ReplaceOperandWith(operandNum int, newOperand *Instruction) {
	inst.assertLive()
	newOperand.assertLive()
	if operandNum < 0 || operandNum >= len(inst.operands) {
		exceptions.Panicf("%s.ReplaceOperandWith(%d, %s): instruction has %d operands",
			inst.name, operandNum, newOperand.name, len(inst.operands))
	}
	if newOperand.parent != inst.parent {
		exceptions.Panicf("%s.ReplaceOperandWith(%d, %s): new operand belongs to computation %q, not %q",
			inst.name, operandNum, newOperand.name, newOperand.parent.name, inst.parent.name)
	}
	if newOperand == inst {
		exceptions.Panicf("%s.ReplaceOperandWith(%d): an instruction cannot be its own operand", inst.name, operandNum)
	}
	oldOperand := inst.Operand(operandNum)
	if oldOperand == newOperand {
		return
	}
	if !oldOperand.shape.Compatible(newOperand.shape) {
		exceptions.Panicf("%s.ReplaceOperandWith(%d, %s): new operand shape %s is not compatible with %s",
			inst.name, operandNum, newOperand.name, newOperand.shape, oldOperand.shape)
	}
	inst.operands[operandNum] = newOperand.id
	oldOperand.removeUser(inst)
	newOperand.addUser(inst)
}

// ReplaceUsesWith makes each of the given users of inst use replacement instead, in all operand
// positions where inst appears. Users that don't use inst are ignored.
//
// It doesn't change the root of the computation.
func (inst *Instruction) ReplaceUsesWith(users []*Instruction, replacement *Instruction) {
	inst.assertLive()
	for _, user := range users {
		for operandNum, operandId := range user.operands {
			if operandId == inst.id {
				user.ReplaceOperandWith(operandNum, replacement)
			}
		}
	}
}

// ReplaceAllUsesWith makes every user of inst use replacement instead, and if inst is the root of
// its computation, makes replacement the new root.
//
// Users that replacement itself (transitively) depends on are left untouched, so the replacement
// can be built on top of inst (e.g. Convert(inst)) without creating a cycle.
func (inst *Instruction) ReplaceAllUsesWith(replacement *Instruction) {
	inst.assertLive()
	replacement.assertLive()
	if replacement == inst {
		return
	}
	dependencies := replacement.transitiveOperands()
	users := slices.DeleteFunc(inst.Users(), func(user *Instruction) bool {
		return user == replacement || dependencies.Has(user.id)
	})
	inst.ReplaceUsesWith(users, replacement)
	if inst.IsRoot() {
		inst.parent.SetRoot(replacement)
	}
}

// transitiveOperands returns the ids of all instructions inst depends on.
func (inst *Instruction) transitiveOperands() sets.Set[InstructionId] {
	visited := sets.Make[InstructionId]()
	toVisit := slices.Clone(inst.operands)
	for len(toVisit) > 0 {
		var id InstructionId
		id, toVisit = xslices.Pop(toVisit)
		if visited.Has(id) {
			continue
		}
		visited.Insert(id)
		toVisit = append(toVisit, inst.parent.instructions[id].operands...)
	}
	return visited
}

// String implements fmt.Stringer.
func (inst *Instruction) String() string {
	if inst == nil {
		return "Instruction(nil)"
	}
	if inst.parent == nil {
		return fmt.Sprintf("%s (removed)", inst.name)
	}
	operandNames := xslices.Map(inst.Operands(), func(operand *Instruction) string { return operand.name })
	parts := []string{fmt.Sprintf("%s = %s(%s)", inst.name, inst.opcode, strings.Join(operandNames, ", "))}
	switch inst.opcode {
	case OpCodeParameter:
		parts = append(parts, fmt.Sprintf("parameter=%d", inst.parameterNumber))
	case OpCodeConstant:
		parts = append(parts, fmt.Sprintf("literal=%v", inst.literal))
	case OpCodeTranspose:
		parts = append(parts, fmt.Sprintf("permutation=%v", inst.permutation))
	case OpCodeGetTupleElement:
		parts = append(parts, fmt.Sprintf("index=%d", inst.tupleIndex))
	case OpCodeAllReduce:
		parts = append(parts, fmt.Sprintf("reduce=%s replica_groups=%v", inst.collective.reduceOp, inst.collective.replicaGroups))
		if inst.collective.constrainLayout {
			parts = append(parts, "constrain_layout")
		}
		if inst.collective.useGlobalDeviceIDs {
			parts = append(parts, "use_global_device_ids")
		}
	default:
	}
	if inst.hasChannelID {
		parts = append(parts, fmt.Sprintf("channel_id=%d", inst.channelID))
	}
	if inst.metadata.OpName != "" {
		parts = append(parts, fmt.Sprintf("[%s]", inst.metadata.OpName))
	}
	if inst.IsRoot() {
		parts = append(parts, "[ROOT]")
	}
	return fmt.Sprintf("%s -> %s - mem: %s", strings.Join(parts, " "), inst.shape, humanize.Bytes(uint64(inst.shape.Memory())))
}
