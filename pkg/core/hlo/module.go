// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hlo implements a small HLO-like instruction graph: Module, Computation and
// Instruction, with the builder functions needed to express gradient accumulation programs and
// the in-place mutation primitives (ReplaceOperandWith, ReplaceAllUsesWith, RemoveInstruction)
// used by graph rewriting passes.
//
// Instructions are owned by their Computation and addressed by InstructionId. Each instruction
// keeps both its operands and its users; every mutation updates both sides incrementally.
//
// Errors in user input (e.g. building an Add of mismatched dtypes) are returned as errors. Misuse of
// the mutation primitives breaks the graph invariants and panics.
package hlo

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gradsync/pkg/support/sets"
	"github.com/gomlx/gradsync/pkg/support/xslices"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Module is an independently compiled unit: it owns one or more computations, one of which is
// the entry computation, whose root is the module's result.
type Module struct {
	name         string
	uniqueID     uuid.UUID
	computations []*Computation
	entry        *Computation
}

// NewModule creates an empty module.
func NewModule(name string) *Module {
	return &Module{name: name, uniqueID: uuid.New()}
}

// Name of the module.
func (m *Module) Name() string { return m.name }

// UniqueID identifies the module across a process, even if names collide.
func (m *Module) UniqueID() uuid.UUID { return m.uniqueID }

// AddComputation takes ownership of the computation.
func (m *Module) AddComputation(c *Computation) *Computation {
	if c.module != nil {
		exceptions.Panicf("computation %q already belongs to module %q", c.name, c.module.name)
	}
	c.module = m
	m.computations = append(m.computations, c)
	return c
}

// AddEntryComputation takes ownership of the computation and makes it the entry computation.
func (m *Module) AddEntryComputation(c *Computation) *Computation {
	m.AddComputation(c)
	m.entry = c
	return c
}

// EntryComputation returns the entry computation, or nil if not set.
func (m *Module) EntryComputation() *Computation { return m.entry }

// Computations owned by the module. The returned slice shouldn't be modified.
func (m *Module) Computations() []*Computation { return m.computations }

// ChannelIDs returns the set of channel ids used by the instructions of all computations.
func (m *Module) ChannelIDs() sets.Set[int] {
	ids := sets.Make[int]()
	for _, c := range m.computations {
		for _, inst := range c.Instructions() {
			if id, ok := inst.ChannelID(); ok {
				ids.Insert(id)
			}
		}
	}
	return ids
}

// MaxChannelID returns the largest channel id used in the module, or 0 if none is used.
func (m *Module) MaxChannelID() int {
	maxID := 0
	for id := range m.ChannelIDs() {
		maxID = max(maxID, id)
	}
	return maxID
}

// Verify checks the structural invariants of all computations of the module.
func (m *Module) Verify() error {
	if m.entry == nil {
		return errors.Errorf("module %q has no entry computation", m.name)
	}
	for _, c := range m.computations {
		if err := c.Verify(); err != nil {
			return err
		}
	}
	return nil
}

// String converts the module to a multi-line description. It's meant for logging and debugging.
func (m *Module) String() string {
	parts := []string{fmt.Sprintf("Module %q (%s): %d computations, channel ids %v",
		m.name, m.uniqueID, len(m.computations), sets.Sorted(m.ChannelIDs()))}
	for _, c := range m.computations {
		header := ""
		if c == m.entry {
			header = "ENTRY "
		}
		parts = append(parts, header+c.String())
	}
	return strings.Join(parts, "\n")
}

// ModuleGroup is an ordered list of modules that are compiled together, and whose collectives
// rendezvous with each other: channel ids must be unique across the group.
type ModuleGroup struct {
	name    string
	modules []*Module
}

// NewModuleGroup creates a group with the given modules, in order.
func NewModuleGroup(name string, modules ...*Module) *ModuleGroup {
	return &ModuleGroup{name: name, modules: modules}
}

// Name of the group.
func (g *ModuleGroup) Name() string { return g.name }

// Len returns the number of modules in the group.
func (g *ModuleGroup) Len() int { return len(g.modules) }

// Module returns the i-th module of the group.
func (g *ModuleGroup) Module(i int) *Module {
	if i < 0 || i >= len(g.modules) {
		exceptions.Panicf("ModuleGroup(%q).Module(%d) out-of-bounds: group has %d modules", g.name, i, len(g.modules))
	}
	return g.modules[i]
}

// Modules returns the modules of the group. The returned slice shouldn't be modified.
func (g *ModuleGroup) Modules() []*Module { return g.modules }

// MaxChannelID returns the largest channel id used in any module of the group, or 0 if none.
func (g *ModuleGroup) MaxChannelID() int {
	return xslices.Max(xslices.Map(g.modules, (*Module).MaxChannelID))
}
