// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed describes the device topology collectives run on, and derives the replica
// groups of an AllReduce from it.
package distributed

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/gradsync/pkg/support/sets"
	"github.com/gomlx/gradsync/pkg/support/xslices"
	"github.com/pkg/errors"
)

// DeviceMesh is a logical, multi-dimensional arrangement of devices. Each axis has a name (e.g.
// "data", "model") and a size, and collectives reduce along one or more of those axes.
type DeviceMesh struct {
	name       string
	axesNames  []string
	axesSizes  []int
	nameToAxis map[string]int
	numDevices int

	// deviceAssignment maps the mesh's flat position to a device id. If nil, position i is device i.
	deviceAssignment []int
}

// DefaultMeshName is the name given to meshes created with NewDeviceMesh.
const DefaultMeshName = "mesh"

// IsNameValid checks whether a name is a valid identifier for a mesh axis: an ASCII letter
// followed by letters, digits or underscores.
func IsNameValid(name string) bool {
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		return false
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			continue
		}
		return false
	}
	return true
}

// NewDeviceMesh creates a mesh with the given axes.
//
//   - axesSizes: number of devices along each axis, all positive.
//   - axesNames: one unique, valid (see IsNameValid) name per axis.
func NewDeviceMesh(axesSizes []int, axesNames []string) (*DeviceMesh, error) {
	if len(axesSizes) != len(axesNames) {
		return nil, errors.Errorf("axesSizes and axesNames must have the same length, got %d and %d",
			len(axesSizes), len(axesNames))
	}
	if len(axesSizes) == 0 {
		return nil, errors.New("DeviceMesh axesSizes cannot be empty")
	}
	nameToAxis := make(map[string]int, len(axesNames))
	for axis, name := range axesNames {
		if !IsNameValid(name) {
			return nil, errors.Errorf("DeviceMesh axis name %q at index %d is not a valid identifier", name, axis)
		}
		if _, found := nameToAxis[name]; found {
			return nil, errors.Errorf("DeviceMesh axis name %q is duplicated", name)
		}
		if axesSizes[axis] <= 0 {
			return nil, errors.Errorf("DeviceMesh axis %q has invalid size %d", name, axesSizes[axis])
		}
		nameToAxis[name] = axis
	}
	return &DeviceMesh{
		name:       DefaultMeshName,
		axesNames:  slices.Clone(axesNames),
		axesSizes:  slices.Clone(axesSizes),
		nameToAxis: nameToAxis,
		numDevices: xslices.Product(axesSizes),
	}, nil
}

// ParseAxesSizes parses a mesh description in the form "2x4" (one size per axis, separated by "x").
func ParseAxesSizes(description string) ([]int, error) {
	parts := strings.Split(strings.TrimSpace(description), "x")
	sizes := make([]int, 0, len(parts))
	for _, part := range parts {
		size, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse mesh description %q", description)
		}
		sizes = append(sizes, size)
	}
	return sizes, nil
}

// SetName of the mesh.
func (m *DeviceMesh) SetName(name string) { m.name = name }

// Name returns the mesh name.
func (m *DeviceMesh) Name() string { return m.name }

// NumDevices returns the total number of devices in the mesh.
func (m *DeviceMesh) NumDevices() int { return m.numDevices }

// Rank returns the number of axes in the mesh.
func (m *DeviceMesh) Rank() int { return len(m.axesSizes) }

// AxesNames returns a copy of the mesh's axis names.
func (m *DeviceMesh) AxesNames() []string { return slices.Clone(m.axesNames) }

// AxesSizes returns a copy of the mesh's axes sizes.
func (m *DeviceMesh) AxesSizes() []int { return slices.Clone(m.axesSizes) }

// AxisSize returns the number of devices along the given mesh axis.
func (m *DeviceMesh) AxisSize(axisName string) (int, error) {
	axis, found := m.nameToAxis[axisName]
	if !found {
		return 0, errors.Errorf("mesh axis %q not found", axisName)
	}
	return m.axesSizes[axis], nil
}

// String implements fmt.Stringer.
func (m *DeviceMesh) String() string {
	parts := make([]string, 0, len(m.axesNames))
	for axis, name := range m.axesNames {
		parts = append(parts, fmt.Sprintf("%s: %d", name, m.axesSizes[axis]))
	}
	return fmt.Sprintf("DeviceMesh(axesSizes={%s})", strings.Join(parts, ", "))
}

// SetDeviceAssignment sets which device id sits at each (flat, row-major) position of the mesh.
// devices must be a permutation of 0..NumDevices()-1. Calling it with no devices resets it to the
// sequential assignment.
func (m *DeviceMesh) SetDeviceAssignment(devices ...int) error {
	if len(devices) == 0 {
		m.deviceAssignment = nil
		return nil
	}
	if len(devices) != m.numDevices {
		return errors.Errorf("devices must have %d elements, got %d", m.numDevices, len(devices))
	}
	seen := sets.Make[int](m.numDevices)
	for _, device := range devices {
		if device < 0 || device >= m.numDevices {
			return errors.Errorf("devices must be between 0 and %d (NumDevices()-1), got device %d",
				m.numDevices-1, device)
		}
		if seen.Has(device) {
			return errors.Errorf("device #%d is duplicated in assignment", device)
		}
		seen.Insert(device)
	}
	m.deviceAssignment = slices.Clone(devices)
	return nil
}

// DeviceAssignment returns the device id at each mesh position, or nil for the sequential assignment.
func (m *DeviceMesh) DeviceAssignment() []int { return slices.Clone(m.deviceAssignment) }

func (m *DeviceMesh) deviceAt(position int) int {
	if m.deviceAssignment == nil {
		return position
	}
	return m.deviceAssignment[position]
}

// ReplicaGroups returns the replica groups of a collective reducing along the given axes: devices
// that differ only in their coordinates along those axes are in the same group.
//
// Example:
//
//	m, _ := NewDeviceMesh([]int{2, 2}, []string{"batch", "data"})
//	m.ReplicaGroups("batch")          // -> [][]int{{0, 2}, {1, 3}}
//	m.ReplicaGroups("data")           // -> [][]int{{0, 1}, {2, 3}}
//	m.ReplicaGroups("batch", "data")  // -> [][]int{{0, 1, 2, 3}}
//
// With no axes, each device is its own group.
func (m *DeviceMesh) ReplicaGroups(axes ...string) ([][]int, error) {
	isReduced := make([]bool, m.Rank())
	for _, axisName := range axes {
		axis, found := m.nameToAxis[axisName]
		if !found {
			return nil, errors.Errorf("axis %q not found in mesh %s", axisName, m)
		}
		if isReduced[axis] {
			return nil, errors.Errorf("axis %q is duplicated: each axis can only appear once", axisName)
		}
		isReduced[axis] = true
	}

	// Group index and position within the group are the row-major flattening of, respectively,
	// the kept and the reduced coordinates of each device.
	groupSize := 1
	for axis, reduced := range isReduced {
		if reduced {
			groupSize *= m.axesSizes[axis]
		}
	}
	groups := make([][]int, m.numDevices/groupSize)
	for i := range groups {
		groups[i] = make([]int, groupSize)
	}
	coords := make([]int, m.Rank())
	for position := range m.numDevices {
		remaining := position
		for axis := m.Rank() - 1; axis >= 0; axis-- {
			coords[axis] = remaining % m.axesSizes[axis]
			remaining /= m.axesSizes[axis]
		}
		groupIdx, posInGroup := 0, 0
		for axis, coord := range coords {
			if isReduced[axis] {
				posInGroup = posInGroup*m.axesSizes[axis] + coord
			} else {
				groupIdx = groupIdx*m.axesSizes[axis] + coord
			}
		}
		groups[groupIdx][posInGroup] = m.deviceAt(position)
	}
	return groups, nil
}
