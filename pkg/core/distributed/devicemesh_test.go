// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed_test

import (
	"testing"

	"github.com/gomlx/gradsync/pkg/core/distributed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceMesh(t *testing.T) {
	t.Run("NewDeviceMesh_Valid", func(t *testing.T) {
		tests := []struct {
			name      string
			shape     []int
			axisNames []string
			wantRank  int
			wantNum   int
		}{
			{"1D mesh", []int{8}, []string{"replica"}, 1, 8},
			{"2D mesh", []int{2, 4}, []string{"x", "y"}, 2, 8},
			{"3D mesh", []int{2, 2, 2}, []string{"x", "y", "z"}, 3, 8},
			{"single device", []int{1}, []string{"replica"}, 1, 1},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				mesh, err := distributed.NewDeviceMesh(tt.shape, tt.axisNames)
				require.NoError(t, err)
				assert.Equal(t, tt.wantRank, mesh.Rank())
				assert.Equal(t, tt.wantNum, mesh.NumDevices())
				assert.Equal(t, distributed.DefaultMeshName, mesh.Name())
			})
		}
	})

	t.Run("NewDeviceMesh_Errors", func(t *testing.T) {
		tests := []struct {
			name      string
			shape     []int
			axisNames []string
		}{
			{"mismatched lengths", []int{2, 4}, []string{"x"}},
			{"empty", []int{}, []string{}},
			{"invalid name", []int{4}, []string{"1x"}},
			{"duplicate name", []int{2, 2}, []string{"x", "x"}},
			{"zero size", []int{0}, []string{"x"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := distributed.NewDeviceMesh(tt.shape, tt.axisNames)
				require.Error(t, err)
			})
		}
	})

	t.Run("Accessors", func(t *testing.T) {
		mesh, err := distributed.NewDeviceMesh([]int{2, 4}, []string{"data", "model"})
		require.NoError(t, err)
		assert.Equal(t, []string{"data", "model"}, mesh.AxesNames())
		assert.Equal(t, []int{2, 4}, mesh.AxesSizes())
		size, err := mesh.AxisSize("model")
		require.NoError(t, err)
		assert.Equal(t, 4, size)
		_, err = mesh.AxisSize("batch")
		require.Error(t, err)
		assert.Equal(t, "DeviceMesh(axesSizes={data: 2, model: 4})", mesh.String())

		// Returned slices are copies.
		mesh.AxesSizes()[0] = 100
		assert.Equal(t, []int{2, 4}, mesh.AxesSizes())
	})

	t.Run("SetDeviceAssignment", func(t *testing.T) {
		mesh, err := distributed.NewDeviceMesh([]int{4}, []string{"replica"})
		require.NoError(t, err)
		assert.Nil(t, mesh.DeviceAssignment())
		require.NoError(t, mesh.SetDeviceAssignment(3, 2, 1, 0))
		assert.Equal(t, []int{3, 2, 1, 0}, mesh.DeviceAssignment())
		require.Error(t, mesh.SetDeviceAssignment(0, 1, 2))
		require.Error(t, mesh.SetDeviceAssignment(0, 1, 1, 2))
		require.Error(t, mesh.SetDeviceAssignment(0, 1, 2, 4))
		require.NoError(t, mesh.SetDeviceAssignment())
		assert.Nil(t, mesh.DeviceAssignment())
	})
}

func TestReplicaGroups(t *testing.T) {
	mesh2D, err := distributed.NewDeviceMesh([]int{2, 2}, []string{"batch", "data"})
	require.NoError(t, err)

	groups, err := mesh2D.ReplicaGroups("batch")
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 2}, {1, 3}}, groups)

	groups, err = mesh2D.ReplicaGroups("data")
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 1}, {2, 3}}, groups)

	groups, err = mesh2D.ReplicaGroups("batch", "data")
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 1, 2, 3}}, groups)

	groups, err = mesh2D.ReplicaGroups()
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0}, {1}, {2}, {3}}, groups)

	_, err = mesh2D.ReplicaGroups("model")
	require.Error(t, err)
	_, err = mesh2D.ReplicaGroups("data", "data")
	require.Error(t, err)

	mesh3D, err := distributed.NewDeviceMesh([]int{2, 2, 2}, []string{"x", "y", "z"})
	require.NoError(t, err)
	groups, err = mesh3D.ReplicaGroups("x")
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 4}, {1, 5}, {2, 6}, {3, 7}}, groups)
	groups, err = mesh3D.ReplicaGroups("x", "y")
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 2, 4, 6}, {1, 3, 5, 7}}, groups)

	// Custom device assignment.
	mesh1D, err := distributed.NewDeviceMesh([]int{4}, []string{"replica"})
	require.NoError(t, err)
	require.NoError(t, mesh1D.SetDeviceAssignment(3, 1, 2, 0))
	groups, err = mesh1D.ReplicaGroups("replica")
	require.NoError(t, err)
	assert.Equal(t, [][]int{{3, 1, 2, 0}}, groups)
}

func TestParseAxesSizes(t *testing.T) {
	sizes, err := distributed.ParseAxesSizes("2x4")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4}, sizes)
	sizes, err = distributed.ParseAxesSizes(" 8 ")
	require.NoError(t, err)
	assert.Equal(t, []int{8}, sizes)
	_, err = distributed.ParseAxesSizes("2xa")
	require.Error(t, err)
}
