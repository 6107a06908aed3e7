// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xslices

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMap(t *testing.T) {
	require.Equal(t, []string{"1", "2", "3"}, Map([]int{1, 2, 3}, strconv.Itoa))

	got, err := MapWithError([]string{"1", "-2"}, strconv.Atoi)
	require.NoError(t, err)
	require.Equal(t, []int{1, -2}, got)
	_, err = MapWithError([]string{"1", "x"}, strconv.Atoi)
	require.Error(t, err)
}

func TestPopMaxProduct(t *testing.T) {
	value, rest := Pop([]int{1, 2, 3})
	require.Equal(t, 3, value)
	require.Equal(t, []int{1, 2}, rest)
	value, rest = Pop[int](nil)
	require.Equal(t, 0, value)
	require.Empty(t, rest)

	require.Equal(t, 7, Max([]int{3, 7, -1}))
	require.Equal(t, 0, Max[int](nil))
	require.Equal(t, 24, Product([]int{2, 3, 4}))
	require.Equal(t, 1, Product[int](nil))
}
