// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"os"
	"os/user"
	"path"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReplaceTildeInPath(t *testing.T) {
	got, err := ReplaceTildeInPath("/tmp/settings.txt")
	require.NoError(t, err)
	require.Equal(t, "/tmp/settings.txt", got)

	usr, err := user.Current()
	require.NoError(t, err)
	got, err = ReplaceTildeInPath("~/settings.txt")
	require.NoError(t, err)
	require.Equal(t, path.Join(usr.HomeDir, "settings.txt"), got)
}

func TestReadLines(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("# comment\n\n  a=1  \nb=2\n"), 0o600))
	lines, err := ReadLines(filePath)
	require.NoError(t, err)
	require.Equal(t, []string{"a=1", "b=2"}, lines)

	_, err = ReadLines(filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
}
