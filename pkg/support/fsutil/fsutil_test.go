// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "a", "b", "data.txt")

	exists, err := FileExists(target)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, WriteFileAtomic(target, strings.NewReader("first"), 0644))
	require.NoError(t, WriteFileAtomic(target, strings.NewReader("second"), 0644))
	contents, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "second", string(contents))

	// No temporary files are left behind.
	entries, err := os.ReadDir(filepath.Dir(target))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestReplaceTildeInDir(t *testing.T) {
	got, err := ReplaceTildeInDir("/tmp/x")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x", got)

	got, err = ReplaceTildeInDir("~/ckpt")
	require.NoError(t, err)
	assert.False(t, strings.HasPrefix(got, "~"))
	assert.True(t, strings.HasSuffix(got, "/ckpt"))
}
