package utility

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureParentDir(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "var", "lib", "failover", "state.db")

	require.NoError(t, EnsureParentDir(path))
	info, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// existing directory is fine
	require.NoError(t, EnsureParentDir(path))
	require.NoError(t, EnsureParentDir(":memory:"))
	require.NoError(t, EnsureParentDir("state.db"))
}

func TestNewRequestID(t *testing.T) {
	a, b := NewRequestID(), NewRequestID()
	assert.NotEqual(t, a, b)
	_, err := uuid.Parse(a)
	assert.NoError(t, err)
}
