package singleton

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "controlplane.lock")

	g, err := Acquire(path)
	require.NoError(t, err)
	require.NotNil(t, g)

	require.NoError(t, g.Release())

	// Released lock can be reacquired.
	g2, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, g2.Release())
}

func TestAcquire_SecondHolderFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "controlplane.lock")

	g1, err := Acquire(path)
	require.NoError(t, err)
	defer g1.Release()

	_, err = Acquire(path)
	assert.Error(t, err)
}

func TestRelease_SafeToCallTwice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "controlplane.lock")
	g, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, g.Release())
	require.NoError(t, g.Release())
}
