//go:build !windows

package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	lock, err := Acquire(dir)
	require.NoError(t, err)
	defer lock.Release()

	content, err := os.ReadFile(filepath.Join(dir, LockFileName))
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("pid=%d\n", os.Getpid()), string(content))
}

func TestAcquire_Conflict(t *testing.T) {
	dir := t.TempDir()

	first, err := Acquire(dir)
	require.NoError(t, err)
	defer first.Release()

	second, err := Acquire(dir)
	require.Error(t, err)
	assert.Nil(t, second)

	var lockErr *LockError
	require.True(t, errors.As(err, &lockErr))
	assert.Equal(t, fmt.Sprintf("pid %d", os.Getpid()), lockErr.Holder)
	assert.Contains(t, err.Error(), LockFileName)

	// the holder's pid survives the failed attempt
	content, err := os.ReadFile(filepath.Join(dir, LockFileName))
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("pid=%d\n", os.Getpid()), string(content))
}

func TestRelease(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release())

	_, err = os.Stat(filepath.Join(dir, LockFileName))
	assert.True(t, os.IsNotExist(err))

	again, err := Acquire(dir)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestAcquire_StaleFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, LockFileName), []byte("pid=999999999\n"), 0o644))

	lock, err := Acquire(dir)
	require.NoError(t, err)
	defer lock.Release()
}

func TestParsePID(t *testing.T) {
	tests := []struct {
		content  string
		expected int
	}{
		{"pid=1234\n", 1234},
		{"host=a\npid=42\n", 42},
		{"", 0},
		{"pid=abc", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, parsePID(tt.content), tt.content)
	}
}
