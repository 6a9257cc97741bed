package cli

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := GetRootCmd()
	assert.Equal(t, "finchd", cmd.Use)
	assert.Equal(t, version, cmd.Version)

	names := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["stop"])
	assert.True(t, names["status"])
}

func TestPIDFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "finchd.pid")

	require.NoError(t, writePIDFile(path))
	assert.Equal(t, os.Getpid(), readPID(path))

	removePIDFile(path)
	assert.Equal(t, 0, readPID(path))
}

func TestReadPID_Garbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "finchd.pid")
	require.NoError(t, os.WriteFile(path, []byte("not a pid"), 0o644))
	assert.Equal(t, 0, readPID(path))

	require.NoError(t, os.WriteFile(path, []byte("-5"), 0o644))
	assert.Equal(t, 0, readPID(path))
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, processAlive(os.Getpid()))
	assert.False(t, processAlive(0))

	// A pid beyond the default kernel limit cannot exist
	assert.False(t, processAlive(1<<22+1))
}

func TestReadPID_LargeValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "finchd.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(1<<22+1)), 0o644))
	assert.Equal(t, 1<<22+1, readPID(path))
}
