package pid

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"codeberg.org/mutker/pifanctl/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "pifanctl.pid")

	require.NoError(t, Write(path))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(content))

	require.NoError(t, Remove(path))
	assert.NoFileExists(t, path)
	assert.NoError(t, Remove(path))
}

func TestWriteAlreadyRunning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pifanctl.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600))

	err := Write(path)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrAlreadyRunning))
}

func TestWriteReplacesStaleFile(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"dead process", "2147483646"},
		{"garbage", "not a pid"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "pifanctl.pid")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			require.NoError(t, Write(path))

			content, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, strconv.Itoa(os.Getpid()), string(content))
		})
	}
}

func TestDefaultPath(t *testing.T) {
	assert.Equal(t, filepath.Join(os.TempDir(), "pifanctl.pid"), DefaultPath())
}
