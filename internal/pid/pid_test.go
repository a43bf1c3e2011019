package pid_test

import (
	"os"
	"strconv"
	"testing"

	"codeberg.org/mutker/gpuctl/internal/errors"
	"codeberg.org/mutker/gpuctl/internal/pid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndRemove(t *testing.T) {
	f := pid.New(t.TempDir())

	require.NoError(t, f.Write())
	data, err := os.ReadFile(f.Path())
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))

	require.NoError(t, f.Remove())
	_, err = os.Stat(f.Path())
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, f.Remove(), "removing a missing file is not an error")
}

func TestWriteWhileRunning(t *testing.T) {
	f := pid.New(t.TempDir())
	require.NoError(t, f.Write())

	err := f.Write()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrAlreadyRunning))
}

func TestWriteReplacesStaleFile(t *testing.T) {
	tests := map[string]string{
		"dead process": "2147483646",
		"garbage":      "not a pid",
		"empty":        "",
	}

	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			f := pid.New(t.TempDir())
			require.NoError(t, os.WriteFile(f.Path(), []byte(content), 0o600))

			require.NoError(t, f.Write())
			data, err := os.ReadFile(f.Path())
			require.NoError(t, err)
			assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))
		})
	}
}
