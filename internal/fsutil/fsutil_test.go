package fsutil

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAtomic(t *testing.T) {
	t.Run("WritesContent", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "sub", "out.bin")

		err := WriteAtomic(path, func(w io.Writer) error {
			_, err := w.Write([]byte("hello"))
			return err
		})
		require.NoError(t, err)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), data)
	})

	t.Run("ReplacesExisting", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "out.bin")
		require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))

		err := WriteAtomic(path, func(w io.Writer) error {
			_, err := w.Write([]byte("new"))
			return err
		})
		require.NoError(t, err)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, []byte("new"), data)
	})

	t.Run("FailedWriteLeavesTargetUntouched", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "out.bin")
		require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))

		err := WriteAtomic(path, func(w io.Writer) error {
			_, _ = w.Write([]byte("partial"))
			return errors.New("boom")
		})
		require.Error(t, err)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, []byte("old"), data, "target must keep previous content")

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Len(t, entries, 1, "temp file must be cleaned up")
	})
}

func TestCRC32C(t *testing.T) {
	sum := CRC32C([]byte("123456789"))
	// Known CRC32-Castagnoli check value.
	assert.Equal(t, uint32(0xE3069283), sum)

	h := NewCRC32C()
	_, _ = h.Write([]byte("123456789"))
	assert.Equal(t, sum, h.Sum32())
}
