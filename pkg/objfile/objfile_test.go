package objfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePlain(t *testing.T) {
	data := []byte("\x7fELF plain object")
	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, data, out)
	assert.False(t, IsCompressed(data))
}

func TestDecodeCompressed(t *testing.T) {
	data := []byte("\x7fELF compressed object with some repeated repeated repeated text")
	compressed, err := Compress(data)
	require.NoError(t, err)
	require.True(t, IsCompressed(compressed))

	out, err := Decode(compressed)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestDecodeCorrupt(t *testing.T) {
	bad := append([]byte{0x28, 0xb5, 0x2f, 0xfd}, 0xff, 0xff, 0xff)
	_, err := Decode(bad)
	assert.Error(t, err)
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	data := []byte("\x7fELF on disk")
	compressed, err := Compress(data)
	require.NoError(t, err)

	plainPath := filepath.Join(dir, "prog.o")
	zstPath := filepath.Join(dir, "prog.o.zst")
	require.NoError(t, os.WriteFile(plainPath, data, 0o644))
	require.NoError(t, os.WriteFile(zstPath, compressed, 0o644))

	for _, p := range []string{plainPath, zstPath} {
		out, err := Read(p)
		require.NoError(t, err, p)
		assert.Equal(t, data, out, p)
	}

	_, err = Read(filepath.Join(dir, "missing.o"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestReadTooLarge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.o")
	require.NoError(t, os.WriteFile(path, make([]byte, MaxObjectSize+1), 0o644))

	_, err := Read(path)
	assert.ErrorIs(t, err, ErrTooLarge)
}
