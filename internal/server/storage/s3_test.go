package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "backup.tar")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o660))

	hash, err := hashFile(path)
	require.NoError(t, err)
	// sha256("abc")
	require.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", hash)
}

func TestHashFile_Missing(t *testing.T) {
	_, err := hashFile(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}

func TestProgressReader_ClampsAt100(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o660))

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var last float64
	pr := newProgressReader(file, 4, func(pct float64) { last = pct })
	buf := make([]byte, 32)
	for {
		if _, err := pr.Read(buf); err != nil {
			break
		}
	}
	require.Equal(t, float64(100), last)
}
