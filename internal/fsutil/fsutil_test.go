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

func TestWriteFileAtomic(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "graph.json")

	// --- Act ---
	err := WriteFileAtomic(path, func(w io.Writer) error {
		_, err := io.WriteString(w, `{"nodes":[]}`)
		return err
	})

	// --- Assert ---
	require.NoError(t, err)
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"nodes":[]}`, string(b))
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp file is left behind")
}

func TestWriteFileAtomic_FailureKeepsOldContent(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	path := filepath.Join(t.TempDir(), "build-order.json")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))
	boom := errors.New("boom")

	// --- Act ---
	err := WriteFileAtomic(path, func(w io.Writer) error {
		io.WriteString(w, "partial")
		return boom
	})

	// --- Assert ---
	require.ErrorIs(t, err, boom)
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "old", string(b))
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFindFilesByExtension(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	root := t.TempDir()
	for _, name := range []string{"b.hcl", "a.hcl", "sub/c.hcl", "sub/readme.md", ".hidden/d.hcl", ".e.hcl-123"} {
		p := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, nil, 0o644))
	}

	// --- Act ---
	files, err := FindFilesByExtension(root, ".hcl")

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(root, "a.hcl"),
		filepath.Join(root, "b.hcl"),
		filepath.Join(root, "sub", "c.hcl"),
	}, files)
	assert.Panics(t, func() { FindFilesByExtension(root, "") })
}
