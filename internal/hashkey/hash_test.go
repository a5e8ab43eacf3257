package hashkey

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashFileStable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	h := New(16)
	sum1, err := h.HashFile(path)
	require.NoError(t, err)
	sum2, err := h.HashFile(path)
	require.NoError(t, err)
	require.Equal(t, sum1, sum2)

	hits, misses := h.Stats()
	require.Equal(t, int64(1), hits)
	require.Equal(t, int64(1), misses)
}

func TestHashFileChangesOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	h := New(16)
	sum1, err := h.HashFile(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("world"), 0644))
	sum2, err := h.HashFile(path)
	require.NoError(t, err)
	require.NotEqual(t, sum1, sum2)
}

func TestCanonicalizeMetadataOrderIndependent(t *testing.T) {
	a := CanonicalizeMetadata(map[string]string{"opt": "2", "triple": "x86_64"})
	b := CanonicalizeMetadata(map[string]string{"triple": "x86_64", "opt": "2"})
	require.Equal(t, a, b)

	c := CanonicalizeMetadata(map[string]string{"opt": "3", "triple": "x86_64"})
	require.NotEqual(t, a, c)
}

func TestCompositeKeyNoCollisionAcrossBoundaries(t *testing.T) {
	a := CompositeKey("ab", "c")
	b := CompositeKey("a", "bc")
	require.NotEqual(t, a, b)
}
