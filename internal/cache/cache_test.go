package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weaveforge/weaveforge"
)

func tmpCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	dir := t.TempDir()
	c, err := NewCoordinator(dir)
	require.NoError(t, err)
	return c
}

func TestActionCacheRoundTrip(t *testing.T) {
	c := tmpCoordinator(t)
	outPath := filepath.Join(t.TempDir(), "out.o")
	require.NoError(t, os.WriteFile(outPath, []byte("data"), 0o644))

	id := ActionID{Target: weaveforge.TargetID{Path: "pkg", Name: "lib"}, Kind: weaveforge.ActionCompile, SubID: "main.go"}
	var hash [32]byte
	hash[0] = 0xAB
	meta := map[string]string{"opt": "2"}

	cached, err := c.IsActionCached(id, hash, meta)
	require.NoError(t, err)
	require.False(t, cached)

	require.NoError(t, c.RecordAction(id, hash, []string{outPath}, meta, true, time.Now()))

	cached, err = c.IsActionCached(id, hash, meta)
	require.NoError(t, err)
	require.True(t, cached)
}

func TestActionCacheMissesOnMetadataChange(t *testing.T) {
	c := tmpCoordinator(t)
	outPath := filepath.Join(t.TempDir(), "out.o")
	require.NoError(t, os.WriteFile(outPath, []byte("data"), 0o644))

	id := ActionID{Target: weaveforge.TargetID{Name: "lib"}, Kind: weaveforge.ActionCompile}
	var hash [32]byte
	require.NoError(t, c.RecordAction(id, hash, []string{outPath}, map[string]string{"opt": "0"}, true, time.Now()))

	cached, err := c.IsActionCached(id, hash, map[string]string{"opt": "2"})
	require.NoError(t, err)
	require.False(t, cached)
}

func TestActionCacheMissesWhenOutputDeleted(t *testing.T) {
	c := tmpCoordinator(t)
	outPath := filepath.Join(t.TempDir(), "out.o")
	require.NoError(t, os.WriteFile(outPath, []byte("data"), 0o644))

	id := ActionID{Target: weaveforge.TargetID{Name: "lib"}, Kind: weaveforge.ActionLink}
	var hash [32]byte
	require.NoError(t, c.RecordAction(id, hash, []string{outPath}, nil, true, time.Now()))
	require.NoError(t, os.Remove(outPath))

	cached, err := c.IsActionCached(id, hash, nil)
	require.NoError(t, err)
	require.False(t, cached)
}

func TestActionCacheNegativeResultDoesNotPersistOnDisk(t *testing.T) {
	c := tmpCoordinator(t)
	id := ActionID{Target: weaveforge.TargetID{Name: "lib"}, Kind: weaveforge.ActionTest}
	var hash [32]byte
	require.NoError(t, c.RecordAction(id, hash, nil, nil, false, time.Now()))

	_, err := os.Stat(c.Action.entryPath(id))
	require.True(t, os.IsNotExist(err))
}

func TestTargetCacheRequiresExplicitFlush(t *testing.T) {
	c := tmpCoordinator(t)
	outPath := filepath.Join(t.TempDir(), "bin")
	require.NoError(t, os.WriteFile(outPath, []byte("bin"), 0o644))
	id := weaveforge.TargetID{Name: "app"}
	m := TargetMatch{SourcesHash: "s1", DepsHash: "d1"}
	hashOutputs := func(paths []string) (string, error) { return "h1", nil }

	c.Update(id, m, "h1", []string{outPath}, time.Now())
	cached, err := c.IsCached(id, m, hashOutputs)
	require.NoError(t, err)
	require.True(t, cached, "pending in-memory write should be visible before flush")

	require.NoError(t, c.Flush())
	_, err = os.Stat(c.Target.entryPath(id))
	require.NoError(t, err)
}

func TestTargetCacheMissesOnOutputHashMismatch(t *testing.T) {
	c := tmpCoordinator(t)
	outPath := filepath.Join(t.TempDir(), "bin")
	require.NoError(t, os.WriteFile(outPath, []byte("bin"), 0o644))
	id := weaveforge.TargetID{Name: "app"}
	m := TargetMatch{SourcesHash: "s1", DepsHash: "d1"}

	c.Update(id, m, "h1", []string{outPath}, time.Now())
	require.NoError(t, c.Flush())

	cached, err := c.IsCached(id, m, func([]string) (string, error) { return "h2-different", nil })
	require.NoError(t, err)
	require.False(t, cached)
}

func TestCoordinatorGCAgeBasedRemovesStaleEntries(t *testing.T) {
	c := tmpCoordinator(t)
	id := ActionID{Target: weaveforge.TargetID{Name: "lib"}, Kind: weaveforge.ActionCompile}
	var hash [32]byte
	require.NoError(t, c.RecordAction(id, hash, nil, nil, true, time.Now()))

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(c.Action.entryPath(id), old, old))

	result, err := c.GC(GCPolicy{Kind: GCAgeBased, MaxAge: time.Minute})
	require.NoError(t, err)
	require.Equal(t, 1, result.EntriesRemoved)
}

func TestCorruptEntryIsQuarantinedNotFatal(t *testing.T) {
	c := tmpCoordinator(t)
	id := ActionID{Target: weaveforge.TargetID{Name: "lib"}, Kind: weaveforge.ActionCompile}
	require.NoError(t, os.WriteFile(c.Action.entryPath(id), []byte{0xFF, 0x00}, 0o644))

	cached, err := c.IsActionCached(id, [32]byte{}, nil)
	require.NoError(t, err)
	require.False(t, cached)
	_, statErr := os.Stat(c.Action.entryPath(id))
	require.True(t, os.IsNotExist(statErr), "corrupt entry should be removed")
}
