package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/weaveforge/weaveforge"
	"github.com/weaveforge/weaveforge/internal/buildgraph"
	"github.com/weaveforge/weaveforge/internal/cache"
	"github.com/weaveforge/weaveforge/internal/graph"
	"github.com/weaveforge/weaveforge/internal/hashkey"
)

type fakeHandler struct {
	outDir  string
	builds  int
}

func (h *fakeHandler) Outputs(t *graph.ResolvedTarget, workspace string) []string {
	return []string{filepath.Join(h.outDir, t.ID.Name+".out")}
}

func (h *fakeHandler) AnalyzeImports(sources []string) ([]Import, error) { return nil, nil }

func (h *fakeHandler) Build(ctx *BuildContext) BuildOutcome {
	h.builds++
	out := h.Outputs(ctx.Target, ctx.Workspace)[0]
	if err := os.WriteFile(out, []byte("built"), 0o644); err != nil {
		return BuildOutcome{Success: false, Error: err}
	}
	return BuildOutcome{Success: true, Outputs: []string{out}}
}

func newTestExecutor(t *testing.T, h Handler) *Executor {
	t.Helper()
	dir := t.TempDir()
	coord, err := cache.NewCoordinator(filepath.Join(dir, "cache"))
	require.NoError(t, err)
	reg := NewRegistry()
	reg.Register("go", h)
	return New(reg, coord, hashkey.New(0), dir, buildgraph.New())
}

func TestExecuteBuildsOnMissAndCachesOnSecondRun(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "main.go")
	require.NoError(t, os.WriteFile(srcPath, []byte("package main"), 0o644))

	h := &fakeHandler{outDir: dir}
	ex := newTestExecutor(t, h)
	rt := &graph.ResolvedTarget{
		ID:       weaveforge.TargetID{Name: "app"},
		Language: "go",
		Sources:  []string{srcPath},
	}

	outcome, err := ex.Execute(context.Background(), rt, nil)
	require.NoError(t, err)
	require.True(t, outcome.Success)
	require.Equal(t, 1, h.builds)

	ex.Coordinator.Flush()

	outcome2, err := ex.Execute(context.Background(), rt, nil)
	require.NoError(t, err)
	require.True(t, outcome2.Success)
	require.Equal(t, 1, h.builds, "second execution should be served from cache")
}

func TestExecuteReturnsErrorForUnregisteredLanguage(t *testing.T) {
	ex := newTestExecutor(t, &fakeHandler{outDir: t.TempDir()})
	rt := &graph.ResolvedTarget{ID: weaveforge.TargetID{Name: "app"}, Language: "rust"}
	_, err := ex.Execute(context.Background(), rt, nil)
	require.Error(t, err)
}

// TestExecuteFallsBackToActionCacheWhenTargetCacheEntryIsGone covers the
// case the Target Cache alone cannot: its entry evicted by GC (or simply
// never written, e.g. a prior process crash between RecordAction and
// Update), the Action Cache recorded against the same inputs still lets a
// rebuild skip re-invoking the handler.
func TestExecuteFallsBackToActionCacheWhenTargetCacheEntryIsGone(t *testing.T) {
	dir := t.TempDir()
	cacheDir := filepath.Join(dir, "cache")
	srcPath := filepath.Join(dir, "main.go")
	require.NoError(t, os.WriteFile(srcPath, []byte("package main"), 0o644))

	coord, err := cache.NewCoordinator(cacheDir)
	require.NoError(t, err)
	reg := NewRegistry()
	h := &fakeHandler{outDir: dir}
	reg.Register("go", h)
	ex := New(reg, coord, hashkey.New(0), dir, buildgraph.New())

	rt := &graph.ResolvedTarget{ID: weaveforge.TargetID{Name: "app"}, Language: "go", Sources: []string{srcPath}}

	outcome, err := ex.Execute(context.Background(), rt, nil)
	require.NoError(t, err)
	require.True(t, outcome.Success)
	require.Equal(t, 1, h.builds)
	require.NoError(t, coord.Flush())

	require.NoError(t, os.RemoveAll(filepath.Join(cacheDir, "targets")))

	outcome2, err := ex.Execute(context.Background(), rt, nil)
	require.NoError(t, err)
	require.True(t, outcome2.Success)
	require.Equal(t, 1, h.builds, "Action Cache hit should spare a second handler invocation")
}
