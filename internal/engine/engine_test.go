package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weaveforge/weaveforge"
	"github.com/weaveforge/weaveforge/internal/buildgraph"
	"github.com/weaveforge/weaveforge/internal/cache"
	"github.com/weaveforge/weaveforge/internal/executor"
	"github.com/weaveforge/weaveforge/internal/graph"
	"github.com/weaveforge/weaveforge/internal/hashkey"
)

// recordingHandler writes a fixed-content output file per target and
// counts invocations, so tests can assert build order and cache reuse.
// lib and app are never scheduled in the same batch (app depends on
// lib), so the builds map needs no locking.
type recordingHandler struct {
	builds map[weaveforge.TargetID]int
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{builds: map[weaveforge.TargetID]int{}}
}

func (h *recordingHandler) Outputs(t *graph.ResolvedTarget, workspace string) []string {
	return []string{filepath.Join(workspace, t.ID.Name+".out")}
}

func (h *recordingHandler) AnalyzeImports(sources []string) ([]executor.Import, error) {
	return nil, nil
}

func (h *recordingHandler) Build(ctx *executor.BuildContext) executor.BuildOutcome {
	h.builds[ctx.Target.ID]++
	out := h.Outputs(ctx.Target, ctx.Workspace)[0]
	if err := os.WriteFile(out, []byte(ctx.Target.ID.Name), 0o644); err != nil {
		return executor.BuildOutcome{Success: false, Error: err}
	}
	return executor.BuildOutcome{Success: true, Outputs: []string{out}}
}

// failingHandler always fails, to exercise cascading-failure propagation.
type failingHandler struct{}

func (failingHandler) Outputs(t *graph.ResolvedTarget, workspace string) []string { return nil }
func (failingHandler) AnalyzeImports(sources []string) ([]executor.Import, error) { return nil, nil }
func (failingHandler) Build(ctx *executor.BuildContext) executor.BuildOutcome {
	return executor.BuildOutcome{Success: false, Diagnostics: []string{"boom"}}
}

func newTestEngine(t *testing.T, resolved map[weaveforge.TargetID]*graph.ResolvedTarget, h executor.Handler) *Engine {
	t.Helper()
	dir := t.TempDir()
	coord, err := cache.NewCoordinator(filepath.Join(dir, "cache"))
	require.NoError(t, err)
	t.Cleanup(func() { coord.Close() })

	reg := executor.NewRegistry()
	reg.Register("go", h)
	ex := executor.New(reg, coord, hashkey.New(0), dir, buildgraph.New())

	eng, err := New(resolved, ex, coord, 2)
	require.NoError(t, err)
	return eng
}

func TestRunBuildsDependencyBeforeDependent(t *testing.T) {
	lib := weaveforge.TargetID{Name: "lib"}
	app := weaveforge.TargetID{Name: "app"}
	resolved := map[weaveforge.TargetID]*graph.ResolvedTarget{
		lib: {ID: lib, Language: "go"},
		app: {ID: app, Language: "go", Deps: []weaveforge.TargetID{lib}},
	}

	h := newRecordingHandler()
	eng := newTestEngine(t, resolved, h)

	ctx, canc := context.WithTimeout(context.Background(), 5*time.Second)
	defer canc()

	var results []*BuildResult
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()
	for r := range eng.Results() {
		results = append(results, r)
	}
	require.NoError(t, <-done)

	require.Len(t, results, 2)
	require.Equal(t, 1, h.builds[lib])
	require.Equal(t, 1, h.builds[app])

	var libIdx, appIdx int
	for i, r := range results {
		if r.Target == lib {
			libIdx = i
		}
		if r.Target == app {
			appIdx = i
		}
	}
	require.Less(t, libIdx, appIdx, "dependency must complete before its dependent starts")
}

func TestRunCascadesFailureToDependents(t *testing.T) {
	lib := weaveforge.TargetID{Name: "lib"}
	app := weaveforge.TargetID{Name: "app"}
	resolved := map[weaveforge.TargetID]*graph.ResolvedTarget{
		lib: {ID: lib, Language: "go"},
		app: {ID: app, Language: "go", Deps: []weaveforge.TargetID{lib}},
	}

	eng := newTestEngine(t, resolved, failingHandler{})

	ctx, canc := context.WithTimeout(context.Background(), 5*time.Second)
	defer canc()

	var results []*BuildResult
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()
	for r := range eng.Results() {
		results = append(results, r)
	}
	require.NoError(t, <-done)

	require.Len(t, results, 2)
	for _, r := range results {
		require.Error(t, r.Err)
	}
}
