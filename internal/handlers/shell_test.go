package handlers

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/weaveforge/weaveforge"
	"github.com/weaveforge/weaveforge/internal/dsl"
	"github.com/weaveforge/weaveforge/internal/executor"
	"github.com/weaveforge/weaveforge/internal/graph"
)

func TestShellBuildRunsCommandAndWritesOutput(t *testing.T) {
	dir := t.TempDir()
	rt := &graph.ResolvedTarget{
		ID:     weaveforge.TargetID{Path: "", Name: "greet"},
		Output: "greet.txt",
		Config: map[string]dsl.Value{"cmd": "echo hi > greet.txt"},
	}

	s := Shell{}
	outcome := s.Build(&executor.BuildContext{Context: context.Background(), Target: rt, Workspace: dir})
	require.True(t, outcome.Success, outcome.Diagnostics)
	require.Equal(t, []string{filepath.Join(dir, "greet.txt")}, outcome.Outputs)

	b, err := os.ReadFile(filepath.Join(dir, "greet.txt"))
	require.NoError(t, err)
	require.Equal(t, "hi\n", string(b))
}

func TestShellBuildFailsWithoutCmd(t *testing.T) {
	rt := &graph.ResolvedTarget{ID: weaveforge.TargetID{Name: "nocmd"}}
	s := Shell{}
	outcome := s.Build(&executor.BuildContext{Context: context.Background(), Target: rt, Workspace: t.TempDir()})
	require.False(t, outcome.Success)
	require.NotEmpty(t, outcome.Diagnostics)
}

func TestShellBuildReportsStderrOnFailure(t *testing.T) {
	dir := t.TempDir()
	rt := &graph.ResolvedTarget{
		ID:     weaveforge.TargetID{Name: "fails"},
		Config: map[string]dsl.Value{"cmd": "echo broken 1>&2; exit 1"},
	}
	s := Shell{}
	outcome := s.Build(&executor.BuildContext{Context: context.Background(), Target: rt, Workspace: dir})
	require.False(t, outcome.Success)
	require.Error(t, outcome.Error)
	require.Contains(t, outcome.Diagnostics[0], "broken")
}
