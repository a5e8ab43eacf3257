// Package handlers provides the one Handler implementation weaveforge
// ships itself: a generic shell-command runner, registered for targets
// whose language is "shell". Every other language is expected to arrive as a separately
// compiled plugin registered against the same executor.Registry — the
// engine only knows the Handler contract, never a concrete toolchain
// (spec.md §1's "language handlers are opaque plugins").
package handlers

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/weaveforge/weaveforge/internal/executor"
	"github.com/weaveforge/weaveforge/internal/graph"
)

// Shell runs the "cmd" string from a target's Config blob through
// /bin/sh -c, the same argv-list-of-steps approach distri's buildctx
// uses to drive a package's toolchain without the builder ever parsing
// the toolchain's own language.
type Shell struct{}

// Outputs returns target's single declared output, resolved against
// workspace.
func (Shell) Outputs(target *graph.ResolvedTarget, workspace string) []string {
	if target.Output == "" {
		return nil
	}
	return []string{filepath.Join(workspace, target.Output)}
}

// AnalyzeImports reports nothing: a shell target's dependencies are
// exactly what its Builderfile declares, since the engine never
// interprets the script it runs (spec.md §1 non-goal: no source-language
// interpretation).
func (Shell) AnalyzeImports(sources []string) ([]executor.Import, error) {
	return nil, nil
}

// Build runs the target's configured command with its working directory
// set to the target's package, its declared Env overlaid onto the
// ambient environment, and reports the command's stdout+stderr as a
// diagnostic on failure.
func (s Shell) Build(ctx *executor.BuildContext) executor.BuildOutcome {
	rt := ctx.Target
	cmdStr, ok := rt.Config["cmd"].(string)
	if !ok || cmdStr == "" {
		return executor.BuildOutcome{
			Success:     false,
			Diagnostics: []string{"shell handler: target has no string \"cmd\" in its config"},
		}
	}

	workdir := filepath.Join(ctx.Workspace, rt.ID.Path)
	cmd := exec.CommandContext(ctx.Context, "/bin/sh", "-c", cmdStr)
	cmd.Dir = workdir
	cmd.Env = mergeEnv(os.Environ(), rt.Env)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return executor.BuildOutcome{
			Success:     false,
			Error:       err,
			Diagnostics: []string{out.String()},
		}
	}

	outputs := s.Outputs(rt, ctx.Workspace)
	return executor.BuildOutcome{Success: true, Outputs: outputs}
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := append([]string(nil), base...)
	for k, v := range overrides {
		out = append(out, k+"="+v)
	}
	return out
}
