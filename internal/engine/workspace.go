// Package engine wires every component into the build pipeline: Workspace
// Parser → Target Graph Builder → Dependency Analyzer → Build Graph →
// Scheduler → Executor → Cache Coordinator (spec.md §2, §4).
package engine

import (
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/xerrors"

	"github.com/weaveforge/weaveforge"
	"github.com/weaveforge/weaveforge/internal/dsl"
	"github.com/weaveforge/weaveforge/internal/graph"
)

// builderfileName is the per-directory workspace description file (spec.md
// §6, "a root Builderspace plus one or more Builderfile files").
const builderfileName = "Builderfile"

// rootMarker names the file marking a workspace's root directory.
const rootMarker = "Builderspace"

// FindWorkspaceRoot walks up from dir until it finds a Builderspace file,
// matching distri's convention of a single marker file identifying the
// tree's root rather than requiring an explicit flag on every invocation.
func FindWorkspaceRoot(dir string) (string, error) {
	cur, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(cur, rootMarker)); err == nil {
			return cur, nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", xerrors.Errorf("no %s found above %s", rootMarker, dir)
		}
		cur = parent
	}
}

// ParseWorkspace walks root for every Builderfile, evaluates each with a
// filesystem-rooted Env (spec.md §4.1: env()/glob() touch the real
// filesystem in production), and returns the flattened, type-checked
// target list plus a pkgOf lookup for graph.Build.
func ParseWorkspace(root string) ([]*dsl.Target, func(*dsl.Target) string, error) {
	var files []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && info.Name() == builderfileName {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, nil, xerrors.Errorf("engine: walking workspace: %w", err)
	}
	sort.Strings(files)

	pkgOf := map[*dsl.Target]string{}
	var all []*dsl.Target
	for _, f := range files {
		dir := filepath.Dir(f)
		rel, err := filepath.Rel(root, dir)
		if err != nil {
			return nil, nil, err
		}
		if rel == "." {
			rel = ""
		}

		src, err := os.ReadFile(f)
		if err != nil {
			return nil, nil, xerrors.Errorf("engine: reading %s: %w", f, err)
		}
		parser, err := dsl.NewParser(string(src))
		if err != nil {
			return nil, nil, xerrors.Errorf("engine: %s: %w", f, err)
		}
		prog, err := parser.ParseProgram()
		if err != nil {
			return nil, nil, xerrors.Errorf("engine: %s: %w", f, err)
		}
		ev := dsl.NewEvaluator(dsl.DefaultEnv(dir))
		raws, err := ev.Eval(prog)
		if err != nil {
			return nil, nil, xerrors.Errorf("engine: %s: %w", f, err)
		}
		targets, err := dsl.ToTargets(raws)
		if err != nil {
			return nil, nil, xerrors.Errorf("engine: %s: %w", f, err)
		}
		for _, t := range targets {
			pkgOf[t] = rel
		}
		all = append(all, targets...)
	}

	return all, func(t *dsl.Target) string { return pkgOf[t] }, nil
}

// BuildTargetGraph parses the workspace at root and resolves it into the
// validated target set the rest of the engine consumes (spec.md §4.2).
func BuildTargetGraph(root string) (map[weaveforge.TargetID]*graph.ResolvedTarget, error) {
	targets, pkgOf, err := ParseWorkspace(root)
	if err != nil {
		return nil, err
	}
	globber := func(dir, pattern string) ([]string, error) {
		matches, err := filepath.Glob(filepath.Join(root, dir, pattern))
		if err != nil {
			return nil, err
		}
		out := make([]string, len(matches))
		for i, m := range matches {
			rel, err := filepath.Rel(root, m)
			if err != nil {
				return nil, err
			}
			out[i] = rel
		}
		return out, nil
	}
	return graph.Build(targets, pkgOf, globber)
}
