// Package graph resolves parsed DSL targets into a validated target set:
// dependency strings become TargetIDs, languages are inferred from source
// extensions, and duplicate or dangling references are rejected before the
// build graph is ever built (spec.md §4.2).
package graph

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"golang.org/x/xerrors"

	"github.com/weaveforge/weaveforge"
	"github.com/weaveforge/weaveforge/internal/dsl"
)

// UnresolvedDependency is returned when a target's dep string does not
// name any known target.
type UnresolvedDependency struct {
	From weaveforge.TargetID
	Dep  weaveforge.TargetID
}

func (e *UnresolvedDependency) Error() string {
	return fmt.Sprintf("target %s depends on unknown target %s", e.From, e.Dep)
}

// DuplicateTarget is returned when two targets declare the same id.
type DuplicateTarget struct {
	ID weaveforge.TargetID
}

func (e *DuplicateTarget) Error() string {
	return fmt.Sprintf("duplicate target %s", e.ID)
}

// UnknownLanguage is returned when a target omits `language` and no source
// extension maps to a known language.
type UnknownLanguage struct {
	ID  weaveforge.TargetID
	Ext string
}

func (e *UnknownLanguage) Error() string {
	return fmt.Sprintf("target %s: cannot infer language from extension %q", e.ID, e.Ext)
}

// extLanguages maps source file extensions to inferred languages. Extend
// alongside the AST Parser Registry's grammar set (internal/astreg).
var extLanguages = map[string]string{
	".go":   "go",
	".py":   "python",
	".js":   "javascript",
	".jsx":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".cc":   "cpp",
	".cpp":  "cpp",
	".cxx":  "cpp",
	".h":    "cpp",
	".hpp":  "cpp",
	".c":    "c",
	".rs":   "rust",
	".java": "java",
}

// ResolvedTarget is one validated target with its sources expanded to
// workspace-relative paths and its dependencies resolved to TargetIDs.
type ResolvedTarget struct {
	ID       weaveforge.TargetID
	Kind     weaveforge.Kind
	Language string
	Sources  []string
	Deps     []weaveforge.TargetID
	Flags    []string
	Output   string
	Env      map[string]string
	Config   map[string]dsl.Value

	// CacheKeyInputs is carried through from the parser's effect log
	// (spec.md §4.1).
	CacheKeyInputs []string
}

// Globber expands a glob pattern rooted at dir into sorted, workspace-
// relative paths. Production wires this to the same filesystem walk the
// DSL's glob() builtin uses; tests may substitute a fake.
type Globber func(dir, pattern string) ([]string, error)

// Build resolves raw DSL targets declared in the named package files into
// a validated ResolvedTarget set. pkgOf maps each raw target to the
// workspace-relative package path of the file that declared it (targets
// sharing a package path resolve ":name" deps against each other).
func Build(raws []*dsl.Target, pkgOf func(*dsl.Target) string, glob Globber) (map[weaveforge.TargetID]*ResolvedTarget, error) {
	byID := make(map[weaveforge.TargetID]*ResolvedTarget, len(raws))
	order := make([]weaveforge.TargetID, 0, len(raws))

	for _, raw := range raws {
		pkg := pkgOf(raw)
		id := weaveforge.TargetID{Path: pkg, Name: raw.ID.Name}
		if _, exists := byID[id]; exists {
			return nil, &DuplicateTarget{ID: id}
		}

		sources, err := expandSources(pkg, raw.Sources, glob)
		if err != nil {
			return nil, xerrors.Errorf("target %s: %w", id, err)
		}

		lang := raw.Language
		if lang == "" {
			lang, err = inferLanguage(id, sources)
			if err != nil {
				return nil, err
			}
		}

		rt := &ResolvedTarget{
			ID:             id,
			Kind:           raw.Kind,
			Language:       lang,
			Sources:        sources,
			Flags:          append([]string(nil), raw.Flags...),
			Output:         raw.Output,
			Env:            raw.Env,
			Config:         raw.Config,
			CacheKeyInputs: raw.CacheKeyInputs,
		}
		byID[id] = rt
		order = append(order, id)
	}

	// Resolve dep strings in a second pass, since a dep may reference a
	// target declared later in iteration order.
	for i, raw := range raws {
		id := order[i]
		rt := byID[id]
		for _, d := range raw.Deps {
			depID, err := weaveforge.ParseTargetID(d.Raw, id.Path)
			if err != nil {
				return nil, xerrors.Errorf("target %s: %w", id, err)
			}
			if depID == id {
				return nil, xerrors.Errorf("target %s: self-dependency forbidden", id)
			}
			if _, ok := byID[depID]; !ok {
				return nil, &UnresolvedDependency{From: id, Dep: depID}
			}
			rt.Deps = append(rt.Deps, depID)
		}
	}

	return byID, nil
}

func expandSources(pkg string, patterns []string, glob Globber) ([]string, error) {
	var out []string
	for _, pat := range patterns {
		if !strings.ContainsAny(pat, "*?[") {
			out = append(out, path.Join(pkg, pat))
			continue
		}
		matches, err := glob(pkg, pat)
		if err != nil {
			return nil, xerrors.Errorf("glob %q: %w", pat, err)
		}
		out = append(out, matches...)
	}
	sort.Strings(out)
	return dedupeStrings(out), nil
}

func dedupeStrings(in []string) []string {
	if len(in) < 2 {
		return in
	}
	out := in[:1]
	for _, s := range in[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}

func inferLanguage(id weaveforge.TargetID, sources []string) (string, error) {
	for _, s := range sources {
		ext := path.Ext(s)
		if lang, ok := extLanguages[ext]; ok {
			return lang, nil
		}
	}
	ext := ""
	if len(sources) > 0 {
		ext = path.Ext(sources[0])
	}
	return "", &UnknownLanguage{ID: id, Ext: ext}
}
