package dsl

import (
	"fmt"
	"path"
	"strings"

	"golang.org/x/mod/semver"
	"golang.org/x/xerrors"

	"github.com/weaveforge/weaveforge"
)

// DepRef is one entry of a target's deps list, after splitting off an
// optional version constraint but before resolving the target-id string
// against a package path. Raw keeps the "//path:name" / ":name" /
// "path:name" form exactly as written, since only the Target Graph
// Builder knows the declaring file's package path (spec.md §4.2) needed
// to resolve the sibling and relative forms; resolving here would
// silently collapse all three forms into the same thing.
type DepRef struct {
	Raw               string
	VersionConstraint string
}

// Target is a target(){} block after field type-checking, the record the
// Target Graph Builder consumes (spec.md §3, §4.1).
type Target struct {
	Pos      Pos
	ID       weaveforge.TargetID // Path left empty; filled in by the graph builder from the declaring file's package path
	Kind     weaveforge.Kind
	Language string
	Sources  []string
	Deps     []DepRef
	Flags    []string
	Output   string
	Env      map[string]string
	Config   map[string]Value // language-specific configuration blob, passed through opaque to handlers
	// CacheKeyInputs carries the env()/glob() effects observed while
	// evaluating this target's fields, per spec.md §4.1's requirement
	// that these be hashed into the target's cache key.
	CacheKeyInputs []string
}

var requiredFields = []string{"type"}

// ToTargets converts the raw evaluator output into type-checked Target
// records. It does not resolve dep strings to known targets or expand
// globs against the filesystem — that is the Target Graph Builder's job
// (spec.md §4.2); this stage only validates field shapes.
func ToTargets(raws []*RawTarget) ([]*Target, error) {
	out := make([]*Target, 0, len(raws))
	for _, r := range raws {
		t, err := toTarget(r)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func toTarget(r *RawTarget) (*Target, error) {
	name, ok := r.Name.(string)
	if !ok {
		return nil, &TypeError{Pos: r.Pos, Field: "name", Expected: "string", Got: typeName(r.Name)}
	}

	for _, f := range requiredFields {
		if _, ok := r.Fields[f]; !ok {
			return nil, &RequiredFieldMissing{Pos: r.Pos, Target: name, Field: f}
		}
	}

	kindStr, err := fieldString(r, name, "type")
	if err != nil {
		return nil, err
	}
	kind, err := parseKind(r.Pos, name, kindStr)
	if err != nil {
		return nil, err
	}

	lang, _ := fieldStringOptional(r, "language")

	sources, err := fieldStringList(r, name, "sources")
	if err != nil {
		return nil, err
	}

	depsRaw, err := fieldStringList(r, name, "deps")
	if err != nil {
		return nil, err
	}
	deps := make([]DepRef, 0, len(depsRaw))
	for _, d := range depsRaw {
		ref, err := parseDepRef(r.Pos, d)
		if err != nil {
			return nil, err
		}
		deps = append(deps, ref)
	}

	flags, err := fieldStringList(r, name, "flags")
	if err != nil {
		return nil, err
	}

	output, _ := fieldStringOptional(r, "output")

	env, err := fieldStringMap(r, name, "env")
	if err != nil {
		return nil, err
	}

	config := map[string]Value{}
	for k, v := range r.Fields {
		switch k {
		case "type", "language", "sources", "deps", "flags", "output", "env":
			continue
		}
		config[k] = v
	}

	return &Target{
		Pos:            r.Pos,
		ID:             weaveforge.TargetID{Name: name},
		Kind:           kind,
		Language:       lang,
		Sources:        sources,
		Deps:           deps,
		Flags:          flags,
		Output:         output,
		Env:            env,
		Config:         config,
		CacheKeyInputs: r.Effects,
	}, nil
}

func parseKind(pos Pos, target, s string) (weaveforge.Kind, error) {
	switch weaveforge.Kind(s) {
	case weaveforge.KindExecutable, weaveforge.KindLibrary, weaveforge.KindTest, weaveforge.KindCustom:
		return weaveforge.Kind(s), nil
	}
	return "", &TypeError{Pos: pos, Field: "type", Expected: "executable|library|test|custom", Got: s}
}

// parseDepRef splits off an optional "@<constraint>" version suffix and
// validates it with semver.IsValid when present; the bare target-id
// portion is left unresolved for the graph builder.
func parseDepRef(pos Pos, s string) (DepRef, error) {
	idPart, constraint := s, ""
	if i := strings.LastIndex(s, "@"); i >= 0 && !strings.Contains(s[i:], "/") {
		idPart, constraint = s[:i], s[i+1:]
	}
	if constraint != "" {
		v := constraint
		for _, prefix := range []string{">=", "<=", ">", "<", "="} {
			if strings.HasPrefix(v, prefix) {
				v = strings.TrimPrefix(v, prefix)
				break
			}
		}
		if !semver.IsValid("v" + v) {
			return DepRef{}, xerrors.Errorf("%s: dep %q: invalid version constraint %q", pos, s, constraint)
		}
	}
	// idPart is validated for gross shape now (it must look like one of
	// the three forms spec.md §6 allows) but resolved against a package
	// path only by the Target Graph Builder, which is the first stage to
	// know it.
	if idPart == "" {
		return DepRef{}, xerrors.Errorf("%s: empty target identifier", pos)
	}
	if !strings.Contains(idPart, ":") {
		return DepRef{}, xerrors.Errorf("%s: dep %q: missing ':name'", pos, s)
	}
	return DepRef{Raw: idPart, VersionConstraint: constraint}, nil
}

func fieldString(r *RawTarget, target, field string) (string, error) {
	v, ok := r.Fields[field]
	if !ok {
		return "", &RequiredFieldMissing{Pos: r.Pos, Target: target, Field: field}
	}
	s, ok := v.(string)
	if !ok {
		return "", &TypeError{Pos: r.Pos, Field: field, Expected: "string", Got: typeName(v)}
	}
	return s, nil
}

func fieldStringOptional(r *RawTarget, field string) (string, bool) {
	v, ok := r.Fields[field]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func fieldStringList(r *RawTarget, target, field string) ([]string, error) {
	v, ok := r.Fields[field]
	if !ok {
		return nil, nil
	}
	arr, ok := v.([]Value)
	if !ok {
		return nil, &TypeError{Pos: r.Pos, Field: field, Expected: "array", Got: typeName(v)}
	}
	out := make([]string, len(arr))
	for i, e := range arr {
		s, ok := e.(string)
		if !ok {
			return nil, &TypeError{Pos: r.Pos, Field: fmt.Sprintf("%s[%d]", field, i), Expected: "string", Got: typeName(e)}
		}
		out[i] = s
	}
	return out, nil
}

func fieldStringMap(r *RawTarget, target, field string) (map[string]string, error) {
	v, ok := r.Fields[field]
	if !ok {
		return nil, nil
	}
	m, ok := v.(map[string]Value)
	if !ok {
		return nil, &TypeError{Pos: r.Pos, Field: field, Expected: "map", Got: typeName(v)}
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		s, ok := val.(string)
		if !ok {
			return nil, &TypeError{Pos: r.Pos, Field: field + "." + k, Expected: "string", Got: typeName(val)}
		}
		out[k] = s
	}
	return out, nil
}

// packagePath derives a target's package path from the workspace-relative
// directory of the file that declared it (spec.md §4.2 resolves sibling
// and relative dep forms against this path).
func packagePath(workspaceRelFile string) string {
	return path.Dir(workspaceRelFile)
}
