// Package analyzer implements the Dependency Analyzer: per-file import
// extraction via a pattern-based or AST-based backend, resolution of each
// import to internal/external/stdlib, and a configurable per-file error
// policy (spec.md §4.3).
package analyzer

import (
	"bufio"
	"os"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/xerrors"

	"github.com/weaveforge/weaveforge"
	"github.com/weaveforge/weaveforge/internal/astreg"
)

// ErrorPolicy governs how per-file analysis errors are aggregated (spec.md
// §4.3).
type ErrorPolicy int

const (
	// FailFast aborts on the first file error.
	FailFast ErrorPolicy = iota
	// CollectAll analyzes every file and only fails the target if every
	// file errored.
	CollectAll
	// Continue analyzes every file, never fails the target, and reports
	// diagnostics for files that errored.
	Continue
)

// Import is one resolved or unresolved import discovered in a source file.
type Import struct {
	Raw  string
	Kind weaveforge.ImportKind
	// Target is set when Kind == ImportInternal.
	Target weaveforge.TargetID
}

// Diagnostic is a non-fatal warning surfaced to the caller, e.g. a file
// that failed to analyze under CollectAll/Continue.
type Diagnostic struct {
	File    string
	Message string
}

// Result is the aggregated outcome of analyzing one target's sources.
type Result struct {
	Imports     []Import
	Diagnostics []Diagnostic
}

// Backend extracts raw import strings from one file's content.
type Backend interface {
	Extract(path string) ([]string, error)
}

// Resolver decides what kind of import a raw string is, and its target id
// if internal.
type Resolver interface {
	Resolve(raw, language, fromPackage string) Import
}

// Analyzer runs a per-language Backend over a target's sources and
// resolves the results via a shared Resolver.
type Analyzer struct {
	backends map[string]Backend
	resolver Resolver
	policy   ErrorPolicy
}

// New constructs an Analyzer with the given per-language backends.
func New(backends map[string]Backend, resolver Resolver, policy ErrorPolicy) *Analyzer {
	return &Analyzer{backends: backends, resolver: resolver, policy: policy}
}

// Analyze extracts and resolves imports across sources, honoring the
// configured ErrorPolicy (spec.md §4.3).
func (a *Analyzer) Analyze(language, fromPackage string, sources []string) (Result, error) {
	backend, ok := a.backends[language]
	if !ok {
		return Result{}, xerrors.Errorf("analyzer: no backend registered for language %q", language)
	}

	var result Result
	errored := 0
	for _, src := range sources {
		raws, err := backend.Extract(src)
		if err != nil {
			errored++
			diag := Diagnostic{File: src, Message: err.Error()}
			switch a.policy {
			case FailFast:
				return Result{}, xerrors.Errorf("analyzer: %s: %w", src, err)
			case CollectAll, Continue:
				result.Diagnostics = append(result.Diagnostics, diag)
				continue
			}
		}
		for _, raw := range raws {
			result.Imports = append(result.Imports, a.resolver.Resolve(raw, language, fromPackage))
		}
	}

	if a.policy == CollectAll && errored == len(sources) && len(sources) > 0 {
		return result, xerrors.Errorf("analyzer: all %d source(s) failed to analyze", errored)
	}
	return result, nil
}

// PatternBackend is the regex/heuristic backend (spec.md §4.3,
// "pattern-based: regex + heuristics").
type PatternBackend struct {
	patterns []*regexp.Regexp
}

var (
	goImportLine    = regexp.MustCompile(`^\s*"([^"]+)"\s*$`)
	pyImportLine    = regexp.MustCompile(`^\s*(?:import|from)\s+([\w.]+)`)
	jsRequireLine   = regexp.MustCompile(`require\(\s*['"]([^'"]+)['"]\s*\)`)
	jsImportLine    = regexp.MustCompile(`^\s*import\s+.*\s+from\s+['"]([^'"]+)['"]`)
	cppIncludeLine  = regexp.MustCompile(`^\s*#include\s*[<"]([^>"]+)[>"]`)
)

// goSingleImportLine matches a one-line Go import, optionally aliased:
// import "fmt" or import f "fmt".
var goSingleImportLine = regexp.MustCompile(`^\s*import\s+(?:[\w.]+\s+)?"([^"]+)"`)

// NewPatternBackend builds a pattern backend for one language, using the
// same regex families each raw line is checked against.
func NewPatternBackend(language string) *PatternBackend {
	switch language {
	case "go":
		return &PatternBackend{patterns: []*regexp.Regexp{goImportLine, goSingleImportLine}}
	case "python":
		return &PatternBackend{patterns: []*regexp.Regexp{pyImportLine}}
	case "javascript", "typescript":
		return &PatternBackend{patterns: []*regexp.Regexp{jsRequireLine, jsImportLine}}
	case "cpp", "c":
		return &PatternBackend{patterns: []*regexp.Regexp{cppIncludeLine}}
	default:
		return &PatternBackend{}
	}
}

// Extract scans path line by line for any registered pattern match.
func (b *PatternBackend) Extract(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	seen := map[string]bool{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		for _, p := range b.patterns {
			if m := p.FindStringSubmatch(line); m != nil {
				if !seen[m[1]] {
					seen[m[1]] = true
					out = append(out, m[1])
				}
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// ASTBackend delegates to the AST Parser Registry (spec.md §4.3,
// "AST-based: invokes the AST Parser Registry").
type ASTBackend struct {
	Registry *astreg.Registry
	Language string
}

func (b *ASTBackend) Extract(path string) ([]string, error) {
	ast, err := b.Registry.ParseFile(b.Language, path)
	if err != nil {
		return nil, err
	}
	return ast.Imports, nil
}

// stdlibSets enumerates standard-library import prefixes per language,
// used by the default Resolver to classify an import as ImportStdlib
// before checking internal/external.
var stdlibSets = map[string]map[string]bool{
	"go": {
		"fmt": true, "os": true, "strings": true, "strconv": true, "time": true,
		"context": true, "sync": true, "errors": true, "io": true, "net": true,
		"bufio": true, "bytes": true, "sort": true, "path": true, "regexp": true,
	},
	"python": {
		"os": true, "sys": true, "re": true, "json": true, "time": true,
		"collections": true, "itertools": true, "typing": true, "math": true,
	},
}

// DefaultResolver classifies an import as internal (it matches a known
// package path in the workspace), stdlib, or external.
type DefaultResolver struct {
	// PackagePaths is the set of known internal package paths (spec.md §4.2
	// output), used to decide whether a raw import refers to a workspace
	// target.
	PackagePaths map[string]weaveforge.TargetID
}

func (r *DefaultResolver) Resolve(raw, language, fromPackage string) Import {
	if id, ok := r.PackagePaths[raw]; ok {
		return Import{Raw: raw, Kind: weaveforge.ImportInternal, Target: id}
	}
	if set, ok := stdlibSets[language]; ok {
		root := raw
		if i := strings.IndexByte(raw, '/'); i >= 0 {
			root = raw[:i]
		}
		if i := strings.IndexByte(root, '.'); language == "python" && i >= 0 {
			root = root[:i]
		}
		if set[root] {
			return Import{Raw: raw, Kind: weaveforge.ImportStdlib}
		}
	}
	return Import{Raw: raw, Kind: weaveforge.ImportExternal}
}
