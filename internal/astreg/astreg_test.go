package astreg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

type stubParser struct{ handles func(string) bool }

func (s *stubParser) CanHandle(path string) bool { return s.handles(path) }
func (s *stubParser) ParseFile(path string) (*FileAST, error) {
	return &FileAST{Path: path, Symbols: []Symbol{{Name: "stub", Kind: SymbolFunction}}}, nil
}
func (s *stubParser) ParseContent(content []byte, path string) (*FileAST, error) {
	return s.ParseFile(path)
}

func TestRegistryUsesRegisteredParser(t *testing.T) {
	r := NewRegistry()
	r.Register("go", &stubParser{handles: func(string) bool { return true }}, VisibilityRule{})

	dir := t.TempDir()
	path := filepath.Join(dir, "main.go")
	require.NoError(t, os.WriteFile(path, []byte("package main"), 0o644))

	ast, err := r.ParseFile("go", path)
	require.NoError(t, err)
	require.Len(t, ast.Symbols, 1)
	require.Equal(t, "stub", ast.Symbols[0].Name)
}

func TestRegistryFallsBackForUnknownLanguage(t *testing.T) {
	r := NewRegistry()
	dir := t.TempDir()
	path := filepath.Join(dir, "main.rs")
	require.NoError(t, os.WriteFile(path, []byte("fn main() {}\nfn other() {}\n"), 0o644))

	ast, err := r.ParseFile("rust", path)
	require.NoError(t, err)
	require.Len(t, ast.Symbols, 1)
	require.Equal(t, SymbolNamespace, ast.Symbols[0].Kind)
}

func TestMarkUnavailableForcesFallback(t *testing.T) {
	r := NewRegistry()
	r.Register("go", &stubParser{handles: func(string) bool { return true }}, VisibilityRule{})
	r.MarkUnavailable("go")

	dir := t.TempDir()
	path := filepath.Join(dir, "main.go")
	require.NoError(t, os.WriteFile(path, []byte("package main"), 0o644))

	ast, err := r.ParseFile("go", path)
	require.NoError(t, err)
	require.Equal(t, SymbolNamespace, ast.Symbols[0].Kind)
}

func TestParseFileReturnsSameASTForIdenticalSources(t *testing.T) {
	r := NewRegistry()
	r.Register("go", &stubParser{handles: func(string) bool { return true }}, VisibilityRule{})

	dir := t.TempDir()
	a := filepath.Join(dir, "a.go")
	b := filepath.Join(dir, "b.go")
	require.NoError(t, os.WriteFile(a, []byte("package main"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("package main"), 0o644))

	astA, err := r.ParseFile("go", a)
	require.NoError(t, err)
	astB, err := r.ParseFile("go", b)
	require.NoError(t, err)

	// Two files parsed by the same parser should produce structurally
	// identical symbol tables regardless of their path, so compare with
	// the Path field ignored.
	if diff := cmp.Diff(astA.Symbols, astB.Symbols); diff != "" {
		t.Fatalf("symbol tables differ (-a +b):\n%s", diff)
	}
}

func TestVisibilityRuleModifierTakesPrecedence(t *testing.T) {
	rule := VisibilityRule{Modifiers: map[string]bool{"public": true, "private": false}}
	require.True(t, rule.IsPublic("public", "anything"))
	require.False(t, rule.IsPublic("private", "Anything"))
}

func TestVisibilityRuleFallsBackToNamePattern(t *testing.T) {
	rule := goVisibility
	require.True(t, rule.IsPublic("", "Exported"))
	require.False(t, rule.IsPublic("", "unexported"))
}
