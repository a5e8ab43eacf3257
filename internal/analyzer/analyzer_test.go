package analyzer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/weaveforge/weaveforge"
)

func TestPatternBackendExtractsGoImports(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.go")
	content := "package main\n\nimport (\n\t\"fmt\"\n\t\"example.com/pkg/lib\"\n)\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	b := NewPatternBackend("go")
	imports, err := b.Extract(path)
	require.NoError(t, err)
	require.Contains(t, imports, "fmt")
	require.Contains(t, imports, "example.com/pkg/lib")
}

func TestResolverClassifiesStdlibInternalExternal(t *testing.T) {
	target := weaveforge.TargetID{Path: "pkg/lib", Name: "lib"}
	r := &DefaultResolver{PackagePaths: map[string]weaveforge.TargetID{"example.com/pkg/lib": target}}

	stdlib := r.Resolve("fmt", "go", "")
	require.Equal(t, weaveforge.ImportStdlib, stdlib.Kind)

	internal := r.Resolve("example.com/pkg/lib", "go", "")
	require.Equal(t, weaveforge.ImportInternal, internal.Kind)
	require.Equal(t, target, internal.Target)

	external := r.Resolve("github.com/other/thing", "go", "")
	require.Equal(t, weaveforge.ImportExternal, external.Kind)
}

type erroringBackend struct{}

func (erroringBackend) Extract(path string) ([]string, error) {
	return nil, os.ErrNotExist
}

func TestAnalyzeFailFastStopsOnFirstError(t *testing.T) {
	a := New(map[string]Backend{"go": erroringBackend{}}, &DefaultResolver{}, FailFast)
	_, err := a.Analyze("go", "", []string{"missing.go"})
	require.Error(t, err)
}

func TestAnalyzeCollectAllFailsOnlyWhenAllFilesError(t *testing.T) {
	dir := t.TempDir()
	okPath := filepath.Join(dir, "ok.go")
	require.NoError(t, os.WriteFile(okPath, []byte(`import "fmt"`+"\n"), 0o644))

	a := New(map[string]Backend{"go": NewPatternBackend("go")}, &DefaultResolver{}, CollectAll)
	result, err := a.Analyze("go", "", []string{okPath, "missing.go"})
	require.NoError(t, err)
	require.Len(t, result.Diagnostics, 1)
	require.NotEmpty(t, result.Imports)
}

func TestAnalyzeCollectAllFailsWhenEveryFileErrors(t *testing.T) {
	a := New(map[string]Backend{"go": erroringBackend{}}, &DefaultResolver{}, CollectAll)
	_, err := a.Analyze("go", "", []string{"missing1.go", "missing2.go"})
	require.Error(t, err)
}
