package graph

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/weaveforge/weaveforge"
	"github.com/weaveforge/weaveforge/internal/dsl"
)

func pkgAt(p string) func(*dsl.Target) string {
	return func(*dsl.Target) string { return p }
}

func noGlob(dir, pattern string) ([]string, error) { return nil, nil }

func TestBuildResolvesSiblingDep(t *testing.T) {
	raws := []*dsl.Target{
		{ID: weaveforge.TargetID{Name: "lib"}, Kind: weaveforge.KindLibrary, Language: "go"},
		{ID: weaveforge.TargetID{Name: "app"}, Kind: weaveforge.KindExecutable, Language: "go",
			Deps: []dsl.DepRef{{Raw: ":lib"}}},
	}
	targets, err := Build(raws, pkgAt("services/api"), noGlob)
	require.NoError(t, err)
	app := targets[weaveforge.TargetID{Path: "services/api", Name: "app"}]
	require.NotNil(t, app)
	require.Equal(t, []weaveforge.TargetID{{Path: "services/api", Name: "lib"}}, app.Deps)
}

func TestBuildRejectsUnresolvedDep(t *testing.T) {
	raws := []*dsl.Target{
		{ID: weaveforge.TargetID{Name: "app"}, Kind: weaveforge.KindExecutable, Language: "go",
			Deps: []dsl.DepRef{{Raw: ":missing"}}},
	}
	_, err := Build(raws, pkgAt("pkg"), noGlob)
	require.Error(t, err)
	var unresolved *UnresolvedDependency
	require.ErrorAs(t, err, &unresolved)
}

func TestBuildRejectsDuplicateTarget(t *testing.T) {
	raws := []*dsl.Target{
		{ID: weaveforge.TargetID{Name: "app"}, Kind: weaveforge.KindExecutable, Language: "go"},
		{ID: weaveforge.TargetID{Name: "app"}, Kind: weaveforge.KindLibrary, Language: "go"},
	}
	_, err := Build(raws, pkgAt("pkg"), noGlob)
	require.Error(t, err)
	var dup *DuplicateTarget
	require.ErrorAs(t, err, &dup)
}

func TestBuildRejectsSelfDependency(t *testing.T) {
	raws := []*dsl.Target{
		{ID: weaveforge.TargetID{Name: "app"}, Kind: weaveforge.KindExecutable, Language: "go",
			Deps: []dsl.DepRef{{Raw: ":app"}}},
	}
	_, err := Build(raws, pkgAt("pkg"), noGlob)
	require.Error(t, err)
}

func TestBuildInfersLanguageFromExtension(t *testing.T) {
	raws := []*dsl.Target{
		{ID: weaveforge.TargetID{Name: "app"}, Kind: weaveforge.KindExecutable, Sources: []string{"main.py"}},
	}
	targets, err := Build(raws, pkgAt("pkg"), noGlob)
	require.NoError(t, err)
	require.Equal(t, "python", targets[weaveforge.TargetID{Path: "pkg", Name: "app"}].Language)
}

func TestBuildFailsOnUnknownLanguage(t *testing.T) {
	raws := []*dsl.Target{
		{ID: weaveforge.TargetID{Name: "app"}, Kind: weaveforge.KindExecutable, Sources: []string{"data.xyz"}},
	}
	_, err := Build(raws, pkgAt("pkg"), noGlob)
	require.Error(t, err)
	var unknown *UnknownLanguage
	require.ErrorAs(t, err, &unknown)
}

func TestBuildExpandsAndSortsGlobSources(t *testing.T) {
	glob := func(dir, pattern string) ([]string, error) {
		require.Equal(t, "pkg", dir)
		require.Equal(t, "*.go", pattern)
		return []string{"pkg/z.go", "pkg/a.go"}, nil
	}
	raws := []*dsl.Target{
		{ID: weaveforge.TargetID{Name: "lib"}, Kind: weaveforge.KindLibrary, Language: "go", Sources: []string{"*.go"}},
	}
	targets, err := Build(raws, pkgAt("pkg"), glob)
	require.NoError(t, err)
	require.Equal(t, []string{"pkg/a.go", "pkg/z.go"}, targets[weaveforge.TargetID{Path: "pkg", Name: "lib"}].Sources)
}

func TestBuildResolvesAbsoluteDepAcrossPackages(t *testing.T) {
	proto := &dsl.Target{ID: weaveforge.TargetID{Name: "proto"}, Kind: weaveforge.KindLibrary, Language: "go"}
	app := &dsl.Target{ID: weaveforge.TargetID{Name: "app"}, Kind: weaveforge.KindExecutable, Language: "go",
		Deps: []dsl.DepRef{{Raw: "//vendor:proto"}}}
	pkgOf := func(t *dsl.Target) string {
		if t == proto {
			return "vendor"
		}
		return "services/api"
	}
	targets, err := Build([]*dsl.Target{proto, app}, pkgOf, noGlob)
	require.NoError(t, err)
	appTarget := targets[weaveforge.TargetID{Path: "services/api", Name: "app"}]
	require.Equal(t, []weaveforge.TargetID{{Path: "vendor", Name: "proto"}}, appTarget.Deps)
}
