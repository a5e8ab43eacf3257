package dsl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func parseAndEval(t *testing.T, src string, env *Env) []*RawTarget {
	t.Helper()
	p, err := NewParser(src)
	require.NoError(t, err)
	prog, err := p.ParseProgram()
	require.NoError(t, err)
	if env == nil {
		env = &Env{
			Getenv: func(string) (string, bool) { return "", false },
			Glob:   func(string) ([]string, error) { return nil, nil },
		}
	}
	ev := NewEvaluator(env)
	targets, err := ev.Eval(prog)
	require.NoError(t, err)
	return targets
}

func TestLexerTokenizesOperatorsAndLiterals(t *testing.T) {
	lex := NewLexer(`let x = 1 + 2.5 * "a\nb" == true && !false`)
	var kinds []Kind
	for {
		tok, err := lex.Next()
		require.NoError(t, err)
		if tok.Kind == EOF {
			break
		}
		kinds = append(kinds, tok.Kind)
	}
	require.Equal(t, []Kind{KwLet, Ident, Assign, Int, Plus, Float, Star, String, Eq, Bool, And, Not, Bool}, kinds)
}

func TestLexerRejectsUnterminatedString(t *testing.T) {
	lex := NewLexer(`"unterminated`)
	_, err := lex.Next()
	require.Error(t, err)
	var synErr *SyntaxError
	require.ErrorAs(t, err, &synErr)
}

func TestParseSimpleTarget(t *testing.T) {
	targets := parseAndEval(t, `
target("server") {
	type: "executable",
	language: "go",
	sources: ["main.go", "handler.go"],
	deps: [":lib"],
	flags: ["-race"],
}
`, nil)
	require.Len(t, targets, 1)
	require.Equal(t, "server", targets[0].Name)
	require.Equal(t, "executable", targets[0].Fields["type"])
}

func TestTargetBlockInsideForLoop(t *testing.T) {
	targets := parseAndEval(t, `
for pkg in ["a", "b", "c"] {
	target(pkg) {
		type: "library",
	}
}
`, nil)
	require.Len(t, targets, 3)
	require.Equal(t, "a", targets[0].Name)
	require.Equal(t, "c", targets[2].Name)
}

func TestFunctionsAndLambdas(t *testing.T) {
	targets := parseAndEval(t, `
func suffixed(base) {
	return base + "_bin"
}
let make_name = |n| suffixed(n)
target(make_name("app")) {
	type: "executable",
}
`, nil)
	require.Len(t, targets, 1)
	require.Equal(t, "app_bin", targets[0].Name)
}

func TestTernaryAndComparison(t *testing.T) {
	targets := parseAndEval(t, `
let debug = 1 < 2
target(debug ? "debug_build" : "release_build") {
	type: "custom",
}
`, nil)
	require.Equal(t, "debug_build", targets[0].Name)
}

func TestEnvBuiltinRecordsEffect(t *testing.T) {
	env := &Env{
		Getenv: func(k string) (string, bool) {
			if k == "BUILD_MODE" {
				return "release", true
			}
			return "", false
		},
		Glob: func(string) ([]string, error) { return nil, nil },
	}
	targets := parseAndEval(t, `
target("app") {
	type: "executable",
	flags: [env("BUILD_MODE", "debug")],
}
`, env)
	require.Len(t, targets, 1)
	require.Equal(t, []Value{"release"}, targets[0].Fields["flags"])
	require.NotEmpty(t, targets[0].Effects)
}

func TestEffectsDoNotLeakBetweenTargets(t *testing.T) {
	env := &Env{
		Getenv: func(k string) (string, bool) { return "dev", true },
		Glob:   func(string) ([]string, error) { return nil, nil },
	}
	targets := parseAndEval(t, `
target("a") {
	type: "custom",
	flags: [env("MODE", "debug")],
}
target("b") {
	type: "custom",
}
`, env)
	require.Len(t, targets, 2)
	require.NotEmpty(t, targets[0].Effects, "target a observed env() itself")
	require.Empty(t, targets[1].Effects, "target b must not inherit target a's env() effect")
}

func TestGlobBuiltinExpandsSources(t *testing.T) {
	env := &Env{
		Getenv: func(string) (string, bool) { return "", false },
		Glob: func(pattern string) ([]string, error) {
			if pattern == "*.go" {
				return []string{"a.go", "b.go"}, nil
			}
			return nil, nil
		},
	}
	targets := parseAndEval(t, `
target("lib") {
	type: "library",
	sources: glob("*.go"),
}
`, env)
	require.Equal(t, []Value{"a.go", "b.go"}, targets[0].Fields["sources"])
}

func TestMapIndexAndMemberAccess(t *testing.T) {
	targets := parseAndEval(t, `
let cfg = {"name": "svc", "port": 8080}
target(cfg.name) {
	type: "executable",
	output: cfg["name"] + ".bin",
}
`, nil)
	require.Equal(t, "svc", targets[0].Name)
	require.Equal(t, "svc.bin", targets[0].Fields["output"])
}

func TestDivisionByZeroIsRuntimeError(t *testing.T) {
	p, err := NewParser(`
let x = 1 / 0
target("app") { type: "executable" }
`)
	require.NoError(t, err)
	prog, err := p.ParseProgram()
	require.NoError(t, err)
	ev := NewEvaluator(&Env{
		Getenv: func(string) (string, bool) { return "", false },
		Glob:   func(string) ([]string, error) { return nil, nil },
	})
	_, err = ev.Eval(prog)
	require.Error(t, err)
}

func TestToTargetsRequiresType(t *testing.T) {
	raws := []*RawTarget{{
		Pos:    Pos{Line: 1, Col: 1},
		Name:   "app",
		Fields: map[string]Value{},
	}}
	_, err := ToTargets(raws)
	require.Error(t, err)
	var missing *RequiredFieldMissing
	require.ErrorAs(t, err, &missing)
	require.Equal(t, "type", missing.Field)
}

func TestToTargetsParsesDepsWithVersionConstraint(t *testing.T) {
	raws := []*RawTarget{{
		Pos:  Pos{Line: 1, Col: 1},
		Name: "app",
		Fields: map[string]Value{
			"type": "executable",
			"deps": []Value{":lib@>=1.2.0", "//vendor:proto"},
		},
	}}
	targets, err := ToTargets(raws)
	require.NoError(t, err)
	require.Len(t, targets[0].Deps, 2)
	require.Equal(t, ":lib", targets[0].Deps[0].Raw)
	require.Equal(t, ">=1.2.0", targets[0].Deps[0].VersionConstraint)
	require.Equal(t, "//vendor:proto", targets[0].Deps[1].Raw)
	require.Empty(t, targets[0].Deps[1].VersionConstraint)
}

func TestToTargetsRejectsBadKind(t *testing.T) {
	raws := []*RawTarget{{
		Pos:  Pos{Line: 1, Col: 1},
		Name: "app",
		Fields: map[string]Value{
			"type": "daemon",
		},
	}}
	_, err := ToTargets(raws)
	require.Error(t, err)
	var typeErr *TypeError
	require.ErrorAs(t, err, &typeErr)
}

func TestSyntaxErrorHasPosition(t *testing.T) {
	p, err := NewParser(`target("x") { type: }`)
	require.NoError(t, err)
	_, err = p.ParseProgram()
	require.Error(t, err)
	var synErr *SyntaxError
	require.ErrorAs(t, err, &synErr)
	require.Equal(t, 1, synErr.Pos.Line)
}
