// Package astreg is the AST Parser Registry: per-language parsers backed
// by go-tree-sitter, with a never-fatal file-level fallback when a
// language's grammar is unavailable (spec.md §4.4).
package astreg

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"regexp"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
)

// SymbolKind classifies one declaration found in a source file.
type SymbolKind string

const (
	SymbolClass     SymbolKind = "class"
	SymbolStruct    SymbolKind = "struct"
	SymbolFunction  SymbolKind = "function"
	SymbolMethod    SymbolKind = "method"
	SymbolField     SymbolKind = "field"
	SymbolEnum      SymbolKind = "enum"
	SymbolTypedef   SymbolKind = "typedef"
	SymbolNamespace SymbolKind = "namespace"
	SymbolTemplate  SymbolKind = "template"
	SymbolVariable  SymbolKind = "variable"
)

// Symbol is one declaration extracted from a file (spec.md §4.4).
type Symbol struct {
	Name         string
	Kind         SymbolKind
	StartLine    int
	EndLine      int
	Signature    string
	IsPublic     bool
	UsedTypes    []string
	Dependencies []string
	ContentHash  string
}

// FileAST is a parsed source file's extracted structure.
type FileAST struct {
	Path        string
	ContentHash string
	Symbols     []Symbol
	Imports     []string
}

// Parser is implemented once per language.
type Parser interface {
	CanHandle(path string) bool
	ParseFile(path string) (*FileAST, error)
	ParseContent(content []byte, path string) (*FileAST, error)
}

// VisibilityRule decides whether a named symbol is public, per language:
// either an explicit modifier keyword set or, failing that, a name-pattern
// regex fallback (spec.md §4.4, "Visibility rules are declarative").
type VisibilityRule struct {
	Modifiers   map[string]bool // e.g. {"public": true, "private": false}
	NamePattern *regexp.Regexp  // matched against the symbol name when no modifier is present
}

func (r VisibilityRule) IsPublic(modifier, name string) bool {
	if modifier != "" {
		if pub, ok := r.Modifiers[modifier]; ok {
			return pub
		}
	}
	if r.NamePattern != nil {
		return r.NamePattern.MatchString(name)
	}
	return true
}

// Registry holds one Parser per language plus each language's visibility
// rule. It is constructed explicitly at engine bootstrap, never via
// package init(), so that grammar loading failures surface to the caller
// instead of panicking at import time (spec.md §9 design note).
type Registry struct {
	mu          sync.Mutex
	parsers     map[string]Parser
	visibility  map[string]VisibilityRule
	unavailable map[string]bool // languages whose grammar failed to load
}

func NewRegistry() *Registry {
	return &Registry{
		parsers:     map[string]Parser{},
		visibility:  map[string]VisibilityRule{},
		unavailable: map[string]bool{},
	}
}

// Register adds a language's parser and visibility rule.
func (r *Registry) Register(language string, p Parser, v VisibilityRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[language] = p
	r.visibility[language] = v
}

// MarkUnavailable records that language's grammar failed to load (a
// missing cgo-linked grammar binary, typically); ParseFile then falls
// back to file-level granularity for that language rather than failing.
func (r *Registry) MarkUnavailable(language string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unavailable[language] = true
}

// ParseFile parses path using language's registered parser, or a
// file-level fallback (one Symbol spanning the whole file, kind
// "namespace") if the language has no parser or was marked unavailable.
func (r *Registry) ParseFile(language, path string) (*FileAST, error) {
	r.mu.Lock()
	p, ok := r.parsers[language]
	unavailable := r.unavailable[language]
	r.mu.Unlock()

	if !ok || unavailable {
		return fallbackParse(path)
	}
	ast, err := p.ParseFile(path)
	if err != nil {
		// A parse failure for one file is never fatal to the registry:
		// degrade to the file-level fallback and let the Analyzer's error
		// policy decide what to do with the result.
		return fallbackParse(path)
	}
	return ast, nil
}

// Visibility returns the registered VisibilityRule for language, or a
// permissive default (everything public) if none was registered.
func (r *Registry) Visibility(language string) VisibilityRule {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.visibility[language]; ok {
		return v
	}
	return VisibilityRule{}
}

func fallbackParse(path string) (*FileAST, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])
	lines := strings.Count(string(content), "\n") + 1
	return &FileAST{
		Path:        path,
		ContentHash: hash,
		Symbols: []Symbol{{
			Name:        path,
			Kind:        SymbolNamespace,
			StartLine:   1,
			EndLine:     lines,
			IsPublic:    true,
			ContentHash: hash,
		}},
	}, nil
}

// treeSitterParser wraps a sitter.Language into the Parser interface,
// shared by every concrete language parser registered below.
type treeSitterParser struct {
	lang      *sitter.Language
	extension func(path string) bool
	symbols   func(tree *sitter.Node, content []byte) []Symbol
	imports   func(tree *sitter.Node, content []byte) []string
}

func (p *treeSitterParser) CanHandle(path string) bool { return p.extension(path) }

func (p *treeSitterParser) ParseFile(path string) (*FileAST, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return p.ParseContent(content, path)
}

func (p *treeSitterParser) ParseContent(content []byte, path string) (*FileAST, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(p.lang)
	tree, err := parser.ParseCtx(nil, nil, content)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])
	root := tree.RootNode()
	return &FileAST{
		Path:        path,
		ContentHash: hash,
		Symbols:     p.symbols(root, content),
		Imports:     p.imports(root, content),
	}, nil
}
