package astreg

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/cpp"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
)

// walk visits every node in the tree in depth-first order.
func walk(n *sitter.Node, visit func(*sitter.Node)) {
	if n == nil {
		return
	}
	visit(n)
	for i := 0; i < int(n.ChildCount()); i++ {
		walk(n.Child(i), visit)
	}
}

func nodeText(n *sitter.Node, content []byte) string {
	return string(content[n.StartByte():n.EndByte()])
}

func symbolContentHash(n *sitter.Node, content []byte) string {
	sum := sha256.Sum256(content[n.StartByte():n.EndByte()])
	return hex.EncodeToString(sum[:])
}

// symbolFromNode builds a Symbol from a declaration node whose name comes
// from its "name" field, applying rule to decide visibility.
func symbolFromNode(n *sitter.Node, content []byte, kind SymbolKind, rule VisibilityRule, modifier string) (Symbol, bool) {
	nameNode := n.ChildByFieldName("name")
	if nameNode == nil {
		return Symbol{}, false
	}
	name := nodeText(nameNode, content)
	return Symbol{
		Name:        name,
		Kind:        kind,
		StartLine:   int(n.StartPoint().Row) + 1,
		EndLine:     int(n.EndPoint().Row) + 1,
		Signature:   firstLine(nodeText(n, content)),
		IsPublic:    rule.IsPublic(modifier, name),
		ContentHash: symbolContentHash(n, content),
	}, true
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// goVisibility follows Go's exported-identifier convention: no modifier
// keyword, capitalized name means public (spec.md §4.4, "name-pattern
// regex fallback").
var goVisibility = VisibilityRule{NamePattern: regexp.MustCompile(`^[\p{Lu}]`)}

func NewGoParser() Parser {
	return &treeSitterParser{
		lang:      golang.GetLanguage(),
		extension: func(path string) bool { return filepath.Ext(path) == ".go" },
		symbols: func(root *sitter.Node, content []byte) []Symbol {
			var out []Symbol
			walk(root, func(n *sitter.Node) {
				var kind SymbolKind
				switch n.Type() {
				case "function_declaration":
					kind = SymbolFunction
				case "method_declaration":
					kind = SymbolMethod
				case "type_spec":
					kind = SymbolStruct
				default:
					return
				}
				if s, ok := symbolFromNode(n, content, kind, goVisibility, ""); ok {
					out = append(out, s)
				}
			})
			return out
		},
		imports: func(root *sitter.Node, content []byte) []string {
			var out []string
			walk(root, func(n *sitter.Node) {
				if n.Type() != "import_spec" {
					return
				}
				pathNode := n.ChildByFieldName("path")
				if pathNode == nil {
					return
				}
				out = append(out, strings.Trim(nodeText(pathNode, content), `"`))
			})
			return out
		},
	}
}

// pythonVisibility follows PEP 8 convention: a single leading underscore
// marks a name non-public; no explicit modifier keyword exists.
var pythonVisibility = VisibilityRule{NamePattern: regexp.MustCompile(`^[^_]`)}

func NewPythonParser() Parser {
	return &treeSitterParser{
		lang:      python.GetLanguage(),
		extension: func(path string) bool { return filepath.Ext(path) == ".py" },
		symbols: func(root *sitter.Node, content []byte) []Symbol {
			var out []Symbol
			walk(root, func(n *sitter.Node) {
				var kind SymbolKind
				switch n.Type() {
				case "function_definition":
					kind = SymbolFunction
				case "class_definition":
					kind = SymbolClass
				default:
					return
				}
				if s, ok := symbolFromNode(n, content, kind, pythonVisibility, ""); ok {
					out = append(out, s)
				}
			})
			return out
		},
		imports: func(root *sitter.Node, content []byte) []string {
			var out []string
			walk(root, func(n *sitter.Node) {
				if n.Type() != "import_statement" && n.Type() != "import_from_statement" {
					return
				}
				out = append(out, strings.Fields(nodeText(n, content))...)
			})
			return out
		},
	}
}

// jsVisibility: JavaScript has no access modifiers at the top level;
// everything exported via `export` is public, everything else is treated
// as module-private by convention.
var jsVisibility = VisibilityRule{Modifiers: map[string]bool{"export": true}}

func NewJavaScriptParser() Parser {
	return &treeSitterParser{
		lang: javascript.GetLanguage(),
		extension: func(path string) bool {
			ext := filepath.Ext(path)
			return ext == ".js" || ext == ".jsx"
		},
		symbols: func(root *sitter.Node, content []byte) []Symbol {
			var out []Symbol
			walk(root, func(n *sitter.Node) {
				var kind SymbolKind
				switch n.Type() {
				case "function_declaration":
					kind = SymbolFunction
				case "class_declaration":
					kind = SymbolClass
				case "method_definition":
					kind = SymbolMethod
				default:
					return
				}
				modifier := ""
				if n.Parent() != nil && n.Parent().Type() == "export_statement" {
					modifier = "export"
				}
				if s, ok := symbolFromNode(n, content, kind, jsVisibility, modifier); ok {
					out = append(out, s)
				}
			})
			return out
		},
		imports: func(root *sitter.Node, content []byte) []string {
			var out []string
			walk(root, func(n *sitter.Node) {
				if n.Type() != "import_statement" {
					return
				}
				sourceNode := n.ChildByFieldName("source")
				if sourceNode == nil {
					return
				}
				out = append(out, strings.Trim(nodeText(sourceNode, content), `'"`))
			})
			return out
		},
	}
}

// cppVisibility handles the access-specifier-block model: a preceding
// `public:`/`private:`/`protected:` label governs every following member
// until the next label.
var cppVisibility = VisibilityRule{Modifiers: map[string]bool{"public": true, "private": false, "protected": false}}

func NewCppParser() Parser {
	return &treeSitterParser{
		lang: cpp.GetLanguage(),
		extension: func(path string) bool {
			switch filepath.Ext(path) {
			case ".cc", ".cpp", ".cxx", ".h", ".hpp":
				return true
			}
			return false
		},
		symbols: func(root *sitter.Node, content []byte) []Symbol {
			var out []Symbol
			currentAccess := "public"
			walk(root, func(n *sitter.Node) {
				switch n.Type() {
				case "access_specifier":
					currentAccess = strings.TrimSuffix(nodeText(n, content), ":")
					return
				case "class_specifier":
					if s, ok := symbolFromNode(n, content, SymbolClass, cppVisibility, "public"); ok {
						out = append(out, s)
					}
				case "struct_specifier":
					if s, ok := symbolFromNode(n, content, SymbolStruct, cppVisibility, "public"); ok {
						out = append(out, s)
					}
				case "function_definition":
					if s, ok := symbolFromNode(n, content, SymbolFunction, cppVisibility, currentAccess); ok {
						out = append(out, s)
					}
				case "namespace_definition":
					if s, ok := symbolFromNode(n, content, SymbolNamespace, cppVisibility, "public"); ok {
						out = append(out, s)
					}
				}
			})
			return out
		},
		imports: func(root *sitter.Node, content []byte) []string {
			var out []string
			walk(root, func(n *sitter.Node) {
				if n.Type() != "preproc_include" {
					return
				}
				pathNode := n.NamedChild(0)
				if pathNode == nil {
					return
				}
				out = append(out, strings.Trim(nodeText(pathNode, content), `"<>`))
			})
			return out
		},
	}
}
