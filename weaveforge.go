// Package weaveforge holds the identifiers and small cross-cutting types
// shared by every engine component: target ids, action kinds, and the
// process-lifetime context helper every long-running subcommand uses.
package weaveforge

import (
	"context"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"

	"golang.org/x/xerrors"
)

// InterruptibleContext returns a context which is canceled when the program
// is interrupted (i.e. receiving SIGINT or SIGTERM). The Resilience Layer
// uses the cancellation to drain in-flight actions and write a final
// checkpoint before returning (spec.md §5, "Cancellation").
func InterruptibleContext() (context.Context, context.CancelFunc) {
	ctx, canc := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		// Subsequent signals result in immediate termination, useful in
		// case cleanup hangs.
		signal.Stop(sig)
		canc()
	}()
	return ctx, canc
}

// nameRE matches the Name grammar from spec.md §6: "[A-Za-z0-9._-]+".
var nameRE = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// TargetID is a fully-resolved target identifier of the form
// "//path/to/pkg:name". It is always absolute once resolved by the Target
// Graph Builder; the DSL and dependency strings may use the relative forms
// documented in spec.md §6 ("//<path>:<name>", ":<name>", "<path>:<name>").
type TargetID struct {
	Path string // e.g. "services/api", "" for the workspace root package
	Name string // e.g. "server"
}

func (id TargetID) String() string {
	return "//" + id.Path + ":" + id.Name
}

// IsZero reports whether id is the zero value (no target referenced).
func (id TargetID) IsZero() bool { return id.Path == "" && id.Name == "" }

// ParseTargetID parses a dependency string relative to the package at
// fromPath, resolving the three forms from spec.md §6:
//
//	//<path>:<name>  absolute
//	:<name>          sibling (same package as fromPath)
//	<path>:<name>    relative to fromPath
func ParseTargetID(s, fromPath string) (TargetID, error) {
	if s == "" {
		return TargetID{}, xerrors.New("empty target identifier")
	}
	var path, name string
	switch {
	case strings.HasPrefix(s, "//"):
		rest := strings.TrimPrefix(s, "//")
		idx := strings.LastIndex(rest, ":")
		if idx < 0 {
			return TargetID{}, xerrors.Errorf("target %q: missing ':name'", s)
		}
		path, name = rest[:idx], rest[idx+1:]
	case strings.HasPrefix(s, ":"):
		path, name = fromPath, strings.TrimPrefix(s, ":")
	default:
		idx := strings.LastIndex(s, ":")
		if idx < 0 {
			return TargetID{}, xerrors.Errorf("target %q: missing ':name'", s)
		}
		path, name = joinPath(fromPath, s[:idx]), s[idx+1:]
	}
	if !nameRE.MatchString(name) {
		return TargetID{}, xerrors.Errorf("target %q: invalid name %q", s, name)
	}
	return TargetID{Path: path, Name: name}, nil
}

func joinPath(base, rel string) string {
	if rel == "" {
		return base
	}
	if strings.HasPrefix(rel, "/") {
		return strings.TrimPrefix(rel, "/")
	}
	if base == "" {
		return rel
	}
	return base + "/" + rel
}

// Kind is the target kind, as defined in spec.md §3.
type Kind string

const (
	KindExecutable Kind = "executable"
	KindLibrary    Kind = "library"
	KindTest       Kind = "test"
	KindCustom     Kind = "custom"
)

// ActionKind classifies the finest-grained unit of work within a target
// (spec.md §3, §6).
type ActionKind string

const (
	ActionCompile ActionKind = "compile"
	ActionLink    ActionKind = "link"
	ActionPackage ActionKind = "package"
	ActionCodegen ActionKind = "codegen"
	ActionTest    ActionKind = "test"
	ActionCustom  ActionKind = "custom"
)

// ImportKind classifies a discovered import (spec.md §3).
type ImportKind string

const (
	ImportInternal ImportKind = "internal"
	ImportExternal ImportKind = "external"
	ImportStdlib   ImportKind = "stdlib"
)
