// Package executor runs a single build node through its language handler,
// checking the Cache Coordinator before invoking the handler and recording
// the outcome afterward (spec.md §4.11).
package executor

import (
	"context"
	"encoding/hex"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/xerrors"

	"github.com/weaveforge/weaveforge"
	"github.com/weaveforge/weaveforge/internal/buildgraph"
	"github.com/weaveforge/weaveforge/internal/cache"
	"github.com/weaveforge/weaveforge/internal/graph"
	"github.com/weaveforge/weaveforge/internal/hashkey"
	"github.com/weaveforge/weaveforge/internal/trace"
)

// Import is one dependency a handler's analysis step discovered inside a
// target's sources, beyond what the DSL declared explicitly.
type Import struct {
	Path string
	Kind weaveforge.ImportKind
}

// NewNode and NewEdge describe graph extensions a handler's discovery step
// wants to apply, mirroring internal/buildgraph.Discovery/Edge without
// importing that package's vocabulary into the handler contract.
type NewNode struct {
	ID weaveforge.TargetID
}

type NewEdge struct {
	From, To weaveforge.TargetID
}

// BuildContext is everything a Handler needs to build one target (spec.md
// §4.11).
type BuildContext struct {
	Context     context.Context
	Target      *graph.ResolvedTarget
	Workspace   string
	Coordinator *cache.Coordinator
	Hasher      *hashkey.Hasher
}

// BuildOutcome is a handler's report of what happened (spec.md §4.11).
type BuildOutcome struct {
	Success     bool
	Outputs     []string
	OutputHash  string
	Diagnostics []string
	Error       error
}

// Handler implements the language-specific build logic for one target kind
// (spec.md §4.11, §5 "Handler contract").
type Handler interface {
	// Outputs returns the absolute output paths this target would produce,
	// without necessarily building it (used for cache matching).
	Outputs(target *graph.ResolvedTarget, workspace string) []string
	// AnalyzeImports inspects sources for imports the DSL didn't declare.
	AnalyzeImports(sources []string) ([]Import, error)
	// Build performs the actual compile/link/package/test/codegen action.
	Build(ctx *BuildContext) BuildOutcome
}

// DiscoveryHandler is implemented by handlers whose targets can extend the
// build graph dynamically (spec.md §4.9, §4.11's optional "discovery" verb)
// — e.g. a codegen target whose generated sources introduce new targets.
type DiscoveryHandler interface {
	Handler
	Discovery(ctx *BuildContext, outcome BuildOutcome) ([]NewNode, []NewEdge, error)
}

// Registry maps a target's language to its Handler.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

func (r *Registry) Register(language string, h Handler) {
	r.handlers[language] = h
}

func (r *Registry) Lookup(language string) (Handler, bool) {
	h, ok := r.handlers[language]
	return h, ok
}

// Executor drives one target through cache-check, handler invocation, and
// cache recording (spec.md §4.11).
type Executor struct {
	Registry    *Registry
	Coordinator *cache.Coordinator
	Hasher      *hashkey.Hasher
	Workspace   string
	Graph       *buildgraph.BuildGraph
}

// New constructs an Executor wired to the given component instances.
func New(reg *Registry, coord *cache.Coordinator, hasher *hashkey.Hasher, workspace string, bg *buildgraph.BuildGraph) *Executor {
	return &Executor{Registry: reg, Coordinator: coord, Hasher: hasher, Workspace: workspace, Graph: bg}
}

// Execute runs a single resolved target: cache lookup, handler dispatch on
// miss, cache write on success. depHashes are the already-computed
// cache-key contributions of rt's dependencies, folded into the deps-hash
// so a changed dependency invalidates rt even when rt's own sources did
// not change (spec.md §8 invariant 1).
func (e *Executor) Execute(ctx context.Context, rt *graph.ResolvedTarget, depHashes map[weaveforge.TargetID]string) (BuildOutcome, error) {
	h, ok := e.Registry.Lookup(rt.Language)
	if !ok {
		return BuildOutcome{}, xerrors.Errorf("executor: no handler registered for language %q (target %s)", rt.Language, rt.ID)
	}

	sourcesHash, err := e.Hasher.HashFiles(sortedCopy(e.absolute(rt.Sources)))
	if err != nil {
		return BuildOutcome{}, xerrors.Errorf("executor: hashing sources of %s: %w", rt.ID, err)
	}
	depsHash := depsDigest(rt, depHashes)

	match := cache.TargetMatch{SourcesHash: sourcesHash, DepsHash: depsHash}
	outputs := h.Outputs(rt, e.Workspace)
	hashOutputs := func(paths []string) (string, error) { return e.Hasher.HashFiles(sortedCopy(paths)) }

	if cached, err := e.Coordinator.IsCached(rt.ID, match, hashOutputs); err != nil {
		return BuildOutcome{}, err
	} else if cached {
		trace.Counter("cache-hit", 0, map[string]uint64{rt.ID.String(): 1})
		combined, err := e.Hasher.HashFiles(sortedCopy(outputs))
		if err != nil {
			return BuildOutcome{}, err
		}
		return BuildOutcome{Success: true, Outputs: outputs, OutputHash: combined}, nil
	}

	// The Target Cache above validates the whole target's declared outputs
	// in one shot; the Action Cache below additionally covers the single
	// action this handler performs, so a rebuild whose inputs are
	// byte-identical to a prior run's (spec.md §4.11 step 4) can skip
	// re-invoking the handler even when the Target Cache's output-existence
	// check alone wouldn't have trusted it yet (e.g. after a GC pass).
	actionID := cache.ActionID{Target: rt.ID, Kind: actionKindFor(rt.Kind)}
	inputsHash, err := inputHashBytes(hashkey.CompositeKey(sourcesHash, depsHash))
	if err != nil {
		return BuildOutcome{}, xerrors.Errorf("executor: %s: action input hash: %w", rt.ID, err)
	}
	actionMeta := map[string]string{"language": rt.Language}

	if cached, err := e.Coordinator.IsActionCached(actionID, inputsHash, actionMeta); err != nil {
		return BuildOutcome{}, err
	} else if cached {
		trace.Counter("cache-hit", 0, map[string]uint64{rt.ID.String(): 1})
		combined, err := e.Hasher.HashFiles(sortedCopy(outputs))
		if err != nil {
			return BuildOutcome{}, err
		}
		outcome := BuildOutcome{Success: true, Outputs: outputs, OutputHash: combined}
		e.Coordinator.Update(rt.ID, match, outcome.OutputHash, outcome.Outputs, time.Now())
		return outcome, nil
	}

	bctx := &BuildContext{Context: ctx, Target: rt, Workspace: e.Workspace, Coordinator: e.Coordinator, Hasher: e.Hasher}
	pe := trace.Event("build", 0)
	pe.Args = map[string]string{"target": rt.ID.String()}
	outcome := h.Build(bctx)
	pe.Done()
	if !outcome.Success {
		if err := e.Coordinator.RecordAction(actionID, inputsHash, nil, actionMeta, false, time.Now()); err != nil {
			return outcome, err
		}
		return outcome, nil
	}

	if outcome.OutputHash == "" {
		combined, err := e.Hasher.HashFiles(sortedCopy(outcome.Outputs))
		if err != nil {
			return outcome, err
		}
		outcome.OutputHash = combined
	}
	if err := e.Coordinator.RecordAction(actionID, inputsHash, outcome.Outputs, actionMeta, true, time.Now()); err != nil {
		return outcome, err
	}
	e.Coordinator.Update(rt.ID, match, outcome.OutputHash, outcome.Outputs, time.Now())
	return outcome, nil
}

// actionKindFor maps a target's declared kind onto the Action Cache's
// per-action classification. The shipped shell handler performs its whole
// build as one opaque action (spec.md §1 non-goal: no source-language
// interpretation), so there is no finer compile/link/package split to
// report here; test targets get their own kind since spec.md §4.5 and §6
// treat test re-runs as a distinct cached action from a build.
func actionKindFor(k weaveforge.Kind) weaveforge.ActionKind {
	if k == weaveforge.KindTest {
		return weaveforge.ActionTest
	}
	return weaveforge.ActionCustom
}

// depsDigest folds each dependency's own cache-key contribution into a
// single deterministic digest, independent of dependency iteration order.
func depsDigest(rt *graph.ResolvedTarget, depHashes map[weaveforge.TargetID]string) string {
	parts := make([]string, 0, len(rt.Deps)+len(rt.CacheKeyInputs))
	ids := make([]string, len(rt.Deps))
	for i, d := range rt.Deps {
		ids[i] = d.String()
	}
	sort.Strings(ids)
	for _, id := range ids {
		for _, d := range rt.Deps {
			if d.String() == id {
				parts = append(parts, id+"="+depHashes[d])
				break
			}
		}
	}
	extra := append([]string(nil), rt.CacheKeyInputs...)
	sort.Strings(extra)
	parts = append(parts, extra...)
	return hashkey.CompositeKey(parts...)
}

func sortedCopy(ss []string) []string {
	out := append([]string(nil), ss...)
	sort.Strings(out)
	return out
}

// absolute resolves workspace-relative source paths against e.Workspace;
// paths that are already absolute (as test fixtures often are) pass
// through unchanged.
func (e *Executor) absolute(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		if filepath.IsAbs(p) {
			out[i] = p
		} else {
			out[i] = filepath.Join(e.Workspace, p)
		}
	}
	return out
}

// inputHashBytes converts a hashkey.CompositeKey hex digest into the fixed
// 32-byte form the Action Cache's on-disk record expects.
func inputHashBytes(hexDigest string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(hexDigest)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, xerrors.Errorf("executor: expected 32-byte digest, got %d bytes", len(b))
	}
	copy(out[:], b)
	return out, nil
}
