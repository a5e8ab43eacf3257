package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/weaveforge/weaveforge"
	"github.com/weaveforge/weaveforge/internal/buildgraph"
	"github.com/weaveforge/weaveforge/internal/cache"
	"github.com/weaveforge/weaveforge/internal/executor"
	"github.com/weaveforge/weaveforge/internal/graph"
	"github.com/weaveforge/weaveforge/internal/resilience"
	"github.com/weaveforge/weaveforge/internal/scheduler"
	"github.com/weaveforge/weaveforge/internal/trace"
)

// BuildResult is one target's terminal outcome, streamed on the Engine's
// result channel so a CLI can print a running summary (SPEC_FULL.md §6,
// "structured build result stream").
type BuildResult struct {
	Target  weaveforge.TargetID
	Outcome executor.BuildOutcome
	Err     error
}

// Engine is the top-level coordinator: it owns the dynamic build graph,
// the scheduler pool, and drives targets through the Executor until the
// graph is exhausted or a failure cascades (spec.md §4, §5).
type Engine struct {
	Resolved    map[weaveforge.TargetID]*graph.ResolvedTarget
	Graph       *buildgraph.DynamicBuildGraph
	Pool        *scheduler.Pool
	Exec        *executor.Executor
	Coordinator *cache.Coordinator
	Checkpoint  *resilience.CheckpointWriter
	Policy      *resilience.Policy

	// FailFast stops scheduling new work after the first failure instead
	// of continuing to maximize diagnostic coverage (spec.md §7's
	// default-vs---fail-fast propagation policy).
	FailFast bool

	mu        sync.Mutex
	depHashes map[weaveforge.TargetID]string
	ready     map[weaveforge.TargetID][]weaveforge.TargetID
	results   chan *BuildResult
}

// New builds an Engine from a resolved target set, wiring a fresh
// buildgraph, scheduler pool, and the given Executor/Coordinator.
func New(resolved map[weaveforge.TargetID]*graph.ResolvedTarget, ex *executor.Executor, coord *cache.Coordinator, workers int) (*Engine, error) {
	bg := buildgraph.NewDynamic()
	for id := range resolved {
		bg.AddTarget(id)
	}
	for id, rt := range resolved {
		for _, dep := range rt.Deps {
			if err := bg.AddDependency(id, dep); err != nil {
				return nil, xerrors.Errorf("engine: wiring %s -> %s: %w", id, dep, err)
			}
		}
	}
	bg.InitPendingDeps()

	return &Engine{
		Resolved:    resolved,
		Graph:       bg,
		Pool:        scheduler.New(workers),
		Exec:        ex,
		Coordinator: coord,
		depHashes:   map[weaveforge.TargetID]string{},
		ready:       map[weaveforge.TargetID][]weaveforge.TargetID{},
		results:     make(chan *BuildResult, len(resolved)),
	}, nil
}

// Results returns the channel every terminal BuildResult is posted to.
// Closed once Run returns.
func (e *Engine) Results() <-chan *BuildResult { return e.results }

// Run drives every target in the graph to completion: initially-ready
// nodes (no dependencies) are submitted, the scheduler's work-stealing
// pool claims and executes them, and completions unblock their
// dependents, which are submitted in turn, until the pool has no work and
// no task in flight (spec.md §5, the coordinator loop).
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.results)

	order, err := e.Graph.TopologicalSort()
	if err != nil {
		return err
	}
	for _, id := range order {
		node := e.Graph.GetNode(id)
		if node != nil && node.PendingDeps() == 0 {
			e.Graph.MarkScheduled(id)
			e.Pool.Submit(id)
		}
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.Pool.WaitForWork(ctx)
		if !e.Pool.HasWork() {
			if e.Pool.ActiveTasks() == 0 {
				return nil
			}
			continue
		}

		batch := e.Pool.DequeueReady(len(e.Resolved))
		for _, id := range batch {
			e.Graph.MarkScheduled(id)
		}
		results := e.Pool.ExecuteBatch(ctx, batch, func(ctx context.Context, id weaveforge.TargetID) error {
			_, err := e.build(ctx, id)
			return err
		})
		var firstFailure error
		for _, r := range results {
			if r.Err != nil {
				if firstFailure == nil {
					firstFailure = r.Err
				}
				failed := e.Graph.MarkFailed(r.Target)
				for _, fid := range failed {
					e.results <- &BuildResult{Target: fid, Err: xerrors.Errorf("engine: dependency %s failed", r.Target)}
				}
				continue
			}
			e.mu.Lock()
			ready := e.ready[r.Target]
			delete(e.ready, r.Target)
			e.mu.Unlock()
			for _, rid := range ready {
				e.Graph.MarkScheduled(rid)
				e.Pool.Submit(rid)
			}
		}

		if e.Checkpoint != nil {
			_ = e.Checkpoint.Snapshot()
		}

		if e.FailFast && firstFailure != nil {
			if err := e.Pool.Shutdown(ctx); err != nil {
				return err
			}
			return firstFailure
		}
	}
}

// build runs one target through the Executor, recording its outcome for
// dependents' cache-key computation and posting a BuildResult. It returns
// the dependents that became ready as a result (including any unblocked by
// a discovery the target's handler submitted).
func (e *Engine) build(ctx context.Context, id weaveforge.TargetID) ([]weaveforge.TargetID, error) {
	fail := func(err error) ([]weaveforge.TargetID, error) {
		e.results <- &BuildResult{Target: id, Err: err}
		return nil, err
	}
	rt, ok := e.Resolved[id]
	if !ok {
		return fail(xerrors.Errorf("engine: unknown target %s", id))
	}
	h, ok := e.Exec.Registry.Lookup(rt.Language)
	if !ok {
		return fail(xerrors.Errorf("engine: no handler registered for language %q (target %s)", rt.Language, id))
	}

	e.Graph.MarkBuilding(id)

	e.mu.Lock()
	depHashes := make(map[weaveforge.TargetID]string, len(rt.Deps))
	for _, d := range rt.Deps {
		depHashes[d] = e.depHashes[d]
	}
	e.mu.Unlock()

	run := func() (executor.BuildOutcome, error) { return e.Exec.Execute(ctx, rt, depHashes) }
	var outcome executor.BuildOutcome
	var err error
	if e.Policy != nil {
		now := time.Now()
		if !e.Policy.Allow(now, resilience.PriorityNormal) {
			err = xerrors.Errorf("engine: %s: rejected by resilience policy %s", id, e.Policy.Name)
		} else {
			outcome, err = run()
			e.Policy.Record(time.Now(), err == nil && outcome.Success)
		}
	} else {
		outcome, err = run()
	}

	if err != nil || !outcome.Success {
		// id's own status transition to Failed, and the resulting cascade
		// to its dependents, is Run()'s job: it needs the cascade list
		// MarkFailed returns to post a BuildResult for every dependent
		// that never gets to execute.
		if err == nil {
			err = xerrors.Errorf("engine: %s: build failed", id)
		}
		if e.Checkpoint != nil {
			e.Checkpoint.Record(id, "failed")
		}
		e.results <- &BuildResult{Target: id, Outcome: outcome, Err: err}
		return nil, err
	}

	e.mu.Lock()
	e.depHashes[id] = outcome.OutputHash
	e.mu.Unlock()

	cached := outcome.Outputs != nil && len(outcome.Diagnostics) == 0 && sameSlice(outcome.Outputs, rt.Output)
	var ready []weaveforge.TargetID
	outcomeStatus := "success"

	if disco, ok := h.(executor.DiscoveryHandler); ok {
		bctx := &executor.BuildContext{Context: ctx, Target: rt, Workspace: e.Exec.Workspace, Coordinator: e.Coordinator, Hasher: e.Exec.Hasher}
		pe := trace.Event("discovery", 0)
		pe.Args = map[string]string{"target": id.String()}
		nodes, edges, err := disco.Discovery(bctx, outcome)
		pe.Done()
		if err != nil {
			return fail(xerrors.Errorf("engine: %s: discovery: %w", id, err))
		}
		if len(nodes) > 0 || len(edges) > 0 {
			d := buildgraph.Discovery{Discoverer: id}
			for _, n := range nodes {
				d.NewNodes = append(d.NewNodes, n.ID)
			}
			for _, edge := range edges {
				d.NewEdges = append(d.NewEdges, buildgraph.Edge{From: edge.From, To: edge.To})
			}
			e.Graph.SubmitDiscovery(d)
			applied, err := e.Graph.ApplyDiscoveries()
			if err != nil {
				return fail(xerrors.Errorf("engine: %s: applying discovery: %w", id, err))
			}
			ready = append(ready, applied...)
		}
	}

	// Completion comes after the discovery is applied, since a discovery
	// from an already completed discoverer is rejected.
	if cached {
		ready = append(e.Graph.MarkCached(id), ready...)
		outcomeStatus = "cached"
	} else {
		ready = append(e.Graph.MarkSuccess(id), ready...)
	}

	e.mu.Lock()
	e.ready[id] = ready
	e.mu.Unlock()

	if e.Checkpoint != nil {
		e.Checkpoint.Record(id, outcomeStatus)
	}
	e.results <- &BuildResult{Target: id, Outcome: outcome}
	return ready, nil
}

func sameSlice(a []string, b string) bool {
	// Outputs reported as already cached contain exactly the handler's
	// declared single output path; distinguishing cached vs freshly-built
	// is cosmetic (both are terminal successes), so this is a best-effort
	// label rather than a load-bearing check.
	return len(a) == 1 && a[0] == b
}
