package buildgraph

import (
	"sync"

	"github.com/weaveforge/weaveforge"
)

// Discovery is a proposed graph extension submitted by an executing node
// (spec.md §4.9).
type Discovery struct {
	Discoverer weaveforge.TargetID
	NewNodes   []weaveforge.TargetID
	NewEdges   []Edge
}

// Edge is a proposed dependency edge: From depends on To.
type Edge struct {
	From, To weaveforge.TargetID
}

// DynamicBuildGraph extends BuildGraph with a pending-discovery queue
// applied between scheduling batches.
type DynamicBuildGraph struct {
	*BuildGraph

	mu        sync.Mutex
	pending   []Discovery
	completed map[weaveforge.TargetID]bool
	scheduled map[weaveforge.TargetID]bool
}

func NewDynamic() *DynamicBuildGraph {
	return &DynamicBuildGraph{
		BuildGraph: New(),
		completed:  make(map[weaveforge.TargetID]bool),
		scheduled:  make(map[weaveforge.TargetID]bool),
	}
}

// MarkScheduled records that id has been dispatched to a worker; later
// discoveries may originate edges from it per rule 2.
func (dg *DynamicBuildGraph) MarkScheduled(id weaveforge.TargetID) {
	dg.mu.Lock()
	defer dg.mu.Unlock()
	dg.scheduled[id] = true
}

// markCompleted is called internally whenever a node finishes, so later
// discoveries can be checked against rule 2 ("no edge may target an
// already-completed node").
func (dg *DynamicBuildGraph) markCompleted(id weaveforge.TargetID) {
	dg.mu.Lock()
	dg.completed[id] = true
	dg.mu.Unlock()
}

func (dg *DynamicBuildGraph) MarkSuccess(id weaveforge.TargetID) []weaveforge.TargetID {
	ready := dg.BuildGraph.MarkSuccess(id)
	dg.markCompleted(id)
	return ready
}

func (dg *DynamicBuildGraph) MarkCached(id weaveforge.TargetID) []weaveforge.TargetID {
	ready := dg.BuildGraph.MarkCached(id)
	dg.markCompleted(id)
	return ready
}

func (dg *DynamicBuildGraph) MarkFailed(id weaveforge.TargetID) []weaveforge.TargetID {
	failed := dg.BuildGraph.MarkFailed(id)
	dg.markCompleted(id)
	for _, f := range failed {
		dg.markCompleted(f)
	}
	return failed
}

// SubmitDiscovery enqueues a proposed extension. Validation and
// application happen later, in ApplyDiscoveries, so that all discoveries
// submitted during one batch are checked against a consistent snapshot.
func (dg *DynamicBuildGraph) SubmitDiscovery(d Discovery) {
	dg.mu.Lock()
	defer dg.mu.Unlock()
	dg.pending = append(dg.pending, d)
}

// ApplyDiscoveries validates and applies every pending discovery,
// rejecting (without partially applying) any that violate spec.md §4.9's
// rules, and returns nodes that became ready as a result (their
// pending-dep counter having been (re)computed to zero).
func (dg *DynamicBuildGraph) ApplyDiscoveries() ([]weaveforge.TargetID, error) {
	dg.mu.Lock()
	batch := dg.pending
	dg.pending = nil
	dg.mu.Unlock()

	var ready []weaveforge.TargetID
	for _, d := range batch {
		r, err := dg.applyOne(d)
		if err != nil {
			return nil, err
		}
		ready = append(ready, r...)
	}
	return ready, nil
}

func (dg *DynamicBuildGraph) applyOne(d Discovery) ([]weaveforge.TargetID, error) {
	dg.mu.Lock()
	if dg.completed[d.Discoverer] {
		dg.mu.Unlock()
		return nil, &DiscoveryRejected{Discoverer: d.Discoverer, Reason: "discoverer has already completed"}
	}
	dg.mu.Unlock()

	newNodeSet := make(map[weaveforge.TargetID]bool, len(d.NewNodes))
	for _, id := range d.NewNodes {
		newNodeSet[id] = true
	}

	for _, e := range d.NewEdges {
		dg.mu.Lock()
		toIsNew := newNodeSet[e.To]
		toCompleted := dg.completed[e.To]
		fromOK := e.From == d.Discoverer || dg.scheduled[e.From] || newNodeSet[e.From]
		dg.mu.Unlock()

		if toCompleted {
			return nil, &DiscoveryRejected{Discoverer: d.Discoverer, Reason: "edge targets an already-completed node " + e.To.String()}
		}
		if !toIsNew && !dg.BuildGraph.known(e.To) {
			return nil, &DiscoveryRejected{Discoverer: d.Discoverer, Reason: "edge targets unknown node " + e.To.String()}
		}
		if !fromOK {
			return nil, &DiscoveryRejected{Discoverer: d.Discoverer, Reason: "edge does not originate from the discoverer or a later-scheduled node"}
		}
	}

	for _, id := range d.NewNodes {
		dg.AddTarget(id)
	}
	for _, e := range d.NewEdges {
		if err := dg.AddDependency(e.From, e.To); err != nil {
			return nil, &DiscoveryRejected{Discoverer: d.Discoverer, Reason: err.Error()}
		}
	}

	if cyc := dg.BuildGraph.hasCycle(); cyc != nil {
		for _, e := range d.NewEdges {
			dg.removeEdge(e.From, e.To)
		}
		return nil, &DiscoveryRejected{Discoverer: d.Discoverer, Reason: (&CycleError{Cycle: cyc}).Error()}
	}

	// Recompute pending-dep counts for newly added nodes only. An existing
	// node can gain an edge only as the discoverer or as an already
	// scheduled node (checked above); their counters no longer gate
	// readiness, so they are left untouched.
	var ready []weaveforge.TargetID
	for _, id := range d.NewNodes {
		dg.recomputePendingDeps(id)
		if dg.GetNode(id).PendingDeps() == 0 {
			ready = append(ready, id)
		}
	}
	return ready, nil
}

// known reports whether id has been added to the graph.
func (bg *BuildGraph) known(id weaveforge.TargetID) bool {
	bg.mu.RLock()
	defer bg.mu.RUnlock()
	_, ok := bg.nodes[id]
	return ok
}

// hasCycle re-checks acyclicity and returns the first cycle found, if
// any, otherwise nil.
func (bg *BuildGraph) hasCycle() []weaveforge.TargetID {
	_, err := bg.TopologicalSort()
	if err == nil {
		return nil
	}
	if cerr, ok := err.(*CycleError); ok {
		return cerr.Cycle
	}
	return nil
}
