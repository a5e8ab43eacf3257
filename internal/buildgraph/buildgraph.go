// Package buildgraph holds the in-memory DAG of build nodes the Scheduler
// drives: a gonum/graph-backed directed graph with atomic pending-dep
// counters and Kahn-style topological ordering (spec.md §4.8).
package buildgraph

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/weaveforge/weaveforge"
)

// Status is a BuildNode's lifecycle state (spec.md §3: "status transitions
// are monotone along one of the paths pending -> building ->
// {success|cached|failed}").
type Status int

const (
	Pending Status = iota
	Building
	Success
	Cached
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Building:
		return "building"
	case Success:
		return "success"
	case Cached:
		return "cached"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// BuildNode is one vertex: a target plus its current schedule state.
type BuildNode struct {
	ID          weaveforge.TargetID
	gonumID     int64
	status      int32 // Status, accessed atomically
	pendingDeps int64 // atomic; node is ready when this reaches zero

	mu         sync.Mutex
	dependents []weaveforge.TargetID // nodes that depend on this one
}

func (n *BuildNode) Status() Status { return Status(atomic.LoadInt32(&n.status)) }

// setStatus enforces the monotone transition invariant; it panics on a
// backward transition, since that indicates a scheduler bug rather than
// a condition callers should need to handle.
func (n *BuildNode) setStatus(s Status) {
	old := Status(atomic.SwapInt32(&n.status, int32(s)))
	if old != Pending && old != Building && s != Failed {
		panic(fmt.Sprintf("buildgraph: illegal status transition %s -> %s for %s", old, s, n.ID))
	}
}

// PendingDeps returns the current pending-dependency count.
func (n *BuildNode) PendingDeps() int64 { return atomic.LoadInt64(&n.pendingDeps) }

// Dependents returns a snapshot of the nodes that depend on n.
func (n *BuildNode) Dependents() []weaveforge.TargetID {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]weaveforge.TargetID, len(n.dependents))
	copy(out, n.dependents)
	return out
}

// gonumNode adapts a BuildNode to gonum/graph.Node.
type gonumNode struct {
	id int64
	bn *BuildNode
}

func (n gonumNode) ID() int64 { return n.id }

// CycleError is returned by TopologicalSort when the graph is not acyclic
// (spec.md §3, §4.8: "cycle detection must fail build with a diagnostic
// listing the cycle").
type CycleError struct {
	Cycle []weaveforge.TargetID
}

func (e *CycleError) Error() string {
	s := "build graph contains a cycle: "
	for i, id := range e.Cycle {
		if i > 0 {
			s += " -> "
		}
		s += id.String()
	}
	return s
}

// DiscoveryRejected is returned by DynamicBuildGraph.ApplyDiscoveries
// when a proposed discovery violates spec.md §4.9's rules.
type DiscoveryRejected struct {
	Discoverer weaveforge.TargetID
	Reason     string
}

func (e *DiscoveryRejected) Error() string {
	return fmt.Sprintf("discovery from %s rejected: %s", e.Discoverer, e.Reason)
}

// BuildGraph is the static DAG: add_target/add_dependency/topological_sort
// as named in spec.md §4.8.
type BuildGraph struct {
	mu       sync.RWMutex
	g        *simple.DirectedGraph
	nodes    map[weaveforge.TargetID]*BuildNode
	gnodes   map[weaveforge.TargetID]gonumNode
	nextID   int64
}

func New() *BuildGraph {
	return &BuildGraph{
		g:      simple.NewDirectedGraph(),
		nodes:  make(map[weaveforge.TargetID]*BuildNode),
		gnodes: make(map[weaveforge.TargetID]gonumNode),
	}
}

// AddTarget adds a node for id if it does not already exist. O(1).
func (bg *BuildGraph) AddTarget(id weaveforge.TargetID) *BuildNode {
	bg.mu.Lock()
	defer bg.mu.Unlock()
	return bg.addTargetLocked(id)
}

func (bg *BuildGraph) addTargetLocked(id weaveforge.TargetID) *BuildNode {
	if n, ok := bg.nodes[id]; ok {
		return n
	}
	gid := bg.nextID
	bg.nextID++
	bn := &BuildNode{ID: id, gonumID: gid}
	gn := gonumNode{id: gid, bn: bn}
	bg.nodes[id] = bn
	bg.gnodes[id] = gn
	bg.g.AddNode(gn)
	return bn
}

// AddDependency records that `from` depends on `to`: to must complete
// before from becomes ready. Rejects self-loops. O(1).
func (bg *BuildGraph) AddDependency(from, to weaveforge.TargetID) error {
	if from == to {
		return fmt.Errorf("buildgraph: self-dependency forbidden for %s", from)
	}
	bg.mu.Lock()
	defer bg.mu.Unlock()
	bg.addTargetLocked(from)
	tn := bg.addTargetLocked(to)
	bg.g.SetEdge(bg.g.NewEdge(bg.gnodes[from], bg.gnodes[to]))
	tn.mu.Lock()
	tn.dependents = append(tn.dependents, from)
	tn.mu.Unlock()
	return nil
}

// removeEdge undoes AddDependency, for discovery rollback when a later
// validation step (acyclicity) rejects the whole batch.
func (bg *BuildGraph) removeEdge(from, to weaveforge.TargetID) {
	bg.mu.Lock()
	defer bg.mu.Unlock()
	fn, ok1 := bg.gnodes[from]
	tn, ok2 := bg.gnodes[to]
	if !ok1 || !ok2 {
		return
	}
	bg.g.RemoveEdge(fn.ID(), tn.ID())
	if dn := bg.nodes[to]; dn != nil {
		dn.mu.Lock()
		for i, d := range dn.dependents {
			if d == from {
				dn.dependents = append(dn.dependents[:i], dn.dependents[i+1:]...)
				break
			}
		}
		dn.mu.Unlock()
	}
}

// GetNode returns the node for id, or nil if unknown. O(1).
func (bg *BuildGraph) GetNode(id weaveforge.TargetID) *BuildNode {
	bg.mu.RLock()
	defer bg.mu.RUnlock()
	return bg.nodes[id]
}

// InitPendingDeps computes each node's initial pending-dependency count
// from its current out-degree (the number of targets it depends on).
func (bg *BuildGraph) InitPendingDeps() {
	bg.mu.RLock()
	defer bg.mu.RUnlock()
	for id, bn := range bg.nodes {
		gn := bg.gnodes[id]
		atomic.StoreInt64(&bn.pendingDeps, int64(bg.g.From(gn.ID()).Len()))
	}
}

// recomputePendingDeps sets a single node's pending-dep counter from its
// current out-degree; used by DynamicBuildGraph after wiring a newly
// discovered node's edges, where re-running InitPendingDeps over the
// whole graph would incorrectly reset already-decremented counters.
func (bg *BuildGraph) recomputePendingDeps(id weaveforge.TargetID) {
	bg.mu.RLock()
	defer bg.mu.RUnlock()
	bn := bg.nodes[id]
	gn := bg.gnodes[id]
	atomic.StoreInt64(&bn.pendingDeps, int64(bg.g.From(gn.ID()).Len()))
}

// TopologicalSort returns nodes in dependency order (a dependency always
// precedes its dependents) via Kahn's algorithm, or a *CycleError.
func (bg *BuildGraph) TopologicalSort() ([]weaveforge.TargetID, error) {
	bg.mu.RLock()
	defer bg.mu.RUnlock()

	// gonum/graph edges point from -> to meaning "from depends on to", so
	// a standard topo.Sort over this graph yields dependents-before-
	// dependencies; reverse it for a build-order list (deps first).
	ordered, err := topo.Sort(bg.g)
	if err != nil {
		unorderable, ok := err.(topo.Unorderable)
		if !ok {
			return nil, err
		}
		return nil, &CycleError{Cycle: cycleIDs(bg, unorderable)}
	}
	out := make([]weaveforge.TargetID, len(ordered))
	for i, n := range ordered {
		out[len(ordered)-1-i] = n.(gonumNode).bn.ID
	}
	return out, nil
}

func cycleIDs(bg *BuildGraph, unorderable topo.Unorderable) []weaveforge.TargetID {
	if len(unorderable) == 0 {
		return nil
	}
	cyc := unorderable[0]
	out := make([]weaveforge.TargetID, len(cyc))
	for i, n := range cyc {
		out[i] = n.(gonumNode).bn.ID
	}
	return out
}

// MarkBuilding, MarkSuccess, MarkCached, MarkFailed transition a node's
// status and, on completion, decrement every dependent's pending-dep
// counter, returning dependents that became ready (counter hit zero). A
// failed node propagates failure to all of its dependents instead.
func (bg *BuildGraph) MarkBuilding(id weaveforge.TargetID) {
	bg.GetNode(id).setStatus(Building)
}

func (bg *BuildGraph) MarkSuccess(id weaveforge.TargetID) []weaveforge.TargetID {
	return bg.complete(id, Success)
}

func (bg *BuildGraph) MarkCached(id weaveforge.TargetID) []weaveforge.TargetID {
	return bg.complete(id, Cached)
}

// MarkFailed marks id failed and transitively fails every node reachable
// through dependent edges, per spec.md §3's "a dependent becoming failed
// if any predecessor failed". Returns every dependent it newly failed;
// id itself is not in the list.
func (bg *BuildGraph) MarkFailed(id weaveforge.TargetID) []weaveforge.TargetID {
	bn := bg.GetNode(id)
	if bn == nil {
		return nil
	}
	bn.setStatus(Failed)
	var failed []weaveforge.TargetID
	queue := bn.Dependents()
	seen := map[weaveforge.TargetID]bool{}
	for len(queue) > 0 {
		depID := queue[0]
		queue = queue[1:]
		if seen[depID] {
			continue
		}
		seen[depID] = true
		dn := bg.GetNode(depID)
		if dn == nil || dn.Status() == Failed {
			continue
		}
		dn.setStatus(Failed)
		failed = append(failed, depID)
		queue = append(queue, dn.Dependents()...)
	}
	return failed
}

func (bg *BuildGraph) complete(id weaveforge.TargetID, s Status) []weaveforge.TargetID {
	bn := bg.GetNode(id)
	if bn == nil {
		return nil
	}
	bn.setStatus(s)
	var ready []weaveforge.TargetID
	for _, depID := range bn.Dependents() {
		dn := bg.GetNode(depID)
		if dn == nil {
			continue
		}
		if atomic.AddInt64(&dn.pendingDeps, -1) == 0 {
			ready = append(ready, depID)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].String() < ready[j].String() })
	return ready
}

// Len returns the number of nodes currently in the graph.
func (bg *BuildGraph) Len() int {
	bg.mu.RLock()
	defer bg.mu.RUnlock()
	return len(bg.nodes)
}
