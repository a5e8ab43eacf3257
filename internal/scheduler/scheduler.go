// Package scheduler implements the work-stealing pool that drives the
// build graph: ready nodes are assigned round-robin to per-worker local
// deques, with FIFO stealing and LIFO local execution (spec.md §4.10).
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/weaveforge/weaveforge"
	"github.com/weaveforge/weaveforge/internal/trace"
)

// ProcessTimeout reports that a node's handler exceeded its timeout
// (spec.md §4.10, §7). The Pool itself applies no timeouts and never
// returns it.
type ProcessTimeout struct {
	Target weaveforge.TargetID
}

func (e *ProcessTimeout) Error() string {
	return "process timeout building " + e.Target.String()
}

// Result is what execute_batch collects for one node.
type Result struct {
	Target weaveforge.TargetID
	Err    error
}

// deque is a per-worker local work queue: push/pop at the bottom (LIFO,
// the owning worker), steal from the top (FIFO, other workers).
type deque struct {
	mu    sync.Mutex
	items []weaveforge.TargetID
}

func (d *deque) pushBottom(id weaveforge.TargetID) {
	d.mu.Lock()
	d.items = append(d.items, id)
	d.mu.Unlock()
}

func (d *deque) popBottom() (weaveforge.TargetID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) == 0 {
		return weaveforge.TargetID{}, false
	}
	last := len(d.items) - 1
	id := d.items[last]
	d.items = d.items[:last]
	return id, true
}

func (d *deque) stealTop() (weaveforge.TargetID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) == 0 {
		return weaveforge.TargetID{}, false
	}
	id := d.items[0]
	d.items = d.items[1:]
	return id, true
}

func (d *deque) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

// Pool is the work-stealing scheduler. Workers pull from their own deque
// first, then steal from peers, then fall back to the shared ready
// queue; the coordinator loop parks on a condition variable whenever
// there is nothing runnable and no task in flight.
type Pool struct {
	workers []*deque

	mu          sync.Mutex
	cond        *sync.Cond
	ready       []weaveforge.TargetID // shared overflow queue
	activeTasks int64
	shuttingDown bool
	rr          uint64 // round-robin counter for Submit's worker assignment
}

// New creates a pool sized for workerCount workers (typically CPU count;
// internal/env.Workers resolves the configured value).
func New(workerCount int) *Pool {
	if workerCount < 1 {
		workerCount = 1
	}
	p := &Pool{workers: make([]*deque, workerCount)}
	for i := range p.workers {
		p.workers[i] = &deque{}
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Submit adds a ready node to the pool, assigning it round-robin to a
// worker's local deque.
func (p *Pool) Submit(id weaveforge.TargetID) {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return
	}
	idx := int(atomic.AddUint64(&p.rr, 1) % uint64(len(p.workers)))
	p.mu.Unlock()
	p.workers[idx].pushBottom(id)
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}

// DequeueReady atomically claims up to max ready nodes across all workers'
// deques (local pop first, per worker, round-robin; a worker whose own
// deque has run dry steals from a peer before the caller falls back to the
// shared overflow queue), draining the shared overflow queue last.
func (p *Pool) DequeueReady(max int) []weaveforge.TargetID {
	var out []weaveforge.TargetID
	for i, w := range p.workers {
		for len(out) < max {
			id, ok := w.popBottom()
			if !ok {
				id, ok = p.steal(i)
				if !ok {
					break
				}
			}
			out = append(out, id)
		}
		if len(out) >= max {
			trace.Counter("dequeue", 0, map[string]uint64{"count": uint64(len(out))})
			return out
		}
	}
	p.mu.Lock()
	for len(out) < max && len(p.ready) > 0 {
		out = append(out, p.ready[0])
		p.ready = p.ready[1:]
	}
	p.mu.Unlock()
	if len(out) > 0 {
		trace.Counter("dequeue", 0, map[string]uint64{"count": uint64(len(out))})
	}
	return out
}

// steal attempts to take one item from any worker's deque other than
// excludeIdx, used internally when a worker's own deque runs dry.
func (p *Pool) steal(excludeIdx int) (weaveforge.TargetID, bool) {
	for i, w := range p.workers {
		if i == excludeIdx {
			continue
		}
		if id, ok := w.stealTop(); ok {
			return id, true
		}
	}
	return weaveforge.TargetID{}, false
}

// ExecuteBatch runs f(id) for every id in batch concurrently (one
// goroutine per item — bounded by len(batch), since the caller already
// sized the batch via DequeueReady/workerCount) and collects results.
// ctx cancellation causes in-flight items to be given a chance to
// observe cancellation via f itself; ExecuteBatch does not forcibly
// interrupt f.
func (p *Pool) ExecuteBatch(ctx context.Context, batch []weaveforge.TargetID, f func(context.Context, weaveforge.TargetID) error) []Result {
	results := make([]Result, len(batch))
	var g errgroup.Group
	for i, id := range batch {
		i, id := i, id
		atomic.AddInt64(&p.activeTasks, 1)
		g.Go(func() error {
			defer func() {
				if atomic.AddInt64(&p.activeTasks, -1) == 0 {
					p.mu.Lock()
					p.cond.Broadcast()
					p.mu.Unlock()
				}
			}()
			// f's own error belongs in the per-target Result, not the
			// errgroup's aggregate error, so this always returns nil.
			results[i] = Result{Target: id, Err: f(ctx, id)}
			return nil
		})
	}
	g.Wait()
	return results
}

// WaitForWork blocks, while at least one task is in flight, until there is
// a ready node somewhere, the pool is shutting down, or ctx is done; with
// no task in flight it returns at once. It is the coordinator loop's parking point
// (spec.md §4.10: "blocks on a condition variable when active_tasks > 0
// ∧ ready_queue.empty").
func (p *Pool) WaitForWork(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.hasWorkLocked() && atomic.LoadInt64(&p.activeTasks) > 0 && ctx.Err() == nil && !p.shuttingDown {
		p.cond.Wait()
	}
}

func (p *Pool) hasWorkLocked() bool {
	if len(p.ready) > 0 {
		return true
	}
	for _, w := range p.workers {
		if w.len() > 0 {
			return true
		}
	}
	return false
}

// HasWork reports whether any node is currently ready to run.
func (p *Pool) HasWork() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasWorkLocked()
}

// ActiveTasks returns the number of in-flight executions.
func (p *Pool) ActiveTasks() int64 { return atomic.LoadInt64(&p.activeTasks) }

// Shutdown stops accepting new submits and waits for in-flight tasks to
// finish draining (spec.md §4.10, "graceful, drains in-flight").
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.shuttingDown = true
	p.cond.Broadcast()
	p.mu.Unlock()

	for {
		if atomic.LoadInt64(&p.activeTasks) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return xerrors.Errorf("scheduler: shutdown: %w", ctx.Err())
		default:
		}
	}
}
