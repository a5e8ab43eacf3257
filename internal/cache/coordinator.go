package cache

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/weaveforge/weaveforge"
)

// GCPolicyKind selects a garbage-collection policy (spec.md §4.7).
type GCPolicyKind int

const (
	GCLRUBySize GCPolicyKind = iota
	GCAgeBased
	GCHybrid
)

// GCPolicy parameterizes a Coordinator.GC call.
type GCPolicy struct {
	Kind    GCPolicyKind
	MaxSize int64         // bytes; used by GCLRUBySize and GCHybrid
	MaxAge  time.Duration // used by GCAgeBased and GCHybrid
}

// GCResult summarizes one GC pass.
type GCResult struct {
	EntriesRemoved int
	BytesFreed     int64
}

// Coordinator is the single entry point over both caches (spec.md §4.7).
type Coordinator struct {
	root    string
	Action  *ActionCache
	Target  *TargetCache

	mu     sync.Mutex
	events chan Event
}

// NewCoordinator roots both caches at dir, creating it if absent, and
// starts the shared event bus.
func NewCoordinator(dir string) (*Coordinator, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	events := make(chan Event, 256)
	ac, err := NewActionCache(dir)
	if err != nil {
		return nil, err
	}
	tc, err := NewTargetCache(dir)
	if err != nil {
		return nil, err
	}
	ac.Events = events
	tc.Events = events
	return &Coordinator{root: dir, Action: ac, Target: tc, events: events}, nil
}

// Events returns the coordinator's observability channel; production
// wiring forwards these into internal/trace as counter events.
func (c *Coordinator) Events() <-chan Event { return c.events }

// IsCached forwards to the Target Cache (spec.md §4.7).
func (c *Coordinator) IsCached(id weaveforge.TargetID, m TargetMatch, hashOutputs func([]string) (string, error)) (bool, error) {
	return c.Target.IsCached(id, m, hashOutputs)
}

// Update forwards to the Target Cache.
func (c *Coordinator) Update(id weaveforge.TargetID, m TargetMatch, outputHash string, outputs []string, now time.Time) {
	c.Target.Update(id, m, outputHash, outputs, now)
}

// IsActionCached forwards to the Action Cache.
func (c *Coordinator) IsActionCached(id ActionID, inputsHash [32]byte, metadata map[string]string) (bool, error) {
	return c.Action.IsCached(id, inputsHash, metadata)
}

// RecordAction forwards to the Action Cache.
func (c *Coordinator) RecordAction(id ActionID, inputsHash [32]byte, outputs []string, metadata map[string]string, success bool, now time.Time) error {
	return c.Action.Update(id, inputsHash, outputs, metadata, success, now)
}

// Flush persists all batched Target Cache writes.
func (c *Coordinator) Flush() error {
	return c.Target.Flush()
}

// Close flushes and releases the coordinator's resources.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.Flush(); err != nil {
		return err
	}
	return nil
}

// entryFile is one on-disk cache entry considered for GC.
type entryFile struct {
	path    string
	size    int64
	modTime time.Time
}

// GC reaps stale or excess entries from both the action and target
// directories according to policy.
func (c *Coordinator) GC(policy GCPolicy) (GCResult, error) {
	var files []entryFile
	for _, sub := range []string{"actions", "targets"} {
		dir := filepath.Join(c.root, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return GCResult{}, err
		}
		for _, e := range entries {
			info, err := e.Info()
			if err != nil {
				continue
			}
			files = append(files, entryFile{
				path:    filepath.Join(dir, e.Name()),
				size:    info.Size(),
				modTime: info.ModTime(),
			})
		}
	}

	var toRemove []entryFile
	now := time.Now()
	switch policy.Kind {
	case GCAgeBased:
		for _, f := range files {
			if policy.MaxAge > 0 && now.Sub(f.modTime) > policy.MaxAge {
				toRemove = append(toRemove, f)
			}
		}
	case GCLRUBySize:
		toRemove = evictOldestOverBudget(files, policy.MaxSize)
	case GCHybrid:
		var kept []entryFile
		for _, f := range files {
			if policy.MaxAge > 0 && now.Sub(f.modTime) > policy.MaxAge {
				toRemove = append(toRemove, f)
				continue
			}
			kept = append(kept, f)
		}
		toRemove = append(toRemove, evictOldestOverBudget(kept, policy.MaxSize)...)
	}

	var result GCResult
	for _, f := range toRemove {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			continue
		}
		result.EntriesRemoved++
		result.BytesFreed += f.size
		select {
		case c.events <- Event{Kind: EventEvict}:
		default:
		}
	}
	return result, nil
}

// evictOldestOverBudget returns the oldest entries whose cumulative size
// exceeds maxSize, i.e. an LRU-by-mtime eviction down to budget.
func evictOldestOverBudget(files []entryFile, maxSize int64) []entryFile {
	if maxSize <= 0 {
		return nil
	}
	sorted := append([]entryFile(nil), files...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].modTime.Before(sorted[j].modTime) })
	var total int64
	for _, f := range sorted {
		total += f.size
	}
	var evicted []entryFile
	for _, f := range sorted {
		if total <= maxSize {
			break
		}
		evicted = append(evicted, f)
		total -= f.size
	}
	return evicted
}
