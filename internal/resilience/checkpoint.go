package resilience

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio"
	"github.com/google/uuid"

	"github.com/weaveforge/weaveforge"
)

// Checkpoint is a periodic snapshot of build progress, written so a
// crashed or interrupted run can resume instead of rebuilding everything
// (spec.md §4.12: "periodically writes a Checkpoint snapshot and on
// startup can produce a resume plan listing which targets remain").
type Checkpoint struct {
	ID        uuid.UUID                        `json:"id"`
	Taken     time.Time                         `json:"taken"`
	Succeeded []weaveforge.TargetID             `json:"succeeded"`
	Cached    []weaveforge.TargetID             `json:"cached"`
	Failed    []weaveforge.TargetID             `json:"failed"`
}

// ResumePlan lists which targets still need building after loading the
// most recent checkpoint against the full target set for this run.
type ResumePlan struct {
	Done      map[weaveforge.TargetID]bool
	Remaining []weaveforge.TargetID
}

// CheckpointWriter periodically snapshots build state to disk.
type CheckpointWriter struct {
	path     string
	interval time.Duration

	mu        sync.Mutex
	succeeded []weaveforge.TargetID
	cached    []weaveforge.TargetID
	failed    []weaveforge.TargetID

	stop chan struct{}
	done chan struct{}
}

// NewCheckpointWriter creates a writer that persists to path every
// interval once Start is called.
func NewCheckpointWriter(path string, interval time.Duration) *CheckpointWriter {
	return &CheckpointWriter{path: path, interval: interval}
}

// Record notes a target's terminal outcome for the next snapshot.
func (w *CheckpointWriter) Record(id weaveforge.TargetID, outcome string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch outcome {
	case "success":
		w.succeeded = append(w.succeeded, id)
	case "cached":
		w.cached = append(w.cached, id)
	case "failed":
		w.failed = append(w.failed, id)
	}
}

// Snapshot writes the current state immediately.
func (w *CheckpointWriter) Snapshot() error {
	w.mu.Lock()
	cp := Checkpoint{
		ID:        uuid.New(),
		Taken:     time.Now(),
		Succeeded: append([]weaveforge.TargetID(nil), w.succeeded...),
		Cached:    append([]weaveforge.TargetID(nil), w.cached...),
		Failed:    append([]weaveforge.TargetID(nil), w.failed...),
	}
	w.mu.Unlock()

	b, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return err
	}
	return renameio.WriteFile(w.path, b, 0o644)
}

// Start begins periodic snapshotting in a background goroutine. Stop ends
// it and writes one final snapshot.
func (w *CheckpointWriter) Start() {
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		t := time.NewTicker(w.interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				_ = w.Snapshot()
			case <-w.stop:
				_ = w.Snapshot()
				return
			}
		}
	}()
}

func (w *CheckpointWriter) Stop() {
	if w.stop == nil {
		return
	}
	close(w.stop)
	<-w.done
}

// LoadCheckpoint reads the most recent snapshot at path, if any. A missing
// file is not an error: it means this is a fresh run.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// Plan produces a ResumePlan: every target in all, minus whatever the
// checkpoint already recorded as succeeded or cached. Previously failed
// targets are retried, since a prior failure carries no cache entry.
func Plan(cp *Checkpoint, all []weaveforge.TargetID) ResumePlan {
	done := map[weaveforge.TargetID]bool{}
	if cp != nil {
		for _, id := range cp.Succeeded {
			done[id] = true
		}
		for _, id := range cp.Cached {
			done[id] = true
		}
	}
	var remaining []weaveforge.TargetID
	for _, id := range all {
		if !done[id] {
			remaining = append(remaining, id)
		}
	}
	return ResumePlan{Done: done, Remaining: remaining}
}
