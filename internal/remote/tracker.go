package remote

import (
	"sync"
	"time"

	"golang.org/x/xerrors"
)

// ProcessTimeout is returned when a Wait on a registered action exceeds
// its deadline without a completion arriving (spec.md §4.13).
type ProcessTimeout struct {
	ActionID string
}

func (e *ProcessTimeout) Error() string { return "remote action timed out: " + e.ActionID }

type pendingAction struct {
	mu     sync.Mutex
	cond   *sync.Cond
	result *ActionResult
}

// Tracker is the completion tracker: a per-action mutex+condvar map.
// Registration must happen before Wait is called for that action id
// (spec.md §4.13, "registration is required before waiting").
type Tracker struct {
	mu      sync.Mutex
	pending map[string]*pendingAction
}

func NewTracker() *Tracker {
	return &Tracker{pending: map[string]*pendingAction{}}
}

// Register creates tracking state for actionID. Calling Register twice for
// the same id is a programmer error; the second call replaces the first.
func (t *Tracker) Register(actionID string) {
	pa := &pendingAction{}
	pa.cond = sync.NewCond(&pa.mu)
	t.mu.Lock()
	t.pending[actionID] = pa
	t.mu.Unlock()
}

// Complete is invoked by the coordinator-facing transport when a result
// arrives (on_action_complete / on_action_failed in spec.md §4.13 both
// route here; failure is distinguished by ActionResult.Success).
func (t *Tracker) Complete(result ActionResult) {
	t.mu.Lock()
	pa, ok := t.pending[result.ActionID]
	t.mu.Unlock()
	if !ok {
		return
	}
	pa.mu.Lock()
	pa.result = &result
	pa.cond.Broadcast()
	pa.mu.Unlock()
}

// Wait blocks until actionID's result arrives or timeout elapses. actionID
// must have been registered first, or Wait returns an error immediately.
func (t *Tracker) Wait(actionID string, timeout time.Duration) (ActionResult, error) {
	t.mu.Lock()
	pa, ok := t.pending[actionID]
	t.mu.Unlock()
	if !ok {
		return ActionResult{}, xerrors.Errorf("remote: Wait called for unregistered action %q", actionID)
	}

	var timedOut bool
	timer := time.AfterFunc(timeout, func() {
		pa.mu.Lock()
		timedOut = true
		pa.cond.Broadcast()
		pa.mu.Unlock()
	})
	defer timer.Stop()

	pa.mu.Lock()
	for pa.result == nil && !timedOut {
		pa.cond.Wait()
	}
	result := pa.result
	to := timedOut
	pa.mu.Unlock()

	t.mu.Lock()
	delete(t.pending, actionID)
	t.mu.Unlock()

	if result != nil {
		return *result, nil
	}
	if to {
		return ActionResult{}, &ProcessTimeout{ActionID: actionID}
	}
	return ActionResult{}, xerrors.Errorf("remote: Wait for %q returned with no result and no timeout", actionID)
}
