package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/weaveforge/weaveforge"
)

var errBoom = errors.New("boom")

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func tid(name string) weaveforge.TargetID { return weaveforge.TargetID{Name: name} }

func TestExecuteBatchRunsEveryItemAndCollectsResults(t *testing.T) {
	p := New(4)
	batch := []weaveforge.TargetID{tid("a"), tid("b"), tid("c")}

	var calls int64
	results := p.ExecuteBatch(context.Background(), batch, func(ctx context.Context, id weaveforge.TargetID) error {
		atomic.AddInt64(&calls, 1)
		if id.Name == "b" {
			return errBoom
		}
		return nil
	})

	require.EqualValues(t, 3, calls)
	require.Len(t, results, 3)
	for _, r := range results {
		if r.Target.Name == "b" {
			require.Error(t, r.Err)
		} else {
			require.NoError(t, r.Err)
		}
	}
	require.Zero(t, p.ActiveTasks())
}

func TestSubmitAndDequeueReadyRoundTrips(t *testing.T) {
	p := New(2)
	p.Submit(tid("x"))
	p.Submit(tid("y"))
	require.True(t, p.HasWork())

	got := p.DequeueReady(10)
	require.Len(t, got, 2)
	require.False(t, p.HasWork())
}

func TestWaitForWorkReturnsWhenSubmitted(t *testing.T) {
	p := New(1)
	ctx, canc := context.WithTimeout(context.Background(), time.Second)
	defer canc()
	// WaitForWork only parks while a task is in flight; model one.
	atomic.AddInt64(&p.activeTasks, 1)
	defer atomic.AddInt64(&p.activeTasks, -1)

	go func() {
		time.Sleep(5 * time.Millisecond)
		p.Submit(tid("z"))
	}()

	p.WaitForWork(ctx)
	require.True(t, p.HasWork())
}

func TestShutdownStopsAcceptingWork(t *testing.T) {
	p := New(1)
	require.NoError(t, p.Shutdown(context.Background()))
	p.Submit(tid("late"))
	require.False(t, p.HasWork())
}
