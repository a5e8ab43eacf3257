package buildgraph

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/weaveforge/weaveforge"
)

func tid(name string) weaveforge.TargetID { return weaveforge.TargetID{Name: name} }

func TestTopologicalSortOrdersDepsFirst(t *testing.T) {
	bg := New()
	require.NoError(t, bg.AddDependency(tid("app"), tid("lib")))
	require.NoError(t, bg.AddDependency(tid("lib"), tid("base")))

	order, err := bg.TopologicalSort()
	require.NoError(t, err)
	pos := map[weaveforge.TargetID]int{}
	for i, id := range order {
		pos[id] = i
	}
	require.Less(t, pos[tid("base")], pos[tid("lib")])
	require.Less(t, pos[tid("lib")], pos[tid("app")])
}

func TestTopologicalSortDetectsCycle(t *testing.T) {
	bg := New()
	require.NoError(t, bg.AddDependency(tid("a"), tid("b")))
	require.NoError(t, bg.AddDependency(tid("b"), tid("c")))
	require.NoError(t, bg.AddDependency(tid("c"), tid("a")))

	_, err := bg.TopologicalSort()
	require.Error(t, err)
	var cyc *CycleError
	require.ErrorAs(t, err, &cyc)
	require.Len(t, cyc.Cycle, 3)
}

func TestAddDependencyRejectsSelfLoop(t *testing.T) {
	bg := New()
	err := bg.AddDependency(tid("a"), tid("a"))
	require.Error(t, err)
}

func TestInitPendingDepsAndCompletionUnblocksDependents(t *testing.T) {
	bg := New()
	require.NoError(t, bg.AddDependency(tid("app"), tid("lib")))
	require.NoError(t, bg.AddDependency(tid("app"), tid("assets")))
	bg.InitPendingDeps()

	require.EqualValues(t, 2, bg.GetNode(tid("app")).PendingDeps())
	require.EqualValues(t, 0, bg.GetNode(tid("lib")).PendingDeps())

	ready := bg.MarkSuccess(tid("lib"))
	require.Empty(t, ready) // app still waits on assets
	require.EqualValues(t, 1, bg.GetNode(tid("app")).PendingDeps())

	ready = bg.MarkSuccess(tid("assets"))
	require.Equal(t, []weaveforge.TargetID{tid("app")}, ready)
}

func TestMarkFailedPropagatesToDependents(t *testing.T) {
	bg := New()
	require.NoError(t, bg.AddDependency(tid("app"), tid("lib")))
	require.NoError(t, bg.AddDependency(tid("e2e"), tid("app")))
	bg.InitPendingDeps()

	failed := bg.MarkFailed(tid("lib"))
	require.ElementsMatch(t, []weaveforge.TargetID{tid("app"), tid("e2e")}, failed)
	require.Equal(t, Failed, bg.GetNode(tid("app")).Status())
	require.Equal(t, Failed, bg.GetNode(tid("e2e")).Status())
}

func TestDynamicGraphDiscoveryFromScheduledDiscovererIsReady(t *testing.T) {
	dg := NewDynamic()
	require.NoError(t, dg.AddDependency(tid("codegen"), tid("schema")))
	dg.InitPendingDeps()
	dg.MarkScheduled(tid("codegen"))

	dg.SubmitDiscovery(Discovery{
		Discoverer: tid("codegen"),
		NewNodes:   []weaveforge.TargetID{tid("generated_client")},
		NewEdges:   []Edge{{From: tid("codegen"), To: tid("generated_client")}},
	})

	ready, err := dg.ApplyDiscoveries()
	require.NoError(t, err)
	require.Equal(t, []weaveforge.TargetID{tid("generated_client")}, ready)
}

func TestDynamicGraphRejectsEdgeIntoCompletedNode(t *testing.T) {
	dg := NewDynamic()
	require.NoError(t, dg.AddDependency(tid("app"), tid("lib")))
	dg.InitPendingDeps()
	dg.MarkSuccess(tid("lib"))
	dg.MarkScheduled(tid("app"))

	dg.SubmitDiscovery(Discovery{
		Discoverer: tid("app"),
		NewNodes:   []weaveforge.TargetID{tid("extra")},
		NewEdges:   []Edge{{From: tid("extra"), To: tid("lib")}},
	})

	_, err := dg.ApplyDiscoveries()
	require.Error(t, err)
	var rejected *DiscoveryRejected
	require.ErrorAs(t, err, &rejected)
}

func TestDynamicGraphRejectsEdgeFromUnrelatedNode(t *testing.T) {
	dg := NewDynamic()
	require.NoError(t, dg.AddDependency(tid("app"), tid("lib")))
	dg.InitPendingDeps()
	dg.MarkScheduled(tid("app"))

	dg.SubmitDiscovery(Discovery{
		Discoverer: tid("app"),
		NewNodes:   []weaveforge.TargetID{tid("extra")},
		NewEdges:   []Edge{{From: tid("lib"), To: tid("extra")}},
	})

	_, err := dg.ApplyDiscoveries()
	require.Error(t, err)
}

func TestDynamicGraphRejectsCycleIntroducedByDiscovery(t *testing.T) {
	dg := NewDynamic()
	require.NoError(t, dg.AddDependency(tid("app"), tid("lib")))
	dg.InitPendingDeps()
	dg.MarkScheduled(tid("app"))
	dg.MarkScheduled(tid("lib"))

	dg.SubmitDiscovery(Discovery{
		Discoverer: tid("app"),
		NewEdges:   []Edge{{From: tid("lib"), To: tid("app")}},
	})

	_, err := dg.ApplyDiscoveries()
	require.Error(t, err)
}
