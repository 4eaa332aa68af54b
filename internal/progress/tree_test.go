package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var treeEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func running(jobID, parentID string) Event {
	return Event{JobID: jobID, ParentJobID: parentID, Status: StatusRunning}
}

func completed(jobID, parentID string) Event {
	return Event{JobID: jobID, ParentJobID: parentID, Status: StatusCompleted}
}

// TestTreeIdempotentApply verifies applying the identical event twice yields
// the same tree aside from the refreshed LastSeenAt.
func TestTreeIdempotentApply(t *testing.T) {
	t.Parallel()

	tr := NewTree()
	evt := Event{JobID: "A", Status: StatusRunning, Message: "parsing"}
	tr.Apply(evt, treeEpoch)
	tr.Apply(evt, treeEpoch.Add(time.Second))

	require.Equal(t, 1, tr.Len())
	root := tr.Root("A")
	require.NotNil(t, root)
	require.Equal(t, StatusRunning, root.Status)
	require.Equal(t, "parsing", root.Message)
	require.Empty(t, root.Children)
	require.Equal(t, treeEpoch.Add(time.Second), root.LastSeenAt)
}

// TestTreeOrderIndependence verifies child-before-parent and
// parent-before-child arrivals converge to the same final tree.
func TestTreeOrderIndependence(t *testing.T) {
	t.Parallel()

	orders := [][]Event{
		{running("B", "A"), running("A", "")},
		{running("A", ""), running("B", "A")},
	}
	for _, events := range orders {
		tr := NewTree()
		for _, evt := range events {
			tr.Apply(evt, treeEpoch)
		}
		require.Equal(t, 1, tr.Len())
		require.Zero(t, tr.OrphanCount())
		root := tr.Root("A")
		require.NotNil(t, root)
		require.Contains(t, root.Children, "B")
	}
}

// TestTreeOrphanParkedUntilParentArrives covers the orphan-first scenario:
// the child waits in the orphan set, then attaches when the parent shows up.
func TestTreeOrphanParkedUntilParentArrives(t *testing.T) {
	t.Parallel()

	tr := NewTree()
	tr.Apply(running("C", "Z"), treeEpoch)
	require.Zero(t, tr.Len())
	require.Equal(t, 1, tr.OrphanCount())
	parent, ok := tr.OrphanParent("C")
	require.True(t, ok)
	require.Equal(t, "Z", parent)

	tr.Apply(running("Z", ""), treeEpoch)
	require.Equal(t, 1, tr.Len())
	require.Zero(t, tr.OrphanCount())
	require.Contains(t, tr.Root("Z").Children, "C")
}

// TestTreeOrphanWaveResolution verifies a whole chain of stuck descendants
// attaches in one step once the missing ancestor arrives.
func TestTreeOrphanWaveResolution(t *testing.T) {
	t.Parallel()

	tr := NewTree()
	tr.Apply(running("grandchild", "child"), treeEpoch)
	tr.Apply(running("child", "root"), treeEpoch)
	require.Zero(t, tr.Len())
	require.Equal(t, 2, tr.OrphanCount())

	tr.Apply(running("root", ""), treeEpoch)
	require.Zero(t, tr.OrphanCount())
	root := tr.Root("root")
	require.NotNil(t, root)
	child := root.Children["child"]
	require.NotNil(t, child)
	require.Contains(t, child.Children, "grandchild")
}

// TestTreeUpdatePreservesChildren verifies an update to a parent's own
// fields never discards its subtree.
func TestTreeUpdatePreservesChildren(t *testing.T) {
	t.Parallel()

	tr := NewTree()
	tr.Apply(running("A", ""), treeEpoch)
	tr.Apply(running("B", "A"), treeEpoch)

	tr.Apply(Event{JobID: "A", Status: StatusRunning, Message: "halfway"}, treeEpoch)
	root := tr.Root("A")
	require.Equal(t, "halfway", root.Message)
	require.Contains(t, root.Children, "B")
}

// TestTreeTerminalStatusSticky verifies a terminal status never reverts to
// running, while later events may still refresh message and error.
func TestTreeTerminalStatusSticky(t *testing.T) {
	t.Parallel()

	tr := NewTree()
	tr.Apply(Event{JobID: "A", Status: StatusError, Error: "boom"}, treeEpoch)
	tr.Apply(Event{JobID: "A", Status: StatusRunning, Message: "retrying"}, treeEpoch)

	root := tr.Root("A")
	require.Equal(t, StatusError, root.Status)
	require.Equal(t, "retrying", root.Message)
	require.Equal(t, "boom", root.Error)

	// completed -> error is a terminal-to-terminal transition and is taken.
	tr.Apply(Event{JobID: "A", Status: StatusCompleted}, treeEpoch)
	require.Equal(t, StatusCompleted, tr.Root("A").Status)
}

// TestTreeNestedParentLookup verifies a parent that is itself a nested child
// is found when its own children arrive.
func TestTreeNestedParentLookup(t *testing.T) {
	t.Parallel()

	tr := NewTree()
	tr.Apply(running("root", ""), treeEpoch)
	tr.Apply(running("mid", "root"), treeEpoch)
	tr.Apply(running("leaf", "mid"), treeEpoch)

	mid := tr.Root("root").Children["mid"]
	require.NotNil(t, mid)
	require.Contains(t, mid.Children, "leaf")
}

// TestTreeDismissRemovesSubtree verifies explicit dismissal deletes a node
// wherever it sits, with its whole subtree.
func TestTreeDismissRemovesSubtree(t *testing.T) {
	t.Parallel()

	tr := NewTree()
	tr.Apply(running("root", ""), treeEpoch)
	tr.Apply(running("mid", "root"), treeEpoch)
	tr.Apply(running("leaf", "mid"), treeEpoch)

	require.True(t, tr.Dismiss("mid"))
	require.Empty(t, tr.Root("root").Children)
	require.Nil(t, tr.Node("leaf"))

	// Dismissed descendants arriving again start from scratch.
	require.False(t, tr.Dismiss("mid"))
}

// TestTreeDismissOrphan verifies orphans can be dismissed directly.
func TestTreeDismissOrphan(t *testing.T) {
	t.Parallel()

	tr := NewTree()
	tr.Apply(running("C", "Z"), treeEpoch)
	require.True(t, tr.Dismiss("C"))
	require.Zero(t, tr.OrphanCount())
}

// TestTreeClearFinishedKeepsLiveAncestors verifies a completed parent with a
// running child survives pruning as a structural ancestor, and goes together
// with its children once nothing below it runs.
func TestTreeClearFinishedKeepsLiveAncestors(t *testing.T) {
	t.Parallel()

	tr := NewTree()
	tr.Apply(completed("A", ""), treeEpoch)
	tr.Apply(running("B", "A"), treeEpoch)

	tr.ClearFinished()
	require.Equal(t, 1, tr.Len())
	require.Contains(t, tr.Root("A").Children, "B")

	tr.Apply(completed("B", "A"), treeEpoch)
	tr.ClearFinished()
	require.Zero(t, tr.Len())
}

// TestTreeLifecycleScenario walks the full ingest scenario: root, child,
// child completion, root completion, bulk prune to empty.
func TestTreeLifecycleScenario(t *testing.T) {
	t.Parallel()

	tr := NewTree()
	tr.Apply(running("A", ""), treeEpoch)
	require.Equal(t, StatusRunning, tr.Root("A").Status)
	require.Empty(t, tr.Root("A").Children)

	tr.Apply(running("B", "A"), treeEpoch)
	require.Equal(t, StatusRunning, tr.Root("A").Children["B"].Status)

	tr.Apply(completed("B", "A"), treeEpoch)
	tr.Apply(completed("A", ""), treeEpoch)
	tr.ClearFinished()
	require.Zero(t, tr.Len())
	require.Zero(t, tr.OrphanCount())
}

// TestTreeSweepStale verifies whole-subtree eviction by age, roots and
// orphans independently, and that a fresh root survives.
func TestTreeSweepStale(t *testing.T) {
	t.Parallel()

	tr := NewTree()
	tr.Apply(running("old", ""), treeEpoch)
	tr.Apply(running("old-child", "old"), treeEpoch)
	tr.Apply(running("fresh", ""), treeEpoch.Add(2*time.Minute))
	tr.Apply(running("waif", "missing"), treeEpoch)

	now := treeEpoch.Add(3*time.Minute + time.Second)
	evicted := tr.SweepStale(now, 3*time.Minute, 3*time.Minute)
	require.Equal(t, 2, evicted)
	require.Nil(t, tr.Root("old"))
	require.Nil(t, tr.Node("old-child"))
	require.NotNil(t, tr.Root("fresh"))
	require.Zero(t, tr.OrphanCount())
}

// TestTreeSweepStaleChildNeverAgedAlone verifies a stale child under a fresh
// root is retained; eviction is always whole-subtree from the root.
func TestTreeSweepStaleChildNeverAgedAlone(t *testing.T) {
	t.Parallel()

	tr := NewTree()
	tr.Apply(running("root", ""), treeEpoch)
	tr.Apply(running("child", "root"), treeEpoch)
	// Root refreshed, child untouched.
	tr.Apply(Event{JobID: "root", Status: StatusRunning}, treeEpoch.Add(3*time.Minute))

	evicted := tr.SweepStale(treeEpoch.Add(3*time.Minute+time.Second), 3*time.Minute, 3*time.Minute)
	require.Zero(t, evicted)
	require.Contains(t, tr.Root("root").Children, "child")
}

// TestTreeSnapshotIsDeepCopy verifies mutating a snapshot leaves the tree
// untouched.
func TestTreeSnapshotIsDeepCopy(t *testing.T) {
	t.Parallel()

	tr := NewTree()
	tr.Apply(running("A", ""), treeEpoch)
	tr.Apply(running("B", "A"), treeEpoch)

	snap := tr.Snapshot()
	require.Len(t, snap, 1)
	snap[0].Status = StatusError
	delete(snap[0].Children, "B")

	require.Equal(t, StatusRunning, tr.Root("A").Status)
	require.Contains(t, tr.Root("A").Children, "B")
}

// TestTreeFixedParentage verifies a later event with a conflicting parent id
// updates the node in place instead of relocating or duplicating it.
func TestTreeFixedParentage(t *testing.T) {
	t.Parallel()

	tr := NewTree()
	tr.Apply(running("A", ""), treeEpoch)
	tr.Apply(running("B", "A"), treeEpoch)

	// B suddenly claims a different parent; stale, ignored.
	tr.Apply(Event{JobID: "B", ParentJobID: "X", Status: StatusRunning, Message: "moved?"}, treeEpoch)
	require.Contains(t, tr.Root("A").Children, "B")
	require.Equal(t, "moved?", tr.Root("A").Children["B"].Message)
	require.Zero(t, tr.OrphanCount())

	// A suddenly claims a parent; also stale.
	tr.Apply(Event{JobID: "A", ParentJobID: "X", Status: StatusRunning}, treeEpoch)
	require.Equal(t, 1, tr.Len())
}

// TestTreeOrphanDroppedParentStaysParked verifies a parked child that later
// reports without a parent id keeps waiting on its recorded parent instead
// of becoming a second copy of itself as a root.
func TestTreeOrphanDroppedParentStaysParked(t *testing.T) {
	t.Parallel()

	tr := NewTree()
	tr.Apply(running("C", "Z"), treeEpoch)
	require.Equal(t, 1, tr.OrphanCount())

	// C drops its parent id; stale, the orphan is updated in place.
	tr.Apply(Event{JobID: "C", ParentJobID: "", Status: StatusRunning, Message: "still waiting"}, treeEpoch)
	require.Zero(t, tr.Len())
	require.Equal(t, 1, tr.OrphanCount())

	// Z arrives and adopts exactly one C, carrying the refreshed message.
	tr.Apply(running("Z", ""), treeEpoch)
	require.Equal(t, 1, tr.Len())
	require.Zero(t, tr.OrphanCount())
	require.Nil(t, tr.Root("C"))
	child := tr.Root("Z").Children["C"]
	require.NotNil(t, child)
	require.Equal(t, "still waiting", child.Message)
	require.Equal(t, child, tr.Node("C"))

	// Dismissing Z takes the whole subtree with it, so the index held the
	// one adopted copy.
	tr.Dismiss("Z")
	require.Zero(t, tr.Len())
	require.Nil(t, tr.Node("C"))
}
