package progress

import (
	"encoding/json"
	"sort"
	"time"
)

// JobNode is the materialized view of one job inside an observer's tree.
type JobNode struct {
	ID          string
	ParentJobID string
	JobType     string
	Status      JobStatus
	Message     string
	Error       string
	Payload     json.RawMessage
	// LastSeenAt is the local receive time of the most recent event for this
	// node. It is set only by the tree, never copied from the event.
	LastSeenAt time.Time
	Children   map[string]*JobNode
}

type orphan struct {
	node *JobNode
	// parentID is the awaited parent; resolution triggers when it shows up.
	parentID string
}

// Tree folds an unordered stream of progress events into a consistent
// parent/child hierarchy. Events for a parent and its children arrive with
// no ordering guarantee, so a child may show up first; it waits in the
// orphan map until its parent is registered, and adoption happens
// atomically with removal from that map.
//
// Tree is owned by a single goroutine (one observer session); it performs
// no internal locking.
type Tree struct {
	roots   map[string]*JobNode
	orphans map[string]*orphan
	// index maps every attached node id (roots and all descendants) to its
	// record, so parent lookup is O(1) instead of a recursive walk.
	index map[string]*JobNode
}

// NewTree creates an empty Tree.
func NewTree() *Tree {
	return &Tree{
		roots:   make(map[string]*JobNode),
		orphans: make(map[string]*orphan),
		index:   make(map[string]*JobNode),
	}
}

// Apply folds one event into the tree. at is the local receive time.
// Applying the same event twice is idempotent aside from LastSeenAt.
func (t *Tree) Apply(evt Event, at time.Time) {
	if evt.JobID == "" {
		return
	}
	if evt.ParentJobID == "" {
		t.applyRoot(evt, at)
		return
	}
	t.applyChild(evt, at)
}

func (t *Tree) applyRoot(evt Event, at time.Time) {
	if node, ok := t.index[evt.JobID]; ok && node.ParentJobID != "" {
		// Parentage is fixed at creation; an event that drops the parent id
		// later is stale, so the node stays where it is.
		updateNode(node, evt, at)
		return
	}
	if o, ok := t.orphans[evt.JobID]; ok {
		// Same rule for a parked child: it keeps waiting on its recorded
		// parent instead of becoming a duplicate root.
		updateNode(o.node, evt, at)
		return
	}
	node, ok := t.roots[evt.JobID]
	if !ok {
		node = newNode(evt)
		t.roots[evt.JobID] = node
		t.index[evt.JobID] = node
	}
	updateNode(node, evt, at)
	t.adoptOrphans(node, at)
}

func (t *Tree) applyChild(evt Event, at time.Time) {
	if node, ok := t.index[evt.JobID]; ok {
		// Already attached somewhere. Parentage is fixed at creation, so a
		// conflicting parent id in a later event is ignored and the node is
		// updated in place.
		updateNode(node, evt, at)
		t.adoptOrphans(node, at)
		return
	}

	parent, ok := t.index[evt.ParentJobID]
	if !ok {
		// Parent not registered yet: park (or refresh) the child in the
		// orphan map keyed by its own id.
		o, exists := t.orphans[evt.JobID]
		if !exists {
			o = &orphan{node: newNode(evt), parentID: evt.ParentJobID}
			t.orphans[evt.JobID] = o
		}
		updateNode(o.node, evt, at)
		return
	}

	var node *JobNode
	if o, wasOrphan := t.orphans[evt.JobID]; wasOrphan {
		node = o.node
		delete(t.orphans, evt.JobID)
	} else {
		node = newNode(evt)
	}
	if parent.Children == nil {
		parent.Children = make(map[string]*JobNode)
	}
	parent.Children[evt.JobID] = node
	t.index[evt.JobID] = node
	updateNode(node, evt, at)
	t.adoptOrphans(node, at)
}

// adoptOrphans pulls every orphan waiting on the given node into its
// children, then recursively gives the adopted nodes the same chance.
// Insertion and removal from the orphan map happen in one step.
func (t *Tree) adoptOrphans(parent *JobNode, at time.Time) {
	var adopted []*JobNode
	for id, o := range t.orphans {
		if o.parentID != parent.ID {
			continue
		}
		if parent.Children == nil {
			parent.Children = make(map[string]*JobNode)
		}
		parent.Children[id] = o.node
		t.index[id] = o.node
		delete(t.orphans, id)
		adopted = append(adopted, o.node)
	}
	for _, child := range adopted {
		t.adoptOrphans(child, at)
	}
}

func newNode(evt Event) *JobNode {
	return &JobNode{
		ID:          evt.JobID,
		ParentJobID: evt.ParentJobID,
		Children:    make(map[string]*JobNode),
	}
}

// updateNode rewrites a node's own fields from an event without touching its
// children. A terminal status is sticky: a later pending/running report is
// treated as stale and only its message/error are taken.
func updateNode(node *JobNode, evt Event, at time.Time) {
	if evt.JobType != "" {
		node.JobType = evt.JobType
	}
	if !node.Status.Terminal() || evt.Status.Terminal() {
		node.Status = evt.Status
	}
	if evt.Message != "" {
		node.Message = evt.Message
	}
	if evt.Error != "" {
		node.Error = evt.Error
	}
	if len(evt.Payload) > 0 {
		node.Payload = evt.Payload
	}
	node.LastSeenAt = at
}

// Dismiss removes the node with the given id, wherever it sits, together
// with its entire subtree. Dismissing an orphan drops it from the orphan
// map. It reports whether anything was removed.
func (t *Tree) Dismiss(id string) bool {
	if node, ok := t.roots[id]; ok {
		delete(t.roots, id)
		t.unindex(node)
		return true
	}
	if node, ok := t.index[id]; ok {
		if parent, ok := t.index[node.ParentJobID]; ok {
			delete(parent.Children, id)
		}
		t.unindex(node)
		return true
	}
	if _, ok := t.orphans[id]; ok {
		delete(t.orphans, id)
		return true
	}
	return false
}

func (t *Tree) unindex(node *JobNode) {
	delete(t.index, node.ID)
	for _, child := range node.Children {
		t.unindex(child)
	}
}

// ClearFinished prunes every subtree that holds no running work. A finished
// parent with a still-running descendant survives as a structural ancestor;
// once nothing below it runs, it goes together with its finished children.
// Finished orphans are dropped the same way.
func (t *Tree) ClearFinished() {
	for id, node := range t.roots {
		if !hasRunning(node) {
			delete(t.roots, id)
			t.unindex(node)
			continue
		}
		t.pruneFinished(node)
	}
	for id, o := range t.orphans {
		if !hasRunning(o.node) {
			delete(t.orphans, id)
		}
	}
}

func (t *Tree) pruneFinished(node *JobNode) {
	for id, child := range node.Children {
		if !hasRunning(child) {
			delete(node.Children, id)
			t.unindex(child)
			continue
		}
		t.pruneFinished(child)
	}
}

func hasRunning(node *JobNode) bool {
	if node.Status == StatusRunning || node.Status == StatusPending {
		return true
	}
	for _, child := range node.Children {
		if hasRunning(child) {
			return true
		}
	}
	return false
}

// SweepStale evicts every root whose LastSeenAt is older than rootTTL, and
// every orphan older than orphanTTL, each with its whole subtree. Children
// are never aged out independently of their root.
func (t *Tree) SweepStale(now time.Time, rootTTL, orphanTTL time.Duration) int {
	evicted := 0
	for id, node := range t.roots {
		if now.Sub(node.LastSeenAt) > rootTTL {
			delete(t.roots, id)
			t.unindex(node)
			evicted++
		}
	}
	for id, o := range t.orphans {
		if now.Sub(o.node.LastSeenAt) > orphanTTL {
			delete(t.orphans, id)
			evicted++
		}
	}
	return evicted
}

// Root returns the root node with the given id, or nil.
func (t *Tree) Root(id string) *JobNode {
	return t.roots[id]
}

// Node returns any attached node by id, or nil. Orphans are not attached.
func (t *Tree) Node(id string) *JobNode {
	return t.index[id]
}

// Len reports the number of roots.
func (t *Tree) Len() int {
	return len(t.roots)
}

// OrphanCount reports the number of unattached nodes.
func (t *Tree) OrphanCount() int {
	return len(t.orphans)
}

// OrphanParent reports the awaited parent id for an orphan, if present.
func (t *Tree) OrphanParent(id string) (string, bool) {
	o, ok := t.orphans[id]
	if !ok {
		return "", false
	}
	return o.parentID, true
}

// Snapshot deep-copies the rooted forest, sorted by id for stable rendering.
func (t *Tree) Snapshot() []*JobNode {
	out := make([]*JobNode, 0, len(t.roots))
	for _, node := range t.roots {
		out = append(out, cloneNode(node))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func cloneNode(node *JobNode) *JobNode {
	cp := *node
	cp.Children = make(map[string]*JobNode, len(node.Children))
	for id, child := range node.Children {
		cp.Children[id] = cloneNode(child)
	}
	return &cp
}
