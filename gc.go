package pagestore

// This file implements garbage collection of unreachable objects and
// commits (spec §4.B/§4.D, design note in §9: "the object graph is
// acyclic ... naive refcounting is sufficient, GC never needs tracing").
//
// Every edge in the graph (a commit pointing at its root, a node
// pointing at a child node or a value object) is refcounted individually
// when the edge is created (see storeNode, AddCommit). releaseObject
// undoes exactly one such edge: it decrefs the target, and if that drops
// it to zero, recursively releases every edge it in turn holds, so an
// entire orphaned subtree unwinds in one pass with no separate reachability
// trace.

// releaseObject drops one reference to id, cascading into id's own
// children/values if that was its last reference. Called when a commit
// is collected (its root loses a reference) or when GC decides a value
// object is no longer needed.
func releaseObject(r Reader, wb *WriteBatch, id ObjectID) error {
	before := getRefCount(r, id)
	if before == 0 {
		return nil
	}
	// r sees this batch's own staged writes, so id's content and node
	// marker are read here, before DecRef stages their removal below.
	content, hasContent := GetObject(r, id)
	isNode := isNodeObject(r, id)
	DecRef(r, wb, id, 1)
	if before > 1 || !isNode || !hasContent {
		return nil
	}
	n, err := decodeNode(content)
	if err != nil {
		return err
	}
	for _, e := range n.Entries {
		if err := releaseObject(r, wb, e.ObjectID); err != nil {
			return err
		}
	}
	for _, c := range n.Children {
		if err := releaseObject(r, wb, c); err != nil {
			return err
		}
	}
	wb.Delete(nodeMarkerKey(id))
	return nil
}

// ReleaseCommitRoot is called when a commit is collected: it drops the
// commit's reference to its root, cascading node/value cleanup.
func ReleaseCommitRoot(r Reader, wb *WriteBatch, rootID ObjectID) error {
	return releaseObject(r, wb, rootID)
}
