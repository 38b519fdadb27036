package pagestore

import (
	"bytes"

	"github.com/cespare/xxhash/v2"
)

// EntryChange is one entry of an ApplyChanges change stream (spec §4.C):
// either a put (NewEntry set) or a delete (NewEntry nil) for Key. The
// stream passed to ApplyChanges must be sorted ascending by Key with no
// duplicate keys, matching what a Journal's staged entries already are.
type EntryChange struct {
	Key      []byte
	NewEntry *Entry
}

// PutChange builds a put EntryChange.
func PutChange(key []byte, objID ObjectID, priority Priority) EntryChange {
	return EntryChange{Key: key, NewEntry: &Entry{Key: key, ObjectID: objID, Priority: priority}}
}

// DeleteChange builds a delete EntryChange.
func DeleteChange(key []byte) EntryChange {
	return EntryChange{Key: key}
}

// ApplyChanges applies a sorted change stream to the tree rooted at
// rootID, returning the new root. Nodes touched by the rebuild are stored
// (content-addressed, deduplicated) and their ids added to newNodeIDs;
// unaffected subtrees are left untouched and their ids never appear in
// newNodeIDs (spec §4.C: "returns ... the set of newly created node ids").
//
// The rebuild works by flattening the current tree to its sorted entry
// list, merging the change stream into it, and re-chunking the result
// into new nodes from the leaves up (see chunkFlat/buildLevel). This
// forgoes exploiting structural sharing below the point where content
// first diverges, in exchange for a tree shape that is a pure function of
// its logical content, matching the determinism the fan-out policy asks
// for ("splits are keyed on entry content, not sequence number, so
// identical logical content yields identical physical nodes"), and for a
// much smaller amount of split/merge bookkeeping.
func ApplyChanges(r Reader, wb *WriteBatch, rootID ObjectID, changes []EntryChange, newNodeIDs map[ObjectID]bool) (ObjectID, error) {
	old, err := flatten(r, rootID)
	if err != nil {
		return zeroObjectID, err
	}
	merged, changed := mergeChangeStream(old, changes)
	if !changed {
		// No-op commit short circuit (spec §4.C, §4.E): nothing to store,
		// nothing to reference.
		return rootID, nil
	}
	return buildLevel(r, wb, merged, nil, newNodeIDs), nil
}

// mergeChangeStream linear-merges the sorted change stream into the
// sorted entry list old, reporting whether the result differs from old.
func mergeChangeStream(old []Entry, changes []EntryChange) (result []Entry, changed bool) {
	result = make([]Entry, 0, len(old)+len(changes))
	i, j := 0, 0
	for i < len(old) || j < len(changes) {
		switch {
		case j >= len(changes) || (i < len(old) && bytes.Compare(old[i].Key, changes[j].Key) < 0):
			result = append(result, old[i])
			i++
		case i >= len(old) || bytes.Compare(changes[j].Key, old[i].Key) < 0:
			c := changes[j]
			if c.NewEntry != nil {
				result = append(result, c.NewEntry.clone())
				changed = true
			}
			j++
		default: // same key
			c := changes[j]
			if c.NewEntry == nil {
				changed = true
			} else {
				if c.NewEntry.ObjectID != old[i].ObjectID || c.NewEntry.Priority != old[i].Priority {
					changed = true
				}
				result = append(result, c.NewEntry.clone())
			}
			i++
			j++
		}
	}
	return result, changed
}

// flatten performs an in-order walk collecting every Entry reachable from
// id, whether stored in a leaf or an internal node.
func flatten(r Reader, id ObjectID) ([]Entry, error) {
	n, err := loadNode(r, id)
	if err != nil {
		return nil, err
	}
	if n.isLeaf() {
		return append([]Entry(nil), n.Entries...), nil
	}
	out := make([]Entry, 0, len(n.Entries)*2+1)
	for i, c := range n.Children {
		sub, err := flatten(r, c)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
		if i < len(n.Entries) {
			out = append(out, n.Entries[i])
		}
	}
	return out, nil
}

// buildLevel builds a subtree over entries (with children if this level
// is internal), splitting into multiple nodes and recursing upward
// whenever entries overflows MaxEntries.
func buildLevel(r Reader, wb *WriteBatch, entries []Entry, children []ObjectID, newNodeIDs map[ObjectID]bool) ObjectID {
	if len(entries) <= MaxEntries {
		return storeNode(r, wb, &node{Entries: entries, Children: children}, newNodeIDs)
	}
	groupEntries, groupChildren, promoted := chunkFlat(entries, children)
	isLeaf := children == nil
	nextChildren := make([]ObjectID, len(groupEntries))
	for i := range groupEntries {
		var gc []ObjectID
		if !isLeaf {
			gc = groupChildren[i]
		}
		nextChildren[i] = buildLevel(r, wb, groupEntries[i], gc, newNodeIDs)
	}
	return buildLevel(r, wb, promoted, nextChildren, newNodeIDs)
}

// chunkFlat partitions entries (and, for an internal level, their
// matching children) into MaxEntries-bounded groups, choosing cut points
// by content-defined chunking: entries[i] becomes a cut once the current
// group has reached MinEntries and either entries[i]'s key hashes onto a
// chunk boundary or the group has grown to the point a cut is forced. The
// entry at each cut point is promoted to the level above, exactly as in
// a classic B-tree node split.
func chunkFlat(entries []Entry, children []ObjectID) (groupEntries [][]Entry, groupChildren [][]ObjectID, promoted []Entry) {
	isLeaf := children == nil
	start, childStart := 0, 0
	for i := 0; i < len(entries); i++ {
		groupLen := i - start
		if groupLen < MinEntries {
			continue
		}
		boundary := xxhash.Sum64(entries[i].Key)%TargetEntries == 0
		forced := groupLen >= MaxEntries-1
		if !boundary && !forced {
			continue
		}
		groupEntries = append(groupEntries, entries[start:i])
		if !isLeaf {
			groupChildren = append(groupChildren, children[childStart:i+1])
		}
		promoted = append(promoted, entries[i])
		start, childStart = i+1, i+1
	}
	groupEntries = append(groupEntries, entries[start:])
	if !isLeaf {
		groupChildren = append(groupChildren, children[childStart:])
	}
	return groupEntries, groupChildren, promoted
}
