package pagestore

import "bytes"

// This file implements the Merger (spec §4.G): whenever a page ends up
// with more than one head, it computes their common ancestor, three-way
// diffs each head against it, resolves any key both sides touched, and
// lands the result as a new commit with both heads as parents.

// Resolver decides the outcome for a key both sides of a merge changed
// differently. base is the entry at the common ancestor (nil if the key
// didn't exist there); left and right are the conflicting versions (nil
// meaning that side deleted the key). A nil return deletes the key.
type Resolver interface {
	Resolve(key []byte, base, left, right *Entry) *Entry
}

// LastWriterWinsResolver resolves conflicts by favoring the commit with
// the later Timestamp, right-biased on an exact tie (spec §4.G:
// "last-writer-wins by (timestamp, commit_id)... right-biased on ties").
// It is the default resolver used when a page doesn't specify one.
type LastWriterWinsResolver struct {
	Left, Right *Commit
}

func (lww LastWriterWinsResolver) Resolve(key []byte, base, left, right *Entry) *Entry {
	if lww.Left.Timestamp.After(lww.Right.Timestamp) {
		return left
	}
	return right
}

// Merge computes the automatic merge of two heads and lands it as a new
// commit with both as parents (spec §4.D: "the Page Manager schedules an
// automatic merge whenever it observes >= 2 heads"; §4.G).
func Merge(pb *PageBackend, left, right *Commit, resolver Resolver) (*Commit, error) {
	if resolver == nil {
		resolver = LastWriterWinsResolver{Left: left, Right: right}
	}

	var ancestor *Commit
	err := pb.View(func(r Reader) error {
		var err error
		ancestor, err = FindCommonAncestor(r, left.ID, right.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	j, err := BeginJournal(pb, JournalExplicit, []CommitID{left.ID, right.ID})
	if err != nil {
		return nil, err
	}

	err = pb.Update(func(r Reader, wb *WriteBatch) error {
		diffLeft, err := diffToChanges(r, ancestor.RootID, left.RootID)
		if err != nil {
			return err
		}
		diffRight, err := diffToChanges(r, ancestor.RootID, right.RootID)
		if err != nil {
			return err
		}
		resolved, err := resolveConflicts(r, ancestor.RootID, diffLeft, diffRight, resolver)
		if err != nil {
			return err
		}
		for _, ch := range resolved {
			if err := j.stage(r, wb, ch.Key, ch.NewEntry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = j.Rollback()
		return nil, err
	}

	return j.Commit()
}

// resolveConflicts merges two independently computed diffs-from-ancestor
// into one change stream: a key touched by only one side takes that
// side's value; a key touched by both, identically, takes it once; a key
// touched by both, differently, goes to the resolver.
func resolveConflicts(r Reader, ancestorRoot ObjectID, diffLeft, diffRight []PageChange, resolver Resolver) ([]EntryChange, error) {
	type sides struct {
		hasLeft, hasRight bool
		left, right       *Entry
	}
	byKey := map[string]*sides{}
	var order [][]byte
	record := func(key []byte, isLeft bool, e *Entry) {
		k := string(key)
		s, ok := byKey[k]
		if !ok {
			s = &sides{}
			byKey[k] = s
			order = append(order, key)
		}
		if isLeft {
			s.hasLeft, s.left = true, e
		} else {
			s.hasRight, s.right = true, e
		}
	}
	for _, c := range diffLeft {
		record(c.Key, true, c.NewEntry)
	}
	for _, c := range diffRight {
		record(c.Key, false, c.NewEntry)
	}

	var changes []EntryChange
	for _, key := range order {
		s := byKey[string(key)]
		var result *Entry
		switch {
		case s.hasLeft && !s.hasRight:
			result = s.left
		case s.hasRight && !s.hasLeft:
			result = s.right
		default: // both sides touched this key
			if sameEntry(s.left, s.right) {
				result = s.left
			} else {
				baseEntry, found, err := Lookup(r, ancestorRoot, key)
				if err != nil {
					return nil, err
				}
				var basePtr *Entry
				if found {
					basePtr = &baseEntry
				}
				result = resolver.Resolve(key, basePtr, s.left, s.right)
			}
		}
		changes = append(changes, EntryChange{Key: key, NewEntry: result})
	}
	sortEntryChanges(changes)
	return changes, nil
}

func sameEntry(a, b *Entry) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ObjectID == b.ObjectID && a.Priority == b.Priority
}

func sortEntryChanges(changes []EntryChange) {
	// insertion sort: conflict sets are small in practice and this keeps
	// the dependency list free of an extra sort.Slice closure allocation
	for i := 1; i < len(changes); i++ {
		for j := i; j > 0 && bytes.Compare(changes[j-1].Key, changes[j].Key) > 0; j-- {
			changes[j-1], changes[j] = changes[j], changes[j-1]
		}
	}
}
