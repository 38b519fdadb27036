package pagestore

import (
	"sort"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// This file implements the Commit Graph (spec §4.D): an append-only DAG
// of Commits, each pointing at the B-tree root holding its content and at
// the parent commit(s) it was built from. One parent means a normal
// commit; two means a merge produced by the Merger (spec §4.G).

const (
	commitPrefix = "C/"
	headPrefix   = "H/"
)

func commitKey(id CommitID) []byte { return append([]byte(commitPrefix), id.Bytes()...) }
func headKey(id CommitID) []byte   { return append([]byte(headPrefix), id.Bytes()...) }

// Commit is one node of the commit graph.
type Commit struct {
	ID         CommitID
	RootID     ObjectID
	Parents    []CommitID
	Generation uint64 // 1 + max(parents' generation); genesis is 0
	Timestamp  time.Time
}

// commitRecord is Commit's msgpack wire shape; ID is derived, not stored.
type commitRecord struct {
	RootID     ObjectID   `msgpack:"r"`
	Parents    []CommitID `msgpack:"p,omitempty"`
	Generation uint64     `msgpack:"g"`
	Timestamp  int64      `msgpack:"t"` // unix nanos
}

func encodeCommitRecord(rec *commitRecord) []byte {
	b, err := msgpack.Marshal(rec)
	if err != nil {
		panic(err)
	}
	return b
}

func decodeCommitRecord(b []byte) (*commitRecord, error) {
	var rec commitRecord
	if err := msgpack.Unmarshal(b, &rec); err != nil {
		return nil, dataErrf(b, 0, err, "corrupted commit record")
	}
	return &rec, nil
}

// commitID content-addresses a commit record the same way an object is
// addressed (spec §3: "content hash of its root id, sorted parents and
// metadata").
func commitID(rec *commitRecord) CommitID {
	return hashObjectID(encodeCommitRecord(rec))
}

func toCommit(id CommitID, rec *commitRecord) *Commit {
	return &Commit{
		ID:         id,
		RootID:     rec.RootID,
		Parents:    rec.Parents,
		Generation: rec.Generation,
		Timestamp:  time.Unix(0, rec.Timestamp).UTC(),
	}
}

// GetCommit looks up a commit by id.
func GetCommit(r Reader, id CommitID) (*Commit, bool, error) {
	b, ok := r.Get(commitKey(id))
	if !ok {
		return nil, false, nil
	}
	rec, err := decodeCommitRecord(b)
	if err != nil {
		return nil, false, err
	}
	return toCommit(id, rec), true, nil
}

// GenesisCommit creates the sentinel empty commit for a newly initialized
// page, storing its empty root and installing it as the sole head.
func GenesisCommit(r Reader, wb *WriteBatch, now time.Time) *Commit {
	rootID := ensureEmptyRoot(r, wb)
	rec := &commitRecord{RootID: rootID, Generation: 0, Timestamp: now.UnixNano()}
	id := commitID(rec)
	if _, exists := r.Get(commitKey(id)); !exists {
		wb.Put(commitKey(id), encodeCommitRecord(rec))
		IncRef(r, wb, rootID, 1)
	}
	wb.Put(headKey(id), nil)
	return toCommit(id, rec)
}

// AddCommit records a new commit built from rootID with the given
// parents, bumps the root's refcount (the edge from commit to root), and
// updates the head set: parents stop being heads, the new commit becomes
// one (spec §4.D).
func AddCommit(r Reader, wb *WriteBatch, rootID ObjectID, parents []CommitID, now time.Time) (*Commit, error) {
	gen, err := maxGeneration(r, parents)
	if err != nil {
		return nil, err
	}
	rec := &commitRecord{
		RootID:     rootID,
		Parents:    sortedCommitIDs(parents),
		Generation: gen + 1,
		Timestamp:  now.UnixNano(),
	}
	id := commitID(rec)
	if _, exists := r.Get(commitKey(id)); !exists {
		wb.Put(commitKey(id), encodeCommitRecord(rec))
		IncRef(r, wb, rootID, 1)
	}
	for _, p := range parents {
		wb.Delete(headKey(p))
	}
	wb.Put(headKey(id), nil)
	return toCommit(id, rec), nil
}

func maxGeneration(r Reader, parents []CommitID) (uint64, error) {
	var max uint64
	for _, p := range parents {
		c, ok, err := GetCommit(r, p)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, pageErrf("", "AddCommit", p, ErrCorrupted)
		}
		if c.Generation > max {
			max = c.Generation
		}
	}
	return max, nil
}

func sortedCommitIDs(ids []CommitID) []CommitID {
	out := append([]CommitID(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return lessObjectID(out[i], out[j]) })
	return out
}

func lessObjectID(a, b ObjectID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// GetHeads returns the current head set, sorted by generation descending
// then commit id ascending (spec §4.D), so index 0 is always the same
// commit for a given head set regardless of insertion order.
func GetHeads(r Reader) ([]*Commit, error) {
	var heads []*Commit
	var err error
	r.Iterate([]byte(headPrefix), func(k, _ []byte) bool {
		id, ok := objectIDFromBytes(k[len(headPrefix):])
		if !ok {
			return true
		}
		var c *Commit
		c, ok, err = GetCommit(r, id)
		if err != nil {
			return false
		}
		if ok {
			heads = append(heads, c)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(heads, func(i, j int) bool {
		if heads[i].Generation != heads[j].Generation {
			return heads[i].Generation > heads[j].Generation
		}
		return lessObjectID(heads[i].ID, heads[j].ID)
	})
	return heads, nil
}

// FindCommonAncestor walks both commits' ancestry one parent hop per side
// per round until their frontiers meet, returning the first commit found
// to be reachable from both a and b (spec §4.G, used by the Merger for
// three-way diffs). Generations are not compared.
func FindCommonAncestor(r Reader, a, b CommitID) (*Commit, error) {
	seenA := map[CommitID]bool{a: true}
	seenB := map[CommitID]bool{b: true}
	frontierA := []CommitID{a}
	frontierB := []CommitID{b}
	for len(frontierA) > 0 || len(frontierB) > 0 {
		if id, ok := intersect(frontierA, seenB); ok {
			return commitOrErr(r, id)
		}
		if id, ok := intersect(frontierB, seenA); ok {
			return commitOrErr(r, id)
		}
		var err error
		frontierA, err = stepBack(r, frontierA, seenA)
		if err != nil {
			return nil, err
		}
		frontierB, err = stepBack(r, frontierB, seenB)
		if err != nil {
			return nil, err
		}
	}
	return nil, statusErr(InternalError, "no common ancestor")
}

func intersect(frontier []CommitID, seen map[CommitID]bool) (CommitID, bool) {
	for _, id := range frontier {
		if seen[id] {
			return id, true
		}
	}
	return CommitID{}, false
}

func stepBack(r Reader, frontier []CommitID, seen map[CommitID]bool) ([]CommitID, error) {
	var next []CommitID
	for _, id := range frontier {
		c, ok, err := GetCommit(r, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		for _, p := range c.Parents {
			if !seen[p] {
				seen[p] = true
				next = append(next, p)
			}
		}
	}
	return next, nil
}

func commitOrErr(r Reader, id CommitID) (*Commit, error) {
	c, ok, err := GetCommit(r, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, pageErrf("", "FindCommonAncestor", id, ErrCorrupted)
	}
	return c, nil
}
