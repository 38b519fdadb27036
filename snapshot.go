package pagestore

import (
	"bytes"
	"sort"
)

// This file implements SnapshotHandle (spec §6) and the Page Manager's
// snapshot cache (spec §4.F, added: eviction policy).

// Snapshot is a read-only, isolated view of a page as of one commit. Its
// content never changes even as the page's heads advance.
type Snapshot struct {
	pb     *PageBackend
	page   *Page
	commit *Commit
}

// CommitID identifies the exact commit this snapshot is pinned to.
func (s *Snapshot) CommitID() CommitID { return s.commit.ID }

// Close releases this snapshot's pin, letting the Garbage Collector
// reclaim its commit's objects once no other snapshot or head references
// them (spec §4.F).
func (s *Snapshot) Close() {
	if s.page != nil {
		s.page.unpin(s.commit.ID)
	}
}

// Get returns the full content stored at key.
func (s *Snapshot) Get(key []byte) ([]byte, error) {
	var entry Entry
	var found bool
	err := s.pb.View(func(r Reader) error {
		e, ok, err := Lookup(r, s.commit.RootID, key)
		if err != nil {
			return err
		}
		entry, found = e, ok
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrKeyNotFound
	}
	var content []byte
	err = s.pb.View(func(r Reader) error {
		b, ok := GetObject(r, entry.ObjectID)
		if !ok {
			return pageErrf(s.page.id, "Get", entry.ObjectID, ErrCorrupted)
		}
		content = append([]byte(nil), b...)
		return nil
	})
	return content, err
}

// GetPartial returns a byte range of key's content. A negative offset
// counts from the end of the content; maxSize < 0 means "through the end"
// (spec §6).
func (s *Snapshot) GetPartial(key []byte, offset, maxSize int) ([]byte, error) {
	content, err := s.Get(key)
	if err != nil {
		return nil, err
	}
	n := len(content)
	if offset < 0 {
		offset = n + offset
		if offset < 0 {
			offset = 0
		}
	}
	if offset > n {
		offset = n
	}
	end := n
	if maxSize >= 0 {
		end = offset + maxSize
		if end > n {
			end = n
		}
	}
	return content[offset:end], nil
}

// GetEntries lists entries with the given key prefix in ascending order,
// starting strictly after the `after` continuation token (empty to start
// from the beginning), returning at most limit entries (0 for no limit)
// and a continuation token for the next call, or nil once exhausted.
func (s *Snapshot) GetEntries(prefix, after []byte, limit int) ([]Entry, []byte, error) {
	var all []Entry
	err := s.pb.View(func(r Reader) error {
		var err error
		all, err = flatten(r, s.commit.RootID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	lo := sort.Search(len(all), func(i int) bool { return bytes.Compare(all[i].Key, prefix) >= 0 })
	if len(after) > 0 {
		lo = sort.Search(len(all), func(i int) bool { return bytes.Compare(all[i].Key, after) > 0 })
	}
	hi := len(all)
	if end := prefixUpperBound(prefix); end != nil {
		hi = sort.Search(len(all), func(i int) bool { return bytes.Compare(all[i].Key, end) >= 0 })
	}

	var result []Entry
	var next []byte
	for i := lo; i < hi; i++ {
		if limit > 0 && len(result) >= limit {
			next = append([]byte(nil), all[i].Key...)
			break
		}
		result = append(result, all[i].clone())
	}
	return result, next, nil
}

// GetKeys is GetEntries without the object payload.
func (s *Snapshot) GetKeys(prefix, after []byte, limit int) ([][]byte, []byte, error) {
	entries, next, err := s.GetEntries(prefix, after, limit)
	if err != nil {
		return nil, nil, err
	}
	keys := make([][]byte, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys, next, nil
}

// prefixUpperBound returns the smallest key strictly greater than every
// key with the given prefix, or nil if prefix is all-0xFF (no bound
// needed; the prefix already runs to the top of the keyspace).
func prefixUpperBound(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	end := append([]byte(nil), prefix...)
	for len(end) > 0 && end[len(end)-1] == 0xFF {
		end = end[:len(end)-1]
	}
	if inc(end) {
		return end
	}
	return nil
}

// snapshotCache caches recently resolved commits to avoid repeat KV
// Backend lookups on the common path of pinning the current head; it is
// a pure performance aid with a small MRU capacity (spec §4.F, added:
// "default pin depth 8"), not the mechanism that keeps a Commit's objects
// alive (that's the explicit pin count kept in Page.pinned).
type snapshotCache struct {
	depth int
	order []CommitID
	byID  map[CommitID]*Commit
}

func newSnapshotCache(depth int) *snapshotCache {
	return &snapshotCache{depth: depth, byID: map[CommitID]*Commit{}}
}

func (c *snapshotCache) get(id CommitID) (*Commit, bool) {
	commit, ok := c.byID[id]
	if ok {
		c.touch(id)
	}
	return commit, ok
}

func (c *snapshotCache) put(commit *Commit) {
	if _, exists := c.byID[commit.ID]; !exists && len(c.order) >= c.depth {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.byID, oldest)
	}
	c.byID[commit.ID] = commit
	c.touch(commit.ID)
}

func (c *snapshotCache) touch(id CommitID) {
	for i, existing := range c.order {
		if existing == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, id)
}
