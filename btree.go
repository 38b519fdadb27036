package pagestore

import (
	"bytes"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// This file and its siblings (btree_apply.go, btree_diff.go) implement the
// persistent B-tree (spec §4.C): an immutable, copy-on-write ordered map
// from byte keys to Entries, stored as a Merkle tree of Nodes in the
// Object Store. A node's ObjectID is the content hash of its serialization
// (spec invariant 3's content-addressing, applied one level down).
const (
	// TargetEntries is the size a freshly split node settles around.
	TargetEntries = 32
	// MaxEntries triggers a split once exceeded.
	MaxEntries = 64
	// MinEntries is the smallest group chunkFlat cuts off before the end
	// of a level; the last group of a level may hold fewer. Nodes are
	// never merged with a sibling.
	MinEntries = 16
)

// node is the on-disk representation of one B-tree node. Leaf nodes have
// no Children; internal nodes have len(Children) == len(Entries)+1,
// following classic B-tree layout: Children[i] holds keys strictly
// between Entries[i-1].Key and Entries[i].Key (Children[0] holds keys
// below Entries[0].Key, Children[len(Entries)] holds keys above the last).
type node struct {
	Entries  []Entry    `msgpack:"e"`
	Children []ObjectID `msgpack:"c,omitempty"`
}

func (n *node) isLeaf() bool { return len(n.Children) == 0 }

func encodeNode(n *node) []byte {
	b, err := msgpack.Marshal(n)
	if err != nil {
		panic(err) // node contents are always plain data; encoding cannot fail
	}
	return b
}

func decodeNode(b []byte) (*node, error) {
	var n node
	if err := msgpack.Unmarshal(b, &n); err != nil {
		return nil, dataErrf(b, 0, err, "corrupted b-tree node")
	}
	return &n, nil
}

const nodeMarkerPrefix = "N/"

func nodeMarkerKey(id ObjectID) []byte { return append([]byte(nodeMarkerPrefix), id.Bytes()...) }

// isNodeObject reports whether id was stored as a B-tree node (as opposed
// to a value blob), letting GC know whether to decode-and-recurse when
// releasing it.
func isNodeObject(r Reader, id ObjectID) bool {
	_, ok := r.Get(nodeMarkerKey(id))
	return ok
}

// storeNode content-addresses and stores n, marking new node ids as newly
// created and IncRef'ing every child/value it points to (spec §4.C: node
// writes are part of the same atomic batch; spec §9: refcounting is
// per-edge, so creating a node that references a child is itself the act
// that keeps that child alive).
func storeNode(r Reader, wb *WriteBatch, n *node, newNodeIDs map[ObjectID]bool) ObjectID {
	content := encodeNode(n)
	id := hashObjectID(content)
	if _, exists := r.Get(objKey(id)); !exists {
		wb.Put(objKey(id), content)
		wb.Put(nodeMarkerKey(id), nil)
		if newNodeIDs != nil {
			newNodeIDs[id] = true
		}
	}
	for _, e := range n.Entries {
		IncRef(r, wb, e.ObjectID, 1)
	}
	for _, c := range n.Children {
		IncRef(r, wb, c, 1)
	}
	return id
}

// loadNode fetches and decodes the node at id.
func loadNode(r Reader, id ObjectID) (*node, error) {
	b, ok := GetObject(r, id)
	if !ok {
		return nil, pageErrf("", "loadNode", id, ErrCorrupted)
	}
	return decodeNode(b)
}

// emptyRootContent is the sentinel empty B-tree used by the genesis commit
// (spec §3: "The empty page has a single genesis commit with a sentinel
// empty root").
var emptyRootContent = encodeNode(&node{})

// EmptyRootID is the ObjectID of the sentinel empty B-tree root. It is
// deterministic (a pure function of the empty node's encoding), so every
// page's genesis commit shares the same root id without needing to be
// separately materialized ahead of time.
func EmptyRootID() ObjectID { return hashObjectID(emptyRootContent) }

// ensureEmptyRoot makes sure the sentinel empty root object exists, for
// pages being initialized for the first time.
func ensureEmptyRoot(r Reader, wb *WriteBatch) ObjectID {
	id := hashObjectID(emptyRootContent)
	if _, ok := r.Get(objKey(id)); !ok {
		wb.Put(objKey(id), emptyRootContent)
		wb.Put(nodeMarkerKey(id), nil)
	}
	return id
}

// Lookup finds key's Entry starting from rootID (spec §4.C).
func Lookup(r Reader, rootID ObjectID, key []byte) (Entry, bool, error) {
	id := rootID
	for {
		n, err := loadNode(r, id)
		if err != nil {
			return Entry{}, false, err
		}
		i, found := searchEntries(n.Entries, key)
		if found {
			return n.Entries[i], true, nil
		}
		if n.isLeaf() {
			return Entry{}, false, nil
		}
		id = n.Children[i]
	}
}

// searchEntries returns the index of key if present (found=true), or the
// index of the child subtree that would contain key otherwise.
func searchEntries(entries []Entry, key []byte) (idx int, found bool) {
	i := sort.Search(len(entries), func(i int) bool {
		return bytes.Compare(entries[i].Key, key) >= 0
	})
	if i < len(entries) && bytes.Equal(entries[i].Key, key) {
		return i, true
	}
	return i, false
}
