/*
Package pagestore implements a local, versioned, eventually-consistent
key-value page store.

A Page is an independently versioned ordered map from byte keys to byte
values, whose history is a directed acyclic graph of Commits. Clients read
consistent Snapshots, mutate state through Journals (transactions) that are
atomically committed to produce new Commits, and observe incremental change
notifications via Watchers. Concurrent heads of a page's commit graph are
reconciled by automatic merging.

We implement:

1. A KV Backend, an ordered byte-key store with atomic batches, on top of
Bolt (or an in-memory backend for tests).

2. An Object Store, a content-addressed blob store with reference counts
and untracked-object tracking, layered on the KV Backend.

3. A persistent, copy-on-write B-tree representing one commit's content as
a Merkle tree of nodes in the Object Store.

4. A Commit Graph tracking parents, generation and the page's head set.

5. Journals, which stage Put/Delete operations and turn them into a new
Commit.

6. A Page Manager orchestrating journals, snapshots, watchers and merges
for one page, and a Merger performing automatic three-way reconciliation
of concurrent heads.

# Technical Details

**Buckets.** We rely on scoped namespaces for keys called buckets, the way
Bolt supports them natively; a flat backend would simulate them with key
prefixes (see kv.go's namespace prefixes).

**Content addressing.** Every ObjectID is the xxhash64 of the object's
serialized bytes, formatted as a fixed-width, comparable key suffix.
Identical content always produces the identical id, which is what makes
structural sharing across commits (and across independently-computed
merges, per spec invariant 3) safe.

## Binary encoding

B-tree nodes and commit records are encoded with msgpack (the same library
the row-encoding layer of this database's ancestor used), so their layout
can evolve without a hand-rolled binary format for every domain type.
*/
package pagestore
