package pagestore

// This file defines the storage interfaces the KV Backend (spec §4.A) is
// built on: an ordered byte-key store with point get/put/delete, prefix
// iteration, and atomic batches. Every other component encodes its state
// as keys within one of these buckets; a bucket is created per page (its
// name is the page id) and holds all of that page's namespaces as flat,
// prefixed keys:
//
//	O/        objects (Object Store)
//	R/        reference counts
//	U/        untracked-object flags
//	H/        head set
//	C/        commits
//	J/<jid>/E/ journal staged entries
//	J/<jid>/V/ journal per-object untracked-refcount deltas
//	S/        sync status
//
// J/<jid>/* lives flat in the same bucket as everything else rather than
// in its own nested bbolt bucket: Update stages one WriteBatch covering
// both commit-graph and journal keys with read-your-own-writes visibility
// (overlayReader), and that only works when every key an Update touches
// shares one keyspace. A real nested bucket would need its own transaction
// handle and staging, breaking that guarantee mid-batch.

// storage represents a key-value storage backend (Bolt, in-memory, Badger, etc.).
type storage interface {
	// BeginTx starts a new transaction.
	BeginTx(writable bool) (storageTx, error)
	// Close closes the storage.
	Close() error
}

// storageTx represents a storage transaction. Every page gets exactly one
// top-level bucket named after its id; pagestore never needs bbolt's
// nested-bucket or DeleteBucket support, so this only covers what a page
// bucket's lifecycle actually uses.
type storageTx interface {
	// Bucket returns a bucket, or nil if it doesn't exist.
	Bucket(name string) storageBucket

	// CreateBucket creates a bucket if it doesn't exist.
	CreateBucket(name string) (storageBucket, error)

	// Commit commits the transaction.
	Commit() error

	// Rollback aborts the transaction. It should be safe to call multiple times.
	Rollback() error
}

// storageBucket represents a bucket (sorted key-value collection).
type storageBucket interface {
	// Get retrieves a value by key. Returns nil if not found.
	Get(key []byte) []byte

	// Put stores a key-value pair.
	Put(key, value []byte) error

	// Delete removes a key.
	Delete(key []byte) error

	// Cursor returns a cursor for forward iteration.
	Cursor() storageCursor

	// Stats returns storage-specific bucket statistics, surfaced through
	// Page.Stats (monitoring.go). Backends that don't track allocation
	// sizes may return zero values except KeyN.
	Stats() bucketStats
}

type bucketStats struct {
	KeyN        int
	LeafInuse   int64
	LeafAlloc   int64
	BranchAlloc int64
}

func (s bucketStats) TotalAlloc() int64 { return s.BranchAlloc + s.LeafAlloc }

// storageCursor iterates forward over a sorted bucket. Every caller in
// this package (bucketReader.Iterate) does a First-or-Seek followed by
// Next until the prefix runs out; nothing here ever walks backward,
// deletes through a cursor, or seeks to the end of a range, so those
// bbolt.Cursor capabilities aren't part of the contract.
type storageCursor interface {
	// First moves to the first key-value pair.
	First() (key, value []byte)

	// Seek moves to the first key >= seek.
	Seek(seek []byte) (key, value []byte)

	// Next moves to the next key-value pair.
	Next() (key, value []byte)
}
