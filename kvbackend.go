package pagestore

import (
	"bytes"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"

	"github.com/andreyvit/pagestore/wal"
)

// Backend is the KV Backend (spec §4.A): the sole shared durable resource.
// One Backend instance is opened per process and shared by every page;
// each page gets its own top-level bucket, named by page id, holding that
// page's namespaces as flat prefixed keys (see kv.go).
type Backend struct {
	st   storage
	log  *wal.Log // nil for the in-memory backend
	logf func(format string, args ...any)
}

// BackendOptions configures OpenBackend.
type BackendOptions struct {
	Logf    func(format string, args ...any)
	Logger  *slog.Logger
	Verbose bool
	// InMemory selects the transient backend used by tests in place of Bolt.
	InMemory bool
}

// OpenBackend opens (creating if necessary) the Bolt-backed durable KV
// Backend at path, alongside its write-ahead log in the same directory.
func OpenBackend(path string, opt BackendOptions) (*Backend, error) {
	if opt.InMemory {
		return &Backend{st: newMemStorage(), logf: opt.Logf}, nil
	}

	bdb, err := bbolt.Open(path, 0666, bbolt.DefaultOptions)
	if err != nil {
		return nil, fmt.Errorf("pagestore: opening backend: %w", err)
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	l := wal.New(dir, wal.Options{
		FileName: base + ".*.wal",
		Logger:   opt.Logger,
		Verbose:  opt.Verbose,
	})
	l.StartWriting()

	be := &Backend{
		st:   newBoltStorage(bdb),
		log:  l,
		logf: opt.Logf,
	}

	// The WAL only ever needs to detect torn multi-batch sequences; since
	// each batch is a single atomic bbolt transaction, there is nothing to
	// redo. Replay hands back every committed record still in the log; each
	// is decoded back to the page bucket and op count it described and
	// logged. A torn tail record is not handed back, and the segment files
	// are left as they are on disk.
	err = wal.Replay(dir, wal.Options{FileName: base + ".*.wal"}, func(rec wal.Record) error {
		var batch walBatchRecord
		if err := msgpack.Unmarshal(rec.Data, &batch); err != nil {
			return nil // pre-existing or corrupted payload; nothing to recover
		}
		be.logAttrs("pagestore: discarding stale wal record for page %q written at %s (%d ops)",
			batch.Bucket, time.Unix(int64(rec.Timestamp), 0).UTC(), len(batch.Ops))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("pagestore: replaying wal: %w", err)
	}

	return be, nil
}

func (be *Backend) Close() error {
	if be.log != nil {
		be.log.FinishWriting()
	}
	return be.st.Close()
}

func (be *Backend) logAttrs(format string, args ...any) {
	if be.logf != nil {
		be.logf(format, args...)
	}
}

// PageBucket returns a handle scoped to the given page's bucket.
func (be *Backend) PageBucket(pageID ID) *PageBackend {
	return &PageBackend{be: be, name: string(pageID)}
}

// PageBackend is a Backend handle scoped to one page's bucket namespace.
type PageBackend struct {
	be   *Backend
	name string
}

// View runs fn against a read-only snapshot of the page's bucket.
func (pb *PageBackend) View(fn func(r Reader) error) error {
	tx, err := pb.be.st.BeginTx(false)
	if err != nil {
		return statusErrf(IOError, err, "pagestore: begin read tx")
	}
	defer tx.Rollback()

	b := tx.Bucket(pb.name)
	if b == nil {
		return fn(emptyReader{})
	}
	return fn(bucketReader{b})
}

// Update reads the page's state as of the start of the call, lets fn stage
// Put/Delete calls into an in-memory batch against that view, durably
// records the batch's intent to the WAL, then applies it to the KV
// Backend in one atomic storage transaction (spec §4.A: "either all or
// none become visible"). fn's Reader is overlaid with the batch's own
// staged writes (read-your-own-writes), so a Get or Iterate issued after
// a Put/Delete already reflects it — required for callers like refcount
// maintenance that read-modify-write the same key more than once within
// one Update (spec §4.E Put/Delete: "reads prior staged value for key").
func (pb *PageBackend) Update(fn func(r Reader, b *WriteBatch) error) error {
	wb := &WriteBatch{}
	var readErr error
	err := pb.View(func(r Reader) error {
		readErr = fn(overlayReader{base: r, wb: wb}, wb)
		return nil
	})
	if err != nil {
		return err
	}
	if readErr != nil {
		return readErr
	}
	if len(wb.ops) == 0 {
		return nil
	}

	if pb.be.log != nil {
		payload, err := encodeBatchOps(pb.name, wb.ops)
		if err != nil {
			return statusErrf(InternalError, err, "pagestore: encoding wal record")
		}
		if err := pb.be.log.WriteRecord(uint32(time.Now().Unix()), payload); err != nil {
			return statusErrf(IOError, err, "pagestore: writing wal record")
		}
		if err := pb.be.log.Commit(); err != nil {
			return statusErrf(IOError, err, "pagestore: committing wal record")
		}
	}

	tx, err := pb.be.st.BeginTx(true)
	if err != nil {
		return statusErrf(IOError, err, "pagestore: begin write tx")
	}
	defer tx.Rollback()

	b, err := tx.CreateBucket(pb.name)
	if err != nil {
		return statusErrf(IOError, err, "pagestore: create page bucket")
	}
	for _, op := range wb.ops {
		switch op.kind {
		case opPut:
			if err := b.Put(op.key, op.value); err != nil {
				return statusErrf(IOError, err, "pagestore: put")
			}
		case opDelete:
			if err := b.Delete(op.key); err != nil {
				return statusErrf(IOError, err, "pagestore: delete")
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return statusErrf(IOError, err, "pagestore: commit batch")
	}
	return nil
}

// bucketStats returns the underlying storage's bucket-level statistics for
// this page, or a zero value if the page has no bucket yet.
func (pb *PageBackend) bucketStats() bucketStats {
	var stats bucketStats
	tx, err := pb.be.st.BeginTx(false)
	if err != nil {
		return stats
	}
	defer tx.Rollback()
	if b := tx.Bucket(pb.name); b != nil {
		stats = b.Stats()
	}
	return stats
}

// Reader is a read-only view over one page's keyspace.
type Reader interface {
	// Get returns the value for key, or (nil, false) if absent.
	Get(key []byte) ([]byte, bool)
	// Iterate calls fn for every key with the given prefix in ascending
	// order, stopping early if fn returns false.
	Iterate(prefix []byte, fn func(key, value []byte) bool)
}

type emptyReader struct{}

func (emptyReader) Get(key []byte) ([]byte, bool)                    { return nil, false }
func (emptyReader) Iterate(prefix []byte, fn func(k, v []byte) bool) {}

// overlayReader lets a Reader observe the writes staged so far in an
// in-flight WriteBatch, layered on top of the batch-start base Reader. A
// nil map entry marks a deleted key so a staged delete shadows a value
// still present in base.
type overlayReader struct {
	base Reader
	wb   *WriteBatch
}

func (o overlayReader) Get(key []byte) ([]byte, bool) {
	if v, ok := o.wb.staged[string(key)]; ok {
		if v == nil {
			return nil, false
		}
		return *v, true
	}
	return o.base.Get(key)
}

func (o overlayReader) Iterate(prefix []byte, fn func(k, v []byte) bool) {
	type stagedKV struct {
		key     string
		value   []byte
		deleted bool
	}
	var staged []stagedKV
	for k, v := range o.wb.staged {
		if !strings.HasPrefix(k, string(prefix)) {
			continue
		}
		if v == nil {
			staged = append(staged, stagedKV{key: k, deleted: true})
		} else {
			staged = append(staged, stagedKV{key: k, value: *v})
		}
	}
	sort.Slice(staged, func(i, j int) bool { return staged[i].key < staged[j].key })
	shadowed := make(map[string]bool, len(staged))
	for _, s := range staged {
		shadowed[s.key] = true
	}

	si := 0
	emitStagedBefore := func(before string) bool {
		for si < len(staged) && staged[si].key < before {
			s := staged[si]
			si++
			if !s.deleted && !fn([]byte(s.key), s.value) {
				return false
			}
		}
		return true
	}

	stopped := false
	o.base.Iterate(prefix, func(k, v []byte) bool {
		if !emitStagedBefore(string(k)) {
			stopped = true
			return false
		}
		if shadowed[string(k)] {
			s := staged[si]
			si++
			if s.deleted {
				return true
			}
			return fn([]byte(s.key), s.value)
		}
		return fn(k, v)
	})
	if stopped {
		return
	}
	for si < len(staged) {
		s := staged[si]
		si++
		if !s.deleted && !fn([]byte(s.key), s.value) {
			return
		}
	}
}

type bucketReader struct{ b storageBucket }

func (r bucketReader) Get(key []byte) ([]byte, bool) {
	v := r.b.Get(key)
	if v == nil {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

func (r bucketReader) Iterate(prefix []byte, fn func(k, v []byte) bool) {
	c := r.b.Cursor()
	var k, v []byte
	if len(prefix) == 0 {
		k, v = c.First()
	} else {
		k, v = c.Seek(prefix)
	}
	for k != nil && bytes.HasPrefix(k, prefix) {
		if !fn(k, v) {
			return
		}
		k, v = c.Next()
	}
}

type opKind byte

const (
	opPut opKind = iota
	opDelete
)

type kvOp struct {
	kind  opKind
	key   []byte
	value []byte
}

// WriteBatch accumulates Put/Delete calls for one atomic KV Backend batch.
// staged mirrors ops as a by-key overlay (nil value = deleted) so a Reader
// wrapping the batch's own writes can resolve a key in O(1) instead of
// replaying ops; ops itself remains the ordered log applied to storage and
// encoded to the WAL.
type WriteBatch struct {
	ops    []kvOp
	staged map[string]*[]byte
}

func (wb *WriteBatch) Put(key, value []byte) {
	k := append([]byte(nil), key...)
	v := append([]byte(nil), value...)
	wb.ops = append(wb.ops, kvOp{opPut, k, v})
	if wb.staged == nil {
		wb.staged = map[string]*[]byte{}
	}
	wb.staged[string(k)] = &v
}

func (wb *WriteBatch) Delete(key []byte) {
	k := append([]byte(nil), key...)
	wb.ops = append(wb.ops, kvOp{opDelete, k, nil})
	if wb.staged == nil {
		wb.staged = map[string]*[]byte{}
	}
	wb.staged[string(k)] = nil
}

type walBatchRecord struct {
	Bucket string  `msgpack:"b"`
	Ops    []walOp `msgpack:"o"`
}

type walOp struct {
	Kind  byte   `msgpack:"k"`
	Key   []byte `msgpack:"key"`
	Value []byte `msgpack:"v,omitempty"`
}

func encodeBatchOps(bucket string, ops []kvOp) ([]byte, error) {
	rec := walBatchRecord{Bucket: bucket, Ops: make([]walOp, len(ops))}
	for i, op := range ops {
		rec.Ops[i] = walOp{Kind: byte(op.kind), Key: op.key, Value: op.value}
	}
	return msgpack.Marshal(&rec)
}
