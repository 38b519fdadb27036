package pagestore

import "encoding/binary"

// This file implements the Object Store (spec §4.B): a content-addressed
// blob store layered on the KV Backend, with reference counts and
// untracked-object tracking. All methods operate against the Reader/
// WriteBatch pair of one in-flight PageBackend.Update, so refcount changes
// commit atomically with whatever structure refers to the object (spec
// §4.B: "IncRef/DecRef operate through the batch API").

const (
	objPrefix       = "O/"
	refPrefix       = "R/"
	untrackedPrefix = "U/"
	syncPrefix      = "S/"
)

func objKey(id ObjectID) []byte       { return append([]byte(objPrefix), id.Bytes()...) }
func refKey(id ObjectID) []byte       { return append([]byte(refPrefix), id.Bytes()...) }
func untrackedKey(id ObjectID) []byte { return append([]byte(untrackedPrefix), id.Bytes()...) }
func syncKey(id ObjectID) []byte      { return append([]byte(syncPrefix), id.Bytes()...) }

// SyncStatus records whether an object's content has been shipped by the
// (out of scope) replication layer.
type SyncStatus byte

const (
	Unsynced SyncStatus = iota
	Synced
)

// AddObject stores content, returning its content-derived ObjectID.
// Idempotent: re-adding identical content is a no-op write, and always
// returns the same id (spec §4.B, invariant 3's content-addressing).
func AddObject(r Reader, wb *WriteBatch, content []byte) ObjectID {
	id := hashObjectID(content)
	if _, ok := r.Get(objKey(id)); !ok {
		wb.Put(objKey(id), content)
	}
	return id
}

// GetObject retrieves content by id, or reports it missing.
func GetObject(r Reader, id ObjectID) ([]byte, bool) {
	return r.Get(objKey(id))
}

func getRefCount(r Reader, id ObjectID) uint64 {
	v, ok := r.Get(refKey(id))
	if !ok {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func putRefCount(wb *WriteBatch, id ObjectID, n uint64) {
	if n == 0 {
		wb.Delete(refKey(id))
		return
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	wb.Put(refKey(id), buf[:])
}

// IncRef increments id's reference count by delta (spec §4.B).
func IncRef(r Reader, wb *WriteBatch, id ObjectID, delta uint64) {
	putRefCount(wb, id, getRefCount(r, id)+delta)
}

// DecRef decrements id's reference count by delta. If the count reaches
// zero on a tracked (non-untracked) object, the object's content and
// refcount record are removed in the same batch (spec §4.B).
func DecRef(r Reader, wb *WriteBatch, id ObjectID, delta uint64) {
	cur := getRefCount(r, id)
	var next uint64
	if delta >= cur {
		next = 0
	} else {
		next = cur - delta
	}
	putRefCount(wb, id, next)
	if next == 0 && !IsUntracked(r, id) {
		wb.Delete(objKey(id))
	}
}

// MarkUntracked flags id as created by a journal but not yet incorporated
// into any committed tree; its lifetime is owned by the journal's
// per-object counters rather than by commit refcounts (spec §4.B, §9).
func MarkUntracked(wb *WriteBatch, id ObjectID) {
	wb.Put(untrackedKey(id), nil)
}

// MarkTracked clears the untracked flag, transferring ownership of id's
// lifetime to commit refcounts.
func MarkTracked(wb *WriteBatch, id ObjectID) {
	wb.Delete(untrackedKey(id))
}

// IsUntracked reports whether id currently carries the untracked flag.
func IsUntracked(r Reader, id ObjectID) bool {
	_, ok := r.Get(untrackedKey(id))
	return ok
}

// SetSyncStatus records id's sync status (spec §4.B); consulted only by
// the out-of-scope replication layer.
func SetSyncStatus(wb *WriteBatch, id ObjectID, status SyncStatus) {
	wb.Put(syncKey(id), []byte{byte(status)})
}

// GetSyncStatus returns id's recorded sync status, defaulting to Unsynced
// for an object with no recorded status.
func GetSyncStatus(r Reader, id ObjectID) SyncStatus {
	v, ok := r.Get(syncKey(id))
	if !ok || len(v) == 0 {
		return Unsynced
	}
	return SyncStatus(v[0])
}
