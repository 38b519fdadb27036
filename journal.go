package pagestore

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// This file implements the Journal (spec §4.E): a staging area for a
// batch of Put/Delete operations that becomes one new Commit atomically,
// or is discarded without touching the commit graph. State lives
// entirely in the KV Backend under J/<jid>/*, so a Journal handle is a
// thin, restartable pointer into that state rather than the owner of it.

// JournalID identifies one journal within a page.
type JournalID [8]byte

func newJournalID() JournalID {
	var id JournalID
	if _, err := rand.Read(id[:]); err != nil {
		panic(err) // crypto/rand failing means the platform is unusable
	}
	return id
}

func (id JournalID) String() string { return hex.EncodeToString(id[:]) }

func parseJournalID(s string) (JournalID, bool) {
	var id JournalID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(id) {
		return JournalID{}, false
	}
	copy(id[:], b)
	return id, true
}

// JournalKind distinguishes a single-op auto-committing journal from an
// explicit multi-op transaction (spec §4.E).
type JournalKind byte

const (
	JournalImplicit JournalKind = iota
	JournalExplicit
)

// JournalState is the journal's position in its OPEN -> {FAILED, CLOSED}
// state machine (spec §4.E).
type JournalState byte

const (
	JournalOpen JournalState = iota
	JournalFailed
	JournalClosed
)

const journalNamespace = "J/"

func journalDir(id JournalID) []byte {
	return append([]byte(journalNamespace), []byte(id.String()+"/")...)
}

func journalMetaKey(id JournalID) []byte { return append(journalDir(id), 'M') }

func journalEntryPrefix(id JournalID) []byte { return append(journalDir(id), []byte("E/")...) }

func journalEntryKey(id JournalID, key []byte) []byte {
	return append(journalEntryPrefix(id), key...)
}

func journalCounterPrefix(id JournalID) []byte { return append(journalDir(id), []byte("V/")...) }

func journalCounterKey(id JournalID, objID ObjectID) []byte {
	return append(journalCounterPrefix(id), objID.Bytes()...)
}

type journalMeta struct {
	Kind    JournalKind `msgpack:"k"`
	State   JournalState `msgpack:"s"`
	Parents []CommitID  `msgpack:"p"`
}

func encodeJournalMeta(m *journalMeta) []byte {
	b, err := msgpack.Marshal(m)
	if err != nil {
		panic(err)
	}
	return b
}

func decodeJournalMeta(b []byte) (*journalMeta, error) {
	var m journalMeta
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return nil, dataErrf(b, 0, err, "corrupted journal metadata")
	}
	return &m, nil
}

// stagedOp is what's recorded under J/<jid>/E/<key>: either a pending put
// (Delete=false, Entry populated) or a pending delete (Delete=true).
type stagedOp struct {
	Delete bool  `msgpack:"d,omitempty"`
	Entry  Entry `msgpack:"e"`
}

func encodeStagedOp(op *stagedOp) []byte {
	b, err := msgpack.Marshal(op)
	if err != nil {
		panic(err)
	}
	return b
}

func decodeStagedOp(b []byte) (*stagedOp, error) {
	var op stagedOp
	if err := msgpack.Unmarshal(b, &op); err != nil {
		return nil, dataErrf(b, 0, err, "corrupted staged journal entry")
	}
	return &op, nil
}

// Journal is a handle to one open (or recently closed) transaction
// against a page.
type Journal struct {
	pb *PageBackend
	ID JournalID
}

// BeginJournal opens a new journal against parents (one commit for a
// normal transaction, two for a merge; spec §4.E, §4.G).
func BeginJournal(pb *PageBackend, kind JournalKind, parents []CommitID) (*Journal, error) {
	id := newJournalID()
	meta := &journalMeta{Kind: kind, State: JournalOpen, Parents: append([]CommitID(nil), parents...)}
	err := pb.Update(func(r Reader, wb *WriteBatch) error {
		wb.Put(journalMetaKey(id), encodeJournalMeta(meta))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Journal{pb: pb, ID: id}, nil
}

func loadJournalMeta(r Reader, id JournalID) (*journalMeta, error) {
	b, ok := r.Get(journalMetaKey(id))
	if !ok {
		return nil, statusErr(IllegalState, "unknown journal")
	}
	return decodeJournalMeta(b)
}

// Put stages a write of content under key, replacing any prior staged
// value for key in this journal (spec §4.E).
func (j *Journal) Put(key, content []byte, priority Priority) error {
	if len(key) == 0 || len(key) > MaxKeySize {
		return statusErr(IllegalState, "invalid key size")
	}
	return j.pb.Update(func(r Reader, wb *WriteBatch) error {
		meta, err := loadJournalMeta(r, j.ID)
		if err != nil {
			return err
		}
		if meta.State != JournalOpen {
			return ErrIllegalState
		}
		// Check before AddObject stages anything, since content-addressing
		// means a re-Put of identical content resolves to an id that may
		// already be live and tracked (part of a committed tree). Marking
		// that id untracked here would be wrong: if the resulting change is
		// a no-op (same content, same priority, already at this key),
		// Commit's no-op short circuit never reaches MarkTracked, leaving a
		// reachable object permanently mis-flagged and later immune to
		// GC's content deletion (spec §8: "every unreachable ObjectId is
		// absent from the store" cuts both ways).
		id := hashObjectID(content)
		_, existed := GetObject(r, id)
		alreadyTracked := existed && !IsUntracked(r, id)
		objID := AddObject(r, wb, content)
		if !alreadyTracked {
			MarkUntracked(wb, objID)
		}
		return j.stage(r, wb, key, &Entry{Key: append([]byte(nil), key...), ObjectID: objID, Priority: priority})
	})
}

// PutRef stages a write of key to an object created ahead of time by
// PageHandle.CreateReference, letting a caller stream a large value once
// and bind it to a key later without copying it through the journal
// (spec §6: "JournalHandle.Put(key, ObjectId|inline bytes, priority)").
func (j *Journal) PutRef(key []byte, objID ObjectID, priority Priority) error {
	if len(key) == 0 || len(key) > MaxKeySize {
		return statusErr(IllegalState, "invalid key size")
	}
	return j.pb.Update(func(r Reader, wb *WriteBatch) error {
		meta, err := loadJournalMeta(r, j.ID)
		if err != nil {
			return err
		}
		if meta.State != JournalOpen {
			return ErrIllegalState
		}
		if _, ok := GetObject(r, objID); !ok {
			return statusErr(IllegalState, "unknown object reference")
		}
		return j.stage(r, wb, key, &Entry{Key: append([]byte(nil), key...), ObjectID: objID, Priority: priority})
	})
}

// Delete stages removal of key (spec §4.E).
func (j *Journal) Delete(key []byte) error {
	return j.pb.Update(func(r Reader, wb *WriteBatch) error {
		meta, err := loadJournalMeta(r, j.ID)
		if err != nil {
			return err
		}
		if meta.State != JournalOpen {
			return ErrIllegalState
		}
		return j.stage(r, wb, key, nil)
	})
}

// stage replaces the current staged op for key, adjusting this journal's
// per-object untracked reference counters for the entry being replaced
// and the one taking its place (spec §4.E: "reads prior staged value for
// key").
func (j *Journal) stage(r Reader, wb *WriteBatch, key []byte, newEntry *Entry) error {
	ek := journalEntryKey(j.ID, key)
	if priorRaw, ok := r.Get(ek); ok {
		prior, err := decodeStagedOp(priorRaw)
		if err != nil {
			return err
		}
		if !prior.Delete {
			j.adjustCounter(r, wb, prior.Entry.ObjectID, -1)
		}
	}
	if newEntry == nil {
		wb.Put(ek, encodeStagedOp(&stagedOp{Delete: true}))
		return nil
	}
	wb.Put(ek, encodeStagedOp(&stagedOp{Entry: *newEntry}))
	j.adjustCounter(r, wb, newEntry.ObjectID, 1)
	return nil
}

// adjustCounter maintains this journal's own tally of how many currently
// staged entries reference objID (J/<jid>/V/), and mirrors the change
// into objID's global refcount so it survives until either the journal
// commits (promoting it to tracked) or rolls back (releasing it).
func (j *Journal) adjustCounter(r Reader, wb *WriteBatch, objID ObjectID, delta int) {
	ck := journalCounterKey(j.ID, objID)
	var cur int64
	if v, ok := r.Get(ck); ok && len(v) == 8 {
		cur = int64(beUint64(v))
	}
	next := cur + int64(delta)
	if next <= 0 {
		wb.Delete(ck)
	} else {
		wb.Put(ck, beBytes(uint64(next)))
	}
	if delta > 0 {
		IncRef(r, wb, objID, uint64(delta))
	} else {
		DecRef(r, wb, objID, uint64(-delta))
	}
}

func beUint64(b []byte) uint64 {
	var n uint64
	for _, x := range b {
		n = n<<8 | uint64(x)
	}
	return n
}

func beBytes(n uint64) []byte {
	return []byte{byte(n >> 56), byte(n >> 48), byte(n >> 40), byte(n >> 32), byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
}

// stagedChanges collects this journal's staged operations as a sorted
// EntryChange stream, ready for ApplyChanges.
func (j *Journal) stagedChanges(r Reader) ([]EntryChange, error) {
	var changes []EntryChange
	var err error
	prefix := journalEntryPrefix(j.ID)
	r.Iterate(prefix, func(k, v []byte) bool {
		op, decErr := decodeStagedOp(v)
		if decErr != nil {
			err = decErr
			return false
		}
		key := append([]byte(nil), k[len(prefix):]...)
		if op.Delete {
			changes = append(changes, DeleteChange(key))
		} else {
			changes = append(changes, PutChange(key, op.Entry.ObjectID, op.Entry.Priority))
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// clear removes all J/<jid>/* state.
func (j *Journal) clear(r Reader, wb *WriteBatch) {
	var keys [][]byte
	r.Iterate(journalDir(j.ID), func(k, _ []byte) bool {
		keys = append(keys, append([]byte(nil), k...))
		return true
	})
	for _, k := range keys {
		wb.Delete(k)
	}
}

// Commit applies the journal's staged changes on top of its base (the sole
// parent, or for a two-parent journal the parents' common ancestor) and
// records a new Commit, or, if nothing actually changed, discards the
// journal and returns that base commit unchanged (spec
// §4.E's no-op short circuit, matched from the original Ledger journal's
// Commit()/Rollback() pairing).
func (j *Journal) Commit() (*Commit, error) {
	var result *Commit
	err := j.pb.Update(func(r Reader, wb *WriteBatch) error {
		meta, err := loadJournalMeta(r, j.ID)
		if err != nil {
			return err
		}
		if meta.State != JournalOpen {
			return ErrIllegalState
		}
		if len(meta.Parents) == 0 {
			return statusErr(IllegalState, "journal has no base commit")
		}

		// A single-parent journal applies its changes directly on top of
		// that parent. A two-parent (merge) journal's staged changes are
		// the Merger's resolved deltas relative to the parents' common
		// ancestor, so that's the base ApplyChanges rebuilds from (spec
		// §4.G).
		var base *Commit
		if len(meta.Parents) == 1 {
			var ok bool
			base, ok, err = GetCommit(r, meta.Parents[0])
			if err != nil {
				return err
			}
			if !ok {
				return pageErrf("", "Journal.Commit", meta.Parents[0], ErrCorrupted)
			}
		} else {
			base, err = FindCommonAncestor(r, meta.Parents[0], meta.Parents[1])
			if err != nil {
				return err
			}
		}

		changes, err := j.stagedChanges(r)
		if err != nil {
			return err
		}
		newNodeIDs := map[ObjectID]bool{}
		newRoot, err := ApplyChanges(r, wb, base.RootID, changes, newNodeIDs)
		if err != nil {
			return err
		}

		// The staging-time reference each Put took out (adjustCounter) is
		// only meant to keep the object alive until it's either woven into
		// the new tree (which adds its own, permanent reference) or
		// discarded; cancel it either way so it isn't a permanent leak.
		for _, c := range changes {
			if c.NewEntry != nil {
				DecRef(r, wb, c.NewEntry.ObjectID, 1)
			}
		}

		if newRoot == base.RootID {
			// No-op commit: nothing to record, discard the journal.
			j.clear(r, wb)
			result = base
			return nil
		}

		for id := range newNodeIDs {
			SetSyncStatus(wb, id, Unsynced)
		}
		for _, c := range changes {
			if c.NewEntry != nil && IsUntracked(r, c.NewEntry.ObjectID) {
				MarkTracked(wb, c.NewEntry.ObjectID)
			}
		}

		commit, err := AddCommit(r, wb, newRoot, meta.Parents, time.Now())
		if err != nil {
			return err
		}
		j.clear(r, wb)
		result = commit
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// recoverJournals enumerates every J/<jid>/ entry left in pb and rolls
// back any journal not already JournalClosed (spec §4.E: "a journal
// destroyed without Commit or Rollback is logged and its staged state is
// garbage-collected on recovery"). Commit and Rollback both erase a
// journal's entire J/<jid>/* subtree as their very last step, so in
// practice any journal ID this scan finds at all is one that a prior
// process opened and never finished — Commit or Rollback simply never
// ran to completion, whether because the process crashed or because
// something above them errored out before calling either.
func recoverJournals(pb *PageBackend, logf func(format string, args ...any)) error {
	ids := map[JournalID]bool{}
	err := pb.View(func(r Reader) error {
		r.Iterate([]byte(journalNamespace), func(k, _ []byte) bool {
			rest := k[len(journalNamespace):]
			hexID, _, ok := bytesCut(rest, '/')
			if !ok {
				return true
			}
			if id, ok := parseJournalID(string(hexID)); ok {
				ids[id] = true
			}
			return true
		})
		return nil
	})
	if err != nil {
		return err
	}

	for id := range ids {
		var state JournalState
		var known bool
		err := pb.View(func(r Reader) error {
			meta, err := loadJournalMeta(r, id)
			if err != nil {
				return nil // meta already gone; nothing to roll back
			}
			known = true
			state = meta.State
			return nil
		})
		if err != nil {
			return err
		}
		if !known || state == JournalClosed {
			continue
		}
		j := &Journal{pb: pb, ID: id}
		if logf != nil {
			logf("pagestore: recovering dangling journal %s left open by a prior run, rolling back", id)
		}
		if err := j.Rollback(); err != nil {
			return err
		}
	}
	return nil
}

func bytesCut(b []byte, sep byte) (before, after []byte, found bool) {
	for i, c := range b {
		if c == sep {
			return b[:i], b[i+1:], true
		}
	}
	return b, nil, false
}

// Rollback discards the journal's staged changes without touching the
// commit graph (spec §4.E).
func (j *Journal) Rollback() error {
	return j.pb.Update(func(r Reader, wb *WriteBatch) error {
		meta, err := loadJournalMeta(r, j.ID)
		if err != nil {
			return err
		}
		if meta.State == JournalClosed {
			return ErrIllegalState
		}
		changes, err := j.stagedChanges(r)
		if err != nil {
			return err
		}
		for _, c := range changes {
			if c.NewEntry != nil {
				j.adjustCounter(r, wb, c.NewEntry.ObjectID, -1)
			}
		}
		j.clear(r, wb)
		return nil
	})
}

