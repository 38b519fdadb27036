package pagestore

import (
	"bytes"
	"testing"
	"time"
)

func TestPage_StartTransactionRequiresSingleHead(t *testing.T) {
	p := newTestPage(t)
	base := mustPut(t, p, "k", "v0")

	j1, err := BeginJournal(p.pb, JournalExplicit, []CommitID{base.ID})
	if err != nil {
		t.Fatalf("BeginJournal() failed: %v", err)
	}
	if err := j1.Put([]byte("k"), []byte("left"), EAGER); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if _, err := j1.Commit(); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	j2, err := BeginJournal(p.pb, JournalExplicit, []CommitID{base.ID})
	if err != nil {
		t.Fatalf("BeginJournal() failed: %v", err)
	}
	if err := j2.Put([]byte("k"), []byte("right"), EAGER); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if _, err := j2.Commit(); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	if _, err := p.StartTransaction(JournalExplicit); StatusOf(err) != IllegalState {
		t.Fatalf("StartTransaction() with 2 heads = %v, wanted IllegalState", err)
	}
}

func TestPage_CommitJournalTriggersAutomaticMerge(t *testing.T) {
	p := newTestPage(t)
	base := mustPut(t, p, "name", "base")

	j1, err := p.StartTransaction(JournalExplicit)
	if err != nil {
		t.Fatalf("StartTransaction() failed: %v", err)
	}
	if err := j1.Put([]byte("name"), []byte("Alice"), EAGER); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	// A second, independent journal diverges from the same base so that
	// committing j1 leaves two heads and triggers the automatic merge.
	j2, err := BeginJournal(p.pb, JournalExplicit, []CommitID{base.ID})
	if err != nil {
		t.Fatalf("BeginJournal() failed: %v", err)
	}
	if err := j2.Put([]byte("name"), []byte("Bob"), EAGER); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if _, err := j2.Commit(); err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	if _, err := p.CommitJournal(j1); err != nil {
		t.Fatalf("CommitJournal() failed: %v", err)
	}

	heads, err := p.headsView()
	if err != nil {
		t.Fatalf("headsView() failed: %v", err)
	}
	if len(heads) != 1 {
		t.Fatalf("GetHeads() returned %d heads after merge, wanted 1", len(heads))
	}
}

func TestPage_WatchReceivesCommittedChanges(t *testing.T) {
	p := newTestPage(t)
	sub, err := p.Watch()
	if err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}
	defer sub.Cancel()
	defer sub.InitialState.Close()

	mustPut(t, p, "name", "Alice")

	select {
	case batch := <-sub.Change:
		if len(batch) != 1 || string(batch[0].Key) != "name" {
			t.Fatalf("batch = %v, wanted one change for key name", batch)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for watcher delivery")
	}
	sub.Ack <- struct{}{}
}

func TestPage_WatchDeliversInitialSnapshotBeforeAnyChange(t *testing.T) {
	p := newTestPage(t)
	mustPut(t, p, "name", "Alice")

	sub, err := p.Watch()
	if err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}
	defer sub.Cancel()

	if sub.InitialState == nil {
		t.Fatalf("InitialState is nil, wanted a snapshot of the current head")
	}
	defer sub.InitialState.Close()

	v, err := sub.InitialState.Get([]byte("name"))
	if err != nil {
		t.Fatalf("InitialState.Get() failed: %v", err)
	}
	if string(v) != "Alice" {
		t.Fatalf("InitialState.Get(name) = %q, wanted \"Alice\"", v)
	}

	select {
	case batch := <-sub.Change:
		t.Fatalf("received unexpected OnChange batch before any mutation: %v", batch)
	default:
	}

	mustPut(t, p, "name", "Bob")
	select {
	case batch := <-sub.Change:
		if len(batch) != 1 || string(batch[0].Key) != "name" {
			t.Fatalf("batch = %v, wanted one change for key name", batch)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for watcher delivery")
	}
	sub.Ack <- struct{}{}
}

func TestPage_SnapshotPinSurvivesLaterCommits(t *testing.T) {
	p := newTestPage(t)
	mustPut(t, p, "k", "v1")

	snap, err := p.GetSnapshot()
	if err != nil {
		t.Fatalf("GetSnapshot() failed: %v", err)
	}

	mustPut(t, p, "k", "v2")
	mustPut(t, p, "k", "v3")

	got, err := snap.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get() on pinned snapshot failed: %v", err)
	}
	if string(got) != "v1" {
		t.Fatalf("pinned snapshot returned %q, wanted v1", got)
	}

	if !p.isPinned(snap.CommitID()) {
		t.Fatalf("snapshot's commit is not reported as pinned")
	}
	snap.Close()
	if p.isPinned(snap.CommitID()) {
		t.Fatalf("commit still pinned after Close()")
	}
}

func TestPage_CollectGarbageKeepsPinnedSnapshotReadable(t *testing.T) {
	p := newTestPage(t)
	mustPut(t, p, "k", "v1")

	snap, err := p.GetSnapshot()
	if err != nil {
		t.Fatalf("GetSnapshot() failed: %v", err)
	}
	pinnedCommit := snap.CommitID()

	mustPut(t, p, "k", "v2")
	mustPut(t, p, "k", "v3")

	if err := p.CollectGarbage(); err != nil {
		t.Fatalf("CollectGarbage() failed: %v", err)
	}

	got, err := snap.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get() on pinned snapshot after GC failed: %v", err)
	}
	if string(got) != "v1" {
		t.Fatalf("pinned snapshot after GC returned %q, wanted v1", got)
	}

	var stillThere bool
	if err := p.pb.View(func(r Reader) error {
		_, stillThere, err = GetCommit(r, pinnedCommit)
		return err
	}); err != nil {
		t.Fatalf("reading commit record failed: %v", err)
	}
	if !stillThere {
		t.Fatalf("GC collected a commit pinned by a live snapshot")
	}
	snap.Close()

	head, err := p.headsView()
	if err != nil {
		t.Fatalf("headsView() failed: %v", err)
	}
	if err := p.CollectGarbage(); err != nil {
		t.Fatalf("second CollectGarbage() failed: %v", err)
	}
	if err := p.pb.View(func(r Reader) error {
		_, stillThere, err = GetCommit(r, pinnedCommit)
		return err
	}); err != nil {
		t.Fatalf("reading commit record failed: %v", err)
	}
	if !stillThere {
		t.Fatalf("GC collected commit %v, an ancestor of head %v", pinnedCommit, head[0].ID)
	}
}

func TestPage_PutAndDeleteUseImplicitJournal(t *testing.T) {
	p := newTestPage(t)

	if _, err := p.Put([]byte("k"), []byte("v1"), EAGER); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	snap, err := p.GetSnapshot()
	if err != nil {
		t.Fatalf("GetSnapshot() failed: %v", err)
	}
	got, err := snap.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if string(got) != "v1" {
		t.Fatalf("Get(k) = %q, wanted v1", got)
	}
	snap.Close()

	if _, err := p.Delete([]byte("k")); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	snap, err = p.GetSnapshot()
	if err != nil {
		t.Fatalf("GetSnapshot() failed: %v", err)
	}
	defer snap.Close()
	if _, err := snap.Get([]byte("k")); StatusOf(err) != KeyNotFound {
		t.Fatalf("Get(k) after Delete() = %v, wanted KEY_NOT_FOUND", err)
	}
}

// TestPage_PutRetainsRefcountAfterCommit exercises the scenario a single
// Put then Commit walks through (spec §8 scenario 1): the new value's
// object must end up with a durable refcount >= 1, not zero, once it is
// woven into the new head (invariant 5). storeNode's IncRef and Commit's
// staging-cancellation DecRef both touch the same object id inside one
// PageBackend.Update call, so this only holds if that Update's Reader
// reflects the batch's own prior writes.
func TestPage_PutRetainsRefcountAfterCommit(t *testing.T) {
	p := newTestPage(t)
	c := mustPut(t, p, "k", "v1")

	var objID ObjectID
	if err := p.pb.View(func(r Reader) error {
		n, err := loadNode(r, c.RootID)
		if err != nil {
			return err
		}
		objID = n.Entries[0].ObjectID
		return nil
	}); err != nil {
		t.Fatalf("loading root node failed: %v", err)
	}

	var count uint64
	if err := p.pb.View(func(r Reader) error {
		count = getRefCount(r, objID)
		return nil
	}); err != nil {
		t.Fatalf("reading refcount failed: %v", err)
	}
	if count < 1 {
		t.Fatalf("refcount for committed object = %d, wanted >= 1", count)
	}
}

func TestPage_CreateReferenceSizeMismatch(t *testing.T) {
	p := newTestPage(t)

	data := []byte("hello world")
	if _, err := p.CreateReference(int64(len(data)), bytes.NewReader(data)); err != nil {
		t.Fatalf("CreateReference() with correct size failed: %v", err)
	}
	if _, err := p.CreateReference(int64(len(data)+1), bytes.NewReader(data)); StatusOf(err) != IOError {
		t.Fatalf("CreateReference() with oversized advertised size = %v, wanted IO_ERROR", err)
	}
	if _, err := p.CreateReference(int64(len(data)-1), bytes.NewReader(data)); StatusOf(err) != IOError {
		t.Fatalf("CreateReference() with undersized advertised size = %v, wanted IO_ERROR", err)
	}
	if _, err := p.CreateReference(-1, bytes.NewReader(data)); err != nil {
		t.Fatalf("CreateReference() with unknown size failed: %v", err)
	}
}

func TestPage_CreateReferenceThenPutRef(t *testing.T) {
	p := newTestPage(t)
	data := []byte("a large buffer-typed value")

	id, err := p.CreateReference(int64(len(data)), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("CreateReference() failed: %v", err)
	}

	j, err := p.StartTransaction(JournalExplicit)
	if err != nil {
		t.Fatalf("StartTransaction() failed: %v", err)
	}
	if err := j.PutRef([]byte("blob"), id, EAGER); err != nil {
		t.Fatalf("PutRef() failed: %v", err)
	}
	if _, err := p.CommitJournal(j); err != nil {
		t.Fatalf("CommitJournal() failed: %v", err)
	}

	snap, err := p.GetSnapshot()
	if err != nil {
		t.Fatalf("GetSnapshot() failed: %v", err)
	}
	defer snap.Close()
	got, err := snap.Get([]byte("blob"))
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("Get(blob) = %q, wanted %q", got, data)
	}
}
