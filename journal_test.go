package pagestore

import (
	"testing"
	"time"
)

// TestJournal_reputIdenticalContentDoesNotLeakOnRelease guards against a
// re-Put of identical content and priority at an already-tracked key
// leaving that object incorrectly flagged untracked. Put re-derives the
// object id by content hash before staging anything, so a byte-identical
// re-Put resolves to the id already woven into the committed tree; if
// that id gets (re-)marked untracked here, Commit's no-op short circuit
// never runs MarkTracked to clear it, and the object becomes permanently
// immune to DecRef's content deletion once its last reference is
// released.
func TestJournal_reputIdenticalContentDoesNotLeakOnRelease(t *testing.T) {
	p := newTestPage(t)
	c1 := mustPut(t, p, "k", "v1")

	c2 := mustPut(t, p, "k", "v1")
	if c2.ID != c1.ID {
		t.Fatalf("re-Put of identical content produced commit %v, wanted the no-op short circuit to return %v", c2.ID, c1.ID)
	}

	objID := hashObjectID([]byte("v1"))
	if err := p.pb.View(func(r Reader) error {
		if IsUntracked(r, objID) {
			t.Fatalf("object %v flagged untracked after being woven into a committed tree", objID)
		}
		return nil
	}); err != nil {
		t.Fatalf("View() failed: %v", err)
	}

	// Simulate the commit becoming unreachable, exactly as
	// collectGarbage's dead-commit branch releases one.
	if err := p.pb.Update(func(r Reader, wb *WriteBatch) error {
		return ReleaseCommitRoot(r, wb, c1.RootID)
	}); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	if err := p.pb.View(func(r Reader) error {
		if _, ok := GetObject(r, objID); ok {
			t.Fatalf("content for %v still present after its last reference was released", objID)
		}
		return nil
	}); err != nil {
		t.Fatalf("View() failed: %v", err)
	}
}

func TestParseJournalID_roundTrips(t *testing.T) {
	id := newJournalID()
	got, ok := parseJournalID(id.String())
	if !ok || got != id {
		t.Fatalf("parseJournalID(%q) = %v, %v, wanted %v, true", id.String(), got, ok, id)
	}
	if _, ok := parseJournalID("not-hex"); ok {
		t.Fatalf("parseJournalID accepted invalid input")
	}
	if _, ok := parseJournalID("ab"); ok {
		t.Fatalf("parseJournalID accepted a short id")
	}
}

// TestRecoverJournals_rollsBackDanglingOpenJournal simulates a page
// reopened after a prior process began a journal and never called Commit
// or Rollback (spec §4.E: "a journal destroyed without Commit or
// Rollback is logged and its staged state is garbage-collected on
// recovery").
func TestRecoverJournals_rollsBackDanglingOpenJournal(t *testing.T) {
	eng, err := Open("", BackendOptions{InMemory: true})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { eng.Close() })

	p, err := eng.OpenPage("test")
	if err != nil {
		t.Fatalf("OpenPage() failed: %v", err)
	}

	j, err := p.StartTransaction(JournalExplicit)
	if err != nil {
		t.Fatalf("StartTransaction() failed: %v", err)
	}
	if err := j.Put([]byte("k"), []byte("v"), EAGER); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	// j is left dangling: neither Commit nor Rollback is ever called,
	// simulating a crash between BeginJournal and journal completion.

	var logs []string
	if err := recoverJournals(p.pb, func(format string, args ...any) {
		logs = append(logs, format)
	}); err != nil {
		t.Fatalf("recoverJournals() failed: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("recoverJournals() logged %d messages, wanted 1", len(logs))
	}

	if err := p.pb.View(func(r Reader) error {
		if _, err := loadJournalMeta(r, j.ID); err == nil {
			t.Fatalf("journal %v meta still present after recovery", j.ID)
		}
		return nil
	}); err != nil {
		t.Fatalf("View() failed: %v", err)
	}

	// Recovery must be idempotent: a second pass over an already-clean
	// page finds nothing to roll back.
	logs = nil
	if err := recoverJournals(p.pb, func(format string, args ...any) {
		logs = append(logs, format)
	}); err != nil {
		t.Fatalf("recoverJournals() failed: %v", err)
	}
	if len(logs) != 0 {
		t.Fatalf("recoverJournals() logged %d messages on a clean page, wanted 0", len(logs))
	}
}

// TestPageManager_OpenPageRecoversDanglingJournal exercises the same
// scenario through the public OpenPage path: a page reopened against a
// backend that already has a dangling OPEN journal in it should recover
// cleanly rather than surfacing that stale state to new callers.
func TestPageManager_OpenPageRecoversDanglingJournal(t *testing.T) {
	be, err := OpenBackend("", BackendOptions{InMemory: true})
	if err != nil {
		t.Fatalf("OpenBackend() failed: %v", err)
	}
	t.Cleanup(func() { be.Close() })

	pb := be.PageBucket(ID("test"))
	if err := pb.Update(func(r Reader, wb *WriteBatch) error {
		GenesisCommit(r, wb, time.Now())
		return nil
	}); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	var parents []CommitID
	if err := pb.View(func(r Reader) error {
		heads, err := GetHeads(r)
		if err != nil {
			return err
		}
		for _, h := range heads {
			parents = append(parents, h.ID)
		}
		return nil
	}); err != nil {
		t.Fatalf("View() failed: %v", err)
	}
	j, err := BeginJournal(pb, JournalExplicit, parents)
	if err != nil {
		t.Fatalf("BeginJournal() failed: %v", err)
	}
	if err := j.Put([]byte("k"), []byte("v"), EAGER); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	pm := NewPageManager(be)
	if _, err := pm.OpenPage(ID("test")); err != nil {
		t.Fatalf("OpenPage() failed: %v", err)
	}

	if err := pb.View(func(r Reader) error {
		if _, err := loadJournalMeta(r, j.ID); err == nil {
			t.Fatalf("dangling journal %v survived OpenPage recovery", j.ID)
		}
		return nil
	}); err != nil {
		t.Fatalf("View() failed: %v", err)
	}
}
