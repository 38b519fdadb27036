package pagestore

import (
	"testing"
	"time"
)

func TestMerge_NonConflictingChangesCombine(t *testing.T) {
	p := newTestPage(t)
	base := mustPut(t, p, "shared", "base")

	j1, err := BeginJournal(p.pb, JournalExplicit, []CommitID{base.ID})
	if err != nil {
		t.Fatalf("BeginJournal() failed: %v", err)
	}
	if err := j1.Put([]byte("left-key"), []byte("left-value"), EAGER); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	left, err := j1.Commit()
	if err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	j2, err := BeginJournal(p.pb, JournalExplicit, []CommitID{base.ID})
	if err != nil {
		t.Fatalf("BeginJournal() failed: %v", err)
	}
	if err := j2.Put([]byte("right-key"), []byte("right-value"), EAGER); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	right, err := j2.Commit()
	if err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	merged, err := Merge(p.pb, left, right, nil)
	if err != nil {
		t.Fatalf("Merge() failed: %v", err)
	}
	if len(merged.Parents) != 2 {
		t.Fatalf("merged.Parents = %v, wanted 2 parents", merged.Parents)
	}

	var got map[string]string
	if err := p.pb.View(func(r Reader) error {
		got = map[string]string{}
		for _, key := range []string{"shared", "left-key", "right-key"} {
			e, ok, err := Lookup(r, merged.RootID, []byte(key))
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			b, _ := GetObject(r, e.ObjectID)
			got[key] = string(b)
		}
		return nil
	}); err != nil {
		t.Fatalf("reading merged tree failed: %v", err)
	}

	want := map[string]string{"shared": "base", "left-key": "left-value", "right-key": "right-value"}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("merged[%q] = %q, wanted %q", k, got[k], v)
		}
	}
}

func TestMerge_ConflictResolvedByLastWriterWins(t *testing.T) {
	p := newTestPage(t)
	base := mustPut(t, p, "k", "base")

	j1, err := BeginJournal(p.pb, JournalExplicit, []CommitID{base.ID})
	if err != nil {
		t.Fatalf("BeginJournal() failed: %v", err)
	}
	if err := j1.Put([]byte("k"), []byte("left"), EAGER); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	left, err := j1.Commit()
	if err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	j2, err := BeginJournal(p.pb, JournalExplicit, []CommitID{base.ID})
	if err != nil {
		t.Fatalf("BeginJournal() failed: %v", err)
	}
	if err := j2.Put([]byte("k"), []byte("right"), EAGER); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	right, err := j2.Commit()
	if err != nil {
		t.Fatalf("Commit() failed: %v", err)
	}

	// right committed after left, so the default LWW resolver (by
	// timestamp, right-biased on ties) must pick right's value.
	merged, err := Merge(p.pb, left, right, nil)
	if err != nil {
		t.Fatalf("Merge() failed: %v", err)
	}

	var got string
	if err := p.pb.View(func(r Reader) error {
		e, ok, err := Lookup(r, merged.RootID, []byte("k"))
		if err != nil {
			return err
		}
		if !ok {
			t.Fatalf("merged tree missing key k")
		}
		b, _ := GetObject(r, e.ObjectID)
		got = string(b)
		return nil
	}); err != nil {
		t.Fatalf("reading merged tree failed: %v", err)
	}
	if got != "right" {
		t.Fatalf("merged[k] = %q, wanted right", got)
	}
}

func TestLastWriterWinsResolver_TiesAreRightBiased(t *testing.T) {
	ts := time.Now()
	left := &Entry{Key: []byte("k"), Priority: EAGER}
	right := &Entry{Key: []byte("k"), Priority: EAGER}
	lww := LastWriterWinsResolver{
		Left:  &Commit{ID: testObjectID(1), Timestamp: ts},
		Right: &Commit{ID: testObjectID(2), Timestamp: ts},
	}
	if got := lww.Resolve([]byte("k"), nil, left, right); got != right {
		t.Fatalf("Resolve() on an exact timestamp tie = %v, wanted right unconditionally", got)
	}

	// Swapping which side has the larger CommitID must not change the
	// outcome: the tie-break is right-biased, not ID-magnitude-based.
	lww = LastWriterWinsResolver{
		Left:  &Commit{ID: testObjectID(9), Timestamp: ts},
		Right: &Commit{ID: testObjectID(1), Timestamp: ts},
	}
	if got := lww.Resolve([]byte("k"), nil, left, right); got != right {
		t.Fatalf("Resolve() on a tie with left.ID > right.ID = %v, wanted right unconditionally", got)
	}
}

type rightAlwaysWinsResolver struct{}

func (rightAlwaysWinsResolver) Resolve(key []byte, base, left, right *Entry) *Entry { return right }
