package pagestore

import "testing"

// newTestPage opens an in-memory backend and returns a ready-to-use page.
func newTestPage(t testing.TB) *Page {
	t.Helper()
	eng, err := Open("", BackendOptions{InMemory: true})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { eng.Close() })

	p, err := eng.OpenPage("test")
	if err != nil {
		t.Fatalf("OpenPage() failed: %v", err)
	}
	return p
}

func mustPut(t testing.TB, p *Page, key, value string) *Commit {
	t.Helper()
	j, err := p.StartTransaction(JournalExplicit)
	if err != nil {
		t.Fatalf("StartTransaction() failed: %v", err)
	}
	if err := j.Put([]byte(key), []byte(value), EAGER); err != nil {
		t.Fatalf("Put(%q) failed: %v", key, err)
	}
	c, err := p.CommitJournal(j)
	if err != nil {
		t.Fatalf("CommitJournal() failed: %v", err)
	}
	return c
}
