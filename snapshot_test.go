package pagestore

import "testing"

func TestSnapshot_GetPartial(t *testing.T) {
	p := newTestPage(t)
	mustPut(t, p, "name", "Alice")

	snap, err := p.GetSnapshot()
	if err != nil {
		t.Fatalf("GetSnapshot() failed: %v", err)
	}
	defer snap.Close()

	cases := []struct {
		offset, maxSize int
		want            string
	}{
		{0, -1, "Alice"},
		{4, -1, "e"},
		{5, -1, ""},
		{6, -1, ""},
		{2, 1, "i"},
		{2, 0, ""},
		{-5, -1, "Alice"},
		{-1, -1, "e"},
		{-3, 1, "i"},
	}
	for _, c := range cases {
		got, err := snap.GetPartial([]byte("name"), c.offset, c.maxSize)
		if err != nil {
			t.Fatalf("GetPartial(%d, %d) failed: %v", c.offset, c.maxSize, err)
		}
		if string(got) != c.want {
			t.Fatalf("GetPartial(%d, %d) = %q, wanted %q", c.offset, c.maxSize, got, c.want)
		}
	}
}

func TestSnapshot_GetEntriesPrefixFiltering(t *testing.T) {
	p := newTestPage(t)
	j, err := p.StartTransaction(JournalExplicit)
	if err != nil {
		t.Fatalf("StartTransaction() failed: %v", err)
	}
	for _, k := range []string{"00A", "00B", "01A", "01B"} {
		if err := j.Put([]byte(k), []byte("v"), EAGER); err != nil {
			t.Fatalf("Put(%s) failed: %v", k, err)
		}
	}
	if _, err := p.CommitJournal(j); err != nil {
		t.Fatalf("CommitJournal() failed: %v", err)
	}

	snap, err := p.GetSnapshot()
	if err != nil {
		t.Fatalf("GetSnapshot() failed: %v", err)
	}
	defer snap.Close()

	cases := []struct {
		prefix string
		want   int
	}{
		{"", 4},
		{"0", 4},
		{"00", 2},
		{"01A", 1},
		{"5", 0},
	}
	for _, c := range cases {
		entries, _, err := snap.GetEntries([]byte(c.prefix), nil, 0)
		if err != nil {
			t.Fatalf("GetEntries(%q) failed: %v", c.prefix, err)
		}
		if len(entries) != c.want {
			t.Fatalf("GetEntries(%q) returned %d entries, wanted %d", c.prefix, len(entries), c.want)
		}
	}
}

func TestSnapshot_KeyNotFound(t *testing.T) {
	p := newTestPage(t)
	snap, err := p.GetSnapshot()
	if err != nil {
		t.Fatalf("GetSnapshot() failed: %v", err)
	}
	defer snap.Close()

	if _, err := snap.Get([]byte("missing")); err != ErrKeyNotFound {
		t.Fatalf("Get() = %v, wanted ErrKeyNotFound", err)
	}
}
