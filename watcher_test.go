package pagestore

import (
	"testing"
	"time"
)

func testObjectID(n byte) ObjectID {
	var id ObjectID
	id[7] = n
	return id
}

// noopDiff is used by tests that never let the backlog exceed
// watcherCoalesceLimit, so it should never actually be called.
func noopDiff(fromRoot, toRoot ObjectID) ([]PageChange, error) {
	panic("diff should not be called below the coalesce limit")
}

func TestWatcherFanout_DeliversInOrderAckGated(t *testing.T) {
	f := newWatcherFanout(noopDiff)
	defer f.Close()

	sub := f.Add()
	f.Publish(testObjectID(0), testObjectID(1), []PageChange{{Key: []byte("a"), Op: ChangeOpPut}})
	f.Publish(testObjectID(1), testObjectID(2), []PageChange{{Key: []byte("b"), Op: ChangeOpPut}})

	select {
	case batch := <-sub.Change:
		if len(batch) != 1 || string(batch[0].Key) != "a" {
			t.Fatalf("first batch = %v, wanted [a]", batch)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for first batch")
	}

	// the second batch must not be delivered until the first is acked.
	select {
	case batch := <-sub.Change:
		t.Fatalf("received second batch before ack: %v", batch)
	case <-time.After(20 * time.Millisecond):
	}

	sub.Ack <- struct{}{}

	select {
	case batch := <-sub.Change:
		if len(batch) != 1 || string(batch[0].Key) != "b" {
			t.Fatalf("second batch = %v, wanted [b]", batch)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for second batch")
	}
	sub.Ack <- struct{}{}
}

func TestWatcherFanout_CoalescesPastLimit(t *testing.T) {
	var sawFrom, sawTo ObjectID
	diff := func(fromRoot, toRoot ObjectID) ([]PageChange, error) {
		sawFrom, sawTo = fromRoot, toRoot
		return []PageChange{{Key: []byte("recomputed"), Op: ChangeOpPut}}, nil
	}
	f := newWatcherFanout(diff)
	defer f.Close()

	sub := f.Add()
	for i := 0; i < watcherCoalesceLimit+5; i++ {
		f.Publish(testObjectID(byte(i)), testObjectID(byte(i+1)), []PageChange{{Key: []byte{byte(i)}, Op: ChangeOpPut}})
	}

	select {
	case batch := <-sub.Change:
		if len(batch) != 1 || string(batch[0].Key) != "recomputed" {
			t.Fatalf("coalesced batch = %v, wanted the recomputed diff", batch)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for coalesced batch")
	}
	if sawFrom != testObjectID(0) {
		t.Fatalf("coalesce diffed from %v, wanted the oldest queued cursor (0)", sawFrom)
	}
	if sawTo != testObjectID(byte(watcherCoalesceLimit+1)) {
		t.Fatalf("coalesce diffed to %v, wanted the root of the push that tripped the limit", sawTo)
	}
	sub.Ack <- struct{}{}
}

// TestWatcherFanout_CoalesceRecomputesRoundTrip is the scenario a
// concatenating coalesce gets wrong: a key that changes and changes back
// within the coalesced window nets to no change once the real diff is
// recomputed from the window's start to its end, even though every
// individual queued batch is non-empty (so a naive concatenation of them
// would have delivered spurious changes for it).
func TestWatcherFanout_CoalesceRecomputesRoundTrip(t *testing.T) {
	diff := func(fromRoot, toRoot ObjectID) ([]PageChange, error) {
		return nil, nil // the window's net effect is a no-op
	}
	f := newWatcherFanout(diff)
	defer f.Close()

	sub := f.Add()
	for i := 0; i < watcherCoalesceLimit; i++ {
		f.Publish(testObjectID(byte(i)), testObjectID(byte(i+1)), []PageChange{{Key: []byte("k"), Op: ChangeOpPut}})
	}
	// This push trips the limit; a concatenating coalesce would deliver
	// watcherCoalesceLimit+1 spurious changes for "k", the real recomputed
	// diff correctly reports none.
	f.Publish(testObjectID(watcherCoalesceLimit), testObjectID(watcherCoalesceLimit+1),
		[]PageChange{{Key: []byte("k"), Op: ChangeOpDelete}})

	select {
	case batch := <-sub.Change:
		if len(batch) != 0 {
			t.Fatalf("coalesced batch = %v, wanted no changes for a round-tripped key", batch)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for coalesced batch")
	}
	sub.Ack <- struct{}{}
}

func TestWatcherFanout_CancelStopsDelivery(t *testing.T) {
	f := newWatcherFanout(noopDiff)
	defer f.Close()

	sub := f.Add()
	sub.Cancel()

	f.Publish(testObjectID(0), testObjectID(1), []PageChange{{Key: []byte("x"), Op: ChangeOpPut}})

	select {
	case batch := <-sub.Change:
		t.Fatalf("received a batch on a cancelled watcher: %v", batch)
	case <-time.After(100 * time.Millisecond):
	}
}
