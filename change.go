package pagestore

// PageChange is one key's transition delivered to a watcher (spec §4.H).
// Op is ChangeOpPut for a new or modified key and ChangeOpDelete for a
// removed one; OldEntry is unset for a put on a new key and a
// ChangeOpDelete never carries a NewEntry.
type PageChange struct {
	Key      []byte
	Op       ChangeOp
	OldEntry *Entry
	NewEntry *Entry
}

// ChangeOp classifies a PageChange.
type ChangeOp int

const (
	ChangeOpPut ChangeOp = iota
	ChangeOpDelete
)

func (v ChangeOp) String() string {
	if v == ChangeOpDelete {
		return "delete"
	}
	return "put"
}

// diffToChanges runs Diff between two roots and collects the result as a
// PageChange slice, the shape the Watcher Fanout delivers to subscribers.
func diffToChanges(r Reader, oldRoot, newRoot ObjectID) ([]PageChange, error) {
	var changes []PageChange
	err := Diff(r, oldRoot, newRoot, func(key []byte, oldEntry, newEntry *Entry) bool {
		op := ChangeOpPut
		if newEntry == nil {
			op = ChangeOpDelete
		}
		changes = append(changes, PageChange{Key: key, Op: op, OldEntry: oldEntry, NewEntry: newEntry})
		return true
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}
