package pagestore

import (
	"io"
	"sync"
	"time"
)

// This file implements the Page Manager (spec §4.F) and the per-page
// Scheduler (spec §4.J, added): every operation against a page's state
// runs as a closure submitted to that page's single task goroutine, so
// head-set transitions, snapshot pinning and merge scheduling never race
// against each other without needing their own lock.

// defaultSnapshotCacheDepth is the Page Manager's snapshot cache size
// (spec §4.F, added).
const defaultSnapshotCacheDepth = 8

// Page is a page's live, in-memory state: its scheduler goroutine, its
// watcher fanout, and the set of commits currently pinned by open
// snapshots.
type Page struct {
	id       ID
	pb       *PageBackend
	tasks    chan func()
	stopped  chan struct{}
	cache    *snapshotCache
	watchers *WatcherFanout
	resolver Resolver

	mu          sync.Mutex
	pinned      map[CommitID]int
	quarantined error
}

func newPage(id ID, pb *PageBackend) *Page {
	p := &Page{
		id:      id,
		pb:      pb,
		tasks:   make(chan func(), 32),
		stopped: make(chan struct{}),
		cache:   newSnapshotCache(defaultSnapshotCacheDepth),
		pinned:  map[CommitID]int{},
	}
	p.watchers = newWatcherFanout(p.diffRoots)
	go p.run()
	return p
}

// diffRoots recomputes the change set between two B-tree roots on demand;
// it's the function a watcher's coalesce path calls to collapse its
// backlog into one real diff (spec §4.H).
func (p *Page) diffRoots(fromRoot, toRoot ObjectID) ([]PageChange, error) {
	var changes []PageChange
	err := p.pb.View(func(r Reader) error {
		var err error
		changes, err = diffToChanges(r, fromRoot, toRoot)
		return err
	})
	return changes, err
}

// SetResolver installs the Resolver used for automatic merges on this
// page; nil (the default) uses LastWriterWinsResolver.
func (p *Page) SetResolver(r Resolver) {
	p.submit(func() { p.resolver = r })
}

func (p *Page) run() {
	for fn := range p.tasks {
		fn()
	}
	close(p.stopped)
}

// submit runs fn on the page's scheduler goroutine and waits for it to
// finish, giving every exported Page method serialized access to page
// state without an explicit lock (spec §4.J).
func (p *Page) submit(fn func()) {
	done := make(chan struct{})
	p.tasks <- func() { fn(); close(done) }
	<-done
}

// Close stops the page's scheduler and cancels its watchers. Pending
// snapshots remain valid; they hold their own commit reference.
func (p *Page) Close() {
	close(p.tasks)
	<-p.stopped
	p.watchers.Close()
}

func (p *Page) pin(id CommitID) {
	p.mu.Lock()
	p.pinned[id]++
	p.mu.Unlock()
}

func (p *Page) unpin(id CommitID) {
	p.mu.Lock()
	if p.pinned[id] > 0 {
		p.pinned[id]--
		if p.pinned[id] == 0 {
			delete(p.pinned, id)
		}
	}
	p.mu.Unlock()
}

// isPinned reports whether id is held open by a live Snapshot, making it
// ineligible for collection regardless of head reachability (spec §4.F).
func (p *Page) isPinned(id CommitID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pinned[id] > 0
}

// quarantine permanently fails every future operation on this page with
// err once fatal corruption is observed (spec §7: "fatal corruption
// aborts with INTERNAL_ERROR and quarantines the page"). The first error
// wins; later ones are discarded since the page is already unusable.
func (p *Page) quarantine(err error) {
	p.mu.Lock()
	if p.quarantined == nil {
		p.quarantined = err
	}
	p.mu.Unlock()
}

func (p *Page) quarantineErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quarantined
}

// guard quarantines the page on a fatal (INTERNAL_ERROR) failure and
// passes the error through unchanged otherwise.
func (p *Page) guard(err error) error {
	if err != nil && StatusOf(err) == InternalError {
		p.quarantine(err)
	}
	return err
}

func (p *Page) headsView() ([]*Commit, error) {
	var heads []*Commit
	err := p.pb.View(func(r Reader) error {
		var err error
		heads, err = GetHeads(r)
		return err
	})
	return heads, err
}

// GetSnapshot pins and returns a read-isolated view of the page's current
// head (spec §4.F: "the sole current head" when there is one; the most
// recent by generation/id when a merge hasn't yet caught up).
func (p *Page) GetSnapshot() (*Snapshot, error) {
	var snap *Snapshot
	var err error
	p.submit(func() {
		if qe := p.quarantineErr(); qe != nil {
			err = qe
			return
		}
		heads, e := p.headsView()
		if e != nil {
			err = p.guard(e)
			return
		}
		if len(heads) == 0 {
			err = p.guard(statusErr(InternalError, "page has no heads"))
			return
		}
		head := heads[0]
		p.cache.put(head)
		p.pin(head.ID)
		snap = &Snapshot{pb: p.pb, page: p, commit: head}
	})
	return snap, err
}

// StartTransaction opens a journal of the given kind against the page's
// sole current head (spec §4.E/§4.F, §6: "StartTransaction(type)"). It
// fails with IllegalState if the page currently has more than one head;
// retry once the pending automatic merge lands.
func (p *Page) StartTransaction(kind JournalKind) (*Journal, error) {
	var j *Journal
	var err error
	p.submit(func() {
		if qe := p.quarantineErr(); qe != nil {
			err = qe
			return
		}
		heads, e := p.headsView()
		if e != nil {
			err = p.guard(e)
			return
		}
		if len(heads) != 1 {
			err = statusErr(IllegalState, "cannot start a transaction while the page has multiple heads")
			return
		}
		j, err = BeginJournal(p.pb, kind, []CommitID{heads[0].ID})
	})
	return j, err
}

// Put is the IMPLICIT-journal convenience form of a single write: open a
// journal against the page's sole current head, stage one Put, and
// commit it immediately (spec §4.E: "IMPLICIT journals wrap exactly one
// op"), going through the same commitAndSettle path as CommitJournal so
// watchers and automatic merge see it identically to an EXPLICIT commit.
func (p *Page) Put(key, content []byte, priority Priority) (*Commit, error) {
	var result *Commit
	var err error
	p.submit(func() {
		if qe := p.quarantineErr(); qe != nil {
			err = qe
			return
		}
		result, err = p.autoCommit(func(j *Journal) error { return j.Put(key, content, priority) })
		err = p.guard(err)
	})
	return result, err
}

// Delete is Put's counterpart for removing a key.
func (p *Page) Delete(key []byte) (*Commit, error) {
	var result *Commit
	var err error
	p.submit(func() {
		if qe := p.quarantineErr(); qe != nil {
			err = qe
			return
		}
		result, err = p.autoCommit(func(j *Journal) error { return j.Delete(key) })
		err = p.guard(err)
	})
	return result, err
}

// autoCommit runs on the page's scheduler goroutine: it opens an IMPLICIT
// journal against the sole current head, lets stage apply one op to it,
// and commits through commitAndSettle. Staging failures roll the journal
// back rather than leaving it open for a caller that has no handle to it.
func (p *Page) autoCommit(stage func(*Journal) error) (*Commit, error) {
	heads, err := p.headsView()
	if err != nil {
		return nil, err
	}
	if len(heads) != 1 {
		return nil, statusErr(IllegalState, "cannot auto-commit while the page has multiple heads")
	}
	j, err := BeginJournal(p.pb, JournalImplicit, []CommitID{heads[0].ID})
	if err != nil {
		return nil, err
	}
	if err := stage(j); err != nil {
		_ = j.Rollback()
		return nil, err
	}
	return p.commitAndSettle(j)
}

// CommitJournal commits j, publishes the resulting diff to watchers, and
// schedules an automatic merge if the commit leaves the page with
// multiple heads (spec §4.D, §4.G).
func (p *Page) CommitJournal(j *Journal) (*Commit, error) {
	var result *Commit
	var err error
	p.submit(func() {
		if qe := p.quarantineErr(); qe != nil {
			err = qe
			return
		}
		result, err = p.commitAndSettle(j)
		err = p.guard(err)
	})
	return result, err
}

func (p *Page) commitAndSettle(j *Journal) (*Commit, error) {
	c, err := j.Commit()
	if err != nil {
		return nil, err
	}
	if err := p.afterCommit(c); err != nil {
		return nil, err
	}
	return c, nil
}

// afterCommit runs on the page's scheduler goroutine: it fans the new
// commit's diff out to watchers and, if it left more than one head,
// resolves the conflict immediately so the page converges back to a
// single head before the next operation observes it.
func (p *Page) afterCommit(c *Commit) error {
	if len(c.Parents) > 0 {
		var changes []PageChange
		var baseRoot ObjectID
		err := p.pb.View(func(r Reader) error {
			base, ok, err := GetCommit(r, c.Parents[0])
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			baseRoot = base.RootID
			var err2 error
			changes, err2 = diffToChanges(r, base.RootID, c.RootID)
			return err2
		})
		if err != nil {
			return err
		}
		p.watchers.Publish(baseRoot, c.RootID, changes)
	}

	heads, err := p.headsView()
	if err != nil {
		return err
	}
	if len(heads) < 2 {
		return nil
	}
	merged, err := Merge(p.pb, heads[0], heads[1], p.resolver)
	if err != nil {
		return err
	}
	return p.afterCommit(merged)
}

// CreateReference stages content read from data as an object without
// binding it to any key yet, so a large value can be streamed once and
// later attached to one or more keys via Journal.PutRef (spec §6). A
// negative size accepts any length; a non-negative size that the stream
// doesn't match exactly, in either direction, fails with IO_ERROR.
func (p *Page) CreateReference(size int64, data io.Reader) (ObjectID, error) {
	if qe := p.quarantineErr(); qe != nil {
		return ObjectID{}, qe
	}
	content, err := readExactSize(data, size)
	if err != nil {
		return ObjectID{}, err
	}
	var id ObjectID
	err = p.pb.Update(func(r Reader, wb *WriteBatch) error {
		id = AddObject(r, wb, content)
		MarkUntracked(wb, id)
		return nil
	})
	return id, err
}

func readExactSize(data io.Reader, size int64) ([]byte, error) {
	if size < 0 {
		b, err := io.ReadAll(data)
		if err != nil {
			return nil, statusErrf(IOError, err, "reading reference stream")
		}
		return b, nil
	}
	buf := make([]byte, size)
	n, err := io.ReadFull(data, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, statusErrf(IOError, err, "reading reference stream")
	}
	if int64(n) != size {
		return nil, statusErr(IOError, "reference stream shorter than advertised size")
	}
	var extra [1]byte
	if m, _ := data.Read(extra[:]); m > 0 {
		return nil, statusErr(IOError, "reference stream longer than advertised size")
	}
	return buf, nil
}

// CollectGarbage releases every commit, node and value object that is no
// longer reachable from a head or an open snapshot (spec §4.F: "deleted
// only by GC when unreachable from all heads and no live snapshot pins
// them"). Ancestors of a retained commit are retained too, since the
// Merger needs an unbroken lineage back to FindCommonAncestor.
func (p *Page) CollectGarbage() error {
	var err error
	p.submit(func() {
		if qe := p.quarantineErr(); qe != nil {
			err = qe
			return
		}
		err = p.guard(p.collectGarbage())
	})
	return err
}

func (p *Page) collectGarbage() error {
	p.mu.Lock()
	var pinned []CommitID
	for id, n := range p.pinned {
		if n > 0 {
			pinned = append(pinned, id)
		}
	}
	p.mu.Unlock()

	return p.pb.Update(func(r Reader, wb *WriteBatch) error {
		heads, err := GetHeads(r)
		if err != nil {
			return err
		}
		frontier := make([]CommitID, 0, len(heads)+len(pinned))
		for _, h := range heads {
			frontier = append(frontier, h.ID)
		}
		frontier = append(frontier, pinned...)

		retained := map[CommitID]bool{}
		for len(frontier) > 0 {
			var next []CommitID
			for _, id := range frontier {
				if retained[id] {
					continue
				}
				retained[id] = true
				c, ok, err := GetCommit(r, id)
				if err != nil {
					return err
				}
				if ok {
					next = append(next, c.Parents...)
				}
			}
			frontier = next
		}

		var dead []*Commit
		var iterErr error
		r.Iterate([]byte(commitPrefix), func(k, v []byte) bool {
			id, ok := objectIDFromBytes(k[len(commitPrefix):])
			if !ok || retained[id] {
				return true
			}
			rec, err := decodeCommitRecord(v)
			if err != nil {
				iterErr = err
				return false
			}
			dead = append(dead, toCommit(id, rec))
			return true
		})
		if iterErr != nil {
			return iterErr
		}
		for _, c := range dead {
			if err := ReleaseCommitRoot(r, wb, c.RootID); err != nil {
				return err
			}
			wb.Delete(commitKey(c.ID))
		}
		return nil
	})
}

// Watch registers a new watcher on this page and pins its current head as
// the subscription's InitialState (spec §4.H, spec: "immediately deliver
// OnInitialState(snapshot_of_current_head) and subsequently OnChange").
// This can't delegate to GetSnapshot, since GetSnapshot itself calls
// submit and Watch's own closure already runs on the scheduler goroutine
// GetSnapshot would try to submit to.
func (p *Page) Watch() (Subscription, error) {
	var sub Subscription
	var err error
	p.submit(func() {
		if qe := p.quarantineErr(); qe != nil {
			err = qe
			return
		}
		heads, e := p.headsView()
		if e != nil {
			err = p.guard(e)
			return
		}
		if len(heads) == 0 {
			err = p.guard(statusErr(InternalError, "page has no heads"))
			return
		}
		head := heads[0]
		p.cache.put(head)
		p.pin(head.ID)
		sub = p.watchers.Add()
		sub.InitialState = &Snapshot{pb: p.pb, page: p, commit: head}
	})
	return sub, err
}

// PageManager owns every page opened against one Backend (spec §4.F).
type PageManager struct {
	be *Backend

	mu    sync.Mutex
	pages map[ID]*Page
}

// NewPageManager returns a manager backed by be.
func NewPageManager(be *Backend) *PageManager {
	return &PageManager{be: be, pages: map[ID]*Page{}}
}

// OpenPage returns the live Page for id, initializing it with a genesis
// commit on first use (spec §3, §4.F).
func (pm *PageManager) OpenPage(id ID) (*Page, error) {
	pm.mu.Lock()
	if p, ok := pm.pages[id]; ok {
		pm.mu.Unlock()
		return p, nil
	}
	pm.mu.Unlock()

	pb := pm.be.PageBucket(id)

	// Recovery (spec §4.E): a journal left dangling by a process that
	// crashed or exited between BeginJournal and Commit/Rollback has no
	// business surviving into this run, since its staged state was never
	// promised to anyone. Do this before touching the head set so a
	// recovered rollback's refcount adjustments land first.
	if err := recoverJournals(pb, pb.be.logAttrs); err != nil {
		return nil, err
	}

	err := pb.Update(func(r Reader, wb *WriteBatch) error {
		heads, err := GetHeads(r)
		if err != nil {
			return err
		}
		if len(heads) == 0 {
			GenesisCommit(r, wb, time.Now())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	if p, ok := pm.pages[id]; ok {
		return p, nil
	}
	p := newPage(id, pb)
	pm.pages[id] = p
	return p, nil
}

// ClosePage stops id's scheduler and cancels its watchers. Open snapshots
// remain readable.
func (pm *PageManager) ClosePage(id ID) {
	pm.mu.Lock()
	p, ok := pm.pages[id]
	delete(pm.pages, id)
	pm.mu.Unlock()
	if ok {
		p.Close()
	}
}

// CloseAll stops every open page's scheduler.
func (pm *PageManager) CloseAll() {
	pm.mu.Lock()
	pages := pm.pages
	pm.pages = map[ID]*Page{}
	pm.mu.Unlock()
	for _, p := range pages {
		p.Close()
	}
}
