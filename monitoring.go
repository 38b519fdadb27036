package pagestore

// This file reports object/commit/head counts and bucket-level size for
// one page (spec §4.F, added: ambient observability).

// PageStats summarizes one page's on-disk footprint and commit graph
// shape, read directly off its KV Backend bucket.
type PageStats struct {
	Objects int
	Commits int
	Heads   int

	BucketStats bucketStats
}

func (s PageStats) TotalAlloc() int64 { return s.BucketStats.TotalAlloc() }

// Stats computes a page's PageStats as of the current head set. It does a
// full bucket scan for the commit/object counts, so it is meant for
// diagnostics, not hot-path use.
func (p *Page) Stats() (PageStats, error) {
	var stats PageStats
	err := p.pb.View(func(r Reader) error {
		r.Iterate([]byte(objPrefix), func(_, _ []byte) bool { stats.Objects++; return true })
		r.Iterate([]byte(commitPrefix), func(_, _ []byte) bool { stats.Commits++; return true })
		r.Iterate([]byte(headPrefix), func(_, _ []byte) bool { stats.Heads++; return true })
		return nil
	})
	if err != nil {
		return PageStats{}, err
	}
	stats.BucketStats = p.pb.bucketStats()
	return stats, nil
}
