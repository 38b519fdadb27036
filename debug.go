package pagestore

import (
	"fmt"
	"strings"
)

// This file implements a human-readable dump of one page's state: heads,
// the commit graph, and one commit's flattened B-tree entries, gated by
// DumpFlags in a flag-gated, indented-section style.

// DumpFlags selects which sections Page.Dump includes.
type DumpFlags uint64

const (
	DumpHeads = DumpFlags(1 << iota)
	DumpCommits
	DumpEntries
	DumpStats

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

func (f DumpFlags) Contains(v DumpFlags) bool { return (f & v) == v }

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

// Dump renders a human-readable description of the page's current state,
// for diagnostics and tests rather than machine consumption.
func (p *Page) Dump(f DumpFlags) (string, error) {
	var buf strings.Builder
	err := p.pb.View(func(r Reader) error {
		heads, err := GetHeads(r)
		if err != nil {
			return err
		}

		fmt.Fprintln(&buf, dumpSep1)
		fmt.Fprintf(&buf, "page %s (%d head(s))\n", p.id, len(heads))

		if f.Contains(DumpStats) {
			fmt.Fprintln(&buf, dumpSep2)
			var objects, commits int
			r.Iterate([]byte(objPrefix), func(_, _ []byte) bool { objects++; return true })
			r.Iterate([]byte(commitPrefix), func(_, _ []byte) bool { commits++; return true })
			fmt.Fprintf(&buf, "stats: objects=%d commits=%d heads=%d\n", objects, commits, len(heads))
		}

		if f.Contains(DumpHeads) {
			fmt.Fprintln(&buf, dumpSep2)
			for _, h := range heads {
				fmt.Fprintf(&buf, "head %s: root=%s gen=%d ts=%s\n", h.ID, h.RootID, h.Generation, h.Timestamp.Format("2006-01-02T15:04:05Z"))
			}
		}

		if f.Contains(DumpCommits) {
			fmt.Fprintln(&buf, dumpSep2)
			var ids []CommitID
			r.Iterate([]byte(commitPrefix), func(k, _ []byte) bool {
				id, ok := objectIDFromBytes(k[len(commitPrefix):])
				if ok {
					ids = append(ids, id)
				}
				return true
			})
			for _, id := range ids {
				c, ok, err := GetCommit(r, id)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				fmt.Fprintf(&buf, "commit %s: root=%s parents=%v gen=%d\n", c.ID, c.RootID, c.Parents, c.Generation)
			}
		}

		if f.Contains(DumpEntries) && len(heads) > 0 {
			fmt.Fprintln(&buf, dumpSep2)
			entries, err := flatten(r, heads[0].RootID)
			if err != nil {
				return err
			}
			for i, e := range entries {
				fmt.Fprintf(&buf, "entry.%d = %s (%s, %s)\n", i, hexstr(e.Key), e.ObjectID, e.Priority)
			}
		}

		return nil
	})
	return buf.String(), err
}
