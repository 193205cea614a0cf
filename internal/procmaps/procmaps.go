package procmaps

import (
	"cmp"
	"slices"
	"strings"

	"github.com/mrzor/pfviz/internal/model"

	"github.com/prometheus/procfs"
)

// Region is one line of /proc/<pid>/maps.
type Region struct {
	Start  uint64
	End    uint64
	Offset uint64
	Path   string
	Perms  string
}

type regionKey struct {
	start, end, offset uint64
	path               string
}

func (r Region) key() regionKey {
	return regionKey{start: r.Start, end: r.End, offset: r.Offset, path: r.Path}
}

// fileBacked reports whether the region is backed by a file rather than
// anonymous memory or a kernel pseudo-mapping such as [heap] or [vdso].
func (r Region) fileBacked() bool {
	return r.Path != "" && !strings.HasPrefix(r.Path, "[")
}

func fromProcMap(m *procfs.ProcMap) Region {
	return Region{
		Start:  uint64(m.StartAddr),
		End:    uint64(m.EndAddr),
		Offset: uint64(m.Offset), //nolint:gosec // file offsets are non-negative
		Path:   m.Pathname,
		Perms:  permString(m.Perms),
	}
}

func permString(p *procfs.ProcMapPermissions) string {
	if p == nil {
		return "----"
	}
	b := []byte("----")
	if p.Read {
		b[0] = 'r'
	}
	if p.Write {
		b[1] = 'w'
	}
	if p.Execute {
		b[2] = 'x'
	}
	switch {
	case p.Shared:
		b[3] = 's'
	case p.Private:
		b[3] = 'p'
	}
	return string(b)
}

// Diff compares two snapshots. It returns the regions of prev missing from
// next and the regions of next missing from prev, both ordered by address.
// A region whose bounds, offset or path changed appears in both.
func Diff(prev, next []Region) (gone, added []Region) {
	before := make(map[regionKey]struct{}, len(prev))
	for _, r := range prev {
		before[r.key()] = struct{}{}
	}
	after := make(map[regionKey]struct{}, len(next))
	for _, r := range next {
		after[r.key()] = struct{}{}
	}

	for _, r := range prev {
		if _, ok := after[r.key()]; !ok {
			gone = append(gone, r)
		}
	}
	for _, r := range next {
		if _, ok := before[r.key()]; !ok {
			added = append(added, r)
		}
	}

	slices.SortFunc(gone, byStart)
	slices.SortFunc(added, byStart)
	return gone, added
}

func byStart(a, b Region) int {
	return cmp.Compare(a.Start, b.Start)
}

// Tracker turns successive snapshots into mapping changes, allocating a
// fresh MappingID for every region it sees appear.
type Tracker struct {
	live   map[regionKey]model.MappingID
	prev   []Region
	nextID model.MappingID
}

// NewTracker creates a tracker with no known regions.
func NewTracker() *Tracker {
	return &Tracker{live: make(map[regionKey]model.MappingID)}
}

// Update diffs regions against the previous snapshot and returns the changes
// stamped at at: every Destroyed first, then every Created.
func (t *Tracker) Update(regions []Region, at model.Timestamp) []model.MappingChange {
	gone, added := Diff(t.prev, regions)

	changes := make([]model.MappingChange, 0, len(gone)+len(added))
	for _, r := range gone {
		id := t.live[r.key()]
		delete(t.live, r.key())
		changes = append(changes, model.Destroyed(id, at))
	}
	for _, r := range added {
		t.nextID++
		t.live[r.key()] = t.nextID
		changes = append(changes, model.Created(model.Mapping{
			ID:         t.nextID,
			Path:       r.Path,
			Start:      r.Start,
			End:        r.End,
			FileOffset: r.Offset,
			CreatedAt:  at,
		}))
	}

	t.prev = slices.Clone(regions)
	return changes
}

// Close destroys every live region at at. Used when the process exits.
func (t *Tracker) Close(at model.Timestamp) []model.MappingChange {
	return t.Update(nil, at)
}

// Live returns the number of regions currently tracked.
func (t *Tracker) Live() int {
	return len(t.live)
}
