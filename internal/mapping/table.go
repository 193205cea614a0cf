// Package mapping models the traced process's memory-mapped regions over time.
//
// The table absorbs MappingChanges in timestamp order and answers
// "which mapping contained address a at time t". Two B-trees keyed by
// (start address, id) back the lookups:
//
//   - live: mappings open after the last applied change, updated
//     incrementally by every change. Events at or after the last change
//     resolve here.
//   - history: every mapping ever created. Lookups for earlier instants
//     walk this tree and filter on lifetimes.
//
// A Table is owned by one ingestion run and is not safe for concurrent use.
// Once ingestion is over it is only read.
package mapping

import (
	"slices"

	"github.com/mrzor/pfviz/internal/logger"
	"github.com/mrzor/pfviz/internal/model"

	"github.com/google/btree"
	"go.uber.org/zap"
)

const btreeDegree = 32

// Resolution is the result of resolving an address.
type Resolution struct {
	MappingID  model.MappingID
	Offset     uint64
	FileOffset uint64
}

// Option configures a Table.
type Option func(*Table)

// WithLogger sets the logger used for overlap warnings.
func WithLogger(l *zap.Logger) Option {
	return func(t *Table) {
		t.logger = l
	}
}

// WithOverlapHook registers a callback invoked for every detected overlap.
func WithOverlapHook(fn func(*OverlapError)) Option {
	return func(t *Table) {
		t.onOverlap = fn
	}
}

// Table is a time-indexed collection of mappings.
type Table struct {
	live    *btree.BTreeG[*model.Mapping]
	history *btree.BTreeG[*model.Mapping]
	byID    map[model.MappingID]*model.Mapping

	// maxLen bounds how far below an address a containing mapping may start.
	maxLen uint64

	lastAt     model.Timestamp
	applied    bool
	generation uint64
	overlaps   uint64

	onOverlap func(*OverlapError)
	logger    *zap.Logger
}

func lessMapping(a, b *model.Mapping) bool {
	if a.Start != b.Start {
		return a.Start < b.Start
	}
	return a.ID < b.ID
}

// New creates an empty Table.
func New(opts ...Option) *Table {
	t := &Table{
		live:    btree.NewG(btreeDegree, lessMapping),
		history: btree.NewG(btreeDegree, lessMapping),
		byID:    make(map[model.MappingID]*model.Mapping),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = logger.OrNop(t.logger)
	return t
}

// Apply absorbs one change. Changes must arrive in non-decreasing timestamp
// order; an earlier change yields an *OrderingError and leaves the table untouched.
func (t *Table) Apply(c model.MappingChange) error {
	at := c.Timestamp()
	if t.applied && at < t.lastAt {
		id := c.ID
		if c.Op == model.OpCreated {
			id = c.Mapping.ID
		}
		return &OrderingError{Op: c.Op, ID: id, At: at, Last: t.lastAt}
	}

	switch c.Op {
	case model.OpCreated:
		if err := t.create(c); err != nil {
			return err
		}
	case model.OpDestroyed:
		if err := t.destroy(c); err != nil {
			return err
		}
	default:
		return &ChangeError{Change: c, Reason: "unknown operation"}
	}

	t.lastAt = at
	t.applied = true
	t.generation++
	return nil
}

func (t *Table) create(c model.MappingChange) error {
	m := c.Mapping
	if m.End <= m.Start {
		return &ChangeError{Change: c, Reason: "empty address range"}
	}
	if _, exists := t.byID[m.ID]; exists {
		return &ChangeError{Change: c, Reason: "duplicate mapping id"}
	}

	m.Open = true
	m.DestroyedAt = 0
	stored := &m
	t.byID[m.ID] = stored
	t.live.ReplaceOrInsert(stored)
	t.history.ReplaceOrInsert(stored)
	if l := m.Len(); l > t.maxLen {
		t.maxLen = l
	}

	t.logger.Debug("mapping created",
		zap.Uint64("id", uint64(m.ID)),
		zap.String("path", m.Path),
		zap.Uint64("start", m.Start),
		zap.Uint64("end", m.End),
		zap.Int64("at", int64(m.CreatedAt)),
	)
	return nil
}

func (t *Table) destroy(c model.MappingChange) error {
	m, ok := t.byID[c.ID]
	if !ok {
		return &ChangeError{Change: c, Reason: "unknown mapping id"}
	}
	if !m.Open {
		return &ChangeError{Change: c, Reason: "mapping already destroyed"}
	}
	if c.At < m.CreatedAt {
		return &OrderingError{Op: c.Op, ID: c.ID, At: c.At, Last: t.lastAt, Reason: "destroyed before it was created"}
	}

	t.live.Delete(m)
	m.Open = false
	m.DestroyedAt = c.At

	t.logger.Debug("mapping destroyed", zap.Uint64("id", uint64(c.ID)), zap.Int64("at", int64(c.At)))
	return nil
}

// Resolve finds the mapping containing addr at time at.
// When several live mappings overlap, the most recently created one wins and
// the overlap is reported through the logger and the overlap hook.
func (t *Table) Resolve(addr uint64, at model.Timestamp) (Resolution, bool) {
	m := t.lookup(addr, at)
	if m == nil {
		return Resolution{}, false
	}

	offset := addr - m.Start
	return Resolution{
		MappingID:  m.ID,
		Offset:     offset,
		FileOffset: m.FileOffset + offset,
	}, true
}

// ResolveMapping is like Resolve but returns a copy of the whole mapping.
func (t *Table) ResolveMapping(addr uint64, at model.Timestamp) (model.Mapping, bool) {
	m := t.lookup(addr, at)
	if m == nil {
		return model.Mapping{}, false
	}
	return *m, true
}

func (t *Table) lookup(addr uint64, at model.Timestamp) *model.Mapping {
	if !t.applied {
		return nil
	}

	tree := t.history
	if at >= t.lastAt {
		tree = t.live
	}

	var (
		best   *model.Mapping
		others []model.MappingID
	)
	pivot := &model.Mapping{Start: addr, ID: ^model.MappingID(0)}
	tree.DescendLessOrEqual(pivot, func(m *model.Mapping) bool {
		if addr-m.Start >= t.maxLen {
			return false
		}
		if !m.Contains(addr) || !m.LiveAt(at) {
			return true
		}
		switch {
		case best == nil:
			best = m
		case newer(m, best):
			others = append(others, best.ID)
			best = m
		default:
			others = append(others, m.ID)
		}
		return true
	})

	if best != nil && len(others) > 0 {
		t.reportOverlap(&OverlapError{Address: addr, At: at, Chosen: best.ID, Others: others})
	}
	return best
}

// newer reports whether a was created after b. Equal creation times fall back to the id.
func newer(a, b *model.Mapping) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.ID > b.ID
}

func (t *Table) reportOverlap(e *OverlapError) {
	t.overlaps++
	ids := make([]uint64, len(e.Others))
	for i, id := range e.Others {
		ids[i] = uint64(id)
	}
	t.logger.Warn("overlapping live mappings, preferring most recent",
		zap.Uint64("address", e.Address),
		zap.Int64("at", int64(e.At)),
		zap.Uint64("chosen", uint64(e.Chosen)),
		zap.Uint64s("others", ids),
	)
	if t.onOverlap != nil {
		t.onOverlap(e)
	}
}

// Get returns the mapping with the given id.
func (t *Table) Get(id model.MappingID) (model.Mapping, bool) {
	m, ok := t.byID[id]
	if !ok {
		return model.Mapping{}, false
	}
	return *m, true
}

// Mappings returns every known mapping ordered by start address, then id.
func (t *Table) Mappings() []model.Mapping {
	out := make([]model.Mapping, 0, t.history.Len())
	t.history.Ascend(func(m *model.Mapping) bool {
		out = append(out, *m)
		return true
	})
	return out
}

// Live returns the mappings open after the last applied change.
func (t *Table) Live() []model.Mapping {
	out := make([]model.Mapping, 0, t.live.Len())
	t.live.Ascend(func(m *model.Mapping) bool {
		out = append(out, *m)
		return true
	})
	return out
}

// Paths returns the distinct backing paths of all known mappings, sorted.
func (t *Table) Paths() []string {
	seen := make(map[string]struct{}, len(t.byID))
	for _, m := range t.byID {
		seen[m.Path] = struct{}{}
	}
	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths
}

// Len returns the number of mappings ever created.
func (t *Table) Len() int {
	return len(t.byID)
}

// LastChange returns the timestamp of the last applied change.
func (t *Table) LastChange() (model.Timestamp, bool) {
	return t.lastAt, t.applied
}

// Generation is incremented by every applied change.
func (t *Table) Generation() uint64 {
	return t.generation
}

// Overlaps returns how many overlapping resolutions have been reported.
func (t *Table) Overlaps() uint64 {
	return t.overlaps
}
