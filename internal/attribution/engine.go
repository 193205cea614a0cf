// Package attribution turns raw decoded events into events attributed to a
// mapping and an offset inside it.
package attribution

import (
	"fmt"
	"sync/atomic"

	"github.com/mrzor/pfviz/internal/filter"
	"github.com/mrzor/pfviz/internal/logger"
	"github.com/mrzor/pfviz/internal/model"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// DefaultCacheSize is the number of pages remembered by the page cache.
const DefaultCacheSize = 4096

// Resolver is the read side of the mapping table.
type Resolver interface {
	ResolveMapping(addr uint64, at model.Timestamp) (model.Mapping, bool)
	LastChange() (model.Timestamp, bool)
	Generation() uint64
}

// Stats counts attribution outcomes.
type Stats struct {
	Attributed  uint64
	Discarded   uint64
	Approximate uint64
	Filtered    uint64
	CacheHits   uint64
	CacheMisses uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithFilter drops events the filter rejects before they are resolved.
func WithFilter(f *filter.Filter) Option {
	return func(e *Engine) {
		e.filter = f
	}
}

// WithCacheSize sets the page cache size. Zero disables the cache.
func WithCacheSize(n int) Option {
	return func(e *Engine) {
		e.cacheSize = n
	}
}

// Engine attributes events against a Resolver.
type Engine struct {
	table     Resolver
	filter    *filter.Filter
	logger    *zap.Logger
	cacheSize int

	cache    *lru.Cache[uint64, model.Mapping]
	cacheGen uint64

	attributed  atomic.Uint64
	discarded   atomic.Uint64
	approximate atomic.Uint64
	filtered    atomic.Uint64
	hits        atomic.Uint64
	misses      atomic.Uint64
}

// New creates an Engine resolving against table.
func New(table Resolver, opts ...Option) (*Engine, error) {
	e := &Engine{
		table:     table,
		cacheSize: DefaultCacheSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logger.OrNop(e.logger)

	if e.cacheSize < 0 {
		return nil, fmt.Errorf("invalid page cache size %d", e.cacheSize)
	}
	if e.cacheSize > 0 {
		cache, err := lru.New[uint64, model.Mapping](e.cacheSize)
		if err != nil {
			return nil, fmt.Errorf("creating page cache: %w", err)
		}
		e.cache = cache
	}

	return e, nil
}

// Attribute resolves ev against the mapping live at its timestamp.
// It returns false when the event is filtered out or no mapping contains
// its address. Attributing the same event twice against an unchanged table
// gives the same result.
func (e *Engine) Attribute(ev model.RawEvent) (model.AttributedEvent, bool) {
	ok, err := e.filter.Match(ev)
	if err != nil {
		e.logger.Debug("filter evaluation failed, dropping event", zap.Error(err))
	}
	if !ok {
		e.filtered.Add(1)
		return model.AttributedEvent{}, false
	}

	m, found := e.resolve(ev.Address, ev.Timestamp)
	if !found {
		e.discarded.Add(1)
		return model.AttributedEvent{}, false
	}

	offset := ev.Address - m.Start
	out := model.AttributedEvent{
		MappingID:  m.ID,
		Offset:     offset,
		FileOffset: m.FileOffset + offset,
		Kind:       ev.Kind,
		Timestamp:  ev.Timestamp,
		TID:        ev.TID,
		Address:    ev.Address,
	}
	if ev.Kind.Class == model.KindCustomPrecise && !ev.Precise {
		out.Approximate = true
		e.approximate.Add(1)
	}

	e.attributed.Add(1)
	return out, true
}

// resolve consults the page cache for events at or after the table's last
// change, where the live set cannot change under us until the next Apply.
func (e *Engine) resolve(addr uint64, at model.Timestamp) (model.Mapping, bool) {
	last, applied := e.table.LastChange()
	if e.cache == nil || !applied || at < last {
		return e.table.ResolveMapping(addr, at)
	}

	if gen := e.table.Generation(); gen != e.cacheGen {
		e.cache.Purge()
		e.cacheGen = gen
	}

	page := addr &^ (model.PageSize - 1)
	if m, ok := e.cache.Get(page); ok {
		e.hits.Add(1)
		return m, true
	}
	e.misses.Add(1)

	m, ok := e.table.ResolveMapping(addr, at)
	if ok && m.Start <= page && page+model.PageSize <= m.End {
		e.cache.Add(page, m)
	}
	return m, ok
}

// Stats returns a snapshot of the attribution counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Attributed:  e.attributed.Load(),
		Discarded:   e.discarded.Load(),
		Approximate: e.approximate.Load(),
		Filtered:    e.filtered.Load(),
		CacheHits:   e.hits.Load(),
		CacheMisses: e.misses.Load(),
	}
}
