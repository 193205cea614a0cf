package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/mrzor/pfviz/internal/logger"
	"github.com/mrzor/pfviz/internal/model"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Table applies mapping changes.
type Table interface {
	Apply(c model.MappingChange) error
}

// Attributor resolves raw events.
type Attributor interface {
	Attribute(ev model.RawEvent) (model.AttributedEvent, bool)
}

// Store receives attributed events.
type Store interface {
	Insert(ev model.AttributedEvent) error
}

// Stats counts what one pipeline run moved.
type Stats struct {
	Events   uint64
	Changes  uint64
	Inserted uint64
	Dropped  uint64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// WithTracer sets the tracer used for the ingest.run span.
func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) {
		p.tracer = t
	}
}

// Pipeline drives the merged sequence through the mapping table, the
// attribution engine and the timeline store.
type Pipeline struct {
	table      Table
	attributor Attributor
	store      Store
	logger     *zap.Logger
	tracer     trace.Tracer

	events   atomic.Uint64
	changes  atomic.Uint64
	inserted atomic.Uint64
	dropped  atomic.Uint64
}

// NewPipeline wires a pipeline.
func NewPipeline(table Table, attributor Attributor, store Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		table:      table,
		attributor: attributor,
		store:      store,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logger.OrNop(p.logger)
	if p.tracer == nil {
		p.tracer = noop.NewTracerProvider().Tracer("pfviz")
	}
	return p
}

// ApplyChange implements Sink.
func (p *Pipeline) ApplyChange(c model.MappingChange) error {
	if err := p.table.Apply(c); err != nil {
		return fmt.Errorf("applying mapping change: %w", err)
	}
	p.changes.Add(1)
	return nil
}

// HandleEvent implements Sink.
func (p *Pipeline) HandleEvent(ev model.RawEvent) error {
	p.events.Add(1)

	attributed, ok := p.attributor.Attribute(ev)
	if !ok {
		p.dropped.Add(1)
		return nil
	}
	if err := p.store.Insert(attributed); err != nil {
		return fmt.Errorf("storing event: %w", err)
	}
	p.inserted.Add(1)
	return nil
}

// Stats returns the counters accumulated so far.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Events:   p.events.Load(),
		Changes:  p.changes.Load(),
		Inserted: p.inserted.Load(),
		Dropped:  p.dropped.Load(),
	}
}

// Run merges events and changes into the store until both sources are
// exhausted, ctx is cancelled or a fatal error occurs. Everything inserted
// before a failure stays in the store.
func (p *Pipeline) Run(ctx context.Context, events EventSource, changes ChangeSource) (Stats, error) {
	ctx, span := p.tracer.Start(ctx, "ingest.run")
	defer span.End()

	p.logger.Debug("ingestion started")
	err := Merge(ctx, events, changes, p)
	stats := p.Stats()

	span.SetAttributes(
		attribute.Int64("ingest.events", int64(stats.Events)),     //nolint:gosec // counters stay far below MaxInt64
		attribute.Int64("ingest.changes", int64(stats.Changes)),   //nolint:gosec // counters stay far below MaxInt64
		attribute.Int64("ingest.inserted", int64(stats.Inserted)), //nolint:gosec // counters stay far below MaxInt64
		attribute.Int64("ingest.dropped", int64(stats.Dropped)),   //nolint:gosec // counters stay far below MaxInt64
	)

	switch {
	case err == nil:
		p.logger.Info("ingestion finished",
			zap.Uint64("events", stats.Events),
			zap.Uint64("changes", stats.Changes),
			zap.Uint64("inserted", stats.Inserted),
		)
	case errors.Is(err, context.Canceled):
		span.SetStatus(codes.Error, "cancelled")
		p.logger.Info("ingestion cancelled", zap.Uint64("inserted", stats.Inserted))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Error("ingestion aborted", zap.Error(err), zap.Uint64("inserted", stats.Inserted))
	}

	return stats, err
}

// Producer feeds a channel-backed source until it is done or ctx is cancelled.
type Producer func(ctx context.Context) error

// StopWhen wraps a producer that would otherwise run until cancelled, such as
// a /proc poller, so that it also stops once done is closed. Stopping because
// of done is not an error.
func StopWhen(done <-chan struct{}, produce Producer) Producer {
	return func(ctx context.Context) error {
		pctx, cancel := context.WithCancel(ctx)
		defer cancel()

		go func() {
			select {
			case <-done:
				cancel()
			case <-pctx.Done():
			}
		}()

		err := produce(pctx)
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			return nil
		}
		return err
	}
}

// RunConcurrent runs producers and the pipeline in one errgroup. The first
// failure cancels the others, so a producer blocked on a full channel exits
// when ingestion aborts.
func (p *Pipeline) RunConcurrent(ctx context.Context, events EventSource, changes ChangeSource, producers ...Producer) (Stats, error) {
	g, gctx := errgroup.WithContext(ctx)

	for _, produce := range producers {
		g.Go(func() error {
			return produce(gctx)
		})
	}

	var stats Stats
	g.Go(func() error {
		var err error
		stats, err = p.Run(gctx, events, changes)
		return err
	})

	err := g.Wait()
	return stats, err
}
