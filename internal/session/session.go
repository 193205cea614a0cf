package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mrzor/pfviz/internal/attribution"
	"github.com/mrzor/pfviz/internal/filter"
	"github.com/mrzor/pfviz/internal/ingest"
	"github.com/mrzor/pfviz/internal/logger"
	"github.com/mrzor/pfviz/internal/mapping"
	"github.com/mrzor/pfviz/internal/model"
	"github.com/mrzor/pfviz/internal/playback"
	"github.com/mrzor/pfviz/internal/timeline"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrAlreadyIngested is returned when Ingest is called twice on a session.
var ErrAlreadyIngested = errors.New("session already ingested")

// Config holds per-session settings.
type Config struct {
	// Window is the playback lookback window. Zero means playback.DefaultWindow.
	Window time.Duration
	// PageCacheSize bounds the attribution page cache; 0 disables it.
	PageCacheSize int
	// Filter is an optional expression applied to raw events before attribution.
	Filter string
	Speed  playback.Speed
	Loop   bool
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Window:        playback.DefaultWindow,
		PageCacheSize: attribution.DefaultCacheSize,
		Speed:         playback.Normal,
	}
}

// Option configures a Session.
type Option func(*options)

type options struct {
	logger      *zap.Logger
	tracer      trace.Tracer
	overlapHook func(*mapping.OverlapError)
}

// WithLogger sets the logger shared by the session components.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithTracer sets the tracer for ingestion spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

// WithOverlapHook is called for every overlapping resolution the mapping table reports.
func WithOverlapHook(fn func(*mapping.OverlapError)) Option {
	return func(o *options) {
		o.overlapHook = fn
	}
}

// Report summarises one ingestion.
type Report struct {
	Ingest      ingest.Stats
	Attribution attribution.Stats
	// Mappings is the number of mappings ever created, Files the number of
	// distinct paths backing them.
	Mappings int
	Files    int
	Overlaps uint64
	// Stored is the number of events in the frozen timeline.
	Stored   int
	Start    model.Timestamp
	End      model.Timestamp
	HasRange bool
	// Err is the fatal error that ended ingestion early, if any.
	Err error
}

// Frame is what the renderer draws for one tick.
type Frame struct {
	State    playback.State
	Active   playback.ActiveState
	Mappings []model.Mapping
}

// Session owns one mapping table, attribution engine, timeline store and
// playback engine. Sessions share nothing, so several can coexist.
//
// A Session is not safe for concurrent use: Ingest runs first, then a single
// renderer goroutine drives the playback commands.
type Session struct {
	logger *zap.Logger

	table    *mapping.Table
	engine   *attribution.Engine
	store    *timeline.Store
	pipeline *ingest.Pipeline
	player   *playback.Engine

	ingested bool
	report   Report
}

// New builds a session from cfg.
func New(cfg Config, opts ...Option) (*Session, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	log := logger.OrNop(o.logger)

	f, err := filter.Compile(cfg.Filter)
	if err != nil {
		return nil, err
	}

	tableOpts := []mapping.Option{mapping.WithLogger(log.Named("mapping"))}
	if o.overlapHook != nil {
		tableOpts = append(tableOpts, mapping.WithOverlapHook(o.overlapHook))
	}
	table := mapping.New(tableOpts...)

	engine, err := attribution.New(table,
		attribution.WithLogger(log.Named("attribution")),
		attribution.WithFilter(f),
		attribution.WithCacheSize(cfg.PageCacheSize),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create attribution engine: %w", err)
	}

	store := timeline.New()

	pipelineOpts := []ingest.Option{ingest.WithLogger(log.Named("ingest"))}
	if o.tracer != nil {
		pipelineOpts = append(pipelineOpts, ingest.WithTracer(o.tracer))
	}

	return &Session{
		logger:   log,
		table:    table,
		engine:   engine,
		store:    store,
		pipeline: ingest.NewPipeline(table, engine, store, pipelineOpts...),
		player: playback.New(store, playback.Config{
			Window: cfg.Window,
			Speed:  cfg.Speed,
			Loop:   cfg.Loop,
		}),
	}, nil
}

// Ingest runs the pipeline once over events and changes, running producers
// alongside when the sources are channel-backed. The timeline is frozen and
// playback loaded afterwards, even when ingestion ended with an error: the
// returned Report then carries the error and playback covers the prefix
// that was stored.
func (s *Session) Ingest(ctx context.Context, events ingest.EventSource, changes ingest.ChangeSource, producers ...ingest.Producer) (Report, error) {
	if s.ingested {
		return s.report, ErrAlreadyIngested
	}
	s.ingested = true

	var (
		stats ingest.Stats
		err   error
	)
	if len(producers) > 0 {
		stats, err = s.pipeline.RunConcurrent(ctx, events, changes, producers...)
	} else {
		stats, err = s.pipeline.Run(ctx, events, changes)
	}

	s.store.Freeze()
	s.player.Load()

	lo, hi, ok := s.store.GlobalRange()
	s.report = Report{
		Ingest:      stats,
		Attribution: s.engine.Stats(),
		Mappings:    s.table.Len(),
		Files:       len(s.table.Paths()),
		Overlaps:    s.table.Overlaps(),
		Stored:      s.store.Len(),
		Start:       lo,
		End:         hi,
		HasRange:    ok,
		Err:         err,
	}

	if err != nil {
		s.logger.Warn("playback limited to events stored before the failure",
			zap.Int("stored", s.report.Stored),
			zap.Error(err),
		)
	}

	return s.report, err
}

// Report returns the result of the last Ingest.
func (s *Session) Report() Report {
	return s.report
}

// Frame snapshots the playback state with the active window at the cursor.
func (s *Session) Frame() Frame {
	state := s.player.State()
	return Frame{
		State:    state,
		Active:   s.player.ActiveState(state.Cursor),
		Mappings: s.table.Mappings(),
	}
}

// Mapping returns the mapping with the given id.
func (s *Session) Mapping(id model.MappingID) (model.Mapping, bool) {
	return s.table.Get(id)
}

// Mappings returns every mapping known to the session, sorted by start address.
func (s *Session) Mappings() []model.Mapping {
	return s.table.Mappings()
}

// MappingStats returns the timeline summary of one mapping.
func (s *Session) MappingStats(id model.MappingID) timeline.MappingStats {
	return s.store.Stats(id)
}

// File groups the mappings backed by one path.
type File struct {
	Path     string
	Mappings []model.Mapping
	// Stats aggregates every mapping of the file, with file offsets.
	Stats timeline.MappingStats
}

// Files returns one entry per distinct mapped path, in order of the lowest
// mapping start address.
func (s *Session) Files() []File {
	var files []File
	index := make(map[string]int)
	for _, m := range s.table.Mappings() {
		i, ok := index[m.Path]
		if !ok {
			i = len(files)
			index[m.Path] = i
			files = append(files, File{Path: m.Path})
		}
		files[i].Mappings = append(files[i].Mappings, m)
	}

	for i := range files {
		ids := make([]model.MappingID, len(files[i].Mappings))
		for j, m := range files[i].Mappings {
			ids[j] = m.ID
		}
		files[i].Stats = s.store.FileStats(ids...)
	}
	return files
}

// Play starts playback.
func (s *Session) Play() { s.player.Play() }

// Pause pauses playback.
func (s *Session) Pause() { s.player.Pause() }

// Toggle switches between playing and paused.
func (s *Session) Toggle() { s.player.Toggle() }

// SetSpeed changes the playback rate.
func (s *Session) SetSpeed(speed playback.Speed) error { return s.player.SetSpeed(speed) }

// Seek moves the cursor, clamped to the trace range.
func (s *Session) Seek(t model.Timestamp) { s.player.Seek(t) }

// SeekFirst moves the cursor to the start marker, or the first event.
func (s *Session) SeekFirst() { s.player.SeekFirst() }

// SeekLast moves the cursor to the end marker, or the last event.
func (s *Session) SeekLast() { s.player.SeekLast() }

// StepEvent pauses and moves the cursor to the next event.
func (s *Session) StepEvent() bool { return s.player.StepEvent() }

// StepBack pauses and moves the cursor to the previous event.
func (s *Session) StepBack() bool { return s.player.StepBack() }

// SetMarkerStart sets, or clears when unchanged, the loop start marker.
func (s *Session) SetMarkerStart(t model.Timestamp) { s.player.SetMarkerStart(t) }

// SetMarkerEnd sets, or clears when unchanged, the loop end marker.
func (s *Session) SetMarkerEnd(t model.Timestamp) { s.player.SetMarkerEnd(t) }

// ClearMarkers removes both markers.
func (s *Session) ClearMarkers() { s.player.ClearMarkers() }

// ToggleLoop enables or disables looping between the markers.
func (s *Session) ToggleLoop() { s.player.ToggleLoop() }

// ToggleBreakpoint pauses playback whenever the cursor crosses an event of id.
func (s *Session) ToggleBreakpoint(id model.MappingID) { s.player.ToggleBreakpoint(id) }

// Tick advances playback by elapsed wall-clock time and returns the cursor.
func (s *Session) Tick(elapsed time.Duration) model.Timestamp { return s.player.Tick(elapsed) }
