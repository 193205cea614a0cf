package report

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mrzor/pfviz/internal/decoder"
	"github.com/mrzor/pfviz/internal/model"
	"github.com/mrzor/pfviz/internal/perfscript"
	"github.com/mrzor/pfviz/internal/procmaps"
	"github.com/mrzor/pfviz/internal/session"
	"github.com/mrzor/pfviz/internal/timesync"

	"github.com/dustin/go-humanize"
)

// Counter is one named diagnostic value.
type Counter struct {
	Name  string
	Value uint64
}

// Group is a titled list of counters, printed on one line.
type Group struct {
	Name     string
	Counters []Counter
}

// DecoderCounters lists the binary frame decoder diagnostics.
func DecoderCounters(s decoder.Stats) Group {
	return Group{Name: "decoder", Counters: []Counter{
		{"decoded", s.Decoded},
		{"malformed", s.Malformed},
		{"truncated", s.Truncated},
		{"resyncs", s.Resyncs},
	}}
}

// PerfScriptCounters lists the perf script parser diagnostics.
func PerfScriptCounters(s perfscript.Stats) Group {
	return Group{Name: "perf-script", Counters: []Counter{
		{"lines", s.Lines},
		{"samples", s.Samples},
		{"mmaps", s.Mmaps},
		{"replaced", s.Replaced},
		{"skipped", s.Skipped},
		{"malformed", s.Malformed},
		{"unknown", s.Unknown},
	}}
}

// WatcherCounters lists the /proc/<pid>/maps watcher diagnostics.
func WatcherCounters(s procmaps.Stats) Group {
	return Group{Name: "maps watcher", Counters: []Counter{
		{"polls", s.Polls},
		{"changes", s.Changes},
		{"errors", s.Errors},
	}}
}

// Source is what a summary is built from; *session.Session satisfies it.
type Source interface {
	Report() session.Report
	Files() []session.File
}

// Option configures a Writer.
type Option func(*Writer)

// WithWallClock labels trace timestamps with wall-clock time.
func WithWallClock(c *timesync.Converter) Option {
	return func(w *Writer) {
		w.clock = c
	}
}

// WithIdleMappings also lists files that received no events.
func WithIdleMappings() Option {
	return func(w *Writer) {
		w.idle = true
	}
}

// Writer renders session summaries and headless playback frames as text.
type Writer struct {
	w     io.Writer
	clock *timesync.Converter
	idle  bool
}

// New creates a Writer printing to w.
func New(w io.Writer, opts ...Option) *Writer {
	rw := &Writer{w: w}
	for _, opt := range opts {
		opt(rw)
	}
	return rw
}

// Summary prints the ingestion report, per-mapping statistics and any
// extra diagnostic groups.
func (w *Writer) Summary(src Source, groups ...Group) error {
	r := src.Report()

	var b strings.Builder
	if r.HasRange {
		fmt.Fprintf(&b, "trace: %s events over %s (%s .. %s)\n",
			humanize.Comma(int64(r.Stored)), (r.End - r.Start).Duration(), r.Start, r.End)
		if w.clock != nil {
			fmt.Fprintf(&b, "       %s .. %s\n",
				w.clock.WallClock(r.Start).Format(time.RFC3339Nano),
				w.clock.WallClock(r.End).Format(time.RFC3339Nano))
		}
	} else {
		b.WriteString("trace: no events\n")
	}

	writeGroup(&b, Group{Name: "ingest", Counters: []Counter{
		{"events", r.Ingest.Events},
		{"changes", r.Ingest.Changes},
		{"inserted", r.Ingest.Inserted},
		{"dropped", r.Ingest.Dropped},
	}})
	writeGroup(&b, Group{Name: "attribution", Counters: []Counter{
		{"attributed", r.Attribution.Attributed},
		{"discarded", r.Attribution.Discarded},
		{"approximate", r.Attribution.Approximate},
		{"filtered", r.Attribution.Filtered},
		{"cache_hits", r.Attribution.CacheHits},
		{"cache_misses", r.Attribution.CacheMisses},
	}})
	for _, g := range groups {
		writeGroup(&b, g)
	}
	if r.Err != nil {
		fmt.Fprintf(&b, "error: ingestion stopped early: %v\n", r.Err)
	}

	fmt.Fprintf(&b, "mappings: %d across %d files (overlaps: %d)\n", r.Mappings, r.Files, r.Overlaps)
	if _, err := io.WriteString(w.w, b.String()); err != nil {
		return err
	}

	return w.files(src)
}

// files prints one row per mapped file. Files mapped more than once get a
// row per mapping underneath.
func (w *Writer) files(src Source) error {
	tw := tabwriter.NewWriter(w.w, 0, 0, 2, ' ', 0)
	for _, f := range src.Files() {
		if f.Stats.Events == 0 && !w.idle {
			continue
		}
		var size uint64
		for _, m := range f.Mappings {
			size += m.Len()
		}
		fmt.Fprintf(tw, "  %s\t%s\tmappings=%d\tevents=%s\tmajor=%d\tminor=%d\tcustom=%d\toffsets=%#x-%#x\n",
			f.Path, humanize.IBytes(size), len(f.Mappings),
			humanize.Comma(int64(f.Stats.Events)), f.Stats.Major, f.Stats.Minor, f.Stats.Custom,
			f.Stats.MinOffset, f.Stats.MaxOffset)
		if len(f.Mappings) < 2 {
			continue
		}
		for _, m := range f.Mappings {
			fmt.Fprintf(tw, "    #%d\t%s\t[%#x-%#x) @%#x\n",
				m.ID, humanize.IBytes(m.Len()), m.Start, m.End, m.FileOffset)
		}
	}
	return tw.Flush()
}

func writeGroup(b *strings.Builder, g Group) {
	b.WriteString(g.Name)
	b.WriteByte(':')
	for _, c := range g.Counters {
		fmt.Fprintf(b, " %s=%s", c.Name, humanize.Comma(int64(c.Value))) //nolint:gosec // counters stay far below MaxInt64
	}
	b.WriteByte('\n')
}

// Frame prints one headless playback frame: cursor, mode, speed and the
// mappings active in the lookback window with their event counts.
func (w *Writer) Frame(f session.Frame) error {
	paths := make(map[model.MappingID]string, len(f.Mappings))
	for _, m := range f.Mappings {
		paths[m.ID] = m.Path
	}

	ids := make([]model.MappingID, 0, len(f.Active))
	for id := range f.Active {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var b strings.Builder
	fmt.Fprintf(&b, "[%12s] %-7s %s", f.State.Cursor, f.State.Mode, f.State.Speed)
	if f.State.LoopEnabled {
		b.WriteString(" loop")
	}
	if len(ids) == 0 {
		b.WriteString(" idle")
	}
	for _, id := range ids {
		fmt.Fprintf(&b, " %s#%d(%d)", paths[id], id, len(f.Active[id]))
	}
	b.WriteByte('\n')

	_, err := io.WriteString(w.w, b.String())
	return err
}
