// Package perfscript decodes the text output of
//
//	perf script -F tid,cpu,time,event,addr,ip,sym --show-mmap-events --ns
//
// into raw events and mapping changes.
//
// Sample lines look like
//
//	1234 [002] 5.123456789: minor-faults:u: 7f0e1c2b3000 ...
//
// and mmap records like
//
//	1234 [002] 5.100000000: PERF_RECORD_MMAP2 1234/1234: [0x7f0e1c200000(0x1c000) @ 0x2000 08:02 131 0]: r-xp /usr/lib/libc.so.6
//
// perf never reports unmaps. A new region that overlaps live ones replaces
// them: the parser emits Destroyed for every overlapped mapping at the new
// record's timestamp, then Created for the new one.
package perfscript

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/mrzor/pfviz/internal/logger"
	"github.com/mrzor/pfviz/internal/model"

	"github.com/google/btree"
	"go.uber.org/zap"
)

const maxLineSize = 1 << 20

var mmapRecord = regexp.MustCompile(
	`PERF_RECORD_MMAP2? (-?\d+)/(-?\d+): \[(0x[0-9a-fA-F]+)\((0x[0-9a-fA-F]+)\) @ (0x[0-9a-fA-F]+|\d+)[\] ]`)

// Stats counts what the parser has seen.
type Stats struct {
	Lines     uint64
	Samples   uint64
	Mmaps     uint64
	Replaced  uint64
	Skipped   uint64
	Malformed uint64
	Unknown   uint64
}

// Option configures a Parser.
type Option func(*Parser)

// WithLogger sets the parser logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Parser) {
		p.logger = l
	}
}

// WithPID keeps only mmap records of the given process.
func WithPID(pid int) Option {
	return func(p *Parser) {
		p.pid = pid
	}
}

// Parser reads perf script output once and serves events and changes through
// two pull streams. Reading from one stream buffers whatever belongs to the
// other, so both must be drained by the same goroutine (the ingest merge).
type Parser struct {
	sc        *bufio.Scanner
	selectors model.SelectorTable
	logger    *zap.Logger
	pid       int

	events  []model.RawEvent
	changes []model.MappingChange
	done    bool
	err     error

	live   *btree.BTreeG[model.Mapping]
	nextID model.MappingID
	stats  Stats
}

// NewParser creates a parser over r.
func NewParser(r io.Reader, selectors model.SelectorTable, opts ...Option) *Parser {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	p := &Parser{
		sc:        sc,
		selectors: selectors,
		live: btree.NewG(16, func(a, b model.Mapping) bool {
			return a.Start < b.Start
		}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logger.OrNop(p.logger)
	return p
}

// Split is a shorthand for NewParser followed by Events and Changes.
func Split(r io.Reader, selectors model.SelectorTable, opts ...Option) (*Events, *Changes, *Parser) {
	p := NewParser(r, selectors, opts...)
	return p.Events(), p.Changes(), p
}

// Events returns the raw event stream.
func (p *Parser) Events() *Events {
	return &Events{p: p}
}

// Changes returns the mapping change stream.
func (p *Parser) Changes() *Changes {
	return &Changes{p: p}
}

// Stats returns the parser counters.
func (p *Parser) Stats() Stats {
	return p.stats
}

// Events is the sample half of a parsed perf script stream.
type Events struct {
	p *Parser
}

// Next returns the next sample, or io.EOF.
func (s *Events) Next(ctx context.Context) (model.RawEvent, error) {
	p := s.p
	for len(p.events) == 0 {
		if err := p.step(ctx); err != nil {
			return model.RawEvent{}, err
		}
	}
	ev := p.events[0]
	p.events = p.events[1:]
	return ev, nil
}

// Changes is the mmap half of a parsed perf script stream.
type Changes struct {
	p *Parser
}

// Next returns the next mapping change, or io.EOF.
func (s *Changes) Next(ctx context.Context) (model.MappingChange, error) {
	p := s.p
	for len(p.changes) == 0 {
		if err := p.step(ctx); err != nil {
			return model.MappingChange{}, err
		}
	}
	c := p.changes[0]
	p.changes = p.changes[1:]
	return c, nil
}

// step parses one line. It returns io.EOF at the end of input.
func (p *Parser) step(ctx context.Context) error {
	if p.done {
		if p.err != nil {
			return p.err
		}
		return io.EOF
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if !p.sc.Scan() {
		p.done = true
		if err := p.sc.Err(); err != nil {
			p.err = fmt.Errorf("reading perf script output: %w", err)
			return p.err
		}
		return io.EOF
	}

	p.stats.Lines++
	line := p.sc.Text()
	if err := p.parseLine(line); err != nil {
		p.stats.Malformed++
		p.logger.Debug("skipping malformed perf script line", zap.String("line", line), zap.Error(err))
	}
	return nil
}

func (p *Parser) parseLine(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	tid, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid tid %q: %w", fields[0], err)
	}

	// The cpu column is optional, so the time is the first field ending in ':'.
	ti := timeField(fields)
	if ti < 0 || len(fields) < ti+3 {
		return fmt.Errorf("expected tid, time, event and address fields, got %d fields", len(fields))
	}
	at, err := parseTime(fields[ti])
	if err != nil {
		return err
	}

	name := fields[ti+1]
	if strings.HasPrefix(name, "PERF_RECORD_MMAP") {
		return p.parseMmap(line, fields, at)
	}

	if tid <= 0 {
		p.stats.Skipped++
		return nil
	}
	return p.parseSample(tid, name, fields[ti+2], at)
}

// timeField returns the index of the timestamp column, or -1.
func timeField(fields []string) int {
	for i := 1; i < len(fields) && i <= 2; i++ {
		if strings.HasSuffix(fields[i], ":") {
			return i
		}
	}
	return -1
}

func (p *Parser) parseSample(tid int64, name, addrField string, at model.Timestamp) error {
	sel, ok := p.selectors.Match(name)
	if !ok {
		p.stats.Unknown++
		p.logger.Debug("sample of unconfigured event", zap.String("event", name))
		return nil
	}

	addr, err := strconv.ParseUint(strings.TrimPrefix(addrField, "0x"), 16, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addrField, err)
	}
	if addr == 0 {
		p.stats.Skipped++
		return nil
	}

	p.stats.Samples++
	p.events = append(p.events, model.RawEvent{
		Timestamp: at,
		TID:       uint32(tid), //nolint:gosec // tids fit in 32 bits
		Address:   addr,
		Kind:      sel.Kind,
		Precise:   sel.Kind.IsFault() || preciseModifier(name),
	})
	return nil
}

func (p *Parser) parseMmap(line string, fields []string, at model.Timestamp) error {
	m := mmapRecord.FindStringSubmatch(line)
	if m == nil {
		return fmt.Errorf("unrecognised mmap record")
	}

	pid, _ := strconv.Atoi(m[1])
	tid, _ := strconv.Atoi(m[2])
	if pid <= 0 || tid < 0 || (p.pid > 0 && pid != p.pid) {
		p.stats.Skipped++
		return nil
	}

	start, err := strconv.ParseUint(m[3], 0, 64)
	if err != nil {
		return fmt.Errorf("invalid mmap address %q: %w", m[3], err)
	}
	length, err := strconv.ParseUint(m[4], 0, 64)
	if err != nil {
		return fmt.Errorf("invalid mmap length %q: %w", m[4], err)
	}
	offset, err := strconv.ParseUint(m[5], 0, 64)
	if err != nil {
		return fmt.Errorf("invalid mmap offset %q: %w", m[5], err)
	}
	if length == 0 {
		return fmt.Errorf("empty mmap at %#x", start)
	}

	p.nextID++
	mapping := model.Mapping{
		ID:         p.nextID,
		Path:       fields[len(fields)-1],
		Start:      start,
		End:        start + length,
		FileOffset: offset,
		CreatedAt:  at,
	}

	for _, old := range p.overlapping(mapping.Start, mapping.End) {
		p.live.Delete(old)
		p.changes = append(p.changes, model.Destroyed(old.ID, at))
		p.stats.Replaced++
	}
	p.live.ReplaceOrInsert(mapping)
	p.changes = append(p.changes, model.Created(mapping))
	p.stats.Mmaps++
	return nil
}

// overlapping returns the live mappings intersecting [start, end).
// Live mappings never overlap each other, so only the one starting at or
// below start can reach into the range from the left.
func (p *Parser) overlapping(start, end uint64) []model.Mapping {
	var out []model.Mapping
	p.live.DescendLessOrEqual(model.Mapping{Start: start}, func(m model.Mapping) bool {
		if m.End > start {
			out = append(out, m)
		}
		return false
	})
	p.live.AscendGreaterOrEqual(model.Mapping{Start: start}, func(m model.Mapping) bool {
		if m.Start >= end {
			return false
		}
		if len(out) == 0 || out[0].Start != m.Start {
			out = append(out, m)
		}
		return true
	})
	return out
}

// parseTime parses "SEC.FRAC:" into nanoseconds.
func parseTime(field string) (model.Timestamp, error) {
	field = strings.TrimSuffix(field, ":")
	secStr, fracStr, _ := strings.Cut(field, ".")

	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q: %w", field, err)
	}

	var nsec int64
	if fracStr != "" {
		if len(fracStr) > 9 {
			fracStr = fracStr[:9]
		}
		fracStr += strings.Repeat("0", 9-len(fracStr))
		nsec, err = strconv.ParseInt(fracStr, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid timestamp %q: %w", field, err)
		}
	}

	return model.Timestamp(sec*1_000_000_000 + nsec), nil
}

// preciseModifier reports whether the event name carries a precise-ip
// modifier, e.g. "mem_load_retired.l3_miss:ppu:".
func preciseModifier(name string) bool {
	_, mods, ok := strings.Cut(strings.TrimSuffix(name, ":"), ":")
	return ok && strings.Contains(mods, "p")
}
