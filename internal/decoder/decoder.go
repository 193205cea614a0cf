package decoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/mrzor/pfviz/internal/logger"
	"github.com/mrzor/pfviz/internal/model"

	"go.uber.org/zap"
)

// Stats counts what a decoder has seen so far.
type Stats struct {
	Decoded   uint64
	Malformed uint64
	Truncated uint64
	Resyncs   uint64
}

type counters struct {
	decoded   atomic.Uint64
	malformed atomic.Uint64
	truncated atomic.Uint64
	resyncs   atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Decoded:   c.decoded.Load(),
		Malformed: c.malformed.Load(),
		Truncated: c.truncated.Load(),
		Resyncs:   c.resyncs.Load(),
	}
}

// Option configures a decoder.
type Option func(*options)

type options struct {
	logger *zap.Logger
}

// WithLogger sets the logger used to report skipped frames.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = logger.OrNop(o.logger)
	return o
}

// Decoder reads frames from a byte stream.
type Decoder struct {
	r         *bufio.Reader
	selectors model.SelectorTable
	logger    *zap.Logger
	stats     counters

	done      bool
	err       error
	resyncing bool
}

// New creates a Decoder reading frames from r.
func New(r io.Reader, selectors model.SelectorTable, opts ...Option) *Decoder {
	o := buildOptions(opts)
	return &Decoder{
		r:         bufio.NewReaderSize(r, 64*1024),
		selectors: selectors,
		logger:    o.logger,
	}
}

// Stats returns a snapshot of the decode counters.
func (d *Decoder) Stats() Stats {
	return d.stats.snapshot()
}

// Next returns the next decoded event, or io.EOF once the stream is exhausted.
// Malformed frames are skipped. Cancellation is checked between frames; a
// frame being read when ctx is cancelled is discarded.
func (d *Decoder) Next(ctx context.Context) (model.RawEvent, error) {
	for {
		if d.done {
			if d.err != nil {
				return model.RawEvent{}, d.err
			}
			return model.RawEvent{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return model.RawEvent{}, err
		}

		ev, err := d.readFrame()
		switch {
		case err == nil:
			d.stats.decoded.Add(1)
			return ev, nil
		case errors.Is(err, io.EOF):
			d.done = true
			return model.RawEvent{}, io.EOF
		case errors.As(err, new(*ReadError)):
			d.done = true
			d.err = err
			return model.RawEvent{}, err
		case errors.Is(err, errBadMagic):
			// Already counted; keep scanning for the next header.
			continue
		default:
			d.stats.malformed.Add(1)
			d.logger.Debug("skipping malformed frame", zap.Error(err))
		}
	}
}

// ReadError is a failure of the underlying stream, as opposed to its end.
type ReadError struct {
	Part string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("reading frame %s: %v", e.Part, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

func endOfStream(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// readFrame reads one frame. It returns io.EOF at the end of the stream,
// including when the stream stops in the middle of a frame, and a *ReadError
// when the stream itself fails.
func (d *Decoder) readFrame() (model.RawEvent, error) {
	hdr, err := d.r.Peek(headerSize)
	if err != nil {
		if !endOfStream(err) {
			return model.RawEvent{}, &ReadError{Part: "header", Err: err}
		}
		if len(hdr) > 0 {
			d.truncate("header", len(hdr))
		}
		return model.RawEvent{}, io.EOF
	}

	h, err := parseHeader(hdr)
	if err != nil {
		// Drop a single byte and look for the next magic.
		if !d.resyncing {
			d.resyncing = true
			d.stats.malformed.Add(1)
			d.stats.resyncs.Add(1)
			d.logger.Debug("lost frame sync, scanning for next header")
		}
		if _, derr := d.r.Discard(1); derr != nil {
			if !endOfStream(derr) {
				return model.RawEvent{}, &ReadError{Part: "header", Err: derr}
			}
			return model.RawEvent{}, io.EOF
		}
		return model.RawEvent{}, err
	}
	d.resyncing = false

	if _, err := d.r.Discard(headerSize); err != nil {
		if !endOfStream(err) {
			return model.RawEvent{}, &ReadError{Part: "header", Err: err}
		}
		return model.RawEvent{}, io.EOF
	}

	payload := make([]byte, h.Size)
	if n, err := io.ReadFull(d.r, payload); err != nil {
		if !endOfStream(err) {
			return model.RawEvent{}, &ReadError{Part: "payload", Err: err}
		}
		d.truncate("payload", n)
		return model.RawEvent{}, io.EOF
	}

	return decodeSample(h, payload, d.selectors)
}

func (d *Decoder) truncate(part string, got int) {
	d.stats.truncated.Add(1)
	d.logger.Debug("stream truncated mid-record", zap.String("part", part), zap.Int("bytes", got))
}
