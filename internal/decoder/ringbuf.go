package decoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mrzor/pfviz/internal/model"

	"github.com/cilium/ebpf/ringbuf"
	"go.uber.org/zap"
)

// RecordReader is the subset of *ringbuf.Reader used by RingbufDecoder.
type RecordReader interface {
	Read() (ringbuf.Record, error)
}

// RingbufDecoder decodes frames delivered one per ring buffer record.
//
// Read blocks inside the ring buffer reader, so cancelling ctx alone does not
// unblock a pending Next: the owner must also close the reader, which ends
// the stream with io.EOF.
type RingbufDecoder struct {
	reader    RecordReader
	selectors model.SelectorTable
	logger    *zap.Logger
	stats     counters
	done      bool
}

// NewRingbuf creates a decoder over a ring buffer reader.
func NewRingbuf(reader RecordReader, selectors model.SelectorTable, opts ...Option) *RingbufDecoder {
	o := buildOptions(opts)
	return &RingbufDecoder{
		reader:    reader,
		selectors: selectors,
		logger:    o.logger,
	}
}

// Stats returns a snapshot of the decode counters.
func (d *RingbufDecoder) Stats() Stats {
	return d.stats.snapshot()
}

// Next returns the next decoded event, or io.EOF once the ring buffer is closed.
func (d *RingbufDecoder) Next(ctx context.Context) (model.RawEvent, error) {
	for {
		if d.done {
			return model.RawEvent{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return model.RawEvent{}, err
		}

		record, err := d.reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				d.done = true
				return model.RawEvent{}, io.EOF
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return model.RawEvent{}, fmt.Errorf("reading from ring buffer: %w", err)
		}

		ev, err := decodeFrame(record.RawSample, d.selectors)
		if err != nil {
			d.stats.malformed.Add(1)
			d.logger.Debug("skipping malformed ring buffer record", zap.Error(err))
			continue
		}

		d.stats.decoded.Add(1)
		return ev, nil
	}
}
