package decoder

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"testing/iotest"

	"github.com/mrzor/pfviz/internal/model"

	"github.com/cilium/ebpf/ringbuf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSelectors() model.SelectorTable {
	return append(model.DefaultSelectors(), model.Selector{Label: "l3_miss", Kind: model.CustomPrecise("l3_miss")})
}

func encodeAll(t *testing.T, samples ...Sample) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	for _, s := range samples {
		require.NoError(t, Encode(&buf, s))
	}
	return &buf
}

func drain(t *testing.T, d interface {
	Next(context.Context) (model.RawEvent, error)
}) []model.RawEvent {
	t.Helper()
	var out []model.RawEvent
	for {
		ev, err := d.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func TestDecoder_ValidFrames(t *testing.T) {
	buf := encodeAll(t,
		Sample{Timestamp: 10, Address: 0x1500, TID: 7, Selector: 1, Precise: true},
		Sample{Timestamp: 20, Address: 0x5800, TID: 7, Selector: 2, Precise: false},
		Sample{Timestamp: 25, Address: 0x5900, TID: 8, Selector: 0, Precise: true},
	)

	d := New(buf, testSelectors())
	events := drain(t, d)

	require.Len(t, events, 3)
	assert.Equal(t, model.RawEvent{
		Timestamp: 10, TID: 7, Address: 0x1500,
		Kind: model.PageFault(model.TagMinorFault), Precise: true,
	}, events[0])
	assert.Equal(t, model.CustomPrecise("l3_miss"), events[1].Kind)
	assert.False(t, events[1].Precise)
	assert.True(t, events[2].Kind.IsMajor())

	assert.Equal(t, Stats{Decoded: 3}, d.Stats())
}

func TestDecoder_EmptyStream(t *testing.T) {
	d := New(bytes.NewReader(nil), testSelectors())

	_, err := d.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, Stats{}, d.Stats())
}

func TestDecoder_NotRestartable(t *testing.T) {
	d := New(encodeAll(t, Sample{Timestamp: 1, Address: 1, Selector: 0}), testSelectors())
	require.Len(t, drain(t, d), 1)

	_, err := d.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoder_UnknownSelectorSkipped(t *testing.T) {
	buf := encodeAll(t,
		Sample{Timestamp: 1, Address: 0x1000, Selector: 9},
		Sample{Timestamp: 2, Address: 0x2000, Selector: 1},
	)

	d := New(buf, testSelectors())
	events := drain(t, d)

	require.Len(t, events, 1)
	assert.Equal(t, uint64(0x2000), events[0].Address)
	assert.Equal(t, uint64(1), d.Stats().Malformed)
}

func TestDecoder_UnknownTypeSkipped(t *testing.T) {
	var buf bytes.Buffer
	// A frame of an unknown type with a 4-byte payload.
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, frameHeader{Magic: FrameMagic, Type: 9, Size: 4}))
	buf.Write([]byte{1, 2, 3, 4})
	require.NoError(t, Encode(&buf, Sample{Timestamp: 5, Address: 0x3000, Selector: 0}))

	d := New(&buf, testSelectors())
	events := drain(t, d)

	require.Len(t, events, 1)
	assert.Equal(t, model.Timestamp(5), events[0].Timestamp)
	assert.Equal(t, uint64(1), d.Stats().Malformed)
}

func TestDecoder_WrongSampleSizeSkipped(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, frameHeader{Magic: FrameMagic, Type: FrameTypeSample, Size: 8}))
	buf.Write(make([]byte, 8))
	require.NoError(t, Encode(&buf, Sample{Timestamp: 6, Address: 0x3000, Selector: 0}))

	d := New(&buf, testSelectors())
	events := drain(t, d)

	require.Len(t, events, 1)
	assert.Equal(t, uint64(1), d.Stats().Malformed)
}

func TestDecoder_ResyncAfterGarbage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, Sample{Timestamp: 1, Address: 0x1000, Selector: 0}))
	buf.Write([]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06})
	require.NoError(t, Encode(&buf, Sample{Timestamp: 2, Address: 0x2000, Selector: 1}))

	d := New(&buf, testSelectors())
	events := drain(t, d)

	require.Len(t, events, 2)
	assert.Equal(t, uint64(0x2000), events[1].Address)

	stats := d.Stats()
	assert.Equal(t, uint64(1), stats.Resyncs, "one contiguous garbage run is one resync")
	assert.Equal(t, uint64(1), stats.Malformed)
}

func TestDecoder_TruncatedPayloadEndsCleanly(t *testing.T) {
	buf := encodeAll(t,
		Sample{Timestamp: 1, Address: 0x1000, Selector: 0},
		Sample{Timestamp: 2, Address: 0x2000, Selector: 0},
	)
	truncated := buf.Bytes()[:buf.Len()-5]

	d := New(bytes.NewReader(truncated), testSelectors())
	events := drain(t, d)

	require.Len(t, events, 1)
	assert.Equal(t, uint64(1), d.Stats().Truncated)
	assert.Zero(t, d.Stats().Malformed)
}

func TestDecoder_TruncatedHeaderEndsCleanly(t *testing.T) {
	buf := encodeAll(t, Sample{Timestamp: 1, Address: 0x1000, Selector: 0})
	buf.Write([]byte{0x17, 0xfa, 0x01})

	d := New(buf, testSelectors())
	events := drain(t, d)

	require.Len(t, events, 1)
	assert.Equal(t, uint64(1), d.Stats().Truncated)
}

func TestDecoder_ReadErrorIsNotEndOfStream(t *testing.T) {
	boom := errors.New("pipe broke")
	frame := encodeAll(t, Sample{Timestamp: 1, Address: 0x1000, Selector: 0}).Bytes()

	tests := []struct {
		name  string
		input io.Reader
		part  string
		want  int
	}{
		{"between frames", io.MultiReader(bytes.NewReader(frame), iotest.ErrReader(boom)), "header", 1},
		{"mid payload", io.MultiReader(bytes.NewReader(frame[:len(frame)-3]), iotest.ErrReader(boom)), "payload", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(tt.input, testSelectors())

			var events []model.RawEvent
			var err error
			for {
				var ev model.RawEvent
				if ev, err = d.Next(context.Background()); err != nil {
					break
				}
				events = append(events, ev)
			}

			assert.Len(t, events, tt.want)
			require.ErrorIs(t, err, boom)
			assert.NotErrorIs(t, err, io.EOF)
			var re *ReadError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, tt.part, re.Part)
			assert.Zero(t, d.Stats().Truncated)

			_, again := d.Next(context.Background())
			assert.ErrorIs(t, again, boom, "the failure is sticky")
		})
	}
}

func TestDecoder_Cancelled(t *testing.T) {
	d := New(encodeAll(t, Sample{Timestamp: 1, Address: 0x1000, Selector: 0}), testSelectors())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, d.Stats().Decoded)
}

type fakeRingbuf struct {
	records [][]byte
	errs    []error
}

func (f *fakeRingbuf) Read() (ringbuf.Record, error) {
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return ringbuf.Record{}, err
		}
	}
	if len(f.records) == 0 {
		return ringbuf.Record{}, ringbuf.ErrClosed
	}
	rec := f.records[0]
	f.records = f.records[1:]
	return ringbuf.Record{RawSample: rec}, nil
}

func frameBytes(t *testing.T, s Sample) []byte {
	t.Helper()
	return encodeAll(t, s).Bytes()
}

func TestRingbufDecoder(t *testing.T) {
	reader := &fakeRingbuf{
		records: [][]byte{
			frameBytes(t, Sample{Timestamp: 10, Address: 0x1500, TID: 1, Selector: 1, Precise: true}),
			{0x00, 0x01, 0x02},
			frameBytes(t, Sample{Timestamp: 11, Address: 0x1600, TID: 1, Selector: 5}),
			frameBytes(t, Sample{Timestamp: 12, Address: 0x5800, TID: 1, Selector: 2}),
		},
	}

	d := NewRingbuf(reader, testSelectors())
	events := drain(t, d)

	require.Len(t, events, 2)
	assert.Equal(t, uint64(0x1500), events[0].Address)
	assert.Equal(t, model.CustomPrecise("l3_miss"), events[1].Kind)
	assert.Equal(t, Stats{Decoded: 2, Malformed: 2}, d.Stats())

	_, err := d.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestRingbufDecoder_ReadError(t *testing.T) {
	boom := errors.New("boom")
	d := NewRingbuf(&fakeRingbuf{errs: []error{boom}}, testSelectors())

	_, err := d.Next(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}
