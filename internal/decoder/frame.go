package decoder

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/mrzor/pfviz/internal/model"
)

// Frame layout constants.
const (
	FrameMagic      uint16 = 0xFA17
	FrameTypeSample uint8  = 1
	FlagPrecise     uint8  = 1 << 0

	headerSize   = 8
	sampleSize   = 24
	maxFrameSize = 1 << 16
)

var (
	errUnknownType     = errors.New("unknown frame type")
	errBadSampleSize   = errors.New("bad sample payload size")
	errUnknownSelector = errors.New("unknown event selector")
	errBadMagic        = errors.New("bad frame magic")
)

// frameHeader matches the on-wire header.
type frameHeader struct {
	Magic uint16
	Type  uint8
	Flags uint8
	Size  uint32
}

// sampleFrame matches the on-wire sample payload.
type sampleFrame struct {
	Timestamp uint64
	Address   uint64
	TID       uint32
	Selector  uint32
}

// Sample is the producer-side view of one sample frame.
type Sample struct {
	Timestamp uint64
	Address   uint64
	TID       uint32
	Selector  uint32
	Precise   bool
}

// Encode writes s as one frame.
func Encode(w io.Writer, s Sample) error {
	var flags uint8
	if s.Precise {
		flags |= FlagPrecise
	}

	var buf bytes.Buffer
	buf.Grow(headerSize + sampleSize)
	if err := binary.Write(&buf, binary.LittleEndian, frameHeader{
		Magic: FrameMagic,
		Type:  FrameTypeSample,
		Flags: flags,
		Size:  sampleSize,
	}); err != nil {
		return fmt.Errorf("encoding frame header: %w", err)
	}
	if err := binary.Write(&buf, binary.LittleEndian, sampleFrame{
		Timestamp: s.Timestamp,
		Address:   s.Address,
		TID:       s.TID,
		Selector:  s.Selector,
	}); err != nil {
		return fmt.Errorf("encoding sample: %w", err)
	}

	_, err := w.Write(buf.Bytes())
	return err
}

// parseHeader decodes and validates a header. It does not look at the payload.
func parseHeader(b []byte) (frameHeader, error) {
	h := frameHeader{
		Magic: binary.LittleEndian.Uint16(b[0:2]),
		Type:  b[2],
		Flags: b[3],
		Size:  binary.LittleEndian.Uint32(b[4:8]),
	}
	if h.Magic != FrameMagic || h.Size > maxFrameSize {
		return h, errBadMagic
	}
	return h, nil
}

// decodeSample turns a validated header and its payload into a RawEvent.
func decodeSample(h frameHeader, payload []byte, selectors model.SelectorTable) (model.RawEvent, error) {
	if h.Type != FrameTypeSample {
		return model.RawEvent{}, fmt.Errorf("%w: %d", errUnknownType, h.Type)
	}
	if h.Size != sampleSize || len(payload) != sampleSize {
		return model.RawEvent{}, fmt.Errorf("%w: %d", errBadSampleSize, h.Size)
	}

	var s sampleFrame
	if err := binary.Read(bytes.NewReader(payload), binary.LittleEndian, &s); err != nil {
		return model.RawEvent{}, fmt.Errorf("parsing sample: %w", err)
	}

	sel, ok := selectors.Lookup(s.Selector)
	if !ok {
		return model.RawEvent{}, fmt.Errorf("%w: %d", errUnknownSelector, s.Selector)
	}

	return model.RawEvent{
		//nolint:gosec // monotonic nanoseconds fit in int64 for any realistic uptime
		Timestamp: model.Timestamp(s.Timestamp),
		TID:       s.TID,
		Address:   s.Address,
		Kind:      sel.Kind,
		Precise:   h.Flags&FlagPrecise != 0,
	}, nil
}

// decodeFrame decodes one complete frame held in b, as delivered by a ring buffer.
func decodeFrame(b []byte, selectors model.SelectorTable) (model.RawEvent, error) {
	if len(b) < headerSize {
		return model.RawEvent{}, fmt.Errorf("%w: frame of %d bytes", errBadSampleSize, len(b))
	}
	h, err := parseHeader(b[:headerSize])
	if err != nil {
		return model.RawEvent{}, err
	}
	payload := b[headerSize:]
	if uint64(len(payload)) < uint64(h.Size) {
		return model.RawEvent{}, fmt.Errorf("%w: %d bytes for size %d", errBadSampleSize, len(payload), h.Size)
	}
	return decodeSample(h, payload[:h.Size], selectors)
}
