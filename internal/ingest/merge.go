package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/mrzor/pfviz/internal/model"
)

// Sink receives the merged sequence.
type Sink interface {
	ApplyChange(c model.MappingChange) error
	HandleEvent(ev model.RawEvent) error
}

// Merge interleaves events and changes by timestamp and feeds them to sink.
//
// A change whose timestamp is at or before the pending event's is delivered
// first, so an event is always attributed against every change up to and
// including its own instant. Merge waits until both sources have an item
// ready (or are exhausted) before delivering anything, which makes the
// result independent of producer scheduling.
//
// The first error from a source or from sink stops the merge.
func Merge(ctx context.Context, events EventSource, changes ChangeSource, sink Sink) error {
	var (
		ev       model.RawEvent
		ch       model.MappingChange
		hasEv    bool
		hasCh    bool
		evsDone  bool
		chgsDone bool
	)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !hasEv && !evsDone {
			next, err := events.Next(ctx)
			switch {
			case errors.Is(err, io.EOF):
				evsDone = true
			case err != nil:
				return fmt.Errorf("reading events: %w", err)
			default:
				ev, hasEv = next, true
			}
		}

		if !hasCh && !chgsDone {
			next, err := changes.Next(ctx)
			switch {
			case errors.Is(err, io.EOF):
				chgsDone = true
			case err != nil:
				return fmt.Errorf("reading mapping changes: %w", err)
			default:
				ch, hasCh = next, true
			}
		}

		switch {
		case hasCh && (!hasEv || ch.Timestamp() <= ev.Timestamp):
			hasCh = false
			if err := sink.ApplyChange(ch); err != nil {
				return err
			}
		case hasEv:
			hasEv = false
			if err := sink.HandleEvent(ev); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}
