package ingest

import (
	"context"
	"errors"
	"io"

	"github.com/mrzor/pfviz/internal/model"
)

// EventSource is a pull sequence of decoded events. Next returns io.EOF once
// the sequence is exhausted.
type EventSource interface {
	Next(ctx context.Context) (model.RawEvent, error)
}

// ChangeSource is a pull sequence of mapping changes. Next returns io.EOF
// once the sequence is exhausted.
type ChangeSource interface {
	Next(ctx context.Context) (model.MappingChange, error)
}

// SliceSource serves items from memory.
type SliceSource[T any] struct {
	items []T
}

// FromSlice returns a source over items.
func FromSlice[T any](items ...T) *SliceSource[T] {
	return &SliceSource[T]{items: items}
}

// Next returns the next item.
func (s *SliceSource[T]) Next(ctx context.Context) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if len(s.items) == 0 {
		return zero, io.EOF
	}
	item := s.items[0]
	s.items = s.items[1:]
	return item, nil
}

// ChanSource serves items sent on a channel by a concurrent producer.
// Closing the channel ends the sequence.
type ChanSource[T any] struct {
	ch <-chan T
}

// FromChan returns a source reading from ch.
func FromChan[T any](ch <-chan T) *ChanSource[T] {
	return &ChanSource[T]{ch: ch}
}

// Next blocks until an item is available, the channel is closed or ctx is done.
func (s *ChanSource[T]) Next(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case item, ok := <-s.ch:
		if !ok {
			return zero, io.EOF
		}
		return item, nil
	}
}

// Puller is any pull sequence.
type Puller[T any] interface {
	Next(ctx context.Context) (T, error)
}

// Pump copies src into ch until src is exhausted or ctx is done, then closes ch.
// It lets a blocking decoder run in its own goroutine behind a ChanSource.
func Pump[T any](ctx context.Context, src Puller[T], ch chan<- T) error {
	defer close(ch)
	for {
		item, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		select {
		case ch <- item:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
