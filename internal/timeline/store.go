// Package timeline stores attributed events partitioned by mapping.
//
// Each partition is append-only and kept in non-decreasing timestamp order,
// so range queries are two binary searches. A global sequence in insertion
// order is kept alongside for scrubbing; Freeze makes it time ordered.
package timeline

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/mrzor/pfviz/internal/model"
)

// ErrFrozen is returned by Insert once the store has been frozen.
var ErrFrozen = errors.New("timeline store is frozen")

// OrderingError reports an insert earlier than the tail of its partition.
type OrderingError struct {
	MappingID model.MappingID
	At        model.Timestamp
	Last      model.Timestamp
}

func (e *OrderingError) Error() string {
	return fmt.Sprintf("timeline ordering error: event for mapping #%d at %s is earlier than previous event at %s",
		e.MappingID, e.At, e.Last)
}

// MappingStats summarises one partition.
type MappingStats struct {
	Events      int
	Major       int
	Minor       int
	Custom      int
	Approximate int
	// MinOffset and MaxOffset bound the touched offsets, widened to page boundaries.
	MinOffset uint64
	MaxOffset uint64
}

// Store holds attributed events. It is written by one ingestion goroutine,
// then frozen and shared read-only.
type Store struct {
	partitions map[model.MappingID][]model.AttributedEvent
	global     []model.AttributedEvent

	min, max model.Timestamp
	unsorted bool
	frozen   bool
}

// New creates an empty store.
func New() *Store {
	return &Store{
		partitions: make(map[model.MappingID][]model.AttributedEvent),
	}
}

// Insert appends ev to its mapping's partition.
func (s *Store) Insert(ev model.AttributedEvent) error {
	if s.frozen {
		return ErrFrozen
	}

	part := s.partitions[ev.MappingID]
	if n := len(part); n > 0 && ev.Timestamp < part[n-1].Timestamp {
		return &OrderingError{MappingID: ev.MappingID, At: ev.Timestamp, Last: part[n-1].Timestamp}
	}
	s.partitions[ev.MappingID] = append(part, ev)

	if n := len(s.global); n == 0 {
		s.min, s.max = ev.Timestamp, ev.Timestamp
	} else {
		if ev.Timestamp < s.global[n-1].Timestamp {
			s.unsorted = true
		}
		s.min = min(s.min, ev.Timestamp)
		s.max = max(s.max, ev.Timestamp)
	}
	s.global = append(s.global, ev)
	return nil
}

// Freeze makes the store immutable and time-orders the global sequence.
// Events sharing a timestamp keep their insertion order.
func (s *Store) Freeze() {
	if s.frozen {
		return
	}
	if s.unsorted {
		slices.SortStableFunc(s.global, func(a, b model.AttributedEvent) int {
			switch {
			case a.Timestamp < b.Timestamp:
				return -1
			case a.Timestamp > b.Timestamp:
				return 1
			default:
				return 0
			}
		})
		s.unsorted = false
	}
	s.frozen = true
}

// Frozen reports whether Freeze has been called.
func (s *Store) Frozen() bool {
	return s.frozen
}

// Query returns the events of mappingID with timestamps in [t0, t1), in
// non-decreasing order. The result aliases the store and must not be modified.
func (s *Store) Query(mappingID model.MappingID, t0, t1 model.Timestamp) []model.AttributedEvent {
	if t1 <= t0 {
		return nil
	}
	part := s.partitions[mappingID]
	lo := lowerBound(part, t0)
	hi := lowerBound(part, t1)
	if lo >= hi {
		return nil
	}
	return part[lo:hi:hi]
}

// lowerBound returns the index of the first event at or after t.
func lowerBound(events []model.AttributedEvent, t model.Timestamp) int {
	return sort.Search(len(events), func(i int) bool {
		return events[i].Timestamp >= t
	})
}

// GlobalRange returns the smallest and largest stored timestamps.
// ok is false when the store is empty.
func (s *Store) GlobalRange() (lo, hi model.Timestamp, ok bool) {
	if len(s.global) == 0 {
		return 0, 0, false
	}
	return s.min, s.max, true
}

// Len returns the total number of stored events.
func (s *Store) Len() int {
	return len(s.global)
}

// Events returns the global sequence. It is time ordered once the store is frozen.
func (s *Store) Events() []model.AttributedEvent {
	return s.global[:len(s.global):len(s.global)]
}

// EventAt returns the i-th event of the global sequence.
func (s *Store) EventAt(i int) (model.AttributedEvent, bool) {
	if i < 0 || i >= len(s.global) {
		return model.AttributedEvent{}, false
	}
	return s.global[i], true
}

// IndexAt returns the index of the first global event at or after t.
// Only meaningful once the store is frozen.
func (s *Store) IndexAt(t model.Timestamp) int {
	return lowerBound(s.global, t)
}

// MappingIDs returns the ids of all non-empty partitions in ascending order.
func (s *Store) MappingIDs() []model.MappingID {
	ids := make([]model.MappingID, 0, len(s.partitions))
	for id := range s.partitions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Stats summarises the partition of mappingID. Offsets are relative to the
// mapping start.
func (s *Store) Stats(mappingID model.MappingID) MappingStats {
	var acc statsAccumulator
	acc.add(s.partitions[mappingID], false)
	return acc.result()
}

// FileStats summarises the partitions of several mappings backed by the same
// file. Offsets are file offsets, so the bounds span every mapping of the file.
func (s *Store) FileStats(ids ...model.MappingID) MappingStats {
	var acc statsAccumulator
	for _, id := range ids {
		acc.add(s.partitions[id], true)
	}
	return acc.result()
}

type statsAccumulator struct {
	st       MappingStats
	smallest uint64
	biggest  uint64
}

func (a *statsAccumulator) add(part []model.AttributedEvent, fileOffsets bool) {
	for _, ev := range part {
		off := ev.Offset
		if fileOffsets {
			off = ev.FileOffset
		}
		if a.st.Events == 0 || off < a.smallest {
			a.smallest = off
		}
		a.biggest = max(a.biggest, off)

		a.st.Events++
		switch {
		case ev.Kind.IsMajor():
			a.st.Major++
		case ev.Kind.IsFault():
			a.st.Minor++
		default:
			a.st.Custom++
		}
		if ev.Approximate {
			a.st.Approximate++
		}
	}
}

func (a *statsAccumulator) result() MappingStats {
	if a.st.Events == 0 {
		return MappingStats{}
	}
	st := a.st
	st.MinOffset = a.smallest &^ (model.PageSize - 1)
	st.MaxOffset = roundUpPage(a.biggest)
	if st.MaxOffset == 0 {
		st.MaxOffset = model.PageSize
	}
	return st
}

func roundUpPage(v uint64) uint64 {
	return (v + model.PageSize - 1) &^ (model.PageSize - 1)
}
