package playback

import (
	"math"
	"slices"
	"time"

	"github.com/mrzor/pfviz/internal/model"
)

// DefaultWindow is the default lookback window of ActiveState.
const DefaultWindow = 250 * time.Millisecond

// Mode is the state of the playback state machine.
type Mode uint8

const (
	Stopped Mode = iota
	Paused
	Playing
)

func (m Mode) String() string {
	switch m {
	case Stopped:
		return "stopped"
	case Paused:
		return "paused"
	case Playing:
		return "playing"
	default:
		return "unknown"
	}
}

// Store is the read side of a frozen timeline.
type Store interface {
	GlobalRange() (lo, hi model.Timestamp, ok bool)
	Query(id model.MappingID, t0, t1 model.Timestamp) []model.AttributedEvent
	MappingIDs() []model.MappingID
	Events() []model.AttributedEvent
	IndexAt(t model.Timestamp) int
}

// Markers delimit the loop region. Each end may be unset.
type Markers struct {
	Start    model.Timestamp
	End      model.Timestamp
	HasStart bool
	HasEnd   bool
}

// Complete reports whether both markers are set.
func (m Markers) Complete() bool {
	return m.HasStart && m.HasEnd
}

// State is a snapshot of the playback state.
type State struct {
	Mode        Mode
	Cursor      model.Timestamp
	Speed       Speed
	Running     bool
	LoopEnabled bool
	Markers     Markers
	Breakpoints []model.MappingID
}

// ActiveState maps each mapping with recent activity to its events inside the lookback window.
type ActiveState map[model.MappingID][]model.AttributedEvent

// Config holds playback settings.
type Config struct {
	Window time.Duration
	Speed  Speed
	Loop   bool
}

// Engine is the playback state machine. It is driven by one goroutine, the
// renderer's frame loop, and never blocks.
type Engine struct {
	store  Store
	window model.Timestamp

	mode        Mode
	cursor      model.Timestamp
	speed       Speed
	carry       int64
	loop        bool
	markers     Markers
	breakpoints map[model.MappingID]struct{}
}

// New creates a Stopped engine over store.
func New(store Store, cfg Config) *Engine {
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	speed := cfg.Speed
	if speed.Den == 0 {
		speed = Normal
	}
	return &Engine{
		store:       store,
		window:      model.Timestamp(window),
		speed:       speed,
		loop:        cfg.Loop,
		breakpoints: make(map[model.MappingID]struct{}),
	}
}

// Load moves to Paused at the start of the store's range.
func (e *Engine) Load() {
	lo, _, _ := e.store.GlobalRange()
	e.mode = Paused
	e.cursor = lo
	e.carry = 0
}

// Play resumes playback from Paused. It has no effect in other states.
func (e *Engine) Play() {
	if e.mode == Paused {
		e.mode = Playing
	}
}

// Pause stops a running playback. It has no effect in other states.
func (e *Engine) Pause() {
	if e.mode == Playing {
		e.mode = Paused
		e.carry = 0
	}
}

// Toggle switches between Playing and Paused.
func (e *Engine) Toggle() {
	switch e.mode {
	case Playing:
		e.Pause()
	case Paused:
		e.Play()
	}
}

// SetSpeed changes the playback rate.
func (e *Engine) SetSpeed(s Speed) error {
	norm, err := NewSpeed(s.Num, s.Den)
	if err != nil {
		return err
	}
	e.speed = norm
	e.carry = 0
	return nil
}

// Seek sets the cursor to t clamped to the store's range, in any state.
func (e *Engine) Seek(t model.Timestamp) {
	e.cursor = e.clamp(t)
	e.carry = 0
}

// SeekFirst seeks to the loop start, or the beginning of the range.
func (e *Engine) SeekFirst() {
	if e.markers.HasStart {
		e.Seek(e.markers.Start)
		return
	}
	lo, _, _ := e.store.GlobalRange()
	e.Seek(lo)
}

// SeekLast seeks to the loop end, or the end of the range.
func (e *Engine) SeekLast() {
	if e.markers.HasEnd {
		e.Seek(e.markers.End)
		return
	}
	_, hi, _ := e.store.GlobalRange()
	e.Seek(hi)
}

// SetMarkerStart sets the loop start. Setting it to its current value clears it.
func (e *Engine) SetMarkerStart(t model.Timestamp) {
	if e.markers.HasStart && e.markers.Start == t {
		e.markers.HasStart = false
		e.markers.Start = 0
		return
	}
	e.markers.Start, e.markers.HasStart = t, true
}

// SetMarkerEnd sets the loop end. Setting it to its current value clears it.
func (e *Engine) SetMarkerEnd(t model.Timestamp) {
	if e.markers.HasEnd && e.markers.End == t {
		e.markers.HasEnd = false
		e.markers.End = 0
		return
	}
	e.markers.End, e.markers.HasEnd = t, true
}

// ClearMarkers unsets both markers.
func (e *Engine) ClearMarkers() {
	e.markers = Markers{}
}

// ToggleLoop flips loop_enabled.
func (e *Engine) ToggleLoop() {
	e.loop = !e.loop
}

// ToggleBreakpoint arms or disarms a breakpoint on a mapping. Playback pauses
// when it reaches an event of an armed mapping.
func (e *Engine) ToggleBreakpoint(id model.MappingID) {
	if _, ok := e.breakpoints[id]; ok {
		delete(e.breakpoints, id)
		return
	}
	e.breakpoints[id] = struct{}{}
}

// loopBounds returns the active loop region, if any, clamped to the store's
// range so that a marker past either end of the trace still wraps.
func (e *Engine) loopBounds() (start, end model.Timestamp, ok bool) {
	if !e.loop || !e.markers.Complete() {
		return 0, 0, false
	}
	start, end = e.markers.Start, e.markers.End
	if end < start {
		start, end = end, start
	}
	return e.clamp(start), e.clamp(end), true
}

// StepEvent pauses playback and moves the cursor to the next event after it.
// With an active loop, stepping past the end marker wraps to the first event
// at or after the start marker. It reports whether the cursor moved.
func (e *Engine) StepEvent() bool {
	if e.mode == Stopped {
		return false
	}
	e.Pause()

	events := e.store.Events()
	i := e.store.IndexAt(model.Timestamp(addSaturating(int64(e.cursor), 1)))
	start, end, looping := e.loopBounds()
	if looping && (i >= len(events) || events[i].Timestamp > end) {
		i = e.store.IndexAt(start)
	}
	if i >= len(events) || (looping && events[i].Timestamp > end) {
		return false
	}
	return e.stepTo(events[i].Timestamp)
}

// StepBack pauses playback and moves the cursor to the previous event before
// it, wrapping to the last event before the end marker when looping.
func (e *Engine) StepBack() bool {
	if e.mode == Stopped {
		return false
	}
	e.Pause()

	events := e.store.Events()
	i := e.store.IndexAt(e.cursor) - 1
	start, end, looping := e.loopBounds()
	if looping && (i < 0 || events[i].Timestamp < start) {
		i = e.store.IndexAt(model.Timestamp(addSaturating(int64(end), 1))) - 1
	}
	if i < 0 || (looping && events[i].Timestamp < start) {
		return false
	}
	return e.stepTo(events[i].Timestamp)
}

func (e *Engine) stepTo(t model.Timestamp) bool {
	moved := t != e.cursor
	e.cursor = t
	e.carry = 0
	return moved
}

// Tick advances a playing cursor by speed × elapsed and returns the cursor.
func (e *Engine) Tick(elapsed time.Duration) model.Timestamp {
	if e.mode != Playing || elapsed <= 0 {
		return e.cursor
	}

	delta, carry := e.speed.advance(int64(elapsed), e.carry)
	e.carry = carry
	if delta == 0 {
		return e.cursor
	}

	from := e.cursor
	target := model.Timestamp(addSaturating(int64(from), delta))
	forward := delta > 0

	start, end, looping := e.loopBounds()
	switch {
	case looping && forward && from <= end && target > end:
		if e.stopAtBreakpoint(from, end, true) {
			return e.cursor
		}
		span := end - start
		e.cursor = start
		if span > 0 {
			e.cursor = start + (target-end)%span
		}
		e.stopAtBreakpoint(start-1, e.cursor, true)

	case looping && !forward && from >= start && target < start:
		if e.stopAtBreakpoint(from, start, false) {
			return e.cursor
		}
		span := end - start
		e.cursor = end
		if span > 0 {
			e.cursor = end - (start-target)%span
		}
		e.stopAtBreakpoint(end+1, e.cursor, false)

	default:
		target = e.clamp(target)
		if !e.stopAtBreakpoint(from, target, forward) {
			e.cursor = target
		}
	}

	return e.cursor
}

// stopAtBreakpoint looks for an event of an armed mapping strictly after from
// and up to to (inclusive) in the direction of travel. On a hit the cursor
// moves to that event and playback pauses.
func (e *Engine) stopAtBreakpoint(from, to model.Timestamp, forward bool) bool {
	if len(e.breakpoints) == 0 {
		return false
	}

	events := e.store.Events()
	if forward {
		for i := e.store.IndexAt(from + 1); i < len(events) && events[i].Timestamp <= to; i++ {
			if e.hit(events[i]) {
				return true
			}
		}
		return false
	}

	for i := e.store.IndexAt(from) - 1; i >= 0 && events[i].Timestamp >= to; i-- {
		if e.hit(events[i]) {
			return true
		}
	}
	return false
}

func (e *Engine) hit(ev model.AttributedEvent) bool {
	if _, ok := e.breakpoints[ev.MappingID]; !ok {
		return false
	}
	e.cursor = ev.Timestamp
	e.mode = Paused
	e.carry = 0
	return true
}

func (e *Engine) clamp(t model.Timestamp) model.Timestamp {
	lo, hi, ok := e.store.GlobalRange()
	if !ok {
		return 0
	}
	return min(max(t, lo), hi)
}

// Cursor returns the current cursor.
func (e *Engine) Cursor() model.Timestamp {
	return e.cursor
}

// Mode returns the current state machine state.
func (e *Engine) Mode() Mode {
	return e.mode
}

// State returns a snapshot of the playback state.
func (e *Engine) State() State {
	bps := make([]model.MappingID, 0, len(e.breakpoints))
	for id := range e.breakpoints {
		bps = append(bps, id)
	}
	slices.Sort(bps)

	return State{
		Mode:        e.mode,
		Cursor:      e.cursor,
		Speed:       e.speed,
		Running:     e.mode == Playing,
		LoopEnabled: e.loop,
		Markers:     e.markers,
		Breakpoints: bps,
	}
}

// ActiveState returns the events in the window (cursor-W, cursor] per mapping.
// It depends only on the store, the cursor and the window.
func (e *Engine) ActiveState(cursor model.Timestamp) ActiveState {
	return Active(e.store, cursor, e.window)
}

// Active computes the lookback window query for an arbitrary store.
func Active(store Store, cursor, window model.Timestamp) ActiveState {
	t0 := model.Timestamp(addSaturating(int64(cursor), -int64(window))) + 1
	t1 := model.Timestamp(addSaturating(int64(cursor), 1))

	active := make(ActiveState)
	for _, id := range store.MappingIDs() {
		if events := store.Query(id, t0, t1); len(events) > 0 {
			active[id] = events
		}
	}
	return active
}

func addSaturating(a, b int64) int64 {
	sum := a + b
	switch {
	case b > 0 && sum < a:
		return math.MaxInt64
	case b < 0 && sum > a:
		return math.MinInt64
	default:
		return sum
	}
}
