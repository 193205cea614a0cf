package playback

import (
	"testing"
	"time"

	"github.com/mrzor/pfviz/internal/model"
	"github.com/mrzor/pfviz/internal/timeline"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frozenStore(t *testing.T, events ...model.AttributedEvent) *timeline.Store {
	t.Helper()
	s := timeline.New()
	for _, ev := range events {
		require.NoError(t, s.Insert(ev))
	}
	s.Freeze()
	return s
}

func at(id model.MappingID, ts model.Timestamp) model.AttributedEvent {
	return model.AttributedEvent{MappingID: id, Timestamp: ts, Kind: model.PageFault(model.TagMinorFault)}
}

// rangeStore spans [0, 1000] with a handful of events.
func rangeStore(t *testing.T) *timeline.Store {
	return frozenStore(t, at(1, 0), at(1, 100), at(2, 300), at(1, 480), at(2, 700), at(1, 1000))
}

func playingAt(t *testing.T, s Store, cursor model.Timestamp) *Engine {
	t.Helper()
	e := New(s, Config{Window: 50})
	e.Load()
	e.Seek(cursor)
	e.Play()
	require.Equal(t, Playing, e.Mode())
	return e
}

func TestLifecycle(t *testing.T) {
	e := New(rangeStore(t), Config{})
	assert.Equal(t, Stopped, e.Mode())
	assert.Equal(t, model.Timestamp(0), e.Cursor())

	e.Play()
	assert.Equal(t, Stopped, e.Mode(), "play has no effect before load")
	assert.Equal(t, model.Timestamp(0), e.Tick(time.Second))

	e.Load()
	assert.Equal(t, Paused, e.Mode())

	e.Play()
	assert.Equal(t, Playing, e.Mode())
	assert.True(t, e.State().Running)

	e.Toggle()
	assert.Equal(t, Paused, e.Mode())
	assert.Equal(t, model.Timestamp(0), e.Tick(100), "paused engine does not advance")

	e.Toggle()
	assert.Equal(t, Playing, e.Mode())
	e.Pause()
	assert.False(t, e.State().Running)
}

func TestTick_Advances(t *testing.T) {
	tests := []struct {
		name    string
		speed   Speed
		from    model.Timestamp
		elapsed time.Duration
		want    model.Timestamp
	}{
		{"real time", Normal, 100, 40, 140},
		{"double speed", Speed{2, 1}, 100, 40, 180},
		{"reverse", Speed{-1, 1}, 100, 40, 60},
		{"quarter speed", Speed{1, 4}, 100, 40, 110},
		{"clamp at end", Normal, 990, 40, 1000},
		{"clamp at start in reverse", Speed{-1, 1}, 10, 40, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := playingAt(t, rangeStore(t), tt.from)
			require.NoError(t, e.SetSpeed(tt.speed))
			assert.Equal(t, tt.want, e.Tick(tt.elapsed))
			assert.Equal(t, Playing, e.Mode(), "reaching the range end keeps playing")
		})
	}
}

func TestTick_FractionalSpeedCarries(t *testing.T) {
	e := playingAt(t, rangeStore(t), 100)
	require.NoError(t, e.SetSpeed(Speed{1, 3}))

	for i := 0; i < 3; i++ {
		e.Tick(1)
	}
	assert.Equal(t, model.Timestamp(101), e.Cursor())
}

func TestTick_LoopForward(t *testing.T) {
	e := playingAt(t, rangeStore(t), 480)
	e.SetMarkerStart(100)
	e.SetMarkerEnd(500)
	e.ToggleLoop()

	assert.Equal(t, model.Timestamp(120), e.Tick(40))
	assert.Equal(t, Playing, e.Mode())
}

func TestTick_LoopReverse(t *testing.T) {
	e := playingAt(t, rangeStore(t), 120)
	e.SetMarkerStart(100)
	e.SetMarkerEnd(500)
	e.ToggleLoop()
	require.NoError(t, e.SetSpeed(Speed{-1, 1}))

	assert.Equal(t, model.Timestamp(480), e.Tick(40))
	assert.Equal(t, Playing, e.Mode())
}

func TestTick_LoopOvershootLongerThanSpan(t *testing.T) {
	e := playingAt(t, rangeStore(t), 480)
	e.SetMarkerStart(100)
	e.SetMarkerEnd(500)
	e.ToggleLoop()

	// 480 + 850 = 1330, overshoot 830 = 2*400 + 30.
	assert.Equal(t, model.Timestamp(130), e.Tick(850))
}

func TestTick_LoopMarkersOutsideRange(t *testing.T) {
	e := playingAt(t, rangeStore(t), 900)
	e.SetMarkerStart(100)
	e.SetMarkerEnd(1200)
	e.ToggleLoop()

	// The end marker is past the last event, so the loop wraps at 1000.
	assert.Equal(t, model.Timestamp(200), e.Tick(200))
	assert.Equal(t, model.Timestamp(400), e.Tick(200))
	assert.Equal(t, Playing, e.Mode())

	r := playingAt(t, rangeStore(t), 50)
	r.SetMarkerStart(-500)
	r.SetMarkerEnd(400)
	r.ToggleLoop()
	require.NoError(t, r.SetSpeed(Speed{-1, 1}))
	assert.Equal(t, model.Timestamp(350), r.Tick(100))
}

func TestTick_PartialMarkersDoNotLoop(t *testing.T) {
	tests := []struct {
		name  string
		setup func(e *Engine)
	}{
		{"start only", func(e *Engine) { e.SetMarkerStart(100) }},
		{"end only", func(e *Engine) { e.SetMarkerEnd(500) }},
		{"loop disabled", func(e *Engine) {
			e.SetMarkerStart(100)
			e.SetMarkerEnd(500)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := playingAt(t, rangeStore(t), 480)
			tt.setup(e)
			if tt.name != "loop disabled" {
				e.ToggleLoop()
			}
			assert.Equal(t, model.Timestamp(520), e.Tick(40))
		})
	}
}

func TestMarkers_ToggleClear(t *testing.T) {
	e := New(rangeStore(t), Config{})

	e.SetMarkerStart(100)
	e.SetMarkerEnd(500)
	assert.Equal(t, Markers{Start: 100, End: 500, HasStart: true, HasEnd: true}, e.State().Markers)

	e.SetMarkerStart(100)
	assert.False(t, e.State().Markers.HasStart)

	e.SetMarkerStart(200)
	assert.Equal(t, model.Timestamp(200), e.State().Markers.Start)

	e.ClearMarkers()
	assert.Equal(t, Markers{}, e.State().Markers)
}

func TestSeek(t *testing.T) {
	e := New(rangeStore(t), Config{})
	e.Load()

	tests := []struct {
		name string
		to   model.Timestamp
		want model.Timestamp
	}{
		{"inside", 333, 333},
		{"below range", -50, 0},
		{"above range", 5000, 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e.Seek(tt.to)
			assert.Equal(t, tt.want, e.Cursor())
			assert.Equal(t, Paused, e.Mode(), "seek does not change running")
		})
	}

	e.Play()
	e.Seek(10)
	assert.Equal(t, Playing, e.Mode())
}

func TestSeek_EmptyStore(t *testing.T) {
	e := New(frozenStore(t), Config{})
	e.Load()
	e.Seek(42)
	assert.Equal(t, model.Timestamp(0), e.Cursor())
	assert.Empty(t, e.ActiveState(0))
}

func TestSeekFirstLast(t *testing.T) {
	e := New(rangeStore(t), Config{})
	e.Load()

	e.SeekLast()
	assert.Equal(t, model.Timestamp(1000), e.Cursor())
	e.SeekFirst()
	assert.Equal(t, model.Timestamp(0), e.Cursor())

	e.SetMarkerStart(100)
	e.SetMarkerEnd(500)
	e.SeekLast()
	assert.Equal(t, model.Timestamp(500), e.Cursor())
	e.SeekFirst()
	assert.Equal(t, model.Timestamp(100), e.Cursor())
}

func TestSetSpeed_Invalid(t *testing.T) {
	e := New(rangeStore(t), Config{})
	assert.ErrorIs(t, e.SetSpeed(Speed{1, 0}), ErrInvalidSpeed)
	assert.Equal(t, Normal, e.State().Speed)
}

func TestBreakpoint_PausesAtEvent(t *testing.T) {
	e := playingAt(t, rangeStore(t), 100)
	e.ToggleBreakpoint(2)

	assert.Equal(t, model.Timestamp(300), e.Tick(500))
	assert.Equal(t, Paused, e.Mode())
	assert.Equal(t, []model.MappingID{2}, e.State().Breakpoints)

	// Resuming moves past the event that triggered the pause.
	e.Play()
	assert.Equal(t, model.Timestamp(600), e.Tick(300))
	assert.Equal(t, Playing, e.Mode())

	e.ToggleBreakpoint(2)
	assert.Empty(t, e.State().Breakpoints)
	assert.Equal(t, model.Timestamp(1000), e.Tick(1000))
}

func TestBreakpoint_Reverse(t *testing.T) {
	e := playingAt(t, rangeStore(t), 900)
	require.NoError(t, e.SetSpeed(Speed{-1, 1}))
	e.ToggleBreakpoint(2)

	assert.Equal(t, model.Timestamp(700), e.Tick(500))
	assert.Equal(t, Paused, e.Mode())
}

func TestActiveState_Window(t *testing.T) {
	s := frozenStore(t, at(1, 100), at(1, 151), at(2, 150), at(1, 200), at(2, 260))
	e := New(s, Config{Window: 50})

	active := e.ActiveState(200)
	require.Len(t, active, 1, "window is (150, 200]: 150 excluded")
	require.Len(t, active[1], 2)
	assert.Equal(t, model.Timestamp(151), active[1][0].Timestamp)
	assert.Equal(t, model.Timestamp(200), active[1][1].Timestamp, "cursor itself is included")

	assert.Empty(t, e.ActiveState(50))
	assert.Equal(t, ActiveState{2: s.Query(2, 260, 261)}, e.ActiveState(300))
}

func TestActiveState_Deterministic(t *testing.T) {
	s := rangeStore(t)
	e := New(s, Config{Window: 200})
	e.Load()
	want := e.ActiveState(500)

	// Drive the engine through an arbitrary history, then ask again.
	e.Play()
	e.Tick(300)
	e.SetMarkerStart(50)
	e.SetMarkerEnd(600)
	e.ToggleLoop()
	require.NoError(t, e.SetSpeed(Speed{-3, 2}))
	e.Tick(700)
	e.Seek(999)
	e.Pause()

	assert.Equal(t, want, e.ActiveState(500))
	assert.Equal(t, want, Active(s, 500, 200))
}

func TestStepEvent(t *testing.T) {
	e := New(rangeStore(t), Config{})
	assert.False(t, e.StepEvent(), "no stepping before load")

	e.Load()
	var visited []model.Timestamp
	for e.StepEvent() {
		visited = append(visited, e.Cursor())
	}
	assert.Equal(t, []model.Timestamp{100, 300, 480, 700, 1000}, visited)
	assert.Equal(t, model.Timestamp(1000), e.Cursor())

	require.True(t, e.StepBack())
	assert.Equal(t, model.Timestamp(700), e.Cursor())

	e.Seek(350)
	require.True(t, e.StepBack())
	assert.Equal(t, model.Timestamp(300), e.Cursor())

	e.SeekFirst()
	assert.False(t, e.StepBack())
}

func TestStepEvent_PausesPlayback(t *testing.T) {
	e := playingAt(t, rangeStore(t), 150)
	require.True(t, e.StepEvent())
	assert.Equal(t, model.Timestamp(300), e.Cursor())
	assert.Equal(t, Paused, e.Mode())
	assert.Equal(t, model.Timestamp(300), e.Tick(time.Second))
}

func TestStepEvent_Loop(t *testing.T) {
	e := New(rangeStore(t), Config{Loop: true})
	e.Load()
	e.SetMarkerStart(100)
	e.SetMarkerEnd(500)
	e.Seek(480)

	require.True(t, e.StepEvent())
	assert.Equal(t, model.Timestamp(100), e.Cursor(), "wraps to the first event after the start marker")

	require.True(t, e.StepBack())
	assert.Equal(t, model.Timestamp(480), e.Cursor(), "wraps to the last event before the end marker")
}
