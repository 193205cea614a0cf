// Package playback replays a frozen timeline.
//
// The engine is a small state machine driven by the renderer's frame loop:
//
//	Stopped --Load--> Paused <--Play/Pause--> Playing
//	                     ^                       |
//	                     +------ breakpoint -----+
//
// Every frame the renderer calls Tick with the wall-clock time elapsed since
// the previous frame. A Playing engine moves its cursor by speed × elapsed
// (speed is a signed rational, so reverse and fractional playback are exact),
// wraps inside the loop region when looping is enabled and both markers are
// set, and otherwise clamps to the timeline range. Reaching the end of the
// range does not stop playback; the cursor simply stays there.
//
// ActiveState answers "what is happening now" for the renderer: the events
// with timestamps in (cursor-W, cursor] grouped by mapping. It is a pure
// function of the store, the cursor and W, so scrubbing is reproducible.
package playback
