package procmaps

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync/atomic"
	"time"

	"github.com/mrzor/pfviz/internal/logger"
	"github.com/mrzor/pfviz/internal/model"

	"github.com/prometheus/procfs"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// DefaultInterval is the default polling interval.
const DefaultInterval = 10 * time.Millisecond

// Clock returns the current trace time.
type Clock func() model.Timestamp

// Monotonic reads CLOCK_MONOTONIC, the clock perf stamps samples with.
func Monotonic() model.Timestamp {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return model.Timestamp(time.Now().UnixNano())
	}
	return model.Timestamp(ts.Nano())
}

// Stats counts watcher activity.
type Stats struct {
	Polls   uint64
	Changes uint64
	Errors  uint64
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the watcher logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) {
		w.logger = l
	}
}

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) Option {
	return func(w *Watcher) {
		w.interval = d
	}
}

// WithClock overrides the timestamp source.
func WithClock(c Clock) Option {
	return func(w *Watcher) {
		w.clock = c
	}
}

// WithAnonymous keeps anonymous and pseudo mappings such as [heap].
func WithAnonymous() Option {
	return func(w *Watcher) {
		w.anonymous = true
	}
}

// Watcher polls /proc/<pid>/maps and reports differences as mapping changes.
type Watcher struct {
	fs        procfs.FS
	pid       int
	interval  time.Duration
	clock     Clock
	anonymous bool
	logger    *zap.Logger
	tracker   *Tracker

	polls   atomic.Uint64
	changes atomic.Uint64
	errors  atomic.Uint64
}

// NewWatcher creates a watcher for pid using the proc filesystem mounted at mountPoint.
func NewWatcher(mountPoint string, pid int, opts ...Option) (*Watcher, error) {
	fsys, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("opening proc filesystem at %s: %w", mountPoint, err)
	}

	w := &Watcher{
		fs:       fsys,
		pid:      pid,
		interval: DefaultInterval,
		clock:    Monotonic,
		tracker:  NewTracker(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = logger.OrNop(w.logger).With(zap.Int("pid", pid))
	if w.interval <= 0 {
		return nil, fmt.Errorf("invalid polling interval %s", w.interval)
	}
	return w, nil
}

// Snapshot reads the current mappings of the process.
func (w *Watcher) Snapshot() ([]Region, error) {
	proc, err := w.fs.Proc(w.pid)
	if err != nil {
		return nil, fmt.Errorf("opening process %d: %w", w.pid, err)
	}
	maps, err := proc.ProcMaps()
	if err != nil {
		return nil, fmt.Errorf("reading maps of process %d: %w", w.pid, err)
	}

	regions := make([]Region, 0, len(maps))
	for _, m := range maps {
		r := fromProcMap(m)
		if !w.anonymous && !r.fileBacked() {
			continue
		}
		regions = append(regions, r)
	}
	return regions, nil
}

// Poll takes one snapshot and returns the resulting changes.
func (w *Watcher) Poll() ([]model.MappingChange, error) {
	regions, err := w.Snapshot()
	if err != nil {
		return nil, err
	}
	w.polls.Add(1)

	changes := w.tracker.Update(regions, w.clock())
	w.changes.Add(uint64(len(changes)))
	return changes, nil
}

// Run polls until ctx is done or the process disappears, sending every change
// to out. It closes out before returning. A vanished process ends the run
// cleanly after destroying every tracked mapping.
func (w *Watcher) Run(ctx context.Context, out chan<- model.MappingChange) error {
	defer close(out)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		changes, err := w.Poll()
		switch {
		case err == nil:
		case errors.Is(err, fs.ErrNotExist):
			w.logger.Info("process exited, stopping maps watcher")
			changes = w.tracker.Close(w.clock())
			if err := send(ctx, out, changes); err != nil {
				return err
			}
			return nil
		default:
			w.errors.Add(1)
			w.logger.Warn("failed to poll process maps", zap.Error(err))
		}

		if err := send(ctx, out, changes); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func send(ctx context.Context, out chan<- model.MappingChange, changes []model.MappingChange) error {
	for _, c := range changes {
		select {
		case out <- c:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Stats returns the watcher counters.
func (w *Watcher) Stats() Stats {
	return Stats{
		Polls:   w.polls.Load(),
		Changes: w.changes.Load(),
		Errors:  w.errors.Load(),
	}
}
