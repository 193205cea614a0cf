package timesync

import (
	"fmt"
	"time"

	"github.com/mrzor/pfviz/internal/model"

	"github.com/prometheus/procfs"
)

// Converter handles conversion from monotonic trace timestamps to wall-clock time.
type Converter struct {
	bootTime time.Time
}

// NewConverter reads the boot time from the proc filesystem mounted at
// mountPoint. If reading fails, it falls back to a conservative estimate and
// returns the error alongside a usable converter.
func NewConverter(mountPoint string) (*Converter, error) {
	bootTime, err := bootTimeFrom(mountPoint)
	if err != nil {
		// An hour-old boot keeps wall-clock labels plausible.
		return &Converter{bootTime: time.Now().Add(-time.Hour)}, err
	}
	return &Converter{bootTime: bootTime}, nil
}

// FromBootTime creates a converter with a known boot time.
func FromBootTime(bootTime time.Time) *Converter {
	return &Converter{bootTime: bootTime}
}

// WallClock converts a monotonic timestamp (nanoseconds since boot) to wall-clock time.
func (c *Converter) WallClock(ts model.Timestamp) time.Time {
	return c.bootTime.Add(ts.Duration())
}

// BootTime returns the system boot time used for conversions.
func (c *Converter) BootTime() time.Time {
	return c.bootTime
}

func bootTimeFrom(mountPoint string) (time.Time, error) {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to open proc filesystem at %s: %w", mountPoint, err)
	}

	stat, err := fs.Stat()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read %s/stat: %w", mountPoint, err)
	}
	if stat.BootTime == 0 {
		return time.Time{}, fmt.Errorf("btime not found in %s/stat", mountPoint)
	}

	return time.Unix(int64(stat.BootTime), 0), nil //nolint:gosec // btime is a Unix timestamp
}
