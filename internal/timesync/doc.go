// Package timesync converts monotonic trace timestamps to wall-clock time.
//
// Samples from perf and from the ring buffer are stamped with CLOCK_MONOTONIC
// (nanoseconds since boot). This package reads the boot time from /proc/stat
// through prometheus/procfs and adds the monotonic offset, which is how the
// session report labels the start and end of a live trace.
package timesync
