// Package procmaps follows the memory mappings of a live process.
//
// Linux offers no event stream for mmap/munmap short of perf itself, so the
// watcher polls /proc/<pid>/maps through prometheus/procfs and diffs
// consecutive snapshots:
//
//	snapshot N-1 ─┐
//	              ├─ Diff ─► gone  ─► Destroyed(id, t)
//	snapshot N  ──┘        └ added ─► Created(new id, t)
//
// A region whose bounds, offset or path changed between two polls is
// reported as a destroy plus a create, so every MappingID names exactly one
// immutable region. Changes are stamped with CLOCK_MONOTONIC at poll time,
// so they lag the real mmap by up to one polling interval.
//
// Only file-backed regions are reported unless WithAnonymous is given.
package procmaps
