// Package report renders sessions as text.
//
// Writer is the headless renderer used by cmd/pfviz:
//   - Summary prints the ingestion counters, the diagnostics of whichever
//     decoder fed the session, and one line per mapping with its size,
//     event counts and touched offset range
//   - Frame prints one line per playback tick listing the mappings active in
//     the lookback window
//
// Sizes and counts are formatted with go-humanize.
package report
