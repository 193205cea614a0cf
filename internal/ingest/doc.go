// Package ingest merges decoded events with mapping changes and drives them
// through attribution into the timeline store.
//
//	decoder ──► EventSource ──┐
//	                          ├──► Merge ──► Table.Apply
//	procmaps ─► ChangeSource ─┘         └──► Attribute ──► Store.Insert
//
// Sources are pull sequences ending with io.EOF. Producers that push (a ring
// buffer reader, a /proc poller) run in their own goroutines behind a
// ChanSource; RunConcurrent supervises them with an errgroup so that a fatal
// ordering error or a cancelled context stops everything.
//
// Ingestion is the only writer of the table and the store. Once Run returns,
// both are handed to playback read-only.
package ingest
