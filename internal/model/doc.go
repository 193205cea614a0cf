// Package model holds the data types shared by every stage of a pfviz session.
//
// Flow of values through the stages:
//
//	decoder ──→ RawEvent ─────────┐
//	                              ├──→ ingest merge ──→ attribution ──→ AttributedEvent ──→ timeline
//	procmaps ─→ MappingChange ────┘          │
//	                                         └──→ mapping table (Mapping)
//
// RawEvent, Mapping and AttributedEvent are values: once produced they are
// never mutated. The only exception is Mapping.DestroyedAt, stamped by the
// mapping table when the mapping goes away.
package model
