// Package session ties ingestion and playback together for one trace.
//
// A session is the boundary the renderer talks to:
//
//	sources ─► Ingest ─► mapping.Table ─┐
//	                  └► attribution ───┴► timeline.Store (frozen) ─► playback.Engine
//	                                                                      │
//	renderer ◄──────────── Frame{State, Active, Mappings} ◄───────────────┘
//
// Each call to New builds fresh components, so independent traces can be
// loaded side by side.
package session
