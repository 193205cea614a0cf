// Package decoder turns the tracing subprocess's framed sample records into RawEvents.
//
// Each frame is a fixed little-endian header followed by a payload:
//
//	┌────────────┬──────────┬───────────┬────────────┐
//	│ magic u16  │ type u8  │ flags u8  │ size u32   │  header, 8 bytes
//	├────────────┴──────────┴───────────┴────────────┤
//	│ timestamp u64 │ address u64 │ tid u32 │ sel u32 │  sample payload, 24 bytes
//	└────────────────────────────────────────────────┘
//
// The selector index is resolved through the SelectorTable given at trace
// start; it decides between PageFault and CustomPrecise(tag). Flag bit 0
// marks a precise sample.
//
// Decoders are pull-based: Next returns events one at a time and io.EOF once
// the stream is exhausted. A decoder is bound to one subprocess invocation and
// cannot be restarted.
//
// Malformed frames are skipped and counted. A stream truncated in the middle
// of a frame ends decoding cleanly with io.EOF.
package decoder
