// Package id provides monotonically increasing 64-bit registration ids.
//
// # Format
//
// An ID packs the generation time and a per-millisecond sequence:
// [44 bits ms since Epoch][20 bits sequence]. Ids are positive, sortable as
// plain integers, and unique within one driver process.
//
// # Monotonicity
//
// The Generator guards against clock regression by pinning to the last seen
// millisecond and bumping the sequence. When the sequence space of a
// millisecond is exhausted it waits for the next millisecond.
//
// Usage
//
//	g := id.NewGenerator()
//	regID := g.Next().Int64()
package id
