// Package counters implements the position counter store: a fixed-slot
// shared memory region of independently addressable 64-bit values, plus the
// allocator that hands slots out to publications and subscribers.
//
// # Layout
//
// A counters file is a 128-byte header followed by Capacity value slots of
// 64 bytes (one cache line each) and then Capacity metadata slots of 256
// bytes. Value slot i and metadata slot i describe the same counter.
//
//	header   magic[8] version:i32 capacity:i32 pid:i64 startMs:i64 ...
//	values   value:i64 pad[56]                                   x Capacity
//	metadata state:i32 type:i32 registration:i64 session:i32
//	         stream:i32 reuseDeadline:i64 labelLength:i32 ...
//	         label[200]                                          x Capacity
//
// # Concurrency
//
// Each counter has exactly one writer. Values are written with ordered stores
// and read with volatile loads, so other goroutines and processes (see Open)
// observe them without locks. The Allocator is owned by the conductor and is
// not safe for concurrent use.
package counters
