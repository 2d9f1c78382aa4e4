// Package logbuffer implements the memory-mapped term log of one stream.
//
// A log file holds TermCount term buffers of TermLength bytes followed by a
// 4 KiB aligned metadata region. The metadata region carries one raw tail per
// term (termID<<32 | tail offset) and the active term count; the active term
// index is activeTermCount % TermCount.
//
// Frames are a 32-byte header plus payload, aligned to 32 bytes. The frame
// length is written last with an ordered store, so a reader that observes a
// positive length also observes the whole frame.
//
// Appending is single writer. When a term fills, the writer pads the
// remainder and rotates to the next term, zeroing it first, but only once
// the slowest reader has consumed the data that term last held. Otherwise
// the rotation is deferred and Append reports ErrBackPressure.
package logbuffer
