package logbuffer

import (
	"errors"
	"fmt"

	"github.com/rzbill/ipcd/internal/membuf"
)

// ErrLapped is returned by Scan when the data at a position was overwritten.
var ErrLapped = errors.New("logbuffer: reader lapped")

// Append writes payload as one DATA frame and returns the new producer
// position. minReaderPosition is the slowest reader's position; rotating into
// a term that still holds data unread at that position is deferred and
// reported as ErrBackPressure. Append must only be called by the log's single
// writer.
func (lb *LogBuffer) Append(payload []byte, reserved int64, minReaderPosition int64) (int64, error) {
	if len(payload) > MaxPayloadLength(lb.termLength) {
		return 0, fmt.Errorf("%w: %d > %d", ErrMessageTooLong, len(payload), MaxPayloadLength(lb.termLength))
	}
	frameLength := HeaderLength + len(payload)
	aligned := membuf.Align(frameLength, FrameAlignment)

	index := lb.ActiveTermIndex()
	termID, offset := lb.RawTail(index)
	if int(offset)+aligned > int(lb.termLength) {
		if offset < lb.termLength {
			lb.pad(index, termID, offset)
		}
		if !lb.rotate(minReaderPosition) {
			return 0, ErrBackPressure
		}
		index = lb.ActiveTermIndex()
		termID, offset = lb.RawTail(index)
	}

	term := lb.terms[index]
	term.PutBytes(int(offset)+HeaderLength, payload)
	PutHeader(term, int(offset), Header{
		FrameLength: int32(frameLength),
		Version:     CurrentVersion,
		Flags:       Unfragmented,
		Type:        TypeData,
		TermOffset:  offset,
		SessionID:   lb.SessionID(),
		StreamID:    lb.StreamID(),
		TermID:      termID,
		Reserved:    reserved,
	})
	newOffset := offset + int32(aligned)
	lb.meta.PutInt64Ordered(tailOffset(index), packTail(termID, newOffset))
	if newOffset == lb.termLength {
		// rotate eagerly; a deferred rotation is retried by the next append
		lb.rotate(minReaderPosition)
	}
	return ComputePosition(termID, newOffset, lb.shift, lb.initialTermID), nil
}

// NextFramePosition returns the position a frame carrying payloadLength bytes
// would be written at.
func (lb *LogBuffer) NextFramePosition(payloadLength int) int64 {
	aligned := membuf.Align(HeaderLength+payloadLength, FrameAlignment)
	termID, offset := lb.RawTail(lb.ActiveTermIndex())
	if int(offset)+aligned > int(lb.termLength) {
		termID++
		offset = 0
	}
	return ComputePosition(termID, offset, lb.shift, lb.initialTermID)
}

func (lb *LogBuffer) pad(index int, termID, offset int32) {
	PutHeader(lb.terms[index], int(offset), Header{
		FrameLength: lb.termLength - offset,
		Version:     CurrentVersion,
		Flags:       Unfragmented,
		Type:        TypePad,
		TermOffset:  offset,
		SessionID:   lb.SessionID(),
		StreamID:    lb.StreamID(),
		TermID:      termID,
	})
	lb.meta.PutInt64Ordered(tailOffset(index), packTail(termID, lb.termLength))
}

// rotate advances the active term if the next partition is free, zeroing it
// first. It reports whether the rotation happened.
func (lb *LogBuffer) rotate(minReaderPosition int64) bool {
	active := lb.ActiveTermCount()
	index := int(active % lb.termCount)
	termID, offset := lb.RawTail(index)
	if offset < lb.termLength {
		return true
	}
	nextTermID := termID + 1
	nextTermStart := ComputePosition(nextTermID, 0, lb.shift, lb.initialTermID)
	// the partition last held the term one lap before nextTermID
	if minReaderPosition < nextTermStart-lb.Window() {
		return false
	}
	nextIndex := int((active + 1) % lb.termCount)
	next := lb.terms[nextIndex]
	next.SetMemory(0, next.Len(), 0)
	lb.meta.PutInt64Ordered(tailOffset(nextIndex), packTail(nextTermID, 0))
	lb.meta.PutInt32Ordered(activeTermCountOffset, active+1)
	return true
}
