package logbuffer

import (
	"math/bits"

	"github.com/rzbill/ipcd/internal/membuf"
)

// Geometry bounds.
const (
	MinTermLength = 1024
	MaxTermLength = 1 << 30
	MinTermCount  = 2
	MaxTermCount  = 16

	// MetadataLength is the size of the metadata region.
	MetadataLength = 4096
	// PageSize is the alignment of the metadata region.
	PageSize = 4096
)

// Metadata region offsets, relative to the start of the region.
const (
	tailCounterLength = 64

	activeTermCountOffset = MaxTermCount * tailCounterLength
	initialTermIDOffset   = activeTermCountOffset + 64
	termLengthOffset      = initialTermIDOffset + 4
	termCountOffset       = termLengthOffset + 4
	sessionIDOffset       = termCountOffset + 4
	streamIDOffset        = sessionIDOffset + 4
	registrationIDOffset  = streamIDOffset + 8
	endOfStreamOffset     = registrationIDOffset + 8
	layoutVersionOffset   = endOfStreamOffset + 8

	layoutVersion int32 = 1
)

func tailOffset(index int) int { return index * tailCounterLength }

// MetadataOffset returns where the metadata region starts.
func MetadataOffset(termLength, termCount int32) int {
	return membuf.Align(int(termLength)*int(termCount), PageSize)
}

// FileLength returns the log file size for a geometry.
func FileLength(termLength, termCount int32) int64 {
	return int64(MetadataOffset(termLength, termCount)) + MetadataLength
}

// PositionBitsToShift returns log2(termLength).
func PositionBitsToShift(termLength int32) int {
	return bits.TrailingZeros32(uint32(termLength))
}

// ComputePosition converts a term id and offset to a stream position.
func ComputePosition(termID, termOffset int32, shift int, initialTermID int32) int64 {
	return int64(termID-initialTermID)<<shift + int64(termOffset)
}

// ComputeTermID returns the term id holding position.
func ComputeTermID(position int64, shift int, initialTermID int32) int32 {
	return int32(position>>shift) + initialTermID
}

// TermIndex maps a term id to its partition.
func TermIndex(termID, initialTermID, termCount int32) int {
	return int((termID - initialTermID) % termCount)
}

func packTail(termID, offset int32) int64 { return int64(termID)<<32 | int64(uint32(offset)) }

func unpackTail(raw int64) (termID, offset int32) { return int32(raw >> 32), int32(raw) }

// MaxFrameLength is the largest aligned frame a term of termLength accepts.
func MaxFrameLength(termLength int32) int { return int(termLength) / 8 }

// MaxPayloadLength is the largest payload one frame can carry.
func MaxPayloadLength(termLength int32) int { return MaxFrameLength(termLength) - HeaderLength }
