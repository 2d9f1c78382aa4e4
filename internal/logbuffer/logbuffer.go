package logbuffer

import (
	"errors"
	"fmt"
	"os"

	"github.com/rzbill/ipcd/internal/membuf"
	"github.com/rzbill/ipcd/internal/mmap"
)

var (
	// ErrInvalidGeometry is returned for term lengths or counts out of bounds.
	ErrInvalidGeometry = errors.New("logbuffer: invalid geometry")
	// ErrBackPressure is returned when an append cannot proceed yet.
	ErrBackPressure = errors.New("logbuffer: back pressure")
	// ErrMessageTooLong is returned for payloads larger than MaxPayloadLength.
	ErrMessageTooLong = errors.New("logbuffer: message too long")
	// ErrBadMetadata is returned when an opened file is not a log buffer.
	ErrBadMetadata = errors.New("logbuffer: bad metadata")
	// ErrMalformedFrame is returned for frames that fail validation.
	ErrMalformedFrame = errors.New("logbuffer: malformed frame")
	// ErrUnsupportedVersion is returned for frames of an unknown version.
	ErrUnsupportedVersion = errors.New("logbuffer: unsupported frame version")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("logbuffer: closed")
)

// Params describe a new log.
type Params struct {
	TermLength     int32
	TermCount      int32
	InitialTermID  int32
	SessionID      int32
	StreamID       int32
	RegistrationID int64
}

// Validate checks the geometry.
func (p Params) Validate() error {
	if p.TermLength < MinTermLength || p.TermLength > MaxTermLength || !membuf.IsPowerOfTwo(int64(p.TermLength)) {
		return fmt.Errorf("%w: term length %d must be a power of two in [%d, %d]", ErrInvalidGeometry, p.TermLength, MinTermLength, MaxTermLength)
	}
	if p.TermCount < MinTermCount || p.TermCount > MaxTermCount {
		return fmt.Errorf("%w: term count %d must be in [%d, %d]", ErrInvalidGeometry, p.TermCount, MinTermCount, MaxTermCount)
	}
	return nil
}

// LogBuffer is a mapped term log.
type LogBuffer struct {
	file          *mmap.File
	terms         []*membuf.Buffer
	meta          *membuf.Buffer
	termLength    int32
	termCount     int32
	initialTermID int32
	shift         int
}

// Create validates p, creates the log file at path and maps it. Nothing is
// left on disk when it fails.
func Create(path string, p Params) (*LogBuffer, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	f, err := mmap.Create(path, FileLength(p.TermLength, p.TermCount))
	if err != nil {
		return nil, err
	}
	lb := wrap(f, p.TermLength, p.TermCount, p.InitialTermID)
	m := lb.meta
	m.PutInt32(initialTermIDOffset, p.InitialTermID)
	m.PutInt32(termLengthOffset, p.TermLength)
	m.PutInt32(termCountOffset, p.TermCount)
	m.PutInt32(sessionIDOffset, p.SessionID)
	m.PutInt32(streamIDOffset, p.StreamID)
	m.PutInt64(registrationIDOffset, p.RegistrationID)
	m.PutInt64Ordered(endOfStreamOffset, -1)
	for i := 0; i < int(p.TermCount); i++ {
		// partitions not yet used carry the term id they would have had one lap ago
		termID := p.InitialTermID + int32(i)
		if i > 0 {
			termID -= p.TermCount
		}
		m.PutInt64Ordered(tailOffset(i), packTail(termID, 0))
	}
	m.PutInt32Ordered(activeTermCountOffset, 0)
	m.PutInt32Ordered(layoutVersionOffset, layoutVersion)
	return lb, nil
}

// Open maps an existing log file.
func Open(path string, writable bool) (*LogBuffer, error) {
	f, err := mmap.Open(path, MetadataLength, writable)
	if err != nil {
		return nil, err
	}
	size := len(f.Bytes())
	m := membuf.New(f.Bytes()[size-MetadataLength:])
	if m.GetInt32Volatile(layoutVersionOffset) != layoutVersion {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s", ErrBadMetadata, path)
	}
	termLength, termCount := m.GetInt32(termLengthOffset), m.GetInt32(termCountOffset)
	if err := (Params{TermLength: termLength, TermCount: termCount}).Validate(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %v", ErrBadMetadata, err)
	}
	if int64(size) != FileLength(termLength, termCount) {
		_ = f.Close()
		return nil, fmt.Errorf("%w: size %d does not match geometry", ErrBadMetadata, size)
	}
	return wrap(f, termLength, termCount, m.GetInt32(initialTermIDOffset)), nil
}

func wrap(f *mmap.File, termLength, termCount, initialTermID int32) *LogBuffer {
	all := membuf.New(f.Bytes())
	lb := &LogBuffer{
		file:          f,
		meta:          all.Slice(MetadataOffset(termLength, termCount), MetadataLength),
		termLength:    termLength,
		termCount:     termCount,
		initialTermID: initialTermID,
		shift:         PositionBitsToShift(termLength),
	}
	for i := 0; i < int(termCount); i++ {
		lb.terms = append(lb.terms, all.Slice(i*int(termLength), int(termLength)))
	}
	return lb
}

func (lb *LogBuffer) Path() string             { return lb.file.Path() }
func (lb *LogBuffer) TermLength() int32        { return lb.termLength }
func (lb *LogBuffer) TermCount() int32         { return lb.termCount }
func (lb *LogBuffer) InitialTermID() int32     { return lb.initialTermID }
func (lb *LogBuffer) PositionBitsToShift() int { return lb.shift }
func (lb *LogBuffer) SessionID() int32         { return lb.meta.GetInt32(sessionIDOffset) }
func (lb *LogBuffer) StreamID() int32          { return lb.meta.GetInt32(streamIDOffset) }
func (lb *LogBuffer) RegistrationID() int64    { return lb.meta.GetInt64(registrationIDOffset) }

// Term returns partition index.
func (lb *LogBuffer) Term(index int) *membuf.Buffer { return lb.terms[index] }

// ActiveTermCount returns the number of rotations since creation.
func (lb *LogBuffer) ActiveTermCount() int32 { return lb.meta.GetInt32Volatile(activeTermCountOffset) }

// ActiveTermIndex returns the partition currently being appended to.
func (lb *LogBuffer) ActiveTermIndex() int { return int(lb.ActiveTermCount() % lb.termCount) }

// RawTail returns the packed term id and tail offset of partition index.
func (lb *LogBuffer) RawTail(index int) (termID, offset int32) {
	return unpackTail(lb.meta.GetInt64Volatile(tailOffset(index)))
}

// ProducerPosition returns the position just past the last appended frame.
func (lb *LogBuffer) ProducerPosition() int64 {
	termID, offset := lb.RawTail(lb.ActiveTermIndex())
	return ComputePosition(termID, offset, lb.shift, lb.initialTermID)
}

// EndOfStreamPosition returns the position at which the stream ended, or -1.
func (lb *LogBuffer) EndOfStreamPosition() int64 { return lb.meta.GetInt64Volatile(endOfStreamOffset) }

// SetEndOfStreamPosition marks the stream as ended at position.
func (lb *LogBuffer) SetEndOfStreamPosition(position int64) {
	lb.meta.PutInt64Ordered(endOfStreamOffset, position)
}

// Window returns how many bytes the log holds without lapping a reader.
func (lb *LogBuffer) Window() int64 { return int64(lb.termLength) * int64(lb.termCount-1) }

// Sync flushes the mapping.
func (lb *LogBuffer) Sync() error { return lb.file.Sync() }

// Close unmaps the log. The file is left in place.
func (lb *LogBuffer) Close() error { return lb.file.Close() }

// CloseAndRemove unmaps the log and deletes the file.
func (lb *LogBuffer) CloseAndRemove() error { return lb.file.CloseAndRemove() }

// Remove deletes a log file that is no longer mapped.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
