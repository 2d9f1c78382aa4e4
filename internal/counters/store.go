package counters

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rzbill/ipcd/internal/membuf"
	"github.com/rzbill/ipcd/internal/mmap"
)

var (
	// ErrCountersExhausted is returned when no slot is free.
	ErrCountersExhausted = errors.New("counters: exhausted")
	// ErrInvalidCounterID is returned for ids outside [0, capacity).
	ErrInvalidCounterID = errors.New("counters: invalid counter id")
	// ErrNotAllocated is returned when freeing a slot that is not allocated.
	ErrNotAllocated = errors.New("counters: counter not allocated")
	// ErrBadHeader is returned by Open for files that are not counters files.
	ErrBadHeader = errors.New("counters: bad header")
)

// Meta is a decoded metadata slot.
type Meta struct {
	State          int32
	TypeID         int32
	RegistrationID int64
	SessionID      int32
	StreamID       int32
	ReuseDeadline  int64
	Label          string
}

// Store is a counters region, either mapped from a file or held in memory.
type Store struct {
	file     *mmap.File
	buf      *membuf.Buffer
	capacity int
}

// Create makes a new counters file at path and writes its header.
func Create(path string, capacity int) (*Store, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity %d", ErrInvalidCounterID, capacity)
	}
	f, err := mmap.Create(path, int64(FileLength(capacity)))
	if err != nil {
		return nil, err
	}
	s := &Store{file: f, buf: membuf.New(f.Bytes()), capacity: capacity}
	s.writeHeader()
	return s, nil
}

// NewInMemory returns a store backed by process memory (no file).
func NewInMemory(capacity int) *Store {
	s := &Store{buf: membuf.New(make([]byte, FileLength(capacity))), capacity: capacity}
	s.writeHeader()
	return s
}

// Open maps an existing counters file read-only, e.g. for a stat tool in
// another process.
func Open(path string) (*Store, error) {
	f, err := mmap.Open(path, HeaderLength, false)
	if err != nil {
		return nil, err
	}
	buf := membuf.New(f.Bytes())
	if string(buf.View(headerMagicOffset, len(Magic))) != Magic {
		_ = f.Close()
		return nil, fmt.Errorf("%w: magic mismatch in %s", ErrBadHeader, path)
	}
	if v := buf.GetInt32Volatile(headerVersionOffset); v != Version {
		_ = f.Close()
		return nil, fmt.Errorf("%w: version %d, want %d", ErrBadHeader, v, Version)
	}
	capacity := int(buf.GetInt32(headerCapacityOffset))
	if capacity <= 0 || FileLength(capacity) > buf.Len() {
		_ = f.Close()
		return nil, fmt.Errorf("%w: capacity %d does not fit %d bytes", ErrBadHeader, capacity, buf.Len())
	}
	return &Store{file: f, buf: buf, capacity: capacity}, nil
}

func (s *Store) writeHeader() {
	s.buf.PutBytes(headerMagicOffset, []byte(Magic))
	s.buf.PutInt32(headerCapacityOffset, int32(s.capacity))
	s.buf.PutInt64(headerPIDOffset, int64(os.Getpid()))
	s.buf.PutInt64(headerStartTimeOffset, time.Now().UnixMilli())
	s.buf.PutInt32Ordered(headerVersionOffset, Version)
}

// Capacity returns the number of slots.
func (s *Store) Capacity() int { return s.capacity }

// Path returns the backing file path, or "" for in-memory stores.
func (s *Store) Path() string {
	if s.file == nil {
		return ""
	}
	return s.file.Path()
}

// PID returns the pid of the process that created the store.
func (s *Store) PID() int64 { return s.buf.GetInt64(headerPIDOffset) }

// StartTime returns when the store was created.
func (s *Store) StartTime() time.Time { return time.UnixMilli(s.buf.GetInt64(headerStartTimeOffset)) }

func (s *Store) valid(id int32) bool { return id >= 0 && int(id) < s.capacity }

// Get returns the value of counter id with a volatile load.
func (s *Store) Get(id int32) int64 {
	if !s.valid(id) {
		panic(fmt.Sprintf("counters: id %d out of range [0,%d)", id, s.capacity))
	}
	return s.buf.GetInt64Volatile(valueOffset(id))
}

// Set stores v in counter id with an ordered store.
func (s *Store) Set(id int32, v int64) {
	if !s.valid(id) {
		panic(fmt.Sprintf("counters: id %d out of range [0,%d)", id, s.capacity))
	}
	s.buf.PutInt64Ordered(valueOffset(id), v)
}

// Add atomically adds delta to counter id and returns the new value.
func (s *Store) Add(id int32, delta int64) int64 {
	if !s.valid(id) {
		panic(fmt.Sprintf("counters: id %d out of range [0,%d)", id, s.capacity))
	}
	return s.buf.GetAndAddInt64(valueOffset(id), delta) + delta
}

// State returns the slot state of id.
func (s *Store) State(id int32) int32 {
	if !s.valid(id) {
		return StateUnused
	}
	return s.buf.GetInt32Volatile(metadataOffset(s.capacity, id) + metaStateOffset)
}

// Metadata decodes the metadata slot of id.
func (s *Store) Metadata(id int32) (Meta, error) {
	if !s.valid(id) {
		return Meta{}, fmt.Errorf("%w: %d", ErrInvalidCounterID, id)
	}
	off := metadataOffset(s.capacity, id)
	m := Meta{State: s.buf.GetInt32Volatile(off + metaStateOffset)}
	m.TypeID = s.buf.GetInt32(off + metaTypeIDOffset)
	m.RegistrationID = s.buf.GetInt64(off + metaRegistrationIDOffset)
	m.SessionID = s.buf.GetInt32(off + metaSessionIDOffset)
	m.StreamID = s.buf.GetInt32(off + metaStreamIDOffset)
	m.ReuseDeadline = s.buf.GetInt64Volatile(off + metaReuseDeadlineOffset)
	n := int(s.buf.GetInt32(off + metaLabelLengthOffset))
	if n < 0 || n > MaxLabelLength {
		n = 0
	}
	m.Label = string(s.buf.View(off+metaLabelOffset, n))
	return m, nil
}

// ForEach calls fn for every allocated counter in id order. It stops early if
// fn returns false.
func (s *Store) ForEach(fn func(id int32, value int64, meta Meta) bool) {
	for i := 0; i < s.capacity; i++ {
		id := int32(i)
		if s.State(id) != StateAllocated {
			continue
		}
		meta, err := s.Metadata(id)
		if err != nil || meta.State != StateAllocated {
			continue
		}
		if !fn(id, s.Get(id), meta) {
			return
		}
	}
}

// FindByLabel returns the first allocated counter of typeID whose label is label.
func (s *Store) FindByLabel(typeID int32, label string) (int32, bool) {
	found := int32(-1)
	s.ForEach(func(id int32, _ int64, meta Meta) bool {
		if meta.TypeID == typeID && meta.Label == label {
			found = id
			return false
		}
		return true
	})
	return found, found >= 0
}

// Sync flushes a file-backed store.
func (s *Store) Sync() error {
	if s.file == nil {
		return nil
	}
	return s.file.Sync()
}

// Close unmaps a file-backed store. The file itself is left in place.
func (s *Store) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

func (s *Store) writeMetadata(id int32, typeID int32, registrationID int64, sessionID, streamID int32, label string) {
	off := metadataOffset(s.capacity, id)
	s.buf.PutInt32(off+metaTypeIDOffset, typeID)
	s.buf.PutInt64(off+metaRegistrationIDOffset, registrationID)
	s.buf.PutInt32(off+metaSessionIDOffset, sessionID)
	s.buf.PutInt32(off+metaStreamIDOffset, streamID)
	s.buf.PutInt64Ordered(off+metaReuseDeadlineOffset, 0)
	if len(label) > MaxLabelLength {
		label = label[:MaxLabelLength]
	}
	s.buf.SetMemory(off+metaLabelOffset, MaxLabelLength, 0)
	s.buf.PutBytes(off+metaLabelOffset, []byte(label))
	s.buf.PutInt32(off+metaLabelLengthOffset, int32(len(label)))
}

func (s *Store) setState(id int32, state int32) {
	s.buf.PutInt32Ordered(metadataOffset(s.capacity, id)+metaStateOffset, state)
}

func (s *Store) setReuseDeadline(id int32, deadlineMs int64) {
	s.buf.PutInt64Ordered(metadataOffset(s.capacity, id)+metaReuseDeadlineOffset, deadlineMs)
}
