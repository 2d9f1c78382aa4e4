// Package membuf wraps a byte slice (usually a memory mapping) with
// offset-based, bounds-checked accessors. Ordered/volatile accessors use
// sync/atomic so a single writer can publish values to readers in other
// goroutines or processes without locks.
//
// Multi-byte plain accessors are little endian. Atomic accessors use the
// native byte order, so the two agree only on little-endian hosts
// (amd64, arm64), which are the supported targets.
package membuf

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Buffer is a view over memory that may be shared with other processes.
type Buffer struct {
	b []byte
}

// New wraps b. The caller keeps ownership of the memory.
func New(b []byte) *Buffer { return &Buffer{b: b} }

// Len returns the capacity of the view in bytes.
func (m *Buffer) Len() int { return len(m.b) }

// Bytes exposes the underlying memory.
func (m *Buffer) Bytes() []byte { return m.b }

// Slice returns a view of [offset, offset+length).
func (m *Buffer) Slice(offset, length int) *Buffer {
	m.check(offset, length)
	return &Buffer{b: m.b[offset : offset+length : offset+length]}
}

func (m *Buffer) check(offset, length int) {
	if offset < 0 || length < 0 || offset+length > len(m.b) {
		panic(fmt.Sprintf("membuf: index out of range [%d:%d] with length %d", offset, offset+length, len(m.b)))
	}
}

func (m *Buffer) checkAligned(offset, length int) {
	m.check(offset, length)
	if offset%length != 0 {
		panic(fmt.Sprintf("membuf: offset %d not aligned to %d", offset, length))
	}
}

func (m *Buffer) ptr64(offset int) *int64 {
	m.checkAligned(offset, 8)
	return (*int64)(unsafe.Pointer(&m.b[offset]))
}

func (m *Buffer) ptr32(offset int) *int32 {
	m.checkAligned(offset, 4)
	return (*int32)(unsafe.Pointer(&m.b[offset]))
}

// GetInt64Volatile atomically loads the int64 at offset.
func (m *Buffer) GetInt64Volatile(offset int) int64 { return atomic.LoadInt64(m.ptr64(offset)) }

// PutInt64Ordered atomically stores v at offset.
func (m *Buffer) PutInt64Ordered(offset int, v int64) { atomic.StoreInt64(m.ptr64(offset), v) }

// GetAndAddInt64 atomically adds delta and returns the previous value.
func (m *Buffer) GetAndAddInt64(offset int, delta int64) int64 {
	return atomic.AddInt64(m.ptr64(offset), delta) - delta
}

// CompareAndSetInt64 atomically swaps old for v.
func (m *Buffer) CompareAndSetInt64(offset int, old, v int64) bool {
	return atomic.CompareAndSwapInt64(m.ptr64(offset), old, v)
}

// GetInt32Volatile atomically loads the int32 at offset.
func (m *Buffer) GetInt32Volatile(offset int) int32 { return atomic.LoadInt32(m.ptr32(offset)) }

// PutInt32Ordered atomically stores v at offset.
func (m *Buffer) PutInt32Ordered(offset int, v int32) { atomic.StoreInt32(m.ptr32(offset), v) }

// CompareAndSetInt32 atomically swaps old for v.
func (m *Buffer) CompareAndSetInt32(offset int, old, v int32) bool {
	return atomic.CompareAndSwapInt32(m.ptr32(offset), old, v)
}

func (m *Buffer) GetInt64(offset int) int64 {
	m.check(offset, 8)
	return int64(binary.LittleEndian.Uint64(m.b[offset:]))
}

func (m *Buffer) PutInt64(offset int, v int64) {
	m.check(offset, 8)
	binary.LittleEndian.PutUint64(m.b[offset:], uint64(v))
}

func (m *Buffer) GetInt32(offset int) int32 {
	m.check(offset, 4)
	return int32(binary.LittleEndian.Uint32(m.b[offset:]))
}

func (m *Buffer) PutInt32(offset int, v int32) {
	m.check(offset, 4)
	binary.LittleEndian.PutUint32(m.b[offset:], uint32(v))
}

func (m *Buffer) GetUint16(offset int) uint16 {
	m.check(offset, 2)
	return binary.LittleEndian.Uint16(m.b[offset:])
}

func (m *Buffer) PutUint16(offset int, v uint16) {
	m.check(offset, 2)
	binary.LittleEndian.PutUint16(m.b[offset:], v)
}

func (m *Buffer) GetUint8(offset int) uint8 {
	m.check(offset, 1)
	return m.b[offset]
}

func (m *Buffer) PutUint8(offset int, v uint8) {
	m.check(offset, 1)
	m.b[offset] = v
}

// PutBytes copies src into the buffer at offset.
func (m *Buffer) PutBytes(offset int, src []byte) {
	m.check(offset, len(src))
	copy(m.b[offset:], src)
}

// View returns the bytes at [offset, offset+length) without copying.
func (m *Buffer) View(offset, length int) []byte {
	m.check(offset, length)
	return m.b[offset : offset+length : offset+length]
}

// SetMemory fills [offset, offset+length) with v.
func (m *Buffer) SetMemory(offset, length int, v byte) {
	m.check(offset, length)
	region := m.b[offset : offset+length]
	if v == 0 {
		clear(region)
		return
	}
	for i := range region {
		region[i] = v
	}
}

// Align rounds v up to the next multiple of alignment (a power of two).
func Align(v, alignment int) int {
	return (v + alignment - 1) &^ (alignment - 1)
}

// IsPowerOfTwo reports whether v is a positive power of two.
func IsPowerOfTwo(v int64) bool { return v > 0 && v&(v-1) == 0 }
