package counters

import (
	"fmt"
	"strings"
	"time"

	"github.com/rzbill/ipcd/internal/clock"
)

// Allocator hands out counter slots. Freed slots are reused in FIFO order once
// their reuse deadline has passed; untouched slots are taken from a high-water
// mark. It is owned by a single goroutine (the conductor).
type Allocator struct {
	store        *Store
	clock        clock.Clock
	reuseTimeout time.Duration
	freeList     []int32
	highWater    int32
	allocated    int
}

// NewAllocator returns an allocator over store.
func NewAllocator(store *Store, c clock.Clock, reuseTimeout time.Duration) *Allocator {
	if c == nil {
		c = clock.System{}
	}
	return &Allocator{store: store, clock: c, reuseTimeout: reuseTimeout}
}

// Store returns the underlying store.
func (a *Allocator) Store() *Store { return a.store }

// Allocated returns the number of slots currently in use.
func (a *Allocator) Allocated() int { return a.allocated }

// Allocate claims a slot, zeroes its value and tags it with the given
// identity. It returns ErrCountersExhausted when every slot is in use or still
// inside its reuse timeout.
func (a *Allocator) Allocate(typeID int32, registrationID int64, sessionID, streamID int32, channel, labelSuffix string) (int32, error) {
	id, err := a.nextID()
	if err != nil {
		return -1, err
	}
	a.store.Set(id, 0)
	a.store.writeMetadata(id, typeID, registrationID, sessionID, streamID,
		Label(typeID, registrationID, sessionID, streamID, channel, labelSuffix))
	a.store.setState(id, StateAllocated)
	a.allocated++
	return id, nil
}

// AllocateNamed claims a slot with a free-form label (used for system counters).
func (a *Allocator) AllocateNamed(typeID int32, label string) (int32, error) {
	id, err := a.nextID()
	if err != nil {
		return -1, err
	}
	a.store.Set(id, 0)
	a.store.writeMetadata(id, typeID, 0, 0, 0, label)
	a.store.setState(id, StateAllocated)
	a.allocated++
	return id, nil
}

func (a *Allocator) nextID() (int32, error) {
	if len(a.freeList) > 0 {
		head := a.freeList[0]
		meta, _ := a.store.Metadata(head)
		if meta.ReuseDeadline <= a.clock.Now().UnixMilli() {
			a.freeList = a.freeList[1:]
			return head, nil
		}
	}
	if int(a.highWater) < a.store.Capacity() {
		id := a.highWater
		a.highWater++
		return id, nil
	}
	return -1, fmt.Errorf("%w: capacity %d", ErrCountersExhausted, a.store.Capacity())
}

// Free returns a slot to the pool. Freeing a slot that is not allocated is an
// error and leaves the pool untouched.
func (a *Allocator) Free(id int32) error {
	if !a.store.valid(id) {
		return fmt.Errorf("%w: %d", ErrInvalidCounterID, id)
	}
	if a.store.State(id) != StateAllocated {
		return fmt.Errorf("%w: %d", ErrNotAllocated, id)
	}
	deadline := a.clock.Now().Add(a.reuseTimeout).UnixMilli()
	if a.reuseTimeout <= 0 {
		deadline = 0
	}
	a.store.setReuseDeadline(id, deadline)
	a.store.setState(id, StateReclaimed)
	a.freeList = append(a.freeList, id)
	a.allocated--
	return nil
}

// Label builds the diagnostic label for a stream counter:
// "<type>: <registration> <session> <stream> <channel> <suffix>".
func Label(typeID int32, registrationID int64, sessionID, streamID int32, channel, suffix string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d %d %d", TypeName(typeID), registrationID, sessionID, streamID)
	if channel != "" {
		b.WriteByte(' ')
		b.WriteString(channel)
	}
	if suffix != "" {
		b.WriteByte(' ')
		b.WriteString(suffix)
	}
	s := b.String()
	if len(s) > MaxLabelLength {
		s = s[:MaxLabelLength]
	}
	return s
}
