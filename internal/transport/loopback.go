package transport

import (
	"sync"
)

// Loopback connects a SendEndpoint directly to a ReceiveEndpoint in memory.
// Frames are copied on Send. An optional Filter can drop frames to simulate
// loss.
type Loopback struct {
	mu       sync.Mutex
	frames   [][]byte
	control  []StatusMessage
	capacity int

	// Filter, when set, is consulted for every sent frame; returning false drops it.
	Filter func(frame []byte) bool
}

// NewLoopback returns a loopback holding at most capacity frames in flight.
func NewLoopback(capacity int) *Loopback {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Loopback{capacity: capacity}
}

// Send implements SendEndpoint.
func (l *Loopback) Send(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Filter != nil && !l.Filter(frame) {
		return nil
	}
	if len(l.frames) >= l.capacity {
		return ErrFull
	}
	l.frames = append(l.frames, append([]byte(nil), frame...))
	return nil
}

// PollControl implements SendEndpoint.
func (l *Loopback) PollControl(handler func(StatusMessage), limit int) int {
	l.mu.Lock()
	n := len(l.control)
	if limit > 0 && n > limit {
		n = limit
	}
	batch := append([]StatusMessage(nil), l.control[:n]...)
	l.control = l.control[n:]
	l.mu.Unlock()
	for _, m := range batch {
		handler(m)
	}
	return n
}

// Poll implements ReceiveEndpoint.
func (l *Loopback) Poll(handler FrameHandler, limit int) int {
	l.mu.Lock()
	n := len(l.frames)
	if limit > 0 && n > limit {
		n = limit
	}
	batch := l.frames[:n:n]
	l.frames = l.frames[n:]
	l.mu.Unlock()
	for _, f := range batch {
		handler(f)
	}
	return n
}

// SendStatus implements ReceiveEndpoint.
func (l *Loopback) SendStatus(msg StatusMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.control) >= l.capacity {
		return ErrFull
	}
	l.control = append(l.control, msg)
	return nil
}

// Pending returns the number of frames waiting to be received.
func (l *Loopback) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.frames)
}

// Inject queues a raw frame as if it had arrived from the network.
func (l *Loopback) Inject(frame []byte) {
	l.mu.Lock()
	l.frames = append(l.frames, append([]byte(nil), frame...))
	l.mu.Unlock()
}
