// Package transport defines the endpoints the data-path agents use to move
// frames in and out of the driver, plus an in-memory loopback used by tests
// and embedded drivers. Socket transports live outside this module.
package transport

import "errors"

// ErrFull is returned by non-blocking sends when the peer cannot accept more.
var ErrFull = errors.New("transport: full")

// StatusType distinguishes control messages flowing from receiver to sender.
type StatusType uint8

const (
	// StatusUpdate reports the consumer position of a stream.
	StatusUpdate StatusType = iota + 1
	// StatusNak requests retransmission starting at Position.
	StatusNak
)

func (t StatusType) String() string {
	switch t {
	case StatusUpdate:
		return "status"
	case StatusNak:
		return "nak"
	default:
		return "unknown"
	}
}

// StatusMessage is a control message from a receiver to a sender.
type StatusMessage struct {
	Type      StatusType
	SessionID int32
	StreamID  int32
	Position  int64
	Length    int32
}

// FrameHandler is called with each received frame. The slice is only valid
// for the duration of the call.
type FrameHandler func(frame []byte)

// ReceiveEndpoint delivers inbound frames to the Receiver.
type ReceiveEndpoint interface {
	// Poll hands up to limit pending frames to handler without blocking and
	// returns how many were delivered.
	Poll(handler FrameHandler, limit int) int
	// SendStatus sends a control message back to the remote sender.
	SendStatus(msg StatusMessage) error
}

// SendEndpoint carries outbound frames for the Sender.
type SendEndpoint interface {
	// Send transmits one frame without blocking.
	Send(frame []byte) error
	// PollControl hands pending control messages to handler.
	PollControl(handler func(StatusMessage), limit int) int
}
