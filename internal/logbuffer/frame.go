package logbuffer

import (
	"github.com/rzbill/ipcd/internal/membuf"
)

// Frame header layout (little endian).
const (
	HeaderLength   = 32
	FrameAlignment = 32

	frameLengthOffset = 0
	versionOffset     = 4
	flagsOffset       = 5
	typeOffset        = 6
	termOffsetOffset  = 8
	sessionIDField    = 12
	streamIDField     = 16
	termIDField       = 20
	reservedOffset    = 24

	CurrentVersion uint8 = 1

	// Unfragmented marks a frame that carries a whole message.
	Unfragmented uint8 = 0xC0
)

// Frame types.
const (
	TypePad  uint16 = 0
	TypeData uint16 = 1
)

// Header is a decoded frame header.
type Header struct {
	FrameLength int32
	Version     uint8
	Flags       uint8
	Type        uint16
	TermOffset  int32
	SessionID   int32
	StreamID    int32
	TermID      int32
	Reserved    int64
}

// AlignedLength returns the frame length rounded up to FrameAlignment.
func (h Header) AlignedLength() int { return membuf.Align(int(h.FrameLength), FrameAlignment) }

// PutHeader writes h at offset, storing the frame length last with an
// ordered store.
func PutHeader(buf *membuf.Buffer, offset int, h Header) {
	buf.PutUint8(offset+versionOffset, h.Version)
	buf.PutUint8(offset+flagsOffset, h.Flags)
	buf.PutUint16(offset+typeOffset, h.Type)
	buf.PutInt32(offset+termOffsetOffset, h.TermOffset)
	buf.PutInt32(offset+sessionIDField, h.SessionID)
	buf.PutInt32(offset+streamIDField, h.StreamID)
	buf.PutInt32(offset+termIDField, h.TermID)
	buf.PutInt64(offset+reservedOffset, h.Reserved)
	buf.PutInt32Ordered(offset+frameLengthOffset, h.FrameLength)
}

// FrameLengthVolatile loads the frame length at offset; zero means no frame yet.
func FrameLengthVolatile(buf *membuf.Buffer, offset int) int32 {
	return buf.GetInt32Volatile(offset + frameLengthOffset)
}

// GetHeader decodes the header at offset. Callers first check the frame
// length with FrameLengthVolatile.
func GetHeader(buf *membuf.Buffer, offset int) Header {
	return Header{
		FrameLength: buf.GetInt32(offset + frameLengthOffset),
		Version:     buf.GetUint8(offset + versionOffset),
		Flags:       buf.GetUint8(offset + flagsOffset),
		Type:        buf.GetUint16(offset + typeOffset),
		TermOffset:  buf.GetInt32(offset + termOffsetOffset),
		SessionID:   buf.GetInt32(offset + sessionIDField),
		StreamID:    buf.GetInt32(offset + streamIDField),
		TermID:      buf.GetInt32(offset + termIDField),
		Reserved:    buf.GetInt64(offset + reservedOffset),
	}
}

// EncodeFrame renders a standalone frame (header and payload) into a new
// slice, for handing to a transport.
func EncodeFrame(h Header, payload []byte) []byte {
	h.FrameLength = int32(HeaderLength + len(payload))
	out := make([]byte, HeaderLength+len(payload))
	buf := membuf.New(out)
	buf.PutBytes(HeaderLength, payload)
	PutHeader(buf, 0, h)
	return out
}

// DecodeFrame validates a standalone frame received from a transport and
// returns its header and payload.
func DecodeFrame(frame []byte) (Header, []byte, error) {
	if len(frame) < HeaderLength {
		return Header{}, nil, ErrMalformedFrame
	}
	buf := membuf.New(frame)
	h := GetHeader(buf, 0)
	if h.Version != CurrentVersion {
		return Header{}, nil, ErrUnsupportedVersion
	}
	if h.FrameLength < HeaderLength || int(h.FrameLength) > len(frame) {
		return Header{}, nil, ErrMalformedFrame
	}
	if h.Type != TypeData && h.Type != TypePad {
		return Header{}, nil, ErrMalformedFrame
	}
	if h.TermOffset < 0 || h.TermOffset%FrameAlignment != 0 {
		return Header{}, nil, ErrMalformedFrame
	}
	return h, frame[HeaderLength:h.FrameLength], nil
}
