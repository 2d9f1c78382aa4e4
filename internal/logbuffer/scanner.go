package logbuffer

import "fmt"

// FrameHandler receives one DATA frame. The payload aliases mapped memory and
// must be copied if kept. Returning false stops the scan after this frame.
type FrameHandler func(h Header, payload []byte) bool

// Scan delivers DATA frames between position and limit, skipping padding, and
// returns the position after the last consumed frame and the number of DATA
// frames delivered. It stops early at the first frame not yet written.
func (lb *LogBuffer) Scan(position, limit int64, handler FrameHandler) (int64, int, error) {
	frames := 0
	mask := int64(lb.termLength - 1)
	for position < limit {
		termID := ComputeTermID(position, lb.shift, lb.initialTermID)
		term := lb.terms[TermIndex(termID, lb.initialTermID, lb.termCount)]
		offset := int(position & mask)

		length := FrameLengthVolatile(term, offset)
		if length <= 0 {
			break
		}
		h := GetHeader(term, offset)
		if h.TermID != termID {
			return position, frames, fmt.Errorf("%w: term %d at position %d holds term %d", ErrLapped, termID, position, h.TermID)
		}
		next := position + int64(h.AlignedLength())
		if next > limit {
			break
		}
		position = next
		if h.Type != TypeData {
			continue
		}
		frames++
		if !handler(h, term.View(offset+HeaderLength, int(h.FrameLength)-HeaderLength)) {
			break
		}
	}
	return position, frames, nil
}
