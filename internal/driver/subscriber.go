package driver

import (
	"github.com/rzbill/ipcd/internal/counters"
	"github.com/rzbill/ipcd/internal/logbuffer"
)

// Subscriber reads one publication's log and advances its own sub-pos
// counter. A Subscriber is used from a single goroutine.
type Subscriber struct {
	registrationID int64
	pub            *Publication
	position       counters.Position
}

// RegistrationID identifies the subscriber registration.
func (s *Subscriber) RegistrationID() int64 { return s.registrationID }

// PublicationRegistrationID identifies the publication being read.
func (s *Subscriber) PublicationRegistrationID() int64 { return s.pub.RegistrationID }

// Position returns the consumer position.
func (s *Subscriber) Position() int64 { return s.position.Get() }

// CounterID returns the sub-pos counter id.
func (s *Subscriber) CounterID() int32 { return s.position.ID() }

// IsClosed reports whether the publication stopped serving readers.
func (s *Subscriber) IsClosed() bool { return s.pub.State() >= StateClosing }

// Poll delivers up to fragmentLimit frames between the consumer position and
// the producer position. It returns ErrPublicationClosed once the
// publication reached CLOSING.
func (s *Subscriber) Poll(handler logbuffer.FrameHandler, fragmentLimit int) (int, error) {
	if s.IsClosed() {
		return 0, ErrPublicationClosed
	}
	if fragmentLimit <= 0 {
		fragmentLimit = 1
	}
	delivered := 0
	pos, _, err := s.pub.log.Scan(s.position.Get(), s.pub.ProducerPosition(), func(h logbuffer.Header, payload []byte) bool {
		delivered++
		return handler(h, payload) && delivered < fragmentLimit
	})
	s.position.Set(pos)
	if err != nil {
		return delivered, classify("subscriber poll", err)
	}
	return delivered, nil
}
