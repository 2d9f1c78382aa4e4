package driver

import (
	"errors"

	"github.com/rzbill/ipcd/internal/clock"
	"github.com/rzbill/ipcd/internal/counters"
	"github.com/rzbill/ipcd/internal/logbuffer"
	"github.com/rzbill/ipcd/internal/transport"
	logpkg "github.com/rzbill/ipcd/pkg/log"
)

// senderStream is the Sender's private state for one outbound publication.
type senderStream struct {
	pub     *Publication
	pending []byte
	held    bool
}

// Sender writes client offers into outbound logs, respecting the publisher
// limit, and ships the written frames through a SendEndpoint.
type Sender struct {
	conductor *Conductor
	endpoint  transport.SendEndpoint
	system    *counters.SystemCounters
	clock     clock.Clock
	logger    logpkg.Logger

	streams    map[int64]*senderStream
	frameLimit int
	seen       map[int64]struct{}
}

// NewSender returns a Sender over the conductor's outbound publications.
func NewSender(c *Conductor, endpoint transport.SendEndpoint, logger logpkg.Logger) *Sender {
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	return &Sender{
		conductor:  c,
		endpoint:   endpoint,
		system:     c.system,
		clock:      c.clock,
		logger:     logger.With(logpkg.Component("sender")),
		streams:    make(map[int64]*senderStream),
		frameLimit: 64,
		seen:       make(map[int64]struct{}),
	}
}

// Name implements agent.Agent.
func (s *Sender) Name() string { return "sender" }

// OnClose implements agent.Agent.
func (s *Sender) OnClose() {}

// DoWork appends pending offers and transmits newly written frames.
func (s *Sender) DoWork() (int, error) {
	work := s.endpoint.PollControl(s.onStatus, s.frameLimit)

	clear(s.seen)
	for _, p := range s.conductor.snapshot().publications {
		if p.route != RouteOutbound {
			continue
		}
		s.seen[p.RegistrationID] = struct{}{}
		st, ok := s.streams[p.RegistrationID]
		if !ok {
			st = &senderStream{pub: p}
			s.streams[p.RegistrationID] = st
		}
		work += s.append(st)
		work += s.transmit(st)
	}
	for regID := range s.streams {
		if _, ok := s.seen[regID]; !ok {
			delete(s.streams, regID)
		}
	}
	return work, nil
}

func (s *Sender) append(st *senderStream) int {
	p := st.pub
	work := 0
	for i := 0; i < s.frameLimit; i++ {
		if !st.held {
			payload, ok := p.offers.Poll()
			if !ok {
				return work
			}
			st.pending, st.held = payload, true
		}
		aligned := int64(alignedFrameLength(len(st.pending)))
		producer := p.ProducerPosition()
		// a frame that does not fit the term lands after the padding
		if p.log.NextFramePosition(len(st.pending))+aligned > p.pubLimit.Get() {
			s.system.Inc(counters.SenderBackPressure)
			return work
		}
		pos, err := p.log.Append(st.pending, s.clock.Now().UnixNano(), p.subscribeable.MinPosition(producer))
		if errors.Is(err, logbuffer.ErrBackPressure) {
			s.system.Inc(counters.SenderBackPressure)
			return work
		}
		st.pending, st.held = nil, false
		p.pendingOffers.Add(-1)
		if err != nil {
			s.conductor.errors.Record(classify("sender append", err), s.clock.Now())
			s.logger.Warn("append failed", logpkg.Int64("registration_id", p.RegistrationID), logpkg.Err(err))
			continue
		}
		p.pubPos.Set(pos)
		work++
	}
	return work
}

func (s *Sender) transmit(st *senderStream) int {
	p := st.pub
	sent := p.sentPosition.Load()
	producer := p.ProducerPosition()
	if sent >= producer {
		return 0
	}
	frames := 0
	var bytes int64
	var sendErr error
	pos, _, err := p.log.Scan(sent, producer, func(h logbuffer.Header, payload []byte) bool {
		if sendErr = s.endpoint.Send(logbuffer.EncodeFrame(h, payload)); sendErr != nil {
			return false
		}
		frames++
		bytes += int64(h.FrameLength)
		sent = logbuffer.ComputePosition(h.TermID, h.TermOffset, p.log.PositionBitsToShift(), p.log.InitialTermID()) + int64(h.AlignedLength())
		return frames < s.frameLimit
	})
	switch {
	case err != nil:
		s.conductor.errors.Record(classify("sender scan", err), s.clock.Now())
		sent = producer
	case sendErr == nil:
		// trailing padding was consumed too
		sent = pos
	case !errors.Is(sendErr, transport.ErrFull):
		s.conductor.errors.Record(classify("sender send", sendErr), s.clock.Now())
	}
	p.sentPosition.Store(sent)
	if frames > 0 {
		s.system.Get(counters.FramesSent).Add(int64(frames))
		s.system.Get(counters.BytesSent).Add(bytes)
	}
	return frames
}

func (s *Sender) onStatus(msg transport.StatusMessage) {
	st := s.lookup(msg.SessionID, msg.StreamID)
	if st == nil {
		return
	}
	p := st.pub
	switch msg.Type {
	case transport.StatusUpdate:
		if msg.Position > p.remotePosition.Load() {
			p.remotePosition.Store(msg.Position)
		}
	case transport.StatusNak:
		producer := p.ProducerPosition()
		if msg.Position < producer && producer-msg.Position <= p.log.Window() && msg.Position < p.sentPosition.Load() {
			p.sentPosition.Store(msg.Position)
			s.logger.Debug("retransmit", logpkg.Int64("registration_id", p.RegistrationID), logpkg.Int64("position", msg.Position))
		}
	}
}

func (s *Sender) lookup(sessionID, streamID int32) *senderStream {
	for _, st := range s.streams {
		if st.pub.sessionID == sessionID && st.pub.streamID == streamID {
			return st
		}
	}
	return nil
}

func alignedFrameLength(payloadLength int) int {
	return (logbuffer.HeaderLength + payloadLength + logbuffer.FrameAlignment - 1) &^ (logbuffer.FrameAlignment - 1)
}
