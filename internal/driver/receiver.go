package driver

import (
	"errors"
	"time"

	"github.com/rzbill/ipcd/internal/clock"
	"github.com/rzbill/ipcd/internal/counters"
	"github.com/rzbill/ipcd/internal/logbuffer"
	"github.com/rzbill/ipcd/internal/transport"
	logpkg "github.com/rzbill/ipcd/pkg/log"
)

type receiverStream struct {
	pub        *Publication
	lastNak    time.Time
	lastStatus time.Time
}

// Receiver validates transport frames and appends them, in order, to the
// matching inbound log. Gaps trigger a NAK; consumer progress is reported back
// with periodic status messages.
type Receiver struct {
	conductor      *Conductor
	endpoint       transport.ReceiveEndpoint
	system         *counters.SystemCounters
	clock          clock.Clock
	logger         logpkg.Logger
	statusInterval time.Duration

	streams    map[int64]*receiverStream
	frameLimit int
	snap       *snapshot
	seen       map[int64]struct{}
}

// NewReceiver returns a Receiver feeding the conductor's inbound publications.
func NewReceiver(c *Conductor, endpoint transport.ReceiveEndpoint, statusInterval time.Duration, logger logpkg.Logger) *Receiver {
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	if statusInterval <= 0 {
		statusInterval = 200 * time.Millisecond
	}
	return &Receiver{
		conductor:      c,
		endpoint:       endpoint,
		system:         c.system,
		clock:          c.clock,
		logger:         logger.With(logpkg.Component("receiver")),
		statusInterval: statusInterval,
		streams:        make(map[int64]*receiverStream),
		frameLimit:     64,
		seen:           make(map[int64]struct{}),
	}
}

// Name implements agent.Agent.
func (r *Receiver) Name() string { return "receiver" }

// OnClose implements agent.Agent.
func (r *Receiver) OnClose() {}

// DoWork drains the endpoint and sends due status messages.
func (r *Receiver) DoWork() (int, error) {
	r.snap = r.conductor.snapshot()
	clear(r.seen)
	for _, p := range r.snap.publications {
		if p.route != RouteInbound {
			continue
		}
		r.seen[p.RegistrationID] = struct{}{}
		if _, ok := r.streams[p.RegistrationID]; !ok {
			r.streams[p.RegistrationID] = &receiverStream{pub: p}
		}
	}
	for regID := range r.streams {
		if _, ok := r.seen[regID]; !ok {
			delete(r.streams, regID)
		}
	}

	work := r.endpoint.Poll(r.onFrame, r.frameLimit)
	work += r.sendStatus(r.clock.Now())
	return work, nil
}

func (r *Receiver) onFrame(frame []byte) {
	h, payload, err := logbuffer.DecodeFrame(frame)
	if err != nil {
		r.system.Inc(counters.InvalidFrames)
		r.logger.Debug("invalid frame", logpkg.Int("length", len(frame)), logpkg.Err(err))
		return
	}
	if h.Type == logbuffer.TypePad {
		return
	}
	p := r.snap.lookupInbound(h.SessionID, h.StreamID)
	if p == nil {
		r.system.Inc(counters.ReceiverDroppedFrames)
		return
	}
	st := r.streams[p.RegistrationID]
	lb := p.log
	if int(h.TermOffset)+h.AlignedLength() > int(lb.TermLength()) {
		r.system.Inc(counters.InvalidFrames)
		return
	}
	position := logbuffer.ComputePosition(h.TermID, h.TermOffset, lb.PositionBitsToShift(), lb.InitialTermID())
	expected := lb.NextFramePosition(len(payload))
	switch {
	case position == expected:
		producer := lb.ProducerPosition()
		next, err := lb.Append(payload, h.Reserved, p.subscribeable.MinPosition(producer))
		if err != nil {
			if !errors.Is(err, logbuffer.ErrBackPressure) {
				r.conductor.errors.Record(classify("receiver append", err), r.clock.Now())
			}
			r.system.Inc(counters.ReceiverDroppedFrames)
			return
		}
		p.pubPos.Set(next)
		p.rcvHwm.ProposeMax(next)
		r.system.Get(counters.FramesReceived).Add(1)
		r.system.Get(counters.BytesReceived).Add(int64(h.FrameLength))
	case position > expected:
		p.rcvHwm.ProposeMax(position + int64(h.AlignedLength()))
		r.system.Inc(counters.ReceiverDroppedFrames)
		r.nak(st, expected, position-expected)
	default:
		// duplicate of data already in the log
	}
}

func (r *Receiver) nak(st *receiverStream, from, length int64) {
	if st == nil {
		return
	}
	now := r.clock.Now()
	if !st.lastNak.IsZero() && now.Sub(st.lastNak) < r.statusInterval {
		return
	}
	st.lastNak = now
	msg := transport.StatusMessage{
		Type:      transport.StatusNak,
		SessionID: st.pub.sessionID,
		StreamID:  st.pub.streamID,
		Position:  from,
		Length:    int32(min(length, int64(st.pub.log.TermLength()))),
	}
	if err := r.endpoint.SendStatus(msg); err == nil {
		r.system.Inc(counters.NaksSent)
	}
}

func (r *Receiver) sendStatus(now time.Time) int {
	work := 0
	for _, st := range r.streams {
		if now.Sub(st.lastStatus) < r.statusInterval {
			continue
		}
		p := st.pub
		producer := p.ProducerPosition()
		msg := transport.StatusMessage{
			Type:      transport.StatusUpdate,
			SessionID: p.sessionID,
			StreamID:  p.streamID,
			Position:  p.subscribeable.MinPosition(producer),
		}
		if err := r.endpoint.SendStatus(msg); err != nil {
			continue
		}
		st.lastStatus = now
		r.system.Inc(counters.StatusMessagesSent)
		work++
	}
	return work
}
