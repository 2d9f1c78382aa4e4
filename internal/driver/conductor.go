package driver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rzbill/ipcd/internal/clock"
	"github.com/rzbill/ipcd/internal/concurrent"
	"github.com/rzbill/ipcd/internal/counters"
	"github.com/rzbill/ipcd/internal/errlog"
	"github.com/rzbill/ipcd/internal/logbuffer"
	"github.com/rzbill/ipcd/pkg/id"
	logpkg "github.com/rzbill/ipcd/pkg/log"
)

// ConductorConfig holds the conductor's policy knobs.
type ConductorConfig struct {
	// Dir receives one <registration>.logbuffer file per publication.
	Dir                  string
	DefaultTermCount     int32
	Window               int64
	LingerTimeout        time.Duration
	DrainTimeout         time.Duration
	HeartbeatInterval    time.Duration
	CommandQueueCapacity int
	CommandsPerCycle     int
	OfferQueueCapacity   int
}

func (cfg *ConductorConfig) applyDefaults() {
	if cfg.DefaultTermCount == 0 {
		cfg.DefaultTermCount = 3
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Second
	}
	if cfg.CommandQueueCapacity == 0 {
		cfg.CommandQueueCapacity = 1024
	}
	if cfg.CommandsPerCycle <= 0 {
		cfg.CommandsPerCycle = 16
	}
	if cfg.OfferQueueCapacity == 0 {
		cfg.OfferQueueCapacity = 1024
	}
}

// RetiredLog describes a log file whose publication reached DELETED. The
// file is unmapped but still on disk.
type RetiredLog struct {
	RegistrationID   int64
	SessionID        int32
	StreamID         int32
	Route            string
	Channel          string
	Path             string
	TermLength       int32
	TermCount        int32
	ProducerPosition int64
	Created          time.Time
	Deleted          time.Time
}

// Retirer decides what happens to retired log files. Retire must not block.
type Retirer interface {
	Retire(RetiredLog)
}

// DeleteRetirer removes retired files immediately. Failures go to Errors and
// Logger when set.
type DeleteRetirer struct {
	Logger logpkg.Logger
	Errors *errlog.Log
}

func (d DeleteRetirer) Retire(r RetiredLog) {
	err := logbuffer.Remove(r.Path)
	if err == nil {
		return
	}
	if d.Errors != nil {
		d.Errors.Record(classify("remove log", err), r.Deleted)
	}
	if d.Logger != nil {
		d.Logger.Warn("remove log failed",
			logpkg.Int64("registration_id", r.RegistrationID),
			logpkg.Str("path", r.Path),
			logpkg.Err(err))
	}
}

// snapshot is the immutable view of live publications published to the
// data-path agents and clients.
type snapshot struct {
	publications   []*Publication
	byRegistration map[int64]*Publication
	inbound        map[streamKey]*Publication
}

func (s *snapshot) lookupInbound(sessionID, streamID int32) *Publication {
	return s.inbound[streamKey{sessionID, streamID, RouteInbound}]
}

// Conductor is the control-plane agent. All lifecycle decisions happen on its
// goroutine; other agents and clients only see the published snapshot and the
// counters.
type Conductor struct {
	cfg       ConductorConfig
	clock     clock.Clock
	logger    logpkg.Logger
	allocator *counters.Allocator
	system    *counters.SystemCounters
	errors    *errlog.Log
	retirer   Retirer
	ids       *id.Generator
	commands  *concurrent.Queue[command]

	publications   []*Publication
	byRegistration map[int64]*Publication
	byStream       map[streamKey]*Publication
	subscribers    map[int64]*Subscriber
	clientCounters map[int32]struct{}

	snap          atomic.Pointer[snapshot]
	dirty         bool
	lastHeartbeat time.Time

	closed  atomic.Bool
	stopped chan struct{}
}

// NewConductor wires a conductor. system, errorLog and retirer may be nil;
// system counters are then allocated from allocator.
func NewConductor(cfg ConductorConfig, allocator *counters.Allocator, system *counters.SystemCounters, c clock.Clock, logger logpkg.Logger, errorLog *errlog.Log, retirer Retirer) (*Conductor, error) {
	cfg.applyDefaults()
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: conductor dir is empty", ErrInvalidArgument)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, classify("conductor dir", err)
	}
	q, err := concurrent.NewQueue[command](uint64(cfg.CommandQueueCapacity))
	if err != nil {
		return nil, classify("command queue", fmt.Errorf("%w: %w", ErrInvalidArgument, err))
	}
	if system == nil {
		if system, err = counters.NewSystemCounters(allocator); err != nil {
			return nil, classify("system counters", err)
		}
	}
	if c == nil {
		c = clock.System{}
	}
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	if errorLog == nil {
		errorLog = errlog.New(0)
	}
	if retirer == nil {
		retirer = DeleteRetirer{Logger: logger.With(logpkg.Component("retire")), Errors: errorLog}
	}
	cd := &Conductor{
		cfg:            cfg,
		clock:          c,
		logger:         logger.With(logpkg.Component("conductor")),
		allocator:      allocator,
		system:         system,
		errors:         errorLog,
		retirer:        retirer,
		ids:            id.NewGenerator(),
		commands:       q,
		byRegistration: make(map[int64]*Publication),
		byStream:       make(map[streamKey]*Publication),
		subscribers:    make(map[int64]*Subscriber),
		clientCounters: make(map[int32]struct{}),
		stopped:        make(chan struct{}),
	}
	cd.publishSnapshot()
	return cd, nil
}

// Name implements agent.Agent.
func (c *Conductor) Name() string { return "conductor" }

// DoWork runs one conductor cycle: drain commands, step every publication's
// state machine, recompute publisher limits and write the heartbeat.
func (c *Conductor) DoWork() (int, error) {
	now := c.clock.Now()
	work := c.commands.Drain(c.cfg.CommandsPerCycle, func(cmd command) { cmd.execute(c) })
	work += c.checkPublications(now)
	work += c.heartbeat(now)
	if c.dirty {
		c.publishSnapshot()
		c.dirty = false
	}
	return work, nil
}

// OnClose unmaps every remaining log, retires the files and fails queued
// commands with ErrDriverClosed.
func (c *Conductor) OnClose() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	close(c.stopped)
	c.commands.Drain(0, func(cmd command) { cmd.abort(ErrDriverClosed) })
	now := c.clock.Now()
	for _, p := range c.publications {
		if p.State() < StateClosing {
			c.closePublication(p, now)
		}
		c.deletePublication(p, now)
	}
	c.publications = nil
	c.publishSnapshot()
	// a zero heartbeat lets the next driver take the directory immediately
	c.system.Get(counters.DriverHeartbeat).Set(0)
	c.logger.Info("conductor closed")
}

// Counters returns the counter store.
func (c *Conductor) Counters() *counters.Store { return c.allocator.Store() }

// ErrorLog returns the distinct error log.
func (c *Conductor) ErrorLog() *errlog.Log { return c.errors }

// Client returns a handle for submitting commands.
func (c *Conductor) Client() *Client { return &Client{c: c} }

func (c *Conductor) nowNs() int64 { return c.clock.Now().UnixNano() }

func (c *Conductor) recordError(op string, err error) {
	c.errors.Record(err, c.clock.Now())
	c.system.Inc(counters.ConductorErrors)
	c.logger.Warn("command failed", logpkg.Str("op", op), logpkg.Err(err))
}

func (c *Conductor) window(p *Publication) int64 {
	limit := p.log.Window()
	if c.cfg.Window <= 0 || c.cfg.Window > limit {
		return limit
	}
	return c.cfg.Window
}

func (c *Conductor) onCreatePublication(params PublicationParams) (regID int64, err error) {
	defer func() {
		if err != nil {
			c.recordError("create publication", err)
		}
	}()
	if params.TermCount == 0 {
		params.TermCount = c.cfg.DefaultTermCount
	}
	if params.Route == 0 {
		params.Route = RouteOutbound
	}
	if err := params.logParams(0).Validate(); err != nil {
		return -1, classify("create publication", err)
	}

	key := streamKey{params.SessionID, params.StreamID, params.Route}
	if existing, ok := c.byStream[key]; ok && existing.State() == StateActive {
		if existing.log.TermLength() != params.TermLength || existing.log.TermCount() != params.TermCount {
			return -1, fmt.Errorf("create publication: %w: session %d stream %d exists with term length %d count %d",
				ErrInvalidArgument, params.SessionID, params.StreamID, existing.log.TermLength(), existing.log.TermCount())
		}
		regID = c.ids.Next().Int64()
		existing.IncRef()
		existing.registrations[regID] = struct{}{}
		c.byRegistration[regID] = existing
		c.dirty = true
		c.logger.Debug("publication shared", logpkg.Int64("registration_id", regID), logpkg.Int64("publication_id", existing.RegistrationID), logpkg.Int32("refcnt", existing.Refcnt()))
		return regID, nil
	}

	regID = c.ids.Next().Int64()
	p, err := c.initPublication(regID, params)
	if err != nil {
		return -1, err
	}
	p.setState(StateActive, c.nowNs())
	c.publications = append(c.publications, p)
	c.byRegistration[regID] = p
	c.byStream[key] = p
	c.system.Get(counters.PublicationsActive).Add(1)
	c.dirty = true
	c.logger.Info("publication created",
		logpkg.Int64("registration_id", regID),
		logpkg.Int32("session_id", params.SessionID),
		logpkg.Int32("stream_id", params.StreamID),
		logpkg.Str("route", params.Route.String()),
		logpkg.Str("log", p.logFileName))
	return regID, nil
}

// initPublication runs the INITIALIZING step. Everything allocated is
// released again if a later step fails.
func (c *Conductor) initPublication(regID int64, params PublicationParams) (*Publication, error) {
	path := filepath.Join(c.cfg.Dir, fmt.Sprintf("%d.logbuffer", regID))
	lb, err := logbuffer.Create(path, params.logParams(regID))
	if err != nil {
		return nil, classify("create log", err)
	}
	var allocated []int32
	rollback := func() {
		for _, cid := range allocated {
			_ = c.allocator.Free(cid)
		}
		_ = lb.CloseAndRemove()
	}
	alloc := func(typeID int32) (counters.Position, error) {
		cid, err := c.allocator.Allocate(typeID, regID, params.SessionID, params.StreamID, params.Channel, "")
		if err != nil {
			return counters.Position{}, err
		}
		allocated = append(allocated, cid)
		return counters.NewPosition(c.allocator.Store(), cid), nil
	}

	offers, err := concurrent.NewQueue[[]byte](uint64(c.cfg.OfferQueueCapacity))
	if err != nil {
		rollback()
		return nil, classify("offer queue", fmt.Errorf("%w: %w", ErrInvalidArgument, err))
	}
	p := &Publication{
		ManagedResource: ManagedResource{RegistrationID: regID, refcnt: 1},
		sessionID:       params.SessionID,
		streamID:        params.StreamID,
		route:           params.Route,
		channel:         params.Channel,
		logFileName:     path,
		created:         c.clock.Now(),
		log:             lb,
		subscribeable:   NewSubscribeable(),
		registrations:   map[int64]struct{}{regID: {}},
		subscribers:     make(map[int64]*Subscriber),
		offers:          offers,
	}
	p.setState(StateInitializing, c.nowNs())

	if p.pubLimit, err = alloc(counters.PublisherLimitTypeID); err != nil {
		rollback()
		return nil, classify("allocate pub-lmt", err)
	}
	if p.pubPos, err = alloc(counters.PublisherPositionTypeID); err != nil {
		rollback()
		return nil, classify("allocate pub-pos", err)
	}
	if params.Route == RouteInbound {
		if p.rcvHwm, err = alloc(counters.ReceiverHwmTypeID); err != nil {
			rollback()
			return nil, classify("allocate rcv-hwm", err)
		}
	}
	p.window = c.window(p)
	producer := lb.ProducerPosition()
	p.pubPos.Set(producer)
	p.sentPosition.Store(producer)
	p.subscribeable.RecomputeLimit(p.pubLimit, producer, p.window)
	return p, nil
}

func (c *Conductor) onClosePublication(regID int64) error {
	p, ok := c.byRegistration[regID]
	if !ok {
		return nil
	}
	delete(c.byRegistration, regID)
	delete(p.registrations, regID)
	c.dirty = true
	if !p.DecRef() {
		c.logger.Debug("publication released", logpkg.Int64("registration_id", regID), logpkg.Int32("refcnt", p.Refcnt()))
		return nil
	}
	p.setState(StateDraining, c.nowNs())
	if c.byStream[p.key()] == p {
		delete(c.byStream, p.key())
	}
	c.logger.Info("publication draining", logpkg.Int64("registration_id", p.RegistrationID))
	return nil
}

func (c *Conductor) onAllocateCounter(params CounterParams) (int32, error) {
	cid, err := c.allocator.Allocate(params.TypeID, params.RegistrationID, params.SessionID, params.StreamID, params.Channel, params.Label)
	if err != nil {
		err = classify("allocate counter", err)
		c.recordError("allocate counter", err)
		return -1, err
	}
	c.clientCounters[cid] = struct{}{}
	return cid, nil
}

func (c *Conductor) onFreeCounter(counterID int32) error {
	if _, ok := c.clientCounters[counterID]; !ok {
		err := fmt.Errorf("free counter %d: %w: not a client counter", counterID, ErrInvalidArgument)
		c.recordError("free counter", err)
		return err
	}
	delete(c.clientCounters, counterID)
	if err := c.allocator.Free(counterID); err != nil {
		err = classify("free counter", err)
		c.recordError("free counter", err)
		return err
	}
	return nil
}

func (c *Conductor) onAddSubscriber(publicationID int64) (*Subscriber, error) {
	p, ok := c.byRegistration[publicationID]
	if !ok {
		err := fmt.Errorf("add subscriber to %d: %w", publicationID, ErrUnknownRegistration)
		c.recordError("add subscriber", err)
		return nil, err
	}
	if s := p.State(); s != StateActive && s != StateDraining {
		return nil, ErrPublicationClosed
	}
	regID := c.ids.Next().Int64()
	producer := p.ProducerPosition()
	cid, err := c.allocator.Allocate(counters.SubscriberPositionTypeID, regID, p.sessionID, p.streamID, p.channel, fmt.Sprintf("@%d", producer))
	if err != nil {
		err = classify("add subscriber", err)
		c.recordError("add subscriber", err)
		return nil, err
	}
	pos := counters.NewPosition(c.allocator.Store(), cid)
	pos.Set(producer)
	sub := &Subscriber{registrationID: regID, pub: p, position: pos}
	p.subscribeable.Add(pos)
	p.subscribers[regID] = sub
	c.subscribers[regID] = sub
	c.logger.Debug("subscriber added", logpkg.Int64("registration_id", regID), logpkg.Int64("publication_id", p.RegistrationID), logpkg.Int64("position", producer))
	return sub, nil
}

func (c *Conductor) onRemoveSubscriber(regID int64) error {
	sub, ok := c.subscribers[regID]
	if !ok {
		return nil
	}
	delete(c.subscribers, regID)
	p := sub.pub
	delete(p.subscribers, regID)
	p.subscribeable.Remove(sub.position.ID())
	if p.State() == StateDeleted {
		return nil
	}
	if err := c.allocator.Free(sub.position.ID()); err != nil {
		err = classify("remove subscriber", err)
		c.recordError("remove subscriber", err)
		return err
	}
	return nil
}

func (c *Conductor) checkPublications(now time.Time) int {
	work := 0
	nowNs := now.UnixNano()
	for i := 0; i < len(c.publications); {
		p := c.publications[i]
		elapsed := time.Duration(nowNs - p.TimeOfLastStatusChange)
		switch p.State() {
		case StateActive:
			p.subscribeable.RecomputeLimit(p.pubLimit, p.ProducerPosition(), p.window)
		case StateDraining:
			p.subscribeable.RecomputeLimit(p.pubLimit, p.ProducerPosition(), p.window)
			if c.drained(p) || elapsed >= c.cfg.DrainTimeout {
				c.closePublication(p, now)
				work++
			}
		case StateClosing:
			p.setState(StateLingering, nowNs)
			work++
		case StateLingering:
			if elapsed >= c.cfg.LingerTimeout {
				c.deletePublication(p, now)
				last := len(c.publications) - 1
				c.publications[i] = c.publications[last]
				c.publications[last] = nil
				c.publications = c.publications[:last]
				work++
				continue
			}
		}
		i++
	}
	return work
}

// drained reports whether every buffered frame was written and sent and every
// consumer reached the producer position.
func (c *Conductor) drained(p *Publication) bool {
	producer := p.ProducerPosition()
	if p.route == RouteOutbound {
		if p.pendingOffers.Load() > 0 {
			return false
		}
		if p.sentPosition.Load() < producer {
			return false
		}
	}
	return p.subscribeable.MinPosition(producer) >= producer
}

// closePublication is the CLOSING step: freeze the limit, detach consumers and
// drop the publication from the data-path snapshot. The log stays mapped.
func (c *Conductor) closePublication(p *Publication, now time.Time) {
	producer := p.ProducerPosition()
	p.pubLimit.Set(producer)
	p.log.SetEndOfStreamPosition(producer)
	p.subscribeable.Clear()
	p.setState(StateClosing, now.UnixNano())
	if c.byStream[p.key()] == p {
		delete(c.byStream, p.key())
	}
	for regID := range p.registrations {
		delete(c.byRegistration, regID)
	}
	c.system.Get(counters.PublicationsActive).Add(-1)
	c.dirty = true
	c.logger.Info("publication closing", logpkg.Int64("registration_id", p.RegistrationID), logpkg.Int64("position", producer))
}

// deletePublication is the DELETED step: unmap the log, free its counters and
// hand the file to the retirer.
func (c *Conductor) deletePublication(p *Publication, now time.Time) {
	producer := p.ProducerPosition()
	if err := p.log.Close(); err != nil {
		c.recordError("unmap log", classify("unmap log", err))
	}
	free := func(pos counters.Position) {
		if pos.IsZero() {
			return
		}
		if err := c.allocator.Free(pos.ID()); err != nil && !errors.Is(err, counters.ErrNotAllocated) {
			c.recordError("free counter", classify("free counter", err))
		}
	}
	for regID, sub := range p.subscribers {
		free(sub.position)
		delete(c.subscribers, regID)
	}
	free(p.pubPos)
	free(p.rcvHwm)
	free(p.pubLimit)
	p.setState(StateDeleted, now.UnixNano())
	c.retirer.Retire(RetiredLog{
		RegistrationID:   p.RegistrationID,
		SessionID:        p.sessionID,
		StreamID:         p.streamID,
		Route:            p.route.String(),
		Channel:          p.channel,
		Path:             p.logFileName,
		TermLength:       p.log.TermLength(),
		TermCount:        p.log.TermCount(),
		ProducerPosition: producer,
		Created:          p.created,
		Deleted:          now,
	})
	c.logger.Info("publication deleted", logpkg.Int64("registration_id", p.RegistrationID))
}

func (c *Conductor) heartbeat(now time.Time) int {
	if now.Sub(c.lastHeartbeat) < c.cfg.HeartbeatInterval {
		return 0
	}
	c.lastHeartbeat = now
	c.system.Get(counters.DriverHeartbeat).Set(now.UnixMilli())
	return 1
}

func (c *Conductor) publishSnapshot() {
	s := &snapshot{
		byRegistration: make(map[int64]*Publication, len(c.byRegistration)),
		inbound:        make(map[streamKey]*Publication),
	}
	for _, p := range c.publications {
		st := p.State()
		if st != StateActive && st != StateDraining {
			continue
		}
		s.publications = append(s.publications, p)
		if p.route == RouteInbound {
			if cur, ok := s.inbound[p.key()]; !ok || cur.State() != StateActive {
				s.inbound[p.key()] = p
			}
		}
	}
	for regID, p := range c.byRegistration {
		s.byRegistration[regID] = p
	}
	c.snap.Store(s)
}

func (c *Conductor) snapshot() *snapshot { return c.snap.Load() }
