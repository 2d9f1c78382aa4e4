package driver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/rzbill/ipcd/internal/clock"
	"github.com/rzbill/ipcd/internal/counters"
	"github.com/rzbill/ipcd/internal/errlog"
	"github.com/rzbill/ipcd/internal/logbuffer"
	"github.com/rzbill/ipcd/internal/transport"
	logpkg "github.com/rzbill/ipcd/pkg/log"
)

type recordingRetirer struct {
	retired []RetiredLog
}

func (r *recordingRetirer) Retire(l RetiredLog) {
	r.retired = append(r.retired, l)
	_ = logbuffer.Remove(l.Path)
}

type harness struct {
	t         *testing.T
	dir       string
	clock     *clock.Manual
	store     *counters.Store
	allocator *counters.Allocator
	conductor *Conductor
	client    *Client
	retirer   *recordingRetirer
	baseline  int
}

func newHarness(t *testing.T, mutate ...func(*ConductorConfig)) *harness {
	t.Helper()
	h := &harness{t: t, dir: t.TempDir(), clock: clock.NewManual(time.Unix(1_700_000_000, 0)), retirer: &recordingRetirer{}}
	h.store = counters.NewInMemory(64)
	h.allocator = counters.NewAllocator(h.store, h.clock, 0)
	cfg := ConductorConfig{
		Dir:               h.dir,
		LingerTimeout:     5 * time.Second,
		DrainTimeout:      5 * time.Second,
		HeartbeatInterval: time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := NewConductor(cfg, h.allocator, nil, h.clock, nil, nil, h.retirer)
	if err != nil {
		t.Fatalf("new conductor: %v", err)
	}
	h.conductor = c
	h.client = c.Client()
	h.baseline = h.allocator.Allocated()
	return h
}

// call runs fn against the client and steps the conductor exactly once after
// the command was queued.
func call[T any](h *harness, fn func(ctx context.Context) (T, error)) (T, error) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan result[T], 1)
	go func() {
		v, err := fn(ctx)
		done <- result[T]{v, err}
	}()
	for h.conductor.commands.Size() == 0 {
		select {
		case r := <-done:
			return r.value, r.err
		case <-ctx.Done():
			h.t.Fatalf("command was not queued")
		default:
			runtime.Gosched()
		}
	}
	h.step()
	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		h.t.Fatalf("command did not complete")
	}
	var zero T
	return zero, nil
}

func (h *harness) create(p PublicationParams) int64 {
	h.t.Helper()
	id, err := call(h, func(ctx context.Context) (int64, error) { return h.client.CreatePublication(ctx, p) })
	if err != nil {
		h.t.Fatalf("create publication: %v", err)
	}
	return id
}

func (h *harness) close(id int64) {
	h.t.Helper()
	if _, err := call(h, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, h.client.ClosePublication(ctx, id)
	}); err != nil {
		h.t.Fatalf("close publication: %v", err)
	}
}

func (h *harness) subscribe(pubID int64) *Subscriber {
	h.t.Helper()
	s, err := call(h, func(ctx context.Context) (*Subscriber, error) { return h.client.AddSubscriber(ctx, pubID) })
	if err != nil {
		h.t.Fatalf("add subscriber: %v", err)
	}
	return s
}

func (h *harness) step() {
	h.t.Helper()
	if _, err := h.conductor.DoWork(); err != nil {
		h.t.Fatalf("do work: %v", err)
	}
}

func (h *harness) publication(id int64) *Publication {
	h.t.Helper()
	p, ok := h.client.Publication(id)
	if !ok {
		h.t.Fatalf("publication %d not visible", id)
	}
	return p
}

func (h *harness) systemCounter(id counters.SystemCounterID) int64 {
	return h.conductor.system.Get(id).Get()
}

func TestCreateCloseFreesLimitOnce(t *testing.T) {
	h := newHarness(t)
	id := h.create(PublicationParams{SessionID: 1, StreamID: 10, TermLength: 1024})
	p := h.publication(id)
	limitID := p.PubLimitCounterID()
	if p.Refcnt() != 1 || p.State() != StateActive {
		t.Fatalf("refcnt %d state %s", p.Refcnt(), p.State())
	}
	if h.allocator.Allocated() != h.baseline+2 {
		t.Fatalf("expected pub-lmt and pub-pos, allocated %d", h.allocator.Allocated()-h.baseline)
	}

	h.close(id)
	// nothing buffered and no consumers, so draining completes in the same cycle
	if p.Refcnt() != 0 || p.State() != StateClosing {
		t.Fatalf("after close: refcnt %d state %s", p.Refcnt(), p.State())
	}
	if p.PublisherLimit() != p.ProducerPosition() {
		t.Fatalf("limit not frozen at producer: %d", p.PublisherLimit())
	}
	h.step()
	if p.State() != StateLingering {
		t.Fatalf("expected LINGERING, got %s", p.State())
	}
	if _, err := os.Stat(p.LogFileName()); err != nil {
		t.Fatalf("log must survive lingering: %v", err)
	}
	h.clock.Advance(5 * time.Second)
	h.step()
	if p.State() != StateDeleted {
		t.Fatalf("expected DELETED, got %s", p.State())
	}
	if h.store.State(limitID) != counters.StateReclaimed {
		t.Fatalf("publisher limit not freed")
	}
	if h.allocator.Allocated() != h.baseline {
		t.Fatalf("leaked counters: %d", h.allocator.Allocated()-h.baseline)
	}
	if len(h.retirer.retired) != 1 || h.retirer.retired[0].RegistrationID != id {
		t.Fatalf("retired %+v", h.retirer.retired)
	}

	h.close(id)
	h.step()
	if h.allocator.Allocated() != h.baseline || len(h.retirer.retired) != 1 {
		t.Fatalf("second close must be a no-op")
	}
}

func TestCreateInvalidTermLength(t *testing.T) {
	h := newHarness(t)
	_, err := call(h, func(ctx context.Context) (int64, error) {
		return h.client.CreatePublication(ctx, PublicationParams{SessionID: 1, StreamID: 1, TermLength: 0})
	})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("want invalid argument, got %v", err)
	}
	entries, _ := os.ReadDir(h.dir)
	if len(entries) != 0 {
		t.Fatalf("log files left behind: %d", len(entries))
	}
	if h.allocator.Allocated() != h.baseline {
		t.Fatalf("counters left behind")
	}
	if h.systemCounter(counters.ConductorErrors) != 1 || len(h.conductor.ErrorLog().Observations()) != 1 {
		t.Fatalf("error not recorded")
	}
}

func TestCreateRollsBackOnCounterExhaustion(t *testing.T) {
	h := newHarness(t)
	free := h.store.Capacity() - h.allocator.Allocated()
	for i := 0; i < free-1; i++ {
		if _, err := h.allocator.AllocateNamed(counters.SystemCounterTypeID, "filler"); err != nil {
			t.Fatalf("fill: %v", err)
		}
	}
	before := h.allocator.Allocated()
	_, err := call(h, func(ctx context.Context) (int64, error) {
		return h.client.CreatePublication(ctx, PublicationParams{SessionID: 1, StreamID: 1, TermLength: 1024})
	})
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("want resource exhausted, got %v", err)
	}
	if h.allocator.Allocated() != before {
		t.Fatalf("pub-lmt not rolled back")
	}
	entries, _ := os.ReadDir(h.dir)
	if len(entries) != 0 {
		t.Fatalf("log file not removed")
	}
}

func TestCreateSharesActiveStream(t *testing.T) {
	h := newHarness(t)
	a := h.create(PublicationParams{SessionID: 7, StreamID: 1, TermLength: 2048})
	b := h.create(PublicationParams{SessionID: 7, StreamID: 1, TermLength: 2048})
	if a == b {
		t.Fatalf("registrations must be distinct")
	}
	p := h.publication(a)
	if h.publication(b) != p || p.Refcnt() != 2 {
		t.Fatalf("expected shared publication with refcnt 2, got %d", p.Refcnt())
	}

	_, err := call(h, func(ctx context.Context) (int64, error) {
		return h.client.CreatePublication(ctx, PublicationParams{SessionID: 7, StreamID: 1, TermLength: 4096})
	})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("mismatched geometry: %v", err)
	}

	h.close(a)
	if p.State() != StateActive || p.Refcnt() != 1 {
		t.Fatalf("state %s refcnt %d", p.State(), p.Refcnt())
	}
	h.close(b)
	if p.State() < StateDraining {
		t.Fatalf("state %s", p.State())
	}

	c := h.create(PublicationParams{SessionID: 7, StreamID: 1, TermLength: 2048})
	if h.publication(c) == p {
		t.Fatalf("draining publication must not be resurrected")
	}
}

func TestScenarioRotationAfterOneTerm(t *testing.T) {
	h := newHarness(t)
	id := h.create(PublicationParams{SessionID: 1, StreamID: 1, TermLength: 1024, TermCount: 3})
	sub := h.subscribe(id)
	p := h.publication(id)
	h.step()
	if got := p.PublisherLimit(); got != 0+2048 {
		t.Fatalf("limit before write: %d", got)
	}

	loop := transport.NewLoopback(64)
	sender := NewSender(h.conductor, loop, nil)
	payload := make([]byte, 96)
	for i := 0; i < 8; i++ {
		if err := h.client.Offer(id, payload); err != nil {
			t.Fatalf("offer %d: %v", i, err)
		}
	}
	if _, err := sender.DoWork(); err != nil {
		t.Fatalf("sender: %v", err)
	}
	if p.ProducerPosition() != 1024 {
		t.Fatalf("producer %d", p.ProducerPosition())
	}
	if p.Log().ActiveTermIndex() != 1 {
		t.Fatalf("active term index %d", p.Log().ActiveTermIndex())
	}
	if sub.Position() != 0 {
		t.Fatalf("subscriber moved: %d", sub.Position())
	}
	if loop.Pending() != 8 {
		t.Fatalf("sent %d frames", loop.Pending())
	}
}

func TestAcceptedOfferHoldsDrain(t *testing.T) {
	h := newHarness(t, func(cfg *ConductorConfig) { cfg.OfferQueueCapacity = 2 })
	id := h.create(PublicationParams{SessionID: 4, StreamID: 4, TermLength: 1024})
	p := h.publication(id)
	sender := NewSender(h.conductor, transport.NewLoopback(64), nil)

	for i := 0; i < 2; i++ {
		if err := h.client.Offer(id, []byte("queued")); err != nil {
			t.Fatalf("offer %d: %v", i, err)
		}
	}
	if err := h.client.Offer(id, []byte("overflow")); !errors.Is(err, ErrBackPressure) {
		t.Fatalf("offer on full queue: %v", err)
	}
	if n := p.pendingOffers.Load(); n != 2 {
		t.Fatalf("pending offers %d, want 2", n)
	}

	h.close(id)
	if err := h.client.Offer(id, []byte("late")); err == nil {
		t.Fatalf("offer after close must fail")
	}
	if n := p.pendingOffers.Load(); n != 2 {
		t.Fatalf("rejected offers changed the pending count: %d", n)
	}
	h.step()
	if p.State() != StateDraining {
		t.Fatalf("closed with accepted offers unwritten: %s", p.State())
	}

	if _, err := sender.DoWork(); err != nil {
		t.Fatalf("sender: %v", err)
	}
	if p.pendingOffers.Load() != 0 || p.ProducerPosition() != 128 {
		t.Fatalf("pending %d producer %d", p.pendingOffers.Load(), p.ProducerPosition())
	}
	h.step()
	if p.State() != StateClosing {
		t.Fatalf("expected CLOSING once offers were written, got %s", p.State())
	}
}

func TestDrainWaitsForSubscribers(t *testing.T) {
	h := newHarness(t)
	id := h.create(PublicationParams{SessionID: 1, StreamID: 1, TermLength: 1024})
	sub := h.subscribe(id)
	p := h.publication(id)
	sender := NewSender(h.conductor, transport.NewLoopback(64), nil)
	for i := 0; i < 3; i++ {
		if err := h.client.Offer(id, []byte("msg")); err != nil {
			t.Fatalf("offer: %v", err)
		}
	}
	if _, err := sender.DoWork(); err != nil {
		t.Fatalf("sender: %v", err)
	}

	h.close(id)
	if err := h.client.Offer(id, []byte("late")); err == nil {
		t.Fatalf("offer after close must fail")
	}
	h.step()
	if p.State() != StateDraining {
		t.Fatalf("expected DRAINING while subscriber lags, got %s", p.State())
	}

	var got []string
	n, err := sub.Poll(func(_ logbuffer.Header, payload []byte) bool {
		got = append(got, string(payload))
		return true
	}, 10)
	if err != nil || n != 3 {
		t.Fatalf("poll n=%d err=%v", n, err)
	}
	h.step()
	if p.State() != StateClosing {
		t.Fatalf("expected CLOSING after drain, got %s", p.State())
	}
	if _, err := sub.Poll(func(logbuffer.Header, []byte) bool { return true }, 10); !errors.Is(err, ErrPublicationClosed) {
		t.Fatalf("poll after close: %v", err)
	}
	if p.Log().EndOfStreamPosition() != p.ProducerPosition() {
		t.Fatalf("end of stream not set")
	}
	h.step()
	h.clock.Advance(5 * time.Second)
	h.step()
	if p.State() != StateDeleted || h.allocator.Allocated() != h.baseline {
		t.Fatalf("state %s leaked %d", p.State(), h.allocator.Allocated()-h.baseline)
	}
}

func TestDrainTimeout(t *testing.T) {
	h := newHarness(t)
	id := h.create(PublicationParams{SessionID: 1, StreamID: 1, TermLength: 1024})
	h.subscribe(id)
	p := h.publication(id)
	sender := NewSender(h.conductor, transport.NewLoopback(64), nil)
	_ = h.client.Offer(id, []byte("x"))
	_, _ = sender.DoWork()

	h.close(id)
	h.clock.Advance(4 * time.Second)
	h.step()
	if p.State() != StateDraining {
		t.Fatalf("state %s", p.State())
	}
	h.clock.Advance(time.Second)
	h.step()
	if p.State() != StateClosing {
		t.Fatalf("drain timeout ignored: %s", p.State())
	}
}

func TestRemoveSubscriberFreesCounter(t *testing.T) {
	h := newHarness(t)
	id := h.create(PublicationParams{SessionID: 1, StreamID: 1, TermLength: 1024})
	sub := h.subscribe(id)
	p := h.publication(id)
	if p.Subscribeable().Len() != 1 {
		t.Fatalf("subscriber not registered")
	}
	if _, err := call(h, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, h.client.RemoveSubscriber(ctx, sub.RegistrationID())
	}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if p.Subscribeable().Len() != 0 || h.store.State(sub.CounterID()) != counters.StateReclaimed {
		t.Fatalf("subscriber not removed")
	}
	if _, err := call(h, func(ctx context.Context) (*Subscriber, error) { return h.client.AddSubscriber(ctx, 12345) }); !errors.Is(err, ErrUnknownRegistration) {
		t.Fatalf("unknown publication: %v", err)
	}
}

func TestClientCounters(t *testing.T) {
	h := newHarness(t)
	cid, err := call(h, func(ctx context.Context) (int32, error) {
		return h.client.AllocateCounter(ctx, CounterParams{TypeID: 100, RegistrationID: 1, Label: "app"})
	})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	meta, err := h.store.Metadata(cid)
	if err != nil || meta.TypeID != 100 {
		t.Fatalf("metadata %+v err %v", meta, err)
	}
	free := func(id int32) error {
		_, err := call(h, func(ctx context.Context) (struct{}, error) { return struct{}{}, h.client.FreeCounter(ctx, id) })
		return err
	}
	if err := free(cid); err != nil {
		t.Fatalf("free: %v", err)
	}
	if err := free(cid); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("double free: %v", err)
	}
	if err := free(0); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("freeing a driver counter must fail: %v", err)
	}
}

func TestHeartbeat(t *testing.T) {
	h := newHarness(t)
	h.step()
	hb, ok := counters.Heartbeat(h.store)
	if !ok || hb.UnixMilli() != h.clock.Now().UnixMilli() {
		t.Fatalf("heartbeat %v ok=%v", hb, ok)
	}
	if !counters.IsDriverActive(h.store, time.Second, h.clock.Now()) {
		t.Fatalf("driver should be active")
	}
}

func TestOnCloseRetiresAndRejects(t *testing.T) {
	h := newHarness(t)
	id := h.create(PublicationParams{SessionID: 1, StreamID: 1, TermLength: 1024})
	p := h.publication(id)
	h.conductor.OnClose()
	h.conductor.OnClose()
	if p.State() != StateDeleted {
		t.Fatalf("state %s", p.State())
	}
	if len(h.retirer.retired) != 1 {
		t.Fatalf("retired %d", len(h.retirer.retired))
	}
	if _, err := os.Stat(p.LogFileName()); !os.IsNotExist(err) {
		t.Fatalf("log not removed: %v", err)
	}
	if _, err := h.client.CreatePublication(context.Background(), PublicationParams{TermLength: 1024}); !errors.Is(err, ErrDriverClosed) {
		t.Fatalf("create after close: %v", err)
	}
	if len(h.client.Publications()) != 0 {
		t.Fatalf("publications still listed")
	}
	if counters.IsDriverActive(h.store, time.Second, h.clock.Now()) {
		t.Fatalf("heartbeat not cleared on close")
	}
}

func TestDeleteRetirerRecordsRemoveFailure(t *testing.T) {
	dir := t.TempDir()
	// a non-empty directory cannot be removed as a file
	stuck := filepath.Join(dir, "stuck.logbuffer")
	if err := os.MkdirAll(filepath.Join(stuck, "child"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	errs := errlog.New(0)
	r := DeleteRetirer{Errors: errs, Logger: logpkg.NewNopLogger()}
	r.Retire(RetiredLog{RegistrationID: 7, Path: stuck, Deleted: time.Unix(1_700_000_000, 0)})
	obs := errs.Observations()
	if len(obs) != 1 || !strings.Contains(obs[0].Message, "remove log") {
		t.Fatalf("observations: %+v", obs)
	}

	gone := filepath.Join(dir, "gone.logbuffer")
	if err := os.WriteFile(gone, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	r.Retire(RetiredLog{RegistrationID: 8, Path: gone})
	if _, err := os.Stat(gone); !os.IsNotExist(err) {
		t.Fatalf("file not removed: %v", err)
	}
	if len(errs.Observations()) != 1 {
		t.Fatalf("successful remove recorded an error")
	}
}
