package retention

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rzbill/ipcd/internal/archive"
	"github.com/rzbill/ipcd/internal/clock"
	"github.com/rzbill/ipcd/internal/driver"
	"github.com/rzbill/ipcd/internal/logbuffer"
	logpkg "github.com/rzbill/ipcd/pkg/log"
)

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	QueueCapacity int
	// MaxAge prunes archived logs older than this. Zero disables pruning.
	MaxAge        time.Duration
	PruneInterval time.Duration
	PruneBatch    int
}

// Stats counts the actions taken.
type Stats struct {
	Deleted  int64 `json:"deleted"`
	Archived int64 `json:"archived"`
	Kept     int64 `json:"kept"`
	Failed   int64 `json:"failed"`
	Pruned   int64 `json:"pruned"`
}

// Worker applies a Policy to retired logs off the conductor goroutine.
type Worker struct {
	cfg     WorkerConfig
	policy  *Policy
	archive *archive.Archive
	clock   clock.Clock
	logger  logpkg.Logger
	queue   chan driver.RetiredLog

	deleted, archived, kept, failed, pruned atomic.Int64
}

// NewWorker returns a worker. arch may be nil, in which case archive
// decisions fall back to delete.
func NewWorker(cfg WorkerConfig, policy *Policy, arch *archive.Archive, c clock.Clock, logger logpkg.Logger) *Worker {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Minute
	}
	if c == nil {
		c = clock.System{}
	}
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	return &Worker{
		cfg:     cfg,
		policy:  policy,
		archive: arch,
		clock:   c,
		logger:  logger.With(logpkg.Component("retention")),
		queue:   make(chan driver.RetiredLog, cfg.QueueCapacity),
	}
}

// Retire implements driver.Retirer. It never blocks: when the queue is full
// the file is deleted inline.
func (w *Worker) Retire(r driver.RetiredLog) {
	select {
	case w.queue <- r:
	default:
		w.logger.Warn("retention queue full, deleting log", logpkg.Int64("registration_id", r.RegistrationID))
		w.remove(r)
	}
}

// Run processes retired logs until ctx is done, then drains the queue.
func (w *Worker) Run(ctx context.Context) error {
	var prune <-chan time.Time
	if w.cfg.MaxAge > 0 && w.archive != nil {
		t := time.NewTicker(w.cfg.PruneInterval)
		defer t.Stop()
		prune = t.C
	}
	for {
		select {
		case r := <-w.queue:
			w.process(ctx, r)
		case <-prune:
			w.prune(ctx)
		case <-ctx.Done():
			drainCtx := context.WithoutCancel(ctx)
			for {
				select {
				case r := <-w.queue:
					w.process(drainCtx, r)
				default:
					return nil
				}
			}
		}
	}
}

// Stats returns a snapshot of the counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Deleted:  w.deleted.Load(),
		Archived: w.archived.Load(),
		Kept:     w.kept.Load(),
		Failed:   w.failed.Load(),
		Pruned:   w.pruned.Load(),
	}
}

func (w *Worker) process(ctx context.Context, r driver.RetiredLog) Action {
	action, err := w.policy.Decide(r)
	if err != nil {
		w.failed.Add(1)
		w.logger.Warn("retention policy failed, deleting", logpkg.Int64("registration_id", r.RegistrationID), logpkg.Err(err))
	}
	if action == ActionArchive && w.archive == nil {
		action = ActionDelete
	}
	switch action {
	case ActionKeep:
		w.kept.Add(1)
		w.logger.Debug("log kept", logpkg.Int64("registration_id", r.RegistrationID), logpkg.Str("path", r.Path))
	case ActionArchive:
		if _, err := w.archive.Store(ctx, r, w.clock.Now()); err != nil {
			w.failed.Add(1)
			w.logger.Error("archive failed, keeping log", logpkg.Int64("registration_id", r.RegistrationID), logpkg.Str("path", r.Path), logpkg.Err(err))
			return ActionKeep
		}
		w.archived.Add(1)
		if err := logbuffer.Remove(r.Path); err != nil {
			w.logger.Warn("remove archived log failed", logpkg.Str("path", r.Path), logpkg.Err(err))
		}
	default:
		w.remove(r)
	}
	return action
}

func (w *Worker) remove(r driver.RetiredLog) {
	if err := logbuffer.Remove(r.Path); err != nil {
		w.failed.Add(1)
		w.logger.Warn("remove log failed", logpkg.Str("path", r.Path), logpkg.Err(err))
		return
	}
	w.deleted.Add(1)
}

func (w *Worker) prune(ctx context.Context) {
	n, err := w.archive.PruneOlderThan(ctx, w.clock.Now().Add(-w.cfg.MaxAge), w.cfg.PruneBatch)
	if err != nil {
		w.logger.Warn("archive prune failed", logpkg.Err(err))
	}
	w.pruned.Add(int64(n))
}
