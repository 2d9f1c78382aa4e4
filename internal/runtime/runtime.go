package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rzbill/ipcd/internal/agent"
	"github.com/rzbill/ipcd/internal/archive"
	"github.com/rzbill/ipcd/internal/clock"
	cfgpkg "github.com/rzbill/ipcd/internal/config"
	"github.com/rzbill/ipcd/internal/counters"
	"github.com/rzbill/ipcd/internal/driver"
	"github.com/rzbill/ipcd/internal/errlog"
	"github.com/rzbill/ipcd/internal/observability"
	"github.com/rzbill/ipcd/internal/retention"
	pebblestore "github.com/rzbill/ipcd/internal/storage/pebble"
	"github.com/rzbill/ipcd/internal/transport"
	logpkg "github.com/rzbill/ipcd/pkg/log"
)

// CountersFileName is the counters file inside the driver directory.
const CountersFileName = "counters.dat"

// PublicationsDirName holds the per-publication log files.
const PublicationsDirName = "publications"

var (
	// ErrDriverActive is returned when another live driver owns the directory.
	ErrDriverActive = errors.New("runtime: driver already active in directory")
	// ErrNotServing is returned by CheckHealth when the heartbeat is stale.
	ErrNotServing = errors.New("runtime: driver not serving")
)

// Options for building the Runtime.
type Options struct {
	Config cfgpkg.Config
	Logger logpkg.Logger
	Clock  clock.Clock
	// Endpoints default to one in-memory loopback shared by Sender and Receiver.
	SendEndpoint    transport.SendEndpoint
	ReceiveEndpoint transport.ReceiveEndpoint
}

// Runtime wires the counters file, the three agents, retention and metrics
// into one embedded driver.
type Runtime struct {
	cfg    cfgpkg.Config
	logger logpkg.Logger
	clock  clock.Clock
	dir    string

	store     *counters.Store
	allocator *counters.Allocator
	system    *counters.SystemCounters
	errors    *errlog.Log
	metrics   *observability.Registry
	archive   *archive.Archive
	retention *retention.Worker
	conductor *driver.Conductor
	client    *driver.Client

	runners []*agent.Runner

	retentionCancel context.CancelFunc
	retentionDone   chan struct{}
	startOnce       sync.Once
	closeOnce       sync.Once
}

// Open prepares the driver directory and builds every component. Agents do
// not run until Start.
func Open(opts Options) (_ *Runtime, err error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	c := opts.Clock
	if c == nil {
		c = clock.System{}
	}
	rt := &Runtime{cfg: cfg, logger: logger.With(logpkg.Component("runtime")), clock: c, dir: cfg.DriverDir}
	defer func() {
		if err != nil {
			rt.release()
		}
	}()

	if err := rt.prepareDir(); err != nil {
		return nil, err
	}
	if rt.store, err = counters.Create(filepath.Join(rt.dir, CountersFileName), cfg.Counters.Capacity); err != nil {
		return nil, fmt.Errorf("runtime: counters: %w", err)
	}
	rt.allocator = counters.NewAllocator(rt.store, c, cfg.Counters.ReuseTimeout.D())
	if rt.system, err = counters.NewSystemCounters(rt.allocator); err != nil {
		return nil, fmt.Errorf("runtime: system counters: %w", err)
	}
	rt.errors = errlog.New(0)
	if rt.metrics, err = observability.NewRegistry(rt.store, c, cfg.Timeouts.Driver.D()); err != nil {
		return nil, fmt.Errorf("runtime: metrics: %w", err)
	}

	policy, err := retention.Compile(cfg.Retention.Policy)
	if err != nil {
		return nil, err
	}
	if cfg.Retention.ArchiveDir != "" {
		fsync, err := pebblestore.ParseFsyncMode(cfg.Retention.Fsync)
		if err != nil {
			return nil, err
		}
		if rt.archive, err = archive.Open(archive.Options{
			Dir:     cfg.Retention.ArchiveDir,
			Fsync:   fsync,
			Metrics: rt.metrics.Storage,
			Logger:  logger,
		}); err != nil {
			return nil, err
		}
	}
	rt.retention = retention.NewWorker(retention.WorkerConfig{
		MaxAge:     cfg.Retention.MaxAge.D(),
		PruneBatch: cfg.Retention.PruneBatch,
	}, policy, rt.archive, c, logger)

	rt.conductor, err = driver.NewConductor(driver.ConductorConfig{
		Dir:                  filepath.Join(rt.dir, PublicationsDirName),
		DefaultTermCount:     cfg.Terms.Count,
		Window:               cfg.FlowControl.Window,
		LingerTimeout:        cfg.Timeouts.Linger.D(),
		DrainTimeout:         cfg.Timeouts.Drain.D(),
		HeartbeatInterval:    cfg.Timeouts.HeartbeatInterval.D(),
		CommandQueueCapacity: cfg.CommandQueueCapacity,
	}, rt.allocator, rt.system, c, logger, rt.errors, rt.retention)
	if err != nil {
		return nil, err
	}
	rt.client = rt.conductor.Client()

	send, recv := opts.SendEndpoint, opts.ReceiveEndpoint
	if send == nil || recv == nil {
		loop := transport.NewLoopback(0)
		if send == nil {
			send = loop
		}
		if recv == nil {
			recv = loop
		}
	}
	newIdle := func() (agent.IdleStrategy, error) {
		return agent.NewIdleStrategy(cfg.Agents.IdleStrategy, cfg.Agents.IdleSleep.D())
	}
	agents := []agent.Agent{
		driver.NewSender(rt.conductor, send, logger),
		driver.NewReceiver(rt.conductor, recv, cfg.Timeouts.StatusInterval.D(), logger),
		rt.conductor,
	}
	for _, a := range agents {
		idle, err := newIdle()
		if err != nil {
			return nil, err
		}
		rt.runners = append(rt.runners, agent.NewRunner(a, idle, logger, rt.onAgentError))
	}
	rt.logger.Info("driver ready",
		logpkg.Str("dir", rt.dir),
		logpkg.Int("counters", cfg.Counters.Capacity),
		logpkg.Str("retention", policy.String()))
	return rt, nil
}

// prepareDir refuses to take over a directory owned by a live driver and
// clears stale state otherwise.
func (rt *Runtime) prepareDir() error {
	countersPath := filepath.Join(rt.dir, CountersFileName)
	if existing, err := counters.Open(countersPath); err == nil {
		active := counters.IsDriverActive(existing, rt.cfg.Timeouts.Driver.D(), rt.clock.Now())
		_ = existing.Close()
		if active {
			return fmt.Errorf("%w: %s", ErrDriverActive, rt.dir)
		}
		rt.logger.Warn("removing stale driver directory", logpkg.Str("dir", rt.dir))
		if err := os.RemoveAll(rt.dir); err != nil {
			return err
		}
	} else if rt.cfg.DirDeleteOnStart {
		if err := os.RemoveAll(rt.dir); err != nil {
			return err
		}
	}
	return os.MkdirAll(rt.dir, 0o755)
}

func (rt *Runtime) onAgentError(err error) {
	rt.errors.Record(err, rt.clock.Now())
	rt.logger.Error("agent error", logpkg.Err(err))
}

// Start launches the agents and the retention worker. Later calls are no-ops.
func (rt *Runtime) Start(ctx context.Context) {
	rt.startOnce.Do(func() {
		// retention outlives ctx so logs retired during shutdown are settled
		wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		rt.retentionCancel = cancel
		rt.retentionDone = make(chan struct{})
		go func() {
			defer close(rt.retentionDone)
			_ = rt.retention.Run(wctx)
		}()
		for _, r := range rt.runners {
			r.Start(ctx)
		}
	})
}

// Close stops the data path first, then the conductor (which retires every
// remaining log), then retention. It is safe to call more than once.
func (rt *Runtime) Close() error {
	var err error
	rt.closeOnce.Do(func() {
		for _, r := range rt.runners {
			r.Close()
		}
		if rt.retentionCancel != nil {
			rt.retentionCancel()
			<-rt.retentionDone
		} else {
			// never started: settle the logs retired by the conductor inline
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			_ = rt.retention.Run(ctx)
		}
		err = rt.release()
		rt.logger.Info("driver stopped")
	})
	return err
}

func (rt *Runtime) release() error {
	var errs []error
	if rt.archive != nil {
		errs = append(errs, rt.archive.Close())
	}
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	if rt.store != nil && rt.cfg.DirDeleteOnShutdown {
		errs = append(errs, os.RemoveAll(rt.dir))
	}
	return errors.Join(errs...)
}

// CheckHealth reports whether the conductor heartbeat is fresh.
func (rt *Runtime) CheckHealth(context.Context) error {
	if !counters.IsDriverActive(rt.store, rt.cfg.Timeouts.Driver.D(), rt.clock.Now()) {
		return ErrNotServing
	}
	return nil
}

// Client returns the command client.
func (rt *Runtime) Client() *driver.Client { return rt.client }

// Counters returns the counters store.
func (rt *Runtime) Counters() *counters.Store { return rt.store }

// ErrorLog returns the distinct error log.
func (rt *Runtime) ErrorLog() *errlog.Log { return rt.errors }

// Metrics returns the Prometheus registry.
func (rt *Runtime) Metrics() *observability.Registry { return rt.metrics }

// Archive returns the archive, or nil when archiving is disabled.
func (rt *Runtime) Archive() *archive.Archive { return rt.archive }

// RetentionStats returns the retention worker counters.
func (rt *Runtime) RetentionStats() retention.Stats { return rt.retention.Stats() }

// Config returns the runtime configuration.
func (rt *Runtime) Config() cfgpkg.Config { return rt.cfg }

// Dir returns the driver directory.
func (rt *Runtime) Dir() string { return rt.dir }

// DriverTimeout is the heartbeat staleness bound.
func (rt *Runtime) DriverTimeout() time.Duration { return rt.cfg.Timeouts.Driver.D() }

// Clock returns the runtime clock.
func (rt *Runtime) Clock() clock.Clock { return rt.clock }
