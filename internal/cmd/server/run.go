package serverrun

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	cfgpkg "github.com/rzbill/ipcd/internal/config"
	"github.com/rzbill/ipcd/internal/runtime"
	grpcserver "github.com/rzbill/ipcd/internal/server/grpc"
	httpserver "github.com/rzbill/ipcd/internal/server/http"
	logpkg "github.com/rzbill/ipcd/pkg/log"
)

// Options selects the configuration for Run. Non-empty fields override the
// config file and environment.
type Options struct {
	ConfigPath string
	DriverDir  string
	HTTPAddr   string
	GRPCAddr   string
	LogLevel   string

	// OnReady, when set, is called once the driver and servers are started.
	OnReady func(rt *runtime.Runtime)
}

// LoadConfig builds the effective configuration: defaults, then the config
// file, then IPCD_* variables, then the explicit overrides in opts.
func LoadConfig(opts Options) (cfgpkg.Config, error) {
	cfg := cfgpkg.Default()
	if opts.ConfigPath != "" {
		loaded, err := cfgpkg.Load(opts.ConfigPath)
		if err != nil {
			return cfgpkg.Config{}, err
		}
		cfg = loaded
	}
	cfgpkg.FromEnv(&cfg)
	if opts.DriverDir != "" {
		cfg.DriverDir = opts.DriverDir
	}
	if opts.HTTPAddr != "" {
		cfg.Admin.HTTPAddr = opts.HTTPAddr
	}
	if opts.GRPCAddr != "" {
		cfg.Admin.GRPCAddr = opts.GRPCAddr
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	return cfg, cfg.Validate()
}

// newLogger applies the log section, falling back to text at the parsed level.
func newLogger(cfg cfgpkg.Config) logpkg.Logger {
	lc := cfg.LogConfig()
	logger, err := logpkg.ApplyConfig(lc)
	if err == nil {
		return logger
	}
	lvl := logpkg.InfoLevel
	if l, e := logpkg.ParseLevel(lc.Level); e == nil {
		lvl = l
	}
	logger = logpkg.NewLogger(logpkg.WithLevel(lvl), logpkg.WithFormatter(&logpkg.TextFormatter{}))
	logger.Warn("invalid log config, using text output", logpkg.Err(err))
	return logger
}

// Run starts the driver and its admin servers and blocks until ctx is
// cancelled or SIGINT/SIGTERM arrives.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := LoadConfig(opts)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	// pebble logs through the standard library logger
	logpkg.RedirectStdLog(logger)

	rt, err := runtime.Open(runtime.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer rt.Close()
	rt.Start(sctx)

	logger.Info("starting ipcd driver",
		logpkg.Str("dir", cfg.DriverDir),
		logpkg.Str("http", cfg.Admin.HTTPAddr),
		logpkg.Str("grpc", cfg.Admin.GRPCAddr),
		logpkg.Int("term_length", int(cfg.Terms.Length)),
		logpkg.Int("term_count", int(cfg.Terms.Count)),
		logpkg.Str("idle", cfg.Agents.IdleStrategy),
	)

	var (
		wg   sync.WaitGroup
		hsrv *httpserver.Server
		gsrv *grpcserver.Server
	)
	if cfg.Admin.HTTPAddr != "" {
		hsrv = httpserver.New(rt, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := hsrv.ListenAndServe(sctx, cfg.Admin.HTTPAddr); err != nil && sctx.Err() == nil {
				logger.Error("http server failed", logpkg.Err(err))
				stop()
			}
		}()
	}
	if cfg.Admin.GRPCAddr != "" {
		gsrv = grpcserver.New(rt, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := gsrv.ListenAndServe(sctx, cfg.Admin.GRPCAddr); err != nil && sctx.Err() == nil {
				logger.Error("grpc server failed", logpkg.Err(err))
				stop()
			}
		}()
	}
	if opts.OnReady != nil {
		opts.OnReady(rt)
	}

	<-sctx.Done()
	logger.Info("shutting down")
	// stop the servers before the runtime so no request sees a closed store
	if gsrv != nil {
		gsrv.Close()
	}
	if hsrv != nil {
		hsrv.Close()
	}
	wg.Wait()
	return nil
}
