package grpcserver

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/rzbill/ipcd/internal/runtime"
	logpkg "github.com/rzbill/ipcd/pkg/log"
)

// Server owns the gRPC server instance and the health watcher.
type Server struct {
	grpc   *grpc.Server
	lis    net.Listener
	health *healthWatcher
	logger logpkg.Logger
}

// New constructs a gRPC server exposing grpc.health.v1 for the driver.
func New(rt *runtime.Runtime, logger logpkg.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	interval := rt.Config().Timeouts.HeartbeatInterval.D()
	if interval <= 0 {
		interval = time.Second
	}
	s := &Server{
		grpc:   grpc.NewServer(opts...),
		health: &healthWatcher{rt: rt, srv: health.NewServer(), interval: interval},
		logger: logger.With(logpkg.Component("grpc")),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health.srv)
	reflection.Register(s.grpc)
	s.health.refresh(context.Background())
	return s
}

// ListenAndServe binds to addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.logger.Info("admin grpc listening", logpkg.Str("addr", l.Addr().String()))
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.health.run(wctx)
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(l) }()
	select {
	case <-ctx.Done():
		s.grpc.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// Close stops the server and closes the listener.
func (s *Server) Close() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
	if s.lis != nil {
		_ = s.lis.Close()
	}
}
