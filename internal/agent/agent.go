// Package agent runs duty-cycle agents. An Agent does a bounded amount of
// non-blocking work per DoWork call; a Runner owns its goroutine, calls
// DoWork in a loop and idles according to an IdleStrategy when no work was
// done.
package agent

import (
	"context"
	"errors"
	"sync"

	logpkg "github.com/rzbill/ipcd/pkg/log"
)

// ErrTerminate, returned from DoWork, stops the runner cleanly.
var ErrTerminate = errors.New("agent: terminate")

// Agent is one duty cycle.
type Agent interface {
	// Name identifies the agent in logs.
	Name() string
	// DoWork performs one cycle and returns the amount of work done. It must
	// not block.
	DoWork() (int, error)
	// OnClose releases resources. It is called once, on the runner goroutine.
	OnClose()
}

// ErrorHandler observes non-fatal DoWork errors.
type ErrorHandler func(error)

// Runner drives an Agent on a dedicated goroutine.
type Runner struct {
	agent   Agent
	idle    IdleStrategy
	logger  logpkg.Logger
	onError ErrorHandler

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewRunner wires an agent to an idle strategy. A nil onError logs errors.
func NewRunner(a Agent, idle IdleStrategy, logger logpkg.Logger, onError ErrorHandler) *Runner {
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	if idle == nil {
		idle = NewBackoffIdleStrategy()
	}
	r := &Runner{
		agent:  a,
		idle:   idle,
		logger: logger.With(logpkg.Component(a.Name())),
		done:   make(chan struct{}),
	}
	r.onError = onError
	if r.onError == nil {
		r.onError = func(err error) { r.logger.Error("duty cycle error", logpkg.Err(err)) }
	}
	return r
}

// Start launches the duty cycle. It stops when ctx is cancelled, Close is
// called, or the agent returns ErrTerminate.
func (r *Runner) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		ctx, r.cancel = context.WithCancel(ctx)
		go r.run(ctx)
	})
}

func (r *Runner) run(ctx context.Context) {
	defer close(r.done)
	defer r.agent.OnClose()
	r.logger.Debug("agent started")
	for ctx.Err() == nil {
		work, err := r.agent.DoWork()
		if err != nil {
			if errors.Is(err, ErrTerminate) {
				r.logger.Info("agent terminated")
				return
			}
			r.onError(err)
		}
		if work > 0 {
			r.idle.Reset()
			continue
		}
		r.idle.Idle()
	}
	r.logger.Debug("agent stopped")
}

// Done is closed once the agent goroutine has exited and OnClose has run.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Close stops the duty cycle and waits for it to exit. Closing a runner that
// was never started runs OnClose directly.
func (r *Runner) Close() {
	r.closeOnce.Do(func() {
		started := false
		r.startOnce.Do(func() {})
		if r.cancel != nil {
			started = true
			r.cancel()
		}
		if !started {
			r.agent.OnClose()
			close(r.done)
			return
		}
		<-r.done
	})
}
