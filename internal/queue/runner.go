package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-vaudio/internal/constants"
	"github.com/ehrlich-b/go-vaudio/internal/logging"
)

// RunnerState is the lifecycle state of a completion runner
type RunnerState int32

const (
	RunnerIdle    RunnerState = iota // created, loop not started
	RunnerRunning                    // loop draining completions
	RunnerStopped                    // loop exited; cannot be restarted
)

func (s RunnerState) String() string {
	switch s {
	case RunnerIdle:
		return "idle"
	case RunnerRunning:
		return "running"
	case RunnerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// DrainFunc drains whatever completions are ready and reports how many it delivered
type DrainFunc func() int

// Config configures a Runner
type Config struct {
	// Interval between polls of the used rings
	Interval time.Duration

	// Drain is called from the runner goroutine. It must take whatever lock
	// serializes the queues against submission.
	Drain DrainFunc

	Logger *logging.Logger
}

// Runner polls for completions on its own goroutine. The device raises no
// interrupt through the transport, so completions are found by polling the
// used rings at Interval or right after Kick.
type Runner struct {
	interval time.Duration
	drain    DrainFunc
	logger   *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	kick   chan struct{}
	done   chan struct{}
	once   sync.Once

	state     atomic.Int32
	delivered atomic.Uint64
	polls     atomic.Uint64
}

// NewRunner creates a runner bound to ctx. Cancelling ctx stops the loop.
func NewRunner(ctx context.Context, cfg Config) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = constants.ReapInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Runner{
		interval: cfg.Interval,
		drain:    cfg.Drain,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start begins the drain loop
func (r *Runner) Start() {
	if !r.state.CompareAndSwap(int32(RunnerIdle), int32(RunnerRunning)) {
		return
	}
	go r.loop()
}

// Kick wakes the loop without waiting for the next interval
func (r *Runner) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Stop cancels the loop and waits for it to exit. A final drain runs
// before the loop returns.
func (r *Runner) Stop() {
	r.cancel()
	if r.state.CompareAndSwap(int32(RunnerIdle), int32(RunnerStopped)) {
		return
	}
	<-r.done
}

// State returns the lifecycle state
func (r *Runner) State() RunnerState {
	return RunnerState(r.state.Load())
}

// Delivered returns the total number of completions drained
func (r *Runner) Delivered() uint64 {
	return r.delivered.Load()
}

// Polls returns how many times the loop looked at the rings
func (r *Runner) Polls() uint64 {
	return r.polls.Load()
}

func (r *Runner) loop() {
	defer r.once.Do(func() {
		r.state.Store(int32(RunnerStopped))
		close(r.done)
	})

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug("completion runner started", "interval", r.interval.String())
	for {
		select {
		case <-r.ctx.Done():
			r.poll()
			r.logger.Debug("completion runner stopping", "delivered", r.delivered.Load())
			return
		case <-ticker.C:
			r.poll()
		case <-r.kick:
			r.poll()
		}
	}
}

func (r *Runner) poll() {
	r.polls.Add(1)
	if r.drain == nil {
		return
	}
	if n := r.drain(); n > 0 {
		r.delivered.Add(uint64(n))
	}
}
