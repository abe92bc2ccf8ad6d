// Package runner drives virtual users against a workload for a fixed wall
// clock window.
//
// Every VU is a goroutine that loops: check the deadline, run one iteration,
// count it, wait out the pacing delay. The deadline only gates the start of
// an iteration. Iterations already in flight run on the parent context and
// are allowed to finish, unless a graceful stop window is configured and
// expires first.
package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tasklane/loadgate/internal/metrics"
	"github.com/tasklane/loadgate/internal/retry"
)

// Workload is what a VU runs once per iteration. Implementations record
// their own outcomes; Execute never fails.
type Workload interface {
	Execute(ctx context.Context, vu int, iter int64)
}

// WorkloadFunc adapts a function to Workload.
type WorkloadFunc func(ctx context.Context, vu int, iter int64)

// Execute calls f.
func (f WorkloadFunc) Execute(ctx context.Context, vu int, iter int64) {
	f(ctx, vu, iter)
}

// Config holds the scheduling parameters of a run.
type Config struct {
	VUs      int
	Duration time.Duration
	// Pacing is the idle time between two iterations of the same VU.
	Pacing time.Duration
	// GracefulStop bounds how long in-flight iterations may run past the
	// deadline. Zero waits for them indefinitely.
	GracefulStop time.Duration
	// MaxIterationRate caps iteration starts per second across all VUs.
	// Zero means uncapped.
	MaxIterationRate float64
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.VUs < 1 {
		return fmt.Errorf("vus must be at least 1, got %d", c.VUs)
	}
	if c.Duration <= 0 {
		return fmt.Errorf("duration must be positive, got %s", c.Duration)
	}
	if c.Pacing < 0 {
		return fmt.Errorf("pacing must not be negative, got %s", c.Pacing)
	}
	if c.GracefulStop < 0 {
		return fmt.Errorf("graceful stop must not be negative, got %s", c.GracefulStop)
	}
	if c.MaxIterationRate < 0 {
		return fmt.Errorf("max iteration rate must not be negative, got %g", c.MaxIterationRate)
	}
	return nil
}

// Stats describes a finished run.
type Stats struct {
	VUs        int
	Iterations int64
	// PerVU holds the iteration count of VU i+1 at index i.
	PerVU   []int64
	Elapsed time.Duration
	// Interrupted is set when the parent context was cancelled before the
	// deadline.
	Interrupted bool
	// HardStopped is set when the graceful stop window expired with
	// iterations still in flight.
	HardStopped bool
}

// Runner runs a workload with a fixed number of VUs.
type Runner struct {
	config   Config
	registry *metrics.Registry
	logger   *zap.Logger
	sleep    retry.SleepFunc

	startTime  time.Time
	activeVUs  atomic.Int32
	iterations atomic.Int64
	running    atomic.Bool

	mu sync.RWMutex
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithSleep replaces the pacing sleeper.
func WithSleep(fn retry.SleepFunc) Option {
	return func(r *Runner) {
		r.sleep = fn
	}
}

// New creates a runner that counts iterations into reg.
func New(cfg Config, reg *metrics.Registry, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Runner{
		config:   cfg,
		registry: reg,
		logger:   zap.NewNop(),
		sleep:    retry.Sleep,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run starts every VU and blocks until all of them have stopped. The caller
// must not call Run before the workload's inputs are complete; VUs start
// immediately.
func (r *Runner) Run(ctx context.Context, wl Workload) Stats {
	live := r.registry.Live()

	r.mu.Lock()
	r.startTime = time.Now()
	r.mu.Unlock()
	r.running.Store(true)
	defer r.running.Store(false)

	deadlineCtx, cancel := context.WithTimeout(ctx, r.config.Duration)
	defer cancel()

	iterCtx, hardStop := context.WithCancel(ctx)
	defer hardStop()

	var limiter *rate.Limiter
	if r.config.MaxIterationRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(r.config.MaxIterationRate), 1)
	}

	r.logger.Info("load started",
		zap.Int("vus", r.config.VUs),
		zap.Duration("duration", r.config.Duration),
		zap.Duration("pacing", r.config.Pacing))
	live.SetPhase(metrics.PhaseLoad)

	perVU := make([]int64, r.config.VUs)
	var wg sync.WaitGroup
	for i := 0; i < r.config.VUs; i++ {
		wg.Add(1)
		go r.runVU(deadlineCtx, iterCtx, i+1, wl, limiter, &perVU[i], &wg)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	stats := Stats{VUs: r.config.VUs, PerVU: perVU}

	select {
	case <-done:
	case <-deadlineCtx.Done():
		live.SetPhase(metrics.PhaseDrain)
		if r.config.GracefulStop > 0 {
			timer := time.NewTimer(r.config.GracefulStop)
			select {
			case <-done:
			case <-timer.C:
				r.logger.Warn("graceful stop expired, cancelling in-flight iterations",
					zap.Duration("graceful_stop", r.config.GracefulStop),
					zap.Int("active_vus", live.ActiveVUs()))
				stats.HardStopped = true
				hardStop()
			}
			timer.Stop()
		}
		<-done
	}

	stats.Elapsed = time.Since(r.startTime)
	stats.Iterations = r.iterations.Load()
	stats.Interrupted = ctx.Err() != nil

	r.logger.Info("load finished",
		zap.Int64("iterations", stats.Iterations),
		zap.Duration("elapsed", stats.Elapsed),
		zap.Bool("interrupted", stats.Interrupted))
	return stats
}

// runVU runs a single VU until the deadline passes.
func (r *Runner) runVU(deadlineCtx, iterCtx context.Context, vu int, wl Workload, limiter *rate.Limiter, count *int64, wg *sync.WaitGroup) {
	defer wg.Done()

	live := r.registry.Live()
	r.activeVUs.Add(1)
	live.AddActiveVUs(1)
	defer func() {
		r.activeVUs.Add(-1)
		live.AddActiveVUs(-1)
	}()

	r.logger.Debug("vu started", zap.Int("vu", vu))
	defer func() {
		r.logger.Debug("vu stopped", zap.Int("vu", vu), zap.Int64("iterations", *count))
	}()

	for iter := int64(0); ; iter++ {
		if deadlineCtx.Err() != nil {
			return
		}
		if limiter != nil {
			// Wait fails fast when the next token lands after the deadline.
			if err := limiter.Wait(deadlineCtx); err != nil {
				return
			}
		}

		wl.Execute(iterCtx, vu, iter)

		*count++
		r.iterations.Add(1)
		r.registry.IterationDone()

		if r.config.Pacing > 0 {
			if err := r.sleep(deadlineCtx, r.config.Pacing); err != nil {
				return
			}
		}
	}
}

// Progress returns how much of the run window has elapsed, from 0 to 1.
func (r *Runner) Progress() float64 {
	r.mu.RLock()
	start := r.startTime
	r.mu.RUnlock()

	if !r.running.Load() {
		if start.IsZero() {
			return 0.0
		}
		return 1.0
	}

	progress := float64(time.Since(start)) / float64(r.config.Duration)
	if progress > 1.0 {
		progress = 1.0
	}
	return progress
}

// ActiveVUs returns how many VUs are running.
func (r *Runner) ActiveVUs() int {
	return int(r.activeVUs.Load())
}
