// Package engine runs one staged load test from start to finish.
//
// The lifecycle is strictly ordered:
//
//	setup (fixture) -> load (runner) -> drain -> thresholds -> summary
//
// Setup must publish a complete fixture before any virtual user starts.
// Setup failure skips the load phase entirely and yields ExitSetupFailed;
// the summary artifact is still written so the failure is on record.
//
// Example usage:
//
//	eng, err := engine.New(cfg, engine.WithLogger(logger))
//	if err != nil {
//		return engine.ExitConfigError
//	}
//	result := eng.Run(ctx)
//	os.Exit(result.ExitCode)
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tasklane/loadgate/internal/config"
	lghttp "github.com/tasklane/loadgate/internal/http"
	"github.com/tasklane/loadgate/internal/metrics"
	"github.com/tasklane/loadgate/internal/output"
	"github.com/tasklane/loadgate/internal/runner"
	"github.com/tasklane/loadgate/internal/setup"
	"github.com/tasklane/loadgate/internal/summary"
	"github.com/tasklane/loadgate/internal/telemetry"
	"github.com/tasklane/loadgate/internal/threshold"
	"github.com/tasklane/loadgate/internal/workload"
)

// Process exit codes.
const (
	ExitPass             = 0
	ExitConfigError      = 1
	ExitThresholdsFailed = 99
	ExitSetupFailed      = 107
)

// Result is the outcome of Run.
type Result struct {
	Artifact    *summary.Artifact
	SummaryPath string
	Thresholds  []threshold.Result
	Stats       runner.Stats
	// SetupErr is the setup-fatal failure, if any.
	SetupErr error
	// Err is an error that prevented the run from completing or the summary
	// from being written.
	Err      error
	ExitCode int
}

// Passed reports whether setup succeeded and every threshold passed.
func (r *Result) Passed() bool {
	return r.ExitCode == ExitPass
}

// Engine owns every per-run object: registry, HTTP client, threshold specs.
type Engine struct {
	config   config.RunConfig
	registry *metrics.Registry
	client   *lghttp.Client
	specs    []threshold.Spec
	logger   *zap.Logger
	console  *output.Console

	transport     http.RoundTripper
	setupOptions  []setup.Option
	runnerOptions []runner.Option
	workloadOpts  []workload.Option
	now           func() time.Time

	mu      sync.RWMutex
	runner  *runner.Runner
	running bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithConsole enables human-facing progress and summary output.
func WithConsole(c *output.Console) Option {
	return func(e *Engine) {
		e.console = c
	}
}

// WithTransport replaces the HTTP transport used for every call.
func WithTransport(rt http.RoundTripper) Option {
	return func(e *Engine) {
		e.transport = rt
	}
}

// WithSetupOptions passes options to the setup coordinator.
func WithSetupOptions(opts ...setup.Option) Option {
	return func(e *Engine) {
		e.setupOptions = append(e.setupOptions, opts...)
	}
}

// WithRunnerOptions passes options to the runner.
func WithRunnerOptions(opts ...runner.Option) Option {
	return func(e *Engine) {
		e.runnerOptions = append(e.runnerOptions, opts...)
	}
}

// WithWorkloadOptions passes options to the task API workload.
func WithWorkloadOptions(opts ...workload.Option) Option {
	return func(e *Engine) {
		e.workloadOpts = append(e.workloadOpts, opts...)
	}
}

// WithClock replaces time.Now for the artifact timestamp.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New validates cfg, registers every sink the run writes and binds the
// declared thresholds to them. Any error is a configuration error.
func New(cfg config.RunConfig, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	e := &Engine{
		config: cfg,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.registry = metrics.NewRegistry()
	setup.RegisterMetrics(e.registry)
	workload.RegisterMetrics(e.registry)

	specs, err := threshold.Bind(cfg.Thresholds, threshold.RegistryTypes(e.registry))
	if err != nil {
		return nil, fmt.Errorf("invalid thresholds: %w", err)
	}
	e.specs = specs

	clientOpts := []lghttp.ClientOption{
		lghttp.WithBaseURL(cfg.BaseURL),
		lghttp.WithTimeout(cfg.RequestTimeout.Std()),
		lghttp.WithObserver(e.registry),
		lghttp.WithLogger(e.logger),
	}
	if e.transport != nil {
		clientOpts = append(clientOpts, lghttp.WithTransport(e.transport))
	}
	e.client = lghttp.NewClient(clientOpts...)

	return e, nil
}

// Registry returns the run's registry.
func (e *Engine) Registry() *metrics.Registry {
	return e.registry
}

// IsRunning reports whether Run is in progress.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Progress returns the load phase progress from 0 to 1.
func (e *Engine) Progress() float64 {
	e.mu.RLock()
	r := e.runner
	e.mu.RUnlock()
	if r == nil {
		return 0
	}
	return r.Progress()
}

// Run executes the whole lifecycle. It never returns nil; the exit code in
// the result classifies the outcome. Cancelling ctx ends the load phase
// early; thresholds are still evaluated and the summary still written.
func (e *Engine) Run(ctx context.Context) *Result {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return &Result{Err: errors.New("engine is already running"), ExitCode: ExitConfigError}
	}
	e.running = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	result := &Result{SummaryPath: e.config.SummaryPath}
	live := e.registry.Live()

	if e.config.MetricsAddr != "" {
		stop, err := e.serveTelemetry(ctx)
		if err != nil {
			result.Err = fmt.Errorf("failed to start metrics endpoint: %w", err)
			result.ExitCode = ExitConfigError
			return result
		}
		defer stop()
	}

	if e.console != nil {
		e.console.PrintHeader(e.meta())
	}

	start := time.Now()
	live.SetPhase(metrics.PhaseSetup)
	e.logger.Info("setup started", zap.String("base_url", e.config.BaseURL))

	coordinator := setup.NewCoordinator(e.client, e.registry,
		append([]setup.Option{setup.WithLogger(e.logger)}, e.setupOptions...)...)
	fixture, err := coordinator.Run(ctx)

	elapsed := time.Since(start)
	if err != nil {
		result.SetupErr = err
		e.logger.Error("setup failed, skipping load", zap.Error(err))
	} else {
		e.logger.Info("setup complete",
			zap.String("org_id", fixture.OrgID()),
			zap.String("project_id", fixture.ProjectID()),
			zap.Duration("took", elapsed))

		stats, err := e.load(ctx, fixture)
		if err != nil {
			result.Err = err
			result.ExitCode = ExitConfigError
			return result
		}
		result.Stats = stats
		elapsed = stats.Elapsed
	}

	snap := e.registry.Snapshot(elapsed)
	if result.SetupErr == nil {
		result.Thresholds = threshold.Evaluate(e.specs, snap)
		for _, f := range threshold.Failed(result.Thresholds) {
			e.logger.Warn("threshold failed",
				zap.String("metric", f.Metric),
				zap.String("expression", f.Expression),
				zap.Float64("actual", f.Actual))
		}
	}
	live.SetPhase(metrics.PhaseDone)

	result.Artifact = summary.Build(e.config, summary.Outcome{
		Snapshot:    snap,
		Live:        live.Snapshot(),
		Thresholds:  result.Thresholds,
		Iterations:  result.Stats.Iterations,
		SetupErr:    result.SetupErr,
		Interrupted: result.Stats.Interrupted,
		FinishedAt:  e.now(),
	})

	writeErr := summary.Write(e.config.SummaryPath, result.Artifact)
	if writeErr != nil {
		result.Err = writeErr
		e.logger.Error("failed to write summary", zap.String("path", e.config.SummaryPath), zap.Error(writeErr))
	} else {
		e.logger.Info("summary written", zap.String("path", e.config.SummaryPath))
	}

	if e.console != nil {
		path := e.config.SummaryPath
		if writeErr != nil {
			path = ""
		}
		e.console.PrintSummary(result.Artifact, path)
	}

	result.ExitCode = classify(result.SetupErr, writeErr, result.Thresholds)
	return result
}

// load runs the workload with the fixture. It is only called once setup
// has returned a complete fixture.
func (e *Engine) load(ctx context.Context, fixture *setup.Fixture) (runner.Stats, error) {
	wlOpts := append([]workload.Option{
		workload.WithRunID(e.config.RunID),
		workload.WithWebhookSecret(e.config.WebhookSecret),
		workload.WithLogger(e.logger),
	}, e.workloadOpts...)
	mix := workload.NewTaskAPI(e.client, e.registry, fixture, wlOpts...).Mix()

	r, err := runner.New(runner.Config{
		VUs:              e.config.VUs,
		Duration:         e.config.Duration.Std(),
		Pacing:           e.config.Pacing.Std(),
		GracefulStop:     e.config.GracefulStop.Std(),
		MaxIterationRate: e.config.MaxIterationRate,
	}, e.registry, append([]runner.Option{runner.WithLogger(e.logger)}, e.runnerOptions...)...)
	if err != nil {
		return runner.Stats{}, err
	}

	e.mu.Lock()
	e.runner = r
	e.mu.Unlock()

	var watchDone chan struct{}
	watchCtx, stopWatch := context.WithCancel(ctx)
	if e.console != nil {
		watchDone = make(chan struct{})
		go func() {
			defer close(watchDone)
			e.console.Watch(watchCtx, func() output.LiveStats {
				return output.StatsFromLive(e.registry.Live().Snapshot(), r.Progress(), e.config.Duration.Std(), e.config.VUs)
			})
		}()
	}

	stats := r.Run(ctx, mix)

	stopWatch()
	if watchDone != nil {
		<-watchDone
	}
	return stats, nil
}

func (e *Engine) serveTelemetry(ctx context.Context) (func(), error) {
	srv, err := telemetry.Listen(e.config.MetricsAddr, e.registry, e.config.RunID, e.logger)
	if err != nil {
		return nil, err
	}
	serveCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(serveCtx); err != nil {
			e.logger.Warn("metrics endpoint stopped", zap.Error(err))
		}
	}()
	return func() {
		cancel()
		<-done
	}, nil
}

func (e *Engine) meta() summary.Meta {
	return summary.Meta{
		RunID:    e.config.RunID,
		GitSHA:   e.config.Revision,
		BaseURL:  e.config.BaseURL,
		VUs:      e.config.VUs,
		Duration: e.config.Duration.String(),
	}
}

// classify maps a finished run to its exit code. Setup failure wins over a
// write failure, which wins over threshold failures.
func classify(setupErr, writeErr error, results []threshold.Result) int {
	switch {
	case setupErr != nil:
		return ExitSetupFailed
	case writeErr != nil:
		return ExitConfigError
	case !threshold.AllPassed(results):
		return ExitThresholdsFailed
	default:
		return ExitPass
	}
}
