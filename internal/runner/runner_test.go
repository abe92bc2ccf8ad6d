package runner_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tasklane/loadgate/internal/metrics"
	"github.com/tasklane/loadgate/internal/runner"
)

type iterationLog struct {
	mu    sync.Mutex
	byVU  map[int][]int64
	calls int
}

func newIterationLog() *iterationLog {
	return &iterationLog{byVU: map[int][]int64{}}
}

func (l *iterationLog) Execute(_ context.Context, vu int, iter int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byVU[vu] = append(l.byVU[vu], iter)
	l.calls++
}

func TestConfig_Validate(t *testing.T) {
	valid := runner.Config{VUs: 1, Duration: time.Second}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*runner.Config)
	}{
		{"zero vus", func(c *runner.Config) { c.VUs = 0 }},
		{"zero duration", func(c *runner.Config) { c.Duration = 0 }},
		{"negative pacing", func(c *runner.Config) { c.Pacing = -time.Millisecond }},
		{"negative graceful stop", func(c *runner.Config) { c.GracefulStop = -time.Second }},
		{"negative rate", func(c *runner.Config) { c.MaxIterationRate = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())

			_, err := runner.New(cfg, metrics.NewRegistry())
			assert.Error(t, err)
		})
	}
}

func TestRunner_PerVUOrderAndIDs(t *testing.T) {
	reg := metrics.NewRegistry()
	r, err := runner.New(runner.Config{VUs: 3, Duration: 100 * time.Millisecond, Pacing: 5 * time.Millisecond}, reg)
	require.NoError(t, err)

	log := newIterationLog()
	stats := r.Run(context.Background(), log)

	vus := make([]int, 0, len(log.byVU))
	for vu := range log.byVU {
		vus = append(vus, vu)
	}
	sort.Ints(vus)
	assert.Equal(t, []int{1, 2, 3}, vus)

	for vu, iters := range log.byVU {
		require.NotEmpty(t, iters)
		for i, iter := range iters {
			assert.Equal(t, int64(i), iter, "vu %d", vu)
		}
		assert.Equal(t, int64(len(iters)), stats.PerVU[vu-1])
	}

	assert.Equal(t, int64(log.calls), stats.Iterations)
	assert.Equal(t, float64(stats.Iterations), reg.Snapshot(stats.Elapsed).Metrics[metrics.Iterations].Values["count"])
	assert.False(t, stats.Interrupted)
	assert.False(t, stats.HardStopped)
}

func TestRunner_PacingBetweenIterations(t *testing.T) {
	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	sleep := func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		// a short real wait keeps the loop from spinning for the whole window
		time.Sleep(time.Millisecond)
		return ctx.Err()
	}

	r, err := runner.New(runner.Config{VUs: 1, Duration: 50 * time.Millisecond, Pacing: 200 * time.Millisecond},
		metrics.NewRegistry(), runner.WithSleep(sleep))
	require.NoError(t, err)

	stats := r.Run(context.Background(), newIterationLog())

	require.NotEmpty(t, delays)
	for _, d := range delays {
		assert.Equal(t, 200*time.Millisecond, d)
	}
	// every completed iteration is followed by exactly one pacing wait
	assert.Equal(t, stats.Iterations, int64(len(delays)))
}

func TestRunner_InFlightIterationsFinish(t *testing.T) {
	var (
		mu        sync.Mutex
		completed int
		ctxErrs   []error
	)
	wl := runner.WorkloadFunc(func(ctx context.Context, vu int, iter int64) {
		time.Sleep(150 * time.Millisecond)
		mu.Lock()
		completed++
		ctxErrs = append(ctxErrs, ctx.Err())
		mu.Unlock()
	})

	r, err := runner.New(runner.Config{VUs: 2, Duration: 50 * time.Millisecond}, metrics.NewRegistry())
	require.NoError(t, err)

	stats := r.Run(context.Background(), wl)

	// the deadline passed while iteration 0 was running; nothing new started
	assert.Equal(t, []int64{1, 1}, stats.PerVU)
	assert.Equal(t, 2, completed)
	for _, e := range ctxErrs {
		assert.NoError(t, e, "in-flight iterations keep a live context")
	}
	assert.GreaterOrEqual(t, stats.Elapsed, 150*time.Millisecond)
}

func TestRunner_GracefulStopCancelsInFlight(t *testing.T) {
	wl := runner.WorkloadFunc(func(ctx context.Context, vu int, iter int64) {
		<-ctx.Done()
	})

	r, err := runner.New(runner.Config{VUs: 2, Duration: 20 * time.Millisecond, GracefulStop: 30 * time.Millisecond},
		metrics.NewRegistry())
	require.NoError(t, err)

	stats := r.Run(context.Background(), wl)

	assert.True(t, stats.HardStopped)
	assert.Equal(t, int64(2), stats.Iterations)
	assert.Less(t, stats.Elapsed, time.Second)
}

func TestRunner_IterationRateCap(t *testing.T) {
	r, err := runner.New(runner.Config{VUs: 4, Duration: 300 * time.Millisecond, MaxIterationRate: 20},
		metrics.NewRegistry())
	require.NoError(t, err)

	stats := r.Run(context.Background(), newIterationLog())

	// one token of burst plus 20/s over 300ms
	assert.GreaterOrEqual(t, stats.Iterations, int64(1))
	assert.LessOrEqual(t, stats.Iterations, int64(8))
}

func TestRunner_ParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	wl := runner.WorkloadFunc(func(ctx context.Context, vu int, iter int64) {
		if iter == 2 {
			cancel()
		}
	})

	r, err := runner.New(runner.Config{VUs: 1, Duration: time.Minute, Pacing: time.Millisecond}, metrics.NewRegistry())
	require.NoError(t, err)

	stats := r.Run(ctx, wl)

	assert.True(t, stats.Interrupted)
	assert.Equal(t, int64(3), stats.Iterations)
	assert.Less(t, stats.Elapsed, time.Minute)
}

func TestRunner_LiveTracksVUsAndPhase(t *testing.T) {
	reg := metrics.NewRegistry()
	r, err := runner.New(runner.Config{VUs: 3, Duration: 100 * time.Millisecond}, reg)
	require.NoError(t, err)

	seen := make(chan int, 1)
	wl := runner.WorkloadFunc(func(ctx context.Context, vu int, iter int64) {
		if iter == 0 && vu == 1 {
			time.Sleep(20 * time.Millisecond)
			select {
			case seen <- reg.Live().ActiveVUs():
			default:
			}
		}
		time.Sleep(5 * time.Millisecond)
	})

	assert.Equal(t, 0.0, r.Progress())
	r.Run(context.Background(), wl)

	assert.Equal(t, 3, <-seen)
	assert.Equal(t, 0, reg.Live().ActiveVUs())
	assert.Equal(t, 0, r.ActiveVUs())
	assert.Equal(t, 1.0, r.Progress())

	var phases []metrics.Phase
	for _, p := range reg.Live().PhaseHistory() {
		phases = append(phases, p.Phase)
	}
	assert.Contains(t, phases, metrics.PhaseLoad)
	assert.Contains(t, phases, metrics.PhaseDrain)
}

func TestRunner_LogsIterationsPerVU(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	reg := metrics.NewRegistry()
	r, err := runner.New(runner.Config{VUs: 2, Duration: 60 * time.Millisecond}, reg,
		runner.WithLogger(zap.New(core)))
	require.NoError(t, err)

	stats := r.Run(context.Background(), runner.WorkloadFunc(func(context.Context, int, int64) {
		time.Sleep(5 * time.Millisecond)
	}))
	require.Positive(t, stats.Iterations)

	stopped := logs.FilterMessage("vu stopped").All()
	require.Len(t, stopped, 2)
	var logged int64
	for _, entry := range stopped {
		logged += entry.ContextMap()["iterations"].(int64)
	}
	assert.Equal(t, stats.Iterations, logged)
}
