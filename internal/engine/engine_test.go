package engine

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasklane/loadgate/internal/config"
	"github.com/tasklane/loadgate/internal/metrics"
	"github.com/tasklane/loadgate/internal/mocktarget"
	"github.com/tasklane/loadgate/internal/setup"
	"github.com/tasklane/loadgate/internal/summary"
	"github.com/tasklane/loadgate/internal/workload"
)

func startMock(t *testing.T, opts ...mocktarget.Option) (*mocktarget.Server, string) {
	t.Helper()
	mock := mocktarget.New(opts...)
	server := httptest.NewServer(mock.Handler())
	t.Cleanup(server.Close)
	return mock, server.URL
}

func testConfig(t *testing.T, baseURL string) config.RunConfig {
	t.Helper()
	cfg := config.Default()
	cfg.BaseURL = baseURL
	cfg.VUs = 2
	cfg.Duration = config.Duration(time.Second)
	cfg.SummaryPath = filepath.Join(t.TempDir(), "results", "summary.json")
	cfg.RunID = "e2e"
	cfg.Revision = "test"
	return cfg
}

func TestEngine_EndToEnd(t *testing.T) {
	_, url := startMock(t, mocktarget.WithLatency(10*time.Millisecond))
	cfg := testConfig(t, url)

	eng, err := New(cfg)
	require.NoError(t, err)

	result := eng.Run(context.Background())
	require.NoError(t, result.Err)
	require.NoError(t, result.SetupErr)
	assert.Equal(t, ExitPass, result.ExitCode)
	assert.True(t, result.Passed())
	assert.False(t, eng.IsRunning())

	assert.Equal(t, len(cfg.Thresholds), len(result.Thresholds))
	for _, th := range result.Thresholds {
		assert.True(t, th.Passed, "%s %s: %s", th.Metric, th.Expression, th.Message)
	}

	// every declared metric recorded samples
	for name := range cfg.Thresholds {
		m, ok := result.Artifact.Results.Metrics[name]
		require.True(t, ok, name)
		assert.Positive(t, m.Observations(), name)
	}
	assert.Positive(t, result.Artifact.Results.Metrics[setup.MetricAuthRequestLink].Observations())
	assert.Positive(t, result.Stats.Iterations)
	assert.Len(t, result.Stats.PerVU, 2)

	back, err := summary.Read(cfg.SummaryPath)
	require.NoError(t, err)
	assert.True(t, back.Results.Passed)
	assert.Equal(t, "e2e", back.Meta.RunID)
	assert.Equal(t, 2, back.Meta.VUs)
	assert.Equal(t, "1s", back.Meta.Duration)
	for name := range cfg.Thresholds {
		assert.NotEmpty(t, back.Results.Metrics[name].Values, name)
	}
	assert.NotNil(t, back.Results.Histogram)

	assert.Equal(t, metrics.PhaseDone, eng.Registry().Live().Phase())
	assert.Equal(t, 1.0, eng.Progress())
}

func TestEngine_NeverReady(t *testing.T) {
	mock, url := startMock(t, mocktarget.WithNeverReady())
	cfg := testConfig(t, url)

	eng, err := New(cfg, WithSetupOptions(setup.WithReadiness(3, time.Millisecond)))
	require.NoError(t, err)

	result := eng.Run(context.Background())
	assert.Equal(t, ExitSetupFailed, result.ExitCode)
	require.Error(t, result.SetupErr)
	assert.ErrorIs(t, result.SetupErr, setup.ErrNotReady)
	assert.NoError(t, result.Err)
	assert.Empty(t, result.Thresholds)

	assert.Equal(t, int64(0), mock.Hits(mocktarget.RouteRequestLink))
	assert.Equal(t, int64(0), mock.Hits(mocktarget.RouteTasksCreate))
	assert.Equal(t, int64(0), result.Stats.Iterations)

	snap := eng.Registry().Snapshot(0)
	for _, name := range []string{workload.MetricTasksCreate, workload.MetricTasksList, workload.MetricWebhookStripe} {
		assert.Equal(t, int64(0), snap.Metrics[name].Observations(), name)
	}

	back, err := summary.Read(cfg.SummaryPath)
	require.NoError(t, err)
	assert.False(t, back.Results.Passed)
	assert.Contains(t, back.Results.SetupError, "ready")
}

func TestEngine_ThresholdFailure(t *testing.T) {
	_, url := startMock(t, mocktarget.WithLatency(10*time.Millisecond))
	cfg := testConfig(t, url)
	cfg.Duration = config.Duration(300 * time.Millisecond)
	cfg.Thresholds = map[string][]string{
		workload.MetricTasksCreate: {"p(95)<1"},
		metrics.Checks:             {"rate>0.99"},
	}

	eng, err := New(cfg)
	require.NoError(t, err)

	result := eng.Run(context.Background())
	assert.Equal(t, ExitThresholdsFailed, result.ExitCode)
	require.Len(t, result.Thresholds, 2)

	// both evaluated: the passing one is still reported
	passed := map[string]bool{}
	for _, th := range result.Thresholds {
		passed[th.Metric] = th.Passed
	}
	assert.False(t, passed[workload.MetricTasksCreate])
	assert.True(t, passed[metrics.Checks])

	_, err = os.Stat(cfg.SummaryPath)
	assert.NoError(t, err, "summary is written when thresholds fail")
}

func TestEngine_ConfigErrors(t *testing.T) {
	_, url := startMock(t)

	tests := []struct {
		name       string
		thresholds map[string][]string
	}{
		{"unknown metric", map[string][]string{"p95_nothing": {"p(95)<200"}}},
		{"stat on wrong type", map[string][]string{metrics.HTTPReqs: {"p(95)<200"}}},
		{"malformed", map[string][]string{metrics.Checks: {"rate >> 1"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, url)
			cfg.Thresholds = tt.thresholds
			_, err := New(cfg)
			assert.Error(t, err)
		})
	}

	cfg := testConfig(t, url)
	cfg.VUs = 0
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestEngine_SummaryWriteFailure(t *testing.T) {
	_, url := startMock(t)
	cfg := testConfig(t, url)
	cfg.Duration = config.Duration(100 * time.Millisecond)

	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))
	cfg.SummaryPath = filepath.Join(blocker, "summary.json")

	eng, err := New(cfg)
	require.NoError(t, err)

	result := eng.Run(context.Background())
	assert.Equal(t, ExitConfigError, result.ExitCode)
	assert.Error(t, result.Err)
}

func TestEngine_Interrupted(t *testing.T) {
	_, url := startMock(t)
	cfg := testConfig(t, url)
	cfg.Duration = config.Duration(time.Minute)

	eng, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	result := eng.Run(ctx)
	assert.Less(t, time.Since(start), 10*time.Second)

	assert.True(t, result.Stats.Interrupted)
	assert.True(t, result.Artifact.Results.Interrupted)
	assert.NotEmpty(t, result.Thresholds)
	_, err = os.Stat(cfg.SummaryPath)
	assert.NoError(t, err)
}

func TestEngine_MetricsEndpoint(t *testing.T) {
	_, url := startMock(t)
	cfg := testConfig(t, url)
	cfg.Duration = config.Duration(100 * time.Millisecond)
	cfg.MetricsAddr = "127.0.0.1:0"

	eng, err := New(cfg)
	require.NoError(t, err)

	result := eng.Run(context.Background())
	assert.NoError(t, result.Err)
	assert.NotEqual(t, ExitConfigError, result.ExitCode)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ExitPass, classify(nil, nil, nil))
	assert.Equal(t, ExitSetupFailed, classify(assert.AnError, assert.AnError, nil))
	assert.Equal(t, ExitConfigError, classify(nil, assert.AnError, nil))
}
