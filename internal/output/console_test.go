package output

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tasklane/loadgate/internal/metrics"
	"github.com/tasklane/loadgate/internal/summary"
	"github.com/tasklane/loadgate/internal/threshold"
)

func newTestConsole(buf *bytes.Buffer, tty bool) *Console {
	return New(Config{Writer: buf, NoColor: true, ForceTTY: tty, UpdateInterval: 5 * time.Millisecond})
}

func testArtifact(passed bool) *summary.Artifact {
	return &summary.Artifact{
		Meta: summary.Meta{RunID: "r1", GitSHA: "abc", BaseURL: "http://api:8000", VUs: 2, Duration: "1s"},
		Results: summary.Results{
			Metrics: map[string]metrics.MetricSnapshot{
				metrics.HTTPReqs:      {Type: metrics.TypeCounter, Values: map[string]float64{"count": 1234, "rate": 12.34}},
				metrics.HTTPReqFailed: {Type: metrics.TypeRate, Values: map[string]float64{"rate": 0.5, "passes": 1, "fails": 1}},
			},
			Checks: map[string]metrics.CheckResult{
				"task list 200":   {Passes: 3},
				"task create 200": {Passes: 2, Fails: 1},
			},
			Thresholds: []threshold.Result{
				{Metric: "p95_tasks_create", Expression: "p(95)<200", Passed: passed, Actual: 950, Message: "p(95) is 950, threshold: < 200"},
			},
			Histogram:  &summary.Histogram{Count: 5, Min: 0.5, P50: 12, P90: 40, P95: 81.25, P99: 120, Max: 1500},
			Iterations: 7,
			ElapsedMs:  1000,
			Passed:     passed,
		},
	}
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	c := newTestConsole(&buf, false)

	c.PrintSummary(testArtifact(false), "/results/summary.json")
	out := buf.String()

	assert.Contains(t, out, "loadgate r1 - Failed ✗")
	assert.Contains(t, out, "Total Reqs:    1,234 (12.3/s)")
	assert.Contains(t, out, "Success Rate:  50.0%")
	assert.Contains(t, out, "P95:       81.2ms")
	assert.Contains(t, out, "Max:       1.50s")
	assert.Contains(t, out, "✗ p95_tasks_create p(95)<200 (p(95) is 950, threshold: < 200)")
	assert.Contains(t, out, "Summary: /results/summary.json")

	// checks are listed in name order
	assert.Less(t, strings.Index(out, "task create 200"), strings.Index(out, "task list 200"))
}

func TestPrintSummary_SetupFailure(t *testing.T) {
	var buf bytes.Buffer
	c := newTestConsole(&buf, false)

	a := testArtifact(false)
	a.Results.SetupError = "setup failed at ready: target never became ready"
	a.Results.Histogram = nil
	c.PrintSummary(a, "")

	assert.Contains(t, buf.String(), "Setup failed, no load was generated:")
	assert.Contains(t, buf.String(), "target never became ready")
	assert.NotContains(t, buf.String(), "Latency Distribution")
}

func TestPrintSummary_Quiet(t *testing.T) {
	var buf bytes.Buffer
	c := New(Config{Writer: &buf, NoColor: true, Quiet: true})

	c.PrintSummary(testArtifact(true), "x.json")
	assert.Equal(t, "PASSED\n", buf.String())

	buf.Reset()
	c.PrintHeader(summary.Meta{RunID: "r"})
	c.Update(&LiveStats{})
	assert.Empty(t, buf.String())
}

func TestUpdate_RedrawsInPlace(t *testing.T) {
	var buf bytes.Buffer
	c := newTestConsole(&buf, true)

	c.Update(&LiveStats{Progress: 0.5, ActiveVUs: 2, TargetVUs: 2, TotalRequests: 10, Phase: "load"})
	first := buf.Len()
	assert.Contains(t, buf.String(), "VUs:     2 / 2")
	assert.Contains(t, buf.String(), "Phase:    load")

	c.Update(&LiveStats{Progress: 1})
	assert.Contains(t, buf.String()[first:], "\033[")
}

func TestUpdate_IgnoredWithoutTTY(t *testing.T) {
	var buf bytes.Buffer
	c := newTestConsole(&buf, false)
	c.Update(&LiveStats{Progress: 0.5})
	assert.Empty(t, buf.String())
}

func TestWatch_NonInteractive(t *testing.T) {
	var buf bytes.Buffer
	c := newTestConsole(&buf, false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	c.Watch(ctx, func() LiveStats {
		return LiveStats{Elapsed: 500 * time.Millisecond, Phase: "load", ActiveVUs: 3, TotalRequests: 42, LatencyP95: 12 * time.Millisecond}
	})

	assert.Contains(t, buf.String(), "[500ms] load | Progress: 0% | VUs: 3 | Reqs: 42")
	assert.Contains(t, buf.String(), "P95: 12ms")
}

func TestStatsFromLive(t *testing.T) {
	snap := metrics.LiveSnapshot{
		TotalRequests:  100,
		FailedRequests: 2,
		ErrorRate:      0.02,
		RPS:            50,
		ActiveVUs:      4,
		Phase:          metrics.PhaseLoad,
		Elapsed:        2 * time.Second,
		Latency:        metrics.LatencyStats{P95: 30 * time.Millisecond, Mean: 10 * time.Millisecond},
	}

	stats := StatsFromLive(snap, 0.4, 5*time.Second, 4)
	assert.Equal(t, 3*time.Second, stats.Remaining)
	assert.Equal(t, int64(2), stats.Errors)
	assert.Equal(t, "load", stats.Phase)
	assert.Equal(t, 30*time.Millisecond, stats.LatencyP95)

	stats = StatsFromLive(snap, 1, time.Second, 4)
	assert.Equal(t, time.Duration(0), stats.Remaining)
}

func TestFormatters(t *testing.T) {
	assert.Equal(t, "999", formatNumber(999))
	assert.Equal(t, "1,000", formatNumber(1000))
	assert.Equal(t, "12,345,678", formatNumber(12345678))
	assert.Equal(t, "-1,000", formatNumber(-1000))

	assert.Equal(t, "500ms", formatDuration(500*time.Millisecond))
	assert.Equal(t, "1m 05s", formatDuration(65*time.Second))
	assert.Equal(t, "250µs", formatDurationShort(250*time.Microsecond))

	assert.Equal(t, "200", formatStat(200))
	assert.Equal(t, "0.0123", formatStat(0.0123))

	assert.Equal(t, "[██░░]", renderProgressBar(0.5, 4))
	assert.Equal(t, "[████]", renderProgressBar(1.5, 4))

	assert.Equal(t, 3, visibleLen("\033[32mabc\033[0m"))
}

func TestRateColor(t *testing.T) {
	s := NoColorScheme()
	assert.Same(t, s.Pass, s.RateColor(0))
	assert.Same(t, s.Warn, s.RateColor(0.02))
	assert.Same(t, s.Fail, s.RateColor(0.1))
}
