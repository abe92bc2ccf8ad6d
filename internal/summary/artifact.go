// Package summary builds and writes the end-of-run artifact and reads
// artifacts back for cross-run comparison.
package summary

import (
	"time"

	"github.com/tasklane/loadgate/internal/config"
	"github.com/tasklane/loadgate/internal/metrics"
	"github.com/tasklane/loadgate/internal/threshold"
)

// Artifact is the JSON document written at the end of every run.
type Artifact struct {
	Meta    Meta    `json:"meta"`
	Results Results `json:"results"`
}

// Meta identifies the run.
type Meta struct {
	RunID     string `json:"run_id"`
	GitSHA    string `json:"git_sha"`
	BaseURL   string `json:"base_url"`
	VUs       int    `json:"vus"`
	Duration  string `json:"duration"`
	CreatedAt string `json:"created_at"`
}

// Results carries every sink aggregate and threshold outcome.
type Results struct {
	Metrics    map[string]metrics.MetricSnapshot `json:"metrics"`
	Checks     map[string]metrics.CheckResult    `json:"checks"`
	Thresholds []threshold.Result                `json:"thresholds"`
	Histogram  *Histogram                        `json:"histogram,omitempty"`
	Iterations int64                             `json:"iterations"`
	ElapsedMs  float64                           `json:"elapsed_ms"`
	Passed     bool                              `json:"passed"`
	// SetupError is set when setup failed and no load was generated.
	SetupError string `json:"setup_error,omitempty"`
	// Interrupted is set when the run was cancelled before its deadline.
	Interrupted bool `json:"interrupted,omitempty"`
}

// Histogram is the HDR view of every HTTP attempt, in milliseconds.
type Histogram struct {
	Count  int64   `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	P50    float64 `json:"p50"`
	P90    float64 `json:"p90"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
}

// Outcome is what the engine knows at the end of a run.
type Outcome struct {
	Snapshot    *metrics.Snapshot
	Live        metrics.LiveSnapshot
	Thresholds  []threshold.Result
	Iterations  int64
	SetupErr    error
	Interrupted bool
	FinishedAt  time.Time
}

// Build assembles the artifact. A run passes only when setup succeeded and
// every threshold passed.
func Build(cfg config.RunConfig, out Outcome) *Artifact {
	a := &Artifact{
		Meta: Meta{
			RunID:     cfg.RunID,
			GitSHA:    cfg.Revision,
			BaseURL:   cfg.BaseURL,
			VUs:       cfg.VUs,
			Duration:  cfg.Duration.String(),
			CreatedAt: out.FinishedAt.UTC().Format(time.RFC3339),
		},
		Results: Results{
			Metrics:     map[string]metrics.MetricSnapshot{},
			Checks:      map[string]metrics.CheckResult{},
			Thresholds:  out.Thresholds,
			Iterations:  out.Iterations,
			Interrupted: out.Interrupted,
		},
	}
	if a.Results.Thresholds == nil {
		a.Results.Thresholds = []threshold.Result{}
	}

	if snap := out.Snapshot; snap != nil {
		a.Results.ElapsedMs = float64(snap.Elapsed) / float64(time.Millisecond)
		for name, m := range snap.Metrics {
			a.Results.Metrics[name] = m
		}
		for name, c := range snap.Checks {
			a.Results.Checks[name] = c
		}
		addThresholdStats(a.Results.Metrics, out.Thresholds)
	}

	if out.Live.Latency.Count > 0 {
		a.Results.Histogram = histogramFrom(out.Live.Latency)
	}

	if out.SetupErr != nil {
		a.Results.SetupError = out.SetupErr.Error()
	}
	a.Results.Passed = out.SetupErr == nil && threshold.AllPassed(out.Thresholds)
	return a
}

// addThresholdStats copies percentiles that thresholds were evaluated on but
// that the default trend aggregate does not carry (p(99.9) and so on).
func addThresholdStats(ms map[string]metrics.MetricSnapshot, results []threshold.Result) {
	for _, r := range results {
		m, ok := ms[r.Metric]
		if !ok || m.Type != metrics.TypeTrend {
			continue
		}
		expr, err := threshold.Parse(r.Expression)
		if err != nil {
			continue
		}
		if _, ok := m.Values[expr.Stat]; ok {
			continue
		}
		if v, ok := m.Stat(expr.Stat); ok {
			values := make(map[string]float64, len(m.Values)+1)
			for k, val := range m.Values {
				values[k] = val
			}
			values[expr.Stat] = v
			m.Values = values
			ms[r.Metric] = m
		}
	}
}

func histogramFrom(l metrics.LatencyStats) *Histogram {
	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	return &Histogram{
		Count:  l.Count,
		Min:    ms(l.Min),
		Max:    ms(l.Max),
		Mean:   ms(l.Mean),
		StdDev: ms(l.StdDev),
		P50:    ms(l.P50),
		P90:    ms(l.P90),
		P95:    ms(l.P95),
		P99:    ms(l.P99),
	}
}
