// Package metrics provides the concurrency-safe metric sinks written by every
// virtual user during a run: Trend (numeric samples, percentile queries), Rate
// (boolean observations, fraction true) and Counter (monotonic count).
//
// Sinks live in a Registry owned by a single run. Writers never contend across
// sinks: Trend holds its own mutex, Rate and Counter are lock-free.
package metrics

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Type identifies the kind of a sink.
type Type string

const (
	// TypeTrend is a numeric sample set.
	TypeTrend Type = "trend"
	// TypeRate is a boolean sample set.
	TypeRate Type = "rate"
	// TypeCounter is a monotonic count.
	TypeCounter Type = "counter"
)

// Built-in sink names. They are registered by NewRegistry.
const (
	HTTPReqs        = "http_reqs"
	HTTPReqDuration = "http_req_duration"
	HTTPReqFailed   = "http_req_failed"
	Iterations      = "iterations"
	Checks          = "checks"

	// FailRate is shared by setup and the workload: true when a primary
	// call did not return 200.
	FailRate = "fail_rate"
)

// Sink is a named accumulator.
type Sink interface {
	Name() string
	Type() Type
	// Observations returns how many samples have been recorded.
	Observations() int64
	// Snapshot returns the aggregate over every sample recorded so far.
	// elapsed is the run duration used for per-second rates.
	Snapshot(elapsed time.Duration) MetricSnapshot
}

// MetricSnapshot is a frozen aggregate of one sink.
type MetricSnapshot struct {
	Name   string             `json:"-"`
	Type   Type               `json:"type"`
	Values map[string]float64 `json:"values"`

	// sorted samples, kept for arbitrary percentile lookups on trends. Nil
	// when the snapshot was decoded from JSON.
	samples []float64
}

// Observations returns the sample count the snapshot was built from.
func (m MetricSnapshot) Observations() int64 {
	switch m.Type {
	case TypeTrend:
		if m.samples == nil {
			return int64(m.Values["count"])
		}
		return int64(len(m.samples))
	case TypeRate:
		return int64(m.Values["passes"] + m.Values["fails"])
	default:
		return int64(m.Values["count"])
	}
}

// Stat looks up a named statistic. Trends answer avg, min, max, med, count and
// any percentile written as p(N) or pN; rates answer rate, passes and fails;
// counters answer count and rate.
func (m MetricSnapshot) Stat(stat string) (float64, bool) {
	if m.Type == TypeTrend {
		if p, ok := ParsePercentile(stat); ok {
			if v, ok := m.Values[PercentileKey(p)]; ok {
				return v, true
			}
			if m.samples == nil && m.Values["count"] > 0 {
				return 0, false
			}
			return Percentile(m.samples, p), true
		}
	}
	v, ok := m.Values[stat]
	return v, ok
}

// ParsePercentile parses "p(95)", "p(99.9)" or "p95" and returns the
// percentile as a number in [0, 100].
func ParsePercentile(stat string) (float64, bool) {
	s := strings.TrimSpace(stat)
	if !strings.HasPrefix(s, "p") || len(s) < 2 {
		return 0, false
	}
	s = s[1:]
	if strings.HasPrefix(s, "(") {
		if !strings.HasSuffix(s, ")") {
			return 0, false
		}
		s = s[1 : len(s)-1]
	}
	p, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(p) || p < 0 || p > 100 {
		return 0, false
	}
	return p, true
}

// PercentileKey formats a percentile the way it appears in snapshot values.
func PercentileKey(p float64) string {
	return fmt.Sprintf("p(%s)", strconv.FormatFloat(p, 'f', -1, 64))
}
