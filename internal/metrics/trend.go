package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Trend accumulates numeric samples. Duration samples are stored in
// milliseconds.
//
// Percentiles use the nearest-rank rule over the full sample set: sort
// ascending, take the sample at rank ceil(p/100 * n), 1-indexed. For
// [100 100 100 100 900] the 95th percentile is therefore 900.
type Trend struct {
	name string

	mu      sync.Mutex
	samples []float64
}

// NewTrend creates an empty trend. Most callers should use Registry.Trend.
func NewTrend(name string) *Trend {
	return &Trend{name: name}
}

// Name returns the sink name.
func (t *Trend) Name() string { return t.name }

// Type returns TypeTrend.
func (t *Trend) Type() Type { return TypeTrend }

// Add appends a raw sample.
func (t *Trend) Add(v float64) {
	t.mu.Lock()
	t.samples = append(t.samples, v)
	t.mu.Unlock()
}

// AddDuration appends a duration sample in milliseconds.
func (t *Trend) AddDuration(d time.Duration) {
	t.Add(float64(d) / float64(time.Millisecond))
}

// Observations returns the number of samples recorded.
func (t *Trend) Observations() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int64(len(t.samples))
}

// Snapshot sorts a copy of the samples and computes the summary statistics.
func (t *Trend) Snapshot(time.Duration) MetricSnapshot {
	t.mu.Lock()
	sorted := make([]float64, len(t.samples))
	copy(sorted, t.samples)
	t.mu.Unlock()

	sort.Float64s(sorted)

	values := map[string]float64{
		"count":            float64(len(sorted)),
		"avg":              mean(sorted),
		"min":              0,
		"max":              0,
		"med":              Percentile(sorted, 50),
		PercentileKey(90): Percentile(sorted, 90),
		PercentileKey(95): Percentile(sorted, 95),
		PercentileKey(99): Percentile(sorted, 99),
	}
	if len(sorted) > 0 {
		values["min"] = sorted[0]
		values["max"] = sorted[len(sorted)-1]
	}

	return MetricSnapshot{
		Name:    t.name,
		Type:    TypeTrend,
		Values:  values,
		samples: sorted,
	}
}

// Percentile returns the nearest-rank percentile p (0-100) of an ascending
// sample slice. It returns 0 for an empty slice.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	rank := int(math.Ceil(p / 100 * float64(n)))
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1]
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
