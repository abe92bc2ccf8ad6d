package metrics

import (
	"sync/atomic"
	"time"
)

// Rate accumulates boolean observations.
//
// Its value is passes/total. With no observations the value is 0; a
// threshold such as "rate>0.99" on an empty Rate therefore fails and
// "rate<0.01" passes.
type Rate struct {
	name   string
	passes atomic.Int64
	total  atomic.Int64
}

// NewRate creates an empty rate. Most callers should use Registry.Rate.
func NewRate(name string) *Rate {
	return &Rate{name: name}
}

// Name returns the sink name.
func (r *Rate) Name() string { return r.name }

// Type returns TypeRate.
func (r *Rate) Type() Type { return TypeRate }

// Add records one observation.
func (r *Rate) Add(ok bool) {
	if ok {
		r.passes.Add(1)
	}
	r.total.Add(1)
}

// Observations returns the number of observations recorded.
func (r *Rate) Observations() int64 {
	return r.total.Load()
}

// Value returns the fraction of true observations, or 0 when empty.
func (r *Rate) Value() float64 {
	return ratio(r.passes.Load(), r.total.Load())
}

// Snapshot returns rate, passes and fails.
func (r *Rate) Snapshot(time.Duration) MetricSnapshot {
	total := r.total.Load()
	passes := r.passes.Load()
	if passes > total {
		// a concurrent Add landed between the two loads
		total = passes
	}
	return MetricSnapshot{
		Name: r.name,
		Type: TypeRate,
		Values: map[string]float64{
			"rate":   ratio(passes, total),
			"passes": float64(passes),
			"fails":  float64(total - passes),
		},
	}
}

func ratio(passes, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(passes) / float64(total)
}
