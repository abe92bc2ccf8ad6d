package metrics

import (
	"sync/atomic"
	"time"
)

// Counter is a monotonic count.
type Counter struct {
	name  string
	count atomic.Int64
}

// NewCounter creates a zero counter. Most callers should use Registry.Counter.
func NewCounter(name string) *Counter {
	return &Counter{name: name}
}

// Name returns the sink name.
func (c *Counter) Name() string { return c.name }

// Type returns TypeCounter.
func (c *Counter) Type() Type { return TypeCounter }

// Add increments the counter by n.
func (c *Counter) Add(n int64) {
	c.count.Add(n)
}

// Inc increments the counter by one.
func (c *Counter) Inc() {
	c.count.Add(1)
}

// Observations returns the current count.
func (c *Counter) Observations() int64 {
	return c.count.Load()
}

// Snapshot returns count and the per-second rate over elapsed.
func (c *Counter) Snapshot(elapsed time.Duration) MetricSnapshot {
	count := c.count.Load()
	perSecond := 0.0
	if elapsed > 0 {
		perSecond = float64(count) / elapsed.Seconds()
	}
	return MetricSnapshot{
		Name: c.name,
		Type: TypeCounter,
		Values: map[string]float64{
			"count": float64(count),
			"rate":  perSecond,
		},
	}
}
