package metrics

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Registry owns every sink of a single run. It is created before the run,
// written by all virtual users, and read once after they stop.
//
// A Registry is not a process-wide singleton; independent runs in the same
// process each get their own.
type Registry struct {
	mu    sync.RWMutex
	sinks map[string]Sink

	checksMu sync.RWMutex
	checks   map[string]*checkTally

	live *Live

	httpReqs        *Counter
	httpReqDuration *Trend
	httpReqFailed   *Rate
	iterations      *Counter
	checksRate      *Rate
}

type checkTally struct {
	passes atomic.Int64
	fails  atomic.Int64
}

// CheckResult is the pass/fail tally of one named check.
type CheckResult struct {
	Passes int64 `json:"passes"`
	Fails  int64 `json:"fails"`
}

// NewRegistry creates a registry with the built-in sinks registered.
func NewRegistry() *Registry {
	r := &Registry{
		sinks:  make(map[string]Sink),
		checks: make(map[string]*checkTally),
		live:   NewLive(),
	}
	r.httpReqs = r.Counter(HTTPReqs)
	r.httpReqDuration = r.Trend(HTTPReqDuration)
	r.httpReqFailed = r.Rate(HTTPReqFailed)
	r.iterations = r.Counter(Iterations)
	r.checksRate = r.Rate(Checks)
	return r
}

// Live returns the HDR-backed live tracker.
func (r *Registry) Live() *Live {
	return r.live
}

// Trend returns the trend registered under name, creating it if needed.
// It panics if name is already registered with another type.
func (r *Registry) Trend(name string) *Trend {
	return register(r, name, TypeTrend, func() Sink { return NewTrend(name) }).(*Trend)
}

// Rate returns the rate registered under name, creating it if needed.
// It panics if name is already registered with another type.
func (r *Registry) Rate(name string) *Rate {
	return register(r, name, TypeRate, func() Sink { return NewRate(name) }).(*Rate)
}

// Counter returns the counter registered under name, creating it if needed.
// It panics if name is already registered with another type.
func (r *Registry) Counter(name string) *Counter {
	return register(r, name, TypeCounter, func() Sink { return NewCounter(name) }).(*Counter)
}

func register(r *Registry, name string, typ Type, create func() Sink) Sink {
	r.mu.RLock()
	s, ok := r.sinks[name]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		s, ok = r.sinks[name]
		if !ok {
			s = create()
			r.sinks[name] = s
		}
		r.mu.Unlock()
	}
	if s.Type() != typ {
		panic(fmt.Sprintf("metrics: %q already registered as %s, not %s", name, s.Type(), typ))
	}
	return s
}

// Lookup returns a registered sink.
func (r *Registry) Lookup(name string) (Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sinks[name]
	return s, ok
}

// Names returns the registered sink names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.sinks))
	for name := range r.sinks {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// ObserveRequest records one HTTP attempt into the built-in sinks. A status of
// 0 (no response) or >= 400 counts as failed.
func (r *Registry) ObserveRequest(_ string, status int, d time.Duration) {
	failed := status == 0 || status >= 400
	r.httpReqs.Inc()
	r.httpReqDuration.AddDuration(d)
	r.httpReqFailed.Add(failed)
	r.live.RecordRequest(d, failed)
}

// IterationDone counts one completed workload iteration.
func (r *Registry) IterationDone() {
	r.iterations.Inc()
}

// Check records a named assertion into the checks rate and the per-name tally
// and returns ok.
func (r *Registry) Check(name string, ok bool) bool {
	r.checksRate.Add(ok)

	r.checksMu.RLock()
	tally, exists := r.checks[name]
	r.checksMu.RUnlock()
	if !exists {
		r.checksMu.Lock()
		tally, exists = r.checks[name]
		if !exists {
			tally = &checkTally{}
			r.checks[name] = tally
		}
		r.checksMu.Unlock()
	}

	if ok {
		tally.passes.Add(1)
	} else {
		tally.fails.Add(1)
	}
	return ok
}

// Snapshot is the frozen state of a registry.
type Snapshot struct {
	Metrics map[string]MetricSnapshot `json:"metrics"`
	Checks  map[string]CheckResult    `json:"checks"`
	Elapsed time.Duration             `json:"-"`
}

// Snapshot aggregates every sink. Call it after all writers have stopped for
// a consistent result; calling it mid-run is safe but may observe a moving
// target.
func (r *Registry) Snapshot(elapsed time.Duration) *Snapshot {
	r.mu.RLock()
	sinks := make([]Sink, 0, len(r.sinks))
	for _, s := range r.sinks {
		sinks = append(sinks, s)
	}
	r.mu.RUnlock()

	snap := &Snapshot{
		Metrics: make(map[string]MetricSnapshot, len(sinks)),
		Checks:  make(map[string]CheckResult),
		Elapsed: elapsed,
	}
	for _, s := range sinks {
		snap.Metrics[s.Name()] = s.Snapshot(elapsed)
	}

	r.checksMu.RLock()
	for name, tally := range r.checks {
		snap.Checks[name] = CheckResult{
			Passes: tally.passes.Load(),
			Fails:  tally.fails.Load(),
		}
	}
	r.checksMu.RUnlock()

	return snap
}
