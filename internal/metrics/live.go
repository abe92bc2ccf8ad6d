package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Phase is the lifecycle stage of a run.
type Phase string

const (
	PhaseInit  Phase = "init"
	PhaseSetup Phase = "setup"
	PhaseLoad  Phase = "load"
	PhaseDrain Phase = "drain"
	PhaseDone  Phase = "done"
)

// PhaseChange records when a phase transition occurred.
type PhaseChange struct {
	Phase     Phase     `json:"phase"`
	Timestamp time.Time `json:"timestamp"`
	Requests  int64     `json:"requests"`
}

// Live tracks whole-run request latency in an HDR histogram so that progress
// output can read percentiles in O(1) while the run is in flight. It is a
// reporting aid: the Trend sinks remain the source of truth for thresholds.
//
// # Thread Safety
//
// Live is safe for concurrent use. Counters are atomic and the histogram is
// guarded by its own mutex, since hdrhistogram.Histogram is not thread-safe.
type Live struct {
	hist   *hdrhistogram.Histogram
	histMu sync.Mutex

	totalRequests  atomic.Int64
	failedRequests atomic.Int64
	activeVUs      atomic.Int32

	phase        Phase
	phaseHistory []PhaseChange
	phaseMu      sync.RWMutex

	startTime time.Time
}

// LiveConfig bounds the histogram. Values are microseconds.
type LiveConfig struct {
	HistogramMin     int64
	HistogramMax     int64
	HistogramSigFigs int
}

// DefaultLiveConfig covers 1µs to 1h with 3 significant figures.
func DefaultLiveConfig() LiveConfig {
	return LiveConfig{
		HistogramMin:     1,
		HistogramMax:     3600000000,
		HistogramSigFigs: 3,
	}
}

// NewLive creates a live tracker with the default histogram bounds.
func NewLive() *Live {
	return NewLiveWithConfig(DefaultLiveConfig())
}

// NewLiveWithConfig creates a live tracker with custom histogram bounds.
func NewLiveWithConfig(cfg LiveConfig) *Live {
	return &Live{
		hist:      hdrhistogram.New(cfg.HistogramMin, cfg.HistogramMax, cfg.HistogramSigFigs),
		phase:     PhaseInit,
		startTime: time.Now(),
	}
}

// RecordRequest records one HTTP attempt.
func (l *Live) RecordRequest(d time.Duration, failed bool) {
	micros := d.Microseconds()
	if micros < l.hist.LowestTrackableValue() {
		micros = l.hist.LowestTrackableValue()
	}
	if micros > l.hist.HighestTrackableValue() {
		micros = l.hist.HighestTrackableValue()
	}

	l.histMu.Lock()
	_ = l.hist.RecordValue(micros)
	l.histMu.Unlock()

	l.totalRequests.Add(1)
	if failed {
		l.failedRequests.Add(1)
	}
}

// SetPhase updates the current phase and appends to the history.
func (l *Live) SetPhase(phase Phase) {
	l.phaseMu.Lock()
	defer l.phaseMu.Unlock()

	if l.phase == phase {
		return
	}
	if phase == PhaseLoad {
		// elapsed/RPS are measured over the load window
		l.startTime = time.Now()
	}
	l.phase = phase
	l.phaseHistory = append(l.phaseHistory, PhaseChange{
		Phase:     phase,
		Timestamp: time.Now(),
		Requests:  l.totalRequests.Load(),
	})
}

// Phase returns the current phase.
func (l *Live) Phase() Phase {
	l.phaseMu.RLock()
	defer l.phaseMu.RUnlock()
	return l.phase
}

// PhaseHistory returns a copy of the phase transitions.
func (l *Live) PhaseHistory() []PhaseChange {
	l.phaseMu.RLock()
	defer l.phaseMu.RUnlock()

	out := make([]PhaseChange, len(l.phaseHistory))
	copy(out, l.phaseHistory)
	return out
}

// AddActiveVUs adjusts the active VU gauge by delta.
func (l *Live) AddActiveVUs(delta int) {
	l.activeVUs.Add(int32(delta))
}

// ActiveVUs returns the active VU gauge.
func (l *Live) ActiveVUs() int {
	return int(l.activeVUs.Load())
}

// LatencyStats contains HDR latency statistics.
type LatencyStats struct {
	Min    time.Duration `json:"min"`
	Max    time.Duration `json:"max"`
	Mean   time.Duration `json:"mean"`
	StdDev time.Duration `json:"stdDev"`
	P50    time.Duration `json:"p50"`
	P90    time.Duration `json:"p90"`
	P95    time.Duration `json:"p95"`
	P99    time.Duration `json:"p99"`
	Count  int64         `json:"count"`
}

// LiveSnapshot is a point-in-time view for progress output.
type LiveSnapshot struct {
	TotalRequests  int64         `json:"totalRequests"`
	FailedRequests int64         `json:"failedRequests"`
	ErrorRate      float64       `json:"errorRate"`
	RPS            float64       `json:"rps"`
	Latency        LatencyStats  `json:"latency"`
	ActiveVUs      int           `json:"activeVUs"`
	Phase          Phase         `json:"phase"`
	Elapsed        time.Duration `json:"elapsed"`
}

// Snapshot returns the current live view.
func (l *Live) Snapshot() LiveSnapshot {
	l.histMu.Lock()
	latency := LatencyStats{
		Min:    time.Duration(l.hist.Min()) * time.Microsecond,
		Max:    time.Duration(l.hist.Max()) * time.Microsecond,
		Mean:   time.Duration(l.hist.Mean()) * time.Microsecond,
		StdDev: time.Duration(l.hist.StdDev()) * time.Microsecond,
		P50:    time.Duration(l.hist.ValueAtQuantile(50)) * time.Microsecond,
		P90:    time.Duration(l.hist.ValueAtQuantile(90)) * time.Microsecond,
		P95:    time.Duration(l.hist.ValueAtQuantile(95)) * time.Microsecond,
		P99:    time.Duration(l.hist.ValueAtQuantile(99)) * time.Microsecond,
		Count:  l.hist.TotalCount(),
	}
	l.histMu.Unlock()

	l.phaseMu.RLock()
	phase := l.phase
	elapsed := time.Since(l.startTime)
	l.phaseMu.RUnlock()

	total := l.totalRequests.Load()
	failed := l.failedRequests.Load()

	rps := 0.0
	if elapsed > 0 {
		rps = float64(total) / elapsed.Seconds()
	}

	return LiveSnapshot{
		TotalRequests:  total,
		FailedRequests: failed,
		ErrorRate:      ratio(failed, total),
		RPS:            rps,
		Latency:        latency,
		ActiveVUs:      l.ActiveVUs(),
		Phase:          phase,
		Elapsed:        elapsed,
	}
}
