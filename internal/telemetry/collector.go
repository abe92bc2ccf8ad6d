// Package telemetry exposes the run's sinks to Prometheus while the run is
// in progress.
package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tasklane/loadgate/internal/metrics"
)

const namespace = "loadgate"

// Collector is a prometheus.Collector that reads a metrics.Registry on every
// scrape. Sink aggregates are exported as gauges labelled by sink and stat.
type Collector struct {
	registry *metrics.Registry
	runID    string

	sinkValue *prometheus.Desc
	checks    *prometheus.Desc
	activeVUs *prometheus.Desc
	requests  *prometheus.Desc
	failed    *prometheus.Desc
	phase     *prometheus.Desc
}

// NewCollector creates a collector for reg. runID is attached to every
// series as a constant label.
func NewCollector(reg *metrics.Registry, runID string) *Collector {
	labels := prometheus.Labels{"run_id": runID}
	return &Collector{
		registry: reg,
		runID:    runID,
		sinkValue: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sink_value"),
			"Current aggregate of a sink statistic",
			[]string{"sink", "type", "stat"}, labels),
		checks: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "checks_total"),
			"Named check outcomes",
			[]string{"check", "result"}, labels),
		activeVUs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "active_vus"),
			"Virtual users currently running",
			nil, labels),
		requests: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "http_requests_total"),
			"HTTP attempts made, including retries",
			nil, labels),
		failed: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "http_requests_failed_total"),
			"HTTP attempts with status 0 or at least 400",
			nil, labels),
		phase: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "phase"),
			"Current run phase, 1 for the active phase",
			[]string{"phase"}, labels),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sinkValue
	ch <- c.checks
	ch <- c.activeVUs
	ch <- c.requests
	ch <- c.failed
	ch <- c.phase
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	live := c.registry.Live().Snapshot()
	snap := c.registry.Snapshot(live.Elapsed)

	for _, name := range sortedNames(snap.Metrics) {
		m := snap.Metrics[name]
		stats := make([]string, 0, len(m.Values))
		for stat := range m.Values {
			stats = append(stats, stat)
		}
		sort.Strings(stats)
		for _, stat := range stats {
			ch <- prometheus.MustNewConstMetric(c.sinkValue, prometheus.GaugeValue,
				m.Values[stat], name, string(m.Type), stat)
		}
	}

	for _, name := range sortedNames(snap.Checks) {
		res := snap.Checks[name]
		ch <- prometheus.MustNewConstMetric(c.checks, prometheus.CounterValue, float64(res.Passes), name, "pass")
		ch <- prometheus.MustNewConstMetric(c.checks, prometheus.CounterValue, float64(res.Fails), name, "fail")
	}

	ch <- prometheus.MustNewConstMetric(c.activeVUs, prometheus.GaugeValue, float64(live.ActiveVUs))
	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(live.TotalRequests))
	ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(live.FailedRequests))

	for _, p := range []metrics.Phase{metrics.PhaseInit, metrics.PhaseSetup, metrics.PhaseLoad, metrics.PhaseDrain, metrics.PhaseDone} {
		v := 0.0
		if p == live.Phase {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.phase, prometheus.GaugeValue, v, string(p))
	}
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Handler returns an http.Handler serving /metrics for reg.
func Handler(reg *metrics.Registry, runID string) http.Handler {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(NewCollector(reg, runID))

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return router
}

// Server exposes a registry on an address for the lifetime of a context.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	logger     *zap.Logger
}

// Listen binds addr. Use ":0" for an ephemeral port.
func Listen(addr string, reg *metrics.Registry, runID string, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		httpServer: &http.Server{
			Handler:           Handler(reg, runID),
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: ln,
		logger:   logger,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks until ctx is done, then shuts the server down.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("metrics endpoint listening", zap.String("addr", s.Addr()))
		if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
