// Package metrics exposes Prometheus instrumentation for the decision path,
// the mesh, and the distributed sum cache.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	decisions       *prometheus.CounterVec
	decisionLatency *prometheus.HistogramVec
	requestErrors   *prometheus.CounterVec
	localCounters   prometheus.Gauge
	cacheEntries    prometheus.Gauge
	liveNodes       prometheus.Gauge
	buildInfo       *prometheus.GaugeVec

	registry *prometheus.Registry
	server   *http.Server
}

// New creates and registers all metrics on a private registry.
func New(version string) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshlimit_decisions_total",
				Help: "Rate limit decisions by domain and outcome.",
			},
			[]string{"domain", "code"},
		),
		decisionLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meshlimit_decision_latency_seconds",
				Help:    "Latency of a full rate limit request.",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"mode"},
		),
		requestErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshlimit_request_errors_total",
				Help: "Requests rejected before reaching the limiter.",
			},
			[]string{"reason"},
		),
		localCounters: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "meshlimit_local_counters",
				Help: "Live windowed counters in the local limiter.",
			},
		),
		cacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "meshlimit_cache_entries",
				Help: "Entries in the distributed sum cache.",
			},
		),
		liveNodes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "meshlimit_mesh_live_nodes",
				Help: "Nodes the failure detector considers alive.",
			},
		),
		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "meshlimit_build_info",
				Help: "Build information.",
			},
			[]string{"version"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.decisions,
		m.decisionLatency,
		m.requestErrors,
		m.localCounters,
		m.cacheEntries,
		m.liveNodes,
		m.buildInfo,
	)
	m.buildInfo.WithLabelValues(version).Set(1)

	return m
}

// ObserveDecision records one request-level decision.
func (m *Metrics) ObserveDecision(domain, code, mode string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(domain, code).Inc()
	m.decisionLatency.WithLabelValues(mode).Observe(elapsed.Seconds())
}

// ObserveRequestError records a request rejected during validation.
func (m *Metrics) ObserveRequestError(reason string) {
	if m == nil {
		return
	}
	m.requestErrors.WithLabelValues(reason).Inc()
}

// SetLocalCounters updates the local counter gauge.
func (m *Metrics) SetLocalCounters(n int) {
	if m == nil {
		return
	}
	m.localCounters.Set(float64(n))
}

// SetCacheEntries updates the cache size gauge.
func (m *Metrics) SetCacheEntries(n int) {
	if m == nil {
		return
	}
	m.cacheEntries.Set(float64(n))
}

// SetLiveNodes updates the live node gauge.
func (m *Metrics) SetLiveNodes(n int) {
	if m == nil {
		return
	}
	m.liveNodes.Set(float64(n))
}

// Registry returns the private registry, for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Serve exposes /metrics on addr until the context is canceled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	m.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Starting metrics server")
		errCh <- m.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return m.server.Shutdown(shutdownCtx)
	}
}
