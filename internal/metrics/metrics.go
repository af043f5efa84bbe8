// Package metrics exposes pipeline counters on a private Prometheus registry.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	upstreamRequests *prometheus.CounterVec
	clonePages       prometheus.Counter
	cloneReleases    prometheus.Counter
	cloneObjects     prometheus.Counter
	ingestUpserts    *prometheus.CounterVec
	operationsActive *prometheus.GaugeVec
	searchRequests   *prometheus.CounterVec
}

// New creates an independent registry so repeated construction in tests
// never collides on collector names.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tmr_upstream_requests_total",
			Help: "Upstream page requests by outcome (ok, retry, error).",
		}, []string{"outcome"}),
		clonePages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tmr_clone_pages_total",
			Help: "Pages persisted by clone runs.",
		}),
		cloneReleases: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tmr_clone_releases_total",
			Help: "Release events appended by clone runs.",
		}),
		cloneObjects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tmr_clone_objects_written_total",
			Help: "New content objects written by clone runs.",
		}),
		ingestUpserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tmr_ingest_upserts_total",
			Help: "Ingest outcomes per release.",
		}, []string{"outcome"}),
		operationsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tmr_operations_active",
			Help: "Operations currently running.",
		}, []string{"kind"}),
		searchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tmr_search_requests_total",
			Help: "Search requests by mode and outcome.",
		}, []string{"mode", "outcome"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.upstreamRequests,
		m.clonePages,
		m.cloneReleases,
		m.cloneObjects,
		m.ingestUpserts,
		m.operationsActive,
		m.searchRequests,
	)
	return m
}

// Handler serves the /metrics scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) UpstreamRequest(outcome string) {
	if m == nil {
		return
	}
	m.upstreamRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ClonePage(releases, newObjects int) {
	if m == nil {
		return
	}
	m.clonePages.Inc()
	m.cloneReleases.Add(float64(releases))
	m.cloneObjects.Add(float64(newObjects))
}

func (m *Metrics) IngestUpsert(outcome string) {
	if m == nil {
		return
	}
	m.ingestUpserts.WithLabelValues(outcome).Inc()
}

// OperationStarted returns a func that marks the operation finished.
func (m *Metrics) OperationStarted(kind string) func() {
	if m == nil {
		return func() {}
	}
	g := m.operationsActive.WithLabelValues(kind)
	g.Inc()
	return g.Dec
}

func (m *Metrics) SearchRequest(mode, outcome string) {
	if m == nil {
		return
	}
	m.searchRequests.WithLabelValues(mode, outcome).Inc()
}
