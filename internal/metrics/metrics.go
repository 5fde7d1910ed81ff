// Package metrics defines the Prometheus collectors for the ingestion
// pipeline and exposes a scrape handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the service.
type Metrics struct {
	CyclesTotal        prometheus.Counter
	DocsDiscovered     *prometheus.CounterVec
	DocsIngestedTotal  *prometheus.CounterVec
	DuplicatesTotal    *prometheus.CounterVec
	FailuresTotal      *prometheus.CounterVec
	ParseSkipsTotal    *prometheus.CounterVec
	PagesRenderedTotal prometheus.Counter
	// RenderFailuresTotal counts degraded documents (page_count 0), which
	// are distinct from pipeline failures.
	RenderFailuresTotal prometheus.Counter
}

// New creates and registers all collectors on reg. Pass a fresh registry in
// tests to avoid duplicate-registration panics.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_cycles_total",
			Help: "Total discovery cycles run.",
		}),
		DocsDiscovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "documents_discovered_total",
			Help: "Total listing entries discovered, per series.",
		}, []string{"series"}),
		DocsIngestedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "documents_ingested_total",
			Help: "Total documents persisted and notified, per series.",
		}, []string{"series"}),
		DuplicatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "documents_duplicate_total",
			Help: "Total documents skipped as duplicates (by url race or by content hash).",
		}, []string{"reason"}),
		FailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "documents_failed_total",
			Help: "Total document tasks that settled in failure, per pipeline stage.",
		}, []string{"stage"}),
		ParseSkipsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listing_parse_skips_total",
			Help: "Total malformed listing entries skipped, per series.",
		}, []string{"series"}),
		PagesRenderedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pages_rendered_total",
			Help: "Total page images rendered and uploaded.",
		}),
		RenderFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "render_failures_total",
			Help: "Total documents persisted with page_count 0 after a render failure.",
		}),
	}

	reg.MustRegister(
		m.CyclesTotal,
		m.DocsDiscovered,
		m.DocsIngestedTotal,
		m.DuplicatesTotal,
		m.FailuresTotal,
		m.ParseSkipsTotal,
		m.PagesRenderedTotal,
		m.RenderFailuresTotal,
	)
	return m
}

// Default creates Metrics on the global registry.
func Default() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

// NewNop creates Metrics on a private registry, for tests and callers that
// do not expose a scrape endpoint.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler returns the Prometheus scrape handler for the global registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
