// Package metrics holds the server's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all profiled Prometheus metrics. Uses an isolated
// prometheus.Registry so server metrics don't collide with the global
// default registry; each test gets its own Metrics instance.
type Metrics struct {
	Registry *prometheus.Registry

	// Session metrics
	SessionsActive  *prometheus.GaugeVec
	SessionsTotal   *prometheus.CounterVec
	CheckedInClients prometheus.Gauge

	// Request metrics
	RequestsTotal          *prometheus.CounterVec
	RequestDurationSeconds *prometheus.HistogramVec

	// Relay metrics
	RelaysActive       prometheus.Gauge
	RelayOutcomesTotal *prometheus.CounterVec

	// Search metrics
	SearchDurationSeconds prometheus.Histogram
	SearchRecordsReturned prometheus.Histogram

	// Replication metrics
	ActionsProducedTotal *prometheus.CounterVec
	UpdatesAppliedTotal  *prometheus.CounterVec
	FollowersGauge       prometheus.Gauge

	// Build info
	BuildInfo *prometheus.GaugeVec
}

// New creates a Metrics instance with all collectors registered on an
// isolated registry.
func New(version, goVersion string) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		SessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "profiled_sessions_active",
			Help: "Open client sessions by listener role.",
		}, []string{"role"}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "profiled_sessions_total",
			Help: "Accepted connections by listener role.",
		}, []string{"role"}),
		CheckedInClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiled_checked_in_clients",
			Help: "Identities currently checked in.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "profiled_requests_total",
			Help: "Handled requests by kind and response status.",
		}, []string{"kind", "status"}),
		RequestDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "profiled_request_duration_seconds",
			Help:    "Request handling latency by kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		RelaysActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiled_relays_active",
			Help: "Live application-service relays.",
		}),
		RelayOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "profiled_relay_outcomes_total",
			Help: "Relay terminations by outcome.",
		}, []string{"outcome"}),
		SearchDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "profiled_search_duration_seconds",
			Help:    "Profile search latency.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		SearchRecordsReturned: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "profiled_search_records_returned",
			Help:    "Records per finished search.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		ActionsProducedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "profiled_neighborhood_actions_produced_total",
			Help: "Replication actions queued by type.",
		}, []string{"type"}),
		UpdatesAppliedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "profiled_neighborhood_updates_applied_total",
			Help: "Inbound update items applied by type.",
		}, []string{"type"}),
		FollowersGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiled_followers",
			Help: "Registered follower servers.",
		}),
		BuildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "profiled_info",
			Help: "Build information.",
		}, []string{"version", "go_version"}),
	}

	reg.MustRegister(
		m.SessionsActive, m.SessionsTotal, m.CheckedInClients,
		m.RequestsTotal, m.RequestDurationSeconds,
		m.RelaysActive, m.RelayOutcomesTotal,
		m.SearchDurationSeconds, m.SearchRecordsReturned,
		m.ActionsProducedTotal, m.UpdatesAppliedTotal, m.FollowersGauge,
		m.BuildInfo,
	)
	m.BuildInfo.WithLabelValues(version, goVersion).Set(1)
	return m
}

// Handler returns the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
