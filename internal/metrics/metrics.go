// Package metrics exposes coordination counters on a private Prometheus
// registry. Metrics implements the observer interface of every engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mistakeknot/intermail/internal/storage/sqlite"
)

type Metrics struct {
	CacheEvents      *prometheus.CounterVec
	SlotAcquisitions *prometheus.CounterVec
	Conflicts        prometheus.Counter
	ArchiveCommits   *prometheus.CounterVec
	SweptRows        *prometheus.CounterVec
	BreakerState     prometheus.Gauge

	registry *prometheus.Registry
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		CacheEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intermail_repo_cache_events_total",
				Help: "Repository handle cache lookups and evictions by event.",
			},
			[]string{"event"},
		),
		SlotAcquisitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intermail_slot_acquisitions_total",
				Help: "Build slot acquisition attempts by result.",
			},
			[]string{"result"},
		),
		Conflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "intermail_reservation_conflicts_total",
				Help: "Conflicting reservations reported to callers.",
			},
		),
		ArchiveCommits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intermail_archive_commits_total",
				Help: "Message archive writes by result.",
			},
			[]string{"result"},
		),
		SweptRows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intermail_swept_rows_total",
				Help: "Expired rows released by the sweeper by kind.",
			},
			[]string{"kind"},
		),
		BreakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "intermail_store_breaker_state",
				Help: "Store circuit breaker state (0 closed, 1 open, 2 half-open).",
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.CacheEvents)
	reg.MustRegister(m.SlotAcquisitions)
	reg.MustRegister(m.Conflicts)
	reg.MustRegister(m.ArchiveCommits)
	reg.MustRegister(m.SweptRows)
	reg.MustRegister(m.BreakerState)
	reg.MustRegister(prometheus.NewGoCollector())

	return m
}

// Handler serves the registry for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) CacheEvent(event string) {
	m.CacheEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SlotAcquire(result string) {
	m.SlotAcquisitions.WithLabelValues(result).Inc()
}

func (m *Metrics) ReservationConflicts(n int) {
	if n > 0 {
		m.Conflicts.Add(float64(n))
	}
}

func (m *Metrics) ArchiveCommit(result string) {
	m.ArchiveCommits.WithLabelValues(result).Inc()
}

func (m *Metrics) Swept(kind string, n int64) {
	if n > 0 {
		m.SweptRows.WithLabelValues(kind).Add(float64(n))
	}
}

// BreakerChanged is registered with the store's circuit breaker.
func (m *Metrics) BreakerChanged(s sqlite.BreakerState) {
	m.BreakerState.Set(float64(s))
}
