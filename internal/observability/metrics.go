// Package observability provides Prometheus metrics and structured logging.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons for the ticks_dropped_total counter.
const (
	DropMalformed     = "malformed"
	DropQueueOverflow = "queue_overflow"
	DropDuplicate     = "duplicate"
	DropLate          = "late"
	DropHalted        = "halted"
	DropFiltered      = "filtered"
)

// Metrics holds all Prometheus metrics for the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Ingestion metrics
	TicksReceived   prometheus.Counter
	TicksDropped    *prometheus.CounterVec
	QueueDepth      prometheus.Gauge
	ConnectionState *prometheus.GaugeVec
	Reconnects      prometheus.Counter
	Backfills       *prometheus.CounterVec
	BackfilledTicks prometheus.Counter

	// Aggregation metrics
	OpenWindows   prometheus.Gauge
	WindowsSealed *prometheus.CounterVec

	// Signal metrics
	SignalsEmitted  *prometheus.CounterVec
	SignalsRejected *prometheus.CounterVec

	// Budget metrics
	BudgetCost  prometheus.Gauge
	BudgetLevel prometheus.Gauge

	// Baseline metrics
	BaselineRebuilds        *prometheus.CounterVec
	BaselineRebuildDuration prometheus.Histogram

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance registered against reg.
// A nil reg registers against the default registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "options_flow"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		TicksReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "ticks_received_total",
			Help:      "Total number of ticks received from the feed, including backfill",
		}),
		TicksDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "ticks_dropped_total",
			Help:      "Total number of ticks dropped by reason",
		}, []string{"reason"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "queue_depth",
			Help:      "Ticks waiting in the ingestion queue",
		}),
		ConnectionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "connection_state",
			Help:      "1 for the current feed connection state, 0 otherwise",
		}, []string{"state"}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "reconnects_total",
			Help:      "Total number of successful feed reconnects",
		}),
		Backfills: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "backfills_total",
			Help:      "Total number of backfill requests by outcome",
		}, []string{"outcome"}),
		BackfilledTicks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "backfilled_ticks_total",
			Help:      "Total number of ticks recovered by backfill",
		}),

		OpenWindows: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "open_windows",
			Help:      "Pressure windows not yet sealed",
		}),
		WindowsSealed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "windows_sealed_total",
			Help:      "Total number of sealed pressure windows by quality flag",
		}, []string{"quality"}),

		SignalsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signal",
			Name:      "emitted_total",
			Help:      "Total number of emitted signals by action class",
		}, []string{"action"}),
		SignalsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signal",
			Name:      "rejected_total",
			Help:      "Total number of sealed windows that produced no signal",
		}, []string{"reason"}),

		BudgetCost: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "budget",
			Name:      "estimated_cost",
			Help:      "Estimated feed cost for the current trading day",
		}),
		BudgetLevel: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "budget",
			Name:      "level",
			Help:      "Budget level: 0 normal, 1 degraded, 2 halted",
		}),

		BaselineRebuilds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "baseline",
			Name:      "rebuilds_total",
			Help:      "Total number of baseline rebuilds by outcome",
		}, []string{"outcome"}),
		BaselineRebuildDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "baseline",
			Name:      "rebuild_duration_seconds",
			Help:      "Duration of full baseline rebuild passes",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}),

		DBQueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"database", "operation"}),
		DBQueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),
	}
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a metrics handler for a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RecordTick increments the received ticks counter.
func (m *Metrics) RecordTick() {
	if m == nil {
		return
	}
	m.TicksReceived.Inc()
}

// RecordDrop increments the dropped ticks counter for reason.
func (m *Metrics) RecordDrop(reason string) {
	if m == nil {
		return
	}
	m.TicksDropped.WithLabelValues(reason).Inc()
}

// SetQueueDepth updates the queue depth gauge.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// SetConnectionState marks state as current and clears the previous one.
func (m *Metrics) SetConnectionState(prev, next string) {
	if m == nil {
		return
	}
	if prev != "" {
		m.ConnectionState.WithLabelValues(prev).Set(0)
	}
	m.ConnectionState.WithLabelValues(next).Set(1)
}

// RecordReconnect increments the reconnect counter.
func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// RecordBackfill records a backfill attempt and the ticks it recovered.
func (m *Metrics) RecordBackfill(outcome string, ticks int) {
	if m == nil {
		return
	}
	m.Backfills.WithLabelValues(outcome).Inc()
	m.BackfilledTicks.Add(float64(ticks))
}

// SetOpenWindows updates the open windows gauge.
func (m *Metrics) SetOpenWindows(n int) {
	if m == nil {
		return
	}
	m.OpenWindows.Set(float64(n))
}

// RecordWindowSealed increments the sealed windows counter.
func (m *Metrics) RecordWindowSealed(quality string) {
	if m == nil {
		return
	}
	m.WindowsSealed.WithLabelValues(quality).Inc()
}

// RecordSignal increments the emitted signals counter.
func (m *Metrics) RecordSignal(action string) {
	if m == nil {
		return
	}
	m.SignalsEmitted.WithLabelValues(action).Inc()
}

// RecordRejected increments the rejected windows counter.
func (m *Metrics) RecordRejected(reason string) {
	if m == nil {
		return
	}
	m.SignalsRejected.WithLabelValues(reason).Inc()
}

// SetBudget updates the budget gauges.
func (m *Metrics) SetBudget(cost float64, levelRank int) {
	if m == nil {
		return
	}
	m.BudgetCost.Set(cost)
	m.BudgetLevel.Set(float64(levelRank))
}

// RecordBaselineRebuild records a rebuild pass.
func (m *Metrics) RecordBaselineRebuild(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.BaselineRebuilds.WithLabelValues(outcome).Inc()
	m.BaselineRebuildDuration.Observe(d.Seconds())
}

// RecordDBQuery records database query metrics.
func (m *Metrics) RecordDBQuery(database, operation string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.DBQueryDuration.WithLabelValues(database, operation).Observe(d.Seconds())
	if err != nil {
		m.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}
