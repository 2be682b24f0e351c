package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for the reconciler.
type Metrics struct {
	runs            *prometheus.CounterVec
	eventsProcessed *prometheus.CounterVec
	ordersPlaced    *prometheus.CounterVec
	settlements     *prometheus.CounterVec
	consistencyGaps prometheus.Counter
	alertsSent      prometheus.Counter
	alertsDropped   prometheus.Counter
	errors          prometheus.Counter
	watermark       prometheus.Gauge
	runDuration     prometheus.Histogram
}

var (
	once    sync.Once
	metrics *Metrics
)

// Init initializes global metrics (idempotent).
func Init() *Metrics {
	once.Do(func() {
		metrics = &Metrics{
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "reconciler_runs_total",
				Help: "Processing runs by outcome (completed, skipped, aborted)",
			}, []string{"outcome"}),
			eventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "reconciler_events_processed_total",
				Help: "Events handled by kind and final status",
			}, []string{"kind", "status"}),
			ordersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "reconciler_orders_placed_total",
				Help: "Brokerage orders accepted by side",
			}, []string{"side"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "reconciler_settlements_total",
				Help: "Settlement transactions by outcome",
			}, []string{"outcome"}),
			consistencyGaps: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "reconciler_consistency_gaps_total",
				Help: "Executed orders that could not be settled on-chain",
			}),
			alertsSent: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "reconciler_alerts_sent_total",
				Help: "Total number of alerts sent to sinks",
			}),
			alertsDropped: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "reconciler_alerts_dropped_total",
				Help: "Total number of alerts that failed to send",
			}),
			errors: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "reconciler_errors_total",
				Help: "Total number of errors encountered",
			}),
			watermark: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "reconciler_watermark_block",
				Help: "Highest block fully processed",
			}),
			runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "reconciler_run_duration_seconds",
				Help:    "Wall time of processing runs",
				Buckets: prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			metrics.runs,
			metrics.eventsProcessed,
			metrics.ordersPlaced,
			metrics.settlements,
			metrics.consistencyGaps,
			metrics.alertsSent,
			metrics.alertsDropped,
			metrics.errors,
			metrics.watermark,
			metrics.runDuration,
		)
	})
	return metrics
}

// Run records a run outcome and its duration in seconds.
func (m *Metrics) Run(outcome string, seconds float64) {
	if m != nil {
		m.runs.WithLabelValues(outcome).Inc()
		if seconds > 0 {
			m.runDuration.Observe(seconds)
		}
	}
}

// EventProcessed counts an event reaching status.
func (m *Metrics) EventProcessed(kind, status string) {
	if m != nil {
		m.eventsProcessed.WithLabelValues(kind, status).Inc()
	}
}

// OrderPlaced counts an accepted brokerage order.
func (m *Metrics) OrderPlaced(side string) {
	if m != nil {
		m.ordersPlaced.WithLabelValues(side).Inc()
	}
}

// Settlement counts a settlement outcome such as broadcast, mined, dropped or exhausted.
func (m *Metrics) Settlement(outcome string) {
	if m != nil {
		m.settlements.WithLabelValues(outcome).Inc()
	}
}

// ConsistencyGap increments the consistency gap counter.
func (m *Metrics) ConsistencyGap() {
	if m != nil {
		m.consistencyGaps.Inc()
	}
}

// AlertsSent increments the alerts sent counter.
func (m *Metrics) AlertsSent() {
	if m != nil {
		m.alertsSent.Inc()
	}
}

// AlertsDropped increments the alerts dropped counter.
func (m *Metrics) AlertsDropped() {
	if m != nil {
		m.alertsDropped.Inc()
	}
}

// Errors increments the errors counter.
func (m *Metrics) Errors() {
	if m != nil {
		m.errors.Inc()
	}
}

// Watermark records the latest committed watermark.
func (m *Metrics) Watermark(block uint64) {
	if m != nil {
		m.watermark.Set(float64(block))
	}
}

// Handler returns an HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
