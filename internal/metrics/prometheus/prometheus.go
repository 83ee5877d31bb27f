package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sheikh-saqib/finance-ledger/internal/metrics"
)

// PrometheusCollector implements metrics.Collector for Prometheus.
type PrometheusCollector struct {
	writes       *prometheus.CounterVec
	writeLatency *prometheus.HistogramVec
	idempotency  *prometheus.CounterVec
	drifts       *prometheus.CounterVec
	reconciled   prometheus.Gauge
	lastDrifts   prometheus.Gauge
	published    *prometheus.CounterVec
	circuitState *prometheus.GaugeVec
}

// NewPrometheusCollector creates a new Prometheus metrics collector.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	return &PrometheusCollector{
		writes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_writes_total",
				Help:      "Orchestrated ledger writes by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		writeLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ledger_write_duration_seconds",
				Help:      "Duration of orchestrated ledger writes, lock wait included",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		idempotency: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "idempotency_requests_total",
				Help:      "Idempotency key decisions by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		drifts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciliation_drifts_total",
				Help:      "Balance drift alarms raised by reconciliation",
			},
			[]string{"source"},
		),
		reconciled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconciliation_checked",
			Help:      "Items checked by the most recent reconciliation run",
		}),
		lastDrifts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconciliation_last_drifts",
			Help:      "Drifts found by the most recent reconciliation run",
		}),
		published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Domain events handed to the broker by topic and status",
			},
			[]string{"topic", "status"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
	}
}

// Describe implements prometheus.Collector.
func (pc *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range pc.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (pc *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	for _, c := range pc.collectors() {
		c.Collect(ch)
	}
}

func (pc *PrometheusCollector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		pc.writes,
		pc.writeLatency,
		pc.idempotency,
		pc.drifts,
		pc.reconciled,
		pc.lastDrifts,
		pc.published,
		pc.circuitState,
	}
}

func (pc *PrometheusCollector) RecordWrite(operation string, outcome string, duration time.Duration) {
	pc.writes.WithLabelValues(operation, outcome).Inc()
	pc.writeLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

func (pc *PrometheusCollector) RecordIdempotency(operation string, outcome string) {
	pc.idempotency.WithLabelValues(operation, outcome).Inc()
}

func (pc *PrometheusCollector) RecordReconciliation(checked int, drifts int) {
	pc.reconciled.Set(float64(checked))
	pc.lastDrifts.Set(float64(drifts))
}

func (pc *PrometheusCollector) RecordDrift(source string) {
	pc.drifts.WithLabelValues(source).Inc()
}

func (pc *PrometheusCollector) RecordPublish(topic string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	pc.published.WithLabelValues(topic, status).Inc()
}

func (pc *PrometheusCollector) RecordCircuitState(name string, state metrics.CircuitState) {
	pc.circuitState.WithLabelValues(name).Set(float64(state))
}

var _ metrics.Collector = (*PrometheusCollector)(nil)
var _ prometheus.Collector = (*PrometheusCollector)(nil)
