// Package metrics exposes Prometheus counters and gauges for pool
// utilization, task outcomes, and callback delivery, served over
// GET /metrics by promhttp.Handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector the gateway registers.
type Metrics struct {
	PoolWorkersTotal prometheus.Gauge
	PoolWorkersBusy  prometheus.Gauge
	TasksProcessed   *prometheus.CounterVec
	TaskDuration     *prometheus.HistogramVec
	CallbackAttempts *prometheus.CounterVec
	CallbackOutcome  *prometheus.CounterVec
}

// New registers every collector against reg and returns the handle used
// to update them. Pass prometheus.NewRegistry() in tests to avoid
// colliding with the default global registry across parallel test
// binaries.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PoolWorkersTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "asr_gateway",
			Subsystem: "pool",
			Name:      "workers_total",
			Help:      "Current number of model-pool workers.",
		}),
		PoolWorkersBusy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "asr_gateway",
			Subsystem: "pool",
			Name:      "workers_busy",
			Help:      "Model-pool workers currently checked out.",
		}),
		TasksProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "asr_gateway",
			Subsystem: "task",
			Name:      "processed_total",
			Help:      "Tasks that reached a terminal state, partitioned by outcome.",
		}, []string{"outcome"}),
		TaskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "asr_gateway",
			Subsystem: "task",
			Name:      "processing_seconds",
			Help:      "Task processing duration from claim to terminal transition.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"outcome"}),
		CallbackAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "asr_gateway",
			Subsystem: "callback",
			Name:      "attempts_total",
			Help:      "Outbound callback delivery attempts.",
		}, []string{"result"}),
		CallbackOutcome: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "asr_gateway",
			Subsystem: "callback",
			Name:      "outcome_total",
			Help:      "Final callback delivery outcome per job, partitioned by status class.",
		}, []string{"status_class"}),
	}
}

// ObserveTask records a terminal task outcome and its processing duration.
func (m *Metrics) ObserveTask(outcome string, durationSeconds float64) {
	m.TasksProcessed.WithLabelValues(outcome).Inc()
	m.TaskDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

// ObservePool records the pool's current total/busy worker counts.
func (m *Metrics) ObservePool(total, busy int) {
	m.PoolWorkersTotal.Set(float64(total))
	m.PoolWorkersBusy.Set(float64(busy))
}

// StatusClass buckets an HTTP status code into the label used by
// CallbackOutcome.
func StatusClass(statusCode int) string {
	switch {
	case statusCode < 0:
		return "transport_error"
	case statusCode >= 200 && statusCode < 300:
		return "2xx"
	case statusCode >= 400 && statusCode < 500:
		return "4xx"
	case statusCode >= 500:
		return "5xx"
	default:
		return "other"
	}
}
