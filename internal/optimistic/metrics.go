package optimistic

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for optimistic operations. A nil
// *Metrics disables instrumentation.
type Metrics struct {
	Registered  *prometheus.CounterVec
	Resolutions *prometheus.CounterVec
	Retries     *prometheus.CounterVec
	Pending     *prometheus.GaugeVec
	StoreCalls  *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Registered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kanri_optimistic_operations_total",
				Help: "Optimistic operations registered",
			},
			[]string{"collection", "type"},
		),
		Resolutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kanri_optimistic_resolutions_total",
				Help: "Optimistic operation resolutions by outcome",
			},
			[]string{"collection", "outcome"}, // outcome: success, failure, timeout, rollback
		),
		Retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kanri_optimistic_retries_total",
				Help: "Failed operations moved back to pending",
			},
			[]string{"collection"},
		),
		Pending: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kanri_optimistic_pending",
				Help: "Operations currently awaiting confirmation",
			},
			[]string{"collection"},
		),
		StoreCalls: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kanri_store_request_duration_seconds",
				Help:    "Record Store calls issued for optimistic operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"collection", "method", "outcome"},
		),
	}
}

func (m *Metrics) registered(collection string, typ OpType) {
	if m == nil {
		return
	}
	m.Registered.WithLabelValues(collection, string(typ)).Inc()
}

func (m *Metrics) resolved(collection, outcome string) {
	if m == nil {
		return
	}
	m.Resolutions.WithLabelValues(collection, outcome).Inc()
}

func (m *Metrics) retried(collection string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(collection).Inc()
}

// ObserveStore records the duration of one Record Store call.
func (m *Metrics) ObserveStore(collection string, method OpType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.StoreCalls.WithLabelValues(collection, string(method), outcome).Observe(d.Seconds())
}
