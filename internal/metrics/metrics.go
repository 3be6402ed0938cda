// Package metrics provides Prometheus instrumentation for the coordinator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metric collectors for the coordinator.
type Metrics struct {
	JobsCreatedTotal     *prometheus.CounterVec
	TransitionsTotal     *prometheus.CounterVec
	AcceptRejectedTotal  prometheus.Counter
	ChargesTotal         *prometheus.CounterVec
	RefundsTotal         *prometheus.CounterVec
	CapturesTotal        prometheus.Counter
	ProcessorLatency     prometheus.Histogram
	EventsPublishedTotal *prometheus.CounterVec
	ConnectionsActive    prometheus.Gauge
	SettlementQueueDepth prometheus.Gauge
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		JobsCreatedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_created_total",
			Help: "Total number of jobs created, partitioned by service type.",
		}, []string{"service_type"}),

		TransitionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "job_transitions_total",
			Help: "Total number of lifecycle transitions, partitioned by target status.",
		}, []string{"to"}),

		AcceptRejectedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "accept_rejected_total",
			Help: "Total number of accepts rejected by the admission controller.",
		}),

		ChargesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "charges_total",
			Help: "Total number of charge attempts, partitioned by outcome.",
		}, []string{"outcome"}),

		RefundsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "refunds_total",
			Help: "Total number of refunds, partitioned by reason.",
		}, []string{"reason"}),

		CapturesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "captures_total",
			Help: "Total number of successful captures.",
		}),

		ProcessorLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "processor_latency_seconds",
			Help:    "Round-trip time of external payment processor calls.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),

		EventsPublishedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_events_published_total",
			Help: "Total number of realtime events published, partitioned by type.",
		}, []string{"type"}),

		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_connections_active",
			Help: "Current number of connected WebSocket clients.",
		}),

		SettlementQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "settlement_queue_depth",
			Help: "Current number of pending settlement tasks.",
		}),
	}
}

// NewNop creates the same collectors without registering them, so tests can
// construct components repeatedly without tripping duplicate registration.
func NewNop() *Metrics {
	return &Metrics{
		JobsCreatedTotal:     prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_created_total"}, []string{"service_type"}),
		TransitionsTotal:     prometheus.NewCounterVec(prometheus.CounterOpts{Name: "job_transitions_total"}, []string{"to"}),
		AcceptRejectedTotal:  prometheus.NewCounter(prometheus.CounterOpts{Name: "accept_rejected_total"}),
		ChargesTotal:         prometheus.NewCounterVec(prometheus.CounterOpts{Name: "charges_total"}, []string{"outcome"}),
		RefundsTotal:         prometheus.NewCounterVec(prometheus.CounterOpts{Name: "refunds_total"}, []string{"reason"}),
		CapturesTotal:        prometheus.NewCounter(prometheus.CounterOpts{Name: "captures_total"}),
		ProcessorLatency:     prometheus.NewHistogram(prometheus.HistogramOpts{Name: "processor_latency_seconds"}),
		EventsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "realtime_events_published_total"}, []string{"type"}),
		ConnectionsActive:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "realtime_connections_active"}),
		SettlementQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{Name: "settlement_queue_depth"}),
	}
}
