package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	// Outbox relay metrics
	OutboxEventsPublished  prometheus.Counter
	OutboxEventsFailed     prometheus.Counter
	OutboxEventsDeadLetter prometheus.Counter
	OutboxRelayLatency     prometheus.Histogram

	// Directory gateway metrics
	GatewayRequests *prometheus.CounterVec
	GatewayLatency  *prometheus.HistogramVec

	// Booking saga metrics
	SagaCompensations *prometheus.CounterVec

	// Notification consumer metrics
	ConsumerMessages   *prometheus.CounterVec
	ConsumerDuplicates prometheus.Counter
}

// NewMetrics creates and registers all application metrics against the given
// registerer. Pass prometheus.DefaultRegisterer in main.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		OutboxEventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_events_published_total",
			Help:      "Total number of outbox events published to the broker",
		}),
		OutboxEventsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_events_failed_total",
			Help:      "Total number of outbox publish attempts that failed",
		}),
		OutboxEventsDeadLetter: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_events_deadletter_total",
			Help:      "Total number of outbox events moved to the dead letter table",
		}),
		OutboxRelayLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "outbox_relay_duration_seconds",
			Help:      "Time spent per outbox relay batch",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		GatewayRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directory_requests_total",
			Help:      "Total number of slot directory requests",
		}, []string{"operation", "outcome"}),
		GatewayLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "directory_request_duration_seconds",
			Help:      "Duration of slot directory requests",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"operation"}),
		SagaCompensations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_compensations_total",
			Help:      "Total number of compensating actions executed",
		}, []string{"workflow"}),
		ConsumerMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumer_messages_total",
			Help:      "Total number of consumed notification messages",
		}, []string{"event_type", "outcome"}),
		ConsumerDuplicates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumer_duplicate_messages_total",
			Help:      "Total number of redelivered messages skipped by the dedup window",
		}),
	}
}
