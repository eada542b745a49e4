package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesProcessed The total number of processed messages (counter)
	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "messages",
			Name:      "processed_total",
			Help:      "The total number of processed messages",
		},
		[]string{"topic", "handler"},
	)

	// MessagesProcessingFailed total number of message processing failures (counter)
	MessagesProcessingFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "messages",
			Name:      "processing_failed_total",
			Help:      "The total number of message processing failures",
		},
		[]string{"topic", "handler"},
	)

	// MessagesProcessingDuration The total time spent processing messages (summary with quantiles 0.5, 0.9, and 0.99)
	MessagesProcessingDuration = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace:  "messages",
			Name:       "processing_duration_seconds",
			Help:       "The total time spent processing messages",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		},
		[]string{"topic", "handler"},
	)

	// SagaSteps counts executed saga steps per step name and result
	SagaSteps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "booking",
			Name:      "saga_steps_total",
			Help:      "The total number of executed saga steps",
		},
		[]string{"step", "result"},
	)

	// Compensations counts compensating actions per type and result
	Compensations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "booking",
			Name:      "compensations_total",
			Help:      "The total number of compensating actions",
		},
		[]string{"type", "result"},
	)

	// StateTransitions counts successful booking state transitions
	StateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "booking",
			Name:      "state_transitions_total",
			Help:      "The total number of booking state transitions",
		},
		[]string{"from", "to"},
	)

	// StateTransitionsInvalid counts rejected booking state transitions
	StateTransitionsInvalid = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "booking",
			Name:      "state_transitions_invalid_total",
			Help:      "The total number of rejected booking state transitions",
		},
	)

	// LockAcquisitions counts distributed lock acquisition attempts per result
	LockAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "booking",
			Name:      "lock_acquisitions_total",
			Help:      "The total number of distributed lock acquisition attempts",
		},
		[]string{"result"},
	)

	// OutboxPublished counts outbox events successfully published
	OutboxPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "booking",
			Name:      "outbox_published_total",
			Help:      "The total number of outbox events published",
		},
	)

	// OutboxPublishFailed counts outbox publish failures
	OutboxPublishFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "booking",
			Name:      "outbox_publish_failed_total",
			Help:      "The total number of outbox publish failures",
		},
	)
)
