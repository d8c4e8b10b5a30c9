package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cqrs_commands_total",
			Help: "Write-side commands by kind and outcome",
		},
		[]string{"command", "outcome"}, // create|update|delete , ok|invalid|not_found|conflict|error
	)

	RelayPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cqrs_relay_published_total",
			Help: "Outbox records published to the broker",
		},
	)

	RelayErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cqrs_relay_errors_total",
			Help: "Relay cycle failures by stage",
		},
		[]string{"stage"}, // claim|encode|send|mark
	)

	RelayBatchSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cqrs_relay_batch_seconds",
			Help:    "Duration of one claim-publish-mark cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	RelayBreakerOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cqrs_relay_breaker_open",
			Help: "1 while the relay is backing off a failing broker",
		},
	)

	OutboxPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cqrs_outbox_pending",
			Help: "Unpublished outbox records",
		},
	)

	OutboxOldestPendingSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cqrs_outbox_oldest_pending_seconds",
			Help: "Age of the oldest unpublished outbox record",
		},
	)

	OutboxPrunedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cqrs_outbox_pruned_total",
			Help: "Published outbox records removed by retention",
		},
	)

	ProjectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cqrs_projector_events_total",
			Help: "Events seen by the projector by type and outcome",
		},
		[]string{"event_type", "outcome"}, // applied|stale|deleted|ignored|gap
	)

	ProjectorRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cqrs_projector_retries_total",
			Help: "Retried event applications",
		},
	)

	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cqrs_dead_letters_total",
			Help: "Messages routed to the dead-letter topic",
		},
		[]string{"reason"}, // non_retryable|exhausted
	)

	DeadLettersArchivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cqrs_dead_letters_archived_total",
			Help: "Dead letters copied into the archive",
		},
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		CommandsTotal,
		RelayPublishedTotal,
		RelayErrorsTotal,
		RelayBatchSeconds,
		RelayBreakerOpen,
		OutboxPending,
		OutboxOldestPendingSeconds,
		OutboxPrunedTotal,
		ProjectedTotal,
		ProjectorRetriesTotal,
		DeadLettersTotal,
		DeadLettersArchivedTotal,
	)
}
