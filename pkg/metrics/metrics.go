package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Outbox metrics
	OutboxInserted    *prometheus.CounterVec
	OutboxPublished   *prometheus.CounterVec
	OutboxFailed      *prometheus.CounterVec
	OutboxRescheduled prometheus.Counter
	OutboxRecovered   prometheus.Counter
	OutboxSweepSize   prometheus.Histogram
	PublishDuration   *prometheus.HistogramVec
	ClaimDuration     prometheus.Histogram

	// Notifier metrics
	NotifyEnqueued  prometheus.Counter
	NotifyDequeued  prometheus.Counter
	NotifyDiscarded prometheus.Counter
	NotifyInFlight  prometheus.Gauge

	// Command metrics
	CommandsAccepted *prometheus.CounterVec
	CommandsExecuted *prometheus.CounterVec
	CommandsParked   prometheus.Counter
	CommandsDeduped  prometheus.Counter
	ExecuteDuration  *prometheus.HistogramVec

	// Process metrics
	ProcessesStarted   *prometheus.CounterVec
	ProcessesCompleted *prometheus.CounterVec
	StepRetries        *prometheus.CounterVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
}

func New(namespace string) *Metrics {
	return &Metrics{
		OutboxInserted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_inserted_total",
				Help:      "Total outbox rows inserted",
			},
			[]string{"category"},
		),
		OutboxPublished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_published_total",
				Help:      "Total outbox rows published to a transport",
			},
			[]string{"category"},
		),
		OutboxFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_failed_total",
				Help:      "Total outbox publish failures",
			},
			[]string{"category"},
		),
		OutboxRescheduled: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_rescheduled_total",
				Help:      "Total outbox rows rescheduled with backoff",
			},
		),
		OutboxRecovered: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_recovered_total",
				Help:      "Total stuck outbox claims recovered",
			},
		),
		OutboxSweepSize: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "outbox_sweep_batch_size",
				Help:      "Rows claimed per sweep",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 7),
			},
		),
		PublishDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "outbox_publish_duration_seconds",
				Help:      "Transport publish duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"category"},
		),
		ClaimDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "outbox_claim_duration_seconds",
				Help:      "Row claim duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25},
			},
		),
		NotifyEnqueued: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notify_enqueued_total",
				Help:      "Total fast-path hints enqueued",
			},
		),
		NotifyDequeued: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notify_dequeued_total",
				Help:      "Total fast-path hints dequeued",
			},
		),
		NotifyDiscarded: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notify_discarded_total",
				Help:      "Total fast-path hints discarded as unparseable",
			},
		),
		NotifyInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "notify_in_flight",
				Help:      "Fast-path dispatches currently in flight",
			},
		),
		CommandsAccepted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_accepted_total",
				Help:      "Total commands accepted by the bus",
			},
			[]string{"name"},
		),
		CommandsExecuted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_executed_total",
				Help:      "Total commands executed, by outcome",
			},
			[]string{"name", "outcome"},
		),
		CommandsParked: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_parked_total",
				Help:      "Total commands parked in the dead-letter queue",
			},
		),
		CommandsDeduped: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_deduped_total",
				Help:      "Total duplicate deliveries dropped by the inbox",
			},
		),
		ExecuteDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "command_execute_duration_seconds",
				Help:      "Handler execution duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"name"},
		),
		ProcessesStarted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "processes_started_total",
				Help:      "Total process instances started",
			},
			[]string{"process_type"},
		),
		ProcessesCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "processes_completed_total",
				Help:      "Total process instances reaching a terminal status",
			},
			[]string{"process_type", "status"},
		),
		StepRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "process_step_retries_total",
				Help:      "Total step retries",
			},
			[]string{"process_type", "step"},
		),
		DBQueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "db_query_duration_seconds",
				Help:      "Database query duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"operation"},
		),
	}
}
