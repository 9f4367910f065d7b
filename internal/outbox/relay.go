package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/FreeSideNomad/messaging-platform/internal/database"
	"github.com/FreeSideNomad/messaging-platform/pkg/logger"
	"github.com/FreeSideNomad/messaging-platform/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// MQPublisher delivers command and reply rows to their destination queue
type MQPublisher interface {
	Send(ctx context.Context, queue string, key *string, msgType string, payload string, headers map[string]string) error
}

// EventPublisher delivers event rows to their destination topic
type EventPublisher interface {
	Publish(ctx context.Context, topic string, key *string, msgType string, payload string, headers map[string]string) error
}

// RelayConfig holds relay tuning
type RelayConfig struct {
	BatchSize  int
	MaxBackoff time.Duration
}

// DefaultRelayConfig returns the default relay configuration
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:  2000,
		MaxBackoff: 5 * time.Minute,
	}
}

// Relay claims outbox rows, dispatches them to the transports and records the
// terminal status. It backs both the fast-path notifier and the sweeper.
type Relay struct {
	config  RelayConfig
	db      database.DB
	repo    Repository
	mq      MQPublisher
	events  EventPublisher
	log     *logger.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// NewRelay creates a new outbox relay
func NewRelay(cfg RelayConfig, db database.DB, repo Repository, mq MQPublisher, events EventPublisher, log *logger.Logger, m *metrics.Metrics) *Relay {
	return &Relay{
		config:  cfg,
		db:      db,
		repo:    repo,
		mq:      mq,
		events:  events,
		log:     log,
		metrics: m,
		tracer:  otel.GetTracerProvider().Tracer("outbox-relay"),
	}
}

// PublishNow is the fast-path entry point invoked after a commit hint. The
// claim runs in its own write transaction; the publish happens outside it and
// the result is recorded in a second transaction. A nil return with no
// publish means the row was not claimable here.
func (r *Relay) PublishNow(ctx context.Context, id int64) error {
	ctx, span := r.tracer.Start(ctx, "outbox.publish_now",
		trace.WithAttributes(attribute.Int64("message.id", id)),
	)
	defer span.End()

	start := time.Now()
	var row *Row
	err := database.WithTx(ctx, r.db, func(tx database.Tx) error {
		var err error
		row, err = r.repo.ClaimIfNew(ctx, tx, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to claim row %d: %w", id, err)
	}
	if r.metrics != nil {
		r.metrics.ClaimDuration.Observe(time.Since(start).Seconds())
	}
	if row == nil {
		// Another replica owns it, or it was already published
		return nil
	}

	pubErr := r.dispatch(ctx, row)

	return database.WithTx(ctx, r.db, func(tx database.Tx) error {
		if pubErr == nil {
			return r.markPublished(ctx, tx, row)
		}
		backoff := Backoff(row.Attempts, r.config.MaxBackoff)
		r.log.Warn("Publish failed, backing off",
			zap.Int64("message_id", row.ID),
			zap.Int("attempts", row.Attempts),
			zap.Duration("backoff", backoff),
			zap.Error(pubErr),
		)
		if r.metrics != nil {
			r.metrics.OutboxFailed.WithLabelValues(string(row.Category)).Inc()
		}
		return r.repo.MarkFailed(ctx, tx, row.ID, pubErr.Error(), time.Now().Add(backoff))
	})
}

// SweepOnce claims up to the configured batch of due rows and publishes each.
// The claim batch and per-row finalization run in separate transactions, and
// a failing row never aborts its siblings. Returns the number published.
func (r *Relay) SweepOnce(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "outbox.sweep_once")
	defer span.End()

	var batch []*Row
	err := database.WithTx(ctx, r.db, func(tx database.Tx) error {
		var err error
		batch, err = r.repo.SweepBatch(ctx, tx, r.config.BatchSize)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to claim sweep batch: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	span.SetAttributes(attribute.Int("batch.size", len(batch)))
	if r.metrics != nil {
		r.metrics.OutboxSweepSize.Observe(float64(len(batch)))
	}

	published := 0
	for _, row := range batch {
		pubErr := r.dispatch(ctx, row)

		finErr := database.WithTx(ctx, r.db, func(tx database.Tx) error {
			if pubErr == nil {
				return r.markPublished(ctx, tx, row)
			}
			backoff := Backoff(row.Attempts, r.config.MaxBackoff)
			if r.metrics != nil {
				r.metrics.OutboxRescheduled.Inc()
			}
			return r.repo.Reschedule(ctx, tx, row.ID, backoff, pubErr.Error())
		})
		if finErr != nil {
			r.log.Error("Failed to finalize swept row",
				zap.Int64("message_id", row.ID),
				zap.Error(finErr),
			)
			continue
		}
		if pubErr == nil {
			published++
		} else {
			r.log.Warn("Swept row publish failed, rescheduled",
				zap.Int64("message_id", row.ID),
				zap.Int("attempts", row.Attempts),
				zap.Error(pubErr),
			)
		}
	}
	return published, nil
}

// dispatch routes a claimed row by category. Matching is exact; unknown
// categories come back as an error and take the normal backoff path.
func (r *Relay) dispatch(ctx context.Context, row *Row) error {
	ctx, span := r.tracer.Start(ctx, "outbox.dispatch",
		trace.WithAttributes(
			attribute.Int64("message.id", row.ID),
			attribute.String("message.category", string(row.Category)),
			attribute.String("message.topic", row.Topic),
		),
	)
	defer span.End()

	start := time.Now()
	var err error
	switch row.Category {
	case CategoryCommand, CategoryReply:
		err = r.mq.Send(ctx, row.Topic, row.Key, row.Type, row.Payload, row.Headers)
	case CategoryEvent:
		err = r.events.Publish(ctx, row.Topic, row.Key, row.Type, row.Payload, row.Headers)
	default:
		err = fmt.Errorf("Unknown category: %s", row.Category)
	}
	if r.metrics != nil {
		r.metrics.PublishDuration.WithLabelValues(string(row.Category)).Observe(time.Since(start).Seconds())
	}
	return err
}

func (r *Relay) markPublished(ctx context.Context, tx database.Tx, row *Row) error {
	if err := r.repo.MarkPublished(ctx, tx, row.ID); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.OutboxPublished.WithLabelValues(string(row.Category)).Inc()
	}
	r.log.Debug("Published outbox row",
		zap.Int64("message_id", row.ID),
		zap.String("category", string(row.Category)),
		zap.String("topic", row.Topic),
	)
	return nil
}
