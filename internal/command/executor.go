package command

import (
	"context"
	"fmt"
	"time"

	"github.com/FreeSideNomad/messaging-platform/internal/database"
	"github.com/FreeSideNomad/messaging-platform/internal/inbox"
	"github.com/FreeSideNomad/messaging-platform/internal/outbox"
	"github.com/FreeSideNomad/messaging-platform/pkg/logger"
	"github.com/FreeSideNomad/messaging-platform/pkg/metrics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// InboxConsumer is the consumer identity the executor dedupes under
const InboxConsumer = "CommandExecutor"

// ExecutorConfig holds executor tuning
type ExecutorConfig struct {
	// CommandLease bounds how long a RUNNING command is owned before the
	// sweeper may requeue it
	CommandLease time.Duration
	// Instance is stamped into DLQ entries as parked_by
	Instance string
}

// DefaultExecutorConfig returns the default executor configuration
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		CommandLease: 5 * time.Minute,
		Instance:     "command-executor",
	}
}

// Executor runs inbound command deliveries inside one write transaction:
// inbox dedupe, handler dispatch and the reply/event outbox rows commit or
// roll back together.
type Executor struct {
	config   ExecutorConfig
	db       database.DB
	inbox    inbox.Repository
	commands Repository
	dlq      DLQRepository
	outbox   outbox.Repository
	registry *Registry
	naming   Naming
	notifier Notifier
	log      *logger.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

// NewExecutor creates a new transactional executor. notifier may be nil.
func NewExecutor(cfg ExecutorConfig, db database.DB, inboxRepo inbox.Repository, commands Repository, dlq DLQRepository, outboxRepo outbox.Repository, registry *Registry, naming Naming, notifier Notifier, log *logger.Logger, m *metrics.Metrics) *Executor {
	return &Executor{
		config:   cfg,
		db:       db,
		inbox:    inboxRepo,
		commands: commands,
		dlq:      dlq,
		outbox:   outboxRepo,
		registry: registry,
		naming:   naming,
		notifier: notifier,
		log:      log,
		metrics:  m,
		tracer:   otel.GetTracerProvider().Tracer("command-executor"),
	}
}

// Process executes one delivery. Returns nil when the delivery is settled
// (handled, duplicate-dropped or parked); returns the handler error when the
// delivery framework should redeliver, with the retry count bumped.
func (e *Executor) Process(ctx context.Context, msg Message) error {
	ctx, span := e.tracer.Start(ctx, "executor.process",
		trace.WithAttributes(
			attribute.String("command.id", msg.CommandID.String()),
			attribute.String("command.name", msg.Name),
		),
	)
	defer span.End()

	start := time.Now()
	var retryErr error
	err := database.WithTx(ctx, e.db, func(tx database.Tx) error {
		inserted, err := e.inbox.InsertIfAbsent(ctx, tx, msg.MessageID, InboxConsumer)
		if err != nil {
			return err
		}
		if inserted == 0 {
			if e.metrics != nil {
				e.metrics.CommandsDeduped.Inc()
			}
			e.log.Debug("Dropping duplicate delivery",
				zap.String("message_id", msg.MessageID),
				zap.String("command_id", msg.CommandID.String()),
			)
			return nil
		}

		if err := e.commands.MarkRunning(ctx, tx, msg.CommandID, time.Now().Add(e.config.CommandLease)); err != nil {
			return err
		}

		reply, handlerErr := e.handle(ctx, msg)
		switch {
		case handlerErr == nil:
			if err := e.commands.MarkSucceeded(ctx, tx, msg.CommandID); err != nil {
				return err
			}
			e.recordOutcome(msg.Name, "succeeded")
			return e.writeReply(ctx, tx, msg, reply)

		case IsPermanent(handlerErr):
			if err := e.commands.MarkFailed(ctx, tx, msg.CommandID, handlerErr.Error()); err != nil {
				return err
			}
			if err := e.park(ctx, tx, msg, handlerErr); err != nil {
				return err
			}
			e.recordOutcome(msg.Name, "failed")
			return e.writeReply(ctx, tx, msg, Reply{Status: ReplyFailed, Error: handlerErr.Error()})

		default:
			// Retryable or transient: roll everything back, including the
			// inbox row, so the redelivery is not dropped as a duplicate
			retryErr = handlerErr
			return handlerErr
		}
	})
	if e.metrics != nil {
		e.metrics.ExecuteDuration.WithLabelValues(msg.Name).Observe(time.Since(start).Seconds())
	}

	if retryErr != nil {
		// The retry count survives the rollback in its own transaction
		if err := e.commands.BumpRetry(ctx, e.db, msg.CommandID, retryErr.Error()); err != nil {
			e.log.Error("Failed to bump retry count",
				zap.String("command_id", msg.CommandID.String()),
				zap.Error(err),
			)
		}
		e.recordOutcome(msg.Name, "retried")
		return retryErr
	}
	return err
}

func (e *Executor) handle(ctx context.Context, msg Message) (Reply, error) {
	handler, ok := e.registry.Lookup(msg.Name)
	if !ok {
		return Reply{}, Permanent(fmt.Errorf("no handler registered for command %q", msg.Name))
	}

	reply, err := handler.Handle(ctx, msg)
	if err != nil {
		return Reply{}, err
	}
	if reply.Status == "" {
		reply.Status = ReplyCompleted
	}
	return reply, nil
}

// writeReply inserts the reply row for the reply queue and the event row for
// the completion topic, both carrying the wire type matching the reply status.
func (e *Executor) writeReply(ctx context.Context, tx database.Tx, msg Message, reply Reply) error {
	spec, correlationID := e.replyRoute(ctx, tx, msg)

	envelope := Envelope{
		CommandID:     msg.CommandID,
		CorrelationID: correlationID,
		Type:          WireType(reply.Status),
		Payload:       reply.Data,
		Error:         reply.Error,
	}
	body, err := envelope.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal reply envelope: %w", err)
	}

	key := msg.BusinessKey
	var routingKey *string
	if key != "" {
		routingKey = &key
	}

	replyID, err := e.outbox.Insert(ctx, tx, outbox.Message{
		Category: outbox.CategoryReply,
		Topic:    spec.ReplyQueue,
		Key:      routingKey,
		Type:     envelope.Type,
		Payload:  string(body),
		Headers:  map[string]string{"messageId": uuid.New().String()},
	})
	if err != nil {
		return err
	}

	eventID, err := e.outbox.Insert(ctx, tx, outbox.Message{
		Category: outbox.CategoryEvent,
		Topic:    e.naming.EventTopicFor(msg.Name),
		Key:      routingKey,
		Type:     envelope.Type,
		Payload:  string(body),
		Headers:  map[string]string{"messageId": uuid.New().String()},
	})
	if err != nil {
		return err
	}

	if e.notifier != nil {
		e.notifier.EnqueueAfterCommit(tx, replyID)
		e.notifier.EnqueueAfterCommit(tx, eventID)
	}
	return nil
}

// replyRoute resolves where the reply goes from the persisted command row,
// falling back to the shared reply queue.
func (e *Executor) replyRoute(ctx context.Context, tx database.Tx, msg Message) (ReplySpec, uuid.UUID) {
	spec := ReplySpec{ReplyQueue: e.naming.ReplyQueue}
	correlationID := uuid.Nil

	cmd, err := e.commands.Get(ctx, tx, msg.CommandID)
	if err != nil {
		e.log.Warn("Falling back to default reply queue",
			zap.String("command_id", msg.CommandID.String()),
			zap.Error(err),
		)
		return spec, correlationID
	}
	if cmd.ReplySpec.ReplyQueue != "" {
		spec.ReplyQueue = cmd.ReplySpec.ReplyQueue
	}
	if cmd.ReplySpec.CorrelationID != "" {
		if id, err := uuid.Parse(cmd.ReplySpec.CorrelationID); err == nil {
			correlationID = id
		}
	}
	return spec, correlationID
}

func (e *Executor) park(ctx context.Context, tx database.Tx, msg Message, handlerErr error) error {
	cmd, err := e.commands.Get(ctx, tx, msg.CommandID)
	attempts := 0
	businessKey := msg.BusinessKey
	if err == nil {
		attempts = cmd.Retries
		if businessKey == "" {
			businessKey = cmd.BusinessKey
		}
	}

	if e.metrics != nil {
		e.metrics.CommandsParked.Inc()
	}
	return e.dlq.Park(ctx, tx, &DLQEntry{
		CommandID:    msg.CommandID,
		Name:         msg.Name,
		BusinessKey:  businessKey,
		Payload:      msg.Payload,
		FailedStatus: StatusFailed,
		ErrorClass:   ErrorClass(handlerErr),
		ErrorMessage: handlerErr.Error(),
		Attempts:     attempts,
		ParkedBy:     e.config.Instance,
	})
}

func (e *Executor) recordOutcome(name, outcome string) {
	if e.metrics != nil {
		e.metrics.CommandsExecuted.WithLabelValues(name, outcome).Inc()
	}
}
