package command

import (
	"context"
	"fmt"
	"time"

	"github.com/FreeSideNomad/messaging-platform/internal/database"
	"github.com/FreeSideNomad/messaging-platform/internal/outbox"
	"github.com/FreeSideNomad/messaging-platform/pkg/logger"
	"github.com/FreeSideNomad/messaging-platform/pkg/metrics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Notifier registers a post-commit fast-path hint for an outbox row
type Notifier interface {
	EnqueueAfterCommit(tx database.Tx, id int64)
}

// AcceptRequest carries a command into the bus
type AcceptRequest struct {
	Name           string
	IdempotencyKey string
	BusinessKey    string
	Payload        string
	ReplySpec      ReplySpec
}

// AcceptResult is the outcome of an accept. Reply is set only when the bus
// runs in synchronous mode: it holds the delivered reply, or a TIMED_OUT reply
// when none arrived within the wait window.
type AcceptResult struct {
	CommandID uuid.UUID
	Reply     *Reply
}

// BusConfig holds command bus tuning
type BusConfig struct {
	// SyncWait > 0 makes Accept block for the reply up to this long
	SyncWait time.Duration
}

// Bus accepts commands, persists them with an outbox row in one transaction
// and leaves publication to the relay. It never talks to a transport itself.
type Bus struct {
	config   BusConfig
	db       database.DB
	commands Repository
	outbox   outbox.Repository
	notifier Notifier
	naming   Naming
	waiter   *ReplyWaiter
	cache    *StatusCache
	log      *logger.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

// NewBus creates a new command bus. notifier, waiter and cache may be nil.
func NewBus(cfg BusConfig, db database.DB, commands Repository, outboxRepo outbox.Repository, notifier Notifier, naming Naming, waiter *ReplyWaiter, cache *StatusCache, log *logger.Logger, m *metrics.Metrics) *Bus {
	return &Bus{
		config:   cfg,
		db:       db,
		commands: commands,
		outbox:   outboxRepo,
		notifier: notifier,
		naming:   naming,
		waiter:   waiter,
		cache:    cache,
		log:      log,
		metrics:  m,
		tracer:   otel.GetTracerProvider().Tracer("command-bus"),
	}
}

// Accept persists the command and its CommandRequested outbox row in a single
// transaction, then registers the row with the fast-path notifier. A repeated
// idempotency key fails with ErrDuplicateIdempotencyKey.
func (b *Bus) Accept(ctx context.Context, req AcceptRequest) (AcceptResult, error) {
	ctx, span := b.tracer.Start(ctx, "bus.accept",
		trace.WithAttributes(attribute.String("command.name", req.Name)),
	)
	defer span.End()

	cmd := &Command{
		CommandID:      uuid.New(),
		Name:           req.Name,
		IdempotencyKey: req.IdempotencyKey,
		BusinessKey:    req.BusinessKey,
		Payload:        req.Payload,
		ReplySpec:      req.ReplySpec,
		Status:         StatusPending,
	}
	if cmd.ReplySpec.ReplyQueue == "" {
		cmd.ReplySpec.ReplyQueue = b.naming.ReplyQueue
	}

	var replyCh <-chan Reply
	if b.config.SyncWait > 0 && b.waiter != nil {
		replyCh = b.waiter.Register(cmd.CommandID)
	}

	err := database.WithTx(ctx, b.db, func(tx database.Tx) error {
		exists, err := b.commands.ExistsByIdempotencyKey(ctx, tx, req.IdempotencyKey)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("idempotency key %q: %w", req.IdempotencyKey, ErrDuplicateIdempotencyKey)
		}

		if err := b.commands.Insert(ctx, tx, cmd); err != nil {
			return err
		}

		headers := map[string]string{
			"messageId":   uuid.New().String(),
			"commandId":   cmd.CommandID.String(),
			"name":        cmd.Name,
			"businessKey": cmd.BusinessKey,
		}
		if cmd.ReplySpec.CorrelationID != "" {
			headers["correlationId"] = cmd.ReplySpec.CorrelationID
		}

		outboxID, err := b.outbox.Insert(ctx, tx, outbox.Message{
			Category: outbox.CategoryCommand,
			Topic:    b.naming.QueueFor(cmd.Name),
			Type:     TypeCommandRequested,
			Payload:  cmd.Payload,
			Headers:  headers,
		})
		if err != nil {
			return err
		}

		if b.notifier != nil {
			b.notifier.EnqueueAfterCommit(tx, outboxID)
		}
		return nil
	})
	if err != nil {
		if b.waiter != nil {
			b.waiter.Cancel(cmd.CommandID)
		}
		return AcceptResult{}, err
	}

	if b.metrics != nil {
		b.metrics.CommandsAccepted.WithLabelValues(cmd.Name).Inc()
	}
	if b.cache != nil {
		b.cache.Set(ctx, cmd)
	}
	b.log.Info("Command accepted",
		zap.String("command_id", cmd.CommandID.String()),
		zap.String("name", cmd.Name),
	)

	result := AcceptResult{CommandID: cmd.CommandID}
	if replyCh != nil {
		select {
		case reply := <-replyCh:
			result.Reply = &reply
		case <-time.After(b.config.SyncWait):
			b.waiter.Cancel(cmd.CommandID)
			timedOut := Reply{Status: ReplyTimedOut, Error: "reply wait timed out"}
			result.Reply = &timedOut
		case <-ctx.Done():
			b.waiter.Cancel(cmd.CommandID)
			return result, ctx.Err()
		}
	}
	return result, nil
}

// Status returns the persisted command state, cache-first
func (b *Bus) Status(ctx context.Context, id uuid.UUID) (*Command, error) {
	if b.cache != nil {
		if cmd, ok := b.cache.Get(ctx, id); ok {
			return cmd, nil
		}
	}

	cmd, err := b.commands.Get(ctx, b.db, id)
	if err != nil {
		return nil, err
	}
	if b.cache != nil {
		b.cache.Set(ctx, cmd)
	}
	return cmd, nil
}
