package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/FreeSideNomad/messaging-platform/internal/database"
	"github.com/FreeSideNomad/messaging-platform/pkg/logger"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Repository persists the command lifecycle
type Repository interface {
	Insert(ctx context.Context, q database.Querier, cmd *Command) error
	ExistsByIdempotencyKey(ctx context.Context, q database.Querier, key string) (bool, error)
	Get(ctx context.Context, q database.Querier, id uuid.UUID) (*Command, error)
	MarkRunning(ctx context.Context, q database.Querier, id uuid.UUID, leaseUntil time.Time) error
	MarkSucceeded(ctx context.Context, q database.Querier, id uuid.UUID) error
	MarkFailed(ctx context.Context, q database.Querier, id uuid.UUID, errMsg string) error
	BumpRetry(ctx context.Context, q database.Querier, id uuid.UUID, errMsg string) error
	// RequeueExpired resets RUNNING commands whose lease elapsed back to
	// PENDING, returning the count.
	RequeueExpired(ctx context.Context, q database.Querier) (int64, error)
}

// PGRepository is the PostgreSQL Repository implementation
type PGRepository struct {
	log    *logger.Logger
	tracer trace.Tracer
}

// NewPGRepository creates a postgres-backed command repository
func NewPGRepository(log *logger.Logger) *PGRepository {
	return &PGRepository{
		log:    log,
		tracer: otel.GetTracerProvider().Tracer("command-repository"),
	}
}

func (r *PGRepository) Insert(ctx context.Context, q database.Querier, cmd *Command) error {
	ctx, span := r.tracer.Start(ctx, "command.insert",
		trace.WithAttributes(
			attribute.String("command.id", cmd.CommandID.String()),
			attribute.String("command.name", cmd.Name),
		),
	)
	defer span.End()

	replySpec, err := json.Marshal(cmd.ReplySpec)
	if err != nil {
		return fmt.Errorf("failed to marshal reply spec: %w", err)
	}

	query := `
		INSERT INTO command (command_id, name, idempotency_key, business_key,
			payload, reply_spec, status, retries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, NOW(), NOW())`

	_, err = q.Exec(ctx, query,
		cmd.CommandID, cmd.Name, cmd.IdempotencyKey, cmd.BusinessKey,
		cmd.Payload, replySpec, cmd.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to insert command: %w", err)
	}
	return nil
}

func (r *PGRepository) ExistsByIdempotencyKey(ctx context.Context, q database.Querier, key string) (bool, error) {
	ctx, span := r.tracer.Start(ctx, "command.exists_by_idempotency_key")
	defer span.End()

	query := `SELECT EXISTS (SELECT 1 FROM command WHERE idempotency_key = $1)`

	var exists bool
	if err := q.QueryRow(ctx, query, key).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return exists, nil
}

func (r *PGRepository) Get(ctx context.Context, q database.Querier, id uuid.UUID) (*Command, error) {
	ctx, span := r.tracer.Start(ctx, "command.get",
		trace.WithAttributes(attribute.String("command.id", id.String())),
	)
	defer span.End()

	query := `
		SELECT command_id, name, idempotency_key, business_key, payload,
		       reply_spec, status, retries, last_error, lease_until,
		       created_at, updated_at
		FROM command
		WHERE command_id = $1`

	cmd := &Command{}
	var replySpec []byte
	err := q.QueryRow(ctx, query, id).Scan(
		&cmd.CommandID, &cmd.Name, &cmd.IdempotencyKey, &cmd.BusinessKey,
		&cmd.Payload, &replySpec, &cmd.Status, &cmd.Retries, &cmd.LastError,
		&cmd.LeaseUntil, &cmd.CreatedAt, &cmd.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load command %s: %w", id, err)
	}
	if len(replySpec) > 0 {
		if err := json.Unmarshal(replySpec, &cmd.ReplySpec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal reply spec: %w", err)
		}
	}
	return cmd, nil
}

func (r *PGRepository) MarkRunning(ctx context.Context, q database.Querier, id uuid.UUID, leaseUntil time.Time) error {
	return r.update(ctx, q, "command.mark_running", `
		UPDATE command
		SET status = 'RUNNING', lease_until = $2, updated_at = NOW()
		WHERE command_id = $1`, id, leaseUntil)
}

func (r *PGRepository) MarkSucceeded(ctx context.Context, q database.Querier, id uuid.UUID) error {
	return r.update(ctx, q, "command.mark_succeeded", `
		UPDATE command
		SET status = 'SUCCEEDED', lease_until = NULL, last_error = NULL, updated_at = NOW()
		WHERE command_id = $1`, id)
}

func (r *PGRepository) MarkFailed(ctx context.Context, q database.Querier, id uuid.UUID, errMsg string) error {
	return r.update(ctx, q, "command.mark_failed", `
		UPDATE command
		SET status = 'FAILED', lease_until = NULL, last_error = $2, updated_at = NOW()
		WHERE command_id = $1`, id, errMsg)
}

func (r *PGRepository) BumpRetry(ctx context.Context, q database.Querier, id uuid.UUID, errMsg string) error {
	return r.update(ctx, q, "command.bump_retry", `
		UPDATE command
		SET retries = retries + 1, last_error = $2, updated_at = NOW()
		WHERE command_id = $1`, id, errMsg)
}

func (r *PGRepository) RequeueExpired(ctx context.Context, q database.Querier) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "command.requeue_expired")
	defer span.End()

	query := `
		UPDATE command
		SET status = 'PENDING', lease_until = NULL, updated_at = NOW()
		WHERE status = 'RUNNING' AND lease_until < NOW()`

	result, err := q.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue expired commands: %w", err)
	}
	return result.RowsAffected(), nil
}

func (r *PGRepository) update(ctx context.Context, q database.Querier, op, query string, args ...interface{}) error {
	ctx, span := r.tracer.Start(ctx, op)
	defer span.End()

	result, err := q.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%s: no command row", op)
	}
	return nil
}
