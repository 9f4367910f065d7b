package command

import (
	"context"
	"fmt"

	"github.com/FreeSideNomad/messaging-platform/internal/database"
	"github.com/FreeSideNomad/messaging-platform/pkg/logger"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DLQRepository parks permanently failed commands
type DLQRepository interface {
	Park(ctx context.Context, q database.Querier, entry *DLQEntry) error
	Get(ctx context.Context, q database.Querier, id uuid.UUID) (*DLQEntry, error)
}

// PGDLQRepository is the PostgreSQL DLQRepository implementation
type PGDLQRepository struct {
	log    *logger.Logger
	tracer trace.Tracer
}

// NewPGDLQRepository creates a postgres-backed DLQ repository
func NewPGDLQRepository(log *logger.Logger) *PGDLQRepository {
	return &PGDLQRepository{
		log:    log,
		tracer: otel.GetTracerProvider().Tracer("dlq-repository"),
	}
}

func (r *PGDLQRepository) Park(ctx context.Context, q database.Querier, entry *DLQEntry) error {
	ctx, span := r.tracer.Start(ctx, "dlq.park",
		trace.WithAttributes(
			attribute.String("command.id", entry.CommandID.String()),
			attribute.String("command.name", entry.Name),
			attribute.String("error.class", entry.ErrorClass),
		),
	)
	defer span.End()

	query := `
		INSERT INTO dlq (command_id, name, business_key, payload, failed_status,
			error_class, error_message, attempts, parked_by, parked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())`

	_, err := q.Exec(ctx, query,
		entry.CommandID, entry.Name, entry.BusinessKey, entry.Payload,
		entry.FailedStatus, entry.ErrorClass, entry.ErrorMessage,
		entry.Attempts, entry.ParkedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to park command in dlq: %w", err)
	}

	r.log.Warn("Command parked in dead-letter queue",
		zap.String("command_id", entry.CommandID.String()),
		zap.String("name", entry.Name),
		zap.String("error_class", entry.ErrorClass),
		zap.String("error", entry.ErrorMessage),
	)
	return nil
}

func (r *PGDLQRepository) Get(ctx context.Context, q database.Querier, id uuid.UUID) (*DLQEntry, error) {
	ctx, span := r.tracer.Start(ctx, "dlq.get",
		trace.WithAttributes(attribute.String("command.id", id.String())),
	)
	defer span.End()

	query := `
		SELECT command_id, name, business_key, payload, failed_status,
		       error_class, error_message, attempts, parked_by, parked_at
		FROM dlq
		WHERE command_id = $1`

	entry := &DLQEntry{}
	err := q.QueryRow(ctx, query, id).Scan(
		&entry.CommandID, &entry.Name, &entry.BusinessKey, &entry.Payload,
		&entry.FailedStatus, &entry.ErrorClass, &entry.ErrorMessage,
		&entry.Attempts, &entry.ParkedBy, &entry.ParkedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load dlq entry %s: %w", id, err)
	}
	return entry, nil
}
