package inbox

import (
	"context"
	"fmt"
	"time"

	"github.com/FreeSideNomad/messaging-platform/internal/database"
	"github.com/FreeSideNomad/messaging-platform/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Repository records accepted (message_id, consumer) pairs. A pair exists iff
// the consumer has accepted that message.
type Repository interface {
	// InsertIfAbsent returns 1 when this call inserted the pair and 0 when it
	// already existed. Concurrent inserts of the identical pair observe
	// exactly one insertion between them.
	InsertIfAbsent(ctx context.Context, q database.Querier, messageID, consumer string) (int64, error)
}

// The on-conflict form binds exactly its three placeholders.
const insertOnConflict = `
	INSERT INTO inbox (message_id, consumer, received_at)
	VALUES ($1, $2, $3)
	ON CONFLICT DO NOTHING`

// The portable form re-binds the pair in its NOT EXISTS guard, five
// placeholders in total.
const insertWhereNotExists = `
	INSERT INTO inbox (message_id, consumer, received_at)
	SELECT $1, $2, $3
	WHERE NOT EXISTS (
		SELECT 1 FROM inbox WHERE message_id = $4 AND consumer = $5
	)`

// PGRepository is the PostgreSQL Repository implementation
type PGRepository struct {
	portable bool
	log      *logger.Logger
	tracer   trace.Tracer
}

// NewPGRepository creates a postgres-backed inbox repository using the
// ON CONFLICT DO NOTHING form.
func NewPGRepository(log *logger.Logger) *PGRepository {
	return &PGRepository{
		log:    log,
		tracer: otel.GetTracerProvider().Tracer("inbox-repository"),
	}
}

// NewPortableRepository creates an inbox repository using the
// INSERT ... WHERE NOT EXISTS form, for dialects without ON CONFLICT.
func NewPortableRepository(log *logger.Logger) *PGRepository {
	return &PGRepository{
		portable: true,
		log:      log,
		tracer:   otel.GetTracerProvider().Tracer("inbox-repository"),
	}
}

func (r *PGRepository) InsertIfAbsent(ctx context.Context, q database.Querier, messageID, consumer string) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "inbox.insert_if_absent",
		trace.WithAttributes(
			attribute.String("message.id", messageID),
			attribute.String("message.consumer", consumer),
		),
	)
	defer span.End()

	now := time.Now()
	var (
		result database.CommandTag
		err    error
	)
	if r.portable {
		result, err = q.Exec(ctx, insertWhereNotExists, messageID, consumer, now, messageID, consumer)
	} else {
		result, err = q.Exec(ctx, insertOnConflict, messageID, consumer, now)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to insert inbox row: %w", err)
	}

	inserted := result.RowsAffected()
	span.SetAttributes(attribute.Bool("inbox.duplicate", inserted == 0))
	return inserted, nil
}
