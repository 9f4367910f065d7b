package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/FreeSideNomad/messaging-platform/internal/database"
	"github.com/FreeSideNomad/messaging-platform/pkg/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Repository handles outbox row persistence. Methods take a database.Querier
// so they compose into the caller's transactional scope.
type Repository interface {
	// Insert stores a NEW row with attempts=0 and next_at=now, returning the
	// generated id.
	Insert(ctx context.Context, q database.Querier, msg Message) (int64, error)

	// ClaimIfNew atomically claims the row when its status is NEW and next_at
	// has elapsed. Returns nil when the row is not claimable; at most one of
	// any set of concurrent callers observes a row.
	ClaimIfNew(ctx context.Context, q database.Querier, id int64) (*Row, error)

	// SweepBatch claims up to limit eligible rows in insertion order using
	// row-level locking, so parallel sweepers never double-claim.
	SweepBatch(ctx context.Context, q database.Querier, limit int) ([]*Row, error)

	// MarkPublished transitions CLAIMED -> PUBLISHED and clears last_error.
	MarkPublished(ctx context.Context, q database.Querier, id int64) error

	// MarkFailed records a failure and the absolute time at which the row
	// becomes eligible for re-sweep.
	MarkFailed(ctx context.Context, q database.Querier, id int64, errMsg string, nextAt time.Time) error

	// Reschedule resets the row to NEW with next_at pushed out by backoff.
	Reschedule(ctx context.Context, q database.Querier, id int64, backoff time.Duration, errMsg string) error

	// RecoverStuck resets rows whose claimer has held them longer than
	// maxClaimAge, returning the count recovered.
	RecoverStuck(ctx context.Context, q database.Querier, maxClaimAge time.Duration) (int64, error)

	// DeletePublished removes PUBLISHED rows older than the retention period.
	DeletePublished(ctx context.Context, q database.Querier, olderThan time.Duration) (int64, error)
}

const rowColumns = `id, category, topic, key, type, payload, headers, status,
	   attempts, next_at, claimed_by, claimed_at, created_at, published_at, last_error`

// PGRepository is the PostgreSQL Repository implementation
type PGRepository struct {
	instance string
	log      *logger.Logger
	tracer   trace.Tracer
}

// NewPGRepository creates a postgres-backed repository. The instance name is
// stamped into claimed_by on every claim.
func NewPGRepository(instance string, log *logger.Logger) *PGRepository {
	return &PGRepository{
		instance: instance,
		log:      log,
		tracer:   otel.GetTracerProvider().Tracer("outbox-repository"),
	}
}

func (r *PGRepository) Insert(ctx context.Context, q database.Querier, msg Message) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "outbox.insert",
		trace.WithAttributes(
			attribute.String("message.category", string(msg.Category)),
			attribute.String("message.type", msg.Type),
		),
	)
	defer span.End()

	headers := msg.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal headers: %w", err)
	}

	query := `
		INSERT INTO outbox (category, topic, key, type, payload, headers, status, attempts, next_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'NEW', 0, NOW())
		RETURNING id`

	var id int64
	err = q.QueryRow(ctx, query,
		msg.Category, msg.Topic, msg.Key, msg.Type, msg.Payload, headersJSON,
	).Scan(&id)
	if err != nil {
		r.log.Error("Failed to insert outbox row",
			zap.String("category", string(msg.Category)),
			zap.String("topic", msg.Topic),
			zap.Error(err),
		)
		return 0, fmt.Errorf("failed to insert outbox row: %w", err)
	}

	return id, nil
}

func (r *PGRepository) ClaimIfNew(ctx context.Context, q database.Querier, id int64) (*Row, error) {
	ctx, span := r.tracer.Start(ctx, "outbox.claim_if_new",
		trace.WithAttributes(attribute.Int64("message.id", id)),
	)
	defer span.End()

	query := `
		UPDATE outbox
		SET status = 'CLAIMED', claimed_by = $2, claimed_at = NOW()
		WHERE id = $1 AND status = 'NEW' AND next_at <= NOW()
		RETURNING ` + rowColumns

	rows, err := q.Query(ctx, query, id, r.instance)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox row: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		// Not NEW, not due, or another claimer won
		return nil, rows.Err()
	}
	row, err := scanRow(rows)
	if err != nil {
		return nil, err
	}
	return row, rows.Err()
}

func (r *PGRepository) SweepBatch(ctx context.Context, q database.Querier, limit int) ([]*Row, error) {
	ctx, span := r.tracer.Start(ctx, "outbox.sweep_batch",
		trace.WithAttributes(attribute.Int("limit", limit)),
	)
	defer span.End()

	// FAILED rows whose next_at elapsed are claimable again
	query := `
		WITH picked AS (
			SELECT id FROM outbox
			WHERE status IN ('NEW', 'FAILED') AND next_at <= NOW()
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox o
		SET status = 'CLAIMED', claimed_by = $2, claimed_at = NOW()
		FROM picked
		WHERE o.id = picked.id
		RETURNING ` + prefixColumns("o.")

	rows, err := q.Query(ctx, query, limit, r.instance)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep outbox batch: %w", err)
	}
	defer rows.Close()

	var batch []*Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		batch = append(batch, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating swept rows: %w", err)
	}

	// UPDATE ... RETURNING does not guarantee order; restore insertion order
	sort.Slice(batch, func(i, j int) bool { return batch[i].ID < batch[j].ID })

	span.SetAttributes(attribute.Int("batch.size", len(batch)))
	return batch, nil
}

func (r *PGRepository) MarkPublished(ctx context.Context, q database.Querier, id int64) error {
	ctx, span := r.tracer.Start(ctx, "outbox.mark_published",
		trace.WithAttributes(attribute.Int64("message.id", id)),
	)
	defer span.End()

	query := `
		UPDATE outbox
		SET status = 'PUBLISHED', published_at = NOW(), last_error = NULL
		WHERE id = $1 AND status = 'CLAIMED'`

	result, err := q.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark row as published: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("no claimed outbox row with id %d", id)
	}
	return nil
}

func (r *PGRepository) MarkFailed(ctx context.Context, q database.Querier, id int64, errMsg string, nextAt time.Time) error {
	ctx, span := r.tracer.Start(ctx, "outbox.mark_failed",
		trace.WithAttributes(
			attribute.Int64("message.id", id),
			attribute.String("error", errMsg),
		),
	)
	defer span.End()

	query := `
		UPDATE outbox
		SET status = 'FAILED', last_error = $2, next_at = $3, attempts = attempts + 1
		WHERE id = $1`

	result, err := q.Exec(ctx, query, id, errMsg, nextAt)
	if err != nil {
		return fmt.Errorf("failed to mark row as failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("no outbox row with id %d", id)
	}
	return nil
}

func (r *PGRepository) Reschedule(ctx context.Context, q database.Querier, id int64, backoff time.Duration, errMsg string) error {
	ctx, span := r.tracer.Start(ctx, "outbox.reschedule",
		trace.WithAttributes(
			attribute.Int64("message.id", id),
			attribute.Int64("backoff_ms", backoff.Milliseconds()),
		),
	)
	defer span.End()

	query := `
		UPDATE outbox
		SET status = 'NEW', next_at = $2, attempts = attempts + 1,
		    last_error = $3, claimed_by = NULL, claimed_at = NULL
		WHERE id = $1`

	result, err := q.Exec(ctx, query, id, time.Now().Add(backoff), errMsg)
	if err != nil {
		return fmt.Errorf("failed to reschedule row: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("no outbox row with id %d", id)
	}
	return nil
}

func (r *PGRepository) RecoverStuck(ctx context.Context, q database.Querier, maxClaimAge time.Duration) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "outbox.recover_stuck",
		trace.WithAttributes(attribute.String("max_claim_age", maxClaimAge.String())),
	)
	defer span.End()

	query := `
		UPDATE outbox
		SET status = 'NEW', claimed_by = NULL, claimed_at = NULL
		WHERE status = 'CLAIMED' AND claimed_at < $1`

	result, err := q.Exec(ctx, query, time.Now().Add(-maxClaimAge))
	if err != nil {
		return 0, fmt.Errorf("failed to recover stuck claims: %w", err)
	}

	recovered := result.RowsAffected()
	if recovered > 0 {
		r.log.Info("Recovered stuck outbox claims", zap.Int64("count", recovered))
	}
	return recovered, nil
}

func (r *PGRepository) DeletePublished(ctx context.Context, q database.Querier, olderThan time.Duration) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "outbox.delete_published",
		trace.WithAttributes(attribute.String("retention", olderThan.String())),
	)
	defer span.End()

	query := `
		DELETE FROM outbox
		WHERE status = 'PUBLISHED' AND published_at < $1`

	result, err := q.Exec(ctx, query, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to delete published rows: %w", err)
	}
	return result.RowsAffected(), nil
}

func scanRow(rows database.Rows) (*Row, error) {
	row := &Row{}
	var headersJSON []byte
	err := rows.Scan(
		&row.ID, &row.Category, &row.Topic, &row.Key, &row.Type, &row.Payload,
		&headersJSON, &row.Status, &row.Attempts, &row.NextAt, &row.ClaimedBy,
		&row.ClaimedAt, &row.CreatedAt, &row.PublishedAt, &row.LastError,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan outbox row: %w", err)
	}
	if len(headersJSON) > 0 {
		if err := json.Unmarshal(headersJSON, &row.Headers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal headers: %w", err)
		}
	}
	if row.Headers == nil {
		row.Headers = map[string]string{}
	}
	return row, nil
}

func prefixColumns(prefix string) string {
	return prefix + `id, ` + prefix + `category, ` + prefix + `topic, ` + prefix + `key, ` +
		prefix + `type, ` + prefix + `payload, ` + prefix + `headers, ` + prefix + `status, ` +
		prefix + `attempts, ` + prefix + `next_at, ` + prefix + `claimed_by, ` + prefix + `claimed_at, ` +
		prefix + `created_at, ` + prefix + `published_at, ` + prefix + `last_error`
}
