package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/FreeSideNomad/messaging-platform/internal/database"
	"github.com/jackc/pgx/v5"
	"github.com/FreeSideNomad/messaging-platform/pkg/logger"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrInstanceNotFound is returned when loading a process id with no row
var ErrInstanceNotFound = errors.New("process instance not found")

// Repository persists process instances and their event logs
type Repository interface {
	Insert(ctx context.Context, q database.Querier, inst *Instance) error
	Get(ctx context.Context, q database.Querier, id uuid.UUID) (*Instance, error)
	Update(ctx context.Context, q database.Querier, inst *Instance) error
	// AppendEvent writes the event with the next per-process sequence number
	AppendEvent(ctx context.Context, q database.Querier, id uuid.UUID, event Event) error
	// Events returns the log in sequence order
	Events(ctx context.Context, q database.Querier, id uuid.UUID) ([]LogEntry, error)
}

// PGRepository is the PostgreSQL Repository implementation
type PGRepository struct {
	log    *logger.Logger
	tracer trace.Tracer
}

// NewPGRepository creates a postgres-backed process repository
func NewPGRepository(log *logger.Logger) *PGRepository {
	return &PGRepository{
		log:    log,
		tracer: otel.GetTracerProvider().Tracer("process-repository"),
	}
}

func (r *PGRepository) Insert(ctx context.Context, q database.Querier, inst *Instance) error {
	ctx, span := r.tracer.Start(ctx, "process.insert",
		trace.WithAttributes(
			attribute.String("process.id", inst.ProcessID.String()),
			attribute.String("process.type", inst.ProcessType),
		),
	)
	defer span.End()

	data, err := marshalData(inst.Data)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO process_instance (process_id, process_type, business_key,
			status, current_step, current_command_id, data, retries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())`

	_, err = q.Exec(ctx, query,
		inst.ProcessID, inst.ProcessType, inst.BusinessKey,
		inst.Status, inst.CurrentStep, inst.CurrentCommandID, data, inst.Retries,
	)
	if err != nil {
		return fmt.Errorf("failed to insert process instance: %w", err)
	}
	return nil
}

func (r *PGRepository) Get(ctx context.Context, q database.Querier, id uuid.UUID) (*Instance, error) {
	ctx, span := r.tracer.Start(ctx, "process.get",
		trace.WithAttributes(attribute.String("process.id", id.String())),
	)
	defer span.End()

	query := `
		SELECT process_id, process_type, business_key, status, current_step,
		       current_command_id, data, retries, created_at, updated_at
		FROM process_instance
		WHERE process_id = $1
		FOR UPDATE`

	inst := &Instance{}
	var data []byte
	err := q.QueryRow(ctx, query, id).Scan(
		&inst.ProcessID, &inst.ProcessType, &inst.BusinessKey, &inst.Status,
		&inst.CurrentStep, &inst.CurrentCommandID, &data, &inst.Retries,
		&inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("process %s: %w", id, ErrInstanceNotFound)
		}
		return nil, fmt.Errorf("failed to load process %s: %w", id, err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &inst.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal process data: %w", err)
		}
	}
	if inst.Data == nil {
		inst.Data = map[string]interface{}{}
	}
	return inst, nil
}

func (r *PGRepository) Update(ctx context.Context, q database.Querier, inst *Instance) error {
	ctx, span := r.tracer.Start(ctx, "process.update",
		trace.WithAttributes(
			attribute.String("process.id", inst.ProcessID.String()),
			attribute.String("process.status", string(inst.Status)),
		),
	)
	defer span.End()

	data, err := marshalData(inst.Data)
	if err != nil {
		return err
	}

	query := `
		UPDATE process_instance
		SET status = $2, current_step = $3, current_command_id = $4, data = $5,
		    retries = $6, updated_at = NOW()
		WHERE process_id = $1`

	result, err := q.Exec(ctx, query,
		inst.ProcessID, inst.Status, inst.CurrentStep, inst.CurrentCommandID,
		data, inst.Retries,
	)
	if err != nil {
		return fmt.Errorf("failed to update process instance: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("no process instance %s", inst.ProcessID)
	}
	return nil
}

func (r *PGRepository) AppendEvent(ctx context.Context, q database.Querier, id uuid.UUID, event Event) error {
	ctx, span := r.tracer.Start(ctx, "process.append_event",
		trace.WithAttributes(
			attribute.String("process.id", id.String()),
			attribute.String("event.type", string(event.Type)),
		),
	)
	defer span.End()

	body, err := event.Marshal()
	if err != nil {
		return err
	}

	// The instance row is locked by Get within the same transaction, so the
	// sequence read cannot race another appender for this process
	query := `
		INSERT INTO process_log (process_id, sequence, ts, event)
		SELECT $1, COALESCE(MAX(sequence), 0) + 1, NOW(), $2
		FROM process_log
		WHERE process_id = $1`

	if _, err := q.Exec(ctx, query, id, body); err != nil {
		return fmt.Errorf("failed to append process event: %w", err)
	}
	return nil
}

func (r *PGRepository) Events(ctx context.Context, q database.Querier, id uuid.UUID) ([]LogEntry, error) {
	ctx, span := r.tracer.Start(ctx, "process.events",
		trace.WithAttributes(attribute.String("process.id", id.String())),
	)
	defer span.End()

	query := `
		SELECT process_id, sequence, ts, event
		FROM process_log
		WHERE process_id = $1
		ORDER BY sequence`

	rows, err := q.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query process log: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var entry LogEntry
		var body []byte
		if err := rows.Scan(&entry.ProcessID, &entry.Sequence, &entry.Timestamp, &body); err != nil {
			return nil, fmt.Errorf("failed to scan process log entry: %w", err)
		}
		if err := json.Unmarshal(body, &entry.Event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal process event: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating process log: %w", err)
	}
	return entries, nil
}

func marshalData(data map[string]interface{}) ([]byte, error) {
	if data == nil {
		data = map[string]interface{}{}
	}
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal process data: %w", err)
	}
	return body, nil
}
