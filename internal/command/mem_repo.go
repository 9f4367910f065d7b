package command

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/FreeSideNomad/messaging-platform/internal/database"
	"github.com/google/uuid"
)

// InMemoryRepository is a thread-safe in-memory command repository for
// offline testing. The Querier argument is ignored.
type InMemoryRepository struct {
	mu       sync.Mutex
	commands map[uuid.UUID]*Command
	byKey    map[string]uuid.UUID
}

// NewInMemoryRepository creates a new in-memory command repository
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		commands: make(map[uuid.UUID]*Command),
		byKey:    make(map[string]uuid.UUID),
	}
}

func (r *InMemoryRepository) Insert(ctx context.Context, _ database.Querier, cmd *Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byKey[cmd.IdempotencyKey]; ok {
		return fmt.Errorf("unique violation on idempotency key %q", cmd.IdempotencyKey)
	}
	cp := *cmd
	now := time.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	r.commands[cmd.CommandID] = &cp
	r.byKey[cmd.IdempotencyKey] = cmd.CommandID
	return nil
}

func (r *InMemoryRepository) ExistsByIdempotencyKey(ctx context.Context, _ database.Querier, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.byKey[key]
	return ok, nil
}

func (r *InMemoryRepository) Get(ctx context.Context, _ database.Querier, id uuid.UUID) (*Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cmd, ok := r.commands[id]
	if !ok {
		return nil, fmt.Errorf("failed to load command %s: no rows", id)
	}
	cp := *cmd
	return &cp, nil
}

// GetByIdempotencyKey returns the command accepted under a key, for tests
func (r *InMemoryRepository) GetByIdempotencyKey(key string) (*Command, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byKey[key]
	if !ok {
		return nil, false
	}
	cp := *r.commands[id]
	return &cp, true
}

func (r *InMemoryRepository) MarkRunning(ctx context.Context, _ database.Querier, id uuid.UUID, leaseUntil time.Time) error {
	return r.mutate(id, func(cmd *Command) {
		cmd.Status = StatusRunning
		cmd.LeaseUntil = &leaseUntil
	})
}

func (r *InMemoryRepository) MarkSucceeded(ctx context.Context, _ database.Querier, id uuid.UUID) error {
	return r.mutate(id, func(cmd *Command) {
		cmd.Status = StatusSucceeded
		cmd.LeaseUntil = nil
		cmd.LastError = nil
	})
}

func (r *InMemoryRepository) MarkFailed(ctx context.Context, _ database.Querier, id uuid.UUID, errMsg string) error {
	return r.mutate(id, func(cmd *Command) {
		cmd.Status = StatusFailed
		cmd.LeaseUntil = nil
		cmd.LastError = &errMsg
	})
}

func (r *InMemoryRepository) BumpRetry(ctx context.Context, _ database.Querier, id uuid.UUID, errMsg string) error {
	return r.mutate(id, func(cmd *Command) {
		cmd.Retries++
		cmd.LastError = &errMsg
	})
}

func (r *InMemoryRepository) RequeueExpired(ctx context.Context, _ database.Querier) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var requeued int64
	for _, cmd := range r.commands {
		if cmd.Status == StatusRunning && cmd.LeaseUntil != nil && cmd.LeaseUntil.Before(now) {
			cmd.Status = StatusPending
			cmd.LeaseUntil = nil
			requeued++
		}
	}
	return requeued, nil
}

func (r *InMemoryRepository) mutate(id uuid.UUID, fn func(*Command)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cmd, ok := r.commands[id]
	if !ok {
		return fmt.Errorf("no command row for %s", id)
	}
	fn(cmd)
	cmd.UpdatedAt = time.Now()
	return nil
}

// InMemoryDLQRepository is a thread-safe in-memory DLQ for offline testing
type InMemoryDLQRepository struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*DLQEntry
}

// NewInMemoryDLQRepository creates a new in-memory DLQ repository
func NewInMemoryDLQRepository() *InMemoryDLQRepository {
	return &InMemoryDLQRepository{entries: make(map[uuid.UUID]*DLQEntry)}
}

func (r *InMemoryDLQRepository) Park(ctx context.Context, _ database.Querier, entry *DLQEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *entry
	cp.ParkedAt = time.Now()
	r.entries[entry.CommandID] = &cp
	return nil
}

func (r *InMemoryDLQRepository) Get(ctx context.Context, _ database.Querier, id uuid.UUID) (*DLQEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("failed to load dlq entry %s: no rows", id)
	}
	cp := *entry
	return &cp, nil
}

// Len reports the number of parked commands, for tests
func (r *InMemoryDLQRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
