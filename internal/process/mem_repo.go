package process

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/FreeSideNomad/messaging-platform/internal/database"
	"github.com/google/uuid"
)

// InMemoryRepository is a thread-safe in-memory process repository for
// offline testing. The Querier argument is ignored.
type InMemoryRepository struct {
	mu        sync.Mutex
	instances map[uuid.UUID]*Instance
	logs      map[uuid.UUID][]LogEntry
}

// NewInMemoryRepository creates a new in-memory process repository
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		instances: make(map[uuid.UUID]*Instance),
		logs:      make(map[uuid.UUID][]LogEntry),
	}
}

func (r *InMemoryRepository) Insert(ctx context.Context, _ database.Querier, inst *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.instances[inst.ProcessID]; ok {
		return fmt.Errorf("process instance %s already exists", inst.ProcessID)
	}
	cp := copyInstance(inst)
	now := time.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	r.instances[inst.ProcessID] = cp
	return nil
}

func (r *InMemoryRepository) Get(ctx context.Context, _ database.Querier, id uuid.UUID) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return nil, fmt.Errorf("process %s: %w", id, ErrInstanceNotFound)
	}
	return copyInstance(inst), nil
}

func (r *InMemoryRepository) Update(ctx context.Context, _ database.Querier, inst *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.instances[inst.ProcessID]; !ok {
		return fmt.Errorf("no process instance %s", inst.ProcessID)
	}
	cp := copyInstance(inst)
	cp.UpdatedAt = time.Now()
	cp.CreatedAt = r.instances[inst.ProcessID].CreatedAt
	r.instances[inst.ProcessID] = cp
	return nil
}

func (r *InMemoryRepository) AppendEvent(ctx context.Context, _ database.Querier, id uuid.UUID, event Event) error {
	if !event.Valid() {
		return fmt.Errorf("unknown process event type %q", event.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.logs[id]
	r.logs[id] = append(entries, LogEntry{
		ProcessID: id,
		Sequence:  len(entries) + 1,
		Timestamp: time.Now(),
		Event:     event,
	})
	return nil
}

func (r *InMemoryRepository) Events(ctx context.Context, _ database.Querier, id uuid.UUID) ([]LogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.logs[id]
	out := make([]LogEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func copyInstance(inst *Instance) *Instance {
	cp := *inst
	cp.Data = make(map[string]interface{}, len(inst.Data))
	for k, v := range inst.Data {
		cp.Data[k] = v
	}
	return &cp
}
