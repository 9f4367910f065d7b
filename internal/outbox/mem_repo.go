package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/FreeSideNomad/messaging-platform/internal/database"
)

// InMemoryRepository is a thread-safe in-memory implementation of the outbox
// repository. Useful for offline testing and demos; the Querier argument is
// ignored.
type InMemoryRepository struct {
	mu       sync.Mutex
	nextID   int64
	instance string
	rows     map[int64]*Row
}

// NewInMemoryRepository creates a new in-memory outbox repository
func NewInMemoryRepository(instance string) *InMemoryRepository {
	return &InMemoryRepository{
		instance: instance,
		rows:     make(map[int64]*Row),
	}
}

func (r *InMemoryRepository) Insert(ctx context.Context, _ database.Querier, msg Message) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	headers := msg.Headers
	if headers == nil {
		headers = map[string]string{}
	}

	r.nextID++
	now := time.Now()
	r.rows[r.nextID] = &Row{
		ID:        r.nextID,
		Category:  msg.Category,
		Topic:     msg.Topic,
		Key:       msg.Key,
		Type:      msg.Type,
		Payload:   msg.Payload,
		Headers:   headers,
		Status:    StatusNew,
		Attempts:  0,
		NextAt:    now,
		CreatedAt: now,
	}
	return r.nextID, nil
}

func (r *InMemoryRepository) ClaimIfNew(ctx context.Context, _ database.Querier, id int64) (*Row, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[id]
	if !ok || row.Status != StatusNew || row.NextAt.After(time.Now()) {
		return nil, nil
	}
	now := time.Now()
	row.Status = StatusClaimed
	row.ClaimedBy = &r.instance
	row.ClaimedAt = &now
	cp := *row
	return &cp, nil
}

func (r *InMemoryRepository) SweepBatch(ctx context.Context, _ database.Querier, limit int) ([]*Row, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var ids []int64
	for id, row := range r.rows {
		if (row.Status == StatusNew || row.Status == StatusFailed) && !row.NextAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}

	var batch []*Row
	for _, id := range ids {
		row := r.rows[id]
		row.Status = StatusClaimed
		row.ClaimedBy = &r.instance
		claimedAt := now
		row.ClaimedAt = &claimedAt
		cp := *row
		batch = append(batch, &cp)
	}
	return batch, nil
}

func (r *InMemoryRepository) MarkPublished(ctx context.Context, _ database.Querier, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if row, ok := r.rows[id]; ok && row.Status == StatusClaimed {
		now := time.Now()
		row.Status = StatusPublished
		row.PublishedAt = &now
		row.LastError = nil
	}
	return nil
}

func (r *InMemoryRepository) MarkFailed(ctx context.Context, _ database.Querier, id int64, errMsg string, nextAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if row, ok := r.rows[id]; ok {
		row.Status = StatusFailed
		row.LastError = &errMsg
		row.NextAt = nextAt
		row.Attempts++
	}
	return nil
}

func (r *InMemoryRepository) Reschedule(ctx context.Context, _ database.Querier, id int64, backoff time.Duration, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if row, ok := r.rows[id]; ok {
		row.Status = StatusNew
		row.NextAt = time.Now().Add(backoff)
		row.Attempts++
		row.LastError = &errMsg
		row.ClaimedBy = nil
		row.ClaimedAt = nil
	}
	return nil
}

func (r *InMemoryRepository) RecoverStuck(ctx context.Context, _ database.Querier, maxClaimAge time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-maxClaimAge)
	var recovered int64
	for _, row := range r.rows {
		if row.Status == StatusClaimed && row.ClaimedAt != nil && row.ClaimedAt.Before(cutoff) {
			row.Status = StatusNew
			row.ClaimedBy = nil
			row.ClaimedAt = nil
			recovered++
		}
	}
	return recovered, nil
}

func (r *InMemoryRepository) DeletePublished(ctx context.Context, _ database.Querier, olderThan time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var removed int64
	for id, row := range r.rows {
		if row.Status == StatusPublished && row.PublishedAt != nil && row.PublishedAt.Before(cutoff) {
			delete(r.rows, id)
			removed++
		}
	}
	return removed, nil
}

// Get returns a copy of the row, for assertions in tests
func (r *InMemoryRepository) Get(id int64) (*Row, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[id]
	if !ok {
		return nil, false
	}
	cp := *row
	return &cp, true
}

// SetClaimedAt backdates a claim, for stuck-recovery tests
func (r *InMemoryRepository) SetClaimedAt(id int64, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if row, ok := r.rows[id]; ok {
		row.ClaimedAt = &at
	}
}

// SetNextAt overrides a row's eligibility time, for sweep tests
func (r *InMemoryRepository) SetNextAt(id int64, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if row, ok := r.rows[id]; ok {
		row.NextAt = at
	}
}
