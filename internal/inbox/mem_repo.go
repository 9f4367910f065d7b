package inbox

import (
	"context"
	"sync"

	"github.com/FreeSideNomad/messaging-platform/internal/database"
)

// InMemoryRepository is a thread-safe in-memory inbox for offline testing
type InMemoryRepository struct {
	mu   sync.Mutex
	seen map[pair]struct{}
}

type pair struct {
	messageID string
	consumer  string
}

// NewInMemoryRepository creates a new in-memory inbox repository
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{seen: make(map[pair]struct{})}
}

func (r *InMemoryRepository) InsertIfAbsent(ctx context.Context, _ database.Querier, messageID, consumer string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := pair{messageID: messageID, consumer: consumer}
	if _, ok := r.seen[p]; ok {
		return 0, nil
	}
	r.seen[p] = struct{}{}
	return 1, nil
}
