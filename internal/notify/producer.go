package notify

import (
	"context"
	"strconv"
	"time"

	"github.com/FreeSideNomad/messaging-platform/internal/database"
	"github.com/FreeSideNomad/messaging-platform/pkg/logger"
	"github.com/FreeSideNomad/messaging-platform/pkg/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Key is the Redis list carrying fast-path publish hints. The list is
// advisory: duplicates and losses are tolerated, the sweeper restores
// correctness.
const Key = "outbox:notify"

// Producer enqueues outbox row ids onto the notify list after commit
type Producer struct {
	client  redis.UniversalClient
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewProducer creates a new fast-path producer
func NewProducer(client redis.UniversalClient, log *logger.Logger, m *metrics.Metrics) *Producer {
	return &Producer{
		client:  client,
		log:     log,
		metrics: m,
	}
}

// EnqueueAfterCommit registers a post-commit hint for the given outbox id.
// With no active transaction the registration is a no-op: the row does not
// exist until a commit, so there is nothing to hint at. Enqueue failures are
// swallowed; the sweeper picks the row up.
func (p *Producer) EnqueueAfterCommit(tx database.Tx, id int64) {
	if tx == nil {
		return
	}
	tx.AfterCommit(func() {
		p.enqueue(id)
	})
}

func (p *Producer) enqueue(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := p.client.RPush(ctx, Key, strconv.FormatInt(id, 10)).Err(); err != nil {
		p.log.Warn("Failed to enqueue fast-path hint",
			zap.Int64("message_id", id),
			zap.Error(err),
		)
		return
	}
	if p.metrics != nil {
		p.metrics.NotifyEnqueued.Inc()
	}
}
