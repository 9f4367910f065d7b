package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/FreeSideNomad/messaging-platform/internal/database"
	"github.com/FreeSideNomad/messaging-platform/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	Destination string
	Type        string
	Payload     string
	Headers     map[string]string
}

// fakePublisher records sends and can be programmed to fail
type fakePublisher struct {
	mu       sync.Mutex
	sent     []sentMessage
	failures int
}

func (p *fakePublisher) Send(ctx context.Context, queue string, key *string, msgType string, payload string, headers map[string]string) error {
	return p.record(queue, msgType, payload, headers)
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, key *string, msgType string, payload string, headers map[string]string) error {
	return p.record(topic, msgType, payload, headers)
}

func (p *fakePublisher) record(destination, msgType, payload string, headers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, sentMessage{Destination: destination, Type: msgType, Payload: payload, Headers: headers})
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func newTestRelay(t *testing.T) (*Relay, *InMemoryRepository, *fakePublisher, *fakePublisher) {
	t.Helper()
	repo := NewInMemoryRepository("relay-test")
	mq := &fakePublisher{}
	events := &fakePublisher{}
	relay := NewRelay(RelayConfig{BatchSize: 100, MaxBackoff: 5 * time.Minute},
		database.NewStubDB(), repo, mq, events, logger.NewTestLogger(), nil)
	return relay, repo, mq, events
}

func insertRow(t *testing.T, repo *InMemoryRepository, category Category, topic string) int64 {
	t.Helper()
	id, err := repo.Insert(context.Background(), nil, Message{
		Category: category,
		Topic:    topic,
		Type:     "CommandRequested",
		Payload:  `{"k":"v"}`,
	})
	require.NoError(t, err)
	return id
}

func TestRelayPublishNow(t *testing.T) {
	t.Run("publishes a claimed command row", func(t *testing.T) {
		relay, repo, mq, events := newTestRelay(t)
		id := insertRow(t, repo, CategoryCommand, "cmd.pay.q")

		require.NoError(t, relay.PublishNow(context.Background(), id))

		require.Equal(t, 1, mq.count())
		assert.Equal(t, "cmd.pay.q", mq.sent[0].Destination)
		assert.Equal(t, 0, events.count())

		row, ok := repo.Get(id)
		require.True(t, ok)
		assert.Equal(t, StatusPublished, row.Status)
		assert.NotNil(t, row.PublishedAt)
	})

	t.Run("routes events to the event publisher", func(t *testing.T) {
		relay, repo, mq, events := newTestRelay(t)
		id := insertRow(t, repo, CategoryEvent, "events.pay")

		require.NoError(t, relay.PublishNow(context.Background(), id))

		assert.Equal(t, 0, mq.count())
		assert.Equal(t, 1, events.count())
	})

	t.Run("skips rows another claimer owns", func(t *testing.T) {
		relay, repo, mq, _ := newTestRelay(t)
		id := insertRow(t, repo, CategoryCommand, "cmd.pay.q")

		_, err := repo.ClaimIfNew(context.Background(), nil, id)
		require.NoError(t, err)

		require.NoError(t, relay.PublishNow(context.Background(), id))
		assert.Equal(t, 0, mq.count())
	})

	t.Run("concurrent dispatches publish exactly once", func(t *testing.T) {
		relay, repo, mq, _ := newTestRelay(t)
		id := insertRow(t, repo, CategoryCommand, "cmd.pay.q")

		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = relay.PublishNow(context.Background(), id)
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, mq.count())
	})

	t.Run("marks failed with backoff on publish failure", func(t *testing.T) {
		relay, repo, mq, _ := newTestRelay(t)
		mq.failures = 1
		id := insertRow(t, repo, CategoryCommand, "cmd.pay.q")

		before := time.Now()
		require.NoError(t, relay.PublishNow(context.Background(), id))

		row, ok := repo.Get(id)
		require.True(t, ok)
		assert.Equal(t, StatusFailed, row.Status)
		assert.Equal(t, 1, row.Attempts)
		require.NotNil(t, row.LastError)
		assert.Contains(t, *row.LastError, "broker unavailable")
		// attempts was 0 on the claimed row: next_at = now + 2s
		assert.WithinDuration(t, before.Add(2*time.Second), row.NextAt, time.Second)
	})

	t.Run("unknown category takes the failure path", func(t *testing.T) {
		relay, repo, mq, events := newTestRelay(t)
		id, err := repo.Insert(context.Background(), nil, Message{
			Category: Category("COMMAND"),
			Topic:    "cmd.pay.q",
			Type:     "CommandRequested",
		})
		require.NoError(t, err)

		require.NoError(t, relay.PublishNow(context.Background(), id))

		assert.Equal(t, 0, mq.count())
		assert.Equal(t, 0, events.count())
		row, ok := repo.Get(id)
		require.True(t, ok)
		assert.Equal(t, StatusFailed, row.Status)
		require.NotNil(t, row.LastError)
		assert.Contains(t, *row.LastError, "Unknown category: COMMAND")
	})
}

func TestRelaySweepOnce(t *testing.T) {
	t.Run("publishes every due row", func(t *testing.T) {
		relay, repo, mq, events := newTestRelay(t)
		for i := 0; i < 40; i++ {
			insertRow(t, repo, CategoryCommand, "cmd.pay.q")
		}
		for i := 0; i < 10; i++ {
			insertRow(t, repo, CategoryEvent, "events.pay")
		}

		published, err := relay.SweepOnce(context.Background())
		require.NoError(t, err)

		assert.Equal(t, 50, published)
		assert.Equal(t, 40, mq.count())
		assert.Equal(t, 10, events.count())
	})

	t.Run("returns zero on an empty table", func(t *testing.T) {
		relay, _, _, _ := newTestRelay(t)

		published, err := relay.SweepOnce(context.Background())
		require.NoError(t, err)
		assert.Zero(t, published)
	})

	t.Run("a failing row never aborts its siblings", func(t *testing.T) {
		relay, repo, mq, _ := newTestRelay(t)
		mq.failures = 1
		first := insertRow(t, repo, CategoryCommand, "cmd.pay.q")
		second := insertRow(t, repo, CategoryCommand, "cmd.pay.q")

		published, err := relay.SweepOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, published)

		failed, ok := repo.Get(first)
		require.True(t, ok)
		assert.Equal(t, StatusNew, failed.Status)
		assert.Equal(t, 1, failed.Attempts)

		done, ok := repo.Get(second)
		require.True(t, ok)
		assert.Equal(t, StatusPublished, done.Status)
	})

	t.Run("rescheduled rows are swept again after their deadline", func(t *testing.T) {
		relay, repo, mq, _ := newTestRelay(t)
		mq.failures = 3
		id := insertRow(t, repo, CategoryCommand, "cmd.pay.q")

		// Three failing sweeps, then success; force eligibility in between
		for i := 0; i < 4; i++ {
			repo.SetNextAt(id, time.Now().Add(-time.Second))
			_, err := relay.SweepOnce(context.Background())
			require.NoError(t, err)
		}

		row, ok := repo.Get(id)
		require.True(t, ok)
		assert.Equal(t, StatusPublished, row.Status)
		assert.GreaterOrEqual(t, row.Attempts, 3)
		assert.Equal(t, 1, mq.count())
	})

	t.Run("respects the batch size", func(t *testing.T) {
		repo := NewInMemoryRepository("relay-test")
		mq := &fakePublisher{}
		relay := NewRelay(RelayConfig{BatchSize: 3, MaxBackoff: time.Minute},
			database.NewStubDB(), repo, mq, &fakePublisher{}, logger.NewTestLogger(), nil)
		for i := 0; i < 10; i++ {
			insertRow(t, repo, CategoryCommand, "cmd.pay.q")
		}

		published, err := relay.SweepOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 3, published)
	})
}

func TestRecoverStuck(t *testing.T) {
	t.Run("stuck claim is recovered and swept", func(t *testing.T) {
		relay, repo, mq, _ := newTestRelay(t)
		id := insertRow(t, repo, CategoryCommand, "cmd.pay.q")

		_, err := repo.ClaimIfNew(context.Background(), nil, id)
		require.NoError(t, err)
		repo.SetClaimedAt(id, time.Now().Add(-2*time.Minute))

		recovered, err := repo.RecoverStuck(context.Background(), nil, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), recovered)

		published, err := relay.SweepOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, published)
		assert.Equal(t, 1, mq.count())
	})

	t.Run("fresh claims are left alone", func(t *testing.T) {
		_, repo, _, _ := newTestRelay(t)
		id := insertRow(t, repo, CategoryCommand, "cmd.pay.q")
		_, err := repo.ClaimIfNew(context.Background(), nil, id)
		require.NoError(t, err)

		recovered, err := repo.RecoverStuck(context.Background(), nil, time.Minute)
		require.NoError(t, err)
		assert.Zero(t, recovered)
	})
}

func TestSweeperTick(t *testing.T) {
	relay, repo, mq, _ := newTestRelay(t)
	requeuer := &fakeRequeuer{}
	sweeper := NewSweeper(SweeperConfig{
		Interval:        time.Second,
		ClaimTimeout:    time.Minute,
		CleanupInterval: time.Hour,
		RetentionPeriod: time.Hour,
	}, database.NewStubDB(), repo, relay, requeuer, logger.NewTestLogger(), nil)

	id := insertRow(t, repo, CategoryCommand, "cmd.pay.q")
	_, err := repo.ClaimIfNew(context.Background(), nil, id)
	require.NoError(t, err)
	repo.SetClaimedAt(id, time.Now().Add(-2*time.Minute))

	sweeper.Tick(context.Background())

	assert.Equal(t, 1, mq.count())
	assert.Equal(t, 1, requeuer.calls)
	row, ok := repo.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusPublished, row.Status)
}

type fakeRequeuer struct {
	calls int
}

func (f *fakeRequeuer) RequeueExpired(ctx context.Context, q database.Querier) (int64, error) {
	f.calls++
	return 0, nil
}

func TestInMemoryRepository(t *testing.T) {
	t.Run("insert assigns monotonic ids", func(t *testing.T) {
		repo := NewInMemoryRepository("test")
		var last int64
		for i := 0; i < 5; i++ {
			id := insertRow(t, repo, CategoryCommand, fmt.Sprintf("cmd.%d.q", i))
			assert.Greater(t, id, last)
			last = id
		}
	})

	t.Run("claim is single-winner", func(t *testing.T) {
		repo := NewInMemoryRepository("test")
		id := insertRow(t, repo, CategoryCommand, "cmd.pay.q")

		first, err := repo.ClaimIfNew(context.Background(), nil, id)
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.Equal(t, StatusClaimed, first.Status)

		second, err := repo.ClaimIfNew(context.Background(), nil, id)
		require.NoError(t, err)
		assert.Nil(t, second)
	})

	t.Run("sweep claims in insertion order", func(t *testing.T) {
		repo := NewInMemoryRepository("test")
		var ids []int64
		for i := 0; i < 5; i++ {
			ids = append(ids, insertRow(t, repo, CategoryCommand, "cmd.pay.q"))
		}

		batch, err := repo.SweepBatch(context.Background(), nil, 10)
		require.NoError(t, err)
		require.Len(t, batch, 5)
		for i, row := range batch {
			assert.Equal(t, ids[i], row.ID)
		}
	})

	t.Run("delete published honors retention", func(t *testing.T) {
		repo := NewInMemoryRepository("test")
		id := insertRow(t, repo, CategoryCommand, "cmd.pay.q")
		_, err := repo.ClaimIfNew(context.Background(), nil, id)
		require.NoError(t, err)
		require.NoError(t, repo.MarkPublished(context.Background(), nil, id))

		removed, err := repo.DeletePublished(context.Background(), nil, time.Hour)
		require.NoError(t, err)
		assert.Zero(t, removed)

		removed, err = repo.DeletePublished(context.Background(), nil, -time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)
	})
}
