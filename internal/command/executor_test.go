package command

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FreeSideNomad/messaging-platform/internal/database"
	"github.com/FreeSideNomad/messaging-platform/internal/inbox"
	"github.com/FreeSideNomad/messaging-platform/internal/outbox"
	"github.com/FreeSideNomad/messaging-platform/pkg/logger"
)

type executorFixture struct {
	executor *Executor
	commands *InMemoryRepository
	dlq      *InMemoryDLQRepository
	outbox   *outbox.InMemoryRepository
	registry *Registry
}

func newExecutorFixture(t *testing.T) *executorFixture {
	t.Helper()
	f := &executorFixture{
		commands: NewInMemoryRepository(),
		dlq:      NewInMemoryDLQRepository(),
		outbox:   outbox.NewInMemoryRepository("executor-test"),
		registry: NewRegistry(),
	}
	f.executor = NewExecutor(ExecutorConfig{
		CommandLease: 5 * time.Minute,
		Instance:     "executor-test",
	}, database.NewStubDB(), inbox.NewInMemoryRepository(), f.commands, f.dlq,
		f.outbox, f.registry, DefaultNaming(), nil, logger.NewTestLogger(), nil)
	return f
}

func (f *executorFixture) acceptCommand(t *testing.T, name string) *Command {
	t.Helper()
	cmd := &Command{
		CommandID:      uuid.New(),
		Name:           name,
		IdempotencyKey: uuid.New().String(),
		BusinessKey:    "biz-1",
		Payload:        `{"amount":100}`,
		ReplySpec:      ReplySpec{ReplyQueue: "cmd.replies.q", CorrelationID: uuid.New().String()},
		Status:         StatusPending,
	}
	require.NoError(t, f.commands.Insert(context.Background(), nil, cmd))
	return cmd
}

func deliveryFor(cmd *Command) Message {
	return Message{
		MessageID:   uuid.New().String(),
		CommandID:   cmd.CommandID,
		Name:        cmd.Name,
		BusinessKey: cmd.BusinessKey,
		Payload:     cmd.Payload,
	}
}

// outboxRows collects all rows currently in the in-memory outbox
func (f *executorFixture) outboxRows() []*outbox.Row {
	var rows []*outbox.Row
	for id := int64(1); ; id++ {
		row, ok := f.outbox.Get(id)
		if !ok {
			return rows
		}
		rows = append(rows, row)
	}
}

func TestExecutorProcess(t *testing.T) {
	t.Run("success writes reply and event rows with matching type", func(t *testing.T) {
		f := newExecutorFixture(t)
		require.NoError(t, f.registry.Register("payment.charge", HandlerFunc(
			func(ctx context.Context, msg Message) (Reply, error) {
				return Reply{Status: ReplyCompleted, Data: map[string]interface{}{"receipt": "r-1"}}, nil
			})))
		cmd := f.acceptCommand(t, "payment.charge")

		require.NoError(t, f.executor.Process(context.Background(), deliveryFor(cmd)))

		got, err := f.commands.Get(context.Background(), nil, cmd.CommandID)
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, got.Status)

		rows := f.outboxRows()
		require.Len(t, rows, 2)
		assert.Equal(t, outbox.CategoryReply, rows[0].Category)
		assert.Equal(t, "cmd.replies.q", rows[0].Topic)
		assert.Equal(t, TypeCommandCompleted, rows[0].Type)
		assert.Equal(t, outbox.CategoryEvent, rows[1].Category)
		assert.Equal(t, "events.payment.charge", rows[1].Topic)
		assert.Equal(t, TypeCommandCompleted, rows[1].Type)
		assert.Contains(t, rows[0].Payload, cmd.CommandID.String())
		assert.Contains(t, rows[0].Payload, `"receipt":"r-1"`)
		assert.Zero(t, f.dlq.Len())
	})

	t.Run("duplicate delivery is dropped without side effects", func(t *testing.T) {
		f := newExecutorFixture(t)
		calls := 0
		require.NoError(t, f.registry.Register("payment.charge", HandlerFunc(
			func(ctx context.Context, msg Message) (Reply, error) {
				calls++
				return Reply{Status: ReplyCompleted}, nil
			})))
		cmd := f.acceptCommand(t, "payment.charge")
		delivery := deliveryFor(cmd)

		require.NoError(t, f.executor.Process(context.Background(), delivery))
		require.NoError(t, f.executor.Process(context.Background(), delivery))

		assert.Equal(t, 1, calls)
		assert.Len(t, f.outboxRows(), 2)
	})

	t.Run("permanent failure parks and replies CommandFailed", func(t *testing.T) {
		f := newExecutorFixture(t)
		require.NoError(t, f.registry.Register("payment.charge", HandlerFunc(
			func(ctx context.Context, msg Message) (Reply, error) {
				return Reply{}, Permanent(errors.New("invalid account"))
			})))
		cmd := f.acceptCommand(t, "payment.charge")

		// Not re-raised
		require.NoError(t, f.executor.Process(context.Background(), deliveryFor(cmd)))

		got, err := f.commands.Get(context.Background(), nil, cmd.CommandID)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, got.Status)

		entry, err := f.dlq.Get(context.Background(), nil, cmd.CommandID)
		require.NoError(t, err)
		assert.Equal(t, "PermanentError", entry.ErrorClass)
		assert.Contains(t, entry.ErrorMessage, "invalid account")
		assert.Equal(t, "executor-test", entry.ParkedBy)

		rows := f.outboxRows()
		require.Len(t, rows, 2)
		assert.Equal(t, TypeCommandFailed, rows[0].Type)
		assert.Equal(t, TypeCommandFailed, rows[1].Type)
	})

	t.Run("retryable failure bumps retries and re-raises", func(t *testing.T) {
		f := newExecutorFixture(t)
		require.NoError(t, f.registry.Register("payment.charge", HandlerFunc(
			func(ctx context.Context, msg Message) (Reply, error) {
				return Reply{}, Retryable(errors.New("inventory lock"))
			})))
		cmd := f.acceptCommand(t, "payment.charge")

		err := f.executor.Process(context.Background(), deliveryFor(cmd))
		require.Error(t, err)
		assert.True(t, IsRetryable(err))

		got, gerr := f.commands.Get(context.Background(), nil, cmd.CommandID)
		require.NoError(t, gerr)
		assert.Equal(t, 1, got.Retries)
		assert.Empty(t, f.outboxRows())
		assert.Zero(t, f.dlq.Len())
	})

	t.Run("transient failure re-raises as well", func(t *testing.T) {
		f := newExecutorFixture(t)
		require.NoError(t, f.registry.Register("payment.charge", HandlerFunc(
			func(ctx context.Context, msg Message) (Reply, error) {
				return Reply{}, Transient(errors.New("db timeout"))
			})))
		cmd := f.acceptCommand(t, "payment.charge")

		err := f.executor.Process(context.Background(), deliveryFor(cmd))
		require.Error(t, err)
		assert.Empty(t, f.outboxRows())
	})

	t.Run("missing handler is a permanent failure", func(t *testing.T) {
		f := newExecutorFixture(t)
		cmd := f.acceptCommand(t, "payment.unknown")

		require.NoError(t, f.executor.Process(context.Background(), deliveryFor(cmd)))

		entry, err := f.dlq.Get(context.Background(), nil, cmd.CommandID)
		require.NoError(t, err)
		assert.Contains(t, entry.ErrorMessage, "no handler registered")
	})
}

func TestRegistry(t *testing.T) {
	t.Run("duplicate registration fails", func(t *testing.T) {
		r := NewRegistry()
		h := HandlerFunc(func(ctx context.Context, msg Message) (Reply, error) {
			return Reply{}, nil
		})

		require.NoError(t, r.Register("payment.charge", h))
		require.Error(t, r.Register("payment.charge", h))
	})

	t.Run("lookup misses unregistered names", func(t *testing.T) {
		r := NewRegistry()
		_, ok := r.Lookup("nope")
		assert.False(t, ok)
	})
}
