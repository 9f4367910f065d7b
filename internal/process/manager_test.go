package process

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FreeSideNomad/messaging-platform/internal/command"
	"github.com/FreeSideNomad/messaging-platform/internal/database"
	"github.com/FreeSideNomad/messaging-platform/pkg/logger"
)

// fakeBus records accept requests; repeated idempotency keys are rejected
// like the real bus.
type fakeBus struct {
	mu       sync.Mutex
	requests []command.AcceptRequest
	keys     map[string]bool
	failNext error
}

func newFakeBus() *fakeBus {
	return &fakeBus{keys: make(map[string]bool)}
}

func (b *fakeBus) Accept(ctx context.Context, req command.AcceptRequest) (command.AcceptResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failNext != nil {
		err := b.failNext
		b.failNext = nil
		return command.AcceptResult{}, err
	}
	if b.keys[req.IdempotencyKey] {
		return command.AcceptResult{}, command.ErrDuplicateIdempotencyKey
	}
	b.keys[req.IdempotencyKey] = true
	b.requests = append(b.requests, req)
	return command.AcceptResult{CommandID: uuid.New()}, nil
}

func (b *fakeBus) issued() []command.AcceptRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]command.AcceptRequest, len(b.requests))
	copy(out, b.requests)
	return out
}

func paymentConfig() Configuration {
	return Configuration{
		ProcessType: "Payment",
		Steps: StartWith("reserve", "inventory.reserve").
			WithCompensation("inventory.release").
			Then("charge", "payment.charge").
			WithCompensation("payment.refund").
			Then("ship", "shipping.dispatch").
			Then("notify", "notification.send").
			End(),
		Retryable: func(step, errMsg string) bool {
			return strings.Contains(errMsg, "timeout")
		},
		StepMaxRetries: func(step string) int { return 2 },
	}
}

type managerFixture struct {
	manager *Manager
	repo    *InMemoryRepository
	bus     *fakeBus
	slept   []time.Duration
}

func newManagerFixture(t *testing.T, cfgs ...Configuration) *managerFixture {
	t.Helper()
	registry := NewRegistry()
	require.NoError(t, registry.RegisterAll(cfgs...))

	f := &managerFixture{
		repo: NewInMemoryRepository(),
		bus:  newFakeBus(),
	}
	f.manager = NewManager(DefaultManagerConfig(), registry, database.NewStubDB(),
		f.repo, f.bus, logger.NewTestLogger(), nil)
	f.manager.sleep = func(d time.Duration) { f.slept = append(f.slept, d) }
	return f
}

func (f *managerFixture) eventTypes(t *testing.T, id uuid.UUID) []EventType {
	t.Helper()
	entries, err := f.repo.Events(context.Background(), nil, id)
	require.NoError(t, err)
	types := make([]EventType, len(entries))
	for i, e := range entries {
		require.Equal(t, i+1, e.Sequence, "log must be strictly sequence-ordered")
		types[i] = e.Event.Type
	}
	return types
}

func TestStartProcess(t *testing.T) {
	t.Run("creates the instance and issues the first step", func(t *testing.T) {
		f := newManagerFixture(t, paymentConfig())

		id, err := f.manager.StartProcess(context.Background(), "Payment", "order-1",
			map[string]interface{}{"amount": 100.0})
		require.NoError(t, err)
		require.NotEqual(t, uuid.Nil, id)

		inst, err := f.repo.Get(context.Background(), nil, id)
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, inst.Status)
		assert.Equal(t, "reserve", inst.CurrentStep)
		assert.Zero(t, inst.Retries)

		issued := f.bus.issued()
		require.Len(t, issued, 1)
		assert.Equal(t, "inventory.reserve", issued[0].Name)
		assert.Equal(t, id.String()+":reserve", issued[0].IdempotencyKey)
		assert.Equal(t, "order-1", issued[0].BusinessKey)
		assert.Equal(t, id.String(), issued[0].ReplySpec.CorrelationID)
		assert.Contains(t, issued[0].Payload, `"amount":100`)

		assert.Equal(t, []EventType{EventProcessStarted, EventStepStarted}, f.eventTypes(t, id))
	})

	t.Run("unknown process type fails", func(t *testing.T) {
		f := newManagerFixture(t, paymentConfig())

		_, err := f.manager.StartProcess(context.Background(), "Refund", "order-1", nil)
		require.ErrorIs(t, err, ErrUnknownProcessType)
	})

	t.Run("bus failure marks the instance failed and re-raises", func(t *testing.T) {
		f := newManagerFixture(t, paymentConfig())
		f.bus.failNext = assert.AnError

		_, err := f.manager.StartProcess(context.Background(), "Payment", "order-1", nil)
		require.Error(t, err)
	})

	t.Run("duplicate type registration fails", func(t *testing.T) {
		registry := NewRegistry()
		require.NoError(t, registry.Register(paymentConfig()))
		require.Error(t, registry.Register(paymentConfig()))
	})
}

// awaited returns the command id the instance is waiting on
func (f *managerFixture) awaited(t *testing.T, id uuid.UUID) uuid.UUID {
	t.Helper()
	inst, err := f.repo.Get(context.Background(), nil, id)
	require.NoError(t, err)
	require.NotNil(t, inst.CurrentCommandID)
	return *inst.CurrentCommandID
}

func completeStep(t *testing.T, f *managerFixture, id uuid.UUID, data map[string]interface{}) {
	t.Helper()
	require.NoError(t, f.manager.HandleReply(context.Background(), id, f.awaited(t, id),
		command.Reply{Status: command.ReplyCompleted, Data: data}))
}

func failStep(t *testing.T, f *managerFixture, id uuid.UUID, status command.ReplyStatus, errMsg string) {
	t.Helper()
	require.NoError(t, f.manager.HandleReply(context.Background(), id, f.awaited(t, id),
		command.Reply{Status: status, Error: errMsg}))
}

func TestHandleReply(t *testing.T) {
	t.Run("retry then succeed across four steps", func(t *testing.T) {
		f := newManagerFixture(t, paymentConfig())
		id, err := f.manager.StartProcess(context.Background(), "Payment", "order-1",
			map[string]interface{}{"amount": 100.0, "currency": "CAD"})
		require.NoError(t, err)

		// Step 1 completes, adding a reservation id
		completeStep(t, f, id, map[string]interface{}{"reservationId": "res-9"})

		// Step 2 fails with a retryable timeout
		failStep(t, f, id, command.ReplyFailed, "gateway timeout")

		inst, err := f.repo.Get(context.Background(), nil, id)
		require.NoError(t, err)
		assert.Equal(t, 1, inst.Retries)
		assert.Equal(t, "charge", inst.CurrentStep)
		require.Len(t, f.slept, 1)
		assert.Equal(t, 2*time.Second, f.slept[0])

		// Retry completes, overriding amount on collision
		completeStep(t, f, id, map[string]interface{}{"amount": 95.0, "chargeId": "ch-1"})
		completeStep(t, f, id, map[string]interface{}{"trackingId": "trk-1"})
		completeStep(t, f, id, nil)

		inst, err = f.repo.Get(context.Background(), nil, id)
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, inst.Status)
		assert.Equal(t, 1, inst.Retries)

		// Later values override on collision; untouched keys survive
		assert.Equal(t, 95.0, inst.Data["amount"])
		assert.Equal(t, "CAD", inst.Data["currency"])
		assert.Equal(t, "res-9", inst.Data["reservationId"])
		assert.Equal(t, "ch-1", inst.Data["chargeId"])
		assert.Equal(t, "trk-1", inst.Data["trackingId"])

		types := f.eventTypes(t, id)
		assert.Equal(t, EventProcessStarted, types[0])
		assert.Equal(t, EventProcessCompleted, types[len(types)-1])

		// Four distinct step commands plus one retry
		issued := f.bus.issued()
		require.Len(t, issued, 5)
		assert.Equal(t, "payment.charge", issued[2].Name)
		assert.Contains(t, issued[2].IdempotencyKey, "#retry-1")
	})

	t.Run("non-retryable failure on the first step", func(t *testing.T) {
		f := newManagerFixture(t, paymentConfig())
		id, err := f.manager.StartProcess(context.Background(), "Payment", "order-1", nil)
		require.NoError(t, err)

		failStep(t, f, id, command.ReplyFailed, "Invalid input")

		inst, err := f.repo.Get(context.Background(), nil, id)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, inst.Status)
		assert.Zero(t, inst.Retries)

		// Only the first step command was ever issued
		assert.Len(t, f.bus.issued(), 1)
		types := f.eventTypes(t, id)
		assert.Equal(t, EventProcessFailed, types[len(types)-1])
	})

	t.Run("timeout always takes the permanent branch", func(t *testing.T) {
		f := newManagerFixture(t, paymentConfig())
		id, err := f.manager.StartProcess(context.Background(), "Payment", "order-1", nil)
		require.NoError(t, err)

		failStep(t, f, id, command.ReplyTimedOut, "timeout")

		inst, err := f.repo.Get(context.Background(), nil, id)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, inst.Status)
		assert.Empty(t, f.slept)
	})

	t.Run("retries are bounded by max retries", func(t *testing.T) {
		f := newManagerFixture(t, paymentConfig())
		id, err := f.manager.StartProcess(context.Background(), "Payment", "order-1", nil)
		require.NoError(t, err)

		failStep(t, f, id, command.ReplyFailed, "timeout")
		failStep(t, f, id, command.ReplyFailed, "timeout")
		// Third failure exceeds max retries of 2
		failStep(t, f, id, command.ReplyFailed, "timeout")

		inst, err := f.repo.Get(context.Background(), nil, id)
		require.NoError(t, err)
		assert.NotEqual(t, StatusRunning, inst.Status)
		assert.Equal(t, 2, inst.Retries)
		assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, f.slept)
	})

	t.Run("unknown process id is swallowed", func(t *testing.T) {
		f := newManagerFixture(t, paymentConfig())

		err := f.manager.HandleReply(context.Background(), uuid.New(), uuid.New(),
			command.Reply{Status: command.ReplyCompleted})
		require.NoError(t, err)
	})

	t.Run("replayed reply does not re-issue the next step", func(t *testing.T) {
		f := newManagerFixture(t, paymentConfig())
		id, err := f.manager.StartProcess(context.Background(), "Payment", "order-1", nil)
		require.NoError(t, err)

		firstCommand := f.awaited(t, id)
		require.NoError(t, f.manager.HandleReply(context.Background(), id, firstCommand,
			command.Reply{Status: command.ReplyCompleted}))
		issuedBefore := len(f.bus.issued())

		// The same reply delivered again is stale and must not advance the
		// process or issue another command
		require.NoError(t, f.manager.HandleReply(context.Background(), id, firstCommand,
			command.Reply{Status: command.ReplyCompleted}))
		assert.Equal(t, issuedBefore, len(f.bus.issued()))

		inst, err := f.repo.Get(context.Background(), nil, id)
		require.NoError(t, err)
		assert.Equal(t, "charge", inst.CurrentStep)
	})
}

func TestCompensation(t *testing.T) {
	t.Run("failure after completed steps compensates in reverse order", func(t *testing.T) {
		f := newManagerFixture(t, paymentConfig())
		id, err := f.manager.StartProcess(context.Background(), "Payment", "order-1", nil)
		require.NoError(t, err)

		completeStep(t, f, id, nil) // reserve done
		completeStep(t, f, id, nil) // charge done

		// Shipping fails hard
		failStep(t, f, id, command.ReplyFailed, "no couriers")

		inst, err := f.repo.Get(context.Background(), nil, id)
		require.NoError(t, err)
		assert.Equal(t, StatusCompensating, inst.Status)
		assert.Equal(t, "charge", inst.CurrentStep)

		issued := f.bus.issued()
		last := issued[len(issued)-1]
		assert.Equal(t, "payment.refund", last.Name)
		assert.Equal(t, id.String()+":charge:compensate", last.IdempotencyKey)

		// Refund completes; release is issued next
		completeStep(t, f, id, nil)
		issued = f.bus.issued()
		last = issued[len(issued)-1]
		assert.Equal(t, "inventory.release", last.Name)

		// Release completes; process is compensated
		completeStep(t, f, id, nil)
		inst, err = f.repo.Get(context.Background(), nil, id)
		require.NoError(t, err)
		assert.Equal(t, StatusCompensated, inst.Status)

		types := f.eventTypes(t, id)
		assert.Equal(t, EventCompensationCompleted, types[len(types)-1])
	})

	t.Run("no compensatable steps means plain failure", func(t *testing.T) {
		cfg := Configuration{
			ProcessType: "Simple",
			Steps: StartWith("one", "cmd.one").
				Then("two", "cmd.two").
				End(),
		}
		f := newManagerFixture(t, cfg)
		id, err := f.manager.StartProcess(context.Background(), "Simple", "k", nil)
		require.NoError(t, err)

		completeStep(t, f, id, nil)
		failStep(t, f, id, command.ReplyFailed, "boom")

		inst, err := f.repo.Get(context.Background(), nil, id)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, inst.Status)
	})

	t.Run("failed compensation parks the instance as failed", func(t *testing.T) {
		f := newManagerFixture(t, paymentConfig())
		id, err := f.manager.StartProcess(context.Background(), "Payment", "order-1", nil)
		require.NoError(t, err)

		completeStep(t, f, id, nil)
		failStep(t, f, id, command.ReplyFailed, "card declined")

		inst, err := f.repo.Get(context.Background(), nil, id)
		require.NoError(t, err)
		require.Equal(t, StatusCompensating, inst.Status)

		failStep(t, f, id, command.ReplyFailed, "release failed")

		inst, err = f.repo.Get(context.Background(), nil, id)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, inst.Status)
	})
}

func TestMergeData(t *testing.T) {
	t.Run("reply values override on collision", func(t *testing.T) {
		merged := MergeData(
			map[string]interface{}{"a": 1, "b": 2},
			map[string]interface{}{"b": 3, "c": 4},
		)
		assert.Equal(t, map[string]interface{}{"a": 1, "b": 3, "c": 4}, merged)
	})

	t.Run("nil sides behave as empty", func(t *testing.T) {
		assert.Empty(t, MergeData(nil, nil))
		assert.Equal(t, map[string]interface{}{"a": 1}, MergeData(map[string]interface{}{"a": 1}, nil))
		assert.Equal(t, map[string]interface{}{"a": 1}, MergeData(nil, map[string]interface{}{"a": 1}))
	})
}

func TestGraphBuilder(t *testing.T) {
	g := StartWith("one", "cmd.one").
		WithCompensation("cmd.undo-one").
		Then("two", "cmd.two").
		End()

	require.Len(t, g, 2)
	assert.Equal(t, "cmd.undo-one", g[0].Compensation)
	assert.Empty(t, g[1].Compensation)
	assert.Equal(t, 1, g.IndexOf("two"))
	assert.Equal(t, -1, g.IndexOf("three"))
}
