// The offline runner exercises the whole delivery core without Postgres,
// Redis or Kafka: in-memory repositories, a stub transaction scope and a
// loopback transport that routes published commands straight back into the
// executor. Useful for demos and for watching a process graph run.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FreeSideNomad/messaging-platform/internal/command"
	"github.com/FreeSideNomad/messaging-platform/internal/database"
	"github.com/FreeSideNomad/messaging-platform/internal/inbox"
	"github.com/FreeSideNomad/messaging-platform/internal/outbox"
	"github.com/FreeSideNomad/messaging-platform/internal/process"
	"github.com/FreeSideNomad/messaging-platform/pkg/logger"
)

func main() {
	log, err := logger.New("offline-runner", "info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	if err := run(log); err != nil {
		log.Fatal("Offline run failed", zap.Error(err))
	}
}

func run(log *logger.Logger) error {
	ctx := context.Background()

	db := database.NewStubDB()
	outboxRepo := outbox.NewInMemoryRepository("offline-runner")
	inboxRepo := inbox.NewInMemoryRepository()
	commandRepo := command.NewInMemoryRepository()
	dlqRepo := command.NewInMemoryDLQRepository()
	processRepo := process.NewInMemoryRepository()

	naming := command.DefaultNaming()
	waiter := command.NewReplyWaiter()

	bus := command.NewBus(command.BusConfig{}, db, commandRepo, outboxRepo, nil,
		naming, waiter, nil, log, nil)

	handlers := command.NewRegistry()
	if err := registerDemoHandlers(handlers, log); err != nil {
		return err
	}

	executor := command.NewExecutor(command.ExecutorConfig{
		CommandLease: time.Minute,
		Instance:     "offline-runner",
	}, db, inboxRepo, commandRepo, dlqRepo, outboxRepo, handlers, naming, nil, log, nil)

	registry := process.NewRegistry()
	managerCfg := process.DefaultManagerConfig()
	manager := process.NewManager(managerCfg, registry, db, processRepo, bus, log, nil)
	replyConsumer := process.NewReplyConsumer(manager, waiter, log)

	if err := registry.Register(paymentProcess()); err != nil {
		return err
	}

	// Loopback transport: command queues feed the executor, reply queues feed
	// the reply consumer, events are logged
	loop := &loopback{
		executor: executor,
		replies:  replyConsumer,
		replyQueues: map[string]bool{
			naming.ReplyQueue:     true,
			managerCfg.ReplyQueue: true,
		},
		log: log,
	}

	relay := outbox.NewRelay(outbox.RelayConfig{BatchSize: 100, MaxBackoff: time.Minute},
		db, outboxRepo, loop, loop, log, nil)

	processID, err := manager.StartProcess(ctx, "Payment", "order-1001", map[string]interface{}{
		"amount":   125.50,
		"currency": "CAD",
	})
	if err != nil {
		return err
	}
	log.Info("Started demo process", zap.String("process_id", processID.String()))

	// Drive the outbox until the process reaches a terminal status
	for i := 0; i < 100; i++ {
		if _, err := relay.SweepOnce(ctx); err != nil {
			return err
		}
		inst, err := manager.Instance(ctx, processID)
		if err != nil {
			return err
		}
		if terminal(inst.Status) {
			log.Info("Process reached terminal status",
				zap.String("status", string(inst.Status)),
				zap.Int("retries", inst.Retries),
				zap.Any("data", inst.Data),
			)
			return printLog(ctx, manager, processID, log)
		}
		time.Sleep(10 * time.Millisecond)
	}
	return errors.New("process never reached a terminal status")
}

func terminal(s process.Status) bool {
	switch s {
	case process.StatusSucceeded, process.StatusFailed, process.StatusCompensated:
		return true
	}
	return false
}

func printLog(ctx context.Context, manager *process.Manager, processID uuid.UUID, log *logger.Logger) error {
	entries, err := manager.Events(ctx, processID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		log.Info("Process event",
			zap.Int("sequence", e.Sequence),
			zap.String("type", string(e.Event.Type)),
			zap.String("step", e.Event.Step),
			zap.String("error", e.Event.Error),
		)
	}
	return nil
}

// paymentProcess is the demo graph: reserve, charge (flaky), ship, notify
func paymentProcess() process.Configuration {
	return process.Configuration{
		ProcessType: "Payment",
		Steps: process.StartWith("reserve", "inventory.reserve").
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

func registerDemoHandlers(registry *command.Registry, log *logger.Logger) error {
	succeed := func(data map[string]interface{}) command.HandlerFunc {
		return func(ctx context.Context, msg command.Message) (command.Reply, error) {
			log.Info("Handling command", zap.String("name", msg.Name))
			return command.Reply{Status: command.ReplyCompleted, Data: data}, nil
		}
	}

	// The charge handler fails once with a retryable timeout to show the
	// retry path, then succeeds
	charged := false
	chargeHandler := command.HandlerFunc(func(ctx context.Context, msg command.Message) (command.Reply, error) {
		if !charged {
			charged = true
			return command.Reply{
				Status: command.ReplyFailed,
				Error:  "gateway timeout",
			}, nil
		}
		return command.Reply{
			Status: command.ReplyCompleted,
			Data:   map[string]interface{}{"chargeId": "ch-42"},
		}, nil
	})

	for name, h := range map[string]command.Handler{
		"inventory.reserve": succeed(map[string]interface{}{"reservationId": "res-7"}),
		"payment.charge":    chargeHandler,
		"shipping.dispatch": succeed(map[string]interface{}{"trackingId": "trk-9"}),
		"notification.send": succeed(nil),
		"inventory.release": succeed(nil),
		"payment.refund":    succeed(nil),
	} {
		if err := registry.Register(name, h); err != nil {
			return err
		}
	}
	return nil
}

// loopback routes outbox publishes back into the local consumers
type loopback struct {
	executor    *command.Executor
	replies     *process.ReplyConsumer
	replyQueues map[string]bool
	log         *logger.Logger
}

func (l *loopback) Send(ctx context.Context, queue string, key *string, msgType string, payload string, headers map[string]string) error {
	if l.replyQueues[queue] {
		return l.replies.Consume(ctx, []byte(payload))
	}

	commandID, err := uuid.Parse(headers["commandId"])
	if err != nil {
		l.log.Warn("Dropping delivery without a command id", zap.String("queue", queue))
		return nil
	}
	msg := command.Message{
		MessageID:   headers["messageId"],
		CommandID:   commandID,
		Name:        headers["name"],
		BusinessKey: headers["businessKey"],
		Payload:     payload,
		Headers:     headers,
	}
	if err := l.executor.Process(ctx, msg); err != nil {
		// Retryable handler errors come back here. Send still reports
		// success, so the relay marks the command row published and the
		// delivery is not retried
		l.log.Warn("Delivery failed", zap.String("queue", queue), zap.Error(err))
	}
	return nil
}

func (l *loopback) Publish(ctx context.Context, topic string, key *string, msgType string, payload string, headers map[string]string) error {
	l.log.Info("Event published", zap.String("topic", topic), zap.String("type", msgType))
	return nil
}
