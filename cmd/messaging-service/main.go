package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/FreeSideNomad/messaging-platform/internal/command"
	"github.com/FreeSideNomad/messaging-platform/internal/database"
	"github.com/FreeSideNomad/messaging-platform/internal/database/migrations"
	"github.com/FreeSideNomad/messaging-platform/internal/database/postgres"
	"github.com/FreeSideNomad/messaging-platform/internal/inbox"
	"github.com/FreeSideNomad/messaging-platform/internal/notify"
	"github.com/FreeSideNomad/messaging-platform/internal/outbox"
	"github.com/FreeSideNomad/messaging-platform/internal/process"
	"github.com/FreeSideNomad/messaging-platform/internal/transport"
	"github.com/FreeSideNomad/messaging-platform/pkg/config"
	"github.com/FreeSideNomad/messaging-platform/pkg/logger"
	"github.com/FreeSideNomad/messaging-platform/pkg/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New("messaging-service", cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	if err := run(cfg, log); err != nil {
		log.Fatal("Service failed", zap.Error(err))
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New("messaging_platform")

	// Migrations run over database/sql with the pgx stdlib driver
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.Database.Username, cfg.Database.Password,
		cfg.Database.Host, cfg.Database.Port, cfg.Database.Database,
	)
	migrationDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	migrator, err := migrations.NewManager(migrationDB, log)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := migrator.Up(); err != nil {
		return err
	}
	migrationDB.Close()

	db, err := postgres.New(database.Options{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.Username,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		MaxConns:    int32(cfg.Database.MaxOpenConns),
		MinConns:    int32(cfg.Database.MinConns),
		MaxIdleTime: cfg.Database.ConnMaxLifetime,
		DialTimeout: cfg.Database.DialTimeout,
	}, log, m)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:           cfg.Redis.Addresses,
		Password:        cfg.Redis.Password,
		DB:              cfg.Redis.DB,
		PoolSize:        cfg.Redis.PoolSize,
		MinIdleConns:    cfg.Redis.MinIdleConns,
		ConnMaxLifetime: cfg.Redis.ConnMaxLifetime,
	})
	defer redisClient.Close()

	transportLog := log.Component("transport")
	outboxLog := log.Component("outbox")
	notifyLog := log.Component("notify")
	commandLog := log.Component("command")
	processLog := log.Component("process")

	producer, err := transport.NewProducer(transport.ProducerConfig{
		Brokers:           cfg.Kafka.Brokers,
		RequiredAcks:      sarama.WaitForAll,
		Compression:       sarama.CompressionSnappy,
		MaxRetries:        cfg.Kafka.MaxRetries,
		RetryBackoff:      cfg.Kafka.RetryBackoff,
		ConnectionTimeout: cfg.Kafka.DialTimeout,
	}, transportLog)
	if err != nil {
		return err
	}
	defer producer.Close()

	hostname, _ := os.Hostname()
	instance := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])

	outboxRepo := outbox.NewPGRepository(instance, outboxLog)
	inboxRepo := inbox.NewPGRepository(commandLog)
	commandRepo := command.NewPGRepository(commandLog)
	dlqRepo := command.NewPGDLQRepository(commandLog)
	processRepo := process.NewPGRepository(processLog)

	relay := outbox.NewRelay(outbox.RelayConfig{
		BatchSize:  cfg.Messaging.OutboxBatchSize,
		MaxBackoff: cfg.Messaging.MaxBackoff,
	}, db, outboxRepo, producer, producer, outboxLog, m)

	notifier := notify.NewProducer(redisClient, notifyLog, m)
	listener := notify.NewListener(notify.ListenerConfig{
		MaxInFlight: int64(cfg.Messaging.MaxInFlight),
	}, redisClient, relay, notifyLog, m)

	sweeper := outbox.NewSweeper(outbox.SweeperConfig{
		Interval:        cfg.Messaging.OutboxSweepInterval,
		ClaimTimeout:    cfg.Messaging.OutboxClaimTimeout,
		CleanupInterval: outbox.DefaultSweeperConfig().CleanupInterval,
		RetentionPeriod: cfg.Messaging.RetentionPeriod,
	}, db, outboxRepo, relay, commandRepo, outboxLog, m)

	naming := command.Naming{
		CommandPrefix: cfg.Messaging.QueueNaming.CommandPrefix,
		QueueSuffix:   cfg.Messaging.QueueNaming.QueueSuffix,
		ReplyQueue:    cfg.Messaging.QueueNaming.ReplyQueue,
		EventPrefix:   cfg.Messaging.TopicNaming.EventPrefix,
	}
	waiter := command.NewReplyWaiter()
	statusCache := command.NewStatusCache(redisClient, commandLog)

	bus := command.NewBus(command.BusConfig{
		SyncWait: cfg.Messaging.SyncWait,
	}, db, commandRepo, outboxRepo, notifier, naming, waiter, statusCache, commandLog, m)

	handlers := command.NewRegistry()
	registerHandlers(handlers)

	executor := command.NewExecutor(command.ExecutorConfig{
		CommandLease: cfg.Messaging.CommandLease,
		Instance:     instance,
	}, db, inboxRepo, commandRepo, dlqRepo, outboxRepo, handlers, naming, notifier, commandLog, m)

	processRegistry := process.NewRegistry()
	if err := registerProcesses(processRegistry); err != nil {
		return err
	}

	managerCfg := process.DefaultManagerConfig()
	manager := process.NewManager(managerCfg, processRegistry, db, processRepo, bus, processLog, m)
	replyConsumer := process.NewReplyConsumer(manager, waiter, processLog)

	// One consumer for the reply queues, one shared by all registered command queues
	replies, err := transport.NewConsumer(transport.ConsumerConfig{
		Brokers:       cfg.Kafka.Brokers,
		GroupID:       cfg.Kafka.GroupID + "-replies",
		Topics:        []string{managerCfg.ReplyQueue, naming.ReplyQueue},
		InitialOffset: sarama.OffsetOldest,
	}, transport.HandlerFunc(func(ctx context.Context, msg *sarama.ConsumerMessage) error {
		return replyConsumer.Consume(ctx, msg.Value)
	}), transportLog)
	if err != nil {
		return err
	}
	if err := replies.Start(); err != nil {
		return err
	}
	defer replies.Stop() //nolint:errcheck

	if topics := commandTopics(handlers, naming); len(topics) > 0 {
		commands, err := transport.NewConsumer(transport.ConsumerConfig{
			Brokers:       cfg.Kafka.Brokers,
			GroupID:       cfg.Kafka.GroupID + "-commands",
			Topics:        topics,
			InitialOffset: sarama.OffsetOldest,
		}, transport.HandlerFunc(func(ctx context.Context, msg *sarama.ConsumerMessage) error {
			return executor.Process(ctx, commandMessage(msg))
		}), transportLog)
		if err != nil {
			return err
		}
		if err := commands.Start(); err != nil {
			return err
		}
		defer commands.Stop() //nolint:errcheck
	}

	listener.Start(ctx)
	defer listener.Close()
	sweeper.Start(ctx)

	if cfg.Observability.Enabled {
		go serveMetrics(cfg, log)
	}

	log.Info("Messaging service started", zap.String("instance", instance))
	<-ctx.Done()
	log.Info("Shutting down")
	return nil
}

// registerHandlers is the hook where deployments bind their command handlers
func registerHandlers(_ *command.Registry) {}

// registerProcesses is the hook where deployments bind their process graphs
func registerProcesses(_ *process.Registry) error { return nil }

func commandTopics(registry *command.Registry, naming command.Naming) []string {
	var topics []string
	for _, name := range registry.Names() {
		topics = append(topics, naming.QueueFor(name))
	}
	return topics
}

// commandMessage rebuilds the executor's view of a delivery from the Kafka
// record headers written by the bus
func commandMessage(msg *sarama.ConsumerMessage) command.Message {
	headers := transport.HeaderMap(msg.Headers)
	commandID, _ := uuid.Parse(headers["commandId"])
	messageID := headers["messageId"]
	if messageID == "" {
		messageID = fmt.Sprintf("%s-%d-%d", msg.Topic, msg.Partition, msg.Offset)
	}
	return command.Message{
		MessageID:   messageID,
		CommandID:   commandID,
		Name:        headers["name"],
		BusinessKey: headers["businessKey"],
		Payload:     string(msg.Value),
		Headers:     headers,
	}
}

func serveMetrics(cfg *config.Config, log *logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Observability.MetricsPath, promhttp.Handler())
	addr := fmt.Sprintf(":%d", cfg.Observability.MetricsPort)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("Metrics server stopped", zap.Error(err))
	}
}
