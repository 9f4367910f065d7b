package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/FreeSideNomad/messaging-platform/pkg/logger"
)

// ConsumerConfig holds Kafka consumer configuration
type ConsumerConfig struct {
	Brokers          []string
	GroupID          string
	Topics           []string
	InitialOffset    int64
	SessionTimeout   time.Duration
	RebalanceTimeout time.Duration
}

// Handler processes one delivered message. A returned error leaves the
// offset uncommitted so the message is redelivered.
type Handler interface {
	Handle(ctx context.Context, msg *sarama.ConsumerMessage) error
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(ctx context.Context, msg *sarama.ConsumerMessage) error

func (f HandlerFunc) Handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	return f(ctx, msg)
}

// Consumer is the delivery loop feeding the executor and the reply consumer
type Consumer struct {
	consumer sarama.ConsumerGroup
	handler  Handler
	log      *logger.Logger
	tracer   trace.Tracer
	topics   []string
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewConsumer creates a new Kafka consumer instance
func NewConsumer(cfg ConsumerConfig, handler Handler, log *logger.Logger) (*Consumer, error) {
	config := sarama.NewConfig()

	config.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	config.Consumer.Offsets.Initial = cfg.InitialOffset
	config.Consumer.Group.Session.Timeout = cfg.SessionTimeout
	config.Consumer.Group.Rebalance.Timeout = cfg.RebalanceTimeout

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		consumer: group,
		handler:  handler,
		log:      log,
		tracer:   otel.GetTracerProvider().Tracer("kafka-consumer"),
		topics:   cfg.Topics,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start begins consuming messages
func (c *Consumer) Start() error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			default:
				if err := c.consumer.Consume(c.ctx, c.topics, c); err != nil {
					c.log.Error("Error from consumer", zap.Error(err))
				}
			}
		}
	}()
	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()
	return c.consumer.Close()
}

// Setup is run at the beginning of a new session
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup is run at the end of a session
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim handles message consumption
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		ctx := c.extractContext(session.Context(), msg)
		ctx, span := c.tracer.Start(ctx, "kafka.consume",
			trace.WithAttributes(
				attribute.String("messaging.system", "kafka"),
				attribute.String("messaging.destination", msg.Topic),
				attribute.Int64("messaging.kafka.offset", msg.Offset),
			),
		)

		if err := c.handler.Handle(ctx, msg); err != nil {
			// Leave the offset uncommitted and end the claim, so no later
			// message commits past this one; the next session resumes from
			// the committed offset and redelivers it
			c.log.Warn("Handler failed, message will be redelivered",
				zap.String("topic", msg.Topic),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			return err
		}

		session.MarkMessage(msg, "")
		span.End()
	}
	return nil
}

// extractContext resumes the producer's trace context from the message
// headers, so the consume span links to the publishing trace
func (c *Consumer) extractContext(ctx context.Context, msg *sarama.ConsumerMessage) context.Context {
	carrier := propagation.HeaderCarrier{}
	for _, h := range msg.Headers {
		if h != nil {
			carrier[string(h.Key)] = []string{string(h.Value)}
		}
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// HeaderMap converts sarama record headers into a string map
func HeaderMap(headers []*sarama.RecordHeader) map[string]string {
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		if h != nil {
			out[string(h.Key)] = string(h.Value)
		}
	}
	return out
}
