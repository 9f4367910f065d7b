package transport

import (
	"context"
	"fmt"
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

// ProducerConfig holds Kafka producer configuration
type ProducerConfig struct {
	Brokers           []string
	RequiredAcks      sarama.RequiredAcks
	Compression       sarama.CompressionCodec
	MaxRetries        int
	RetryBackoff      time.Duration
	ConnectionTimeout time.Duration
}

// Producer is the Kafka transport behind both the MQ publisher (commands and
// replies to queues) and the event publisher (events to topics). Sends are
// synchronous and fail loudly; the outbox relay owns the retry policy.
type Producer struct {
	producer sarama.SyncProducer
	log      *logger.Logger
	tracer   trace.Tracer
}

// NewProducer creates a new Kafka producer instance
func NewProducer(cfg ProducerConfig, log *logger.Logger) (*Producer, error) {
	config := sarama.NewConfig()

	// Producer config
	config.Producer.RequiredAcks = cfg.RequiredAcks
	config.Producer.Compression = cfg.Compression
	config.Producer.Retry.Max = cfg.MaxRetries
	config.Producer.Retry.Backoff = cfg.RetryBackoff

	// General config
	config.Net.DialTimeout = cfg.ConnectionTimeout
	config.Net.ReadTimeout = cfg.ConnectionTimeout
	config.Net.WriteTimeout = cfg.ConnectionTimeout

	// Enable idempotent delivery
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	config.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return &Producer{
		producer: producer,
		log:      log,
		tracer:   otel.GetTracerProvider().Tracer("kafka-producer"),
	}, nil
}

// NewProducerWith wraps an existing sarama producer, for tests
func NewProducerWith(p sarama.SyncProducer, log *logger.Logger) *Producer {
	return &Producer{
		producer: p,
		log:      log,
		tracer:   otel.GetTracerProvider().Tracer("kafka-producer"),
	}
}

// Send delivers a command or reply message to its queue
func (p *Producer) Send(ctx context.Context, queue string, key *string, msgType string, payload string, headers map[string]string) error {
	return p.produce(ctx, "queue", queue, key, msgType, payload, headers)
}

// Publish delivers an event message to its topic
func (p *Producer) Publish(ctx context.Context, topic string, key *string, msgType string, payload string, headers map[string]string) error {
	return p.produce(ctx, "topic", topic, key, msgType, payload, headers)
}

func (p *Producer) produce(ctx context.Context, kind, destination string, key *string, msgType string, payload string, headers map[string]string) error {
	ctx, span := p.tracer.Start(ctx, "kafka.produce",
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", destination),
			attribute.String("messaging.destination_kind", kind),
			attribute.String("messaging.message_type", msgType),
			attribute.Int("messaging.message_payload_size_bytes", len(payload)),
		),
	)
	defer span.End()

	recordHeaders := make([]sarama.RecordHeader, 0, len(headers)+2)
	recordHeaders = append(recordHeaders, sarama.RecordHeader{
		Key:   []byte("type"),
		Value: []byte(msgType),
	})
	for k, v := range headers {
		recordHeaders = append(recordHeaders, sarama.RecordHeader{
			Key:   []byte(k),
			Value: []byte(v),
		})
	}

	// Carry the trace context so the consumer's span links back here
	carrier := propagation.HeaderCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for _, k := range carrier.Keys() {
		recordHeaders = append(recordHeaders, sarama.RecordHeader{
			Key:   []byte(k),
			Value: []byte(carrier.Get(k)),
		})
	}

	msg := &sarama.ProducerMessage{
		Topic:   destination,
		Value:   sarama.StringEncoder(payload),
		Headers: recordHeaders,
	}
	if key != nil {
		msg.Key = sarama.StringEncoder(*key)
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.log.Error("Failed to produce message",
			zap.String("destination", destination),
			zap.String("type", msgType),
			zap.Error(err),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to produce message: %w", err)
	}

	span.SetAttributes(
		attribute.Int64("messaging.kafka.partition", int64(partition)),
		attribute.Int64("messaging.kafka.offset", offset),
	)

	p.log.Debug("Message produced",
		zap.String("destination", destination),
		zap.String("type", msgType),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

// Close closes the Kafka producer
func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		p.log.Error("Failed to close Kafka producer", zap.Error(err))
		return fmt.Errorf("failed to close Kafka producer: %w", err)
	}
	return nil
}
