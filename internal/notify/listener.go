package notify

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/FreeSideNomad/messaging-platform/pkg/logger"
	"github.com/FreeSideNomad/messaging-platform/pkg/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Dispatcher claims and publishes a single outbox row. Satisfied by the
// outbox relay's PublishNow.
type Dispatcher interface {
	PublishNow(ctx context.Context, id int64) error
}

// ListenerConfig holds listener tuning
type ListenerConfig struct {
	MaxInFlight int64
	PopTimeout  time.Duration
}

// DefaultListenerConfig returns the default listener configuration
func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		MaxInFlight: 16,
		PopTimeout:  time.Second,
	}
}

// Listener is the long-lived fast-path worker. It blocks on the notify list,
// parses each hint and hands the id to the dispatcher under a bounded permit
// count. Duplicate hints and competing replicas are expected; the single-
// winner claim inside the dispatcher keeps publishes exactly-once.
type Listener struct {
	config    ListenerConfig
	client    redis.UniversalClient
	dispatch  Dispatcher
	log       *logger.Logger
	metrics   *metrics.Metrics
	permits   *semaphore.Weighted
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewListener creates a new fast-path listener
func NewListener(cfg ListenerConfig, client redis.UniversalClient, dispatch Dispatcher, log *logger.Logger, m *metrics.Metrics) *Listener {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultListenerConfig().MaxInFlight
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = DefaultListenerConfig().PopTimeout
	}
	return &Listener{
		config:   cfg,
		client:   client,
		dispatch: dispatch,
		log:      log,
		metrics:  m,
		permits:  semaphore.NewWeighted(cfg.MaxInFlight),
	}
}

// Start begins the dequeue loop
func (l *Listener) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)

	l.log.Info("Starting fast-path listener",
		zap.Int64("max_in_flight", l.config.MaxInFlight),
	)

	l.wg.Add(1)
	go l.run(ctx)
}

// Close stops the dequeue loop and drains in-flight dispatches. Safe to call
// more than once.
func (l *Listener) Close() {
	l.closeOnce.Do(func() {
		if l.cancel != nil {
			l.cancel()
		}
		l.wg.Wait()
	})
}

func (l *Listener) run(ctx context.Context) {
	defer l.wg.Done()
	// Hold every permit on the way out so in-flight dispatches drain
	defer l.permits.Acquire(context.Background(), l.config.MaxInFlight) //nolint:errcheck

	// Shutdown stops the dequeue loop but lets started dispatches finish
	dispatchCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := l.client.BLPop(ctx, l.config.PopTimeout, Key).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			l.log.Warn("Fast-path dequeue failed", zap.Error(err))
			continue
		}
		// BLPOP returns [key, value]
		if len(res) != 2 {
			continue
		}
		if l.metrics != nil {
			l.metrics.NotifyDequeued.Inc()
		}

		id, err := strconv.ParseInt(res[1], 10, 64)
		if err != nil || id <= 0 {
			l.log.Warn("Discarding unparseable fast-path hint",
				zap.String("value", res[1]),
			)
			if l.metrics != nil {
				l.metrics.NotifyDiscarded.Inc()
			}
			continue
		}

		if err := l.permits.Acquire(ctx, 1); err != nil {
			return
		}
		if l.metrics != nil {
			l.metrics.NotifyInFlight.Inc()
		}
		go func(id int64) {
			defer func() {
				if l.metrics != nil {
					l.metrics.NotifyInFlight.Dec()
				}
				l.permits.Release(1)
			}()
			if err := l.dispatch.PublishNow(dispatchCtx, id); err != nil {
				l.log.Error("Fast-path dispatch failed",
					zap.Int64("message_id", id),
					zap.Error(err),
				)
			}
		}(id)
	}
}
