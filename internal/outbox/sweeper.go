package outbox

import (
	"context"
	"time"

	"github.com/FreeSideNomad/messaging-platform/internal/database"
	"github.com/FreeSideNomad/messaging-platform/pkg/logger"
	"github.com/FreeSideNomad/messaging-platform/pkg/metrics"
	"go.uber.org/zap"
)

// SweeperConfig holds configuration for the periodic sweeper
type SweeperConfig struct {
	Interval        time.Duration
	ClaimTimeout    time.Duration
	CleanupInterval time.Duration
	RetentionPeriod time.Duration
}

// DefaultSweeperConfig returns default sweeper configuration
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:        1 * time.Second,
		ClaimTimeout:    1 * time.Minute,
		CleanupInterval: 1 * time.Hour,
		RetentionPeriod: 7 * 24 * time.Hour,
	}
}

// LeaseRequeuer releases commands whose RUNNING lease expired. Wired in by
// the command layer so crashed executors do not strand work.
type LeaseRequeuer interface {
	RequeueExpired(ctx context.Context, q database.Querier) (int64, error)
}

// Sweeper periodically drives the relay over due rows, recovers stuck claims
// and prunes published history. It is the correctness backstop for every
// advisory fast-path hint that got lost.
type Sweeper struct {
	config  SweeperConfig
	db      database.DB
	repo    Repository
	relay   *Relay
	leases  LeaseRequeuer
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewSweeper creates a new sweeper. leases may be nil.
func NewSweeper(cfg SweeperConfig, db database.DB, repo Repository, relay *Relay, leases LeaseRequeuer, log *logger.Logger, m *metrics.Metrics) *Sweeper {
	return &Sweeper{
		config:  cfg,
		db:      db,
		repo:    repo,
		relay:   relay,
		leases:  leases,
		log:     log,
		metrics: m,
	}
}

// Start begins the sweep and cleanup loops. They stop when ctx is cancelled;
// an in-flight tick completes normally.
func (s *Sweeper) Start(ctx context.Context) {
	s.log.Info("Starting outbox sweeper",
		zap.Duration("interval", s.config.Interval),
		zap.Duration("claim_timeout", s.config.ClaimTimeout),
	)

	go s.runSweep(ctx)
	go s.runCleanup(ctx)
}

func (s *Sweeper) runSweep(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one recovery-and-sweep pass
func (s *Sweeper) Tick(ctx context.Context) {
	recovered, err := s.repo.RecoverStuck(ctx, s.db, s.config.ClaimTimeout)
	if err != nil {
		s.log.Error("Failed to recover stuck claims", zap.Error(err))
	} else if recovered > 0 && s.metrics != nil {
		s.metrics.OutboxRecovered.Add(float64(recovered))
	}

	if s.leases != nil {
		if requeued, err := s.leases.RequeueExpired(ctx, s.db); err != nil {
			s.log.Error("Failed to requeue expired command leases", zap.Error(err))
		} else if requeued > 0 {
			s.log.Info("Requeued expired command leases", zap.Int64("count", requeued))
		}
	}

	if _, err := s.relay.SweepOnce(ctx); err != nil {
		s.log.Error("Failed to sweep outbox batch", zap.Error(err))
	}
}

func (s *Sweeper) runCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := s.repo.DeletePublished(ctx, s.db, s.config.RetentionPeriod)
			if err != nil {
				s.log.Error("Failed to cleanup published rows", zap.Error(err))
				continue
			}
			if count > 0 {
				s.log.Info("Cleaned up published rows", zap.Int64("count", count))
			}
		}
	}
}
