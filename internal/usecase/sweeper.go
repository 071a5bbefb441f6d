package usecase

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/social-platform-verification/internal/core/domain"
	"github.com/arklim/social-platform-verification/internal/core/port"
	"github.com/arklim/social-platform-verification/internal/infra/telemetry"
	"github.com/arklim/social-platform-verification/internal/repository"
)

const (
	defaultSweepInterval = 15 * time.Second
	defaultSweepBatch    = 200
)

// SweeperConfig tunes the background sweeper.
type SweeperConfig struct {
	Interval  time.Duration
	BatchSize int
	Retention time.Duration
}

// SweepResult summarises one sweep pass.
type SweepResult struct {
	Expired int
	Failed  int
	Purged  int
}

// Sweeper settles sessions nobody is polling: it expires abandoned sessions, fails sessions
// stuck in PROCESSING and purges terminal records past retention.
type Sweeper struct {
	store   port.VerificationSessionStore
	purger  port.SessionPurger
	engine  *VerificationEngine
	metrics *telemetry.VerificationMetrics
	logger  *zap.Logger
	cfg     SweeperConfig
	now     func() time.Time
}

// NewSweeper constructs a Sweeper. purger may be nil for stores that expire records themselves.
func NewSweeper(store port.VerificationSessionStore, purger port.SessionPurger, engine *VerificationEngine, cfg SweeperConfig, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSweepInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultSweepBatch
	}
	return &Sweeper{
		store:  store,
		purger: purger,
		engine: engine,
		logger: logger,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (s *Sweeper) WithClock(clock func() time.Time) *Sweeper {
	if clock != nil {
		s.now = clock
	}
	return s
}

// WithMetrics attaches Prometheus collectors.
func (s *Sweeper) WithMetrics(metrics *telemetry.VerificationMetrics) *Sweeper {
	s.metrics = metrics
	return s
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("Starting verification sweeper", zap.Duration("interval", s.cfg.Interval))

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			result, err := s.SweepOnce(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("Sweep failed", zap.Error(err))
				continue
			}
			if result.Expired+result.Failed+result.Purged > 0 {
				s.logger.Info("Sweep finished",
					zap.Int("expired", result.Expired),
					zap.Int("failed", result.Failed),
					zap.Int("purged", result.Purged),
				)
			}
		case <-ctx.Done():
			s.logger.Info("Stopping verification sweeper")
			return
		}
	}
}

// SweepOnce runs a single pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := s.now()

	ids, err := s.store.ListDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return result, err
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		session, settled, err := s.engine.Settle(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				s.dropDangling(ctx, id)
				continue
			}
			s.logger.Warn("sweeper could not settle session", zap.String("session_id", id), zap.Error(err))
			continue
		}
		if !settled {
			continue
		}
		switch session.State {
		case domain.StateExpired:
			result.Expired++
		case domain.StateFailed:
			result.Failed++
		}
	}

	if s.purger != nil && s.cfg.Retention > 0 {
		purged, err := s.purger.PurgeTerminal(ctx, now.Add(-s.cfg.Retention), s.cfg.BatchSize)
		if err != nil {
			return result, err
		}
		result.Purged = purged
	}

	s.metrics.SweeperAction("expire", result.Expired)
	s.metrics.SweeperAction("fail", result.Failed)
	s.metrics.SweeperAction("purge", result.Purged)
	return result, nil
}

// dropDangling removes a due-set entry whose record was already reclaimed.
func (s *Sweeper) dropDangling(ctx context.Context, sessionID string) {
	err := s.store.Delete(ctx, sessionID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn("sweeper could not drop dangling due entry", zap.String("session_id", sessionID), zap.Error(err))
	}
}
