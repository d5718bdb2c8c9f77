package inventory

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultSweepInterval = 30 * time.Second
	DefaultSweepBatch    = 100
)

// SweeperConfig shapes the reclaim loop. Zero values take the defaults.
type SweeperConfig struct {
	Interval  time.Duration
	BatchSize int
}

// Sweeper periodically releases pending reservations whose hold expired.
// Reclaim goes through the same compare-and-set release path as everything
// else, so a confirm landing between the query and the sweep simply wins.
type Sweeper struct {
	manager  *Manager
	logger   *zap.Logger
	interval time.Duration
	batch    int

	now func() time.Time
}

func NewSweeper(manager *Manager, logger *zap.Logger, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultSweepBatch
	}
	return &Sweeper{
		manager:  manager,
		logger:   logger,
		interval: cfg.Interval,
		batch:    cfg.BatchSize,
		now:      time.Now,
	}
}

// Run ticks until ctx is cancelled. A failed tick is logged and the next
// tick retries; expired reservations are never lost, only late.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("expiry sweeper started",
		zap.Duration("interval", s.interval),
		zap.Int("batchSize", s.batch))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Error("sweep failed", zap.Error(err))
			}
			if n > 0 {
				s.logger.Info("expired reservations released", zap.Int("count", n))
			}
		}
	}
}

// Sweep runs one reclaim pass and returns how many reservations it released.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	due, err := s.manager.DuePending(ctx, s.now(), s.batch)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, res := range due {
		if ctx.Err() != nil {
			return released, ctx.Err()
		}
		_, err := s.manager.Release(ctx, res.ID, ReasonExpired, "")
		switch {
		case err == nil:
			released++
		case isStateConflict(err) || errors.Is(err, ErrNotFound):
			// Confirmed under us; nothing to reclaim.
		default:
			s.logger.Error("failed to release expired reservation",
				zap.String("reservationId", res.ID),
				zap.String("resourceId", res.ResourceID),
				zap.Error(err))
		}
	}
	return released, nil
}

func isStateConflict(err error) bool {
	var conflict *StateConflictError
	return errors.As(err, &conflict)
}
