// Package sweeper periodically removes expired pending authorizations and
// sessions.
package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/TaraftarCell/oauth2-demo/internal/metrics"
	"go.uber.org/zap"
)

const defaultInterval = 5 * time.Minute

// Target is a store that can drop its expired records.
type Target interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Config configures a Sweeper. Targets are keyed by the label used in logs
// and metrics.
type Config struct {
	Targets  map[string]Target
	Interval time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
	Metrics  *metrics.Recorder
}

// Sweeper runs DeleteExpired on every target at a fixed interval.
type Sweeper struct {
	targets  map[string]Target
	interval time.Duration
	clock    func() time.Time
	logger   *zap.Logger
	metrics  *metrics.Recorder
}

// New constructs a Sweeper.
func New(cfg Config) (*Sweeper, error) {
	if len(cfg.Targets) == 0 {
		return nil, errors.New("sweeper: at least one target is required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		targets:  cfg.Targets,
		interval: interval,
		clock:    clock,
		logger:   logger,
		metrics:  cfg.Metrics,
	}, nil
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.SweepOnce(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce deletes expired records from every target and returns the
// per-target counts. A failing target does not stop the others.
func (s *Sweeper) SweepOnce(ctx context.Context) map[string]int64 {
	now := s.clock().UTC()
	removed := make(map[string]int64, len(s.targets))
	for kind, target := range s.targets {
		count, err := target.DeleteExpired(ctx, now)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("expired record sweep failed", zap.String("kind", kind), zap.Error(err))
			}
			continue
		}
		removed[kind] = count
		s.metrics.Swept(kind, count)
		if count > 0 {
			s.logger.Debug("expired records swept", zap.String("kind", kind), zap.Int64("count", count))
		}
	}
	return removed
}
