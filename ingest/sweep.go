package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule is the gap sweep cadence used when none is
// configured.
const DefaultSweepSchedule = "@every 15m"

// Sweeper re-runs gap detection across every venue on a cron schedule,
// catching holes the reconnect path never sees, such as frames the
// venue silently skipped on a healthy connection.
type Sweeper struct {
	schedule string
	cron     *cron.Cron
	fillers  []*Backfiller
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewSweeper validates the schedule and registers the sweep job.
// schedule accepts standard cron expressions and @every descriptors;
// empty means DefaultSweepSchedule.
func NewSweeper(schedule string, fillers []*Backfiller, logger *slog.Logger) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	s := &Sweeper{
		schedule: schedule,
		cron:     cron.New(),
		fillers:  fillers,
		logger:   logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins the schedule. Calling Start on a started sweeper is a
// no-op.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	s.logger.Info("gap sweeper started", "schedule", s.schedule, "venues", len(s.fillers))
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
// Returns ErrSweeperShutdownTimeout when ctx expires first.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		s.logger.Info("gap sweeper stopped")
		return nil
	case <-ctx.Done():
		return ErrSweeperShutdownTimeout
	}
}

// sweep runs one gap-fill pass across all venues.
func (s *Sweeper) sweep() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	for _, b := range s.fillers {
		if err := b.FillGaps(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("scheduled gap sweep failed", "venue", b.Venue(), "error", err)
		}
	}
}
