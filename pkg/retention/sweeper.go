// Package retention prunes aged turn-event logs on a cron schedule.
// Only events of idle sessions are purged; a parked or running turn
// keeps its full log so resume always has complete history.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// EventPurger deletes logged events older than the cutoff.
type EventPurger interface {
	PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config holds sweeper settings.
type Config struct {
	Schedule string        // cron expression, standard five fields
	MaxAge   time.Duration // events older than this are purged
}

// Sweeper runs the retention sweep.
type Sweeper struct {
	purger   EventPurger
	schedule cron.Schedule
	maxAge   time.Duration
	logger   zerolog.Logger
	runner   *cron.Cron
}

// New creates a sweeper, validating the cron expression up front.
func New(cfg Config, purger EventPurger, logger zerolog.Logger) (*Sweeper, error) {
	if cfg.MaxAge <= 0 {
		return nil, fmt.Errorf("max age must be positive")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", cfg.Schedule, err)
	}

	return &Sweeper{
		purger:   purger,
		schedule: schedule,
		maxAge:   cfg.MaxAge,
		logger:   logger,
	}, nil
}

// Start schedules the sweep. Idempotent until Stop.
func (s *Sweeper) Start() {
	if s.runner != nil {
		return
	}

	s.runner = cron.New()
	s.runner.Schedule(s.schedule, cron.FuncJob(func() {
		s.Sweep(context.Background())
	}))
	s.runner.Start()

	s.logger.Info().
		Dur("max_age", s.maxAge).
		Time("next_run", s.schedule.Next(time.Now())).
		Msg("Retention sweeper started")
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.runner == nil {
		return
	}
	ctx := s.runner.Stop()
	<-ctx.Done()
	s.runner = nil
}

// Sweep purges events past the retention window. Also called directly
// at startup so a long-stopped daemon catches up immediately.
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.maxAge)

	purged, err := s.purger.PurgeEventsBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("Retention sweep failed")
		return
	}

	if purged > 0 {
		s.logger.Info().
			Int64("purged", purged).
			Time("cutoff", cutoff).
			Msg("Retention sweep complete")
	}
}
