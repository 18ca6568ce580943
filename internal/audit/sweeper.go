package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper deletes stored events older than the retention on a cron schedule.
type Sweeper struct {
	store     Store
	retention time.Duration
	schedule  cron.Schedule
	logger    *slog.Logger
	now       func() time.Time
}

// NewSweeper parses a five-field cron expression.
func NewSweeper(store Store, retention time.Duration, spec string, logger *slog.Logger) (*Sweeper, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parsing sweep schedule %q: %w", spec, err)
	}
	return &Sweeper{
		store:     store,
		retention: retention,
		schedule:  schedule,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Sweep deletes events older than the retention once. A zero retention keeps
// everything.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	cutoff := s.now().UTC().Add(-s.retention)
	n, err := s.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweeping audit events: %w", err)
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "audit events swept",
			slog.Int64("deleted", n),
			slog.Time("cutoff", cutoff),
		)
	}
	return n, nil
}

// Next returns the next scheduled sweep after t.
func (s *Sweeper) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Start runs Sweep at every scheduled time until ctx is done or the returned
// cancel func is called.
func (s *Sweeper) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		s.logger.InfoContext(ctx, "audit sweeper started",
			slog.Duration("retention", s.retention),
		)
		for {
			next := s.schedule.Next(s.now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				s.logger.Info("audit sweeper stopped")
				return
			case <-timer.C:
				if _, err := s.Sweep(ctx); err != nil {
					s.logger.ErrorContext(ctx, "audit sweep failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	return cancel
}
