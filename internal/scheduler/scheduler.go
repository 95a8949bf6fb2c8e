package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every daily trigger.
type TickFunc func(ctx context.Context, firedAt time.Time) error

// Options tune scheduler behaviour. Hour and Minute are the wall-clock
// trigger time in Location; the vendor publishes next-day prices once per
// day in the late afternoon.
type Options struct {
	Hour         int
	Minute       int
	Location     *time.Location
	StartupDelay time.Duration
}

// Scheduler fires a job once per day at a fixed local time.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Hour < 0 || opts.Hour > 23 || opts.Minute < 0 || opts.Minute > 59 {
		panic("scheduler trigger time out of range")
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking the tick function at each daily trigger until ctx
// is cancelled. Tick errors are logged, never fatal: the next trigger is
// always scheduled.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	for {
		next := s.NextTrigger(time.Now().In(s.opts.Location))
		timer := time.NewTimer(time.Until(next))
		s.logger.Debug().Time("next_trigger", next).Msg("waiting for next daily trigger")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		s.logger.Info().Time("trigger", next).Msg("executing daily refresh trigger")
		if err := tick(ctx, next); err != nil {
			s.logger.Error().Err(err).Time("trigger", next).Msg("daily trigger failed")
		}
	}
}

// NextTrigger returns the first trigger time strictly after now.
func (s *Scheduler) NextTrigger(now time.Time) time.Time {
	now = now.In(s.opts.Location)
	next := time.Date(now.Year(), now.Month(), now.Day(), s.opts.Hour, s.opts.Minute, 0, 0, s.opts.Location)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
