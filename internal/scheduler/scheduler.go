package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Job is invoked once per interval with the boundary it was scheduled for.
type Job func(ctx context.Context, at time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Name         string
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
}

// Scheduler runs a background job on a fixed interval. A failing run is
// logged and the next one still fires.
type Scheduler struct {
	opts   Options
	now    func() time.Time
	after  func(time.Duration) <-chan time.Time
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) (*Scheduler, error) {
	if opts.Interval <= 0 {
		return nil, errors.New("scheduler interval must be positive")
	}
	if opts.Name == "" {
		opts.Name = "job"
	}
	return &Scheduler{
		opts:   opts,
		now:    time.Now,
		after:  time.After,
		logger: logger.With().Str("component", "scheduler").Str("job", opts.Name).Logger(),
	}, nil
}

// WithClock swaps the clock and timer source, mainly for tests.
func (s *Scheduler) WithClock(now func() time.Time, after func(time.Duration) <-chan time.Time) *Scheduler {
	if now != nil {
		s.now = now
	}
	if after != nil {
		s.after = after
	}
	return s
}

// Run blocks, invoking job at each interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, job Job) error {
	if s.opts.StartupDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.after(s.opts.StartupDelay):
		}
	}

	next := s.nextTick(s.now().UTC())
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		delay := next.Sub(s.now())
		if delay < 0 {
			next = s.nextTick(s.now().UTC())
			delay = next.Sub(s.now())
		}
		s.logger.Debug().Time("next_run", next).Msg("waiting for next run")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.after(delay):
		}

		s.RunOnce(ctx, job, s.boundary(next))
		next = next.Add(s.opts.Interval)
	}
}

// RunOnce executes job for at and logs its outcome.
func (s *Scheduler) RunOnce(ctx context.Context, job Job, at time.Time) {
	started := s.now()
	if err := job(ctx, at); err != nil {
		s.logger.Error().Err(err).Time("at", at).Msg("scheduled run failed")
		return
	}
	s.logger.Debug().Time("at", at).Dur("took", s.now().Sub(started)).Msg("scheduled run complete")
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) boundary(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
