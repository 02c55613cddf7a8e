package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"crx-points/internal/storage"
)

// Job runs once per slot. slot is the aligned start of the interval.
type Job func(ctx context.Context, slot time.Time) error

// Options tune the pass cadence.
type Options struct {
	Interval     time.Duration
	AlignToSlot  bool
	StartupDelay time.Duration
	// RunOnStart runs the job once right after the startup delay instead
	// of waiting for the first slot.
	RunOnStart bool
}

// Scheduler fires ingestion passes on an interval.
type Scheduler struct {
	opts   Options
	now    func() time.Time
	logger zerolog.Logger
}

// New constructs a Scheduler. It panics on a non-positive interval.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// Run blocks, calling job at every slot until ctx is cancelled. Job errors
// are logged and do not stop the loop.
func (s *Scheduler) Run(ctx context.Context, job Job) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if s.opts.RunOnStart {
		s.execute(ctx, job, s.slotStart(s.now()))
	}

	next := s.nextSlot(s.now())
	for {
		delay := next.Sub(s.now())
		if delay < 0 {
			// A pass overran one or more slots; skip to the next one.
			next = s.nextSlot(s.now())
			delay = next.Sub(s.now())
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_slot", next).Msg("waiting for next slot")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		s.execute(ctx, job, s.slotStart(next))
		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) execute(ctx context.Context, job Job, slot time.Time) {
	s.logger.Debug().Time("slot", slot).Msg("scheduled pass")
	if err := job(ctx, slot); err != nil {
		s.logger.Error().Err(err).Time("slot", slot).Msg("scheduled pass failed")
	}
}

func (s *Scheduler) nextSlot(now time.Time) time.Time {
	if !s.opts.AlignToSlot {
		return now.Add(s.opts.Interval)
	}
	slot := now.Truncate(s.opts.Interval)
	if !slot.After(now) {
		slot = slot.Add(s.opts.Interval)
	}
	return slot
}

func (s *Scheduler) slotStart(t time.Time) time.Time {
	if !s.opts.AlignToSlot {
		return t
	}
	return t.Truncate(s.opts.Interval)
}

// Guarded wraps job so it only runs while holding the advisory lock. Replicas
// that lose the race skip the slot. A nil locker runs job unguarded.
func Guarded(locker storage.AdvisoryLocker, key int64, job Job, logger zerolog.Logger) Job {
	if locker == nil {
		return job
	}
	log := logger.With().Str("component", "scheduler_lock").Logger()
	return func(ctx context.Context, slot time.Time) error {
		unlock, acquired, err := locker.TryAdvisoryLock(ctx, key)
		if err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}
		if !acquired {
			log.Debug().Time("slot", slot).Msg("skip slot because advisory lock is held elsewhere")
			return nil
		}
		if unlock != nil {
			defer unlock()
		}
		return job(ctx, slot)
	}
}
