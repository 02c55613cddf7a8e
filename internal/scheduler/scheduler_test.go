package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextSlotAligned(t *testing.T) {
	s := New(Options{Interval: 5 * time.Minute, AlignToSlot: true}, zerolog.Nop())
	now := time.Date(2026, 10, 17, 12, 3, 10, 0, time.UTC)

	assert.Equal(t, time.Date(2026, 10, 17, 12, 5, 0, 0, time.UTC), s.nextSlot(now))
	assert.Equal(t, time.Date(2026, 10, 17, 12, 10, 0, 0, time.UTC), s.nextSlot(time.Date(2026, 10, 17, 12, 5, 0, 0, time.UTC)))
	assert.Equal(t, time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC), s.slotStart(now))
}

func TestNextSlotUnaligned(t *testing.T) {
	s := New(Options{Interval: time.Minute}, zerolog.Nop())
	now := time.Date(2026, 10, 17, 12, 3, 10, 0, time.UTC)
	assert.Equal(t, now.Add(time.Minute), s.nextSlot(now))
	assert.Equal(t, now, s.slotStart(now))
}

func TestNewPanicsOnZeroInterval(t *testing.T) {
	assert.Panics(t, func() { New(Options{}, zerolog.Nop()) })
}

func TestRunExecutesUntilCancelled(t *testing.T) {
	s := New(Options{Interval: 10 * time.Millisecond, RunOnStart: true}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	err := s.Run(ctx, func(context.Context, time.Time) error {
		if calls.Add(1) == 3 {
			cancel()
		}
		return errors.New("job errors do not stop the loop")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRunHonoursStartupDelayCancel(t *testing.T) {
	s := New(Options{Interval: time.Hour, StartupDelay: time.Hour}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Run(ctx, func(context.Context, time.Time) error {
		t.Fatal("job must not run")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

type fakeLocker struct {
	acquired bool
	err      error
	unlocked atomic.Int32
}

func (f *fakeLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if f.err != nil || !f.acquired {
		return nil, false, f.err
	}
	return func() { f.unlocked.Add(1) }, true, nil
}

func TestGuardedRunsOnlyWithLock(t *testing.T) {
	var ran atomic.Int32
	job := func(context.Context, time.Time) error { ran.Add(1); return nil }

	held := &fakeLocker{acquired: true}
	require.NoError(t, Guarded(held, 7, job, zerolog.Nop())(context.Background(), time.Now()))
	assert.Equal(t, int32(1), ran.Load())
	assert.Equal(t, int32(1), held.unlocked.Load())

	busy := &fakeLocker{}
	require.NoError(t, Guarded(busy, 7, job, zerolog.Nop())(context.Background(), time.Now()))
	assert.Equal(t, int32(1), ran.Load(), "slot skipped when another replica holds the lock")

	broken := &fakeLocker{err: errors.New("db down")}
	assert.Error(t, Guarded(broken, 7, job, zerolog.Nop())(context.Background(), time.Now()))

	require.NoError(t, Guarded(nil, 7, job, zerolog.Nop())(context.Background(), time.Now()))
	assert.Equal(t, int32(2), ran.Load())
}
