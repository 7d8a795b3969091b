package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After advances the clock by d and fires immediately.
func (c *manualClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func TestNewRejectsNonPositiveInterval(t *testing.T) {
	_, err := New(Options{}, zerolog.Nop())
	require.Error(t, err)
}

func TestRunInvokesJobOnAlignedBoundaries(t *testing.T) {
	clock := &manualClock{now: time.Date(2025, 3, 1, 10, 0, 17, 0, time.UTC)}
	s, err := New(Options{Name: "sweep", Interval: time.Minute, AlignToStart: true}, zerolog.Nop())
	require.NoError(t, err)
	s.WithClock(clock.Now, clock.After)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs []time.Time
	err = s.Run(ctx, func(_ context.Context, at time.Time) error {
		runs = append(runs, at)
		if len(runs) == 3 {
			cancel()
		}
		return errors.New("keeps going")
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, runs, 3)
	assert.Equal(t, time.Date(2025, 3, 1, 10, 1, 0, 0, time.UTC), runs[0])
	assert.Equal(t, time.Date(2025, 3, 1, 10, 2, 0, 0, time.UTC), runs[1])
	assert.Equal(t, time.Date(2025, 3, 1, 10, 3, 0, 0, time.UTC), runs[2])
}

func TestRunHonoursStartupDelayCancellation(t *testing.T) {
	s, err := New(Options{Interval: time.Second, StartupDelay: time.Hour}, zerolog.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err = s.Run(ctx, func(context.Context, time.Time) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestNextTickUnaligned(t *testing.T) {
	s, err := New(Options{Interval: 30 * time.Second}, zerolog.Nop())
	require.NoError(t, err)
	now := time.Date(2025, 3, 1, 10, 0, 17, 0, time.UTC)
	assert.Equal(t, now.Add(30*time.Second), s.nextTick(now))
	assert.Equal(t, now, s.boundary(now))
}
