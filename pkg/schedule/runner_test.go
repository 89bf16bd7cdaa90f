package schedule_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prepstack/entitlements/pkg/schedule"
)

func TestRunner_AddJob(t *testing.T) {
	t.Parallel()

	r := schedule.NewRunner()
	noop := func(ctx context.Context, due time.Time) error { return nil }

	require.NoError(t, r.AddJob("daily-reset", schedule.DailyAt(0, 0), noop))
	require.ErrorIs(t, r.AddJob("daily-reset", schedule.DailyAt(0, 0), noop),
		schedule.ErrJobAlreadyRegistered)

	assert.ElementsMatch(t, []string{"daily-reset"}, r.Jobs())
}

func TestRunner_RunNow(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := schedule.NewRunner(schedule.WithClock(func() time.Time { return now }))

	var gotDue time.Time
	require.NoError(t, r.AddJob("expiry-sweep", schedule.HourlyAt(0),
		func(ctx context.Context, due time.Time) error {
			gotDue = due
			return nil
		}))

	require.NoError(t, r.RunNow(context.Background(), "expiry-sweep"))
	assert.Equal(t, now, gotDue)

	require.ErrorIs(t, r.RunNow(context.Background(), "unknown"), schedule.ErrJobNotFound)
}

func TestRunner_RunNowPropagatesJobError(t *testing.T) {
	t.Parallel()

	r := schedule.NewRunner()
	jobErr := errors.New("store unavailable")
	require.NoError(t, r.AddJob("daily-reset", schedule.DailyAt(0, 0),
		func(ctx context.Context, due time.Time) error { return jobErr }))

	require.ErrorIs(t, r.RunNow(context.Background(), "daily-reset"), jobErr)
}

func TestRunner_StartRequiresJobs(t *testing.T) {
	t.Parallel()

	r := schedule.NewRunner()
	require.ErrorIs(t, r.Start(context.Background()), schedule.ErrNoJobsConfigured)
}

func TestRunner_ExecutesDueJobs(t *testing.T) {
	t.Parallel()

	var current atomic.Pointer[time.Time]
	start := time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC)
	current.Store(&start)

	r := schedule.NewRunner(
		schedule.WithCheckInterval(time.Millisecond),
		schedule.WithClock(func() time.Time { return *current.Load() }),
	)

	var runs atomic.Int32
	require.NoError(t, r.AddJob("hourly", schedule.HourlyAt(0),
		func(ctx context.Context, due time.Time) error {
			runs.Add(1)
			return nil
		}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Start(ctx)
	}()

	// Not due yet at 12:00:30; advance past 13:00.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), runs.Load())

	later := start.Add(61 * time.Minute)
	current.Store(&later)

	assert.Eventually(t, func() bool { return runs.Load() >= 1 },
		time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
