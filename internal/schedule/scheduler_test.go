package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/PytechNo/GeoCentralis-Scraper/internal/crawl"
)

type fakeStarter struct {
	mu      sync.Mutex
	calls   []int
	err     error
	started chan struct{}
}

func (f *fakeStarter) Start(_ context.Context, workers int) (crawl.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, workers)
	if f.started != nil && len(f.calls) == 1 {
		close(f.started)
	}
	if f.err != nil {
		return crawl.Job{}, f.err
	}
	return crawl.Job{ID: int64(len(f.calls)), WorkersRequested: workers}, nil
}

func (f *fakeStarter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestNewRejectsBadSpec(t *testing.T) {
	t.Parallel()
	_, err := New(Config{Cron: "every tuesday"}, &fakeStarter{}, nil)
	require.ErrorContains(t, err, "invalid cron expression")
}

func TestNext(t *testing.T) {
	t.Parallel()
	s, err := New(Config{Cron: "30 2 * * *", Location: time.UTC}, &fakeStarter{}, nil)
	require.NoError(t, err)
	require.True(t, s.Enabled())
	now := time.Date(2026, 5, 4, 3, 0, 0, 0, time.UTC)
	want := time.Date(2026, 5, 5, 2, 30, 0, 0, time.UTC)
	require.True(t, want.Equal(s.Next(now)), s.Next(now).String())

	idle, err := New(Config{}, &fakeStarter{}, nil)
	require.NoError(t, err)
	require.False(t, idle.Enabled())
	require.True(t, idle.Next(now).IsZero())
}

func TestTriggerLogsOutcomes(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zapcore.InfoLevel)
	starter := &fakeStarter{}
	s, err := New(Config{Cron: "@hourly", Workers: 7}, starter, zap.New(core))
	require.NoError(t, err)

	s.Trigger(context.Background())
	require.Equal(t, []int{7}, starter.calls)
	require.Equal(t, 1, logs.FilterMessage("scheduled job started").Len())

	starter.err = crawl.ErrAlreadyRunning
	s.Trigger(context.Background())
	skipped := logs.FilterMessage("scheduled start skipped, job already running").All()
	require.Len(t, skipped, 1)
	require.Equal(t, zapcore.InfoLevel, skipped[0].Level)

	starter.err = errors.New("store closed")
	s.Trigger(context.Background())
	require.Equal(t, 1, logs.FilterLevelExact(zapcore.ErrorLevel).Len())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Trigger(ctx)
	require.Equal(t, 3, starter.count(), "a cancelled scheduler never starts jobs")
}

func TestRunFiresOnSchedule(t *testing.T) {
	t.Parallel()
	starter := &fakeStarter{started: make(chan struct{})}
	s, err := New(Config{Cron: "@every 1s", Workers: 2}, starter, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-starter.started:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled start never fired")
	}
	cancel()
	require.NoError(t, <-done)
}

func TestRunIdleReturnsOnCancel(t *testing.T) {
	t.Parallel()
	s, err := New(Config{}, &fakeStarter{}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Run(ctx))
}
