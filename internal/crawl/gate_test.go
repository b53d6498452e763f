package crawl

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateOpenByDefault(t *testing.T) {
	t.Parallel()
	g := NewGate()
	assert.False(t, g.Paused())
	require.NoError(t, g.Wait(context.Background()))
}

func TestGatePauseBlocksUntilResume(t *testing.T) {
	t.Parallel()
	g := NewGate()
	g.Pause()
	g.Pause()
	require.True(t, g.Paused())

	var released atomic.Bool
	done := make(chan error, 1)
	go func() {
		err := g.Wait(context.Background())
		released.Store(true)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, released.Load(), "waiter passed a paused gate")

	g.Resume()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter not released by resume")
	}
}

func TestGateCancellationWinsOverPause(t *testing.T) {
	t.Parallel()
	g := NewGate()
	g.Pause()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Wait(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter still blocked")
	}
	assert.True(t, g.Paused())
}
