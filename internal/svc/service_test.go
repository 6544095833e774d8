package svc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBase_StartStopLifecycle(t *testing.T) {
	var b Base
	b.Init(nil)

	require.NoError(t, b.MarkStarted())
	assert.True(t, b.Running())

	done := make(chan struct{})
	b.Go(func(ctx context.Context) {
		<-ctx.Done()
		close(done)
	})

	require.NoError(t, b.Stop())
	assert.False(t, b.Running())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not observe context cancellation")
	}
}

func TestBase_DoubleStartFails(t *testing.T) {
	var b Base
	b.Init(nil)
	require.NoError(t, b.MarkStarted())
	assert.ErrorIs(t, b.MarkStarted(), ErrAlreadyRunning)
	require.NoError(t, b.Stop())
}

func TestBase_StopWithoutStartFails(t *testing.T) {
	var b Base
	b.Init(nil)
	assert.ErrorIs(t, b.Stop(), ErrNotRunning)
}

func TestBase_DoubleStopFails(t *testing.T) {
	var b Base
	b.Init(nil)
	require.NoError(t, b.MarkStarted())
	require.NoError(t, b.Stop())
	assert.ErrorIs(t, b.Stop(), ErrNotRunning)
}
