package connmgr

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_ConnectWithRetrySucceedsAfterFailures(t *testing.T) {
	var attempts int32
	connect := func(ctx context.Context) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return errors.New("not yet")
		}
		return nil
	}

	m := New(Config{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, connect, nil, nil)
	require.NoError(t, m.ConnectWithRetry(context.Background()))
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	assert.Equal(t, StateConnected, m.State())
	assert.True(t, m.Healthy())
}

func TestManager_ConnectWithRetryStopsAtMaxAttempts(t *testing.T) {
	connect := func(ctx context.Context) error { return errors.New("always fails") }
	m := New(Config{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxAttempts: 2}, connect, nil, nil)

	err := m.ConnectWithRetry(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, m.State())
}

func TestManager_DisconnectCancelsRetryTimer(t *testing.T) {
	connect := func(ctx context.Context) error { return errors.New("always fails") }
	m := New(Config{InitialDelay: time.Second, MaxDelay: time.Second}, connect, nil, nil)

	done := make(chan error, 1)
	go func() { done <- m.ConnectWithRetry(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	m.Disconnect()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("disconnect did not cancel in-flight retry")
	}
}

func TestManager_HealthyRequiresZeroConsecutiveFailures(t *testing.T) {
	m := New(Config{}, func(ctx context.Context) error { return nil }, nil, nil)
	require.NoError(t, m.ConnectWithRetry(context.Background()))
	assert.True(t, m.Healthy())

	m.ReportFailure()
	assert.False(t, m.Healthy())
}
