package logship

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionManagerAcquireConnectsOnce(t *testing.T) {
	t.Parallel()

	var dialCount atomic.Int32
	h := newFakeHandle()
	dial := func(ctx context.Context, cfg ConnectionConfig) (Handle, string, error) {
		dialCount.Add(1)
		return h, "logs", nil
	}

	m := newConnectionManager(DefaultConnectionConfig("mongodb://localhost/logs"), testLogger(t), dial)

	got, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, h, got)

	got2, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, h, got2)

	assert.Equal(t, int32(1), dialCount.Load(), "a cached connection must not redial")
	assert.True(t, m.IsConnected())
	assert.Equal(t, "logs", m.DatabaseName())
}

func fastRetryConnectionConfig() ConnectionConfig {
	cfg := DefaultConnectionConfig("mongodb://localhost/logs")
	cfg.RetryDelay = time.Millisecond
	return cfg
}

func TestConnectionManagerAcquireFailurePropagates(t *testing.T) {
	t.Parallel()

	dialErr := errors.New("no reachable servers")
	dial := func(ctx context.Context, cfg ConnectionConfig) (Handle, string, error) {
		return nil, "", dialErr
	}

	m := newConnectionManager(fastRetryConnectionConfig(), testLogger(t), dial)

	_, err := m.Acquire(context.Background())
	require.Error(t, err)
	assert.False(t, m.IsConnected())
}

func TestConnectionManagerTripsBreakerAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	dial := func(ctx context.Context, cfg ConnectionConfig) (Handle, string, error) {
		return nil, "", errors.New("connect refused")
	}
	m := newConnectionManager(fastRetryConnectionConfig(), testLogger(t), dial)

	for i := 0; i < failureThreshold; i++ {
		_, err := m.Acquire(context.Background())
		require.Error(t, err)
	}

	assert.True(t, m.IsCircuitOpen())

	_, err := m.Acquire(context.Background())
	var circuitErr *CircuitOpenError
	require.ErrorAs(t, err, &circuitErr)
	assert.Greater(t, circuitErr.RetryAfter, time.Duration(0))
}

func TestConnectionManagerReconnectsAfterDisconnect(t *testing.T) {
	t.Parallel()

	h := newFakeHandle()
	var dialCount atomic.Int32
	dial := func(ctx context.Context, cfg ConnectionConfig) (Handle, string, error) {
		dialCount.Add(1)
		return h, "logs", nil
	}

	m := newConnectionManager(DefaultConnectionConfig("mongodb://localhost/logs"), testLogger(t), dial)

	_, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), dialCount.Load())

	m.handleDisconnect("connection closed", nil)
	assert.False(t, m.IsConnected())

	_, err = m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), dialCount.Load())
	assert.Equal(t, uint64(1), m.Metrics().Reconnects)
}

func TestConnectionManagerShutdownClosesHandleAndRejectsFurtherAcquire(t *testing.T) {
	t.Parallel()

	h := newFakeHandle()
	dial := func(ctx context.Context, cfg ConnectionConfig) (Handle, string, error) {
		return h, "logs", nil
	}
	m := newConnectionManager(DefaultConnectionConfig("mongodb://localhost/logs"), testLogger(t), dial)

	_, err := m.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.Shutdown(context.Background()))

	_, err = m.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestConnectionManagerHealthProbe(t *testing.T) {
	t.Parallel()

	h := newFakeHandle()
	dial := func(ctx context.Context, cfg ConnectionConfig) (Handle, string, error) {
		return h, "logs", nil
	}
	m := newConnectionManager(DefaultConnectionConfig("mongodb://localhost/logs"), testLogger(t), dial)

	status := m.HealthProbe(context.Background())
	assert.False(t, status.Up, "health probe before any connection must report down")

	_, err := m.Acquire(context.Background())
	require.NoError(t, err)

	status = m.HealthProbe(context.Background())
	assert.True(t, status.Up)

	h.pingErr = errors.New("ping timeout")
	status = m.HealthProbe(context.Background())
	assert.False(t, status.Up)
	assert.Equal(t, "ping timeout", status.Reason)
}

func TestDatabaseFromURI(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		uri  string
		want string
	}{
		{"path present", "mongodb://localhost:27017/logs", "logs"},
		{"path with query", "mongodb://localhost:27017/logs?retryWrites=true", "logs"},
		{"no path", "mongodb://localhost:27017", "logs"},
		{"no path trailing slash", "mongodb://localhost:27017/", "logs"},
		{"srv scheme with db", "mongodb+srv://cluster0.example.com/metrics", "metrics"},
		{"malformed", "not-a-uri", "logs"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, databaseFromURI(tt.uri))
		})
	}
}
