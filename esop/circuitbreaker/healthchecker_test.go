//go:build unit

package circuitbreaker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LerianStudio/lib-esop/esop/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tripFastConfig trips the breaker on the first failure.
func tripFastConfig() Config {
	return Config{
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             time.Hour,
		ConsecutiveFailures: 1,
	}
}

// tripOpen drives one failing execution through the breaker and verifies it
// opened.
func tripOpen(t *testing.T, mgr Manager, serviceName string) {
	t.Helper()

	_, _ = mgr.Execute(serviceName, func() (any, error) {
		return nil, errors.New("service down")
	})

	require.Equal(t, StateOpen, mgr.GetState(serviceName))
}

func TestNewHealthChecker_Success(t *testing.T) {
	logger := &log.NopLogger{}
	mgr, err := NewManager(logger)
	require.NoError(t, err)

	hc, err := NewHealthChecker(mgr, 1*time.Second, 500*time.Millisecond, logger)

	assert.NoError(t, err)
	assert.NotNil(t, hc)
}

func TestNewHealthChecker_NilManager(t *testing.T) {
	logger := &log.NopLogger{}

	hc, err := NewHealthChecker(nil, 1*time.Second, 500*time.Millisecond, logger)

	assert.Nil(t, hc)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrNilManager))
}

func TestNewHealthChecker_NilLogger(t *testing.T) {
	mgr, err := NewManager(&log.NopLogger{})
	require.NoError(t, err)

	hc, err := NewHealthChecker(mgr, 1*time.Second, 500*time.Millisecond, nil)

	assert.Nil(t, hc)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrNilLogger))
}

func TestNewHealthChecker_InvalidInterval(t *testing.T) {
	logger := &log.NopLogger{}
	mgr, err := NewManager(logger)
	require.NoError(t, err)

	hc, err := NewHealthChecker(mgr, 0, 500*time.Millisecond, logger)

	assert.Nil(t, hc)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidHealthCheckInterval))
}

func TestNewHealthChecker_NegativeInterval(t *testing.T) {
	logger := &log.NopLogger{}
	mgr, err := NewManager(logger)
	require.NoError(t, err)

	hc, err := NewHealthChecker(mgr, -1*time.Second, 500*time.Millisecond, logger)

	assert.Nil(t, hc)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidHealthCheckInterval))
}

func TestNewHealthChecker_InvalidTimeout(t *testing.T) {
	logger := &log.NopLogger{}
	mgr, err := NewManager(logger)
	require.NoError(t, err)

	hc, err := NewHealthChecker(mgr, 1*time.Second, 0, logger)

	assert.Nil(t, hc)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidHealthCheckTimeout))
}

func TestNewHealthChecker_NegativeTimeout(t *testing.T) {
	logger := &log.NopLogger{}
	mgr, err := NewManager(logger)
	require.NoError(t, err)

	hc, err := NewHealthChecker(mgr, 1*time.Second, -500*time.Millisecond, logger)

	assert.Nil(t, hc)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidHealthCheckTimeout))
}

func TestHealthChecker_RecoversOpenBreaker(t *testing.T) {
	logger := &log.NopLogger{}
	mgr, err := NewManager(logger)
	require.NoError(t, err)

	_, err = mgr.GetOrCreate("journal-publisher", tripFastConfig())
	require.NoError(t, err)

	tripOpen(t, mgr, "journal-publisher")

	hc, err := NewHealthChecker(mgr, 10*time.Millisecond, 100*time.Millisecond, logger)
	require.NoError(t, err)

	hc.Register("journal-publisher", func(ctx context.Context) error {
		return nil
	})

	hc.Start()
	defer hc.Stop()

	require.Eventually(t, func() bool {
		return mgr.GetState("journal-publisher") == StateClosed
	}, 2*time.Second, 10*time.Millisecond, "health checker should reset the breaker once the probe succeeds")

	assert.True(t, mgr.IsHealthy("journal-publisher"))
}

func TestHealthChecker_FailingProbeKeepsBreakerOpen(t *testing.T) {
	logger := &log.NopLogger{}
	mgr, err := NewManager(logger)
	require.NoError(t, err)

	_, err = mgr.GetOrCreate("accounts-store", tripFastConfig())
	require.NoError(t, err)

	tripOpen(t, mgr, "accounts-store")

	var probes atomic.Int32

	hc, err := NewHealthChecker(mgr, 10*time.Millisecond, 100*time.Millisecond, logger)
	require.NoError(t, err)

	hc.Register("accounts-store", func(ctx context.Context) error {
		probes.Add(1)
		return errors.New("still down")
	})

	hc.Start()
	defer hc.Stop()

	// Probes must keep firing without resetting the breaker
	require.Eventually(t, func() bool {
		return probes.Load() >= 3
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, StateOpen, mgr.GetState("accounts-store"))
}

func TestHealthChecker_SkipsHealthyServices(t *testing.T) {
	logger := &log.NopLogger{}
	mgr, err := NewManager(logger)
	require.NoError(t, err)

	_, err = mgr.GetOrCreate("healthy-service", DefaultConfig())
	require.NoError(t, err)

	var probes atomic.Int32

	hc, err := NewHealthChecker(mgr, 10*time.Millisecond, 100*time.Millisecond, logger)
	require.NoError(t, err)

	hc.Register("healthy-service", func(ctx context.Context) error {
		probes.Add(1)
		return nil
	})

	hc.Start()

	time.Sleep(100 * time.Millisecond)
	hc.Stop()

	assert.Equal(t, int32(0), probes.Load(), "closed breakers should not be probed")
}

func TestHealthChecker_OnStateChange_TriggersImmediateProbe(t *testing.T) {
	logger := &log.NopLogger{}
	mgr, err := NewManager(logger)
	require.NoError(t, err)

	// A one-hour interval rules ticks out; only the immediate path can
	// recover the breaker within the deadline.
	hc, err := NewHealthChecker(mgr, time.Hour, 100*time.Millisecond, logger)
	require.NoError(t, err)

	hc.Register("journal-publisher", func(ctx context.Context) error {
		return nil
	})

	mgr.RegisterStateChangeListener(hc)

	hc.Start()
	defer hc.Stop()

	_, err = mgr.GetOrCreate("journal-publisher", tripFastConfig())
	require.NoError(t, err)

	tripOpen(t, mgr, "journal-publisher")

	require.Eventually(t, func() bool {
		return mgr.GetState("journal-publisher") == StateClosed
	}, 2*time.Second, 10*time.Millisecond, "opening the breaker should schedule an immediate probe")
}

func TestHealthChecker_GetHealthStatus(t *testing.T) {
	logger := &log.NopLogger{}
	mgr, err := NewManager(logger)
	require.NoError(t, err)

	_, err = mgr.GetOrCreate("accounts-store", DefaultConfig())
	require.NoError(t, err)

	hc, err := NewHealthChecker(mgr, time.Second, 100*time.Millisecond, logger)
	require.NoError(t, err)

	hc.Register("accounts-store", func(ctx context.Context) error { return nil })
	hc.Register("never-created", func(ctx context.Context) error { return nil })

	status := hc.GetHealthStatus()

	assert.Equal(t, map[string]string{
		"accounts-store": "closed",
		"never-created":  "unknown",
	}, status)
}
