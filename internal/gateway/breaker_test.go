package gateway_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chittyos/chittybridge/internal/gateway"
)

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	cfg := gateway.BreakerConfig{Name: "test", MaxRequests: 1, FailureThreshold: 5, ResetTimeout: 60 * time.Second}
	b := gateway.NewBreaker(cfg)

	boom := errors.New("boom")
	for i := 0; i < 5; i++ {
		_, err := gateway.Execute(b, func() (int, error) { return 0, boom }, func(error) bool { return true })
		require.ErrorIs(t, err, boom)
	}

	assert.Equal(t, gateway.StateOpen, b.State())

	// P7: next call returns immediately without issuing the underlying call.
	called := false
	_, err := gateway.Execute(b, func() (int, error) { called = true; return 0, nil }, nil)
	assert.ErrorIs(t, err, gateway.ErrCircuitOpen)
	assert.False(t, called, "breaker-open call must not invoke the underlying function")
}

func TestBreakerHalfOpenRecovers(t *testing.T) {
	cfg := gateway.BreakerConfig{Name: "test", MaxRequests: 1, FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond}
	b := gateway.NewBreaker(cfg)

	boom := errors.New("boom")
	_, _ = gateway.Execute(b, func() (int, error) { return 0, boom }, func(error) bool { return true })
	assert.Equal(t, gateway.StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, gateway.StateHalfOpen, b.State())

	result, err := gateway.Execute(b, func() (int, error) { return 42, nil }, nil)
	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, gateway.StateClosed, b.State())
}

func TestBreakerIgnoresNonBreakerFailures(t *testing.T) {
	cfg := gateway.BreakerConfig{Name: "test", MaxRequests: 1, FailureThreshold: 2, ResetTimeout: time.Second}
	b := gateway.NewBreaker(cfg)

	notBreaking := errors.New("404 not found")
	for i := 0; i < 10; i++ {
		_, _ = gateway.Execute(b, func() (int, error) { return 0, notBreaking }, func(error) bool { return false })
	}
	assert.Equal(t, gateway.StateClosed, b.State())
}

func TestManagerCreatesPerServiceBreakers(t *testing.T) {
	m := gateway.NewManager(nil, func(service string) gateway.BreakerConfig {
		if service == "identity" {
			return gateway.IdentityBreakerConfig(service)
		}
		return gateway.DefaultBreakerConfig(service)
	})

	a := m.Get("identity")
	b := m.Get("cases")
	assert.NotSame(t, a, b)
	assert.Same(t, a, m.Get("identity"))
}
