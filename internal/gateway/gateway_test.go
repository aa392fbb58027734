package gateway_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chittyos/chittybridge/internal/gateway"
)

func TestGatewayRetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	gw := gateway.New(gateway.Config{
		Resolve:     func(string) (string, error) { return srv.URL, nil },
		RetryPolicy: gateway.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		Timeout:     time.Second,
	})

	resp, err := gw.Call(context.Background(), gateway.Request{Service: "cases", Method: http.MethodGet, Path: "/x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGatewayDoesNotRetryValidationErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	gw := gateway.New(gateway.Config{
		Resolve:     func(string) (string, error) { return srv.URL, nil },
		RetryPolicy: gateway.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		Timeout:     time.Second,
	})

	_, err := gw.Call(context.Background(), gateway.Request{Service: "cases", Method: http.MethodGet, Path: "/x"}, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGatewayBreakerOpensAfterFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	breakers := gateway.NewManager(nil, func(service string) gateway.BreakerConfig {
		return gateway.BreakerConfig{Name: service, MaxRequests: 1, FailureThreshold: 5, ResetTimeout: time.Minute}
	})
	gw := gateway.New(gateway.Config{
		Resolve:     func(string) (string, error) { return srv.URL, nil },
		Breakers:    breakers,
		RetryPolicy: gateway.RetryPolicy{MaxAttempts: 0},
		Timeout:     time.Second,
	})

	for i := 0; i < 5; i++ {
		_, _ = gw.Call(context.Background(), gateway.Request{Service: "cases", Method: http.MethodGet, Path: "/x"}, nil)
	}

	before := calls.Load()
	start := time.Now()
	_, err := gw.Call(context.Background(), gateway.Request{Service: "cases", Method: http.MethodGet, Path: "/x"}, nil)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, before, calls.Load(), "breaker-open call must not reach the network")
	assert.Less(t, elapsed, 5*time.Millisecond, "breaker-open call must return immediately")
}
