package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/chittyos/chittybridge/internal/apierr"
)

// Request describes a single outbound call to a ChittyOS backend service.
type Request struct {
	Service string // Logical service name; keys the circuit breaker and base URL lookup.
	Method  string
	Path    string
	Body    any
	Headers map[string]string
}

// Response is the gateway's normalized result.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// Options overrides the gateway's defaults for a single call.
type Options struct {
	Timeout     time.Duration
	RetryPolicy *RetryPolicy
}

// OnRetry is invoked before each retry sleep (§4.B observability hook).
type OnRetry func(service string, attempt int, err error, delay time.Duration)

// ServiceResolver maps a logical service name to its base URL.
type ServiceResolver func(service string) (string, error)

// Gateway is the single entry point for resilient outbound calls (§4.B).
type Gateway struct {
	httpClient   *http.Client
	breakers     *Manager
	resolve      ServiceResolver
	retryPolicy  RetryPolicy
	timeout      time.Duration
	logger       *slog.Logger
	onRetry      OnRetry
	bearerSource func(ctx context.Context, service string) (string, error)
}

// Config configures a Gateway.
type Config struct {
	HTTPClient  *http.Client
	Breakers    *Manager
	Resolve     ServiceResolver
	RetryPolicy RetryPolicy
	Timeout     time.Duration
	Logger      *slog.Logger
	OnRetry     OnRetry
	// BearerSource, if set, is consulted to attach an Authorization header
	// sourced from the credential broker (§4.C) before every call.
	BearerSource func(ctx context.Context, service string) (string, error)
}

// New constructs a Gateway.
func New(cfg Config) *Gateway {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Breakers == nil {
		cfg.Breakers = NewManager(cfg.Logger, nil)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryPolicy.MaxAttempts == 0 {
		cfg.RetryPolicy = DefaultRetryPolicy()
	}
	return &Gateway{
		httpClient:   cfg.HTTPClient,
		breakers:     cfg.Breakers,
		resolve:      cfg.Resolve,
		retryPolicy:  cfg.RetryPolicy,
		timeout:      cfg.Timeout,
		logger:       cfg.Logger,
		onRetry:      cfg.OnRetry,
		bearerSource: cfg.BearerSource,
	}
}

// Breakers exposes the underlying breaker manager (for health checks).
func (g *Gateway) Breakers() *Manager { return g.breakers }

// Call performs a resilient outbound request: breaker-gated, retried with
// jittered backoff, and classified onto the ErrorKind taxonomy.
func (g *Gateway) Call(ctx context.Context, req Request, opts *Options) (*Response, error) {
	breaker := g.breakers.Get(req.Service)
	policy := g.retryPolicy
	timeout := g.timeout
	if opts != nil {
		if opts.RetryPolicy != nil {
			policy = *opts.RetryPolicy
		}
		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}
	}

	var lastErr error
	for attempt := 0; attempt <= policy.MaxAttempts; attempt++ {
		resp, err := Execute(breaker, func() (*Response, error) {
			return g.doOnce(ctx, req, timeout)
		}, func(callErr error) bool {
			kind := classifyCallErr(callErr)
			return kind.CountsAsBreakerFailure()
		})

		if err == nil {
			return resp, nil
		}
		lastErr = err

		if err == ErrCircuitOpen || err == ErrTooManyRequests {
			return nil, apierr.Wrap(apierr.KindServer, "gateway: breaker open for "+req.Service, err).
				WithDetails(map[string]any{"breakerOpen": true, "service": req.Service})
		}

		kind := classifyCallErr(err)
		if !kind.Retryable() || attempt == policy.MaxAttempts {
			break
		}

		delay := policy.delay(attempt)
		if kind == apierr.KindRateLimit {
			ce, _ := err.(*classifiedTransportError)
			if ce == nil || ce.retryAfter <= 0 {
				break
			}
			delay = ce.retryAfter
		}
		if g.onRetry != nil {
			g.onRetry(req.Service, attempt+1, err, delay)
		}
		if g.logger != nil {
			g.logger.Warn("gateway: retrying call", "service", req.Service, "attempt", attempt+1, "delay", delay, "error", err)
		}
		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return nil, apierr.Wrap(apierr.KindTimeout, "gateway: context canceled during retry backoff", sleepErr)
		}
	}

	return nil, toClassifiedError(lastErr, req.Service)
}

func (g *Gateway) doOnce(ctx context.Context, req Request, timeout time.Duration) (*Response, error) {
	base, err := "", error(nil)
	if g.resolve != nil {
		base, err = g.resolve(req.Service)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindConfigUnavailable, "gateway: unknown service "+req.Service, err)
		}
	}

	var bodyReader io.Reader
	if req.Body != nil {
		raw, marshalErr := json.Marshal(req.Body)
		if marshalErr != nil {
			return nil, apierr.Wrap(apierr.KindValidation, "gateway: request body encode failed", marshalErr)
		}
		bodyReader = bytes.NewReader(raw)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, base+req.Path, bodyReader)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindValidation, "gateway: malformed request", err)
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if g.bearerSource != nil {
		if token, tokenErr := g.bearerSource(ctx, req.Service); tokenErr == nil && token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	httpResp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, &classifiedTransportError{kind: Classify(err, nil), err: err}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &classifiedTransportError{kind: apierr.KindNetwork, err: err}
	}

	resp := &Response{StatusCode: httpResp.StatusCode, Body: raw, Headers: httpResp.Header}
	if kind := Classify(nil, httpResp); kind != "" && httpResp.StatusCode >= 400 {
		if kind == apierr.KindRateLimit {
			if ra := httpResp.Header.Get("Retry-After"); ra != "" {
				if secs, convErr := strconv.Atoi(ra); convErr == nil {
					return resp, &classifiedTransportError{kind: kind, err: fmt.Errorf("rate limited, retry after %ds", secs), retryAfter: time.Duration(secs) * time.Second}
				}
			}
		}
		return resp, &classifiedTransportError{kind: kind, err: fmt.Errorf("%s returned HTTP %d", req.Service, httpResp.StatusCode)}
	}
	return resp, nil
}

// classifiedTransportError carries the taxonomy kind alongside the raw error
// so the retry loop can decide without re-inspecting an *http.Response.
type classifiedTransportError struct {
	kind       apierr.Kind
	err        error
	retryAfter time.Duration
}

func (e *classifiedTransportError) Error() string { return e.err.Error() }
func (e *classifiedTransportError) Unwrap() error { return e.err }

func classifyCallErr(err error) apierr.Kind {
	if err == nil {
		return ""
	}
	if ce, ok := err.(*classifiedTransportError); ok {
		return ce.kind
	}
	return apierr.KindUnknown
}

func toClassifiedError(err error, service string) error {
	if err == nil {
		return nil
	}
	kind := classifyCallErr(err)
	if kind == "" {
		kind = apierr.KindUnknown
	}
	return apierr.Wrap(kind, "gateway: call to "+service+" failed", err)
}
