// Package gateway implements the resilient outbound fetch layer (§4.B):
// per-service circuit breakers, exponential backoff with jitter, and error
// classification. It is the single path through which ChittyBridge calls
// downstream ChittyOS services.
package gateway

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State represents a circuit breaker's state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Sentinel errors returned by Allow/Execute when a breaker rejects a request.
var (
	ErrCircuitOpen     = errors.New("gateway: circuit breaker is open")
	ErrTooManyRequests = errors.New("gateway: too many requests in half-open state")
)

// BreakerConfig configures a single service's circuit breaker (§4.B).
type BreakerConfig struct {
	Name string

	// MaxRequests is the number of probe requests allowed in half-open state.
	MaxRequests uint32

	// FailureThreshold is the number of consecutive failures in closed state
	// that trips the breaker to open.
	FailureThreshold uint32

	// ResetTimeout is how long the breaker stays open before allowing a probe.
	ResetTimeout time.Duration

	// OnStateChange is invoked whenever the breaker transitions state.
	OnStateChange func(name string, from, to State)
}

// DefaultBreakerConfig returns the spec's default policy: 5 consecutive
// failures trips, 60s reset timeout.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      1,
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
	}
}

// IdentityBreakerConfig returns the tighter policy the spec requires for
// identity/auth-classed services: 3 consecutive failures, 30s reset timeout.
func IdentityBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      1,
		FailureThreshold: 3,
		ResetTimeout:     30 * time.Second,
	}
}

// Counts tracks per-generation request outcomes.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) clear() {
	*c = Counts{}
}

func (c *Counts) onSuccess() {
	c.Requests++
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.Requests++
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Breaker is a per-service circuit breaker. State is process-local and
// guarded by a mutex (§5: "no cross-instance coordination is required").
type Breaker struct {
	cfg BreakerConfig

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// NewBreaker constructs a breaker in the closed state.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg, state: StateClosed}
}

// State returns the current state, resolving any pending Open->HalfOpen
// transition first.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(time.Now())
	return state
}

// Counts returns a snapshot of the current generation's counts.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Allow reports whether a request may proceed without executing anything.
func (b *Breaker) Allow() error {
	_, err := b.beforeRequest()
	return err
}

// Execute runs fn if the breaker allows it, recording success/failure.
// isFailure classifies the returned error (not every error should count
// against the breaker — see apierr.Kind.CountsAsBreakerFailure).
func Execute[T any](b *Breaker, fn func() (T, error), isFailure func(error) bool) (T, error) {
	var zero T
	generation, err := b.beforeRequest()
	if err != nil {
		return zero, err
	}

	result, callErr := fn()
	failed := callErr != nil && (isFailure == nil || isFailure(callErr))
	b.afterRequest(generation, !failed)
	return result, callErr
}

func (b *Breaker) beforeRequest() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)

	if state == StateOpen {
		return generation, ErrCircuitOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.cfg.MaxRequests {
		return generation, ErrTooManyRequests
	}

	b.counts.Requests++
	return generation, nil
}

func (b *Breaker) afterRequest(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, currentGeneration := b.currentState(now)
	if generation != currentGeneration {
		return // stale result from a previous generation; ignore
	}

	if success {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

func (b *Breaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.onSuccess()
	case StateHalfOpen:
		b.counts.onSuccess()
		if b.counts.ConsecutiveSuccesses >= b.cfg.MaxRequests {
			b.setState(StateClosed, now)
		}
	}
}

func (b *Breaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.onFailure()
		if b.counts.ConsecutiveFailures >= b.cfg.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	if b.state == StateOpen && !b.expiry.IsZero() && b.expiry.Before(now) {
		b.setState(StateHalfOpen, now)
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.generation++
	b.counts.clear()

	switch state {
	case StateOpen:
		b.expiry = now.Add(b.cfg.ResetTimeout)
	default:
		b.expiry = time.Time{}
	}

	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, prev, state)
	}
}

// Manager owns one Breaker per service name, created lazily with a
// per-service config resolver.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	resolve  func(service string) BreakerConfig
	logger   *slog.Logger
}

// NewManager creates a Manager. resolve picks the config for a service the
// first time it's seen (e.g. tighter thresholds for identity/auth services);
// if nil, DefaultBreakerConfig is used for every service.
func NewManager(logger *slog.Logger, resolve func(service string) BreakerConfig) *Manager {
	if resolve == nil {
		resolve = DefaultBreakerConfig
	}
	return &Manager{
		breakers: make(map[string]*Breaker),
		resolve:  resolve,
		logger:   logger,
	}
}

// Get returns the breaker for service, creating it on first use.
func (m *Manager) Get(service string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[service]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[service]; ok {
		return b
	}

	cfg := m.resolve(service)
	if cfg.OnStateChange == nil {
		logger := m.logger
		cfg.OnStateChange = func(name string, from, to State) {
			if logger != nil {
				logger.Info("gateway: breaker state change", "service", name, "from", from, "to", to)
			}
		}
	}
	b = NewBreaker(cfg)
	m.breakers[service] = b
	return b
}

// States returns a snapshot of every known breaker's state, for health checks.
func (m *Manager) States() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]State, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = b.State()
	}
	return out
}
