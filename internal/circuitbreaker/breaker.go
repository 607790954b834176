// Package circuitbreaker classifies a dependency as CLOSED/OPEN/HALF_OPEN
// from success/failure counts and gates calls to it. It backs the QRC
// transport's outbound Core calls (connection attempts and commands) so a
// misbehaving or unreachable Core fails fast instead of piling up timeouts.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // normal operation, requests pass through
	StateOpen                  // failure threshold exceeded, requests blocked
	StateHalfOpen              // testing if the dependency recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Common errors.
var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config holds circuit breaker configuration.
type Config struct {
	// Name identifies this circuit breaker in logs and stats.
	Name string

	// FailureThreshold is the number of consecutive failures in CLOSED
	// state that trips the breaker to OPEN.
	FailureThreshold uint32

	// SuccessThreshold is the number of consecutive successes required in
	// HALF_OPEN state before the breaker closes again. Default 1.
	SuccessThreshold uint32

	// MaxHalfOpenRequests caps the number of probe requests let through
	// during one HALF_OPEN period, counting finished requests as well as
	// in-flight ones. Defaults to SuccessThreshold if zero.
	MaxHalfOpenRequests uint32

	// Timeout is how long the breaker stays OPEN before moving to
	// HALF_OPEN.
	Timeout time.Duration

	// ErrorFilter, if set, is consulted on every failed call. Returning
	// false means the error does not count against the breaker (neither
	// opens nor keeps it open) — e.g. a client-side validation error that
	// says nothing about the dependency's health.
	ErrorFilter func(error) bool

	// HealthCheck, if set, is polled on a short interval while OPEN; a
	// successful probe moves the breaker to HALF_OPEN ahead of Timeout.
	HealthCheck func(ctx context.Context) bool

	// HealthCheckInterval controls HealthCheck polling cadence. Default 5s.
	HealthCheckInterval time.Duration

	// OnStateChange is called whenever the circuit state changes.
	OnStateChange func(name string, from State, to State)
}

// DefaultConfig returns the spec's default breaker parameters:
// failureThreshold=5, successThreshold=3, timeout=60s.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 3,
		Timeout:          60 * time.Second,
		OnStateChange: func(name string, from State, to State) {
			slog.Info("circuit breaker state change", "breaker", name, "from", from, "to", to)
		},
	}
}

// Counts holds request/response counts for the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// FailureRatio returns the failure ratio for the current generation.
func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0.0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

func (c *Counts) clear() {
	*c = Counts{}
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// CircuitBreaker implements the circuit breaker pattern described in
// SPEC_FULL.md §4.1.
type CircuitBreaker struct {
	cfg *Config

	mu            sync.Mutex
	state         State
	generation    uint64
	counts        Counts
	expiry        time.Time
	lastStateTime time.Time

	probeCancel context.CancelFunc
}

// New creates a circuit breaker. A nil cfg uses DefaultConfig("default").
func New(cfg *Config) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.MaxHalfOpenRequests == 0 {
		cfg.MaxHalfOpenRequests = cfg.SuccessThreshold
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = 5 * time.Second
	}

	return &CircuitBreaker{
		cfg:           cfg,
		state:         StateClosed,
		lastStateTime: time.Now(),
	}
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// State returns the current state, resolving any pending OPEN->HALF_OPEN
// or generation expiry first.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state, _ := cb.currentState(time.Now())
	return state
}

// Counts returns a snapshot of the current generation's counts.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Execute runs req if the breaker allows it, classifying the outcome.
func (cb *CircuitBreaker) Execute(req func() (interface{}, error)) (interface{}, error) {
	return cb.ExecuteContext(context.Background(), func(context.Context) (interface{}, error) {
		return req()
	})
}

// ExecuteContext runs req with ctx if the breaker allows it.
func (cb *CircuitBreaker) ExecuteContext(ctx context.Context, req func(context.Context) (interface{}, error)) (interface{}, error) {
	generation, err := cb.beforeRequest()
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, false, nil)
			panic(r)
		}
	}()

	result, err := req(ctx)
	cb.afterRequest(generation, err == nil, err)
	return result, err
}

// Allow reports whether a request would currently be permitted, without
// executing anything.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, _ := cb.currentState(time.Now())
	switch {
	case state == StateOpen:
		return ErrCircuitOpen
	case state == StateHalfOpen && cb.counts.Requests >= cb.cfg.MaxHalfOpenRequests:
		return ErrTooManyRequests
	}
	return nil
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, generation := cb.currentState(time.Now())
	switch {
	case state == StateOpen:
		return generation, ErrCircuitOpen
	case state == StateHalfOpen && cb.counts.Requests >= cb.cfg.MaxHalfOpenRequests:
		return generation, ErrTooManyRequests
	}

	cb.counts.Requests++
	return generation, nil
}

// afterRequest records the outcome. cause is the error returned by the
// wrapped call (nil on success); it is passed through ErrorFilter so
// non-qualifying errors neither open nor keep open the breaker.
func (cb *CircuitBreaker) afterRequest(generation uint64, success bool, cause error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, currentGeneration := cb.currentState(now)
	if generation != currentGeneration {
		return // stale result from a prior generation, ignore
	}

	if !success && cb.cfg.ErrorFilter != nil && !cb.cfg.ErrorFilter(cause) {
		// Does not count against the breaker; also doesn't count as a
		// success, so it is simply dropped from the tally.
		cb.counts.Requests--
		return
	}

	if success {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

func (cb *CircuitBreaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.onSuccess()
	case StateHalfOpen:
		cb.counts.onSuccess()
		if cb.counts.ConsecutiveSuccesses >= cb.cfg.SuccessThreshold {
			cb.setState(StateClosed, now)
		}
	}
}

func (cb *CircuitBreaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.onFailure()
		if cb.counts.ConsecutiveFailures >= cb.cfg.FailureThreshold {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

// currentState resolves lazily: OPEN -> HALF_OPEN once Timeout elapses.
// Must be called with cb.mu held.
func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	if cb.state == StateOpen && !cb.expiry.IsZero() && !cb.expiry.After(now) {
		cb.setState(StateHalfOpen, now)
	}
	return cb.state, cb.generation
}

// setState transitions state and starts a new generation. Must be called
// with cb.mu held.
func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state
	cb.lastStateTime = now
	cb.generation++
	cb.counts.clear()

	switch state {
	case StateOpen:
		cb.expiry = now.Add(cb.cfg.Timeout)
		cb.startHealthProbe()
	case StateHalfOpen, StateClosed:
		cb.expiry = time.Time{}
		cb.stopHealthProbe()
	}

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, prev, state)
	}
}

// startHealthProbe polls cfg.HealthCheck while OPEN; a successful probe
// forces an early transition to HALF_OPEN. Must be called with cb.mu held.
func (cb *CircuitBreaker) startHealthProbe() {
	if cb.cfg.HealthCheck == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	cb.probeCancel = cancel

	go func() {
		ticker := time.NewTicker(cb.cfg.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if cb.cfg.HealthCheck(ctx) {
					cb.mu.Lock()
					if cb.state == StateOpen {
						cb.setState(StateHalfOpen, time.Now())
					}
					cb.mu.Unlock()
					return
				}
			}
		}
	}()
}

// stopHealthProbe cancels any in-flight probe goroutine. Must be called
// with cb.mu held.
func (cb *CircuitBreaker) stopHealthProbe() {
	if cb.probeCancel != nil {
		cb.probeCancel()
		cb.probeCancel = nil
	}
}

// String implements fmt.Stringer.
func (cb *CircuitBreaker) String() string {
	state := cb.State()
	counts := cb.Counts()
	return fmt.Sprintf("CircuitBreaker[%s: state=%s, requests=%d, failures=%d]",
		cb.cfg.Name, state, counts.Requests, counts.TotalFailures)
}

// ExecuteWithFallback runs request through cb and, on any breaker-level or
// call-level error, invokes fallback instead of propagating the error.
func ExecuteWithFallback[T any](cb *CircuitBreaker, request func() (T, error), fallback func(error) (T, error)) (T, error) {
	result, err := cb.Execute(func() (interface{}, error) {
		return request()
	})
	if err != nil {
		return fallback(err)
	}
	return result.(T), nil
}
