// Package connmgr wraps a connect function with retry-with-exponential-
// backoff, a cancellable retry timer, and health reporting, gated by a
// circuit breaker. The retry-timer lifecycle is grounded in the teacher's
// ghostpool acquire/release pattern (a background goroutine maintaining
// pool state against a channel of done/cancel signals), adapted from pool
// maintenance to connection retry.
package connmgr

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/qrc-bridge/internal/circuitbreaker"
)

// State mirrors the connection's lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return "UNKNOWN"
	}
}

// ConnectFunc attempts one connection. It should return promptly on ctx
// cancellation.
type ConnectFunc func(ctx context.Context) error

// Config configures the manager's retry behavior.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int // 0 = unlimited

	OnRetry       func(attempt int, delay time.Duration)
	OnStateChange func(from, to State)
	OnHealthCheck func(healthy bool)
}

// Manager wraps a ConnectFunc in retry-with-backoff and exposes health as
// CONNECTED && zero consecutive failures && breaker CLOSED.
type Manager struct {
	cfg     Config
	connect ConnectFunc
	breaker *circuitbreaker.CircuitBreaker
	logger  *slog.Logger

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	retryCancel         context.CancelFunc
}

// New creates a Manager. A nil breaker means calls are never gated.
func New(cfg Config, connect ConnectFunc, breaker *circuitbreaker.CircuitBreaker, logger *slog.Logger) *Manager {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, connect: connect, breaker: breaker, logger: logger, state: StateDisconnected}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Healthy reports CONNECTED && 0 consecutive failures && breaker CLOSED.
func (m *Manager) Healthy() bool {
	m.mu.Lock()
	state := m.state
	failures := m.consecutiveFailures
	m.mu.Unlock()

	if state != StateConnected || failures != 0 {
		return false
	}
	if m.breaker != nil && m.breaker.State() != circuitbreaker.StateClosed {
		return false
	}
	return true
}

// ConnectWithRetry attempts to connect, retrying with exponential backoff
// on failure until success, MaxAttempts is exhausted, or ctx is cancelled.
func (m *Manager) ConnectWithRetry(ctx context.Context) error {
	retryCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.retryCancel = cancel
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.retryCancel = nil
		m.mu.Unlock()
	}()

	attempt := 0
	delay := m.cfg.InitialDelay

	for {
		attempt++
		m.setState(StateConnecting)

		var err error
		if m.breaker != nil {
			_, err = m.breaker.ExecuteContext(retryCtx, func(ctx context.Context) (interface{}, error) {
				return nil, m.connect(ctx)
			})
		} else {
			err = m.connect(retryCtx)
		}

		if err == nil {
			m.mu.Lock()
			m.consecutiveFailures = 0
			m.mu.Unlock()
			m.setState(StateConnected)
			return nil
		}

		m.mu.Lock()
		m.consecutiveFailures++
		m.mu.Unlock()

		if m.cfg.MaxAttempts > 0 && attempt >= m.cfg.MaxAttempts {
			m.setState(StateDisconnected)
			return err
		}

		m.setState(StateReconnecting)
		if m.cfg.OnRetry != nil {
			m.cfg.OnRetry(attempt, delay)
		}
		m.logger.Warn("connmgr: retrying connection", "attempt", attempt, "delay", delay, "error", err)

		select {
		case <-retryCtx.Done():
			m.setState(StateDisconnected)
			return retryCtx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > m.cfg.MaxDelay {
			delay = m.cfg.MaxDelay
		}
	}
}

// Disconnect cancels any in-flight retry timer and marks the manager
// disconnected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel := m.retryCancel
	m.retryCancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.setState(StateDisconnected)
}

// ReportFailure records a failure observed outside of ConnectWithRetry
// (e.g. a live connection dropped), so Healthy reflects it immediately.
func (m *Manager) ReportFailure() {
	m.mu.Lock()
	m.consecutiveFailures++
	m.mu.Unlock()
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()

	if prev != s && m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(prev, s)
	}
}

// RunHealthChecks polls Healthy every interval until ctx is cancelled,
// invoking cfg.OnHealthCheck with each result.
func (m *Manager) RunHealthChecks(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.cfg.OnHealthCheck != nil {
				m.cfg.OnHealthCheck(m.Healthy())
			}
		}
	}
}
