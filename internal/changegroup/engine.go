// Package changegroup implements the change-group transaction engine
// (C9): validated, bounded-concurrency batch writes with optional
// capture-and-rollback and progress events.
package changegroup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ocx/qrc-bridge/internal/events"
	"github.com/ocx/qrc-bridge/internal/qrcerr"
)

// Status is the change group's lifecycle state, monotonic: it never
// regresses once COMPLETED or FAILED.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApplying  Status = "APPLYING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// ControlChange is one write in a batch.
type ControlChange struct {
	Name  string
	Value interface{}
	Ramp  float64
}

// Group is the transaction intent.
type Group struct {
	ID        string
	Controls  []ControlChange
	CreatedAt time.Time
	Source    string
	Status    Status
}

// ControlChangeResult is the outcome of one control write.
type ControlChangeResult struct {
	Name          string
	TargetValue   interface{}
	Success       bool
	Error         error
	DurationMs    int64
	PreviousValue interface{}
	Ramp          float64
}

// ExecutionResult aggregates a batch's outcome.
type ExecutionResult struct {
	GroupID           string
	TotalControls     int
	SuccessCount      int
	FailureCount      int
	ExecutionMs       int64
	Results           []ControlChangeResult
	RollbackPerformed bool
}

// ControlIO is the minimal control read/write surface the engine depends
// on — implemented by the semantic adapter (C8).
type ControlIO interface {
	GetValue(ctx context.Context, name string) (interface{}, error)
	SetValue(ctx context.Context, name string, value interface{}, ramp float64) error
}

// ConnectionChecker reports whether the transport is currently connected,
// consulted during validation.
type ConnectionChecker func() bool

// Options configures one Engine.
type Options struct {
	RollbackOnFailure       bool
	ContinueOnError         bool
	MaxConcurrentChanges    int
	Timeout                 time.Duration
	ValidateBeforeExecution bool
	MaxWritesPerSecond      float64
}

// DefaultOptions returns the spec's documented defaults.
func DefaultOptions() Options {
	return Options{
		RollbackOnFailure:       true,
		ContinueOnError:         false,
		MaxConcurrentChanges:    10,
		Timeout:                 30 * time.Second,
		ValidateBeforeExecution: true,
	}
}

// Engine executes change groups against a ControlIO.
type Engine struct {
	io          ControlIO
	isConnected ConnectionChecker
	emitter     events.Emitter
	limiter     *rate.Limiter

	mu     sync.Mutex
	active map[string]*Group
}

// New creates an Engine. isConnected may be nil, in which case validation
// always treats the connection as up.
func New(io ControlIO, isConnected ConnectionChecker, emitter events.Emitter, maxWritesPerSecond float64) *Engine {
	var limiter *rate.Limiter
	if maxWritesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(maxWritesPerSecond), int(maxWritesPerSecond)+1)
	}
	return &Engine{
		io:          io,
		isConnected: isConnected,
		emitter:     emitter,
		limiter:     limiter,
		active:      make(map[string]*Group),
	}
}

// CreateGroup builds and registers a new group in PENDING status.
func (e *Engine) CreateGroup(controls []ControlChange, source string) *Group {
	g := &Group{
		ID:        uuid.NewString(),
		Controls:  controls,
		CreatedAt: time.Now(),
		Source:    source,
		Status:    StatusPending,
	}

	e.mu.Lock()
	e.active[g.ID] = g
	e.mu.Unlock()

	if e.emitter != nil {
		e.emitter.Emit(events.TypeChangeGroupCreated, "changegroup", g.ID, map[string]interface{}{"controlCount": len(controls)})
	}
	return g
}

// Get returns a registered group by ID.
func (e *Engine) Get(id string) (*Group, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.active[id]
	return g, ok
}

// Cancel marks a group FAILED and removes it from the active set. In-flight
// writes are not forcibly interrupted.
func (e *Engine) Cancel(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if g, ok := e.active[id]; ok {
		g.Status = StatusFailed
		delete(e.active, id)
	}
}

// validate checks connection state and per-control constraints, failing
// fast with a structured error on the first violation.
func (e *Engine) validate(g *Group) error {
	if e.isConnected != nil && !e.isConnected() {
		return qrcerr.New(qrcerr.ConnectionClosed, "not connected")
	}
	for _, c := range g.Controls {
		if len(trimSpace(c.Name)) == 0 {
			return qrcerr.New(qrcerr.ValidationFailed, "control name must not be empty or whitespace")
		}
		if c.Value == nil {
			return qrcerr.New(qrcerr.ValidationFailed, fmt.Sprintf("control %s: value must not be nil", c.Name))
		}
		if c.Ramp != 0 && (c.Ramp <= 0 || c.Ramp > 300) {
			return qrcerr.New(qrcerr.ValidationFailed, fmt.Sprintf("control %s: ramp %.4f out of (0, 300]", c.Name, c.Ramp))
		}
	}
	return nil
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool { return b == ' ' || b == '\t' || b == '\n' || b == '\r' }

// Execute runs a group's full lifecycle: validate, capture previous
// values, dispatch bounded-concurrency writes, optionally roll back, and
// finalize status.
func (e *Engine) Execute(ctx context.Context, g *Group, opts Options) (*ExecutionResult, error) {
	start := time.Now()

	if opts.ValidateBeforeExecution {
		if err := e.validate(g); err != nil {
			return nil, err
		}
	}

	g.Status = StatusApplying

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	previous := make([]interface{}, len(g.Controls))
	for i, c := range g.Controls {
		capCtx, cancel := context.WithTimeout(ctx, timeout)
		val, err := e.io.GetValue(capCtx, c.Name)
		cancel()
		if err == nil {
			previous[i] = val
		}
	}

	results := make([]ControlChangeResult, len(g.Controls))
	sem := make(chan struct{}, maxInt(opts.MaxConcurrentChanges, 1))
	var wg sync.WaitGroup
	var abort sync.Once
	abortCh := make(chan struct{})
	aborted := func() bool {
		select {
		case <-abortCh:
			return true
		default:
			return false
		}
	}

	for i, c := range g.Controls {
		if !opts.ContinueOnError && aborted() {
			results[i] = ControlChangeResult{Name: c.Name, TargetValue: c.Value, Success: false, Error: qrcerr.New(qrcerr.CommandFailed, "aborted after earlier failure"), PreviousValue: previous[i], Ramp: c.Ramp}
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, change ControlChange) {
			defer wg.Done()
			defer func() { <-sem }()

			if e.limiter != nil {
				_ = e.limiter.Wait(ctx)
			}

			writeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			writeStart := time.Now()
			err := e.io.SetValue(writeCtx, change.Name, change.Value, change.Ramp)
			duration := time.Since(writeStart).Milliseconds()

			results[idx] = ControlChangeResult{
				Name:          change.Name,
				TargetValue:   change.Value,
				Success:       err == nil,
				Error:         err,
				DurationMs:    duration,
				PreviousValue: previous[idx],
				Ramp:          change.Ramp,
			}

			if err == nil {
				if e.emitter != nil {
					e.emitter.Emit(events.TypeControlChanged, "changegroup", change.Name, map[string]interface{}{"groupId": g.ID, "value": change.Value})
				}
			} else {
				if e.emitter != nil {
					e.emitter.Emit(events.TypeControlFailed, "changegroup", change.Name, map[string]interface{}{"groupId": g.ID, "error": err.Error()})
				}
				if !opts.ContinueOnError {
					abort.Do(func() { close(abortCh) })
				}
			}
		}(i, c)
	}
	wg.Wait()

	successCount, failureCount := 0, 0
	for _, r := range results {
		if r.Success {
			successCount++
		} else {
			failureCount++
		}
	}

	rollbackPerformed := false
	if failureCount > 0 && opts.RollbackOnFailure {
		rollbackPerformed = true
		for i := len(results) - 1; i >= 0; i-- {
			if results[i].Success && results[i].PreviousValue != nil {
				rbCtx, cancel := context.WithTimeout(ctx, timeout)
				if err := e.io.SetValue(rbCtx, results[i].Name, results[i].PreviousValue, 0); err != nil {
					// rollback errors are logged by the caller via the
					// error field but never abort further rollbacks
					results[i].Error = qrcerr.Wrap(qrcerr.CommandFailed, "rollback failed", err)
				}
				cancel()
			}
		}
	}

	g.Status = StatusCompleted
	if failureCount > 0 {
		g.Status = StatusFailed
	}

	if e.emitter != nil {
		e.emitter.Emit(events.TypeChangeGroupCompleted, "changegroup", g.ID, map[string]interface{}{
			"success": failureCount == 0,
		})
	}

	return &ExecutionResult{
		GroupID:           g.ID,
		TotalControls:     len(g.Controls),
		SuccessCount:      successCount,
		FailureCount:      failureCount,
		ExecutionMs:       time.Since(start).Milliseconds(),
		Results:           results,
		RollbackPerformed: rollbackPerformed,
	}, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// CleanupGroups removes COMPLETED/FAILED groups whose CreatedAt predates
// now-ttl.
func (e *Engine) CleanupGroups(ttl time.Duration) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	removed := 0
	for id, g := range e.active {
		if (g.Status == StatusCompleted || g.Status == StatusFailed) && g.CreatedAt.Before(cutoff) {
			delete(e.active, id)
			removed++
		}
	}
	return removed
}
