// Package facade implements the state facade (C13): the single entry
// point the rest of the bridge (and an embedding application) uses to
// read/write cached control state, manage change groups, trigger
// invalidation, and persist/restore a snapshot — plus a Health()
// aggregator that rolls the connection manager, breaker, and cache
// statistics into one summary for operational dashboards.
package facade

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/qrc-bridge/internal/changegroup"
	"github.com/ocx/qrc-bridge/internal/circuitbreaker"
	"github.com/ocx/qrc-bridge/internal/connmgr"
	"github.com/ocx/qrc-bridge/internal/events"
	"github.com/ocx/qrc-bridge/internal/invalidation"
	"github.com/ocx/qrc-bridge/internal/persistence"
	"github.com/ocx/qrc-bridge/internal/qrcerr"
	"github.com/ocx/qrc-bridge/internal/statecache"
)

// Dependencies are the components the facade composes. Persistence and
// ConnManager/Breaker are optional: a nil Persistence disables
// persist/restore, and a nil ConnManager/Breaker degrades Health() to
// cache-only reporting.
type Dependencies struct {
	Cache        *statecache.Cache
	Invalidation *invalidation.Engine
	ChangeGroups *changegroup.Engine
	Persistence  *persistence.Store
	ConnManager  *connmgr.Manager
	Breaker      *circuitbreaker.CircuitBreaker
	Emitter      events.Emitter
	Logger       *slog.Logger
}

// Facade is the state facade.
type Facade struct {
	cache        *statecache.Cache
	invalidation *invalidation.Engine
	changeGroups *changegroup.Engine
	persistence  *persistence.Store
	connManager  *connmgr.Manager
	breaker      *circuitbreaker.CircuitBreaker
	emitter      events.Emitter
	logger       *slog.Logger

	mu          sync.Mutex
	initialized bool
}

// New creates a Facade. Call Initialize before using it.
func New(deps Dependencies) *Facade {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Facade{
		cache:        deps.Cache,
		invalidation: deps.Invalidation,
		changeGroups: deps.ChangeGroups,
		persistence:  deps.Persistence,
		connManager:  deps.ConnManager,
		breaker:      deps.Breaker,
		emitter:      deps.Emitter,
		logger:       logger,
	}
}

// Initialize marks the facade ready for use. It is idempotent: a second
// call is a no-op that logs a warning rather than erroring, since a
// restart-safe caller may legitimately call it more than once.
func (f *Facade) Initialize(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initialized {
		f.logger.Warn("facade: initialize called more than once")
		return nil
	}
	f.initialized = true
	return nil
}

func (f *Facade) requireInitialized() error {
	f.mu.Lock()
	ready := f.initialized
	f.mu.Unlock()
	if !ready {
		return qrcerr.New(qrcerr.NotInitialized, "facade not initialized")
	}
	return nil
}

// GetState returns one cached control state.
func (f *Facade) GetState(name string) (statecache.Entry, bool, error) {
	if err := f.requireInitialized(); err != nil {
		return statecache.Entry{}, false, err
	}
	entry, ok := f.cache.Get(name)
	return entry, ok, nil
}

// GetStates returns every requested control state that is currently
// cached, omitting names that are absent or expired.
func (f *Facade) GetStates(names []string) (map[string]statecache.Entry, error) {
	if err := f.requireInitialized(); err != nil {
		return nil, err
	}
	out := make(map[string]statecache.Entry, len(names))
	for _, n := range names {
		if entry, ok := f.cache.Get(n); ok {
			out[n] = entry
		}
	}
	return out, nil
}

// SetState caches one control state and emits stateChanged.
func (f *Facade) SetState(name string, value interface{}, source statecache.Source, ttl time.Duration) error {
	if err := f.requireInitialized(); err != nil {
		return err
	}
	f.cache.Set(name, value, source, ttl)
	if f.emitter != nil {
		f.emitter.Emit(events.TypeStateChanged, "facade", name, map[string]interface{}{"value": value, "source": string(source)})
	}
	return nil
}

// SetStates caches a batch of control states in one call and emits a
// single batchUpdate event rather than one stateChanged per entry.
func (f *Facade) SetStates(entries map[string]interface{}, source statecache.Source, ttl time.Duration) error {
	if err := f.requireInitialized(); err != nil {
		return err
	}
	for name, value := range entries {
		f.cache.Set(name, value, source, ttl)
	}
	if f.emitter != nil {
		f.emitter.Emit(events.TypeBatchUpdate, "facade", "", map[string]interface{}{"count": len(entries)})
	}
	return nil
}

// RemoveState deletes one cached control state.
func (f *Facade) RemoveState(name string) (bool, error) {
	if err := f.requireInitialized(); err != nil {
		return false, err
	}
	return f.cache.Delete(name), nil
}

// RemoveStates deletes a batch of cached control states, returning how
// many were actually present.
func (f *Facade) RemoveStates(names []string) (int, error) {
	if err := f.requireInitialized(); err != nil {
		return 0, err
	}
	removed := 0
	for _, n := range names {
		if f.cache.Delete(n) {
			removed++
		}
	}
	return removed, nil
}

// Clear removes every cached control state.
func (f *Facade) Clear() error {
	if err := f.requireInitialized(); err != nil {
		return err
	}
	f.cache.Clear()
	return nil
}

// HasState reports whether name is cached and unexpired.
func (f *Facade) HasState(name string) (bool, error) {
	if err := f.requireInitialized(); err != nil {
		return false, err
	}
	return f.cache.Has(name), nil
}

// GetKeys returns every currently cached key.
func (f *Facade) GetKeys() ([]string, error) {
	if err := f.requireInitialized(); err != nil {
		return nil, err
	}
	return f.cache.Keys(), nil
}

// CreateChangeGroup registers a new write transaction.
func (f *Facade) CreateChangeGroup(controls []changegroup.ControlChange, source string) (*changegroup.Group, error) {
	if err := f.requireInitialized(); err != nil {
		return nil, err
	}
	return f.changeGroups.CreateGroup(controls, source), nil
}

// GetChangeGroup returns a registered change group by ID.
func (f *Facade) GetChangeGroup(id string) (*changegroup.Group, bool, error) {
	if err := f.requireInitialized(); err != nil {
		return nil, false, err
	}
	g, ok := f.changeGroups.Get(id)
	return g, ok, nil
}

// UpdateChangeGroupStatus executes a registered group and reports its
// outcome, emitting changeGroupCompleted (handled inside the engine).
func (f *Facade) UpdateChangeGroupStatus(ctx context.Context, id string, opts changegroup.Options) (*changegroup.ExecutionResult, error) {
	if err := f.requireInitialized(); err != nil {
		return nil, err
	}
	g, ok := f.changeGroups.Get(id)
	if !ok {
		return nil, qrcerr.New(qrcerr.ValidationFailed, "unknown change group "+id)
	}
	return f.changeGroups.Execute(ctx, g, opts)
}

// CleanupChangeGroups removes completed/failed groups older than ttl.
func (f *Facade) CleanupChangeGroups(ttl time.Duration) (int, error) {
	if err := f.requireInitialized(); err != nil {
		return 0, err
	}
	return f.changeGroups.CleanupGroups(ttl), nil
}

// InvalidateStates invalidates a specific set of keys, evicting them from
// the cache and emitting stateInvalidated.
func (f *Facade) InvalidateStates(keys []string) error {
	if err := f.requireInitialized(); err != nil {
		return err
	}
	for _, k := range keys {
		f.cache.Delete(k)
	}
	if f.emitter != nil {
		f.emitter.Emit(events.TypeStateInvalidated, "facade", "", map[string]interface{}{"keys": keys})
	}
	return nil
}

// InvalidatePattern invalidates every cached key matching an enabled
// PATTERN rule in the invalidation engine.
func (f *Facade) InvalidatePattern() ([]string, error) {
	if err := f.requireInitialized(); err != nil {
		return nil, err
	}
	matched := f.invalidation.InvalidateByPattern(f.cache.Keys())
	for _, k := range matched {
		f.cache.Delete(k)
	}
	return matched, nil
}

// Persist writes every currently cached control state to the persistence
// store. A no-op returning nil if no Store was configured.
func (f *Facade) Persist() error {
	if err := f.requireInitialized(); err != nil {
		return err
	}
	if f.persistence == nil {
		return nil
	}

	keys := f.cache.Keys()
	records := make([]persistence.Record, 0, len(keys))
	for _, k := range keys {
		entry, ok := f.cache.Get(k)
		if !ok {
			continue
		}
		records = append(records, persistence.Record{
			Key:       entry.Name,
			Value:     entry.Value,
			Version:   1,
			Timestamp: entry.Timestamp,
		})
	}

	if err := f.persistence.Save(records); err != nil {
		return err
	}
	if f.emitter != nil {
		f.emitter.Emit(events.TypeSyncCompleted, "facade", "", map[string]interface{}{"count": len(records)})
	}
	return nil
}

// Restore loads the persistence store's most recent valid snapshot into
// the cache. A no-op returning nil if no Store was configured.
func (f *Facade) Restore() (int, error) {
	if err := f.requireInitialized(); err != nil {
		return 0, err
	}
	if f.persistence == nil {
		return 0, nil
	}

	records, err := f.persistence.Load()
	if err != nil {
		return 0, err
	}
	for _, r := range records {
		f.cache.Set(r.Key, r.Value, statecache.SourceCache, 0)
	}
	if f.emitter != nil {
		f.emitter.Emit(events.TypeSyncCompleted, "facade", "", map[string]interface{}{"count": len(records), "direction": "restore"})
	}
	return len(records), nil
}

// Statistics aggregates cache performance counters for reporting.
type Statistics struct {
	Cache statecache.Statistics
}

// GetStatistics returns a statistics snapshot.
func (f *Facade) GetStatistics() (Statistics, error) {
	if err := f.requireInitialized(); err != nil {
		return Statistics{}, err
	}
	return Statistics{Cache: f.cache.Stats()}, nil
}

// Health is the aggregated operational summary: connection health, breaker
// state, and cache statistics in one call, for a status endpoint or
// dashboard to consume without reaching into each component individually.
type Health struct {
	ConnectionHealthy bool
	ConnectionState   string
	BreakerState      string
	Cache             statecache.Statistics
}

// Health aggregates connection manager health, breaker state, and cache
// statistics. Safe to call before Initialize; the cache statistics are the
// cache's current counters whether or not the facade is initialized.
func (f *Facade) Health() Health {
	h := Health{Cache: f.cache.Stats()}
	if f.connManager != nil {
		h.ConnectionHealthy = f.connManager.Healthy()
		h.ConnectionState = f.connManager.State().String()
	}
	if f.breaker != nil {
		h.BreakerState = f.breaker.State().String()
	}
	return h
}

// Shutdown stops the invalidation engine's TTL timers. It does not persist
// state, stop event-cache loops, or close the connection.
func (f *Facade) Shutdown() {
	if f.invalidation != nil {
		f.invalidation.Shutdown()
	}
}
