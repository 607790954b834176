// Package eventcache implements the event cache manager (C10): a bounded,
// per-change-group history of control events with memory-pressure
// eviction, time-windowed compression, and cold-storage spillover.
package eventcache

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ocx/qrc-bridge/internal/events"
	"github.com/ocx/qrc-bridge/internal/qrcerr"
	"github.com/ocx/qrc-bridge/internal/ringbuffer"
)

// Priority governs eviction order under memory pressure: low groups are
// evicted from before normal, normal before high.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// Config configures a Manager. Zero values fall back to the documented
// defaults.
type Config struct {
	MaxMemoryBytes         int64
	MemoryCheckInterval    time.Duration
	RecentWindow           time.Duration
	MediumWindow           time.Duration
	AncientWindow          time.Duration
	CompressionCooldown    time.Duration
	GroupBufferCapacity    int
	SpilloverDir           string // empty disables disk spillover
	SpilloverMaxAgeDays    int
	SpilloverMaxTotalBytes int64
	// SignificantChangeRatio is the minimum |delta|/|previous| that tags an
	// event significant_change. <= 0 defaults to 0.10 (10%).
	SignificantChangeRatio float64
	Emitter                events.Emitter
}

func (c *Config) applyDefaults() {
	if c.MaxMemoryBytes <= 0 {
		c.MaxMemoryBytes = 256 * 1024 * 1024
	}
	if c.MemoryCheckInterval <= 0 {
		c.MemoryCheckInterval = 5 * time.Second
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = 60 * time.Second
	}
	if c.MediumWindow <= 0 {
		c.MediumWindow = 300 * time.Second
	}
	if c.AncientWindow <= 0 {
		c.AncientWindow = 900 * time.Second
	}
	if c.CompressionCooldown <= 0 {
		c.CompressionCooldown = 30 * time.Second
	}
	if c.GroupBufferCapacity <= 0 {
		c.GroupBufferCapacity = 10_000
	}
	if c.SpilloverMaxAgeDays <= 0 {
		c.SpilloverMaxAgeDays = 7
	}
	if c.SignificantChangeRatio <= 0 {
		c.SignificantChangeRatio = 0.10
	}
}

// group is the per-change-group state: its ring buffer, accounting, and
// compression bookkeeping.
type group struct {
	buffer           *ringbuffer.Buffer
	priority         Priority
	seq              uint64
	memoryBytes      int64
	lastCompressedAt time.Time
	pendingSpill     []ringbuffer.Event
	thresholds       map[string]float64 // controlName -> configured crossing threshold
}

// Manager is the event cache manager.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	groups map[string]*group

	totalMemory    int64
	pressureActive bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Manager.
func New(cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:    cfg,
		groups: make(map[string]*group),
		stopCh: make(chan struct{}),
	}
}

func (m *Manager) groupFor(groupID string) *group {
	g, ok := m.groups[groupID]
	if !ok {
		g = &group{
			buffer:   ringbuffer.New(m.cfg.GroupBufferCapacity),
			priority: PriorityNormal,
		}
		m.groups[groupID] = g
	}
	return g
}

// SetGroupPriority sets a group's eviction priority, creating the group if
// it does not yet exist.
func (m *Manager) SetGroupPriority(groupID string, priority Priority) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groupFor(groupID).priority = priority
}

// SetThreshold configures a crossing value for one control within a group:
// RecordEvent tags an event threshold_crossed when the control's value moves
// from one side of threshold to the other.
func (m *Manager) SetThreshold(groupID, controlName string, threshold float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.groupFor(groupID)
	if g.thresholds == nil {
		g.thresholds = make(map[string]float64)
	}
	g.thresholds[controlName] = threshold
}

// RecordEvent appends one observed control change to its group's buffer,
// deriving previousValue/delta from the group's most recent event for that
// control, inferring its eventKind from that comparison, and assigning the
// next per-group sequence number. Producers report raw values; they never
// choose the kind themselves.
func (m *Manager) RecordEvent(groupID, controlName string, value interface{}, stringValue string) ringbuffer.Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := m.groupFor(groupID)
	g.seq++

	now := time.Now()
	e := ringbuffer.Event{
		GroupID:        groupID,
		ControlName:    controlName,
		Value:          value,
		StringValue:    stringValue,
		TimestampNs:    now.UnixNano(),
		TimestampMs:    now.UnixMilli(),
		SequenceNumber: g.seq,
		EventKind:      ringbuffer.KindChange,
	}

	if prev, ok := g.buffer.NewestForControl(controlName); ok {
		e.PreviousValue = prev.Value
		if delta, ok := numericDelta(prev.Value, value); ok {
			e.Delta = delta
			e.HasDelta = true
		}
		threshold, hasThreshold := g.thresholds[controlName]
		e.EventKind = inferKind(prev.Value, value, e.Delta, e.HasDelta, threshold, hasThreshold, m.cfg.SignificantChangeRatio)
	}

	size := estimateEventSize(e)
	evicted, didEvict := g.buffer.Append(e)
	g.memoryBytes += size
	m.totalMemory += size
	if didEvict {
		evictedSize := estimateEventSize(evicted)
		g.memoryBytes -= evictedSize
		m.totalMemory -= evictedSize
		if m.cfg.SpilloverDir != "" {
			g.pendingSpill = append(g.pendingSpill, evicted)
		}
	}

	return e
}

// inferKind classifies a recorded change against its previous value: a
// boolean flip or a numeric sign change is a state transition, a move across
// a configured threshold is a threshold crossing, and otherwise a relative
// delta at or past ratio is a significant change. Anything left over is a
// plain change.
func inferKind(prev, cur interface{}, delta float64, hasDelta bool, threshold float64, hasThreshold bool, ratio float64) ringbuffer.EventKind {
	if pb, ok1 := prev.(bool); ok1 {
		if cb, ok2 := cur.(bool); ok2 && pb != cb {
			return ringbuffer.KindStateTransition
		}
	}

	if hasDelta {
		if pf, ok := toFloat(prev); ok {
			cf, _ := toFloat(cur)
			if signOf(pf) != signOf(cf) {
				return ringbuffer.KindStateTransition
			}
			if hasThreshold && crossesThreshold(pf, cf, threshold) {
				return ringbuffer.KindThresholdCrossed
			}
		}
		if pf, ok := toFloat(prev); ok && pf != 0 && math.Abs(delta)/math.Abs(pf) >= ratio {
			return ringbuffer.KindSignificantChange
		} else if !ok && delta != 0 {
			return ringbuffer.KindSignificantChange
		}
	}

	return ringbuffer.KindChange
}

func signOf(f float64) int {
	switch {
	case f > 0:
		return 1
	case f < 0:
		return -1
	default:
		return 0
	}
}

func crossesThreshold(prev, cur, threshold float64) bool {
	return (prev < threshold && cur >= threshold) || (prev >= threshold && cur < threshold)
}

func numericDelta(prev, cur interface{}) (float64, bool) {
	p, ok1 := toFloat(prev)
	c, ok2 := toFloat(cur)
	if !ok1 || !ok2 {
		return 0, false
	}
	return c - p, true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// estimateEventSize approximates an event's memory footprint using
// UTF-16-equivalent string sizing (2 bytes/char) plus a fixed per-event
// overhead for struct/bookkeeping cost.
func estimateEventSize(e ringbuffer.Event) int64 {
	const overhead = 96
	size := int64(overhead)
	size += int64(len(e.ControlName)) * 2
	size += int64(len(e.StringValue)) * 2
	size += valueSize(e.Value)
	size += valueSize(e.PreviousValue)
	return size
}

func valueSize(v interface{}) int64 {
	switch val := v.(type) {
	case nil:
		return 0
	case string:
		return int64(len(val)) * 2
	case bool:
		return 1
	case float64, float32, int, int64, uint64:
		return 8
	default:
		return 16
	}
}

// MemoryUsage reports current total memory usage and the configured limit.
func (m *Manager) MemoryUsage() (used, limit int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalMemory, m.cfg.MaxMemoryBytes
}

// CheckMemoryPressure evaluates usage against the high/critical thresholds,
// evicting lowest-priority-first down to ~75% of the limit when either
// threshold is crossed, and emits memoryPressure/memoryPressureResolved
// events on transition.
func (m *Manager) CheckMemoryPressure() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.MaxMemoryBytes <= 0 {
		return
	}
	percentage := float64(m.totalMemory) / float64(m.cfg.MaxMemoryBytes)

	if percentage >= 0.80 {
		level := "high"
		if percentage >= 0.90 {
			level = "critical"
		}
		before := m.totalMemory
		m.evictToTarget(0.75)
		freedByEviction := before - m.totalMemory

		if !m.pressureActive {
			m.pressureActive = true
		}
		if m.cfg.Emitter != nil {
			m.cfg.Emitter.Emit(events.TypeMemoryPressure, "eventcache", "", map[string]interface{}{
				"level":      level,
				"percentage": percentage,
				"totalUsage": before,
				"limit":      m.cfg.MaxMemoryBytes,
				"freed":      freedByEviction,
			})
		}
		return
	}

	if m.pressureActive && percentage < 0.80 {
		m.pressureActive = false
		if m.cfg.Emitter != nil {
			m.cfg.Emitter.Emit(events.TypeMemoryPressureOK, "eventcache", "", map[string]interface{}{
				"percentage": percentage,
			})
		}
	}
}

// evictToTarget drops the oldest events from the lowest-priority groups
// first until total memory is at or below targetRatio of the limit. Must
// be called with m.mu held.
func (m *Manager) evictToTarget(targetRatio float64) {
	target := int64(float64(m.cfg.MaxMemoryBytes) * targetRatio)

	for _, pr := range []Priority{PriorityLow, PriorityNormal, PriorityHigh} {
		if m.totalMemory <= target {
			return
		}
		ids := make([]string, 0)
		for id, g := range m.groups {
			if g.priority == pr && g.buffer.Len() > 0 {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids) // deterministic order within a priority tier

		for _, id := range ids {
			g := m.groups[id]
			for g.buffer.Len() > 0 && m.totalMemory > target {
				evicted, ok := dropOldestFrom(g.buffer)
				if !ok {
					break
				}
				freed := estimateEventSize(evicted)
				g.memoryBytes -= freed
				m.totalMemory -= freed
				if m.cfg.SpilloverDir != "" {
					g.pendingSpill = append(g.pendingSpill, evicted)
				}
			}
			if m.totalMemory <= target {
				return
			}
		}
	}
}

// dropOldestFrom removes and returns the single oldest event in buf.
func dropOldestFrom(buf *ringbuffer.Buffer) (ringbuffer.Event, bool) {
	all := buf.All()
	if len(all) == 0 {
		return ringbuffer.Event{}, false
	}
	oldest := all[0]
	buf.DropOldest(1)
	return oldest, true
}

// RunMemoryMonitor polls memory pressure on cfg.MemoryCheckInterval until
// ctx is cancelled or Shutdown is called.
func (m *Manager) RunMemoryMonitor(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.MemoryCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.CheckMemoryPressure()
		}
	}
}

// Shutdown stops any running monitor loop.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// isSignificant reports whether an event counts as significant: an
// already-tagged significant change, a threshold crossing, a state
// transition, or at least a 10% change from its previous value. In the
// medium window, CompressGroup keeps tagged events outright and untagged
// significant ones only when at least 1s after the last kept event for
// the same control.
func isSignificant(e ringbuffer.Event) bool {
	switch e.EventKind {
	case ringbuffer.KindSignificantChange, ringbuffer.KindThresholdCrossed, ringbuffer.KindStateTransition:
		return true
	}
	if !e.HasDelta {
		return false
	}
	prev, ok := toFloat(e.PreviousValue)
	if !ok || prev == 0 {
		return e.Delta != 0
	}
	return math.Abs(e.Delta)/math.Abs(prev) >= 0.10
}

// CompressGroup applies the recent/medium/ancient retention windows to one
// group's buffer, dropping events that don't survive their window's
// keep-rule. A no-op if the group's cooldown has not yet elapsed.
func (m *Manager) CompressGroup(groupID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupID]
	if !ok {
		return false
	}
	now := time.Now()
	if !g.lastCompressedAt.IsZero() && now.Sub(g.lastCompressedAt) < m.cfg.CompressionCooldown {
		return false
	}

	bufEvents := g.buffer.All()
	kept := make([]ringbuffer.Event, 0, len(bufEvents))
	lastKeptNs := make(map[string]int64)

	nowNs := now.UnixNano()
	recentCutoff := nowNs - m.cfg.RecentWindow.Nanoseconds()
	mediumCutoff := nowNs - m.cfg.MediumWindow.Nanoseconds()
	ancientCutoff := nowNs - m.cfg.AncientWindow.Nanoseconds()

	for _, e := range bufEvents {
		switch {
		case e.TimestampNs >= recentCutoff:
			kept = append(kept, e)
			lastKeptNs[e.ControlName] = e.TimestampNs
		case e.TimestampNs >= mediumCutoff:
			sinceLast, seen := lastKeptNs[e.ControlName]
			farEnough := !seen || (e.TimestampNs-sinceLast) >= time.Second.Nanoseconds()
			tagged := e.EventKind == ringbuffer.KindSignificantChange || e.EventKind == ringbuffer.KindThresholdCrossed || e.EventKind == ringbuffer.KindStateTransition
			if tagged || (isSignificant(e) && farEnough) {
				kept = append(kept, e)
				lastKeptNs[e.ControlName] = e.TimestampNs
			}
		case e.TimestampNs >= ancientCutoff:
			if e.EventKind == ringbuffer.KindStateTransition {
				kept = append(kept, e)
				lastKeptNs[e.ControlName] = e.TimestampNs
			}
		default:
			// older than the ancient window: dropped entirely
		}
	}

	rebuilt := ringbuffer.New(g.buffer.Capacity())
	var newMemory int64
	for _, e := range kept {
		rebuilt.Append(e)
		newMemory += estimateEventSize(e)
	}

	m.totalMemory += newMemory - g.memoryBytes
	g.memoryBytes = newMemory
	g.buffer = rebuilt
	g.lastCompressedAt = now
	return true
}

// CompressAll runs CompressGroup over every registered group.
func (m *Manager) CompressAll() int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.groups))
	for id := range m.groups {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	compressed := 0
	for _, id := range ids {
		if m.CompressGroup(id) {
			compressed++
		}
	}
	return compressed
}

// Query is a history read request.
type Query struct {
	GroupID      string
	ControlNames []string
	StartTimeNs  int64
	EndTimeNs    int64
	ValueFilter  func(interface{}) bool
	Offset       int
	Limit        int
}

// QueryResult is a page of events plus the total match count, letting
// callers compute contiguous, non-overlapping pages.
type QueryResult struct {
	Events []ringbuffer.Event
	Total  int
}

// Query returns events matching q, sorted by (timestampNs, sequenceNumber),
// filtered before paginating so offset/limit windows never overlap.
func (m *Manager) Query(q Query) (QueryResult, error) {
	if q.GroupID == "" {
		return QueryResult{}, qrcerr.New(qrcerr.ValidationFailed, "query requires a groupId")
	}
	if q.Limit < 0 || q.Offset < 0 {
		return QueryResult{}, qrcerr.New(qrcerr.ValidationFailed, "offset/limit must not be negative")
	}

	m.mu.Lock()
	g, ok := m.groups[q.GroupID]
	var liveEvents []ringbuffer.Event
	var spillDir string
	if ok {
		liveEvents = g.buffer.Range(q.StartTimeNs, q.EndTimeNs)
	}
	spillDir = m.cfg.SpilloverDir
	m.mu.Unlock()

	all := liveEvents
	if spillDir != "" {
		archived, err := loadSpillEvents(spillDir, q.GroupID, q.StartTimeNs, q.EndTimeNs)
		if err != nil {
			return QueryResult{}, err
		}
		all = mergeEvents(archived, liveEvents)
	}

	matchSet := controlNameSet(q.ControlNames)
	filtered := make([]ringbuffer.Event, 0, len(all))
	for _, e := range all {
		if matchSet != nil && !matchSet[e.ControlName] {
			continue
		}
		if q.ValueFilter != nil && !q.ValueFilter(e.Value) {
			continue
		}
		filtered = append(filtered, e)
	}

	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].TimestampNs != filtered[j].TimestampNs {
			return filtered[i].TimestampNs < filtered[j].TimestampNs
		}
		return filtered[i].SequenceNumber < filtered[j].SequenceNumber
	})

	total := len(filtered)
	start := q.Offset
	if start > total {
		start = total
	}
	end := total
	if q.Limit > 0 && start+q.Limit < end {
		end = start + q.Limit
	}

	return QueryResult{Events: filtered[start:end], Total: total}, nil
}

func controlNameSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

func mergeEvents(a, b []ringbuffer.Event) []ringbuffer.Event {
	out := make([]ringbuffer.Event, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	return out
}
