// Package discovery caches Core component/control descriptors so the
// semantic adapter (C8) need not round-trip to the Core for every list
// operation. The map+mutex registry shape is grounded in the teacher's
// tool catalog, with the static tool registry replaced by a two-tier,
// TTL-bound, LRU-capped cache of Core-reported components and controls.
package discovery

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// ControlKind is an inferred classification of a control, derived from
// name patterns and Core-provided Type/String fields.
type ControlKind string

const (
	KindGain         ControlKind = "gain"
	KindMute         ControlKind = "mute"
	KindInputSelect  ControlKind = "input_select"
	KindOutputSelect ControlKind = "output_select"
	KindUnknown      ControlKind = "unknown"
)

// Component is a cached component descriptor.
type Component struct {
	Name      string
	Type      string
	Timestamp time.Time
}

// ControlMetadata carries the descriptive fields a control may report.
type ControlMetadata struct {
	Min       *float64
	Max       *float64
	Units     string
	Step      float64
	Direction string
	Position  float64
	StringMin string
	StringMax string
	ValueType string
}

// Control is a cached control descriptor.
type Control struct {
	Name          string
	ComponentName string
	InferredKind  ControlKind
	Metadata      ControlMetadata
	CachedAt      time.Time
	TTL           time.Duration
}

func (c Control) fresh(now time.Time) bool {
	if c.TTL <= 0 {
		return true
	}
	return now.Before(c.CachedAt.Add(c.TTL))
}

// controlSet is the per-component map of cached controls, tracked for LRU
// eviction across components.
type controlSet struct {
	controls map[string]Control
}

// Cache is the discovery cache (C5): a single-slot coarse-TTL component
// list plus an LRU-capped map of per-component control sets.
type Cache struct {
	mu sync.Mutex

	componentListTTL time.Duration
	componentList    []Component
	componentListAt  time.Time

	maxControlSets int
	controlSets    map[string]*controlSet
	lruOrder       []string // least-recently-used first
}

// Config configures the discovery cache.
type Config struct {
	ComponentListTTL time.Duration
	MaxControlSets   int
}

// New creates a Cache. MaxControlSets <= 0 defaults to 50 per the spec.
func New(cfg Config) *Cache {
	if cfg.MaxControlSets <= 0 {
		cfg.MaxControlSets = 50
	}
	if cfg.ComponentListTTL <= 0 {
		cfg.ComponentListTTL = 5 * time.Minute
	}
	return &Cache{
		componentListTTL: cfg.ComponentListTTL,
		maxControlSets:   cfg.MaxControlSets,
		controlSets:      make(map[string]*controlSet),
	}
}

// ComponentList returns the cached component list if fresh, else ok=false.
func (c *Cache) ComponentList() ([]Component, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.componentList == nil {
		return nil, false
	}
	if time.Since(c.componentListAt) > c.componentListTTL {
		return nil, false
	}
	return c.componentList, true
}

// SetComponentList replaces the cached component list.
func (c *Cache) SetComponentList(components []Component) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.componentList = components
	c.componentListAt = time.Now()
}

// FilterComponents applies an optional regex filter to the cached list (or
// to the provided list if the cache is stale — caller decides fallback).
func FilterComponents(components []Component, filter *regexp.Regexp) []Component {
	if filter == nil {
		return components
	}
	out := make([]Component, 0, len(components))
	for _, c := range components {
		if filter.MatchString(c.Name) {
			out = append(out, c)
		}
	}
	return out
}

// SetControls replaces the full set of cached controls for a component,
// touching it as most-recently-used and evicting the LRU component set if
// the cap is exceeded.
func (c *Cache) SetControls(componentName string, controls []Control) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := make(map[string]Control, len(controls))
	for _, ctrl := range controls {
		m[ctrl.Name] = ctrl
	}
	c.controlSets[componentName] = &controlSet{controls: m}
	c.touch(componentName)
	c.evictIfNeeded()
}

// GetControl returns a cached control if present and fresh, touching the
// component set as recently used on access.
func (c *Cache) GetControl(componentName, controlName string) (Control, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.controlSets[componentName]
	if !ok {
		return Control{}, false
	}
	ctrl, ok := set.controls[controlName]
	if !ok || !ctrl.fresh(time.Now()) {
		return Control{}, false
	}
	c.touch(componentName)
	return ctrl, true
}

// HasControl reports tri-state presence: true (present and fresh), false
// (known-absent — the component's set is cached but lacks this control),
// or (false, false) meaning unknown (component not cached or expired).
func (c *Cache) HasControl(componentName, controlName string) (present bool, known bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.controlSets[componentName]
	if !ok {
		return false, false
	}
	ctrl, exists := set.controls[controlName]
	if !exists {
		return false, true // known-absent
	}
	if !ctrl.fresh(time.Now()) {
		return false, false // expired -> unknown
	}
	return true, true
}

// Controls returns all cached controls for a component, in no particular
// order, stale entries excluded.
func (c *Cache) Controls(componentName string) []Control {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.controlSets[componentName]
	if !ok {
		return nil
	}
	now := time.Now()
	out := make([]Control, 0, len(set.controls))
	for _, ctrl := range set.controls {
		if ctrl.fresh(now) {
			out = append(out, ctrl)
		}
	}
	return out
}

// touch marks componentName as most-recently-used. Must be called with
// c.mu held.
func (c *Cache) touch(componentName string) {
	for i, name := range c.lruOrder {
		if name == componentName {
			c.lruOrder = append(c.lruOrder[:i], c.lruOrder[i+1:]...)
			break
		}
	}
	c.lruOrder = append(c.lruOrder, componentName)
}

// evictIfNeeded drops the least-recently-used component set once the cap is
// exceeded. Must be called with c.mu held.
func (c *Cache) evictIfNeeded() {
	for len(c.controlSets) > c.maxControlSets && len(c.lruOrder) > 0 {
		oldest := c.lruOrder[0]
		c.lruOrder = c.lruOrder[1:]
		delete(c.controlSets, oldest)
	}
}

// InvalidateAll clears the entire cache — called on connection loss per the
// spec's "invalidated on connection loss; rebuilt on demand" rule.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.componentList = nil
	c.componentListAt = time.Time{}
	c.controlSets = make(map[string]*controlSet)
	c.lruOrder = nil
}

// InferKind classifies a control by name pattern, used when the Core does
// not supply an explicit Type.
func InferKind(name string) ControlKind {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "gain") || strings.Contains(lower, "level"):
		return KindGain
	case strings.Contains(lower, "mute"):
		return KindMute
	case strings.Contains(lower, "input") && strings.Contains(lower, "select"):
		return KindInputSelect
	case strings.Contains(lower, "output") && strings.Contains(lower, "select"):
		return KindOutputSelect
	default:
		return KindUnknown
	}
}
