// Package invalidation implements the rule-driven invalidation engine
// (C7): TTL, manual, event, pattern, and dependency-triggered rules, with
// cascading invalidation through a dependency graph.
package invalidation

import (
	"context"
	"regexp"
	"sort"
	"sync"
	"time"
)

// Strategy is the invalidation trigger mechanism for a Rule.
type Strategy string

const (
	StrategyTTL        Strategy = "TTL"
	StrategyManual     Strategy = "MANUAL"
	StrategyEvent      Strategy = "EVENT"
	StrategyPattern    Strategy = "PATTERN"
	StrategyDependency Strategy = "DEPENDENCY"
	StrategyLRU        Strategy = "LRU"
)

// Rule describes one invalidation rule.
type Rule struct {
	ID           string
	Strategy     Strategy
	Trigger      string // free-form trigger identifier (event name, etc.)
	Pattern      *regexp.Regexp
	TTL          time.Duration
	Dependencies []string
	Enabled      bool
	Priority     int
}

// Invalidator is invoked with the keys a rule determined should be
// invalidated.
type Invalidator func(keys []string)

// Engine owns the set of rules and the dependency graph mapping a
// dependency name to the rule IDs that depend on it.
type Engine struct {
	mu    sync.Mutex
	rules map[string]*Rule
	deps  map[string]map[string]bool // dependencyName -> set of ruleIDs

	invalidate Invalidator

	ttlCancel map[string]context.CancelFunc
}

// New creates an Engine. invalidate is called with the keys to evict
// whenever a rule fires.
func New(invalidate Invalidator) *Engine {
	return &Engine{
		rules:      make(map[string]*Rule),
		deps:       make(map[string]map[string]bool),
		invalidate: invalidate,
		ttlCancel:  make(map[string]context.CancelFunc),
	}
}

// AddRule registers a rule, wiring its dependencies into the graph and
// scheduling it if it is a self-rescheduling TTL rule.
func (e *Engine) AddRule(rule *Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rules[rule.ID] = rule
	for _, dep := range rule.Dependencies {
		if e.deps[dep] == nil {
			e.deps[dep] = make(map[string]bool)
		}
		e.deps[dep][rule.ID] = true
	}

	if rule.Strategy == StrategyTTL && rule.Enabled && rule.TTL > 0 {
		e.scheduleTTL(rule)
	}
}

// scheduleTTL starts a self-rescheduling timer for a TTL rule. Must be
// called with e.mu held.
func (e *Engine) scheduleTTL(rule *Rule) {
	ctx, cancel := context.WithCancel(context.Background())
	e.ttlCancel[rule.ID] = cancel

	go func() {
		timer := time.NewTimer(rule.TTL)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			e.TriggerRule(rule.ID)
			e.mu.Lock()
			stillEnabled := rule.Enabled
			e.mu.Unlock()
			if stillEnabled {
				e.mu.Lock()
				e.scheduleTTL(rule)
				e.mu.Unlock()
			}
		}
	}()
}

// RemoveRule disables and removes a rule, cancelling any TTL timer.
func (e *Engine) RemoveRule(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cancel, ok := e.ttlCancel[id]; ok {
		cancel()
		delete(e.ttlCancel, id)
	}
	if rule, ok := e.rules[id]; ok {
		rule.Enabled = false
	}
	delete(e.rules, id)
	for dep, set := range e.deps {
		delete(set, id)
		if len(set) == 0 {
			delete(e.deps, dep)
		}
	}
}

// TriggerRule fires a rule by ID regardless of strategy, invalidating the
// key named by its Trigger.
func (e *Engine) TriggerRule(id string) {
	e.mu.Lock()
	rule, ok := e.rules[id]
	e.mu.Unlock()
	if !ok || !rule.Enabled {
		return
	}
	if e.invalidate != nil && rule.Trigger != "" {
		e.invalidate([]string{rule.Trigger})
	}
}

// InvalidateByPattern invalidates every key in candidateKeys matching any
// enabled PATTERN rule.
func (e *Engine) InvalidateByPattern(candidateKeys []string) []string {
	e.mu.Lock()
	patterns := make([]*regexp.Regexp, 0)
	for _, r := range e.rules {
		if r.Strategy == StrategyPattern && r.Enabled && r.Pattern != nil {
			patterns = append(patterns, r.Pattern)
		}
	}
	e.mu.Unlock()

	matched := make([]string, 0)
	for _, key := range candidateKeys {
		for _, p := range patterns {
			if p.MatchString(key) {
				matched = append(matched, key)
				break
			}
		}
	}

	if len(matched) > 0 && e.invalidate != nil {
		e.invalidate(matched)
	}
	return matched
}

// InvalidateByDependency cascades invalidation through the dependency
// graph starting from dependencyName, processing affected rules in
// highest-priority-first order and visiting each rule at most once.
func (e *Engine) InvalidateByDependency(dependencyName string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	visited := make(map[string]bool)
	keys := make([]string, 0)

	var cascade func(dep string)
	cascade = func(dep string) {
		ruleIDs := make([]string, 0, len(e.deps[dep]))
		for id := range e.deps[dep] {
			ruleIDs = append(ruleIDs, id)
		}
		sort.Slice(ruleIDs, func(i, j int) bool {
			return e.rules[ruleIDs[i]].Priority > e.rules[ruleIDs[j]].Priority
		})

		for _, id := range ruleIDs {
			if visited[id] {
				continue
			}
			visited[id] = true
			rule := e.rules[id]
			if !rule.Enabled {
				continue
			}
			if rule.Trigger != "" {
				keys = append(keys, rule.Trigger)
			}
			// Cascade further: this rule's own trigger may itself be a
			// dependency other rules key off of.
			if rule.Trigger != "" {
				cascade(rule.Trigger)
			}
		}
	}
	cascade(dependencyName)

	if len(keys) > 0 && e.invalidate != nil {
		e.invalidate(keys)
	}
	return keys
}

// Shutdown cancels every scheduled TTL timer.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cancel := range e.ttlCancel {
		cancel()
	}
	e.ttlCancel = make(map[string]context.CancelFunc)
}
