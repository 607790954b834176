// Package events is an in-process pub/sub bus for bridge lifecycle events —
// state changes, cache evictions, change-group completions, and memory
// pressure — consumed by in-process listeners (the facade's health
// aggregation, logging, an embedding application). There is no durable or
// cross-process delivery; the bridge has exactly one process to notify.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Well-known event types emitted by the state facade and its components.
const (
	TypeStateChanged         = "bridge.control.changed"
	TypeBatchUpdate          = "bridge.control.batch_update"
	TypeStateInvalidated     = "bridge.cache.invalidated"
	TypeCacheEvicted         = "bridge.cache.evicted"
	TypeChangeGroupCreated   = "bridge.change_group.created"
	TypeChangeGroupCompleted = "bridge.change_group.completed"
	TypeSyncCompleted        = "bridge.sync.completed"
	TypeError                = "bridge.error"
	TypeMemoryPressure       = "bridge.memory.pressure"
	TypeMemoryPressureOK     = "bridge.memory.pressure_resolved"
	TypeControlChanged       = "bridge.control.value_changed"
	TypeControlFailed        = "bridge.control.failed"
	TypeChangeGroupChanges   = "bridge.change_group.changes"
)

// Emitter is the interface components depend on to publish events, letting
// tests substitute a recording stub for Bus.
type Emitter interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

// Event is the envelope for every bridge event. The shape mirrors CloudEvents
// 1.0 because several downstream consumers (logging, an embedding app's SSE
// stream) already expect that convention.
type Event struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// NewEvent builds an Event envelope with a fresh ID and current timestamp.
func NewEvent(eventType, source, subject string, data map[string]interface{}) *Event {
	return &Event{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      source,
		ID:          uuid.NewString(),
		Time:        time.Now(),
		Subject:     subject,
		Data:        data,
	}
}

// JSON serializes the event.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Bus is an in-process pub/sub event bus. Subscribers receive events on
// buffered channels; a full channel drops the event rather than blocking
// the publisher, so one slow listener cannot stall control-path latency.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Event
	allSubs     []chan *Event
	logger      *slog.Logger
	bufferSize  int
}

// NewBus creates a new event bus. A nil logger uses slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string][]chan *Event),
		allSubs:     make([]chan *Event, 0),
		logger:      logger,
		bufferSize:  100,
	}
}

// Subscribe creates a channel that receives events of the given types. Pass
// no eventTypes to receive everything.
func (b *Bus) Subscribe(eventTypes ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)

	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			b.subscribers[et] = append(b.subscribers[et], ch)
		}
	}

	return ch
}

// Unsubscribe removes a subscription channel and closes it.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		filtered := make([]chan *Event, 0, len(subs))
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[et] = filtered
	}

	filtered := make([]chan *Event, 0, len(b.allSubs))
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered

	close(ch)
}

// Publish sends an event to all matching subscribers, dropping it for any
// subscriber whose buffer is full.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			b.logger.Warn("event dropped, subscriber buffer full", "type", event.Type, "subscriber_count", len(b.subscribers[event.Type]))
		}
	}

	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
			b.logger.Warn("event dropped, wildcard subscriber buffer full", "type", event.Type)
		}
	}
}

// Emit creates and publishes an event in one call.
func (b *Bus) Emit(eventType, source, subject string, data map[string]interface{}) {
	b.Publish(NewEvent(eventType, source, subject, data))
}

// SubscriberCount returns the total number of active subscriber channels.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}

var _ Emitter = (*Bus)(nil)
