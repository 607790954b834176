package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_SubscribeReceivesMatchingType(t *testing.T) {
	bus := NewBus(nil)
	ch := bus.Subscribe(TypeStateChanged)
	defer bus.Unsubscribe(ch)

	bus.Emit(TypeStateChanged, "facade", "Gain1.gain", map[string]interface{}{"value": 3.5})

	select {
	case ev := <-ch:
		assert.Equal(t, TypeStateChanged, ev.Type)
		assert.Equal(t, "Gain1.gain", ev.Subject)
		require.NotEmpty(t, ev.ID)
	case <-time.After(time.Second):
		t.Fatal("expected event not received")
	}
}

func TestBus_SubscribeIgnoresNonMatchingType(t *testing.T) {
	bus := NewBus(nil)
	ch := bus.Subscribe(TypeError)
	defer bus.Unsubscribe(ch)

	bus.Emit(TypeStateChanged, "facade", "x", nil)

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event received: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_WildcardSubscriberReceivesAllTypes(t *testing.T) {
	bus := NewBus(nil)
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	bus.Emit(TypeCacheEvicted, "cache", "", map[string]interface{}{"reason": "lru"})

	select {
	case ev := <-ch:
		assert.Equal(t, TypeCacheEvicted, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected event not received")
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(nil)
	ch := bus.Subscribe(TypeError)
	bus.Unsubscribe(ch)

	assert.Equal(t, 0, bus.SubscriberCount())

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestBus_SubscriberCountTracksAllAndTyped(t *testing.T) {
	bus := NewBus(nil)
	a := bus.Subscribe(TypeError)
	b := bus.Subscribe()
	defer bus.Unsubscribe(a)
	defer bus.Unsubscribe(b)

	assert.Equal(t, 2, bus.SubscriberCount())
}

func TestBus_PublishDropsOnFullBuffer(t *testing.T) {
	bus := NewBus(nil)
	ch := bus.Subscribe(TypeError)
	defer bus.Unsubscribe(ch)

	for i := 0; i < bus.bufferSize+10; i++ {
		bus.Emit(TypeError, "test", "", nil)
	}

	assert.LessOrEqual(t, len(ch), bus.bufferSize)
}
