package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_ComponentListFreshWithinTTL(t *testing.T) {
	c := New(Config{ComponentListTTL: time.Minute})
	c.SetComponentList([]Component{{Name: "MainMixer", Type: "mixer"}})

	list, ok := c.ComponentList()
	require.True(t, ok)
	assert.Len(t, list, 1)
}

func TestCache_ComponentListExpiresAfterTTL(t *testing.T) {
	c := New(Config{ComponentListTTL: 10 * time.Millisecond})
	c.SetComponentList([]Component{{Name: "MainMixer"}})

	time.Sleep(20 * time.Millisecond)
	_, ok := c.ComponentList()
	assert.False(t, ok)
}

func TestCache_HasControlTriState(t *testing.T) {
	c := New(Config{})
	c.SetControls("MainMixer", []Control{{Name: "gain", ComponentName: "MainMixer", TTL: time.Minute, CachedAt: time.Now()}})

	present, known := c.HasControl("MainMixer", "gain")
	assert.True(t, present)
	assert.True(t, known)

	present, known = c.HasControl("MainMixer", "mute")
	assert.False(t, present)
	assert.True(t, known, "known-absent for a component whose set is cached")

	present, known = c.HasControl("OtherComponent", "gain")
	assert.False(t, present)
	assert.False(t, known, "unknown when component was never cached")
}

func TestCache_EvictsLeastRecentlyUsedControlSet(t *testing.T) {
	c := New(Config{MaxControlSets: 2})
	c.SetControls("A", []Control{{Name: "x"}})
	c.SetControls("B", []Control{{Name: "x"}})
	c.GetControl("A", "x") // touch A, making B the LRU
	c.SetControls("C", []Control{{Name: "x"}})

	_, known := c.HasControl("B", "x")
	assert.False(t, known, "B should have been evicted as LRU")

	_, known = c.HasControl("A", "x")
	assert.True(t, known)
	_, known = c.HasControl("C", "x")
	assert.True(t, known)
}

func TestCache_InvalidateAllClearsEverything(t *testing.T) {
	c := New(Config{})
	c.SetComponentList([]Component{{Name: "X"}})
	c.SetControls("X", []Control{{Name: "gain"}})

	c.InvalidateAll()

	_, ok := c.ComponentList()
	assert.False(t, ok)
	_, known := c.HasControl("X", "gain")
	assert.False(t, known)
}

func TestInferKind_ClassifiesByNamePattern(t *testing.T) {
	assert.Equal(t, KindGain, InferKind("MainMixer.gain"))
	assert.Equal(t, KindMute, InferKind("Channel1.mute"))
	assert.Equal(t, KindInputSelect, InferKind("input.select.1"))
	assert.Equal(t, KindUnknown, InferKind("custom.param"))
}
