package invalidation

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_TriggerRuleInvalidatesTrigger(t *testing.T) {
	var invalidated []string
	e := New(func(keys []string) { invalidated = append(invalidated, keys...) })

	e.AddRule(&Rule{ID: "r1", Strategy: StrategyManual, Trigger: "MainMixer.gain", Enabled: true})
	e.TriggerRule("r1")

	assert.Equal(t, []string{"MainMixer.gain"}, invalidated)
}

func TestEngine_TriggerRuleSkipsDisabledRule(t *testing.T) {
	var invalidated []string
	e := New(func(keys []string) { invalidated = append(invalidated, keys...) })

	e.AddRule(&Rule{ID: "r1", Strategy: StrategyManual, Trigger: "x", Enabled: false})
	e.TriggerRule("r1")

	assert.Empty(t, invalidated)
}

func TestEngine_InvalidateByPatternMatchesCandidates(t *testing.T) {
	var invalidated []string
	e := New(func(keys []string) { invalidated = append(invalidated, keys...) })

	e.AddRule(&Rule{ID: "r1", Strategy: StrategyPattern, Pattern: regexp.MustCompile(`^MainMixer\..*`), Enabled: true})

	matched := e.InvalidateByPattern([]string{"MainMixer.gain", "MainMixer.mute", "OtherComp.gain"})
	assert.ElementsMatch(t, []string{"MainMixer.gain", "MainMixer.mute"}, matched)
	assert.ElementsMatch(t, matched, invalidated)
}

func TestEngine_InvalidateByDependencyCascadesHighestPriorityFirst(t *testing.T) {
	var order []string
	e := New(func(keys []string) { order = append(order, keys...) })

	e.AddRule(&Rule{ID: "low", Strategy: StrategyDependency, Trigger: "low.key", Dependencies: []string{"root"}, Enabled: true, Priority: 1})
	e.AddRule(&Rule{ID: "high", Strategy: StrategyDependency, Trigger: "high.key", Dependencies: []string{"root"}, Enabled: true, Priority: 10})

	keys := e.InvalidateByDependency("root")
	require.Len(t, keys, 2)
	assert.Equal(t, "high.key", keys[0], "higher priority rule should cascade first")
	assert.Equal(t, "low.key", keys[1])
}

func TestEngine_InvalidateByDependencyVisitsEachRuleOnce(t *testing.T) {
	calls := 0
	e := New(func(keys []string) { calls += len(keys) })

	// A cascades into a trigger that is itself a dependency key of B.
	e.AddRule(&Rule{ID: "a", Strategy: StrategyDependency, Trigger: "mid", Dependencies: []string{"root"}, Enabled: true})
	e.AddRule(&Rule{ID: "b", Strategy: StrategyDependency, Trigger: "leaf", Dependencies: []string{"mid"}, Enabled: true})

	keys := e.InvalidateByDependency("root")
	assert.ElementsMatch(t, []string{"mid", "leaf"}, keys)
	assert.Equal(t, 2, calls)
}

func TestEngine_RemoveRuleCancelsTTLTimer(t *testing.T) {
	fired := make(chan struct{}, 1)
	e := New(func(keys []string) { fired <- struct{}{} })

	e.AddRule(&Rule{ID: "ttl1", Strategy: StrategyTTL, Trigger: "x", TTL: 20 * time.Millisecond, Enabled: true})
	e.RemoveRule("ttl1")

	select {
	case <-fired:
		t.Fatal("rule should not have fired after removal")
	case <-time.After(50 * time.Millisecond):
	}
}
