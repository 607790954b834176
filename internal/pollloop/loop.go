// Package pollloop implements the poll/subscribe loop (C11): it drives the
// Core's native ChangeGroup.Poll mechanism on a fixed interval for every
// active subscription and feeds observed changes into the event cache
// manager (C10).
package pollloop

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/qrc-bridge/internal/eventcache"
	"github.com/ocx/qrc-bridge/internal/events"
	"github.com/ocx/qrc-bridge/internal/qrcerr"
)

// CoreClient is the QRC transport surface the loop depends on.
type CoreClient interface {
	SendCommand(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
	Connected() bool
}

// changeGroupAddControlParams requests the Core start tracking a set of
// named controls under one change group ID.
type changeGroupAddControlParams struct {
	ID       string   `json:"Id"`
	Controls []string `json:"Controls"`
}

type changeGroupPollParams struct {
	ID string `json:"Id"`
}

type changeGroupInvalidateParams struct {
	ID string `json:"Id"`
}

// rawChange is one changed control as reported by ChangeGroup.Poll.
type rawChange struct {
	Name   string      `json:"Name"`
	Value  interface{} `json:"Value"`
	String string      `json:"String"`
}

type subscription struct {
	controls []string
	pollSeq  uint64
}

// Loop polls every active subscription on a fixed interval.
type Loop struct {
	core     CoreClient
	cache    *eventcache.Manager
	emitter  events.Emitter
	logger   *slog.Logger
	interval time.Duration

	mu   sync.Mutex
	subs map[string]*subscription
}

// New creates a Loop. interval <= 0 defaults to the documented 350ms.
func New(core CoreClient, cache *eventcache.Manager, emitter events.Emitter, interval time.Duration, logger *slog.Logger) *Loop {
	if interval <= 0 {
		interval = 350 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		core:     core,
		cache:    cache,
		emitter:  emitter,
		logger:   logger,
		interval: interval,
		subs:     make(map[string]*subscription),
	}
}

// Subscribe registers a change group with the Core and starts polling it.
func (l *Loop) Subscribe(ctx context.Context, groupID string, controls []string) error {
	if groupID == "" {
		return qrcerr.New(qrcerr.ValidationFailed, "subscribe requires a non-empty groupId")
	}
	if _, err := l.core.SendCommand(ctx, "ChangeGroup.AddControl", changeGroupAddControlParams{ID: groupID, Controls: controls}); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if sub, ok := l.subs[groupID]; ok {
		sub.controls = appendUnique(sub.controls, controls)
		return nil
	}
	l.subs[groupID] = &subscription{controls: controls}
	return nil
}

func appendUnique(existing, add []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, c := range existing {
		seen[c] = true
	}
	out := existing
	for _, c := range add {
		if !seen[c] {
			out = append(out, c)
			seen[c] = true
		}
	}
	return out
}

// Unsubscribe stops polling a group. The Core-side change group is left
// intact; callers needing it released should issue a raw ChangeGroup.Remove
// through the semantic adapter.
func (l *Loop) Unsubscribe(groupID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.subs, groupID)
}

// Invalidate resets a group's poll sequence counter and asks the Core to
// invalidate its cached change-group state, forcing the next poll to report
// every tracked control as changed.
func (l *Loop) Invalidate(ctx context.Context, groupID string) error {
	if _, err := l.core.SendCommand(ctx, "ChangeGroup.Invalidate", changeGroupInvalidateParams{ID: groupID}); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if sub, ok := l.subs[groupID]; ok {
		sub.pollSeq = 0
	}
	return nil
}

// Run polls every active subscription every interval until ctx is
// cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.pollAll(ctx)
		}
	}
}

func (l *Loop) pollAll(ctx context.Context) {
	if !l.core.Connected() {
		return
	}

	l.mu.Lock()
	groupIDs := make([]string, 0, len(l.subs))
	for id := range l.subs {
		groupIDs = append(groupIDs, id)
	}
	l.mu.Unlock()

	for _, id := range groupIDs {
		if err := l.pollGroup(ctx, id); err != nil {
			l.logger.Warn("pollloop: poll failed", "groupId", id, "error", err)
		}
	}
}

func (l *Loop) pollGroup(ctx context.Context, groupID string) error {
	raw, err := l.core.SendCommand(ctx, "ChangeGroup.Poll", changeGroupPollParams{ID: groupID})
	if err != nil {
		return err
	}

	var resp struct {
		Changes []rawChange `json:"Changes"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return qrcerr.Wrap(qrcerr.CommandFailed, "decode ChangeGroup.Poll response", err)
	}
	if len(resp.Changes) == 0 {
		return nil
	}

	l.mu.Lock()
	sub, ok := l.subs[groupID]
	if !ok {
		l.mu.Unlock()
		return nil
	}
	sub.pollSeq++
	seq := sub.pollSeq
	l.mu.Unlock()

	now := time.Now()
	changeData := make([]map[string]interface{}, 0, len(resp.Changes))
	for _, c := range resp.Changes {
		l.cache.RecordEvent(groupID, c.Name, c.Value, c.String)
		changeData = append(changeData, map[string]interface{}{"name": c.Name, "value": c.Value, "string": c.String})
	}

	if l.emitter != nil {
		l.emitter.Emit(events.TypeChangeGroupChanges, "pollloop", groupID, map[string]interface{}{
			"groupId":        groupID,
			"changes":        changeData,
			"timestamp":      now,
			"timestampMs":    now.UnixMilli(),
			"sequenceNumber": seq,
		})
	}
	return nil
}
