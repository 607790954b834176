package changegroup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/qrc-bridge/internal/qrcerr"
)

type fakeIO struct {
	mu     sync.Mutex
	values map[string]interface{}
	fail   map[string]bool
	writes []string
}

func newFakeIO() *fakeIO {
	return &fakeIO{values: make(map[string]interface{}), fail: make(map[string]bool)}
}

func (f *fakeIO) GetValue(ctx context.Context, name string) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[name], nil
}

func (f *fakeIO) SetValue(ctx context.Context, name string, value interface{}, ramp float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, name)
	if f.fail[name] {
		return qrcerr.New(qrcerr.CommandFailed, "simulated failure")
	}
	f.values[name] = value
	return nil
}

func TestEngine_ExecuteAllSucceed(t *testing.T) {
	io := newFakeIO()
	io.values["A.gain"] = -10.0
	io.values["A.mute"] = false

	e := New(io, nil, nil, 0)
	g := e.CreateGroup([]ControlChange{
		{Name: "A.gain", Value: -5.0},
		{Name: "A.mute", Value: true},
	}, "test")

	result, err := e.Execute(context.Background(), g, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 2, result.SuccessCount)
	assert.Equal(t, 0, result.FailureCount)
	assert.False(t, result.RollbackPerformed)
	assert.Equal(t, StatusCompleted, g.Status)
}

func TestEngine_RollbackOnFailureRestoresPreviousValues(t *testing.T) {
	io := newFakeIO()
	io.values["A.gain"] = -10.0
	io.values["A.mute"] = false
	io.fail["A.mute"] = true

	e := New(io, nil, nil, 0)
	g := e.CreateGroup([]ControlChange{
		{Name: "A.gain", Value: -5.0},
		{Name: "A.mute", Value: true},
	}, "test")

	opts := DefaultOptions()
	opts.ContinueOnError = true // let both dispatch so gain succeeds and mute fails
	result, err := e.Execute(context.Background(), g, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, result.FailureCount)
	assert.True(t, result.RollbackPerformed)
	assert.Equal(t, -10.0, io.values["A.gain"], "successful write should be rolled back to its captured previous value")
	assert.Equal(t, StatusFailed, g.Status)
}

func TestEngine_ValidateRejectsEmptyControlName(t *testing.T) {
	e := New(newFakeIO(), nil, nil, 0)
	g := e.CreateGroup([]ControlChange{{Name: "  ", Value: 1.0}}, "test")

	_, err := e.Execute(context.Background(), g, DefaultOptions())
	require.Error(t, err)
	kind, ok := qrcerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, qrcerr.ValidationFailed, kind)
}

func TestEngine_ValidateRejectsWhenDisconnected(t *testing.T) {
	e := New(newFakeIO(), func() bool { return false }, nil, 0)
	g := e.CreateGroup([]ControlChange{{Name: "A.gain", Value: 1.0}}, "test")

	_, err := e.Execute(context.Background(), g, DefaultOptions())
	require.Error(t, err)
	kind, ok := qrcerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, qrcerr.ConnectionClosed, kind)
}

func TestEngine_ValidateRejectsRampOutOfRange(t *testing.T) {
	e := New(newFakeIO(), nil, nil, 0)
	g := e.CreateGroup([]ControlChange{{Name: "A.gain", Value: 1.0, Ramp: -1}}, "test")

	_, err := e.Execute(context.Background(), g, DefaultOptions())
	require.Error(t, err)
}

func TestEngine_MaxConcurrentChangesBoundsInFlightWrites(t *testing.T) {
	io := newFakeIO()
	controls := make([]ControlChange, 20)
	for i := range controls {
		controls[i] = ControlChange{Name: "A.ctrl", Value: i}
	}

	e := New(io, nil, nil, 0)
	g := e.CreateGroup(controls, "test")
	opts := DefaultOptions()
	opts.MaxConcurrentChanges = 3
	opts.ContinueOnError = true

	result, err := e.Execute(context.Background(), g, opts)
	require.NoError(t, err)
	assert.Equal(t, 20, result.SuccessCount)
}

func TestEngine_CleanupGroupsRemovesOldCompletedGroups(t *testing.T) {
	e := New(newFakeIO(), nil, nil, 0)
	g := e.CreateGroup([]ControlChange{{Name: "A.gain", Value: 1.0}}, "test")
	g.CreatedAt = time.Now().Add(-time.Hour)
	g.Status = StatusCompleted

	removed := e.CleanupGroups(time.Minute)
	assert.Equal(t, 1, removed)
	_, ok := e.Get(g.ID)
	assert.False(t, ok)
}

func TestEngine_CancelMarksGroupFailedAndRemoves(t *testing.T) {
	e := New(newFakeIO(), nil, nil, 0)
	g := e.CreateGroup([]ControlChange{{Name: "A.gain", Value: 1.0}}, "test")

	e.Cancel(g.ID)
	_, ok := e.Get(g.ID)
	assert.False(t, ok)
	assert.Equal(t, StatusFailed, g.Status)
}
