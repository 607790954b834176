package semantic

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/qrc-bridge/internal/discovery"
	"github.com/ocx/qrc-bridge/internal/qrcerr"
	"github.com/ocx/qrc-bridge/internal/statecache"
)

type fakeCore struct {
	connected bool
	responses map[string]json.RawMessage
	errors    map[string]error
	calls     []string
}

func newFakeCore() *fakeCore {
	return &fakeCore{connected: true, responses: make(map[string]json.RawMessage), errors: make(map[string]error)}
}

func (f *fakeCore) Connected() bool { return f.connected }

func (f *fakeCore) SendCommand(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	f.calls = append(f.calls, method)
	if err, ok := f.errors[method]; ok {
		return nil, err
	}
	if raw, ok := f.responses[method]; ok {
		return raw, nil
	}
	return json.RawMessage(`null`), nil
}

func newAdapter(core CoreClient) *Adapter {
	return New(core, discovery.New(discovery.Config{}), statecache.New(statecache.Config{}))
}

func TestAdapter_ListComponentsFetchesAndCachesOnMiss(t *testing.T) {
	core := newFakeCore()
	core.responses["Component.GetComponents"] = json.RawMessage(`[{"Name":"MainMixer","Type":"mixer"},{"Name":"Zone1Gain","Type":"gain"}]`)

	a := newAdapter(core)
	infos, err := a.ListComponents(context.Background(), nil, false)
	require.NoError(t, err)
	assert.Len(t, infos, 2)
	assert.Equal(t, []string{"Component.GetComponents"}, core.calls)

	// second call should be served from the discovery cache, no further
	// Component.GetComponents round trip.
	_, err = a.ListComponents(context.Background(), nil, false)
	require.NoError(t, err)
	assert.Equal(t, 1, len(core.calls))
}

func TestAdapter_GetControlValuesPrefersCacheOverLiveCall(t *testing.T) {
	core := newFakeCore()
	a := newAdapter(core)
	a.cache.Set("MainMixer.gain", -10.0, statecache.SourceQSYS, 0)

	values, err := a.GetControlValues(context.Background(), []string{"MainMixer.gain"})
	require.NoError(t, err)
	assert.Equal(t, -10.0, values[0].Value)
	assert.Empty(t, core.calls, "a fresh cache hit must not issue a live call")
}

func TestAdapter_GetControlValuesFetchesBareNamesLive(t *testing.T) {
	core := newFakeCore()
	core.responses["Control.GetValues"] = json.RawMessage(`[{"Name":"MasterVolume","Value":5.0}]`)
	a := newAdapter(core)

	values, err := a.GetControlValues(context.Background(), []string{"MasterVolume"})
	require.NoError(t, err)
	assert.Equal(t, 5.0, values[0].Value)
	assert.Contains(t, core.calls, "Control.GetValues")
}

func TestAdapter_GetControlValuesRejectsOverBatchLimit(t *testing.T) {
	core := newFakeCore()
	a := newAdapter(core)

	names := make([]string, 101)
	for i := range names {
		names[i] = "x"
	}
	_, err := a.GetControlValues(context.Background(), names)
	require.Error(t, err)
	kind, ok := qrcerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, qrcerr.ValidationFailed, kind)
}

func TestAdapter_SetControlValuesGroupsScopedWritesByComponent(t *testing.T) {
	core := newFakeCore()
	a := newAdapter(core)

	err := a.SetControlValues(context.Background(), []ControlWrite{
		{Name: "MainMixer.gain", Value: -5.0},
		{Name: "MainMixer.mute", Value: true},
	})
	require.NoError(t, err)

	componentSetCalls := 0
	for _, c := range core.calls {
		if c == "Component.Set" {
			componentSetCalls++
		}
	}
	assert.Equal(t, 1, componentSetCalls, "both writes share a component and should batch into one Component.Set call")

	entry, ok := a.cache.Get("MainMixer.gain")
	require.True(t, ok)
	assert.Equal(t, -5.0, entry.Value)
}

func TestAdapter_SetControlValuesDispatchesBareNamesIndividually(t *testing.T) {
	core := newFakeCore()
	a := newAdapter(core)

	err := a.SetControlValues(context.Background(), []ControlWrite{{Name: "MasterVolume", Value: 3.0}})
	require.NoError(t, err)
	assert.Contains(t, core.calls, "Control.SetValue")
}

func TestAdapter_SendRawCommandRejectsDeniedMethod(t *testing.T) {
	core := newFakeCore()
	a := newAdapter(core)

	_, err := a.SendRawCommand(context.Background(), "Core.Reboot", nil, 0)
	require.Error(t, err)
	kind, ok := qrcerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, qrcerr.ValidationFailed, kind)
	assert.Empty(t, core.calls)
}

func TestAdapter_SendRawCommandDispatchesAllowedMethod(t *testing.T) {
	core := newFakeCore()
	core.responses["Mixer.SetLevel"] = json.RawMessage(`{"ok":true}`)
	a := newAdapter(core)

	raw, err := a.SendRawCommand(context.Background(), "Mixer.SetLevel", map[string]int{"level": 1}, 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(raw))
}

func TestAdapter_QueryCoreStatusDecodesResponse(t *testing.T) {
	core := newFakeCore()
	core.responses["Status.Get"] = json.RawMessage(`{"DesignName":"Main Design","DesignCode":"abc123","IsRedundant":false,"IsEmulator":true,"Status":{"Code":0,"String":"OK"}}`)
	a := newAdapter(core)

	status, err := a.QueryCoreStatus(context.Background(), true, true, true)
	require.NoError(t, err)
	assert.Equal(t, "Main Design", status.DesignName)
	assert.True(t, status.IsEmulator)
	assert.Equal(t, "OK", status.StatusString)
}

func TestAdapter_ListControlsDecodesControlsWrapperObject(t *testing.T) {
	core := newFakeCore()
	core.responses["Component.GetControls"] = json.RawMessage(`{"Name":"MainMixer","Controls":[{"Name":"gain","Value":-10.0,"ValueMin":-100,"ValueMax":20},{"Name":"mute","Value":false}]}`)
	a := newAdapter(core)

	controls, err := a.ListControls(context.Background(), "MainMixer", "")
	require.NoError(t, err)
	require.Len(t, controls, 2)
	assert.Equal(t, "gain", controls[0].Name)
	assert.Equal(t, "MainMixer", controls[0].ComponentName)
	assert.Equal(t, "mute", controls[1].Name)

	// second call should be served from the discovery cache, no further
	// Component.GetControls round trip.
	_, err = a.ListControls(context.Background(), "MainMixer", "")
	require.NoError(t, err)
	assert.Equal(t, 1, len(core.calls))
}

func TestAdapter_ListControlsBareNamesUseControlGetControls(t *testing.T) {
	core := newFakeCore()
	core.responses["Control.GetControls"] = json.RawMessage(`{"Controls":[{"Name":"MasterVolume","Value":5.0}]}`)
	a := newAdapter(core)

	controls, err := a.ListControls(context.Background(), "", "")
	require.NoError(t, err)
	require.Len(t, controls, 1)
	assert.Equal(t, "MasterVolume", controls[0].Name)
	assert.Equal(t, "Control.GetControls", core.calls[0])
}

func TestAdapter_GetValueAndSetValueRoundTripThroughCache(t *testing.T) {
	core := newFakeCore()
	a := newAdapter(core)

	require.NoError(t, a.SetValue(context.Background(), "MainMixer.gain", -3.0, 0))
	val, err := a.GetValue(context.Background(), "MainMixer.gain")
	require.NoError(t, err)
	assert.Equal(t, -3.0, val)
}
