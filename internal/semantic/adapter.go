// Package semantic implements the semantic adapter (C8): the single
// control-plane surface the rest of the bridge uses to talk about
// components and controls, translating fully-qualified names into the
// QRC wire calls (Component.* for scoped names, Control.* for bare
// names) and consulting the control-state cache before issuing a live
// call.
package semantic

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/ocx/qrc-bridge/internal/controlname"
	"github.com/ocx/qrc-bridge/internal/discovery"
	"github.com/ocx/qrc-bridge/internal/qrc"
	"github.com/ocx/qrc-bridge/internal/qrcerr"
	"github.com/ocx/qrc-bridge/internal/statecache"
)

// maxBatchValues bounds getControlValues/setControlValues batch size.
const maxBatchValues = 100

// deniedMethods may never be dispatched through SendRawCommand: they are
// destructive Core operations with no place in a read/write control
// bridge.
var deniedMethods = map[string]bool{
	"Core.Reboot":     true,
	"Core.Shutdown":   true,
	"Design.Deploy":   true,
	"Design.Activate": true,
}

// CoreClient is the minimal QRC transport surface the adapter depends
// on, satisfied by *qrc.Client.
type CoreClient interface {
	SendCommand(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
	Connected() bool
}

// ComponentInfo is a component list entry, with properties included only
// when requested (the discovery cache does not retain them).
type ComponentInfo struct {
	Name       string
	Type       string
	Properties []map[string]any
}

// CoreStatus mirrors the Core's StatusGet response.
type CoreStatus struct {
	DesignName   string
	DesignCode   string
	IsRedundant  bool
	IsEmulator   bool
	StatusCode   int
	StatusString string
}

// Adapter is the semantic adapter. It owns no connection state of its
// own; CoreClient.Connected reflects the shared transport's state.
type Adapter struct {
	core      CoreClient
	discovery *discovery.Cache
	cache     *statecache.Cache
}

// New creates an Adapter.
func New(core CoreClient, disco *discovery.Cache, cache *statecache.Cache) *Adapter {
	return &Adapter{core: core, discovery: disco, cache: cache}
}

// ListComponents returns the Core's components, optionally filtered by
// name regex. Properties are fetched live; the coarse-TTL cache only
// ever holds Name/Type, so a request with includeProperties always
// round-trips to the Core.
func (a *Adapter) ListComponents(ctx context.Context, filter *regexp.Regexp, includeProperties bool) ([]ComponentInfo, error) {
	if !includeProperties {
		if cached, ok := a.discovery.ComponentList(); ok {
			filtered := discovery.FilterComponents(cached, filter)
			infos := make([]ComponentInfo, 0, len(filtered))
			for _, c := range filtered {
				infos = append(infos, ComponentInfo{Name: c.Name, Type: c.Type})
			}
			return infos, nil
		}
	}

	raw, err := a.core.SendCommand(ctx, "Component.GetComponents", nil)
	if err != nil {
		return nil, err
	}

	var descriptors []qrc.ComponentDescriptor
	if err := json.Unmarshal(raw, &descriptors); err != nil {
		return nil, qrcerr.Wrap(qrcerr.CommandFailed, "decode Component.GetComponents response", err)
	}

	cached := make([]discovery.Component, 0, len(descriptors))
	infos := make([]ComponentInfo, 0, len(descriptors))
	now := time.Now()
	for _, d := range descriptors {
		cached = append(cached, discovery.Component{Name: d.Name, Type: d.Type, Timestamp: now})
		info := ComponentInfo{Name: d.Name, Type: d.Type}
		if includeProperties {
			info.Properties = d.Properties
		}
		infos = append(infos, info)
	}
	a.discovery.SetComponentList(cached)

	filteredInfos := make([]ComponentInfo, 0, len(infos))
	for _, info := range infos {
		if filter == nil || filter.MatchString(info.Name) {
			filteredInfos = append(filteredInfos, info)
		}
	}
	return filteredInfos, nil
}

// ComponentGet fetches named control values from one component and
// caches each result.
func (a *Adapter) ComponentGet(ctx context.Context, component string, controlNames []string) ([]qrc.ControlValue, error) {
	refs := make([]qrc.ComponentControlRef, len(controlNames))
	for i, n := range controlNames {
		refs[i] = qrc.ComponentControlRef{Name: n}
	}

	raw, err := a.core.SendCommand(ctx, "Component.Get", qrc.ComponentGetParams{Name: component, Controls: refs})
	if err != nil {
		return nil, err
	}

	var result struct {
		Name     string             `json:"Name"`
		Controls []qrc.ControlValue `json:"Controls"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, qrcerr.Wrap(qrcerr.CommandFailed, "decode Component.Get response", err)
	}

	for _, cv := range result.Controls {
		a.cache.Set(component+"."+cv.Name, cv.Value, statecache.SourceQSYS, 0)
	}
	return result.Controls, nil
}

// ListControls returns control descriptors for a component (or, with an
// empty component, the Core's bare named controls), caching the result
// and optionally filtering by inferred kind.
func (a *Adapter) ListControls(ctx context.Context, component string, kind discovery.ControlKind) ([]discovery.Control, error) {
	if component != "" {
		if cached := a.discovery.Controls(component); len(cached) > 0 {
			return filterByKind(cached, kind), nil
		}
	}

	method := "Component.GetControls"
	var params interface{} = qrc.ComponentGetControlsParams{Name: component}
	if component == "" {
		method = "Control.GetControls"
		params = nil
	}

	raw, err := a.core.SendCommand(ctx, method, params)
	if err != nil {
		return nil, err
	}

	var result struct {
		Name     string                  `json:"Name"`
		Controls []qrc.ControlDescriptor `json:"Controls"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, qrcerr.Wrap(qrcerr.CommandFailed, "decode control descriptors", err)
	}

	now := time.Now()
	controls := make([]discovery.Control, 0, len(result.Controls))
	for _, d := range result.Controls {
		inferred := discovery.InferKind(d.Name)
		controls = append(controls, discovery.Control{
			Name:          d.Name,
			ComponentName: component,
			InferredKind:  inferred,
			Metadata: discovery.ControlMetadata{
				Min:       d.ValueMin,
				Max:       d.ValueMax,
				Direction: d.Direction,
				Position:  d.Position,
				StringMin: d.StringMin,
				StringMax: d.StringMax,
				ValueType: d.Type,
			},
			CachedAt: now,
			TTL:      5 * time.Minute,
		})
	}
	if component != "" {
		a.discovery.SetControls(component, controls)
	}
	return filterByKind(controls, kind), nil
}

func filterByKind(controls []discovery.Control, kind discovery.ControlKind) []discovery.Control {
	if kind == "" {
		return controls
	}
	out := make([]discovery.Control, 0, len(controls))
	for _, c := range controls {
		if c.InferredKind == kind {
			out = append(out, c)
		}
	}
	return out
}

// GetControlValues resolves up to 100 fully-qualified control names,
// preferring a fresh cache entry and falling back to a live Core call
// for misses, grouped by component so a single Component.Get covers
// every miss that shares one.
func (a *Adapter) GetControlValues(ctx context.Context, names []string) ([]qrc.ControlValue, error) {
	if len(names) == 0 {
		return nil, qrcerr.New(qrcerr.ValidationFailed, "getControlValues requires at least one name")
	}
	if len(names) > maxBatchValues {
		return nil, qrcerr.New(qrcerr.ValidationFailed, fmt.Sprintf("getControlValues accepts at most %d names, got %d", maxBatchValues, len(names)))
	}

	out := make([]qrc.ControlValue, len(names))
	missing := make(map[string]int) // name -> index into out
	bareNames := make([]string, 0)
	byComponent := make(map[string][]string)

	for i, name := range names {
		if entry, ok := a.cache.Get(name); ok {
			out[i] = qrc.ControlValue{Name: name, Value: entry.Value}
			continue
		}
		missing[name] = i
		parsed, err := controlname.Parse(name)
		if err != nil {
			return nil, err
		}
		if parsed.IsBare() {
			bareNames = append(bareNames, name)
		} else {
			byComponent[parsed.Component] = append(byComponent[parsed.Component], parsed.Control)
		}
	}

	if len(bareNames) > 0 {
		raw, err := a.core.SendCommand(ctx, "Control.GetValues", qrc.ControlGetValuesParams{Names: bareNames})
		if err != nil {
			return nil, err
		}
		var values []qrc.ControlValue
		if err := json.Unmarshal(raw, &values); err != nil {
			return nil, qrcerr.Wrap(qrcerr.CommandFailed, "decode Control.GetValues response", err)
		}
		for _, v := range values {
			a.cache.Set(v.Name, v.Value, statecache.SourceQSYS, 0)
			if idx, ok := missing[v.Name]; ok {
				out[idx] = v
			}
		}
	}

	for component, controls := range byComponent {
		values, err := a.ComponentGet(ctx, component, controls)
		if err != nil {
			return nil, err
		}
		for _, v := range values {
			fq := component + "." + v.Name
			if idx, ok := missing[fq]; ok {
				out[idx] = qrc.ControlValue{Name: fq, Value: v.Value, String: v.String, Position: v.Position}
			}
		}
	}

	return out, nil
}

// ControlWrite is one write request to SetControlValues.
type ControlWrite struct {
	Name  string
	Value interface{}
	Ramp  float64
}

// SetControlValues writes a batch of controls, grouping scoped names
// into one Component.Set call per component and issuing bare names as
// individual Control.SetValue calls, then updates the cache for every
// write that succeeds.
func (a *Adapter) SetControlValues(ctx context.Context, writes []ControlWrite) error {
	if len(writes) == 0 {
		return qrcerr.New(qrcerr.ValidationFailed, "setControlValues requires at least one write")
	}
	if len(writes) > maxBatchValues {
		return qrcerr.New(qrcerr.ValidationFailed, fmt.Sprintf("setControlValues accepts at most %d writes, got %d", maxBatchValues, len(writes)))
	}

	byComponent := make(map[string][]ControlWrite)
	var bare []ControlWrite

	for _, w := range writes {
		parsed, err := controlname.Parse(w.Name)
		if err != nil {
			return err
		}
		if parsed.IsBare() {
			bare = append(bare, w)
		} else {
			cw := w
			cw.Name = parsed.Control
			byComponent[parsed.Component] = append(byComponent[parsed.Component], cw)
		}
	}

	for _, w := range bare {
		if err := a.SetValue(ctx, w.Name, w.Value, w.Ramp); err != nil {
			return err
		}
	}

	for component, ws := range byComponent {
		refs := make([]qrc.ComponentControlRef, len(ws))
		for i, w := range ws {
			refs[i] = qrc.ComponentControlRef{Name: w.Name, Value: w.Value, Ramp: w.Ramp}
		}
		if _, err := a.core.SendCommand(ctx, "Component.Set", qrc.ComponentGetParams{Name: component, Controls: refs}); err != nil {
			return err
		}
		for _, w := range ws {
			a.cache.Set(component+"."+w.Name, w.Value, statecache.SourceUser, 0)
		}
	}
	return nil
}

// GetValue and SetValue satisfy changegroup.ControlIO, letting the
// transaction engine (C9) drive single-control reads/writes through the
// same component/bare-name dispatch as the batch methods.

// GetValue reads a single control's value.
func (a *Adapter) GetValue(ctx context.Context, name string) (interface{}, error) {
	values, err := a.GetControlValues(ctx, []string{name})
	if err != nil {
		return nil, err
	}
	return values[0].Value, nil
}

// SetValue writes a single control's value.
func (a *Adapter) SetValue(ctx context.Context, name string, value interface{}, ramp float64) error {
	parsed, err := controlname.Parse(name)
	if err != nil {
		return err
	}
	if parsed.IsBare() {
		if _, err := a.core.SendCommand(ctx, "Control.SetValue", qrc.ControlSetValueParams{Name: name, Value: value, Ramp: ramp}); err != nil {
			return err
		}
		a.cache.Set(name, value, statecache.SourceUser, 0)
		return nil
	}
	_, err = a.core.SendCommand(ctx, "Component.Set", qrc.ComponentGetParams{
		Name:     parsed.Component,
		Controls: []qrc.ComponentControlRef{{Name: parsed.Control, Value: value, Ramp: ramp}},
	})
	if err != nil {
		return err
	}
	a.cache.Set(name, value, statecache.SourceUser, 0)
	return nil
}

// QueryCoreStatus fetches the Core's current design/redundancy status.
// includeDetails/includeNetwork/includePerformance are forwarded to
// Status.Get so the Core can decide how much of the response to fill in.
func (a *Adapter) QueryCoreStatus(ctx context.Context, includeDetails, includeNetwork, includePerformance bool) (CoreStatus, error) {
	raw, err := a.core.SendCommand(ctx, "Status.Get", qrc.StatusGetParams{
		IncludeDetails:     includeDetails,
		IncludeNetwork:     includeNetwork,
		IncludePerformance: includePerformance,
	})
	if err != nil {
		return CoreStatus{}, err
	}

	var resp struct {
		DesignName  string `json:"DesignName"`
		DesignCode  string `json:"DesignCode"`
		IsRedundant bool   `json:"IsRedundant"`
		IsEmulator  bool   `json:"IsEmulator"`
		Status      struct {
			Code   int    `json:"Code"`
			String string `json:"String"`
		} `json:"Status"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return CoreStatus{}, qrcerr.Wrap(qrcerr.CommandFailed, "decode Status.Get response", err)
	}

	return CoreStatus{
		DesignName:   resp.DesignName,
		DesignCode:   resp.DesignCode,
		IsRedundant:  resp.IsRedundant,
		IsEmulator:   resp.IsEmulator,
		StatusCode:   resp.Status.Code,
		StatusString: resp.Status.String,
	}, nil
}

// SendRawCommand dispatches an arbitrary QRC method, rejecting anything
// on the deny-list. An explicit timeoutMs overrides ctx's deadline when
// shorter.
func (a *Adapter) SendRawCommand(ctx context.Context, method string, params interface{}, timeoutMs int) (json.RawMessage, error) {
	if deniedMethods[method] {
		return nil, qrcerr.New(qrcerr.ValidationFailed, fmt.Sprintf("method %q is not permitted via sendRawCommand", method))
	}

	if timeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
	}

	return a.core.SendCommand(ctx, method, params)
}
