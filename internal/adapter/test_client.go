package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/voicehome/intenthub/internal/core/domain"
	"github.com/voicehome/intenthub/internal/core/port"
)

// ScriptedAdapter is a protocol stand-in for tests. Outcomes are queued
// per device id; once a device's queue drains, calls succeed. Every call
// records its start/end interval so tests can assert that same-device
// calls never overlap.
type ScriptedAdapter struct {
	ProtocolName domain.Protocol
	CallDelay    time.Duration
	State        map[string]map[string]any

	mu       sync.Mutex
	script   map[string][]domain.ErrorKind
	calls    []ScriptedCall
	inFlight map[string]int
}

// ScriptedCall records one Execute or QueryState invocation.
type ScriptedCall struct {
	DeviceId string
	Action   domain.Action
	Query    bool
	Start    time.Time
	End      time.Time
	Overlap  bool
}

func NewScriptedAdapter(protocol domain.Protocol) *ScriptedAdapter {
	return &ScriptedAdapter{
		ProtocolName: protocol,
		State:        make(map[string]map[string]any),
		script:       make(map[string][]domain.ErrorKind),
		inFlight:     make(map[string]int),
	}
}

// ScriptOutcomes queues the error kinds the next calls for the device
// will return, in order. ErrorKindNone means success.
func (a *ScriptedAdapter) ScriptOutcomes(deviceId string, kinds ...domain.ErrorKind) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.script[deviceId] = append(a.script[deviceId], kinds...)
}

func (a *ScriptedAdapter) Protocol() domain.Protocol {
	if a.ProtocolName == "" {
		return domain.ProtocolMQTT
	}
	return a.ProtocolName
}

func (a *ScriptedAdapter) Execute(ctx context.Context, device domain.Device, action domain.Action, params map[string]any) (map[string]any, error) {
	return a.call(ctx, device, action, params, false)
}

func (a *ScriptedAdapter) QueryState(ctx context.Context, device domain.Device) (map[string]any, error) {
	return a.call(ctx, device, domain.ActionQuery, nil, true)
}

func (a *ScriptedAdapter) call(ctx context.Context, device domain.Device, action domain.Action, params map[string]any, query bool) (map[string]any, error) {
	a.mu.Lock()
	call := ScriptedCall{
		DeviceId: device.Id,
		Action:   action,
		Query:    query,
		Start:    time.Now(),
		Overlap:  a.inFlight[device.Id] > 0,
	}
	a.inFlight[device.Id]++
	var kind domain.ErrorKind
	if queue := a.script[device.Id]; len(queue) > 0 {
		kind = queue[0]
		a.script[device.Id] = queue[1:]
	}
	a.mu.Unlock()

	if a.CallDelay > 0 {
		select {
		case <-time.After(a.CallDelay):
		case <-ctx.Done():
			kind = domain.ClassifyError(ctx.Err())
		}
	}

	var attrs map[string]any
	var err error
	if kind != domain.ErrorKindNone {
		err = domain.NewAdapterError(kind, "scripted failure", nil)
	} else if query {
		attrs = a.stateFor(device.Id)
	} else {
		attrs = commandAttrs(action, params)
		a.applyState(device.Id, attrs)
	}

	a.mu.Lock()
	call.End = time.Now()
	a.inFlight[device.Id]--
	a.calls = append(a.calls, call)
	a.mu.Unlock()

	return attrs, err
}

func (a *ScriptedAdapter) stateFor(deviceId string) map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	state, ok := a.State[deviceId]
	if !ok {
		return map[string]any{}
	}
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out
}

func (a *ScriptedAdapter) applyState(deviceId string, attrs map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	state, ok := a.State[deviceId]
	if !ok {
		state = make(map[string]any)
		a.State[deviceId] = state
	}
	for k, v := range attrs {
		state[k] = v
	}
}

// Calls returns a snapshot of every recorded invocation.
func (a *ScriptedAdapter) Calls() []ScriptedCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ScriptedCall, len(a.calls))
	copy(out, a.calls)
	return out
}

// CallCount counts invocations for one device.
func (a *ScriptedAdapter) CallCount(deviceId string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		if c.DeviceId == deviceId {
			n++
		}
	}
	return n
}

// OverlapDetected reports whether two calls for the same device ever ran
// concurrently.
func (a *ScriptedAdapter) OverlapDetected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.calls {
		if c.Overlap {
			return true
		}
	}
	return false
}

var _ port.ProtocolAdapter = (*ScriptedAdapter)(nil)
