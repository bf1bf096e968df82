package actor

import (
	"testing"
	"time"

	"github.com/voicehome/intenthub/internal/adapter"
	"github.com/voicehome/intenthub/internal/config"
	"github.com/voicehome/intenthub/internal/core/domain"
	"github.com/voicehome/intenthub/internal/core/port"
	"github.com/voicehome/intenthub/internal/core/registry"
	"github.com/voicehome/intenthub/internal/util"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type dispatchFixture struct {
	as       *actor.ActorSystem
	root     *actor.RootContext
	cfg      config.Config
	registry *registry.Registry
	scripted *adapter.ScriptedAdapter
	es       *eventstream.EventStream
	pid      *actor.PID
}

func newDispatchFixture(t *testing.T, mutate func(*config.Config)) *dispatchFixture {
	t.Helper()

	cfg := util.LoadTestConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	logCfg := zap.NewDevelopmentConfig()
	logCfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	logger := zap.Must(logCfg.Build())

	as := actor.NewActorSystem()
	reg := registry.NewRegistry(logger)
	scripted := adapter.NewScriptedAdapter(domain.ProtocolMQTT)
	es := &eventstream.EventStream{}

	adapters := port.AdapterSet{domain.ProtocolMQTT: scripted}
	props := actor.PropsFromProducer(func() actor.Actor {
		return NewDispatcherActor(cfg.Dispatch, reg, adapters, es, logger)
	})
	pid, err := as.Root.SpawnNamed(props, domain.ACTOR_ID_DISPATCHER)
	require.NoError(t, err)

	f := &dispatchFixture{
		as:       as,
		root:     as.Root,
		cfg:      cfg,
		registry: reg,
		scripted: scripted,
		es:       es,
		pid:      pid,
	}
	t.Cleanup(func() {
		f.root.Stop(f.pid)
		f.as.Shutdown()
	})
	return f
}

func (f *dispatchFixture) registerLamp(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.registry.Register(domain.Device{
		Id:           id,
		Name:         id,
		Type:         domain.DeviceTypeLight,
		Protocol:     domain.ProtocolMQTT,
		Address:      "lamps/" + id,
		Capabilities: []domain.Capability{domain.CapabilityPower, domain.CapabilityBrightness},
	}))
}

func (f *dispatchFixture) dispatch(t *testing.T, intent domain.Intent) domain.DispatchIntentResponse {
	t.Helper()
	res, err := f.root.RequestFuture(f.pid, domain.DispatchIntentRequest{Intent: intent}, 10*time.Second).Result()
	require.NoError(t, err)
	resp, ok := res.(domain.DispatchIntentResponse)
	require.True(t, ok, "expected DispatchIntentResponse, got %T", res)
	return resp
}

func TestDispatchSuccessUpdatesState(t *testing.T) {
	f := newDispatchFixture(t, nil)
	f.registerLamp(t, "lamp1")

	resp := f.dispatch(t, domain.Intent{Action: domain.ActionTurnOn, Targets: []string{"lamp1"}})

	assert.False(t, resp.HasResponseError())
	assert.Equal(t, domain.OutcomeSuccess, resp.Result.Outcome)
	assert.NotEmpty(t, resp.Result.CommandId)
	assert.Equal(t, 0, resp.Result.RetryCount)
	assert.True(t, resp.Result.Confirmed)
	require.Len(t, resp.Result.Devices, 1)
	assert.True(t, resp.Result.Devices[0].Success)

	device, err := f.registry.Get("lamp1")
	require.NoError(t, err)
	assert.Equal(t, "on", device.State["power"])
	assert.Equal(t, domain.DeviceStatusOnline, device.Status)
}

func TestDispatchUnknownDeviceNoAdapterCall(t *testing.T) {
	f := newDispatchFixture(t, nil)

	resp := f.dispatch(t, domain.Intent{Action: domain.ActionTurnOn, Targets: []string{"ghost"}})

	assert.True(t, resp.HasResponseError())
	assert.ErrorIs(t, resp.GetResponseError(), domain.ErrDeviceNotFound)
	assert.Equal(t, domain.OutcomeFailure, resp.Result.Outcome)
	require.Len(t, resp.Result.Devices, 1)
	assert.Equal(t, domain.ErrDeviceNotFound.Code, resp.Result.Devices[0].ErrorCode)
	assert.Equal(t, 0, len(f.scripted.Calls()), "resolution failures must not reach the adapter")
}

func TestDispatchCapabilityMismatchNoAdapterCall(t *testing.T) {
	f := newDispatchFixture(t, nil)
	require.NoError(t, f.registry.Register(domain.Device{
		Id:           "sensor1",
		Type:         domain.DeviceTypeSensor,
		Protocol:     domain.ProtocolMQTT,
		Address:      "sensors/1",
		Capabilities: []domain.Capability{domain.CapabilityQuery},
	}))

	resp := f.dispatch(t, domain.Intent{Action: domain.ActionTurnOn, Targets: []string{"sensor1"}})

	assert.True(t, resp.HasResponseError())
	assert.ErrorIs(t, resp.GetResponseError(), domain.ErrCapabilityMismatch)
	assert.Equal(t, 0, len(f.scripted.Calls()))
}

func TestDispatchEmptyTargets(t *testing.T) {
	f := newDispatchFixture(t, nil)

	resp := f.dispatch(t, domain.Intent{Action: domain.ActionTurnOn})

	assert.True(t, resp.HasResponseError())
	assert.Equal(t, domain.OutcomeFailure, resp.Result.Outcome)
}

func TestDispatchRetryThenSucceed(t *testing.T) {
	f := newDispatchFixture(t, nil)
	f.registerLamp(t, "lamp1")
	f.scripted.ScriptOutcomes("lamp1", domain.ErrorKindUnreachable, domain.ErrorKindNone)

	resp := f.dispatch(t, domain.Intent{Action: domain.ActionTurnOn, Targets: []string{"lamp1"}})

	assert.False(t, resp.HasResponseError())
	assert.Equal(t, domain.OutcomeSuccess, resp.Result.Outcome)
	assert.Equal(t, 1, resp.Result.RetryCount)
	assert.Equal(t, 2, f.scripted.CallCount("lamp1"))
}

func TestDispatchExhaustedRetries(t *testing.T) {
	f := newDispatchFixture(t, nil)
	f.registerLamp(t, "lamp1")
	f.scripted.ScriptOutcomes("lamp1",
		domain.ErrorKindUnreachable, domain.ErrorKindUnreachable, domain.ErrorKindUnreachable)

	resp := f.dispatch(t, domain.Intent{Action: domain.ActionTurnOn, Targets: []string{"lamp1"}})

	assert.Equal(t, domain.OutcomeFailure, resp.Result.Outcome)
	assert.Equal(t, f.cfg.Dispatch.MaxRetryAttempts, resp.Result.RetryCount)
	// initial attempt plus MaxRetryAttempts retries
	assert.Equal(t, f.cfg.Dispatch.MaxRetryAttempts+1, f.scripted.CallCount("lamp1"))
	require.Len(t, resp.Result.Devices, 1)
	assert.Equal(t, domain.ErrorKindUnreachable, resp.Result.Devices[0].ErrorKind)
}

func TestDispatchTerminalErrorNotRetried(t *testing.T) {
	f := newDispatchFixture(t, nil)
	f.registerLamp(t, "lamp1")
	f.scripted.ScriptOutcomes("lamp1", domain.ErrorKindProtocol)

	resp := f.dispatch(t, domain.Intent{Action: domain.ActionTurnOn, Targets: []string{"lamp1"}})

	assert.Equal(t, domain.OutcomeFailure, resp.Result.Outcome)
	assert.Equal(t, 0, resp.Result.RetryCount)
	assert.Equal(t, 1, f.scripted.CallCount("lamp1"))
	require.Len(t, resp.Result.Devices, 1)
	assert.Equal(t, domain.ErrorKindProtocol, resp.Result.Devices[0].ErrorKind)
}

func TestSameDeviceCommandsNeverOverlap(t *testing.T) {
	f := newDispatchFixture(t, nil)
	f.registerLamp(t, "lamp1")
	f.scripted.CallDelay = 50 * time.Millisecond

	actions := []domain.Action{
		domain.ActionTurnOn, domain.ActionTurnOff, domain.ActionTurnOn, domain.ActionTurnOff,
	}
	futures := make([]*actor.Future, 0, len(actions))
	for _, action := range actions {
		futures = append(futures, f.root.RequestFuture(f.pid, domain.DispatchIntentRequest{
			Intent: domain.Intent{Action: action, Targets: []string{"lamp1"}},
		}, 10*time.Second))
	}
	for _, future := range futures {
		res, err := future.Result()
		require.NoError(t, err)
		resp := res.(domain.DispatchIntentResponse)
		assert.Equal(t, domain.OutcomeSuccess, resp.Result.Outcome)
	}

	assert.False(t, f.scripted.OverlapDetected(), "same-device adapter calls overlapped")
	calls := f.scripted.Calls()
	require.Len(t, calls, len(actions))
	for i, call := range calls {
		assert.Equal(t, actions[i], call.Action, "submission order not preserved at call %d", i)
	}
}

func TestConcurrencyLimitBoundsAdapterCalls(t *testing.T) {
	f := newDispatchFixture(t, func(cfg *config.Config) {
		cfg.Dispatch.ConcurrencyLimit = 1
	})
	f.registerLamp(t, "lamp1")
	f.registerLamp(t, "lamp2")
	f.scripted.CallDelay = 50 * time.Millisecond

	first := f.root.RequestFuture(f.pid, domain.DispatchIntentRequest{
		Intent: domain.Intent{Action: domain.ActionTurnOn, Targets: []string{"lamp1"}},
	}, 10*time.Second)
	second := f.root.RequestFuture(f.pid, domain.DispatchIntentRequest{
		Intent: domain.Intent{Action: domain.ActionTurnOn, Targets: []string{"lamp2"}},
	}, 10*time.Second)

	_, err := first.Result()
	require.NoError(t, err)
	_, err = second.Result()
	require.NoError(t, err)

	calls := f.scripted.Calls()
	require.Len(t, calls, 2)
	assert.False(t, calls[1].Start.Before(calls[0].End),
		"second call started before the first finished despite concurrency_limit=1")
}

func TestMultiTargetPartialSuccess(t *testing.T) {
	f := newDispatchFixture(t, nil)
	f.registerLamp(t, "lamp1")
	f.registerLamp(t, "lamp2")
	f.scripted.ScriptOutcomes("lamp2", domain.ErrorKindProtocol)

	resp := f.dispatch(t, domain.Intent{Action: domain.ActionTurnOn, Targets: []string{"lamp1", "lamp2"}})

	assert.False(t, resp.HasResponseError())
	assert.Equal(t, domain.OutcomePartialSuccess, resp.Result.Outcome)
	assert.Len(t, resp.Result.Devices, 2)
	assert.False(t, resp.Result.Confirmed)
}

func TestCancelUnknownCommand(t *testing.T) {
	f := newDispatchFixture(t, nil)

	res, err := f.root.RequestFuture(f.pid, domain.CancelCommandRequest{CommandId: "nope"}, 5*time.Second).Result()
	require.NoError(t, err)
	resp, ok := res.(domain.CancelCommandResponse)
	require.True(t, ok)
	assert.False(t, resp.Cancelled)
}

func TestCommandHistoryEventPublished(t *testing.T) {
	f := newDispatchFixture(t, nil)
	f.registerLamp(t, "lamp1")

	events := make(chan domain.CommandHistoryEvent, 1)
	sub := f.es.Subscribe(func(evt interface{}) {
		if history, ok := evt.(domain.CommandHistoryEvent); ok {
			events <- history
		}
	})
	defer f.es.Unsubscribe(sub)

	resp := f.dispatch(t, domain.Intent{Action: domain.ActionTurnOff, Targets: []string{"lamp1"}})

	select {
	case history := <-events:
		assert.Equal(t, resp.Result.CommandId, history.CommandId)
		assert.Equal(t, "lamp1", history.DeviceId)
		assert.Equal(t, domain.ActionTurnOff, history.Action)
		assert.Equal(t, domain.OutcomeSuccess, history.Outcome)
	case <-time.After(5 * time.Second):
		t.Fatal("no command history event published")
	}
}

func (f *dispatchFixture) dispatchAsync(id string, intent domain.Intent) *actor.Future {
	return f.root.RequestFuture(f.pid, domain.DispatchIntentRequest{CommandId: id, Intent: intent}, 10*time.Second)
}

func (f *dispatchFixture) cancel(t *testing.T, id string) domain.CancelCommandResponse {
	t.Helper()
	res, err := f.root.RequestFuture(f.pid, domain.CancelCommandRequest{CommandId: id}, 5*time.Second).Result()
	require.NoError(t, err)
	resp, ok := res.(domain.CancelCommandResponse)
	require.True(t, ok)
	return resp
}

func TestCancelInFlightCommand(t *testing.T) {
	f := newDispatchFixture(t, nil)
	f.registerLamp(t, "lamp1")
	f.scripted.CallDelay = 400 * time.Millisecond

	future := f.dispatchAsync("cmd-cancel", domain.Intent{Action: domain.ActionTurnOn, Targets: []string{"lamp1"}})
	time.Sleep(100 * time.Millisecond)

	assert.True(t, f.cancel(t, "cmd-cancel").Cancelled)

	res, err := future.Result()
	require.NoError(t, err)
	resp, ok := res.(domain.DispatchIntentResponse)
	require.True(t, ok)
	assert.Equal(t, "cmd-cancel", resp.Result.CommandId)
	assert.Equal(t, domain.OutcomeFailure, resp.Result.Outcome)
	require.Len(t, resp.Result.Devices, 1)
	assert.Equal(t, domain.ErrorKindCancelled, resp.Result.Devices[0].ErrorKind)
}

func TestCancelDuringBackoffStopsRetry(t *testing.T) {
	f := newDispatchFixture(t, func(cfg *config.Config) {
		cfg.Dispatch.BackoffBaseMs = 2000
		cfg.Dispatch.OverallDeadlineMs = 8000
	})
	f.registerLamp(t, "lamp1")
	f.scripted.ScriptOutcomes("lamp1", domain.ErrorKindUnreachable)

	future := f.dispatchAsync("cmd-backoff", domain.Intent{Action: domain.ActionTurnOn, Targets: []string{"lamp1"}})
	// first attempt fails fast, leaving the command waiting out its backoff
	time.Sleep(300 * time.Millisecond)

	assert.True(t, f.cancel(t, "cmd-backoff").Cancelled)

	res, err := future.Result()
	require.NoError(t, err)
	resp, ok := res.(domain.DispatchIntentResponse)
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeFailure, resp.Result.Outcome)
	require.Len(t, resp.Result.Devices, 1)
	assert.Equal(t, domain.ErrorKindCancelled, resp.Result.Devices[0].ErrorKind)

	// wait past the backoff window; no further attempt may fire
	time.Sleep(2600 * time.Millisecond)
	assert.Equal(t, 1, f.scripted.CallCount("lamp1"))
}

func TestDuplicateCommandIdRejected(t *testing.T) {
	f := newDispatchFixture(t, nil)
	f.registerLamp(t, "lamp1")
	f.scripted.CallDelay = 300 * time.Millisecond

	first := f.dispatchAsync("cmd-dup", domain.Intent{Action: domain.ActionTurnOn, Targets: []string{"lamp1"}})
	time.Sleep(50 * time.Millisecond)

	res, err := f.dispatchAsync("cmd-dup", domain.Intent{Action: domain.ActionTurnOn, Targets: []string{"lamp1"}}).Result()
	require.NoError(t, err)
	second, ok := res.(domain.DispatchIntentResponse)
	require.True(t, ok)
	assert.True(t, second.HasResponseError())
	assert.ErrorIs(t, second.GetResponseError(), domain.ErrDuplicateCommand)

	res, err = first.Result()
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSuccess, res.(domain.DispatchIntentResponse).Result.Outcome)
}

func TestCancelLeavesFinishedDevicesUntouched(t *testing.T) {
	f := newDispatchFixture(t, func(cfg *config.Config) {
		cfg.Dispatch.BackoffBaseMs = 1500
		cfg.Dispatch.OverallDeadlineMs = 8000
	})
	f.registerLamp(t, "lamp1")
	f.registerLamp(t, "lamp2")
	f.scripted.ScriptOutcomes("lamp2", domain.ErrorKindUnreachable)

	future := f.dispatchAsync("cmd-pair", domain.Intent{Action: domain.ActionTurnOn, Targets: []string{"lamp1", "lamp2"}})
	// lamp1 finishes immediately, lamp2 is waiting out its backoff
	time.Sleep(300 * time.Millisecond)

	assert.True(t, f.cancel(t, "cmd-pair").Cancelled)

	res, err := future.Result()
	require.NoError(t, err)
	resp, ok := res.(domain.DispatchIntentResponse)
	require.True(t, ok)
	assert.Equal(t, domain.OutcomePartialSuccess, resp.Result.Outcome)

	// reusing the id against the device that already finished must run a
	// fresh command, not replay the stale cancellation
	res, err = f.dispatchAsync("cmd-pair", domain.Intent{Action: domain.ActionTurnOff, Targets: []string{"lamp1"}}).Result()
	require.NoError(t, err)
	resp, ok = res.(domain.DispatchIntentResponse)
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeSuccess, resp.Result.Outcome)
	assert.Equal(t, 2, f.scripted.CallCount("lamp1"))
}

func TestIdleStopDoesNotDropNextCommand(t *testing.T) {
	f := newDispatchFixture(t, nil)
	f.registerLamp(t, "lamp1")

	resp := f.dispatch(t, domain.Intent{Action: domain.ActionTurnOn, Targets: []string{"lamp1"}})
	assert.Equal(t, domain.OutcomeSuccess, resp.Result.Outcome)

	// the executor is stopped as idle; a command racing the stop must be
	// held for the respawn instead of dead-lettering
	f.root.Send(f.pid, deviceIdle{deviceId: "lamp1"})
	resp = f.dispatch(t, domain.Intent{Action: domain.ActionTurnOff, Targets: []string{"lamp1"}})

	assert.Equal(t, domain.OutcomeSuccess, resp.Result.Outcome)
	assert.Equal(t, 2, f.scripted.CallCount("lamp1"))
}
