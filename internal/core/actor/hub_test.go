package actor

import (
	"fmt"
	"testing"
	"time"

	"github.com/voicehome/intenthub/internal/adapter"
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

func TestHubActor(t *testing.T) {

	as := actor.NewActorSystem()
	context := as.Root

	cfg := util.LoadTestConfig()
	logCfg := zap.NewDevelopmentConfig()
	logCfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	logger := zap.Must(logCfg.Build())

	reg := registry.NewRegistry(logger)
	scripted := adapter.NewScriptedAdapter(domain.ProtocolMQTT)
	es := &eventstream.EventStream{}

	props := actor.PropsFromProducer(func() actor.Actor {
		return NewHubActor(cfg, reg, port.AdapterSet{domain.ProtocolMQTT: scripted}, es, logger)
	})
	pid, err := context.SpawnNamed(props, domain.ACTOR_ID_HUB)
	if err != nil {
		t.Error(err)
		return
	}

	time.Sleep(1 * time.Second)

	res, err := context.RequestFuture(pid, domain.ActorHealthRequest{}, 10*time.Second).Result()
	if err != nil {
		t.Error(err)
	}
	healthResp, ok := res.(domain.ActorHealthResponse)
	assert.True(t, ok)
	fmt.Printf("Health response: %+v\n", healthResp)
	assert.NotNil(t, healthResp)

	assert.True(t, healthResp.Healthy, "healthy is true")

	context.Stop(pid)

	as.Shutdown()
}

func TestHubRoutesRequests(t *testing.T) {

	as := actor.NewActorSystem()
	context := as.Root

	cfg := util.LoadTestConfig()
	logCfg := zap.NewDevelopmentConfig()
	logCfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	logger := zap.Must(logCfg.Build())

	reg := registry.NewRegistry(logger)
	scripted := adapter.NewScriptedAdapter(domain.ProtocolMQTT)
	es := &eventstream.EventStream{}

	require.NoError(t, reg.Register(domain.Device{
		Id:           "lamp1",
		Type:         domain.DeviceTypeLight,
		Protocol:     domain.ProtocolMQTT,
		Address:      "lamps/lamp1",
		Capabilities: []domain.Capability{domain.CapabilityPower},
	}))

	props := actor.PropsFromProducer(func() actor.Actor {
		return NewHubActor(cfg, reg, port.AdapterSet{domain.ProtocolMQTT: scripted}, es, logger)
	})
	pid, err := context.SpawnNamed(props, domain.ACTOR_ID_HUB)
	require.NoError(t, err)
	defer func() {
		context.Stop(pid)
		as.Shutdown()
	}()

	// dispatch through the hub
	res, err := context.RequestFuture(pid, domain.DispatchIntentRequest{
		Intent: domain.Intent{Action: domain.ActionTurnOn, Targets: []string{"lamp1"}},
	}, 10*time.Second).Result()
	require.NoError(t, err)
	dispatchResp, ok := res.(domain.DispatchIntentResponse)
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeSuccess, dispatchResp.Result.Outcome)

	// scenario through the hub
	res, err = context.RequestFuture(pid, domain.RunScenarioRequest{
		Scenario: domain.Scenario{
			Name:    "inline",
			Intents: []domain.Intent{{Action: domain.ActionTurnOff, Targets: []string{"lamp1"}}},
		},
	}, 30*time.Second).Result()
	require.NoError(t, err)
	scenarioResp, ok := res.(domain.RunScenarioResponse)
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeSuccess, scenarioResp.Result.Outcome)

	// sync status through the hub
	context.Send(pid, domain.ReconcileTick{})
	res, err = context.RequestFuture(pid, domain.SyncStatusRequest{}, 10*time.Second).Result()
	require.NoError(t, err)
	statusResp, ok := res.(domain.SyncStatusResponse)
	require.True(t, ok)
	assert.GreaterOrEqual(t, statusResp.Cycles, uint64(1))
}
