package actor

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/voicehome/intenthub/internal/config"
	"github.com/voicehome/intenthub/internal/core/domain"
	"github.com/voicehome/intenthub/internal/core/port"
	"github.com/voicehome/intenthub/internal/core/registry"
	"github.com/voicehome/intenthub/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/carlmjohnson/versioninfo"
	"go.uber.org/zap"
)

// HubActor is the root of the actor tree. It spawns and supervises the
// dispatcher, scenario engine and synchronizer, routes requests to the
// right child, and answers aggregated health checks.
type HubActor struct {
	config   config.Config
	behavior actor.Behavior
	stash    *actorutil.Stash

	currentHealthCheck healthCheckResult
	eventStream        *eventstream.EventStream
	registry           *registry.Registry
	adapters           port.AdapterSet
	dispatcherActor    *actor.PID
	scenarioActor      *actor.PID
	syncActor          *actor.PID
	logger             *zap.Logger
}

type healthCheckResult struct {
	dispatcherHealthy bool
	scenarioHealthy   bool
	syncHealthy       bool
	checksReceived    int
	respondTo         *actor.PID
}

func NewHubActor(config config.Config, reg *registry.Registry, adapters port.AdapterSet, es *eventstream.EventStream, logger *zap.Logger) *HubActor {
	act := &HubActor{
		config:      config,
		behavior:    actor.NewBehavior(),
		stash:       &actorutil.Stash{},
		logger:      actorutil.ActorLogger(domain.ACTOR_ID_HUB, logger),
		eventStream: es,
		registry:    reg,
		adapters:    adapters,
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *HubActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

// EventStream exposes the stream command history and drift events are
// published on.
func (state *HubActor) EventStream() *eventstream.EventStream {
	return state.eventStream
}

func (state *HubActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("hub@starting started")

		state.currentHealthCheck = healthCheckResult{}
		state.currentHealthCheck.reset()

		dispatcherPID, err := state.startDispatcherActor(ctx)
		if err != nil {
			panic(err)
		}
		state.dispatcherActor = dispatcherPID

		scenarioPID, err := state.startScenarioActor(ctx)
		if err != nil {
			panic(err)
		}
		state.scenarioActor = scenarioPID

		syncPID, err := state.startSyncActor(ctx)
		if err != nil {
			panic(err)
		}
		state.syncActor = syncPID

		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	default:
		state.logger.Debug("hub@starting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *HubActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.DispatchIntentRequest, domain.CancelCommandRequest:
		ctx.Forward(state.dispatcherActor)
	case domain.RunScenarioRequest, domain.SaveScenarioRequest, domain.ListScenariosRequest:
		ctx.Forward(state.scenarioActor)
	case domain.ReconcileTick, domain.SyncStatusRequest:
		ctx.Forward(state.syncActor)
	case domain.ActorHealthRequest:
		state.logger.Debug("hub@default ActorHealthRequest")
		state.currentHealthCheck.reset()
		state.currentHealthCheck.respondTo = ctx.Sender()
		actorutil.PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.dispatcherActor, domain.ActorHealthRequest{}, 500*time.Millisecond), func(err error) any {
			return domain.ActorHealthResponse{
				Id:      domain.ACTOR_ID_DISPATCHER,
				Healthy: false,
			}
		})
		actorutil.PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.scenarioActor, domain.ActorHealthRequest{}, 500*time.Millisecond), func(err error) any {
			return domain.ActorHealthResponse{
				Id:      domain.ACTOR_ID_SCENARIO,
				Healthy: false,
			}
		})
		actorutil.PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.syncActor, domain.ActorHealthRequest{}, 500*time.Millisecond), func(err error) any {
			return domain.ActorHealthResponse{
				Id:      domain.ACTOR_ID_SYNC,
				Healthy: false,
			}
		})

		ctx.SetReceiveTimeout(1 * time.Second)

		state.behavior.BecomeStacked(state.HealthCheckReceive)
	case *actor.Terminated:
		// the dispatcher is load-bearing; without it nothing executes
		if msg.Who.Id == fmt.Sprintf("%s/%s", domain.ACTOR_ID_HUB, domain.ACTOR_ID_DISPATCHER) {
			state.logger.Error("hub@default dispatcher terminated")
			panic(errors.New("dispatcher terminated"))
		}
	default:
		state.logger.Debug("hub@default stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *HubActor) HealthCheckReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.ReceiveTimeout:
		// a child that does not answer in time counts as unhealthy
		state.currentHealthCheck.respond(ctx)
		state.behavior.UnbecomeStacked()
		state.stash.UnstashAll(ctx)
	case domain.ActorHealthResponse:
		state.logger.Debug("hub@healthcheck ActorHealthResponse", zap.String("sender", msg.Id), zap.Bool("healthy", msg.Healthy))
		state.currentHealthCheck.checksReceived++
		if msg.Healthy {
			if msg.Id == domain.ACTOR_ID_DISPATCHER {
				state.currentHealthCheck.dispatcherHealthy = true
			} else if msg.Id == domain.ACTOR_ID_SCENARIO {
				state.currentHealthCheck.scenarioHealthy = true
			} else if msg.Id == domain.ACTOR_ID_SYNC {
				state.currentHealthCheck.syncHealthy = true
			}
		}
		if state.currentHealthCheck.allReceived() {

			state.currentHealthCheck.respond(ctx)

			state.behavior.UnbecomeStacked()
			state.stash.UnstashAll(ctx)
		} else {
			ctx.SetReceiveTimeout(1 * time.Second)
		}
	default:
		state.logger.Debug("hub@healthcheck stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *HubActor) startDispatcherActor(ctx actor.Context) (*actor.PID, error) {

	supervisor := actor.NewExponentialBackoffStrategy(10*time.Second, 1*time.Second)

	dispatcherProps := actor.PropsFromProducer(func() actor.Actor {
		return NewDispatcherActor(state.config.Dispatch, state.registry, state.adapters, state.eventStream, state.logger)
	}, actor.WithSupervisor(supervisor))
	dispatcherPID, err := ctx.SpawnNamed(dispatcherProps, domain.ACTOR_ID_DISPATCHER)
	if err != nil {
		return nil, err
	}

	return dispatcherPID, nil
}

func (state *HubActor) startScenarioActor(ctx actor.Context) (*actor.PID, error) {

	decider := func(reason interface{}) actor.Directive {
		log.Printf("handling failure for child. reason: %v", reason)
		return actor.RestartDirective
	}
	supervisor := actor.NewOneForOneStrategy(1, 10*time.Second, decider)

	futureTTL := state.config.Dispatch.OverallDeadline() + 5*time.Second
	scenarioProps := actor.PropsFromProducer(func() actor.Actor {
		return NewScenarioActor(state.dispatcherActor, state.config.Scenario, futureTTL, state.logger)
	}, actor.WithSupervisor(supervisor))
	scenarioPID, err := ctx.SpawnNamed(scenarioProps, domain.ACTOR_ID_SCENARIO)
	if err != nil {
		return nil, err
	}

	return scenarioPID, nil
}

func (state *HubActor) startSyncActor(ctx actor.Context) (*actor.PID, error) {

	decider := func(reason interface{}) actor.Directive {
		log.Printf("handling failure for child. reason: %v", reason)
		return actor.RestartDirective
	}
	supervisor := actor.NewOneForOneStrategy(1, 10*time.Second, decider)

	syncProps := actor.PropsFromProducer(func() actor.Actor {
		return NewSyncActor(state.config.Sync, state.registry, state.adapters, state.eventStream, state.config.Dispatch.PerAttemptTimeout(), state.logger)
	}, actor.WithSupervisor(supervisor))
	syncPID, err := ctx.SpawnNamed(syncProps, domain.ACTOR_ID_SYNC)
	if err != nil {
		return nil, err
	}

	return syncPID, nil
}

func (state *healthCheckResult) reset() {
	state.dispatcherHealthy = false
	state.scenarioHealthy = false
	state.syncHealthy = false
	state.checksReceived = 0
}

func (state *healthCheckResult) allReceived() bool {
	return state.checksReceived == 3
}

func (state *healthCheckResult) allHealthy() bool {
	return state.dispatcherHealthy && state.scenarioHealthy && state.syncHealthy
}

func (state *healthCheckResult) respond(ctx actor.Context) {
	resp := domain.ActorHealthResponse{
		Id:      domain.ACTOR_ID_HUB,
		Healthy: state.allHealthy(),
		Version: versioninfo.Short(),
	}
	if state.respondTo != nil {
		ctx.Send(state.respondTo, resp)
	}
}
