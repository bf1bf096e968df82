package actor

import (
	"fmt"
	"sort"
	"time"

	"github.com/voicehome/intenthub/internal/config"
	"github.com/voicehome/intenthub/internal/core/domain"
	"github.com/voicehome/intenthub/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// scenarioRun tracks one in-flight scenario execution. Results keep the
// scenario's intent order regardless of completion order.
type scenarioRun struct {
	runId   string
	name    string
	replyTo *actor.PID
	intents []domain.Intent
	results []domain.CommandResult
	next    int
	done    int
	started time.Time
}

// ScenarioActor executes scenarios with bounded parallel fan-out over
// the dispatcher: up to FanoutLimit intents run concurrently, the next
// one launching as each result arrives. A scenario is not a
// transaction; sibling intents run to completion regardless of each
// other's outcomes.
type ScenarioActor struct {
	dispatcher *actor.PID
	cfg        config.ScenarioConfig
	futureTTL  time.Duration
	defined    map[string]domain.Scenario
	active     int
	logger     *zap.Logger
}

func NewScenarioActor(dispatcher *actor.PID, cfg config.ScenarioConfig, futureTTL time.Duration, logger *zap.Logger) *ScenarioActor {
	return &ScenarioActor{
		dispatcher: dispatcher,
		cfg:        cfg,
		futureTTL:  futureTTL,
		defined:    make(map[string]domain.Scenario),
		logger:     actorutil.ActorLogger(domain.ACTOR_ID_SCENARIO, logger),
	}
}

func (state *ScenarioActor) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("scenario engine started")
	case domain.RunScenarioRequest:
		state.onRun(ctx, msg)
	case domain.SaveScenarioRequest:
		state.defined[msg.Scenario.Name] = msg.Scenario
		actorutil.ForRequest(msg).Respond(ctx, domain.SaveScenarioResponse{})
	case domain.ListScenariosRequest:
		names := make([]string, 0, len(state.defined))
		for name := range state.defined {
			names = append(names, name)
		}
		sort.Strings(names)
		scenarios := make([]domain.Scenario, 0, len(names))
		for _, name := range names {
			scenarios = append(scenarios, state.defined[name])
		}
		actorutil.ForRequest(msg).Respond(ctx, domain.ListScenariosResponse{Scenarios: scenarios})
	case domain.ActorHealthRequest:
		actorutil.ForRequest(msg).Respond(ctx, domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_SCENARIO,
			Healthy: true,
			State:   fmt.Sprintf("active=%d defined=%d", state.active, len(state.defined)),
		})
	}
}

func (state *ScenarioActor) onRun(ctx actor.Context, msg domain.RunScenarioRequest) {
	ext := actorutil.ForRequest(msg)
	scenario := msg.Scenario
	if len(scenario.Intents) == 0 && scenario.Name != "" {
		saved, ok := state.defined[scenario.Name]
		if !ok {
			ext.Respond(ctx, domain.RunScenarioResponse{
				ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: domain.ErrScenarioNotFound},
				Result: domain.ScenarioResult{
					RunId:    uuid.NewString(),
					Scenario: scenario.Name,
					Outcome:  domain.OutcomeFailure,
				},
			})
			return
		}
		scenario = saved
	}

	run := &scenarioRun{
		runId:   uuid.NewString(),
		name:    scenario.Name,
		replyTo: ext.ReplyTo(ctx),
		intents: scenario.Intents,
		results: make([]domain.CommandResult, len(scenario.Intents)),
		started: time.Now(),
	}

	state.logger.Debug("scenario run started",
		zap.String("run", run.runId),
		zap.String("scenario", run.name),
		zap.Int("intents", len(run.intents)))

	if len(run.intents) == 0 {
		state.finish(ctx, run)
		return
	}

	state.active++
	fanout := state.cfg.FanoutLimit
	if fanout > len(run.intents) {
		fanout = len(run.intents)
	}
	for i := 0; i < fanout; i++ {
		state.launchNext(ctx, run)
	}
}

func (state *ScenarioActor) launchNext(ctx actor.Context, run *scenarioRun) {
	idx := run.next
	run.next++
	intent := run.intents[idx]

	future := ctx.RequestFuture(state.dispatcher, domain.DispatchIntentRequest{Intent: intent}, state.futureTTL)
	ctx.ReenterAfter(future, func(res interface{}, err error) {
		run.results[idx] = state.intentResult(intent, res, err)
		run.done++
		if run.next < len(run.intents) {
			state.launchNext(ctx, run)
		}
		if run.done == len(run.intents) {
			state.active--
			state.finish(ctx, run)
		}
	})
}

// intentResult unwraps a dispatcher reply; a dead or silent dispatcher
// counts as a per-intent timeout, never as a scenario abort.
func (state *ScenarioActor) intentResult(intent domain.Intent, res interface{}, err error) domain.CommandResult {
	if err == nil {
		if resp, ok := res.(domain.DispatchIntentResponse); ok {
			return resp.Result
		}
		err = fmt.Errorf("unexpected dispatcher reply %T", res)
	}
	state.logger.Warn("intent dispatch failed inside scenario", zap.Error(err))
	devices := make([]domain.DeviceOutcome, 0, len(intent.Targets))
	for _, target := range intent.Targets {
		devices = append(devices, domain.DeviceOutcome{DeviceId: target, ErrorKind: domain.ErrorKindTimeout})
	}
	return domain.CommandResult{
		Outcome: domain.OutcomeFailure,
		Devices: devices,
	}
}

func (state *ScenarioActor) finish(ctx actor.Context, run *scenarioRun) {
	result := domain.ScenarioResult{
		RunId:    run.runId,
		Scenario: run.name,
		Results:  run.results,
		Latency:  time.Since(run.started),
	}
	result.Aggregate()

	state.logger.Debug("scenario run finished",
		zap.String("run", run.runId),
		zap.String("outcome", string(result.Outcome)),
		zap.Duration("latency", result.Latency))

	if run.replyTo != nil {
		ctx.Send(run.replyTo, domain.RunScenarioResponse{Result: result})
	}
}
