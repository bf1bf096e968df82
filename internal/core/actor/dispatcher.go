package actor

import (
	"fmt"
	"time"

	"github.com/voicehome/intenthub/internal/config"
	"github.com/voicehome/intenthub/internal/core/domain"
	"github.com/voicehome/intenthub/internal/core/port"
	"github.com/voicehome/intenthub/internal/core/registry"
	"github.com/voicehome/intenthub/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// commandGroup aggregates the per-device results of one intent into a
// single CommandResult.
type commandGroup struct {
	replyTo   *actor.PID
	pending   int
	started   time.Time
	outcomes  []domain.DeviceOutcome
	state     map[string]any
	retries   int
	confirmed bool
	devices   []string
}

// DispatcherActor validates intents against the registry, assigns
// command ids and routes each accepted command to a per-device child
// actor. Resolution failures are answered immediately with a typed
// error and never reach an adapter. The global concurrency limit bounds
// how many commands are with device actors at once; excess commands
// wait here in FIFO order.
type DispatcherActor struct {
	cfg      config.DispatchConfig
	registry *registry.Registry
	adapters port.AdapterSet
	es       *eventstream.EventStream
	logger   *zap.Logger

	children map[string]*actor.PID
	pending  map[string]int // commands at a device actor, by device id
	inflight map[string]*commandGroup
	queue    []deviceCommand
	launched int

	// a stopped child keeps its spawn name until its Terminated is
	// processed; commands for it park here until the respawn
	stopping map[string]bool
	parked   map[string][]deviceCommand
}

func NewDispatcherActor(cfg config.DispatchConfig, reg *registry.Registry, adapters port.AdapterSet, es *eventstream.EventStream, logger *zap.Logger) *DispatcherActor {
	return &DispatcherActor{
		cfg:      cfg,
		registry: reg,
		adapters: adapters,
		es:       es,
		logger:   actorutil.ActorLogger(domain.ACTOR_ID_DISPATCHER, logger),
		children: make(map[string]*actor.PID),
		pending:  make(map[string]int),
		inflight: make(map[string]*commandGroup),
		stopping: make(map[string]bool),
		parked:   make(map[string][]deviceCommand),
	}
}

func (state *DispatcherActor) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("dispatcher started")
	case domain.DispatchIntentRequest:
		state.onDispatch(ctx, msg)
	case domain.CancelCommandRequest:
		state.onCancel(ctx, msg)
	case deviceCommandResult:
		state.onResult(ctx, msg)
	case deviceIdle:
		state.onDeviceIdle(ctx, msg)
	case domain.ActorHealthRequest:
		actorutil.ForRequest(msg).Respond(ctx, domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_DISPATCHER,
			Healthy: true,
			State:   fmt.Sprintf("inflight=%d queued=%d devices=%d", state.launched, len(state.queue), len(state.children)),
		})
	case *actor.Terminated:
		for id, pid := range state.children {
			if pid.Equal(msg.Who) {
				delete(state.children, id)
				delete(state.stopping, id)
				if parked := state.parked[id]; len(parked) > 0 {
					delete(state.parked, id)
					for _, cmd := range parked {
						state.forward(ctx, cmd)
					}
				}
				break
			}
		}
	}
}

func (state *DispatcherActor) onDispatch(ctx actor.Context, msg domain.DispatchIntentRequest) {
	replyTo := actorutil.ForRequest(msg).ReplyTo(ctx)
	commandId := msg.CommandId
	if commandId == "" {
		commandId = uuid.NewString()
	}
	start := time.Now()
	intent := msg.Intent

	if _, exists := state.inflight[commandId]; exists {
		state.respond(ctx, replyTo, domain.DispatchIntentResponse{
			ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: domain.ErrDuplicateCommand},
			Result: domain.CommandResult{
				CommandId: commandId,
				Outcome:   domain.OutcomeFailure,
				Latency:   time.Since(start),
			},
		})
		return
	}

	if len(intent.Targets) == 0 {
		state.respond(ctx, replyTo, domain.DispatchIntentResponse{
			ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: domain.ErrDeviceNotFound},
			Result: domain.CommandResult{
				CommandId: commandId,
				Outcome:   domain.OutcomeFailure,
				Latency:   time.Since(start),
			},
		})
		return
	}

	// resolve every target before touching any adapter; one bad target
	// rejects the whole intent
	type resolved struct {
		device  domain.Device
		adapter port.ProtocolAdapter
	}
	accepted := make([]resolved, 0, len(intent.Targets))
	outcomes := make([]domain.DeviceOutcome, 0, len(intent.Targets))
	var preErr error
	for _, target := range intent.Targets {
		device, err := state.registry.Get(target)
		if err != nil {
			outcomes = append(outcomes, domain.DeviceOutcome{DeviceId: target, ErrorCode: domain.ErrDeviceNotFound.Code})
			if preErr == nil {
				preErr = domain.ErrDeviceNotFound
			}
			continue
		}
		if !device.SupportsAction(intent.Action) {
			outcomes = append(outcomes, domain.DeviceOutcome{DeviceId: target, ErrorCode: domain.ErrCapabilityMismatch.Code})
			if preErr == nil {
				preErr = domain.ErrCapabilityMismatch
			}
			continue
		}
		adapter, ok := state.adapters.For(device.Protocol)
		if !ok {
			outcomes = append(outcomes, domain.DeviceOutcome{DeviceId: target, ErrorKind: domain.ErrorKindUnsupported})
			if preErr == nil {
				preErr = domain.NewAdapterError(domain.ErrorKindUnsupported,
					fmt.Sprintf("no adapter for protocol %s", device.Protocol), nil)
			}
			continue
		}
		accepted = append(accepted, resolved{device: device, adapter: adapter})
	}

	if preErr != nil {
		state.logger.Debug("intent rejected",
			zap.String("command", commandId),
			zap.String("action", string(intent.Action)),
			zap.Error(preErr))
		state.respond(ctx, replyTo, domain.DispatchIntentResponse{
			ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: preErr},
			Result: domain.CommandResult{
				CommandId: commandId,
				Outcome:   domain.OutcomeFailure,
				Devices:   outcomes,
				Latency:   time.Since(start),
			},
		})
		return
	}

	group := &commandGroup{
		replyTo:   replyTo,
		pending:   len(accepted),
		started:   start,
		confirmed: true,
	}
	state.inflight[commandId] = group

	state.logger.Debug("intent accepted",
		zap.String("command", commandId),
		zap.String("action", string(intent.Action)),
		zap.Int("targets", len(accepted)))

	for _, r := range accepted {
		group.devices = append(group.devices, r.device.Id)
		state.enqueue(ctx, deviceCommand{
			commandId: commandId,
			device:    r.device,
			action:    intent.Action,
			params:    intent.Params,
			adapter:   r.adapter,
		})
	}
}

func (state *DispatcherActor) onCancel(ctx actor.Context, msg domain.CancelCommandRequest) {
	ext := actorutil.ForRequest(msg)
	group, ok := state.inflight[msg.CommandId]
	if !ok {
		ext.Respond(ctx, domain.CancelCommandResponse{Cancelled: false})
		return
	}

	// drop queued copies here; forwarded copies are cancelled at their
	// device actor
	kept := state.queue[:0]
	var dropped []deviceCommand
	for _, cmd := range state.queue {
		if cmd.commandId == msg.CommandId {
			dropped = append(dropped, cmd)
		} else {
			kept = append(kept, cmd)
		}
	}
	state.queue = kept

	for id, cmds := range state.parked {
		keptParked := cmds[:0]
		for _, cmd := range cmds {
			if cmd.commandId == msg.CommandId {
				dropped = append(dropped, cmd)
			} else {
				keptParked = append(keptParked, cmd)
			}
		}
		if len(keptParked) == 0 {
			delete(state.parked, id)
		} else {
			state.parked[id] = keptParked
		}
	}

	// devices that already reported back have nothing left to cancel;
	// telling their actor would strand a remembered cancellation
	completed := make(map[string]bool, len(group.outcomes))
	for _, outcome := range group.outcomes {
		completed[outcome.DeviceId] = true
	}

	forwarded := make(map[string]bool, len(group.devices))
	for _, id := range group.devices {
		forwarded[id] = true
	}
	for _, cmd := range dropped {
		delete(forwarded, cmd.device.Id)
	}
	for id := range forwarded {
		if completed[id] {
			continue
		}
		if child, ok := state.children[id]; ok {
			ctx.Send(child, cancelDeviceCommand{commandId: msg.CommandId})
		}
	}
	ext.Respond(ctx, domain.CancelCommandResponse{Cancelled: true})

	// dropped commands were never forwarded, so they bypass the
	// launch accounting
	for _, cmd := range dropped {
		state.applyOutcome(ctx, cancelledResult(cmd))
	}
	state.drain(ctx)
}

func (state *DispatcherActor) enqueue(ctx actor.Context, cmd deviceCommand) {
	if state.launched >= state.cfg.ConcurrencyLimit {
		state.queue = append(state.queue, cmd)
		return
	}
	state.forward(ctx, cmd)
}

func (state *DispatcherActor) forward(ctx actor.Context, cmd deviceCommand) {
	if state.stopping[cmd.device.Id] {
		state.parked[cmd.device.Id] = append(state.parked[cmd.device.Id], cmd)
		return
	}
	child := state.ensureChild(ctx, cmd.device.Id)
	state.launched++
	state.pending[cmd.device.Id]++
	ctx.Send(child, cmd)
}

func (state *DispatcherActor) onResult(ctx actor.Context, msg deviceCommandResult) {
	if state.pending[msg.deviceId] > 0 {
		state.pending[msg.deviceId]--
	}
	state.launched--
	state.applyOutcome(ctx, msg)
	state.drain(ctx)
}

func (state *DispatcherActor) applyOutcome(ctx actor.Context, msg deviceCommandResult) {
	group, ok := state.inflight[msg.commandId]
	if !ok {
		return
	}

	group.outcomes = append(group.outcomes, domain.DeviceOutcome{
		DeviceId:  msg.deviceId,
		Success:   msg.success,
		ErrorKind: msg.errorKind,
		ErrorCode: msg.errorCode,
	})
	if msg.success {
		if msg.attrs != nil {
			if group.state == nil {
				group.state = make(map[string]any)
			}
			for k, v := range msg.attrs {
				group.state[k] = v
			}
		}
		group.confirmed = group.confirmed && msg.confirmed
	}
	if msg.retries > group.retries {
		group.retries = msg.retries
	}

	group.pending--
	if group.pending == 0 {
		delete(state.inflight, msg.commandId)
		state.respond(ctx, group.replyTo, domain.DispatchIntentResponse{
			Result: state.groupResult(msg.commandId, group),
		})
	}
}

func (state *DispatcherActor) groupResult(commandId string, group *commandGroup) domain.CommandResult {
	success, total := 0, len(group.outcomes)
	for _, o := range group.outcomes {
		if o.Success {
			success++
		}
	}
	outcome := domain.OutcomeFailure
	switch {
	case success == total && total > 0:
		outcome = domain.OutcomeSuccess
	case success > 0:
		outcome = domain.OutcomePartialSuccess
	}
	return domain.CommandResult{
		CommandId:  commandId,
		Outcome:    outcome,
		Devices:    group.outcomes,
		State:      group.state,
		Latency:    time.Since(group.started),
		RetryCount: group.retries,
		Confirmed:  outcome == domain.OutcomeSuccess && group.confirmed,
	}
}

func (state *DispatcherActor) drain(ctx actor.Context) {
	for state.launched < state.cfg.ConcurrencyLimit && len(state.queue) > 0 {
		cmd := state.queue[0]
		state.queue = state.queue[1:]
		state.forward(ctx, cmd)
	}
}

func (state *DispatcherActor) onDeviceIdle(ctx actor.Context, msg deviceIdle) {
	if state.pending[msg.deviceId] > 0 {
		return
	}
	for _, cmd := range state.queue {
		if cmd.device.Id == msg.deviceId {
			return
		}
	}
	if child, ok := state.children[msg.deviceId]; ok && !state.stopping[msg.deviceId] {
		state.logger.Debug("stopping idle device actor", zap.String("device", msg.deviceId))
		ctx.Stop(child)
		state.stopping[msg.deviceId] = true
		delete(state.pending, msg.deviceId)
	}
}

func (state *DispatcherActor) ensureChild(ctx actor.Context, deviceId string) *actor.PID {
	if child, ok := state.children[deviceId]; ok {
		return child
	}
	props := actor.PropsFromProducer(func() actor.Actor {
		return NewDeviceActor(deviceId, state.cfg, state.registry, state.es, state.logger)
	})
	child, err := ctx.SpawnNamed(props, fmt.Sprintf("device-%s", deviceId))
	if err != nil {
		// stopping executors park their commands, so the name is free here
		panic(err)
	}
	ctx.Watch(child)
	state.children[deviceId] = child
	return child
}

func (state *DispatcherActor) respond(ctx actor.Context, replyTo *actor.PID, resp domain.DispatchIntentResponse) {
	if replyTo == nil {
		return
	}
	ctx.Send(replyTo, resp)
}
