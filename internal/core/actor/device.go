package actor

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/voicehome/intenthub/internal/config"
	"github.com/voicehome/intenthub/internal/core/domain"
	"github.com/voicehome/intenthub/internal/core/port"
	"github.com/voicehome/intenthub/internal/core/registry"
	"github.com/voicehome/intenthub/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/asynkron/protoactor-go/scheduler"
	"go.uber.org/zap"
)

// deviceCommand is one accepted command routed to a device executor.
// The dispatcher resolved the device and adapter already; the executor
// owns attempts, retries and the overall deadline.
type deviceCommand struct {
	commandId string
	device    domain.Device
	action    domain.Action
	params    map[string]any
	adapter   port.ProtocolAdapter
}

// deviceCommandResult reports one finished command back to the
// dispatcher for aggregation.
type deviceCommandResult struct {
	commandId string
	deviceId  string
	action    domain.Action
	success   bool
	errorKind domain.ErrorKind
	errorCode string
	attrs     map[string]any
	retries   int
	latency   time.Duration
	confirmed bool
}

type cancelDeviceCommand struct {
	commandId string
	replyTo   *actor.PID
}

type attemptResult struct {
	seq   int
	attrs map[string]any
	err   error
}

type retryTick struct {
	seq int
}

type deviceIdle struct {
	deviceId string
}

// DeviceActor serializes command execution for one device id. Its
// mailbox is the FIFO queue the ordering guarantee rests on; while an
// attempt is in flight the actor stacks into a busy state and stashes
// everything else, so two adapter calls for the same device can never
// overlap.
type DeviceActor struct {
	deviceId  string
	cfg       config.DispatchConfig
	registry  *registry.Registry
	es        *eventstream.EventStream
	behavior  actor.Behavior
	stash     *actorutil.Stash
	scheduler *scheduler.TimerScheduler
	logger    *zap.Logger

	// current command bookkeeping
	current   *deviceCommand
	started   time.Time
	deadline  time.Time
	attempts  int
	seq       int
	cancelCtx context.CancelFunc
	cancelled bool
	lastKind  domain.ErrorKind
	waiting   []deviceCommand
	cancelSet map[string]bool
}

func NewDeviceActor(deviceId string, cfg config.DispatchConfig, reg *registry.Registry, es *eventstream.EventStream, logger *zap.Logger) *DeviceActor {
	act := &DeviceActor{
		deviceId:  deviceId,
		cfg:       cfg,
		registry:  reg,
		es:        es,
		behavior:  actor.NewBehavior(),
		stash:     &actorutil.Stash{},
		logger:    actorutil.ActorLogger(fmt.Sprintf("device/%s", deviceId), logger),
		cancelSet: make(map[string]bool),
	}
	act.behavior.Become(act.IdleReceive)
	return act
}

func (state *DeviceActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *DeviceActor) IdleReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("device@idle started")
		state.scheduler = scheduler.NewTimerScheduler(ctx)
		if state.cfg.DeviceIdleStop() > 0 {
			ctx.SetReceiveTimeout(state.cfg.DeviceIdleStop())
		}
	case *actor.ReceiveTimeout:
		// parent decides whether it is safe to stop us
		ctx.Send(ctx.Parent(), deviceIdle{deviceId: state.deviceId})
	case deviceCommand:
		if state.cancelSet[msg.commandId] {
			delete(state.cancelSet, msg.commandId)
			state.logger.Debug("device@idle command already cancelled", zap.String("command", msg.commandId))
			ctx.Send(ctx.Parent(), cancelledResult(msg))
			return
		}
		ctx.CancelReceiveTimeout()
		state.behavior.BecomeStacked(state.BusyReceive)
		state.startCommand(ctx, msg)
	case cancelDeviceCommand:
		// command not yet delivered to us; remember it
		state.cancelSet[msg.commandId] = true
		if msg.replyTo != nil {
			ctx.Send(msg.replyTo, domain.CancelCommandResponse{Cancelled: true})
		}
	default:
		state.logger.Debug("device@idle unexpected", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *DeviceActor) BusyReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case deviceCommand:
		// arrival order is preserved; the next command starts when the
		// current one finishes
		if state.cancelSet[msg.commandId] {
			delete(state.cancelSet, msg.commandId)
			ctx.Send(ctx.Parent(), cancelledResult(msg))
			return
		}
		state.waiting = append(state.waiting, msg)
	case attemptResult:
		if msg.seq != state.seq {
			state.logger.Debug("device@busy stale attempt result dropped", zap.Int("seq", msg.seq))
			return
		}
		state.onAttemptResult(ctx, msg)
	case retryTick:
		if msg.seq != state.seq {
			return
		}
		state.runAttempt(ctx)
	case cancelDeviceCommand:
		switch {
		case state.current != nil && state.current.commandId == msg.commandId:
			state.cancelled = true
			if state.cancelCtx != nil {
				// best-effort abandonment forwarded to the adapter; the
				// physical device may still apply the action
				state.cancelCtx()
			} else {
				// waiting out a retry backoff; finish now so the pending
				// tick cannot launch another attempt
				cmd := state.current
				state.finish(ctx, deviceCommandResult{
					commandId: cmd.commandId,
					deviceId:  cmd.device.Id,
					action:    cmd.action,
					errorKind: domain.ErrorKindCancelled,
					retries:   state.attempts - 1,
					latency:   time.Since(state.started),
				})
			}
		case state.dropWaiting(ctx, msg.commandId):
		default:
			// not delivered to us yet
			state.cancelSet[msg.commandId] = true
		}
		if msg.replyTo != nil {
			ctx.Send(msg.replyTo, domain.CancelCommandResponse{Cancelled: true})
		}
	case *actor.ReceiveTimeout:
		// never stop while a command is in flight
	case *actor.Stopping:
		if state.cancelCtx != nil {
			state.cancelCtx()
		}
	default:
		state.logger.Debug("device@busy stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

// dropWaiting removes a queued command by id, reporting it cancelled.
func (state *DeviceActor) dropWaiting(ctx actor.Context, commandId string) bool {
	for i, cmd := range state.waiting {
		if cmd.commandId == commandId {
			state.waiting = append(state.waiting[:i], state.waiting[i+1:]...)
			ctx.Send(ctx.Parent(), cancelledResult(cmd))
			return true
		}
	}
	return false
}

func (state *DeviceActor) startCommand(ctx actor.Context, cmd deviceCommand) {
	state.current = &cmd
	state.started = time.Now()
	state.deadline = state.started.Add(state.cfg.OverallDeadline())
	state.attempts = 0
	state.cancelled = false
	state.lastKind = domain.ErrorKindNone
	state.runAttempt(ctx)
}

func (state *DeviceActor) runAttempt(ctx actor.Context) {
	cmd := state.current
	state.attempts++
	state.seq++
	seq := state.seq

	remaining := time.Until(state.deadline)
	if remaining <= 0 {
		state.finish(ctx, deviceCommandResult{
			commandId: cmd.commandId,
			deviceId:  cmd.device.Id,
			action:    cmd.action,
			errorKind: state.lastKindOr(domain.ErrorKindTimeout),
			errorCode: domain.ErrDeadlineExceeded.Code,
			retries:   state.attempts - 1,
			latency:   time.Since(state.started),
		})
		return
	}
	budget := state.cfg.PerAttemptTimeout()
	if remaining < budget {
		budget = remaining
	}

	attemptCtx, cancel := context.WithTimeout(context.Background(), budget)
	state.cancelCtx = cancel

	state.logger.Debug("device@busy attempt",
		zap.String("command", cmd.commandId),
		zap.Int("attempt", state.attempts),
		zap.Duration("budget", budget))

	actorutil.NewBackgroundTask(ctx, func() (*attemptResult, error) {
		attrs, err := cmd.adapter.Execute(attemptCtx, cmd.device, cmd.action, cmd.params)
		cancel()
		return &attemptResult{seq: seq, attrs: attrs, err: err}, nil
	}).WithTimeout(budget + time.Second).Recover(func(err error) attemptResult {
		cancel()
		return attemptResult{seq: seq, err: domain.NewAdapterError(domain.ErrorKindTimeout, "attempt timed out", err)}
	}).PipeTo(ctx.Self())
}

func (state *DeviceActor) onAttemptResult(ctx actor.Context, msg attemptResult) {
	cmd := state.current
	state.cancelCtx = nil

	if state.cancelled {
		state.finish(ctx, deviceCommandResult{
			commandId: cmd.commandId,
			deviceId:  cmd.device.Id,
			action:    cmd.action,
			errorKind: domain.ErrorKindCancelled,
			retries:   state.attempts - 1,
			latency:   time.Since(state.started),
		})
		return
	}

	if msg.err == nil {
		confirmed := msg.attrs != nil
		if confirmed {
			if err := state.registry.UpdateStateAt(cmd.device.Id, msg.attrs, time.Now()); err != nil {
				state.logger.Warn("state update after success failed", zap.Error(err))
				confirmed = false
			}
		}
		state.finish(ctx, deviceCommandResult{
			commandId: cmd.commandId,
			deviceId:  cmd.device.Id,
			action:    cmd.action,
			success:   true,
			attrs:     msg.attrs,
			retries:   state.attempts - 1,
			latency:   time.Since(state.started),
			confirmed: confirmed,
		})
		return
	}

	kind := domain.ClassifyError(msg.err)
	state.lastKind = kind
	state.logger.Debug("device@busy attempt failed",
		zap.String("command", cmd.commandId),
		zap.String("kind", string(kind)),
		zap.Error(msg.err))

	if kind.Retryable() && state.attempts <= state.cfg.MaxRetryAttempts {
		backoff := state.nextBackoff()
		if time.Now().Add(backoff).Before(state.deadline) {
			state.scheduler.RequestOnce(backoff, ctx.Self(), retryTick{seq: state.seq})
			return
		}
		// no room left for another attempt
		state.finish(ctx, deviceCommandResult{
			commandId: cmd.commandId,
			deviceId:  cmd.device.Id,
			action:    cmd.action,
			errorKind: kind,
			errorCode: domain.ErrDeadlineExceeded.Code,
			retries:   state.attempts - 1,
			latency:   time.Since(state.started),
		})
		return
	}

	state.finish(ctx, deviceCommandResult{
		commandId: cmd.commandId,
		deviceId:  cmd.device.Id,
		action:    cmd.action,
		errorKind: kind,
		retries:   state.attempts - 1,
		latency:   time.Since(state.started),
	})
}

// nextBackoff grows exponentially from the configured base with ±20%
// jitter: base, 2*base, 4*base, ...
func (state *DeviceActor) nextBackoff() time.Duration {
	base := state.cfg.BackoffBase()
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	d := base << (state.attempts - 1)
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

func (state *DeviceActor) finish(ctx actor.Context, result deviceCommandResult) {
	state.seq++ // invalidate any in-flight attempt or pending retry tick
	state.current = nil

	outcome := domain.OutcomeFailure
	if result.success {
		outcome = domain.OutcomeSuccess
	}
	if state.es != nil {
		state.es.Publish(domain.CommandHistoryEvent{
			CommandId:  result.commandId,
			DeviceId:   result.deviceId,
			Action:     result.action,
			Outcome:    outcome,
			ErrorKind:  result.errorKind,
			RetryCount: result.retries,
			Latency:    result.latency,
			Timestamp:  time.Now(),
		})
		if result.success && result.confirmed {
			state.es.Publish(domain.StateObservedEvent{
				DeviceId:   result.deviceId,
				Attrs:      result.attrs,
				ObservedAt: time.Now(),
				Source:     domain.StateSourceCommand,
			})
		}
	}

	ctx.Send(ctx.Parent(), result)

	if len(state.waiting) > 0 {
		next := state.waiting[0]
		state.waiting = state.waiting[1:]
		state.startCommand(ctx, next)
		return
	}

	// commands are delivered before their cancellations, so anything
	// still remembered here can no longer arrive
	if len(state.cancelSet) > 0 {
		state.cancelSet = make(map[string]bool)
	}

	state.behavior.UnbecomeStacked()
	if state.cfg.DeviceIdleStop() > 0 {
		ctx.SetReceiveTimeout(state.cfg.DeviceIdleStop())
	}
	state.stash.UnstashAll(ctx)
}

func (state *DeviceActor) lastKindOr(fallback domain.ErrorKind) domain.ErrorKind {
	if state.lastKind != domain.ErrorKindNone {
		return state.lastKind
	}
	return fallback
}

func cancelledResult(cmd deviceCommand) deviceCommandResult {
	return deviceCommandResult{
		commandId: cmd.commandId,
		deviceId:  cmd.device.Id,
		action:    cmd.action,
		errorKind: domain.ErrorKindCancelled,
	}
}
