package actor

import (
	"context"
	"fmt"
	"time"

	"github.com/voicehome/intenthub/internal/config"
	"github.com/voicehome/intenthub/internal/core/domain"
	"github.com/voicehome/intenthub/internal/core/port"
	"github.com/voicehome/intenthub/internal/core/registry"
	"github.com/voicehome/intenthub/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"go.uber.org/zap"
)

// reconcileResult is one device's answer to a reconciliation query.
type reconcileResult struct {
	deviceId string
	expected map[string]any
	reported map[string]any
	err      error
}

// SyncActor keeps the registry's last-known state converged with
// reality. Passively it merges state observations published on the
// event stream (unsolicited device reports, reconcile answers);
// actively it polls every registered device each ReconcileTick. Devices
// failing StalenessThresholdCycles consecutive cycles are marked
// unreachable but never removed.
type SyncActor struct {
	cfg          config.SyncConfig
	registry     *registry.Registry
	adapters     port.AdapterSet
	es           *eventstream.EventStream
	queryTimeout time.Duration
	logger       *zap.Logger

	sub         *eventstream.Subscription
	cycles      uint64
	lastCycleAt time.Time
	failStreaks map[string]int
	drifted     map[string]bool
}

func NewSyncActor(cfg config.SyncConfig, reg *registry.Registry, adapters port.AdapterSet, es *eventstream.EventStream, queryTimeout time.Duration, logger *zap.Logger) *SyncActor {
	return &SyncActor{
		cfg:          cfg,
		registry:     reg,
		adapters:     adapters,
		es:           es,
		queryTimeout: queryTimeout,
		logger:       actorutil.ActorLogger(domain.ACTOR_ID_SYNC, logger),
		failStreaks:  make(map[string]int),
		drifted:      make(map[string]bool),
	}
}

func (state *SyncActor) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("synchronizer started")
		self := ctx.Self()
		system := ctx.ActorSystem()
		state.sub = state.es.Subscribe(func(evt interface{}) {
			if observed, ok := evt.(domain.StateObservedEvent); ok {
				system.Root.Send(self, observed)
			}
		})
	case *actor.Stopping:
		if state.sub != nil {
			state.es.Unsubscribe(state.sub)
			state.sub = nil
		}
	case domain.StateObservedEvent:
		state.onObserved(msg)
	case domain.ReconcileTick:
		state.onReconcile(ctx)
	case reconcileResult:
		state.onReconcileResult(msg)
	case domain.SyncStatusRequest:
		streaks := make(map[string]int, len(state.failStreaks))
		for id, n := range state.failStreaks {
			streaks[id] = n
		}
		actorutil.ForRequest(msg).Respond(ctx, domain.SyncStatusResponse{
			Cycles:       state.cycles,
			FailStreaks:  streaks,
			LastCycleAt:  state.lastCycleAt.UnixMilli(),
			DriftedCount: len(state.drifted),
		})
	case domain.ActorHealthRequest:
		actorutil.ForRequest(msg).Respond(ctx, domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_SYNC,
			Healthy: true,
			State:   fmt.Sprintf("cycles=%d drifted=%d", state.cycles, len(state.drifted)),
		})
	}
}

// onObserved applies a passive observation. Command-sourced events were
// already written to the registry on the dispatch path; applying them
// again would just be a no-op merge, so they are skipped.
func (state *SyncActor) onObserved(evt domain.StateObservedEvent) {
	if evt.Source == domain.StateSourceCommand {
		return
	}
	deviceId, ok := state.resolveDeviceId(evt.DeviceId)
	if !ok {
		state.logger.Debug("state report for unknown device dropped", zap.String("ref", evt.DeviceId))
		return
	}
	if err := state.registry.UpdateStateAt(deviceId, evt.Attrs, evt.ObservedAt); err != nil {
		state.logger.Warn("state merge failed", zap.String("device", deviceId), zap.Error(err))
		return
	}
	state.failStreaks[deviceId] = 0
}

// resolveDeviceId maps an event's device reference to a registry id.
// MQTT reports carry the broker address rather than the device id.
func (state *SyncActor) resolveDeviceId(ref string) (string, bool) {
	if _, err := state.registry.Get(ref); err == nil {
		return ref, true
	}
	for _, d := range state.registry.List() {
		if d.Protocol == domain.ProtocolMQTT && d.Address == ref {
			return d.Id, true
		}
	}
	return "", false
}

func (state *SyncActor) onReconcile(ctx actor.Context) {
	state.cycles++
	state.lastCycleAt = time.Now()
	devices := state.registry.List()
	state.logger.Debug("reconcile cycle", zap.Uint64("cycle", state.cycles), zap.Int("devices", len(devices)))

	for _, device := range devices {
		adapter, ok := state.adapters.For(device.Protocol)
		if !ok {
			continue
		}
		actorutil.NewBackgroundTask(ctx, func() (*reconcileResult, error) {
			queryCtx, cancel := context.WithTimeout(context.Background(), state.queryTimeout)
			defer cancel()
			reported, err := adapter.QueryState(queryCtx, device)
			return &reconcileResult{
				deviceId: device.Id,
				expected: device.State,
				reported: reported,
				err:      err,
			}, nil
		}).WithTimeout(state.queryTimeout + time.Second).Recover(func(err error) reconcileResult {
			return reconcileResult{deviceId: device.Id, expected: device.State, err: err}
		}).PipeTo(ctx.Self())
	}
}

func (state *SyncActor) onReconcileResult(msg reconcileResult) {
	if msg.err != nil {
		state.failStreaks[msg.deviceId]++
		streak := state.failStreaks[msg.deviceId]
		state.logger.Debug("reconcile query failed",
			zap.String("device", msg.deviceId),
			zap.Int("streak", streak),
			zap.Error(msg.err))
		if streak == state.cfg.StalenessThresholdCycles {
			if err := state.registry.SetStatus(msg.deviceId, domain.DeviceStatusUnreachable); err != nil {
				return
			}
			state.es.Publish(domain.DeviceUnreachableEvent{
				DeviceId:     msg.deviceId,
				FailedCycles: streak,
				At:           time.Now(),
			})
		}
		return
	}

	state.failStreaks[msg.deviceId] = 0

	if drift := stateDrift(msg.expected, msg.reported); len(drift) > 0 {
		state.drifted[msg.deviceId] = true
		state.logger.Info("state drift detected",
			zap.String("device", msg.deviceId),
			zap.Any("attrs", drift))
		state.es.Publish(domain.DriftDetectedEvent{
			DeviceId:   msg.deviceId,
			Expected:   msg.expected,
			Reported:   msg.reported,
			DetectedAt: time.Now(),
		})
	} else {
		delete(state.drifted, msg.deviceId)
	}

	if err := state.registry.UpdateStateAt(msg.deviceId, msg.reported, time.Now()); err != nil {
		state.logger.Warn("reconcile merge failed", zap.String("device", msg.deviceId), zap.Error(err))
	}
}

// stateDrift lists the attribute names whose reported value disagrees
// with the expected last-known value. Attributes only one side knows are
// not drift; they merge normally.
func stateDrift(expected, reported map[string]any) []string {
	var drift []string
	for k, want := range expected {
		got, ok := reported[k]
		if !ok {
			continue
		}
		if fmt.Sprint(want) != fmt.Sprint(got) {
			drift = append(drift, k)
		}
	}
	return drift
}
