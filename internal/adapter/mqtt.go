package adapter

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/voicehome/intenthub/internal/config"
	"github.com/voicehome/intenthub/internal/core/domain"
	"github.com/voicehome/intenthub/internal/core/port"
	"github.com/voicehome/intenthub/internal/mqtt"

	"github.com/asynkron/protoactor-go/eventstream"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTTAdapter executes commands by publishing to per-device command
// topics and observes state from per-device state topics, zigbee2mqtt
// style. The paho session and the report cache are internal; the
// dispatcher only sees the ProtocolAdapter contract.
type MQTTAdapter struct {
	client *mqtt.MQTTClient
	es     *eventstream.EventStream
	logger *zap.Logger

	mu      sync.RWMutex
	reports map[string]cachedReport
}

type cachedReport struct {
	attrs      map[string]any
	observedAt time.Time
}

func NewMQTTAdapter(cfg *config.Config, es *eventstream.EventStream, logger *zap.Logger) *MQTTAdapter {
	a := &MQTTAdapter{
		es:      es,
		logger:  logger.With(zap.String("adapter", "mqtt")),
		reports: make(map[string]cachedReport),
	}
	a.client = mqtt.CreateMQTTClient(cfg, mqtt.OptsFromConfig(cfg), nil, func(_ pahomqtt.Client, err error) {
		a.logger.Warn("connection lost", zap.Error(err))
	})
	return a
}

// Connect establishes the broker session and subscribes to device state
// topics. A broker that is down is not fatal: Execute reports devices as
// unreachable until the session comes up.
func (a *MQTTAdapter) Connect(timeout time.Duration) error {
	errCh := make(chan error, 1)
	a.client.Connect(func(err error) {
		errCh <- err
	}, timeout)
	if err := <-errCh; err != nil {
		return err
	}

	a.client.Publish(a.client.HubStateTopic(), mqtt.MQTT_PAYLOAD_ONLINE, 0, true, func(error) {}, 500*time.Millisecond)

	subCh := make(chan error, 1)
	a.client.SubscribeToDeviceStates(func(_ pahomqtt.Client, m pahomqtt.Message) {
		a.onStateMessage(m)
	}, func(err error) {
		subCh <- err
	}, timeout)
	return <-subCh
}

func (a *MQTTAdapter) Close(timeout time.Duration) {
	a.client.Publish(a.client.HubStateTopic(), mqtt.MQTT_PAYLOAD_OFFLINE, 0, true, func(error) {}, 500*time.Millisecond)
	a.client.Disconnect(timeout)
}

func (a *MQTTAdapter) onStateMessage(m pahomqtt.Message) {
	report, err := a.client.ParseDeviceState(m)
	if err != nil {
		a.logger.Debug("ignoring message on state topic", zap.String("topic", m.Topic()), zap.Error(err))
		return
	}
	now := time.Now()
	a.mu.Lock()
	a.reports[report.DeviceId] = cachedReport{attrs: report.Attrs, observedAt: now}
	a.mu.Unlock()

	if a.es != nil {
		a.es.Publish(domain.StateObservedEvent{
			DeviceId:   report.DeviceId,
			Attrs:      report.Attrs,
			ObservedAt: now,
			Source:     domain.StateSourceReport,
		})
	}
}

func (a *MQTTAdapter) Protocol() domain.Protocol {
	return domain.ProtocolMQTT
}

func (a *MQTTAdapter) Execute(ctx context.Context, device domain.Device, action domain.Action, params map[string]any) (map[string]any, error) {
	if action == domain.ActionQuery {
		return a.QueryState(ctx, device)
	}
	if !a.client.IsConnected() {
		return nil, domain.NewAdapterError(domain.ErrorKindUnreachable, "MQTT session is down", nil)
	}

	attrs := commandAttrs(action, params)
	payload, err := json.Marshal(attrs)
	if err != nil {
		return nil, domain.NewAdapterError(domain.ErrorKindProtocol, "cannot encode command payload", err)
	}

	timeout := timeoutFrom(ctx)
	if err := a.client.PublishSync(a.client.DeviceCommandTopic(device.Address), payload, 1, false, timeout); err != nil {
		return nil, domain.NewAdapterError(domain.ErrorKindTimeout, "broker did not ack command", err)
	}

	// toggle outcome is unknown until the device reports back
	if action == domain.ActionToggle {
		return nil, nil
	}
	return attrs, nil
}

// QueryState answers from the report cache. MQTT devices push state; a
// device that never reported, or whose session is down, is unreachable.
func (a *MQTTAdapter) QueryState(_ context.Context, device domain.Device) (map[string]any, error) {
	if !a.client.IsConnected() {
		return nil, domain.NewAdapterError(domain.ErrorKindUnreachable, "MQTT session is down", nil)
	}
	a.mu.RLock()
	report, ok := a.reports[device.Address]
	a.mu.RUnlock()
	if !ok {
		return nil, domain.NewAdapterError(domain.ErrorKindUnreachable, "device has not reported state", nil)
	}
	out := make(map[string]any, len(report.attrs))
	for k, v := range report.attrs {
		out[k] = v
	}
	return out, nil
}

// commandAttrs maps an intent verb to the attribute payload published on
// the command topic.
func commandAttrs(action domain.Action, params map[string]any) map[string]any {
	switch action {
	case domain.ActionTurnOn:
		return map[string]any{"power": "on"}
	case domain.ActionTurnOff:
		return map[string]any{"power": "off"}
	case domain.ActionToggle:
		return map[string]any{"power": "toggle"}
	case domain.ActionSetValue:
		return params
	default:
		return nil
	}
}

// timeoutFrom derives the per-attempt publish budget from the context
// deadline the dispatcher supplies.
func timeoutFrom(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			return remaining
		}
		return time.Millisecond
	}
	return 3 * time.Second
}

var _ port.ProtocolAdapter = (*MQTTAdapter)(nil)
