package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/voicehome/intenthub/internal/config"
	"github.com/voicehome/intenthub/internal/core/domain"
	"github.com/voicehome/intenthub/internal/core/port"

	"github.com/simonvetter/modbus"
	"go.uber.org/zap"
)

// ModbusAdapter drives register-mapped devices (wall thermostats, energy
// meters, relay boards) over Modbus/TCP. The device address encodes the
// endpoint and register layout:
//
//	tcp://10.0.0.40:502?unit=1&power_coil=0&level_reg=0&level_attr=target_temp
//
// power_coil switches the device, level_reg holds the writable numeric
// attribute named by level_attr. Connections are opened lazily and
// cached per endpoint; that session reuse is invisible to the dispatcher.
type ModbusAdapter struct {
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	clients map[string]*modbus.ModbusClient
}

type modbusTarget struct {
	endpoint  string
	unitId    uint8
	powerCoil uint16
	levelReg  uint16
	levelAttr string
	hasLevel  bool
}

func NewModbusAdapter(cfg *config.Config, logger *zap.Logger) *ModbusAdapter {
	return &ModbusAdapter{
		timeout: time.Duration(cfg.Modbus.TimeoutMs) * time.Millisecond,
		logger:  logger.With(zap.String("adapter", "modbus")),
		clients: make(map[string]*modbus.ModbusClient),
	}
}

func (a *ModbusAdapter) Protocol() domain.Protocol {
	return domain.ProtocolModbus
}

func (a *ModbusAdapter) Execute(ctx context.Context, device domain.Device, action domain.Action, params map[string]any) (map[string]any, error) {
	target, err := parseModbusAddress(device.Address)
	if err != nil {
		return nil, domain.NewAdapterError(domain.ErrorKindProtocol, "invalid device address", err)
	}
	client, err := a.clientFor(target)
	if err != nil {
		return nil, domain.NewAdapterError(domain.ErrorKindUnreachable, "cannot open modbus endpoint", err)
	}

	switch action {
	case domain.ActionTurnOn:
		if err := client.WriteCoil(target.powerCoil, true); err != nil {
			return nil, classifyModbusError(err)
		}
		return map[string]any{"power": "on"}, nil
	case domain.ActionTurnOff:
		if err := client.WriteCoil(target.powerCoil, false); err != nil {
			return nil, classifyModbusError(err)
		}
		return map[string]any{"power": "off"}, nil
	case domain.ActionToggle:
		current, err := client.ReadCoil(target.powerCoil)
		if err != nil {
			return nil, classifyModbusError(err)
		}
		if err := client.WriteCoil(target.powerCoil, !current); err != nil {
			return nil, classifyModbusError(err)
		}
		return map[string]any{"power": powerString(!current)}, nil
	case domain.ActionSetValue:
		if !target.hasLevel {
			return nil, domain.NewAdapterError(domain.ErrorKindUnsupported, "device has no writable register", nil)
		}
		value, ok := numericParam(params, target.levelAttr)
		if !ok {
			return nil, domain.NewAdapterError(domain.ErrorKindUnsupported,
				fmt.Sprintf("set_value requires numeric param %q", target.levelAttr), nil)
		}
		if err := client.WriteRegister(target.levelReg, uint16(value)); err != nil {
			return nil, classifyModbusError(err)
		}
		return map[string]any{target.levelAttr: value}, nil
	case domain.ActionQuery:
		return a.queryTarget(client, target)
	default:
		return nil, domain.NewAdapterError(domain.ErrorKindUnsupported, fmt.Sprintf("action %q not supported over modbus", action), nil)
	}
}

func (a *ModbusAdapter) QueryState(_ context.Context, device domain.Device) (map[string]any, error) {
	target, err := parseModbusAddress(device.Address)
	if err != nil {
		return nil, domain.NewAdapterError(domain.ErrorKindProtocol, "invalid device address", err)
	}
	client, err := a.clientFor(target)
	if err != nil {
		return nil, domain.NewAdapterError(domain.ErrorKindUnreachable, "cannot open modbus endpoint", err)
	}
	return a.queryTarget(client, target)
}

func (a *ModbusAdapter) queryTarget(client *modbus.ModbusClient, target modbusTarget) (map[string]any, error) {
	power, err := client.ReadCoil(target.powerCoil)
	if err != nil {
		return nil, classifyModbusError(err)
	}
	attrs := map[string]any{"power": powerString(power)}
	if target.hasLevel {
		level, err := client.ReadRegister(target.levelReg, modbus.HOLDING_REGISTER)
		if err != nil {
			return nil, classifyModbusError(err)
		}
		attrs[target.levelAttr] = float64(level)
	}
	return attrs, nil
}

// Close shuts every cached endpoint session.
func (a *ModbusAdapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for endpoint, client := range a.clients {
		if err := client.Close(); err != nil {
			a.logger.Debug("close failed", zap.String("endpoint", endpoint), zap.Error(err))
		}
	}
	a.clients = make(map[string]*modbus.ModbusClient)
}

func (a *ModbusAdapter) clientFor(target modbusTarget) (*modbus.ModbusClient, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if client, ok := a.clients[target.endpoint]; ok {
		if err := client.SetUnitId(target.unitId); err != nil {
			return nil, err
		}
		return client, nil
	}

	client, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:     target.endpoint,
		Timeout: a.timeout,
	})
	if err != nil {
		return nil, err
	}
	if err := client.Open(); err != nil {
		return nil, err
	}
	if err := client.SetUnitId(target.unitId); err != nil {
		client.Close()
		return nil, err
	}
	a.clients[target.endpoint] = client
	return client, nil
}

func parseModbusAddress(address string) (modbusTarget, error) {
	u, err := url.Parse(address)
	if err != nil {
		return modbusTarget{}, err
	}
	if u.Scheme != "tcp" {
		return modbusTarget{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	q := u.Query()

	target := modbusTarget{
		endpoint: fmt.Sprintf("tcp://%s", u.Host),
		unitId:   1,
	}
	if v := q.Get("unit"); v != "" {
		unit, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return modbusTarget{}, fmt.Errorf("invalid unit id %q", v)
		}
		target.unitId = uint8(unit)
	}
	if v := q.Get("power_coil"); v != "" {
		coil, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return modbusTarget{}, fmt.Errorf("invalid power_coil %q", v)
		}
		target.powerCoil = uint16(coil)
	}
	if v := q.Get("level_reg"); v != "" {
		reg, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return modbusTarget{}, fmt.Errorf("invalid level_reg %q", v)
		}
		target.levelReg = uint16(reg)
		target.levelAttr = q.Get("level_attr")
		if target.levelAttr == "" {
			target.levelAttr = "level"
		}
		target.hasLevel = true
	}
	return target, nil
}

func classifyModbusError(err error) error {
	if errors.Is(err, modbus.ErrRequestTimedOut) {
		return domain.NewAdapterError(domain.ErrorKindTimeout, "modbus request timed out", err)
	}
	if errors.Is(err, modbus.ErrIllegalFunction) || errors.Is(err, modbus.ErrIllegalDataAddress) {
		return domain.NewAdapterError(domain.ErrorKindUnsupported, "register not supported by device", err)
	}
	return domain.NewAdapterError(domain.ErrorKindProtocol, "modbus request failed", err)
}

func numericParam(params map[string]any, key string) (float64, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint16:
		return float64(n), true
	default:
		return 0, false
	}
}

func powerString(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

var _ port.ProtocolAdapter = (*ModbusAdapter)(nil)
