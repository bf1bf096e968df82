package domain

import (
	"slices"
	"time"
)

// DeviceType classifies what kind of appliance a device is.
type DeviceType string

const (
	DeviceTypeLight      DeviceType = "light"
	DeviceTypeThermostat DeviceType = "thermostat"
	DeviceTypeTV         DeviceType = "tv"
	DeviceTypeSpeaker    DeviceType = "speaker"
	DeviceTypeSensor     DeviceType = "sensor"
	DeviceTypePlug       DeviceType = "plug"
	DeviceTypeAircon     DeviceType = "aircon"
)

// Protocol identifies which adapter owns a device.
type Protocol string

const (
	ProtocolMQTT   Protocol = "mqtt"
	ProtocolHTTP   Protocol = "http"
	ProtocolModbus Protocol = "modbus"
	ProtocolBLE    Protocol = "ble"
	ProtocolMatter Protocol = "matter"
)

// DeviceStatus is the connectivity lifecycle of a registered device.
// Staleness marks a device unreachable, it never removes it.
type DeviceStatus string

const (
	DeviceStatusOnline      DeviceStatus = "online"
	DeviceStatusOffline     DeviceStatus = "offline"
	DeviceStatusUnreachable DeviceStatus = "unreachable"
)

// Capability names an action a device supports. The registry's capability
// set is the single source of truth for "does device X support action Y";
// the dispatcher never invokes an adapter for an unsupported action.
type Capability string

const (
	CapabilityPower      Capability = "power"
	CapabilityBrightness Capability = "brightness"
	CapabilityColor      Capability = "color"
	CapabilityTargetTemp Capability = "target_temp"
	CapabilityVolume     Capability = "volume"
	CapabilityQuery      Capability = "query"
)

// Device is a controllable entity known to the registry.
// Address is an opaque endpoint string owned by the bound adapter
// (MQTT device topic, HTTP base URL, modbus URL with register mapping).
type Device struct {
	Id           string         `json:"id"`
	Name         string         `json:"name"`
	Type         DeviceType     `json:"type"`
	Protocol     Protocol       `json:"protocol"`
	Address      string         `json:"address"`
	Location     string         `json:"location,omitempty"`
	Room         string         `json:"room,omitempty"`
	Manufacturer string         `json:"manufacturer,omitempty"`
	Model        string         `json:"model,omitempty"`
	Capabilities []Capability   `json:"capabilities"`
	Status       DeviceStatus   `json:"status"`
	State        map[string]any `json:"state,omitempty"`
	StateTime    time.Time      `json:"state_time,omitempty"`
	LastSeen     time.Time      `json:"last_seen,omitempty"`
	RegisteredAt time.Time      `json:"registered_at,omitempty"`
}

// HasCapability reports whether the device's capability set contains c.
func (d Device) HasCapability(c Capability) bool {
	return slices.Contains(d.Capabilities, c)
}

// SupportsAction maps an intent verb to the capability it requires and
// checks it against the device's capability set. set_value requires the
// capability named by the parameter being set, so it is checked per
// parameter by the dispatcher; here it passes if any writable capability
// beyond bare power exists.
func (d Device) SupportsAction(action Action) bool {
	switch action {
	case ActionTurnOn, ActionTurnOff, ActionToggle:
		return d.HasCapability(CapabilityPower)
	case ActionQuery:
		return true
	case ActionSetValue:
		return len(d.Capabilities) > 0
	default:
		return false
	}
}

// Copy returns an independent copy of the device. State maps are cloned
// so registry snapshots can be handed out without aliasing.
func (d Device) Copy() Device {
	cpy := d
	if d.State != nil {
		cpy.State = make(map[string]any, len(d.State))
		for k, v := range d.State {
			cpy.State[k] = v
		}
	}
	if d.Capabilities != nil {
		cpy.Capabilities = slices.Clone(d.Capabilities)
	}
	return cpy
}
