package registry

import (
	"sync"
	"time"

	"github.com/voicehome/intenthub/internal/core/domain"

	"go.uber.org/zap"
)

// Registry is the in-memory source of truth for known devices, their
// capabilities and last-known state. All mutation goes through one
// serialized path (the write lock) so concurrent command completions and
// reconciliation updates cannot lose writes. Lookups return copies;
// callers never alias registry-owned maps.
//
// Per-device command serialization is not the registry's job. The
// dispatcher keeps at most one in-flight command per device; the registry
// only guards its own map.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]domain.Device
	logger  *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		devices: make(map[string]domain.Device),
		logger:  logger.With(zap.String("component", "registry")),
	}
}

// Register adds a device. Fails with domain.ErrDuplicateDevice if the id
// is already taken.
func (r *Registry) Register(d domain.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.devices[d.Id]; exists {
		return domain.ErrDuplicateDevice
	}
	if d.Status == "" {
		d.Status = domain.DeviceStatusOffline
	}
	if d.RegisteredAt.IsZero() {
		d.RegisteredAt = time.Now()
	}
	r.devices[d.Id] = d.Copy()
	r.logger.Info("device registered", zap.String("id", d.Id), zap.String("protocol", string(d.Protocol)))
	return nil
}

// Unregister removes a device. Fails with domain.ErrDeviceNotFound if
// the id is unknown.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.devices[id]; !exists {
		return domain.ErrDeviceNotFound
	}
	delete(r.devices, id)
	r.logger.Info("device unregistered", zap.String("id", id))
	return nil
}

// Get returns a copy of the device, or domain.ErrDeviceNotFound.
func (r *Registry) Get(id string) (domain.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return domain.Device{}, domain.ErrDeviceNotFound
	}
	return d.Copy(), nil
}

// Filter narrows Find results. Zero values match everything.
type Filter struct {
	Type     domain.DeviceType
	Location string
	Room     string
}

func (f Filter) matches(d domain.Device) bool {
	if f.Type != "" && d.Type != f.Type {
		return false
	}
	if f.Location != "" && d.Location != f.Location {
		return false
	}
	if f.Room != "" && d.Room != f.Room {
		return false
	}
	return true
}

// Find returns a snapshot of matching devices. The snapshot is taken at
// call time and is not restartable across later mutation.
func (r *Registry) Find(f Filter) []domain.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Device
	for _, d := range r.devices {
		if f.matches(d) {
			out = append(out, d.Copy())
		}
	}
	return out
}

// List returns a snapshot of every registered device.
func (r *Registry) List() []domain.Device {
	return r.Find(Filter{})
}

// UpdateState merges attribute updates into the device's last-known
// state and refreshes last-seen, stamping the observation at now.
func (r *Registry) UpdateState(id string, attrs map[string]any) error {
	return r.UpdateStateAt(id, attrs, time.Now())
}

// UpdateStateAt merges attrs observed at the given time. Conflicts
// between a recent passive update and a slower reconciliation poll are
// resolved last-writer-wins by observation timestamp: an observation
// older than the currently recorded state is dropped.
func (r *Registry) UpdateStateAt(id string, attrs map[string]any, observedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return domain.ErrDeviceNotFound
	}
	if observedAt.Before(d.StateTime) {
		r.logger.Debug("stale state observation dropped",
			zap.String("id", id),
			zap.Time("observed_at", observedAt),
			zap.Time("state_time", d.StateTime))
		return nil
	}
	if d.State == nil {
		d.State = make(map[string]any, len(attrs))
	}
	for k, v := range attrs {
		d.State[k] = v
	}
	d.StateTime = observedAt
	d.LastSeen = time.Now()
	d.Status = domain.DeviceStatusOnline
	r.devices[id] = d
	return nil
}

// SetStatus records a connectivity transition without touching state.
func (r *Registry) SetStatus(id string, status domain.DeviceStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return domain.ErrDeviceNotFound
	}
	if d.Status != status {
		r.logger.Info("device status changed",
			zap.String("id", id),
			zap.String("from", string(d.Status)),
			zap.String("to", string(status)))
	}
	d.Status = status
	r.devices[id] = d
	return nil
}

// Touch refreshes last-seen without a state change.
func (r *Registry) Touch(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return domain.ErrDeviceNotFound
	}
	d.LastSeen = time.Now()
	r.devices[id] = d
	return nil
}

// Len reports the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}
