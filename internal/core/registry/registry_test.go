package registry

import (
	"testing"
	"time"

	"github.com/voicehome/intenthub/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(zap.NewNop())
}

func lamp(id string) domain.Device {
	return domain.Device{
		Id:           id,
		Name:         "Lamp " + id,
		Type:         domain.DeviceTypeLight,
		Protocol:     domain.ProtocolMQTT,
		Address:      "lamps/" + id,
		Location:     "home",
		Room:         "living",
		Capabilities: []domain.Capability{domain.CapabilityPower, domain.CapabilityBrightness},
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := testRegistry(t)
	require.NoError(t, r.Register(lamp("l1")))

	device, err := r.Get("l1")
	require.NoError(t, err)
	assert.Equal(t, "l1", device.Id)
	assert.Equal(t, domain.DeviceStatusOffline, device.Status)
	assert.False(t, device.RegisteredAt.IsZero())
}

func TestRegisterDuplicate(t *testing.T) {
	r := testRegistry(t)
	require.NoError(t, r.Register(lamp("l1")))

	err := r.Register(lamp("l1"))
	assert.ErrorIs(t, err, domain.ErrDuplicateDevice)
	assert.Equal(t, 1, r.Len())
}

func TestUnregisterUnknown(t *testing.T) {
	r := testRegistry(t)
	assert.ErrorIs(t, r.Unregister("ghost"), domain.ErrDeviceNotFound)
}

func TestGetReturnsCopy(t *testing.T) {
	r := testRegistry(t)
	require.NoError(t, r.Register(lamp("l1")))
	require.NoError(t, r.UpdateState("l1", map[string]any{"power": "on"}))

	device, err := r.Get("l1")
	require.NoError(t, err)
	device.State["power"] = "off"
	device.Capabilities[0] = domain.CapabilityVolume

	fresh, err := r.Get("l1")
	require.NoError(t, err)
	assert.Equal(t, "on", fresh.State["power"])
	assert.Equal(t, domain.CapabilityPower, fresh.Capabilities[0])
}

func TestFindWithFilter(t *testing.T) {
	r := testRegistry(t)
	require.NoError(t, r.Register(lamp("l1")))
	bedroom := lamp("l2")
	bedroom.Room = "bedroom"
	require.NoError(t, r.Register(bedroom))
	tv := lamp("tv1")
	tv.Type = domain.DeviceTypeTV
	require.NoError(t, r.Register(tv))

	assert.Len(t, r.Find(Filter{Room: "bedroom"}), 1)
	assert.Len(t, r.Find(Filter{Type: domain.DeviceTypeLight}), 2)
	assert.Len(t, r.List(), 3)
}

func TestUpdateStateMergesAndMarksOnline(t *testing.T) {
	r := testRegistry(t)
	require.NoError(t, r.Register(lamp("l1")))

	require.NoError(t, r.UpdateState("l1", map[string]any{"power": "on"}))
	require.NoError(t, r.UpdateState("l1", map[string]any{"brightness": 60}))

	device, err := r.Get("l1")
	require.NoError(t, err)
	assert.Equal(t, "on", device.State["power"], "merge must not drop unrelated attrs")
	assert.Equal(t, 60, device.State["brightness"])
	assert.Equal(t, domain.DeviceStatusOnline, device.Status)
	assert.False(t, device.LastSeen.IsZero())
}

func TestLastWriterWins(t *testing.T) {
	r := testRegistry(t)
	require.NoError(t, r.Register(lamp("l1")))

	now := time.Now()
	require.NoError(t, r.UpdateStateAt("l1", map[string]any{"power": "on"}, now))
	// a reconciliation answer observed before the command result loses
	require.NoError(t, r.UpdateStateAt("l1", map[string]any{"power": "off"}, now.Add(-2*time.Second)))

	device, err := r.Get("l1")
	require.NoError(t, err)
	assert.Equal(t, "on", device.State["power"])

	require.NoError(t, r.UpdateStateAt("l1", map[string]any{"power": "off"}, now.Add(time.Second)))
	device, err = r.Get("l1")
	require.NoError(t, err)
	assert.Equal(t, "off", device.State["power"])
}

func TestSetStatusKeepsState(t *testing.T) {
	r := testRegistry(t)
	require.NoError(t, r.Register(lamp("l1")))
	require.NoError(t, r.UpdateState("l1", map[string]any{"power": "on"}))

	require.NoError(t, r.SetStatus("l1", domain.DeviceStatusUnreachable))

	device, err := r.Get("l1")
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceStatusUnreachable, device.Status)
	assert.Equal(t, "on", device.State["power"], "status change must not wipe last-known state")
}
