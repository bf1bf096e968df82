package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseModbusAddress(t *testing.T) {
	target, err := parseModbusAddress("tcp://10.0.0.40:502?unit=3&power_coil=2&level_reg=10&level_attr=target_temp")

	require.NoError(t, err)
	assert.Equal(t, "tcp://10.0.0.40:502", target.endpoint)
	assert.Equal(t, uint8(3), target.unitId)
	assert.Equal(t, uint16(2), target.powerCoil)
	assert.Equal(t, uint16(10), target.levelReg)
	assert.Equal(t, "target_temp", target.levelAttr)
	assert.True(t, target.hasLevel)
}

func TestParseModbusAddressDefaults(t *testing.T) {
	target, err := parseModbusAddress("tcp://relay.local:502")

	require.NoError(t, err)
	assert.Equal(t, uint8(1), target.unitId)
	assert.Equal(t, uint16(0), target.powerCoil)
	assert.False(t, target.hasLevel)
}

func TestParseModbusAddressLevelAttrFallback(t *testing.T) {
	target, err := parseModbusAddress("tcp://relay.local:502?level_reg=4")

	require.NoError(t, err)
	assert.Equal(t, "level", target.levelAttr)
	assert.True(t, target.hasLevel)
}

func TestParseModbusAddressRejectsBadInput(t *testing.T) {
	cases := []string{
		"udp://relay.local:502",
		"relay.local:502?unit=1",
		"tcp://relay.local:502?unit=nope",
		"tcp://relay.local:502?unit=300",
		"tcp://relay.local:502?power_coil=-1",
		"tcp://relay.local:502?level_reg=70000",
	}
	for _, address := range cases {
		_, err := parseModbusAddress(address)
		assert.Error(t, err, address)
	}
}

func TestNumericParam(t *testing.T) {
	params := map[string]any{"temp": 21.5, "count": 3, "name": "x"}

	v, ok := numericParam(params, "temp")
	require.True(t, ok)
	assert.Equal(t, 21.5, v)

	v, ok = numericParam(params, "count")
	require.True(t, ok)
	assert.Equal(t, 3.0, v)

	_, ok = numericParam(params, "name")
	assert.False(t, ok)

	_, ok = numericParam(params, "missing")
	assert.False(t, ok)
}
