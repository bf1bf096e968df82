package util

import (
	"github.com/voicehome/intenthub/internal/config"

	"go.uber.org/zap"
)

func LoadTestConfig() config.Config {
	return config.Config{
		LogLevel: zap.DebugLevel,
		Dispatch: config.DispatchConfig{
			MaxRetryAttempts:      2,
			PerAttemptTimeoutMs:   500,
			OverallDeadlineMs:     3000,
			BackoffBaseMs:         20,
			ConcurrencyLimit:      16,
			DeviceIdleStopSeconds: 300,
		},
		Scenario: config.ScenarioConfig{
			FanoutLimit: 3,
		},
		Sync: config.SyncConfig{
			ReconcileIntervalSeconds: 30,
			StalenessThresholdCycles: 3,
		},
		MQTT: config.MQTTConfig{
			Host:      "localhost",
			Port:      1883,
			BaseTopic: "intenthub",
		},
		HTTPAdapter: config.HTTPAdapterConfig{
			TimeoutMs: 500,
		},
		Modbus: config.ModbusConfig{
			TimeoutMs: 500,
		},
		Port: 8080,
	}
}
