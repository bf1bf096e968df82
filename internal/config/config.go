package config

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
)

type Config struct {
	LogLevel zapcore.Level

	Dispatch    DispatchConfig    `mapstructure:"dispatch"`
	Scenario    ScenarioConfig    `mapstructure:"scenario"`
	Sync        SyncConfig        `mapstructure:"sync"`
	MQTT        MQTTConfig        `mapstructure:"mqtt"`
	HTTPAdapter HTTPAdapterConfig `mapstructure:"http_adapter"`
	Modbus      ModbusConfig      `mapstructure:"modbus"`

	Port    uint `mapstructure:"port"`
	HttpLog bool `mapstructure:"http_log"`
}

// DispatchConfig bounds a single command's execution: per-attempt timeout,
// overall deadline across retries, backoff shape and global fan-out.
type DispatchConfig struct {
	MaxRetryAttempts      int    `mapstructure:"max_retry_attempts"`
	PerAttemptTimeoutMs   uint32 `mapstructure:"per_attempt_timeout_millis"`
	OverallDeadlineMs     uint32 `mapstructure:"overall_deadline_millis"`
	BackoffBaseMs         uint32 `mapstructure:"backoff_base_millis"`
	ConcurrencyLimit      int    `mapstructure:"concurrency_limit"`
	DeviceIdleStopSeconds uint32 `mapstructure:"device_idle_stop_seconds"`
}

type ScenarioConfig struct {
	FanoutLimit int `mapstructure:"fanout_limit"`
}

type SyncConfig struct {
	ReconcileIntervalSeconds uint32 `mapstructure:"reconcile_interval_seconds"`
	StalenessThresholdCycles int    `mapstructure:"staleness_threshold_cycles"`
}

type MQTTConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	BaseTopic string `mapstructure:"base_topic"`
}

type HTTPAdapterConfig struct {
	TimeoutMs uint32 `mapstructure:"timeout_millis"`
}

type ModbusConfig struct {
	TimeoutMs uint32 `mapstructure:"timeout_millis"`
}

func (c DispatchConfig) PerAttemptTimeout() time.Duration {
	return time.Duration(c.PerAttemptTimeoutMs) * time.Millisecond
}

func (c DispatchConfig) OverallDeadline() time.Duration {
	return time.Duration(c.OverallDeadlineMs) * time.Millisecond
}

func (c DispatchConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

func (c DispatchConfig) DeviceIdleStop() time.Duration {
	return time.Duration(c.DeviceIdleStopSeconds) * time.Second
}

func (c SyncConfig) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSeconds) * time.Second
}

// Validate enforces the bounds the dispatcher's guarantees depend on.
func (c *Config) Validate() error {
	if c.Dispatch.MaxRetryAttempts < 0 {
		return errors.New("config param dispatch.max_retry_attempts must be >= 0")
	}
	if c.Dispatch.PerAttemptTimeoutMs < 100 {
		return errors.New("config param dispatch.per_attempt_timeout_millis must be >= 100")
	}
	if c.Dispatch.OverallDeadlineMs <= c.Dispatch.PerAttemptTimeoutMs {
		return errors.New("config param dispatch.overall_deadline_millis must be > dispatch.per_attempt_timeout_millis")
	}
	if c.Dispatch.ConcurrencyLimit < 1 {
		return errors.New("config param dispatch.concurrency_limit must be >= 1")
	}
	if c.Scenario.FanoutLimit < 1 {
		return errors.New("config param scenario.fanout_limit must be >= 1")
	}
	if c.Sync.ReconcileIntervalSeconds < 1 {
		return errors.New("config param sync.reconcile_interval_seconds must be >= 1")
	}
	if c.Sync.StalenessThresholdCycles < 1 {
		return errors.New("config param sync.staleness_threshold_cycles must be >= 1")
	}
	return nil
}

// CheckMQTTTopic validates and normalizes a base topic segment.
func CheckMQTTTopic(baseTopic string) (string, error) {
	lowerBaseTopic := strings.ToLower(baseTopic)
	baseTopicRegexp := regexp.MustCompile("^[a-z0-9_]+$")
	matches := baseTopicRegexp.FindAllStringSubmatch(lowerBaseTopic, 1)
	if len(matches) <= 0 {
		return "", errors.New("invalid topic. can only contain letters, numbers and underscores")
	}
	return lowerBaseTopic, nil
}
