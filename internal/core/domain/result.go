package domain

import "time"

// Outcome is the aggregate verdict of a command or scenario.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomePartialSuccess Outcome = "partial_success"
	OutcomeFailure        Outcome = "failure"
)

// DeviceOutcome is the per-device entry of a CommandResult.
type DeviceOutcome struct {
	DeviceId  string    `json:"device_id"`
	Success   bool      `json:"success"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	ErrorCode string    `json:"error_code,omitempty"`
}

// CommandResult is the dispatcher's only public outcome type. Confirmed
// distinguishes a state change the synchronizer has applied from one that
// was dispatched but not yet confirmed (the reconciler catches up later).
type CommandResult struct {
	CommandId  string          `json:"command_id"`
	Outcome    Outcome         `json:"outcome"`
	Devices    []DeviceOutcome `json:"devices"`
	State      map[string]any  `json:"state,omitempty"`
	Latency    time.Duration   `json:"latency"`
	RetryCount int             `json:"retry_count"`
	Confirmed  bool            `json:"confirmed"`
}

// FailureResult builds a single-device failure outcome.
func FailureResult(commandId, deviceId string, kind ErrorKind, retries int, latency time.Duration) CommandResult {
	return CommandResult{
		CommandId: commandId,
		Outcome:   OutcomeFailure,
		Devices: []DeviceOutcome{{
			DeviceId:  deviceId,
			ErrorKind: kind,
		}},
		RetryCount: retries,
		Latency:    latency,
	}
}
