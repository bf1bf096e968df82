package domain

import "time"

// StateSource tells the synchronizer how a state observation was made.
// Command observations are optimistic (dispatched, unconfirmed); report
// and reconcile observations come from the device itself.
type StateSource string

const (
	StateSourceCommand   StateSource = "command"
	StateSourceReport    StateSource = "report"
	StateSourceReconcile StateSource = "reconcile"
)

// StateObservedEvent is published on the actor system's event stream
// whenever new device state is known: after a successful dispatch, on an
// unsolicited device report, or from a reconciliation query. The
// synchronizer merges these into the registry last-writer-wins by
// ObservedAt.
type StateObservedEvent struct {
	DeviceId   string
	Attrs      map[string]any
	ObservedAt time.Time
	Source     StateSource
}

// CommandHistoryEvent is emitted for every finished command so an
// external store can persist command history. The core holds none.
type CommandHistoryEvent struct {
	CommandId  string
	DeviceId   string
	Action     Action
	Outcome    Outcome
	ErrorKind  ErrorKind
	RetryCount int
	Latency    time.Duration
	Timestamp  time.Time
}

// DriftDetectedEvent flags a mismatch between the registry's last-known
// state and the state a device actually reported.
type DriftDetectedEvent struct {
	DeviceId   string
	Expected   map[string]any
	Reported   map[string]any
	DetectedAt time.Time
}

// DeviceUnreachableEvent is emitted when a device crosses the staleness
// threshold. The device stays registered.
type DeviceUnreachableEvent struct {
	DeviceId     string
	FailedCycles int
	At           time.Time
}
