package domain

const (
	ACTOR_ID_HUB        = "hub"
	ACTOR_ID_DISPATCHER = "dispatcher"
	ACTOR_ID_SCENARIO   = "scenario"
	ACTOR_ID_SYNC       = "sync"
)

// DispatchIntentRequest submits one intent for execution. The dispatcher
// always answers with a DispatchIntentResponse; transport faults never
// propagate past it as raw errors.
type DispatchIntentRequest struct {
	ActorRequestMixIn
	// CommandId names the command so the caller can cancel it while it
	// is still pending. One is generated when empty.
	CommandId string
	Intent    Intent
}

type DispatchIntentResponse struct {
	ActorResponseMixIn
	Result CommandResult
}

// CancelCommandRequest abandons a pending or in-flight command by id.
// Abandonment is best-effort: over unreliable transports the physical
// device may still have received the action.
type CancelCommandRequest struct {
	ActorRequestMixIn
	CommandId string
}

type CancelCommandResponse struct {
	ActorResponseMixIn
	Cancelled bool
}

// RunScenarioRequest executes a scenario. An inline definition (Intents
// present) runs as-is; otherwise Scenario.Name must refer to a saved
// definition.
type RunScenarioRequest struct {
	ActorRequestMixIn
	Scenario Scenario
}

type RunScenarioResponse struct {
	ActorResponseMixIn
	Result ScenarioResult
}

type SaveScenarioRequest struct {
	ActorRequestMixIn
	Scenario Scenario
}

type SaveScenarioResponse struct {
	ActorResponseMixIn
}

type ListScenariosRequest struct {
	ActorRequestMixIn
}

type ListScenariosResponse struct {
	ActorResponseMixIn
	Scenarios []Scenario
}

// ReconcileTick triggers one active reconciliation cycle. In production
// the quartz scheduler delivers it; tests send it directly.
type ReconcileTick struct{}

// SyncStatusRequest asks the synchronizer for its per-device failure
// counters, mainly for health and tests.
type SyncStatusRequest struct {
	ActorRequestMixIn
}

type SyncStatusResponse struct {
	ActorResponseMixIn
	Cycles       uint64
	FailStreaks  map[string]int
	LastCycleAt  int64
	DriftedCount int
}

type ActorHealthRequest struct {
	ActorRequestMixIn
}

type ActorHealthResponse struct {
	ActorResponseMixIn
	Id      string
	Healthy bool
	State   string
	Version string
}
