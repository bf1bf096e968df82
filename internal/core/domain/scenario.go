package domain

import "time"

// Scenario is a named ordered batch of intents executed as one logical
// unit ("leaving home"). It is a reporting unit, not a transaction: no
// atomicity across devices, and no intent's failure cancels siblings.
type Scenario struct {
	Name    string   `json:"name"`
	Intents []Intent `json:"intents"`
}

// ScenarioResult aggregates the per-intent CommandResults of one run.
type ScenarioResult struct {
	RunId    string          `json:"run_id"`
	Scenario string          `json:"scenario"`
	Outcome  Outcome         `json:"outcome"`
	Results  []CommandResult `json:"results"`
	Latency  time.Duration   `json:"latency"`
}

// Aggregate computes the scenario verdict: success if every intent
// succeeded, failure if every intent failed, partial_success otherwise.
func (r *ScenarioResult) Aggregate() {
	succeeded := 0
	for _, res := range r.Results {
		if res.Outcome == OutcomeSuccess {
			succeeded++
		}
	}
	switch {
	case len(r.Results) == 0 || succeeded == 0:
		r.Outcome = OutcomeFailure
	case succeeded == len(r.Results):
		r.Outcome = OutcomeSuccess
	default:
		r.Outcome = OutcomePartialSuccess
	}
}
