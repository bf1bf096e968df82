package domain

// Action is the verb of an intent. Intents arrive pre-parsed from an
// external NLU layer; the core never sees natural language.
type Action string

const (
	ActionTurnOn   Action = "turn_on"
	ActionTurnOff  Action = "turn_off"
	ActionSetValue Action = "set_value"
	ActionToggle   Action = "toggle"
	ActionQuery    Action = "query"
)

// Intent is a structured device command. Targets carries zero or more
// candidate device ids, already resolved upstream; ambiguity resolution
// is not this core's job.
type Intent struct {
	Action  Action         `json:"action"`
	Targets []string       `json:"targets"`
	Params  map[string]any `json:"params,omitempty"`
}

// Target returns the single target device id for intents routed to one
// device. The dispatcher fans multi-target intents out itself.
func (i Intent) Target() string {
	if len(i.Targets) == 0 {
		return ""
	}
	return i.Targets[0]
}
