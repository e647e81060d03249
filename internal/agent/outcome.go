package agent

// State is the terminal state of a task.
type State int

const (
	StateFinished State = iota
	StateRevisePlan
	StatePaused
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateFinished:
		return "finished"
	case StateRevisePlan:
		return "revise_plan"
	case StatePaused:
		return "paused"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the single result of [Loop.Run]. The implementations are
// [Finished], [RevisePlan], [PauseForUserInput] and [Failure].
type Outcome interface {
	State() State
	// Detail is the human-readable message or reason.
	Detail() string
	outcome()
}

// Finished means the task is complete.
type Finished struct {
	Message          string `json:"message"`
	MemorizedSummary string `json:"memorized_summary,omitempty"`
}

// RevisePlan hands the task back to the planner.
type RevisePlan struct {
	Params map[string]any `json:"params,omitempty"`
}

// PauseForUserInput means the task waits for a human.
type PauseForUserInput struct {
	Params map[string]any `json:"params,omitempty"`
}

// Failure ends the task unsuccessfully.
type Failure struct {
	Reason string `json:"reason"`
}

func (Finished) State() State          { return StateFinished }
func (RevisePlan) State() State        { return StateRevisePlan }
func (PauseForUserInput) State() State { return StatePaused }
func (Failure) State() State           { return StateFailed }

func (o Finished) Detail() string { return o.Message }
func (o RevisePlan) Detail() string {
	return paramText(o.Params, "reason")
}
func (o PauseForUserInput) Detail() string {
	return paramText(o.Params, "question")
}
func (o Failure) Detail() string { return o.Reason }

func (Finished) outcome()          {}
func (RevisePlan) outcome()        {}
func (PauseForUserInput) outcome() {}
func (Failure) outcome()           {}

// paramText returns params[key], falling back to params["content"].
func paramText(params map[string]any, key string) string {
	for _, k := range []string{key, "content"} {
		if s, ok := params[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
