package domain

import "time"

// Mode selects which analyses a research session runs.
type Mode string

const (
	ModeFundamental Mode = "fundamental"
	ModeMomentum    Mode = "momentum"
	ModeAll         Mode = "all"
)

// ValidMode reports whether m is a recognized research mode.
func ValidMode(m Mode) bool {
	switch m {
	case ModeFundamental, ModeMomentum, ModeAll:
		return true
	}
	return false
}

// ActionKind discriminates the coordinator's parsed decision.
type ActionKind int

const (
	// ActionComplete means the coordinator judged the research sufficient.
	ActionComplete ActionKind = iota
	// ActionRequestMore means the coordinator wants more specialist work.
	ActionRequestMore
)

// SynthesisAction is the structured interpretation of the coordinator's
// free-text output. Exactly one of Answer or Requests is meaningful,
// selected by Kind.
type SynthesisAction struct {
	Kind ActionKind
	// Answer is the coordinator's text with the completion phrase removed.
	Answer string
	// Requests maps specialist name to the follow-up request addressed to it.
	Requests map[string]string
	// Fallback is set when the output matched neither a completion phrase
	// nor any labeled section and a default broad request was broadcast.
	Fallback bool
}

// ResearchCycle is the audit record of one convergence-loop iteration.
// Cycles are appended as rounds complete and are never consulted by the
// control flow; they exist for the exported report and the audit store.
type ResearchCycle struct {
	Iteration int               `json:"iteration"`
	Requests  map[string]string `json:"requests"`
	Responses map[string]string `json:"responses"`
	StartedAt time.Time         `json:"started_at"`
}

// SessionResult is the full outcome of a research session.
type SessionResult struct {
	WorkflowID       string          `json:"workflow_id"`
	Query            string          `json:"query"`
	Mode             Mode            `json:"mode"`
	StartedAt        time.Time       `json:"started_at"`
	FinishedAt       time.Time       `json:"finished_at"`
	Cycles           []ResearchCycle `json:"cycles"`
	FinalReport      string          `json:"final_report,omitempty"`
	MomentumAnalysis string          `json:"momentum_analysis,omitempty"`
	Usage            Usage           `json:"usage"`
	// Failures records specialists whose first-round analysis failed while
	// a sibling succeeded and the session proceeded.
	Failures map[string]string `json:"failures,omitempty"`
}
