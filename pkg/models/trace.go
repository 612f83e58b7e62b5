package models

import "time"

// Outcome is the terminal state of an agent run.
type Outcome string

const (
	OutcomeFinish      Outcome = "finish"
	OutcomeAbort       Outcome = "abort"
	OutcomeCapExceeded Outcome = "cap_exceeded"
	OutcomeFatalError  Outcome = "fatal_error"
)

// ApprovalKind records how a tool call got past the gate.
type ApprovalKind string

const (
	ApprovalNone      ApprovalKind = ""
	ApprovalReadOnly  ApprovalKind = "read_only"
	ApprovalGranted   ApprovalKind = "granted"
	ApprovalAuto      ApprovalKind = "same_target_auto"
	ApprovalSimulated ApprovalKind = "dry_run"
	ApprovalDenied    ApprovalKind = "denied"
)

// ToolCallRecord is one dispatched tool call in a run trace.
type ToolCallRecord struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Iteration int           `json:"iteration"`
	Mutating  bool          `json:"mutating"`
	Target    string        `json:"target,omitempty"`
	Approval  ApprovalKind  `json:"approval,omitempty"`
	Executed  bool          `json:"executed"`
	IsError   bool          `json:"is_error,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// RunTrace summarises one agent run.
type RunTrace struct {
	RunID              string           `json:"run_id"`
	Trigger            string           `json:"trigger,omitempty"`
	Prompt             string           `json:"prompt"`
	StartedAt          time.Time        `json:"started_at"`
	FinishedAt         time.Time        `json:"finished_at"`
	Model              string           `json:"model"`
	Provider           Provider         `json:"provider"`
	Tier               Tier             `json:"tier"`
	Iterations         int              `json:"iterations"`
	ToolCalls          []ToolCallRecord `json:"tool_calls"`
	TotalInputTokens   int              `json:"total_input_tokens"`
	TotalOutputTokens  int              `json:"total_output_tokens"`
	Cost               float64          `json:"cost"`
	Error              string           `json:"error,omitempty"`
	CapExceeded        bool             `json:"cap_exceeded,omitempty"`
	Escalated          bool             `json:"escalated,omitempty"`
	ClaimedActionFires int              `json:"claimed_action_fires,omitempty"`
	FabricationFires   int              `json:"fabrication_fires,omitempty"`
	InjectionWarnings  int              `json:"injection_warnings,omitempty"`
	Outcome            Outcome          `json:"outcome"`
}

// Duration returns the wall time of the run.
func (t *RunTrace) Duration() time.Duration {
	if t.FinishedAt.IsZero() {
		return 0
	}
	return t.FinishedAt.Sub(t.StartedAt)
}

// ExecutedCalls returns the calls that actually ran (not denied).
func (t *RunTrace) ExecutedCalls() []ToolCallRecord {
	var out []ToolCallRecord
	for _, c := range t.ToolCalls {
		if c.Executed {
			out = append(out, c)
		}
	}
	return out
}

// UniqueSuccessfulTools counts distinct tools that ran without error.
func (t *RunTrace) UniqueSuccessfulTools() int {
	seen := map[string]bool{}
	for _, c := range t.ToolCalls {
		if c.Executed && !c.IsError {
			seen[c.Name] = true
		}
	}
	return len(seen)
}

// UniqueTools counts distinct tools called.
func (t *RunTrace) UniqueTools() int {
	seen := map[string]bool{}
	for _, c := range t.ToolCalls {
		seen[c.Name] = true
	}
	return len(seen)
}
