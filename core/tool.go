package core

import "encoding/json"

// ToolInvocationState tracks a tool invocation through its life cycle.
type ToolInvocationState string

const (
	// ToolStatePartialCall means arguments are still streaming in.
	ToolStatePartialCall ToolInvocationState = "partial-call"
	// ToolStateCall means the call is complete and awaiting a result.
	ToolStateCall ToolInvocationState = "call"
	// ToolStateResult means the invocation has been resolved with a result.
	ToolStateResult ToolInvocationState = "result"
)

// ToolInvocation records a backend-requested function call, its arguments
// and, once available, its result. Step is the continuation round that
// produced the call: invocations created by the first model call of an
// exchange carry step 0, those from the first auto-resubmission step 1, and
// so on. The step counter is how the engine detects genuine progress between
// continuation rounds.
type ToolInvocation struct {
	State      ToolInvocationState `json:"state"`
	Step       int                 `json:"step,omitempty"`
	ToolCallID string              `json:"toolCallId"`
	ToolName   string              `json:"toolName"`
	Args       json.RawMessage     `json:"args,omitempty"`
	Result     json.RawMessage     `json:"result,omitempty"`
}

// Resolved reports whether the invocation carries a result.
func (ti ToolInvocation) Resolved() bool {
	return ti.State == ToolStateResult
}

// MaxToolInvocationStep returns the highest continuation step recorded across
// the given invocations, or 0 when there are none.
func MaxToolInvocationStep(invocations []ToolInvocation) int {
	maxStep := 0
	for _, ti := range invocations {
		if ti.Step > maxStep {
			maxStep = ti.Step
		}
	}
	return maxStep
}
