package engine

import (
	"encoding/json"

	"github.com/hupe1980/chatmesh/core"
	"github.com/hupe1980/chatmesh/datastream"
)

// ToolCall describes a completed tool call announced by the backend. It is
// handed to the OnToolCall callback for client-side execution.
type ToolCall struct {
	// ToolCallID identifies the call within its message.
	ToolCallID string

	// ToolName is the name of the tool the backend wants invoked.
	ToolName string

	// Args holds the complete call arguments as raw JSON.
	Args json.RawMessage
}

// FinishInfo summarizes a finished exchange for the OnFinish callback.
type FinishInfo struct {
	// FinishReason reports why the backend stopped generating.
	FinishReason datastream.FinishReason

	// Usage holds the token counts of the final step.
	Usage datastream.Usage
}

// RequestOptions carries per-call additions to a single exchange. They apply
// to the first cycle only; automatic continuation cycles run without them.
type RequestOptions struct {
	// Headers are merged over the engine's static headers.
	Headers map[string]string

	// Body entries are merged over the engine's static body into the
	// default payload. Ignored when PrepareRequestBody is set.
	Body map[string]any

	// Data is an opaque JSON value forwarded in the payload's data field.
	Data json.RawMessage
}

// PrepareRequestBodyInput is the full request context handed to the
// PrepareRequestBody hook.
type PrepareRequestBodyInput struct {
	// ID is the session id the request belongs to.
	ID string

	// Messages is the outgoing message history.
	Messages []core.Message

	// RequestData is the per-call data value, if any.
	RequestData json.RawMessage

	// RequestBody holds the per-call body entries, if any.
	RequestBody map[string]any
}
