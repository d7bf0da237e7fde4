package datastream

import (
	"encoding/json"

	"github.com/hupe1980/chatmesh/core"
)

// Protocol selects the wire format expected from the backend.
type Protocol string

const (
	// ProtocolData is the structured protocol: newline-delimited <tag>:<json>
	// records carrying the full event vocabulary.
	ProtocolData Protocol = "data"
	// ProtocolText is the plain-text protocol: the whole body is one
	// continuous text delta.
	ProtocolText Protocol = "text"
)

// Record tags of the structured protocol.
const (
	TagTextDelta          = "0"
	TagData               = "2"
	TagError              = "3"
	TagMessageAnnotations = "8"
	TagToolCall           = "9"
	TagToolResult         = "a"
	TagToolCallStart      = "b"
	TagToolCallDelta      = "c"
	TagFinishMessage      = "d"
	TagFinishStep         = "e"
	TagStartStep          = "f"
	TagReasoningDelta     = "g"
	TagSource             = "h"
	TagRedactedReasoning  = "i"
)

// FinishReason explains why the backend stopped generating.
type FinishReason string

const (
	FinishReasonStop          FinishReason = "stop"
	FinishReasonLength        FinishReason = "length"
	FinishReasonContentFilter FinishReason = "content-filter"
	FinishReasonToolCalls     FinishReason = "tool-calls"
	FinishReasonError         FinishReason = "error"
	FinishReasonOther         FinishReason = "other"
	FinishReasonUnknown       FinishReason = "unknown"
)

// Usage reports the token counts of one model call.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// Total returns the combined token count.
func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// Event represents one decoded protocol event. Concrete event types implement
// the unexported isEvent marker so the set is closed and dispatch over it can
// be exhaustive.
type Event interface {
	isEvent()
}

// TextDeltaEvent extends the assistant message's current text part.
type TextDeltaEvent struct {
	Text string
}

func (TextDeltaEvent) isEvent() {}

// ReasoningDeltaEvent extends the assistant message's current reasoning part.
type ReasoningDeltaEvent struct {
	Text string
}

func (ReasoningDeltaEvent) isEvent() {}

// RedactedReasoningEvent carries reasoning content the backend withheld.
type RedactedReasoningEvent struct {
	Data string `json:"data"`
}

func (RedactedReasoningEvent) isEvent() {}

// SourceEvent attaches a cited source to the assistant message.
type SourceEvent struct {
	core.Source
}

func (SourceEvent) isEvent() {}

// DataEvent appends opaque values to the session's side-channel data.
type DataEvent struct {
	Items []json.RawMessage
}

func (DataEvent) isEvent() {}

// MessageAnnotationsEvent appends annotations to the assistant message.
type MessageAnnotationsEvent struct {
	Annotations []json.RawMessage
}

func (MessageAnnotationsEvent) isEvent() {}

// ToolCallEvent is a complete backend tool-call request.
type ToolCallEvent struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Args       json.RawMessage `json:"args"`
}

func (ToolCallEvent) isEvent() {}

// ToolResultEvent resolves a tool call the backend executed itself.
type ToolResultEvent struct {
	ToolCallID string          `json:"toolCallId"`
	Result     json.RawMessage `json:"result"`
}

func (ToolResultEvent) isEvent() {}

// ToolCallStartEvent opens a tool call whose arguments will stream in.
type ToolCallStartEvent struct {
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
}

func (ToolCallStartEvent) isEvent() {}

// ToolCallDeltaEvent extends the argument text of a streaming tool call.
type ToolCallDeltaEvent struct {
	ToolCallID    string `json:"toolCallId"`
	ArgsTextDelta string `json:"argsTextDelta"`
}

func (ToolCallDeltaEvent) isEvent() {}

// FinishStepEvent closes one model call within the exchange. IsContinued
// means the next step continues the same logical text block.
type FinishStepEvent struct {
	FinishReason FinishReason `json:"finishReason"`
	Usage        Usage        `json:"usage"`
	IsContinued  bool         `json:"isContinued"`
}

func (FinishStepEvent) isEvent() {}

// FinishMessageEvent terminates a successful structured stream.
type FinishMessageEvent struct {
	FinishReason FinishReason `json:"finishReason"`
	Usage        Usage        `json:"usage"`
}

func (FinishMessageEvent) isEvent() {}

// StartStepEvent opens a model call and carries the server-assigned id for
// the assistant message under construction.
type StartStepEvent struct {
	MessageID string `json:"messageId"`
}

func (StartStepEvent) isEvent() {}

// ErrorEvent is an error the backend reported inside the stream.
type ErrorEvent struct {
	Message string
}

func (ErrorEvent) isEvent() {}
