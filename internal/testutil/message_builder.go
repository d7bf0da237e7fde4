package testutil

import (
	"encoding/json"
	"time"

	"github.com/hupe1980/chatmesh/core"
)

// MessageBuilder provides a fluent interface for constructing messages in
// tests. Parts are accumulated in call order, and the legacy content and
// tool invocation fields are kept consistent with them.
//
// Example:
//
//	msg := testutil.NewMessageBuilder().
//		Assistant().
//		StepStart().
//		Text("checking the weather").
//		ToolResult("call-1", "get_weather", `{"city":"berlin"}`, `{"temp":21}`).
//		Build()
type MessageBuilder struct {
	id        string
	role      core.Role
	createdAt time.Time

	content     string
	parts       core.Parts
	invocations []core.ToolInvocation
	annotations []json.RawMessage
	attachments []core.Attachment
}

// NewMessageBuilder creates a builder for a user message. The role can be
// changed with Assistant or System.
func NewMessageBuilder() *MessageBuilder {
	return &MessageBuilder{role: core.RoleUser}
}

// ID sets an explicit message id. Builds without one get a generated id.
func (b *MessageBuilder) ID(id string) *MessageBuilder {
	b.id = id
	return b
}

// CreatedAt sets the message timestamp.
func (b *MessageBuilder) CreatedAt(t time.Time) *MessageBuilder {
	b.createdAt = t
	return b
}

// User marks the message as a user message.
func (b *MessageBuilder) User() *MessageBuilder {
	b.role = core.RoleUser
	return b
}

// Assistant marks the message as an assistant message.
func (b *MessageBuilder) Assistant() *MessageBuilder {
	b.role = core.RoleAssistant
	return b
}

// System marks the message as a system message.
func (b *MessageBuilder) System() *MessageBuilder {
	b.role = core.RoleSystem
	return b
}

// Text appends a text part and extends the message content.
func (b *MessageBuilder) Text(text string) *MessageBuilder {
	b.content += text
	b.parts = append(b.parts, core.TextPart{Text: text})
	return b
}

// Reasoning appends a reasoning part with a single text detail.
func (b *MessageBuilder) Reasoning(text string) *MessageBuilder {
	b.parts = append(b.parts, core.ReasoningPart{
		Reasoning: text,
		Details:   []core.ReasoningDetail{{Type: "text", Text: text}},
	})
	return b
}

// StepStart appends a step boundary part.
func (b *MessageBuilder) StepStart() *MessageBuilder {
	b.parts = append(b.parts, core.StepStartPart{})
	return b
}

// ToolCall appends an unresolved tool invocation in the call state.
func (b *MessageBuilder) ToolCall(toolCallID, toolName, args string) *MessageBuilder {
	return b.invocation(core.ToolInvocation{
		State:      core.ToolStateCall,
		Step:       b.nextStep(),
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Args:       json.RawMessage(args),
	})
}

// ToolResult appends a resolved tool invocation.
func (b *MessageBuilder) ToolResult(toolCallID, toolName, args, result string) *MessageBuilder {
	return b.invocation(core.ToolInvocation{
		State:      core.ToolStateResult,
		Step:       b.nextStep(),
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Args:       json.RawMessage(args),
		Result:     json.RawMessage(result),
	})
}

// Annotation appends a raw JSON annotation.
func (b *MessageBuilder) Annotation(raw string) *MessageBuilder {
	b.annotations = append(b.annotations, json.RawMessage(raw))
	return b
}

// Attachment appends an attachment.
func (b *MessageBuilder) Attachment(att core.Attachment) *MessageBuilder {
	b.attachments = append(b.attachments, att)
	return b
}

// Build assembles the message.
func (b *MessageBuilder) Build() core.Message {
	id := b.id
	if id == "" {
		id = core.NewID()
	}

	createdAt := b.createdAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return core.Message{
		ID:              id,
		Role:            b.role,
		CreatedAt:       createdAt,
		Content:         b.content,
		Parts:           b.parts,
		Annotations:     b.annotations,
		Attachments:     b.attachments,
		ToolInvocations: b.invocations,
	}
}

func (b *MessageBuilder) invocation(inv core.ToolInvocation) *MessageBuilder {
	b.invocations = append(b.invocations, inv)
	b.parts = append(b.parts, core.ToolInvocationPart{ToolInvocation: inv})
	return b
}

// nextStep keeps invocation steps increasing with the step boundaries added
// so far, mirroring how streamed invocations are numbered.
func (b *MessageBuilder) nextStep() int {
	steps := 0

	for _, part := range b.parts {
		if _, ok := part.(core.StepStartPart); ok {
			steps++
		}
	}

	if steps == 0 {
		return 0
	}

	return steps - 1
}
