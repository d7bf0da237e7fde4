package core

import (
	"encoding/base64"
	"encoding/json"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	// RoleUser marks messages authored by the end user.
	RoleUser Role = "user"
	// RoleAssistant marks messages produced by the backend model.
	RoleAssistant Role = "assistant"
	// RoleSystem marks instruction messages seeded by the application.
	RoleSystem Role = "system"
	// RoleTool marks messages carrying tool output.
	RoleTool Role = "tool"
)

// Attachment is a file supplied alongside a message. Either URL or Data must
// be populated; Data is inlined into a data: URL before the message is sent.
type Attachment struct {
	Name        string `json:"name,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	URL         string `json:"url,omitempty"`

	// Data holds raw bytes not yet inlined. It is never serialized directly;
	// Inline converts it into the URL field.
	Data []byte `json:"-"`
}

// Inline returns a copy of the attachment with Data converted to a data: URL.
// Attachments that already carry a URL are returned unchanged.
func (a Attachment) Inline() Attachment {
	if a.URL != "" || len(a.Data) == 0 {
		return a
	}
	ct := a.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	a.URL = "data:" + ct + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
	a.Data = nil
	return a
}

// Message is one entry in a session's conversation history.
//
// Parts is the canonical representation of the message content; Content is a
// denormalized cache kept consistent with the concatenated text parts for
// backward compatibility. ToolInvocations mirrors the tool-invocation parts
// for the same reason. Messages constructed from legacy fields (Content or
// ToolInvocations without Parts) must pass through FillParts before they are
// exposed to subscribers or sent to the backend.
type Message struct {
	ID          string            `json:"id"`
	Role        Role              `json:"role"`
	CreatedAt   time.Time         `json:"createdAt,omitzero"`
	Content     string            `json:"content"`
	Reasoning   string            `json:"reasoning,omitempty"`
	Parts       Parts             `json:"parts,omitempty"`
	Annotations []json.RawMessage `json:"annotations,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`

	// ToolInvocations lists the tool calls requested in this message
	// (assistant messages only). Kept in sync with the tool-invocation parts.
	ToolInvocations []ToolInvocation `json:"toolInvocations,omitempty"`
}

// FillParts derives Parts from the legacy fields when absent. The derivation
// order is tool invocations, then reasoning, then text, mirroring how the
// fields accumulate during streaming. Messages that already carry parts are
// returned unchanged.
func (m Message) FillParts() Message {
	if m.Parts != nil {
		return m
	}
	parts := make(Parts, 0, len(m.ToolInvocations)+2)
	for _, ti := range m.ToolInvocations {
		parts = append(parts, ToolInvocationPart{ToolInvocation: ti})
	}
	if m.Reasoning != "" {
		parts = append(parts, ReasoningPart{Reasoning: m.Reasoning})
	}
	if m.Content != "" {
		parts = append(parts, TextPart{Text: m.Content})
	}
	m.Parts = parts
	return m
}

// TextContent concatenates the text parts in order. For a message whose
// Content cache is consistent this equals Content.
func (m Message) TextContent() string {
	var text string
	for _, p := range m.Parts {
		if tp, ok := p.(TextPart); ok {
			text += tp.Text
		}
	}
	return text
}

// HasCompletedToolInvocations reports whether m is an assistant message whose
// most recent step contains at least one tool invocation and every one of
// them carries a result. Only the parts after the last step boundary count:
// earlier steps were already resolved or the later steps would not exist.
func (m Message) HasCompletedToolInvocations() bool {
	if m.Role != RoleAssistant {
		return false
	}
	lastStepStart := -1
	for i, p := range m.Parts {
		if _, ok := p.(StepStartPart); ok {
			lastStepStart = i
		}
	}
	count := 0
	for _, p := range m.Parts[lastStepStart+1:] {
		tip, ok := p.(ToolInvocationPart)
		if !ok {
			continue
		}
		if !tip.ToolInvocation.Resolved() {
			return false
		}
		count++
	}
	return count > 0
}

// ResolveToolInvocation marks the invocation with the given id as resolved,
// attaching result to both the invocation list and the matching part. It
// reports whether a matching invocation was found.
func (m *Message) ResolveToolInvocation(toolCallID string, result json.RawMessage) bool {
	found := false
	for i := range m.ToolInvocations {
		if m.ToolInvocations[i].ToolCallID == toolCallID {
			m.ToolInvocations[i].State = ToolStateResult
			m.ToolInvocations[i].Result = result
			found = true
		}
	}
	for i, p := range m.Parts {
		tip, ok := p.(ToolInvocationPart)
		if !ok || tip.ToolInvocation.ToolCallID != toolCallID {
			continue
		}
		tip.ToolInvocation.State = ToolStateResult
		tip.ToolInvocation.Result = result
		m.Parts[i] = tip
		found = true
	}
	return found
}

// Clone returns a copy of the message with its own part, invocation,
// annotation and attachment slices so the copy can diverge safely. Part
// values themselves are immutable-by-convention: mutation paths replace
// slice entries rather than editing in place.
func (m Message) Clone() Message {
	if m.Parts != nil {
		parts := make(Parts, len(m.Parts))
		copy(parts, m.Parts)
		m.Parts = parts
	}
	if m.ToolInvocations != nil {
		tis := make([]ToolInvocation, len(m.ToolInvocations))
		copy(tis, m.ToolInvocations)
		m.ToolInvocations = tis
	}
	if m.Annotations != nil {
		anns := make([]json.RawMessage, len(m.Annotations))
		copy(anns, m.Annotations)
		m.Annotations = anns
	}
	if m.Attachments != nil {
		atts := make([]Attachment, len(m.Attachments))
		copy(atts, m.Attachments)
		m.Attachments = atts
	}
	return m
}

// CloneMessages returns a defensive copy of the slice with every message cloned.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// FillMessageParts applies FillParts to every message, returning a new slice.
func FillMessageParts(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.FillParts()
	}
	return out
}
