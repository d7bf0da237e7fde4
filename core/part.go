package core

import (
	"encoding/json"
	"fmt"
)

// Part represents a typed fragment of message content. Concrete part types
// implement the unexported isPart marker enabling a closed set. Parts are the
// canonical representation of a message; Message.Content is a denormalized
// cache of the concatenated text parts.
type Part interface{ isPart() }

// Part type discriminants used on the wire.
const (
	PartTypeText           = "text"
	PartTypeReasoning      = "reasoning"
	PartTypeToolInvocation = "tool-invocation"
	PartTypeSource         = "source"
	PartTypeFile           = "file"
	PartTypeStepStart      = "step-start"
)

// TextPart is a plain text content segment.
type TextPart struct {
	Text string `json:"text"`
}

// isPart implements the Part interface for TextPart.
func (TextPart) isPart() {}

// MarshalJSON emits the part with its type discriminant.
func (p TextPart) MarshalJSON() ([]byte, error) {
	type alias TextPart
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{Type: PartTypeText, alias: alias(p)})
}

// ReasoningDetail is one segment of a reasoning part: either visible text or
// a redacted blob the backend withheld.
type ReasoningDetail struct {
	Type      string `json:"type"` // "text" or "redacted"
	Text      string `json:"text,omitempty"`
	Signature string `json:"signature,omitempty"`
	Data      string `json:"data,omitempty"`
}

// ReasoningPart carries the model's intermediate reasoning for one step.
type ReasoningPart struct {
	Reasoning string            `json:"reasoning"`
	Details   []ReasoningDetail `json:"details,omitempty"`
}

// isPart implements the Part interface for ReasoningPart.
func (ReasoningPart) isPart() {}

// MarshalJSON emits the part with its type discriminant.
func (p ReasoningPart) MarshalJSON() ([]byte, error) {
	type alias ReasoningPart
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{Type: PartTypeReasoning, alias: alias(p)})
}

// ToolInvocationPart wraps a ToolInvocation as a content part.
type ToolInvocationPart struct {
	ToolInvocation ToolInvocation `json:"toolInvocation"`
}

// isPart implements the Part interface for ToolInvocationPart.
func (ToolInvocationPart) isPart() {}

// MarshalJSON emits the part with its type discriminant.
func (p ToolInvocationPart) MarshalJSON() ([]byte, error) {
	type alias ToolInvocationPart
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{Type: PartTypeToolInvocation, alias: alias(p)})
}

// Source identifies external material the backend cited while answering.
type Source struct {
	SourceType string `json:"sourceType"` // currently always "url"
	ID         string `json:"id"`
	URL        string `json:"url"`
	Title      string `json:"title,omitempty"`
}

// SourcePart wraps a Source annotation as a content part.
type SourcePart struct {
	Source Source `json:"source"`
}

// isPart implements the Part interface for SourcePart.
func (SourcePart) isPart() {}

// MarshalJSON emits the part with its type discriminant.
func (p SourcePart) MarshalJSON() ([]byte, error) {
	type alias SourcePart
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{Type: PartTypeSource, alias: alias(p)})
}

// FilePart is a file segment produced by the backend (base64 payload).
type FilePart struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// isPart implements the Part interface for FilePart.
func (FilePart) isPart() {}

// MarshalJSON emits the part with its type discriminant.
func (p FilePart) MarshalJSON() ([]byte, error) {
	type alias FilePart
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{Type: PartTypeFile, alias: alias(p)})
}

// StepStartPart marks the boundary between two model calls merged into the
// same assistant message during a multi-step tool exchange.
type StepStartPart struct{}

// isPart implements the Part interface for StepStartPart.
func (StepStartPart) isPart() {}

// MarshalJSON emits the part with its type discriminant.
func (p StepStartPart) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
	}{Type: PartTypeStepStart})
}

// Parts is an ordered sequence of message content parts. It exists so the
// heterogeneous slice can round-trip through JSON.
type Parts []Part

// UnmarshalJSON decodes a JSON array of tagged parts.
func (ps *Parts) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(Parts, 0, len(raws))
	for _, raw := range raws {
		p, err := UnmarshalPart(raw)
		if err != nil {
			return err
		}
		out = append(out, p)
	}
	*ps = out
	return nil
}

// UnmarshalPart decodes a single JSON part into its concrete type based on
// the "type" discriminant. Unknown types are rejected so protocol drift is
// caught at the boundary instead of surfacing as silent data loss.
func UnmarshalPart(data []byte) (Part, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}

	switch probe.Type {
	case PartTypeText:
		var p TextPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case PartTypeReasoning:
		var p ReasoningPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case PartTypeToolInvocation:
		var p ToolInvocationPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case PartTypeSource:
		var p SourcePart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case PartTypeFile:
		var p FilePart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case PartTypeStepStart:
		return StepStartPart{}, nil
	default:
		return nil, fmt.Errorf("unknown part type %q", probe.Type)
	}
}
