package datastream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Encoder writes structured-protocol records. When the underlying writer is
// an http.Flusher each record is flushed immediately, so handlers built on
// the encoder stream instead of buffering the whole response.
type Encoder struct {
	w       io.Writer
	flusher http.Flusher
}

// NewEncoder creates an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	e := &Encoder{w: w}
	if f, ok := w.(http.Flusher); ok {
		e.flusher = f
	}
	return e
}

// Encode writes one event as a <tag>:<json> record followed by a newline.
func (e *Encoder) Encode(ev Event) error {
	tag, payload, err := marshalEvent(ev)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if _, err := fmt.Fprintf(e.w, "%s:%s\n", tag, payload); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// EncodeAll writes the given events in order, stopping at the first failure.
func (e *Encoder) EncodeAll(events ...Event) error {
	for _, ev := range events {
		if err := e.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}

// marshalEvent maps an event to its wire tag and JSON payload. The switch is
// exhaustive over the closed event set.
func marshalEvent(ev Event) (string, []byte, error) {
	var (
		tag     string
		payload any
	)
	switch v := ev.(type) {
	case TextDeltaEvent:
		tag, payload = TagTextDelta, v.Text
	case ReasoningDeltaEvent:
		tag, payload = TagReasoningDelta, v.Text
	case RedactedReasoningEvent:
		tag, payload = TagRedactedReasoning, v
	case SourceEvent:
		tag, payload = TagSource, v.Source
	case DataEvent:
		tag, payload = TagData, v.Items
	case MessageAnnotationsEvent:
		tag, payload = TagMessageAnnotations, v.Annotations
	case ToolCallEvent:
		tag, payload = TagToolCall, v
	case ToolResultEvent:
		tag, payload = TagToolResult, v
	case ToolCallStartEvent:
		tag, payload = TagToolCallStart, v
	case ToolCallDeltaEvent:
		tag, payload = TagToolCallDelta, v
	case FinishMessageEvent:
		tag, payload = TagFinishMessage, v
	case FinishStepEvent:
		tag, payload = TagFinishStep, v
	case StartStepEvent:
		tag, payload = TagStartStep, v
	case ErrorEvent:
		tag, payload = TagError, v.Message
	default:
		return "", nil, fmt.Errorf("unsupported event type %T", ev)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", nil, err
	}
	return tag, raw, nil
}
