package engine

import (
	"encoding/json"
	"fmt"

	"github.com/hupe1980/chatmesh/core"
)

// wireMessage is the trimmed message shape sent to the backend when
// SendExtraMessageFields is disabled. Identifiers and timestamps are client
// bookkeeping the backend has no use for.
type wireMessage struct {
	Role            core.Role             `json:"role"`
	Content         string                `json:"content"`
	Annotations     []json.RawMessage     `json:"annotations,omitempty"`
	Attachments     []core.Attachment     `json:"attachments,omitempty"`
	ToolInvocations []core.ToolInvocation `json:"toolInvocations,omitempty"`
	Parts           core.Parts            `json:"parts,omitempty"`
}

func trimMessages(messages []core.Message) []wireMessage {
	trimmed := make([]wireMessage, len(messages))

	for i, m := range messages {
		trimmed[i] = wireMessage{
			Role:            m.Role,
			Content:         m.Content,
			Annotations:     m.Annotations,
			Attachments:     m.Attachments,
			ToolInvocations: m.ToolInvocations,
			Parts:           m.Parts,
		}
	}

	return trimmed
}

// buildPayload assembles the JSON request body for one cycle. A configured
// PrepareRequestBody hook replaces the default shape entirely; returning a
// nil body without an error falls back to the default.
func (e *Engine) buildPayload(messages []core.Message, opts RequestOptions) ([]byte, error) {
	if e.prepareRequestBody != nil {
		body, err := e.prepareRequestBody(PrepareRequestBodyInput{
			ID:          e.cell.ID(),
			Messages:    messages,
			RequestData: opts.Data,
			RequestBody: opts.Body,
		})
		if err != nil {
			return nil, fmt.Errorf("prepare request body: %w", err)
		}

		if body != nil {
			return body, nil
		}
	}

	payload := map[string]any{
		"id": e.cell.ID(),
	}

	if e.sendExtraMessageFields {
		payload["messages"] = messages
	} else {
		payload["messages"] = trimMessages(messages)
	}

	if len(opts.Data) > 0 {
		payload["data"] = opts.Data
	}

	for k, v := range e.staticBody {
		payload[k] = v
	}

	for k, v := range opts.Body {
		payload[k] = v
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	return encoded, nil
}

// mergedHeaders layers per-call headers over the engine's static headers.
func (e *Engine) mergedHeaders(opts RequestOptions) map[string]string {
	if len(e.headers) == 0 {
		return opts.Headers
	}

	merged := make(map[string]string, len(e.headers)+len(opts.Headers))

	for k, v := range e.headers {
		merged[k] = v
	}

	for k, v := range opts.Headers {
		merged[k] = v
	}

	return merged
}
