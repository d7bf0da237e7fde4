package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hupe1980/chatmesh/core"
	"github.com/hupe1980/chatmesh/datastream"
)

// partialToolCall accumulates streamed argument text for a tool call whose
// arguments arrive incrementally.
type partialToolCall struct {
	text     string
	step     int
	toolName string
	index    int
}

// assembler folds decoded stream events into the assistant message under
// construction. It owns the message and all bookkeeping for the current
// step: open text and reasoning parts, partial tool calls and the
// side-channel data collected so far.
//
// The assembler never mutates slices it may share with published snapshots.
// Open parts are extended by value replacement at a remembered index, and
// reasoning details are copied before an element is extended in place.
type assembler struct {
	message     core.Message
	replaceLast bool

	// step counts backend steps within the message, continuing from the
	// reused message's tool invocations when replaceLast is set.
	step int

	// Indices of the open text part, open reasoning part and open text
	// detail inside it. -1 means closed.
	textIdx         int
	reasoningIdx    int
	reasoningDetail int

	partials map[string]*partialToolCall

	data []json.RawMessage

	usage        datastream.Usage
	finishReason datastream.FinishReason

	onToolCall func(ctx context.Context, call ToolCall) (json.RawMessage, error)
}

func newAssembler(last core.Message, replaceLast bool, onToolCall func(ctx context.Context, call ToolCall) (json.RawMessage, error), generateID func() string) *assembler {
	asm := &assembler{
		replaceLast:     replaceLast,
		textIdx:         -1,
		reasoningIdx:    -1,
		reasoningDetail: -1,
		partials:        map[string]*partialToolCall{},
		finishReason:    datastream.FinishReasonUnknown,
		onToolCall:      onToolCall,
	}

	if replaceLast {
		asm.message = last.Clone()
		asm.step = 1 + core.MaxToolInvocationStep(last.ToolInvocations)

		return asm
	}

	asm.message = core.Message{
		ID:        generateID(),
		Role:      core.RoleAssistant,
		CreatedAt: time.Now(),
		Parts:     core.Parts{},
	}

	return asm
}

// apply merges one event into the message. A returned error poisons the
// cycle; events already merged stay merged.
func (a *assembler) apply(ctx context.Context, ev datastream.Event) error {
	switch ev := ev.(type) {
	case datastream.TextDeltaEvent:
		a.appendText(ev.Text)

	case datastream.ReasoningDeltaEvent:
		a.appendReasoning(ev.Text)

	case datastream.RedactedReasoningEvent:
		a.appendRedactedReasoning(ev.Data)

	case datastream.SourceEvent:
		a.message.Parts = append(a.message.Parts, core.SourcePart{Source: ev.Source})

	case datastream.DataEvent:
		a.data = append(a.data, ev.Items...)

	case datastream.MessageAnnotationsEvent:
		a.message.Annotations = append(a.message.Annotations, ev.Annotations...)

	case datastream.StartStepEvent:
		if !a.replaceLast && ev.MessageID != "" {
			a.message.ID = ev.MessageID
		}

		a.message.Parts = append(a.message.Parts, core.StepStartPart{})

	case datastream.FinishStepEvent:
		a.step++

		if !ev.IsContinued {
			a.textIdx = -1
		}

		a.reasoningIdx = -1
		a.reasoningDetail = -1

	case datastream.FinishMessageEvent:
		a.finishReason = ev.FinishReason
		a.usage = ev.Usage

	case datastream.ErrorEvent:
		return &ApplicationError{Message: ev.Message}

	case datastream.ToolCallStartEvent:
		a.startToolCall(ev)

	case datastream.ToolCallDeltaEvent:
		return a.extendToolCall(ev)

	case datastream.ToolCallEvent:
		return a.completeToolCall(ctx, ev)

	case datastream.ToolResultEvent:
		return a.resolveToolCall(ev)
	}

	return nil
}

func (a *assembler) appendText(text string) {
	a.message.Content += text

	if a.textIdx >= 0 {
		part := a.message.Parts[a.textIdx].(core.TextPart)
		part.Text += text
		a.message.Parts[a.textIdx] = part

		return
	}

	a.message.Parts = append(a.message.Parts, core.TextPart{Text: text})
	a.textIdx = len(a.message.Parts) - 1
}

func (a *assembler) appendReasoning(text string) {
	a.message.Reasoning += text

	if a.reasoningIdx < 0 {
		a.message.Parts = append(a.message.Parts, core.ReasoningPart{})
		a.reasoningIdx = len(a.message.Parts) - 1
	}

	part := a.message.Parts[a.reasoningIdx].(core.ReasoningPart)
	part.Reasoning += text

	if a.reasoningDetail >= 0 {
		// Copy before extending: published snapshots may alias the
		// details backing array.
		details := make([]core.ReasoningDetail, len(part.Details))
		copy(details, part.Details)
		details[a.reasoningDetail].Text += text
		part.Details = details
	} else {
		part.Details = append(part.Details, core.ReasoningDetail{Type: "text", Text: text})
		a.reasoningDetail = len(part.Details) - 1
	}

	a.message.Parts[a.reasoningIdx] = part
}

// appendRedactedReasoning adds a redacted detail to the open reasoning part.
// The open text detail stays open, so a later reasoning delta extends the
// detail it started in.
func (a *assembler) appendRedactedReasoning(data string) {
	if a.reasoningIdx < 0 {
		a.message.Parts = append(a.message.Parts, core.ReasoningPart{})
		a.reasoningIdx = len(a.message.Parts) - 1
	}

	part := a.message.Parts[a.reasoningIdx].(core.ReasoningPart)
	part.Details = append(part.Details, core.ReasoningDetail{Type: "redacted", Data: data})

	a.message.Parts[a.reasoningIdx] = part
}

func (a *assembler) startToolCall(ev datastream.ToolCallStartEvent) {
	inv := core.ToolInvocation{
		State:      core.ToolStatePartialCall,
		Step:       a.step,
		ToolCallID: ev.ToolCallID,
		ToolName:   ev.ToolName,
	}

	a.partials[ev.ToolCallID] = &partialToolCall{
		step:     a.step,
		toolName: ev.ToolName,
		index:    len(a.message.ToolInvocations),
	}

	a.message.ToolInvocations = append(a.message.ToolInvocations, inv)
	a.message.Parts = append(a.message.Parts, core.ToolInvocationPart{ToolInvocation: inv})
}

func (a *assembler) extendToolCall(ev datastream.ToolCallDeltaEvent) error {
	partial, ok := a.partials[ev.ToolCallID]
	if !ok {
		return fmt.Errorf("tool call delta for unknown tool call %q", ev.ToolCallID)
	}

	partial.text += ev.ArgsTextDelta

	inv := core.ToolInvocation{
		State:      core.ToolStatePartialCall,
		Step:       partial.step,
		ToolCallID: ev.ToolCallID,
		ToolName:   partial.toolName,
	}

	// Arguments become visible once the accumulated text parses as JSON.
	if json.Valid([]byte(partial.text)) {
		inv.Args = json.RawMessage(partial.text)
	}

	a.upsertInvocation(partial.index, inv)

	return nil
}

func (a *assembler) completeToolCall(ctx context.Context, ev datastream.ToolCallEvent) error {
	inv := core.ToolInvocation{
		State:      core.ToolStateCall,
		Step:       a.step,
		ToolCallID: ev.ToolCallID,
		ToolName:   ev.ToolName,
		Args:       ev.Args,
	}

	index := len(a.message.ToolInvocations)
	if partial, ok := a.partials[ev.ToolCallID]; ok {
		inv.Step = partial.step
		index = partial.index
	}

	a.upsertInvocation(index, inv)

	if a.onToolCall == nil {
		return nil
	}

	result, err := a.onToolCall(ctx, ToolCall{
		ToolCallID: ev.ToolCallID,
		ToolName:   ev.ToolName,
		Args:       ev.Args,
	})
	if err != nil {
		return fmt.Errorf("tool call %s: %w", ev.ToolName, err)
	}

	if result == nil {
		return nil
	}

	inv.State = core.ToolStateResult
	inv.Result = result
	a.upsertInvocation(index, inv)

	return nil
}

func (a *assembler) resolveToolCall(ev datastream.ToolResultEvent) error {
	invocations := a.message.ToolInvocations

	for i := range invocations {
		if invocations[i].ToolCallID != ev.ToolCallID {
			continue
		}

		inv := invocations[i]
		inv.State = core.ToolStateResult
		inv.Result = ev.Result

		a.upsertInvocation(i, inv)

		return nil
	}

	return fmt.Errorf("tool result for unknown tool call %q", ev.ToolCallID)
}

// upsertInvocation writes the invocation into the invocation list at index
// and mirrors it into the matching tool invocation part, appending either
// when absent.
func (a *assembler) upsertInvocation(index int, inv core.ToolInvocation) {
	if index < len(a.message.ToolInvocations) {
		a.message.ToolInvocations[index] = inv
	} else {
		a.message.ToolInvocations = append(a.message.ToolInvocations, inv)
	}

	for i, part := range a.message.Parts {
		if p, ok := part.(core.ToolInvocationPart); ok && p.ToolInvocation.ToolCallID == inv.ToolCallID {
			p.ToolInvocation = inv
			a.message.Parts[i] = p

			return
		}
	}

	a.message.Parts = append(a.message.Parts, core.ToolInvocationPart{ToolInvocation: inv})
}
