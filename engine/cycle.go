package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/hupe1980/chatmesh/core"
	"github.com/hupe1980/chatmesh/datastream"
	"github.com/hupe1980/chatmesh/store"
	"github.com/hupe1980/chatmesh/transport"
)

const readBufferSize = 4 << 10

// runCycle executes one request cycle: optimistic write, transport call,
// stream merge and completion. It reports canceled=true when the cycle was
// stopped, which the caller treats as a silent end of the exchange.
func (e *Engine) runCycle(ctx context.Context, cycleID string, messages []core.Message, opts RequestOptions) (bool, error) {
	e.logger.Debug("cycle started cycle_id=%s session_id=%s messages=%d", cycleID, e.cell.ID(), len(messages))

	e.setStatus(core.StatusSubmitted, cycleID)

	// Rollback and data baselines come from the state before the
	// optimistic write.
	prev := e.cell.Snapshot()
	previousMessages := prev.Messages
	baseData := prev.Data

	outgoing := core.CloneMessages(messages)

	e.throttle.Do(func() {
		e.cell.Update(func(st store.State) store.State {
			st.Messages = outgoing

			return st
		})

		if n := len(outgoing); n > 0 {
			e.publishMessage(cycleID, outgoing[n-1].ID)
		}
	})

	payload, err := e.buildPayload(outgoing, opts)
	if err != nil {
		return e.finishCycle(ctx, cycleID, err, previousMessages)
	}

	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	handle := &pendingHandle{cancel: cancel}
	e.installPending(handle)
	defer e.clearPending(handle)

	resp, err := e.transport.Do(cycleCtx, transport.Request{
		Endpoint: e.endpoint,
		Headers:  e.mergedHeaders(opts),
		Body:     payload,
	})
	if err != nil {
		return e.finishCycle(cycleCtx, cycleID, err, previousMessages)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if e.onResponse != nil {
		if err := e.onResponse(resp); err != nil {
			return e.finishCycle(cycleCtx, cycleID, fmt.Errorf("response callback: %w", err), previousMessages)
		}
	}

	var last core.Message

	replaceLast := false
	if n := len(outgoing); n > 0 && outgoing[n-1].Role == core.RoleAssistant && e.reuseTrailingAssistant {
		last = outgoing[n-1]
		replaceLast = true
	}

	base := outgoing
	if replaceLast {
		base = outgoing[:len(outgoing)-1]
	}

	asm := newAssembler(last, replaceLast, e.onToolCall, e.generateID)
	dec := datastream.NewDecoder(e.protocol)
	buf := make([]byte, readBufferSize)

	var streamErr error

	streaming := false

	for {
		n, readErr := resp.Body.Read(buf)

		if n > 0 {
			events, decodeErr := dec.Feed(buf[:n])

			for _, ev := range events {
				if applyErr := e.applyEvent(cycleCtx, cycleID, asm, ev, base, baseData, &streaming); applyErr != nil {
					streamErr = applyErr

					break
				}
			}

			if streamErr == nil && decodeErr != nil {
				streamErr = decodeErr
			}
		}

		if streamErr != nil {
			break
		}

		if readErr == io.EOF {
			streamErr = dec.Finish()

			break
		}

		if readErr != nil {
			streamErr = readErr

			break
		}
	}

	canceled, err := e.finishCycle(cycleCtx, cycleID, streamErr, previousMessages)
	if canceled || err != nil {
		return canceled, err
	}

	if e.onFinish != nil {
		e.onFinish(asm.message.Clone(), FinishInfo{
			FinishReason: asm.finishReason,
			Usage:        asm.usage,
		})
	}

	return false, nil
}

// applyEvent merges one decoded event and schedules the resulting state
// write. Step and message boundary events carry metadata only and do not
// produce a write of their own.
func (e *Engine) applyEvent(ctx context.Context, cycleID string, asm *assembler, ev datastream.Event, base []core.Message, baseData []json.RawMessage, streaming *bool) error {
	if err := asm.apply(ctx, ev); err != nil {
		return err
	}

	switch ev := ev.(type) {
	case datastream.FinishStepEvent:
		e.publishStep(cycleID, ev)

		return nil

	case datastream.FinishMessageEvent:
		return nil
	}

	if !*streaming {
		*streaming = true
		e.setStatus(core.StatusStreaming, cycleID)
	}

	if dataEv, ok := ev.(datastream.DataEvent); ok {
		e.publishData(cycleID, len(dataEv.Items))
	}

	// Capture immutable copies now; the throttled closure may run later,
	// on the timer goroutine, after the assembler has moved on.
	merged := asm.message.Clone()

	var data []json.RawMessage
	if len(asm.data) > 0 {
		data = make([]json.RawMessage, len(asm.data))
		copy(data, asm.data)
	}

	e.throttle.Do(func() {
		e.cell.Update(func(st store.State) store.State {
			messages := make([]core.Message, len(base)+1)
			copy(messages, base)
			messages[len(base)] = merged
			st.Messages = messages

			if data != nil {
				combined := make([]json.RawMessage, 0, len(baseData)+len(data))
				combined = append(combined, baseData...)
				combined = append(combined, data...)
				st.Data = combined
			}

			return st
		})

		e.publishMessage(cycleID, merged.ID)
	})

	return nil
}

// finishCycle settles the session state for a finished cycle. Cancellation
// is absorbed: the session returns to ready with no error recorded. Any
// other failure applies the KeepLastMessageOnError policy, records the
// error and fires OnError exactly once.
func (e *Engine) finishCycle(ctx context.Context, cycleID string, cycleErr error, previousMessages []core.Message) (bool, error) {
	if cycleErr != nil && ctx.Err() == context.Canceled {
		e.throttle.Flush()
		e.setStatus(core.StatusReady, cycleID)

		e.logger.Debug("cycle canceled cycle_id=%s session_id=%s", cycleID, e.cell.ID())

		return true, nil
	}

	if cycleErr == nil {
		e.throttle.Flush()
		e.setStatus(core.StatusReady, cycleID)

		e.logger.Debug("cycle completed cycle_id=%s session_id=%s", cycleID, e.cell.ID())

		return false, nil
	}

	if e.keepLastMessageOnError {
		e.throttle.Flush()
	} else {
		// Drop pending writes before restoring, or a late flush would
		// resurrect the partial message.
		e.throttle.Cancel()
	}

	e.cell.Update(func(st store.State) store.State {
		if !e.keepLastMessageOnError {
			st.Messages = previousMessages
		}

		st.Status = core.StatusError
		st.Err = cycleErr

		return st
	})

	e.publishStatus(cycleID, core.StatusError)
	e.publishFailure(cycleID, cycleErr)

	e.logger.Error("cycle failed cycle_id=%s session_id=%s error=%v", cycleID, e.cell.ID(), cycleErr)

	if e.onError != nil {
		e.onError(cycleErr)
	}

	return false, cycleErr
}
