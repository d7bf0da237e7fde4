package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hupe1980/chatmesh/core"
	"github.com/hupe1980/chatmesh/datastream"
	"github.com/hupe1980/chatmesh/event"
	"github.com/hupe1980/chatmesh/internal/testutil"
	"github.com/hupe1980/chatmesh/store"
	"github.com/hupe1980/chatmesh/transport"
)

var testUsage = datastream.Usage{PromptTokens: 3, CompletionTokens: 7}

func newTestCell() *store.Cell {
	cell, _ := store.NewRegistry().Acquire("sess-1")
	return cell
}

func userText(text string) core.Message {
	return core.Message{ID: "u1", Role: core.RoleUser, Content: text}
}

// textScript produces a well-formed stream: start step, text deltas and the
// closing finish records.
func textScript(messageID string, deltas ...string) *transport.Script {
	events := []datastream.Event{datastream.StartStepEvent{MessageID: messageID}}

	for _, d := range deltas {
		events = append(events, datastream.TextDeltaEvent{Text: d})
	}

	events = append(events,
		datastream.FinishStepEvent{FinishReason: datastream.FinishReasonStop, Usage: testUsage},
		datastream.FinishMessageEvent{FinishReason: datastream.FinishReasonStop, Usage: testUsage},
	)

	return &transport.Script{Chunks: [][]byte{testutil.Records(events...)}}
}

// toolCallScript produces a stream that announces one streamed tool call and
// finishes with the tool-calls reason, asking the client to execute it.
func toolCallScript(messageID, callID string) *transport.Script {
	return &transport.Script{Chunks: [][]byte{testutil.Records(
		datastream.StartStepEvent{MessageID: messageID},
		datastream.ToolCallStartEvent{ToolCallID: callID, ToolName: "get_weather"},
		datastream.ToolCallDeltaEvent{ToolCallID: callID, ArgsTextDelta: `{"city":`},
		datastream.ToolCallDeltaEvent{ToolCallID: callID, ArgsTextDelta: `"berlin"}`},
		datastream.ToolCallEvent{ToolCallID: callID, ToolName: "get_weather", Args: json.RawMessage(`{"city":"berlin"}`)},
		datastream.FinishStepEvent{FinishReason: datastream.FinishReasonToolCalls, Usage: testUsage},
		datastream.FinishMessageEvent{FinishReason: datastream.FinishReasonToolCalls, Usage: testUsage},
	)}}
}

type stateRecorder struct {
	mu     sync.Mutex
	states []store.State
}

func recordStates(cell *store.Cell) (*stateRecorder, func()) {
	r := &stateRecorder{}

	unsub := cell.Subscribe(func(st store.State) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.states = append(r.states, st)
	})

	return r, unsub
}

// statusTrail returns the observed statuses with consecutive duplicates
// collapsed.
func (r *stateRecorder) statusTrail() []core.Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	var trail []core.Status
	for _, st := range r.states {
		if n := len(trail); n == 0 || trail[n-1] != st.Status {
			trail = append(trail, st.Status)
		}
	}

	return trail
}

// assistantContents returns the trailing assistant content of every observed
// state that had one.
func (r *stateRecorder) assistantContents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for _, st := range r.states {
		if msg, ok := st.LastMessage(); ok && msg.Role == core.RoleAssistant {
			out = append(out, msg.Content)
		}
	}

	return out
}

func (r *stateRecorder) versions() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]uint64, len(r.states))
	for i, st := range r.states {
		out[i] = st.Version
	}

	return out
}

func waitForState(t *testing.T, cell *store.Cell, cond func(store.State) bool) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(cell.Snapshot()) }, 2*time.Second, 5*time.Millisecond)
}

func mustLastAssistant(t *testing.T, cell *store.Cell) core.Message {
	t.Helper()

	msg, ok := cell.Snapshot().LastMessage()
	require.True(t, ok)
	require.Equal(t, core.RoleAssistant, msg.Role)

	return msg
}

func TestEngine_StreamsAssistantReply(t *testing.T) {
	cell := newTestCell()
	mock := transport.NewMockTransport(textScript("m1", "He", "llo"))

	var finishes []FinishInfo
	eng := New("https://api.test/chat", cell, func(o *Options) {
		o.Transport = mock
		o.OnFinish = func(msg core.Message, info FinishInfo) {
			assert.Equal(t, "Hello", msg.Content)
			finishes = append(finishes, info)
		}
	})

	rec, unsub := recordStates(cell)
	defer unsub()

	id, err := eng.Run(context.Background(), []core.Message{userText("hi")}, RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, "m1", id, "the id announced by the backend names the reply")

	st := cell.Snapshot()
	assert.Equal(t, core.StatusReady, st.Status)
	assert.NoError(t, st.Err)
	require.Len(t, st.Messages, 2)
	assert.Equal(t, "hi", st.Messages[0].Content)

	reply := st.Messages[1]
	assert.Equal(t, "m1", reply.ID)
	assert.Equal(t, core.RoleAssistant, reply.Role)
	assert.Equal(t, "Hello", reply.Content)
	require.Len(t, reply.Parts, 2)
	assert.IsType(t, core.StepStartPart{}, reply.Parts[0])
	assert.Equal(t, core.TextPart{Text: "Hello"}, reply.Parts[1])

	assert.Equal(t, []core.Status{core.StatusSubmitted, core.StatusStreaming, core.StatusReady}, rec.statusTrail())

	versions := rec.versions()
	for i := 1; i < len(versions); i++ {
		assert.Greater(t, versions[i], versions[i-1], "every write bumps the version")
	}

	require.Len(t, finishes, 1)
	assert.Equal(t, datastream.FinishReasonStop, finishes[0].FinishReason)
	assert.Equal(t, testUsage, finishes[0].Usage)

	require.Equal(t, 1, mock.Calls())
	assert.Equal(t, "https://api.test/chat", mock.LastRequest().Endpoint)
}

func TestEngine_RunWithEmptyHistory(t *testing.T) {
	cell := newTestCell()
	mock := transport.NewMockTransport(textScript("m1", "welcome"))
	eng := New("https://api.test/chat", cell, func(o *Options) { o.Transport = mock })

	id, err := eng.Run(context.Background(), nil, RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, "m1", id)

	st := cell.Snapshot()
	require.Len(t, st.Messages, 1)
	assert.Equal(t, core.RoleAssistant, st.Messages[0].Role)
	assert.Equal(t, "welcome", st.Messages[0].Content)
}

func TestEngine_StopKeepsPartialOutput(t *testing.T) {
	defer goleak.VerifyNone(t)

	gate := make(chan struct{}, 1)
	script := &transport.Script{
		Gate: gate,
		Chunks: [][]byte{
			testutil.Records(
				datastream.StartStepEvent{MessageID: "m1"},
				datastream.TextDeltaEvent{Text: "He"},
			),
			testutil.Records(datastream.TextDeltaEvent{Text: "llo"}),
		},
	}

	cell := newTestCell()
	mock := transport.NewMockTransport(script)
	eng := New("https://api.test/chat", cell, func(o *Options) { o.Transport = mock })

	var (
		id  string
		err error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		id, err = eng.Run(context.Background(), []core.Message{userText("hi")}, RequestOptions{})
	}()

	gate <- struct{}{} // release the first chunk, hold the second
	waitForState(t, cell, func(st store.State) bool {
		msg, ok := st.LastMessage()
		return ok && msg.Role == core.RoleAssistant && msg.Content == "He"
	})

	eng.Stop()
	<-done

	require.NoError(t, err, "a stopped exchange is not an error")
	assert.Empty(t, id)

	st := cell.Snapshot()
	assert.Equal(t, core.StatusReady, st.Status)
	assert.NoError(t, st.Err)
	require.Len(t, st.Messages, 2)
	assert.Equal(t, "He", st.Messages[1].Content, "partial output is kept")
}

func TestEngine_StopBeforeFirstEvent(t *testing.T) {
	defer goleak.VerifyNone(t)

	gate := make(chan struct{})
	script := &transport.Script{
		Gate:   gate,
		Chunks: [][]byte{testutil.Records(datastream.TextDeltaEvent{Text: "never delivered"})},
	}

	cell := newTestCell()
	mock := transport.NewMockTransport(script)
	eng := New("https://api.test/chat", cell, func(o *Options) { o.Transport = mock })

	done := make(chan struct{})
	var err error
	go func() {
		defer close(done)
		_, err = eng.Run(context.Background(), []core.Message{userText("hi")}, RequestOptions{})
	}()

	require.Eventually(t, func() bool { return mock.Calls() == 1 }, 2*time.Second, 5*time.Millisecond)

	eng.Stop()
	<-done

	require.NoError(t, err)

	st := cell.Snapshot()
	assert.Equal(t, core.StatusReady, st.Status)
	assert.NoError(t, st.Err)
	require.Len(t, st.Messages, 1, "only the optimistic user message remains")
	assert.Equal(t, core.RoleUser, st.Messages[0].Role)
}

func TestEngine_TransportFailureRecordsError(t *testing.T) {
	cell := newTestCell()
	mock := transport.NewMockTransport(&transport.Script{
		Err: &transport.Error{StatusCode: 500, Body: "boom"},
	})

	var callbackErrs []error
	eng := New("https://api.test/chat", cell, func(o *Options) {
		o.Transport = mock
		o.OnError = func(err error) { callbackErrs = append(callbackErrs, err) }
	})

	_, err := eng.Run(context.Background(), []core.Message{userText("hi")}, RequestOptions{})
	require.Error(t, err)

	var terr *transport.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 500, terr.StatusCode)

	st := cell.Snapshot()
	assert.Equal(t, core.StatusError, st.Status)
	assert.Equal(t, err, st.Err)
	require.Len(t, st.Messages, 1, "the optimistic user message is kept by default")

	require.Len(t, callbackErrs, 1)
	assert.Equal(t, err, callbackErrs[0])
}

func TestEngine_StreamErrorRecordsApplicationError(t *testing.T) {
	script := &transport.Script{Chunks: [][]byte{testutil.Records(
		datastream.StartStepEvent{MessageID: "m1"},
		datastream.TextDeltaEvent{Text: "Hi"},
		datastream.ErrorEvent{Message: "backend exploded"},
	)}}

	cell := newTestCell()
	mock := transport.NewMockTransport(script)
	eng := New("https://api.test/chat", cell, func(o *Options) { o.Transport = mock })

	_, err := eng.Run(context.Background(), []core.Message{userText("hi")}, RequestOptions{})
	require.Error(t, err)

	var appErr *ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "backend exploded", appErr.Message)

	st := cell.Snapshot()
	assert.Equal(t, core.StatusError, st.Status)
	require.Len(t, st.Messages, 2)
	assert.Equal(t, "Hi", st.Messages[1].Content, "events before the failure stay merged")
}

func TestEngine_KeepLastMessageOnErrorPolicy(t *testing.T) {
	newScript := func() *transport.Script {
		return &transport.Script{Chunks: [][]byte{
			testutil.Records(
				datastream.StartStepEvent{MessageID: "m1"},
				datastream.DataEvent{Items: []json.RawMessage{json.RawMessage(`{"trace":"t1"}`)}},
				datastream.TextDeltaEvent{Text: "He"},
			),
			[]byte("zz:1\n"),
		}}
	}

	t.Run("default keeps the partial message", func(t *testing.T) {
		cell := newTestCell()
		mock := transport.NewMockTransport(newScript())
		eng := New("https://api.test/chat", cell, func(o *Options) { o.Transport = mock })

		_, err := eng.Run(context.Background(), []core.Message{userText("hi")}, RequestOptions{})
		require.Error(t, err)

		var perr *datastream.ProtocolError
		require.ErrorAs(t, err, &perr)

		st := cell.Snapshot()
		assert.Equal(t, core.StatusError, st.Status)
		require.Len(t, st.Messages, 2)
		assert.Equal(t, "He", st.Messages[1].Content)
	})

	t.Run("rollback restores the pre-request history", func(t *testing.T) {
		cell := newTestCell()
		mock := transport.NewMockTransport(newScript())
		eng := New("https://api.test/chat", cell, func(o *Options) {
			o.Transport = mock
			o.KeepLastMessageOnError = false
		})

		_, err := eng.Run(context.Background(), []core.Message{userText("hi")}, RequestOptions{})
		require.Error(t, err)

		st := cell.Snapshot()
		assert.Equal(t, core.StatusError, st.Status)
		assert.Empty(t, st.Messages, "the optimistic user message is rolled back too")

		// The data side channel is not transactional: items merged before
		// the failure survive the rollback.
		require.Len(t, st.Data, 1)
		assert.JSONEq(t, `{"trace":"t1"}`, string(st.Data[0]))
	})
}

func TestEngine_ToolRoundTripAutoContinues(t *testing.T) {
	cell := newTestCell()
	mock := transport.NewMockTransport(
		toolCallScript("m1", "tc1"),
		textScript("m1", "Sunny"),
	)

	eng := New("https://api.test/chat", cell, func(o *Options) {
		o.Transport = mock
		o.MaxSteps = 3
		o.OnToolCall = func(_ context.Context, call ToolCall) (json.RawMessage, error) {
			assert.Equal(t, "get_weather", call.ToolName)
			assert.JSONEq(t, `{"city":"berlin"}`, string(call.Args))

			return json.RawMessage(`{"temp":21}`), nil
		}
	})

	id, err := eng.Run(context.Background(), []core.Message{userText("weather in berlin?")}, RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, "m1", id)

	require.Equal(t, 2, mock.Calls(), "the resolved tool call triggers exactly one follow-up request")

	st := cell.Snapshot()
	assert.Equal(t, core.StatusReady, st.Status)
	require.Len(t, st.Messages, 2, "the follow-up continues the same assistant message")

	reply := st.Messages[1]
	assert.Equal(t, "Sunny", reply.Content)

	require.Len(t, reply.ToolInvocations, 1)
	inv := reply.ToolInvocations[0]
	assert.Equal(t, core.ToolStateResult, inv.State)
	assert.Equal(t, 0, inv.Step)
	assert.JSONEq(t, `{"temp":21}`, string(inv.Result))

	require.Len(t, reply.Parts, 4)
	assert.IsType(t, core.StepStartPart{}, reply.Parts[0])
	assert.IsType(t, core.ToolInvocationPart{}, reply.Parts[1])
	assert.IsType(t, core.StepStartPart{}, reply.Parts[2])
	assert.Equal(t, core.TextPart{Text: "Sunny"}, reply.Parts[3])

	// The follow-up request carried the resolved invocation back to the
	// backend in the trimmed wire shape.
	var body map[string]any
	require.NoError(t, json.Unmarshal(mock.Requests()[1].Body, &body))

	messages, ok := body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)

	assistant, ok := messages[1].(map[string]any)
	require.True(t, ok)
	assert.NotContains(t, assistant, "id")

	invocations, ok := assistant["toolInvocations"].([]any)
	require.True(t, ok)
	require.Len(t, invocations, 1)

	wireInv, ok := invocations[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "result", wireInv["state"])
	assert.Contains(t, wireInv, "result")
}

func TestEngine_ContinuationHonorsStepBound(t *testing.T) {
	cell := newTestCell()
	mock := transport.NewMockTransport(
		toolCallScript("m1", "tc1"),
		toolCallScript("m1", "tc2"),
		toolCallScript("m1", "tc3"),
	)

	eng := New("https://api.test/chat", cell, func(o *Options) {
		o.Transport = mock
		o.MaxSteps = 2
		o.OnToolCall = func(context.Context, ToolCall) (json.RawMessage, error) {
			return json.RawMessage(`{"temp":21}`), nil
		}
	})

	_, err := eng.Run(context.Background(), []core.Message{userText("loop")}, RequestOptions{})
	require.NoError(t, err)

	assert.Equal(t, 2, mock.Calls(), "the cycle bound stops an endlessly tool-calling backend")

	st := cell.Snapshot()
	assert.Equal(t, core.StatusReady, st.Status)

	last := mustLastAssistant(t, cell)
	require.Len(t, last.ToolInvocations, 2)
	assert.Equal(t, 0, last.ToolInvocations[0].Step)
	assert.Equal(t, 1, last.ToolInvocations[1].Step)
}

func TestEngine_PayloadShape(t *testing.T) {
	t.Run("default shape trims message bookkeeping", func(t *testing.T) {
		cell := newTestCell()
		mock := transport.NewMockTransport(textScript("m1", "ok"))

		eng := New("https://api.test/chat", cell, func(o *Options) {
			o.Transport = mock
			o.Headers = map[string]string{"Authorization": "Bearer token", "X-Env": "static"}
			o.Body = map[string]any{"model": "gpt-4o", "temperature": 0.9}
		})

		_, err := eng.Run(context.Background(), []core.Message{userText("hi")}, RequestOptions{
			Headers: map[string]string{"X-Env": "override"},
			Body:    map[string]any{"temperature": 0.2},
			Data:    json.RawMessage(`{"flag":true}`),
		})
		require.NoError(t, err)

		req := mock.LastRequest()
		assert.Equal(t, "Bearer token", req.Headers["Authorization"])
		assert.Equal(t, "override", req.Headers["X-Env"], "per-call headers win")

		var body map[string]any
		require.NoError(t, json.Unmarshal(req.Body, &body))

		assert.Equal(t, "sess-1", body["id"])
		assert.Equal(t, "gpt-4o", body["model"])
		assert.Equal(t, 0.2, body["temperature"], "per-call body wins")
		assert.Equal(t, map[string]any{"flag": true}, body["data"])

		messages, ok := body["messages"].([]any)
		require.True(t, ok)
		require.Len(t, messages, 1)

		wire, ok := messages[0].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "user", wire["role"])
		assert.Equal(t, "hi", wire["content"])
		assert.NotContains(t, wire, "id")
		assert.NotContains(t, wire, "createdAt")
	})

	t.Run("extra message fields are opt-in", func(t *testing.T) {
		cell := newTestCell()
		mock := transport.NewMockTransport(textScript("m1", "ok"))

		eng := New("https://api.test/chat", cell, func(o *Options) {
			o.Transport = mock
			o.SendExtraMessageFields = true
		})

		_, err := eng.Run(context.Background(), []core.Message{userText("hi")}, RequestOptions{})
		require.NoError(t, err)

		var body map[string]any
		require.NoError(t, json.Unmarshal(mock.LastRequest().Body, &body))

		messages, ok := body["messages"].([]any)
		require.True(t, ok)

		wire, ok := messages[0].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "u1", wire["id"])
	})

	t.Run("prepare request body replaces the default", func(t *testing.T) {
		cell := newTestCell()
		mock := transport.NewMockTransport(textScript("m1", "ok"))

		var seen PrepareRequestBodyInput
		eng := New("https://api.test/chat", cell, func(o *Options) {
			o.Transport = mock
			o.PrepareRequestBody = func(input PrepareRequestBodyInput) (json.RawMessage, error) {
				seen = input
				return json.RawMessage(`{"custom":true}`), nil
			}
		})

		_, err := eng.Run(context.Background(), []core.Message{userText("hi")}, RequestOptions{Data: json.RawMessage(`7`)})
		require.NoError(t, err)

		assert.JSONEq(t, `{"custom":true}`, string(mock.LastRequest().Body))
		assert.Equal(t, "sess-1", seen.ID)
		require.Len(t, seen.Messages, 1)
		assert.Equal(t, "hi", seen.Messages[0].Content)
		assert.Equal(t, json.RawMessage(`7`), seen.RequestData)
	})
}

func TestEngine_OnResponseAbortsCycle(t *testing.T) {
	cell := newTestCell()
	mock := transport.NewMockTransport(textScript("m1", "never streamed"))

	errorCalls := 0
	eng := New("https://api.test/chat", cell, func(o *Options) {
		o.Transport = mock
		o.OnResponse = func(resp *transport.Response) error {
			assert.Equal(t, 200, resp.StatusCode)
			return errors.New("unexpected content type")
		}
		o.OnError = func(error) { errorCalls++ }
	})

	_, err := eng.Run(context.Background(), []core.Message{userText("hi")}, RequestOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "response callback")

	st := cell.Snapshot()
	assert.Equal(t, core.StatusError, st.Status)
	require.Len(t, st.Messages, 1, "nothing was streamed")
	assert.Equal(t, 1, errorCalls)
}

func TestEngine_NewRunSupersedesInFlight(t *testing.T) {
	defer goleak.VerifyNone(t)

	gateA := make(chan struct{})
	scriptA := &transport.Script{Gate: gateA, Chunks: [][]byte{testutil.Records(
		datastream.StartStepEvent{MessageID: "mA"},
		datastream.TextDeltaEvent{Text: "A"},
		datastream.FinishStepEvent{FinishReason: datastream.FinishReasonStop, Usage: testUsage},
		datastream.FinishMessageEvent{FinishReason: datastream.FinishReasonStop, Usage: testUsage},
	)}}

	cell := newTestCell()
	mock := transport.NewMockTransport(scriptA, textScript("mB", "B"))
	eng := New("https://api.test/chat", cell, func(o *Options) { o.Transport = mock })

	var (
		idA  string
		errA error
	)
	doneA := make(chan struct{})
	go func() {
		defer close(doneA)
		idA, errA = eng.Run(context.Background(), []core.Message{userText("hi")}, RequestOptions{})
	}()

	require.Eventually(t, func() bool { return mock.Calls() == 1 }, 2*time.Second, 5*time.Millisecond)

	// A second run supersedes the first without aborting it.
	idB, errB := eng.Run(context.Background(), []core.Message{userText("hi")}, RequestOptions{})
	require.NoError(t, errB)
	assert.Equal(t, "mB", idB)
	assert.Equal(t, "B", mustLastAssistant(t, cell).Content)

	// Stop targets nothing now: B cleared its own handle and A's handle was
	// replaced when B started.
	eng.Stop()

	close(gateA)
	<-doneA

	require.NoError(t, errA)
	assert.Equal(t, "mA", idA)
	assert.Equal(t, "A", mustLastAssistant(t, cell).Content, "the superseded stream keeps writing; last writer wins")
	assert.Equal(t, core.StatusReady, cell.Snapshot().Status)
}

func TestEngine_ThrottleCoalescesStreamWrites(t *testing.T) {
	buildEvents := func(deltas int) ([]datastream.Event, string) {
		events := []datastream.Event{datastream.StartStepEvent{MessageID: "m1"}}
		want := ""

		for i := 0; i < deltas; i++ {
			want += "a"
			events = append(events, datastream.TextDeltaEvent{Text: "a"})
		}

		events = append(events,
			datastream.FinishStepEvent{FinishReason: datastream.FinishReasonStop, Usage: testUsage},
			datastream.FinishMessageEvent{FinishReason: datastream.FinishReasonStop, Usage: testUsage},
		)

		return events, want
	}

	t.Run("interior writes collapse into the trailing flush", func(t *testing.T) {
		events, want := buildEvents(10)

		cell := newTestCell()
		mock := transport.NewMockTransport(&transport.Script{Chunks: [][]byte{testutil.Records(events...)}})
		eng := New("https://api.test/chat", cell, func(o *Options) {
			o.Transport = mock
			// An interval far beyond the test duration: only the leading
			// write and the final flush can land.
			o.ThrottleInterval = time.Hour
		})

		rec, unsub := recordStates(cell)
		defer unsub()

		_, err := eng.Run(context.Background(), []core.Message{userText("hi")}, RequestOptions{})
		require.NoError(t, err)

		contents := rec.assistantContents()
		require.Len(t, contents, 1, "interior deltas coalesced into one write")
		assert.Equal(t, want, contents[0])
		assert.Equal(t, core.StatusReady, cell.Snapshot().Status)
	})

	t.Run("observed contents form a prefix chain", func(t *testing.T) {
		events, want := buildEvents(40)

		cell := newTestCell()
		mock := transport.NewMockTransport(&transport.Script{Chunks: testutil.RecordChunks(events...)})
		eng := New("https://api.test/chat", cell, func(o *Options) {
			o.Transport = mock
			o.ThrottleInterval = 3 * time.Millisecond
		})

		rec, unsub := recordStates(cell)
		defer unsub()

		_, err := eng.Run(context.Background(), []core.Message{userText("hi")}, RequestOptions{})
		require.NoError(t, err)

		contents := rec.assistantContents()
		require.NotEmpty(t, contents)

		for i := 1; i < len(contents); i++ {
			assert.True(t, strings.HasPrefix(contents[i], contents[i-1]),
				"observed %q after %q", contents[i], contents[i-1])
		}

		assert.Equal(t, want, contents[len(contents)-1], "the trailing flush lands the final text")
	})
}

func TestEngine_PublishesLifecycleEvents(t *testing.T) {
	bus := event.NewBus()
	defer func() { require.NoError(t, bus.Close()) }()

	var (
		mu       sync.Mutex
		statuses []core.Status
		updates  []event.MessageUpdatedData
		appends  []event.DataAppendedData
		steps    []event.StepFinishedData
	)

	bus.Subscribe(event.TypeStatusChanged, func(ev event.Event) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, ev.Data.(event.StatusChangedData).Status)
	})
	bus.Subscribe(event.TypeMessageUpdated, func(ev event.Event) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, ev.Data.(event.MessageUpdatedData))
	})
	bus.Subscribe(event.TypeDataAppended, func(ev event.Event) {
		mu.Lock()
		defer mu.Unlock()
		appends = append(appends, ev.Data.(event.DataAppendedData))
	})
	bus.Subscribe(event.TypeStepFinished, func(ev event.Event) {
		mu.Lock()
		defer mu.Unlock()
		steps = append(steps, ev.Data.(event.StepFinishedData))
	})

	script := &transport.Script{Chunks: [][]byte{testutil.Records(
		datastream.StartStepEvent{MessageID: "m1"},
		datastream.TextDeltaEvent{Text: "Hello"},
		datastream.DataEvent{Items: []json.RawMessage{json.RawMessage(`1`), json.RawMessage(`2`)}},
		datastream.FinishStepEvent{FinishReason: datastream.FinishReasonStop, Usage: testUsage},
		datastream.FinishMessageEvent{FinishReason: datastream.FinishReasonStop, Usage: testUsage},
	)}}

	cell := newTestCell()
	mock := transport.NewMockTransport(script)
	eng := New("https://api.test/chat", cell, func(o *Options) {
		o.Transport = mock
		o.Bus = bus
	})

	_, err := eng.Run(context.Background(), []core.Message{userText("hi")}, RequestOptions{})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, []core.Status{core.StatusSubmitted, core.StatusStreaming, core.StatusReady}, statuses)

	require.NotEmpty(t, updates)
	assert.Equal(t, "sess-1", updates[0].SessionID)
	assert.Equal(t, "u1", updates[0].MessageID, "the optimistic write announces the user message")
	assert.Equal(t, "m1", updates[len(updates)-1].MessageID)

	require.Len(t, appends, 1)
	assert.Equal(t, 2, appends[0].Count)

	require.Len(t, steps, 1)
	assert.Equal(t, datastream.FinishReasonStop, steps[0].FinishReason)
	assert.Equal(t, testUsage, steps[0].Usage)
	assert.False(t, steps[0].IsContinued)
}

func TestEngine_TrailingAssistantPolicy(t *testing.T) {
	history := func() []core.Message {
		return []core.Message{
			userText("weather?"),
			testutil.NewMessageBuilder().
				ID("m1").
				Assistant().
				StepStart().
				ToolResult("tc1", "get_weather", `{"city":"berlin"}`, `{"temp":21}`).
				Build(),
		}
	}

	t.Run("default reuses the trailing assistant message", func(t *testing.T) {
		cell := newTestCell()
		mock := transport.NewMockTransport(textScript("m1", "Sunny"))
		eng := New("https://api.test/chat", cell, func(o *Options) { o.Transport = mock })

		id, err := eng.Run(context.Background(), history(), RequestOptions{})
		require.NoError(t, err)
		assert.Equal(t, "m1", id)

		st := cell.Snapshot()
		require.Len(t, st.Messages, 2)
		assert.Equal(t, "Sunny", st.Messages[1].Content)
		require.Len(t, st.Messages[1].ToolInvocations, 1, "prior invocations survive the continuation")
	})

	t.Run("disabled policy appends a fresh message", func(t *testing.T) {
		cell := newTestCell()
		mock := transport.NewMockTransport(textScript("m2", "Sunny"))
		eng := New("https://api.test/chat", cell, func(o *Options) {
			o.Transport = mock
			o.ReuseTrailingAssistant = false
		})

		id, err := eng.Run(context.Background(), history(), RequestOptions{})
		require.NoError(t, err)
		assert.Equal(t, "m2", id)

		st := cell.Snapshot()
		require.Len(t, st.Messages, 3)
		assert.Equal(t, "Sunny", st.Messages[2].Content)
		assert.Empty(t, st.Messages[2].ToolInvocations)
	})
}

func TestEngine_TextProtocol(t *testing.T) {
	cell := newTestCell()
	mock := transport.NewMockTransport(&transport.Script{
		Chunks: [][]byte{[]byte("Hel"), []byte("lo")},
	})

	var finish FinishInfo
	eng := New("https://api.test/chat", cell, func(o *Options) {
		o.Transport = mock
		o.Protocol = datastream.ProtocolText
		o.OnFinish = func(_ core.Message, info FinishInfo) { finish = info }
	})

	id, err := eng.Run(context.Background(), []core.Message{userText("hi")}, RequestOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	st := cell.Snapshot()
	assert.Equal(t, core.StatusReady, st.Status)
	require.Len(t, st.Messages, 2)
	assert.Equal(t, "Hello", st.Messages[1].Content)
	assert.True(t, strings.HasPrefix(st.Messages[1].ID, "msg_"), "unnamed replies get a generated id")

	assert.Equal(t, datastream.FinishReasonUnknown, finish.FinishReason, "the text protocol carries no finish metadata")
}

func TestEngine_ServerToolResultResolves(t *testing.T) {
	script := &transport.Script{Chunks: [][]byte{testutil.Records(
		datastream.StartStepEvent{MessageID: "m1"},
		datastream.ToolCallStartEvent{ToolCallID: "tc1", ToolName: "search"},
		datastream.ToolCallEvent{ToolCallID: "tc1", ToolName: "search", Args: json.RawMessage(`{"q":"go"}`)},
		datastream.ToolResultEvent{ToolCallID: "tc1", Result: json.RawMessage(`["doc"]`)},
		datastream.TextDeltaEvent{Text: "Found it"},
		datastream.FinishStepEvent{FinishReason: datastream.FinishReasonStop, Usage: testUsage},
		datastream.FinishMessageEvent{FinishReason: datastream.FinishReasonStop, Usage: testUsage},
	)}}

	cell := newTestCell()
	mock := transport.NewMockTransport(script)
	eng := New("https://api.test/chat", cell, func(o *Options) { o.Transport = mock })

	_, err := eng.Run(context.Background(), []core.Message{userText("search go")}, RequestOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, mock.Calls(), "no follow-up without step headroom")

	reply := mustLastAssistant(t, cell)
	require.Len(t, reply.ToolInvocations, 1)
	assert.Equal(t, core.ToolStateResult, reply.ToolInvocations[0].State)
	assert.JSONEq(t, `["doc"]`, string(reply.ToolInvocations[0].Result))
	assert.Equal(t, "Found it", reply.Content)
}
