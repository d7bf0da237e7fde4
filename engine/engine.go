package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hupe1980/chatmesh/core"
	"github.com/hupe1980/chatmesh/datastream"
	"github.com/hupe1980/chatmesh/event"
	"github.com/hupe1980/chatmesh/internal/throttle"
	"github.com/hupe1980/chatmesh/logging"
	"github.com/hupe1980/chatmesh/store"
	"github.com/hupe1980/chatmesh/transport"
)

// Options configures an Engine.
type Options struct {
	// Transport issues the backend calls. Defaults to an HTTP transport
	// with default client settings.
	Transport transport.Transport

	// Protocol selects the stream decoder. Defaults to the data protocol.
	Protocol datastream.Protocol

	// Headers are sent with every request.
	Headers map[string]string

	// Body entries are merged into every default payload.
	Body map[string]any

	// MaxSteps bounds the number of request cycles per exchange. Values
	// below 1 are treated as 1, which disables auto-continuation.
	MaxSteps int

	// KeepLastMessageOnError keeps the partially streamed message in the
	// session when a cycle fails. When false the history is restored to
	// its pre-request state. Defaults to true.
	KeepLastMessageOnError bool

	// SendExtraMessageFields sends full messages, including ids and
	// timestamps, instead of the trimmed wire shape.
	SendExtraMessageFields bool

	// ReuseTrailingAssistant continues a trailing assistant message in
	// place instead of appending a new one. Defaults to true.
	ReuseTrailingAssistant bool

	// GenerateID produces ids for assistant messages the backend does not
	// name. Defaults to core.NewID.
	GenerateID func() string

	// PrepareRequestBody replaces the default payload shape entirely.
	PrepareRequestBody func(input PrepareRequestBodyInput) (json.RawMessage, error)

	// OnResponse inspects the transport response before decoding starts.
	// A returned error aborts the cycle.
	OnResponse func(resp *transport.Response) error

	// OnFinish receives the assembled assistant message after each
	// successful cycle of an exchange.
	OnFinish func(msg core.Message, info FinishInfo)

	// OnError receives the error of a failed cycle, exactly once.
	OnError func(err error)

	// OnToolCall executes client-side tools. A non-nil result resolves
	// the invocation; an error fails the cycle.
	OnToolCall func(ctx context.Context, call ToolCall) (json.RawMessage, error)

	// ThrottleInterval spaces out state writes during streaming. Zero
	// writes through unthrottled.
	ThrottleInterval time.Duration

	// Bus receives session lifecycle events. Optional.
	Bus *event.Bus

	// Logger receives diagnostic output. Defaults to a no-op logger.
	Logger logging.Logger
}

// Engine drives request/response exchanges for a single session cell.
type Engine struct {
	endpoint string
	cell     *store.Cell

	transport              transport.Transport
	protocol               datastream.Protocol
	headers                map[string]string
	staticBody             map[string]any
	maxSteps               int
	keepLastMessageOnError bool
	sendExtraMessageFields bool
	reuseTrailingAssistant bool
	generateID             func() string

	prepareRequestBody func(input PrepareRequestBodyInput) (json.RawMessage, error)
	onResponse         func(resp *transport.Response) error
	onFinish           func(msg core.Message, info FinishInfo)
	onError            func(err error)
	onToolCall         func(ctx context.Context, call ToolCall) (json.RawMessage, error)

	throttle *throttle.Throttle
	bus      *event.Bus
	logger   logging.Logger

	mu      sync.Mutex
	pending *pendingHandle
}

// New creates an engine that runs exchanges against endpoint and writes all
// session state into cell.
func New(endpoint string, cell *store.Cell, optFns ...func(o *Options)) *Engine {
	opts := Options{
		Transport:              transport.NewHTTPTransport(),
		Protocol:               datastream.ProtocolData,
		MaxSteps:               1,
		KeepLastMessageOnError: true,
		ReuseTrailingAssistant: true,
		GenerateID:             core.NewID,
		Logger:                 logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.MaxSteps < 1 {
		opts.MaxSteps = 1
	}

	return &Engine{
		endpoint:               endpoint,
		cell:                   cell,
		transport:              opts.Transport,
		protocol:               opts.Protocol,
		headers:                opts.Headers,
		staticBody:             opts.Body,
		maxSteps:               opts.MaxSteps,
		keepLastMessageOnError: opts.KeepLastMessageOnError,
		sendExtraMessageFields: opts.SendExtraMessageFields,
		reuseTrailingAssistant: opts.ReuseTrailingAssistant,
		generateID:             opts.GenerateID,
		prepareRequestBody:     opts.PrepareRequestBody,
		onResponse:             opts.OnResponse,
		onFinish:               opts.OnFinish,
		onError:                opts.OnError,
		onToolCall:             opts.OnToolCall,
		throttle:               throttle.New(opts.ThrottleInterval),
		bus:                    opts.Bus,
		logger:                 opts.Logger,
	}
}

// Run executes one exchange starting from messages and blocks until it
// settles. It returns the id of the trailing assistant message on success.
// A stopped exchange returns empty without an error; a failed one returns
// the cycle error after it has been recorded in the session state.
//
// Per-call options apply to the first cycle only. Continuation cycles use
// the engine's static configuration.
func (e *Engine) Run(ctx context.Context, messages []core.Message, opts RequestOptions) (string, error) {
	current := messages
	cycles := 0

	var lastErr error

	canceled := false

	for {
		// Progress markers: session length before the cycle and the
		// highest invocation step of the outgoing trailing message.
		beforeCount := len(e.cell.Snapshot().Messages)

		beforeStep := 0
		if n := len(current); n > 0 {
			beforeStep = core.MaxToolInvocationStep(current[n-1].ToolInvocations)
		}

		cycles++

		wasCanceled, err := e.runCycle(ctx, core.NewCycleID(), current, opts)
		lastErr = err

		if wasCanceled {
			canceled = true

			break
		}

		after := e.cell.Snapshot()

		if cycles >= e.maxSteps || !e.shouldResubmit(after.Messages, beforeCount, beforeStep) {
			break
		}

		current = after.Messages
		opts = RequestOptions{}

		e.logger.Debug("exchange continues session_id=%s cycles=%d", e.cell.ID(), cycles)
	}

	e.logger.Debug("exchange finished session_id=%s cycles=%d success=%t", e.cell.ID(), cycles, lastErr == nil && !canceled)

	if canceled || lastErr != nil {
		return "", lastErr
	}

	if msg, ok := e.cell.Snapshot().LastMessage(); ok && msg.Role == core.RoleAssistant {
		return msg.ID, nil
	}

	return "", nil
}

// shouldResubmit reports whether the finished cycle left the session in a
// state that warrants an automatic follow-up request: the history advanced,
// the trailing assistant message has only resolved tool invocations in its
// current step, and the step bound permits another round.
func (e *Engine) shouldResubmit(after []core.Message, beforeCount, beforeStep int) bool {
	if e.maxSteps <= 1 || len(after) == 0 {
		return false
	}

	last := after[len(after)-1]
	step := core.MaxToolInvocationStep(last.ToolInvocations)

	progressed := len(after) > beforeCount || step != beforeStep

	return progressed && last.HasCompletedToolInvocations() && step < e.maxSteps
}

// pendingHandle identifies one in-flight cycle. Handles compare by pointer,
// so a finished cycle only ever clears itself.
type pendingHandle struct {
	cancel context.CancelFunc
}

func (e *Engine) installPending(h *pendingHandle) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pending = h
}

func (e *Engine) clearPending(h *pendingHandle) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending == h {
		e.pending = nil
	}
}

// Stop cancels the in-flight cycle, if any. The canceled exchange drains
// silently: partial output is kept and the session returns to ready. Stop
// is a no-op when nothing is in flight or when the cycle has been
// superseded by a newer Run.
func (e *Engine) Stop() {
	e.mu.Lock()
	h := e.pending
	e.pending = nil
	e.mu.Unlock()

	if h != nil {
		h.cancel()
	}
}

func (e *Engine) setStatus(status core.Status, cycleID string) {
	e.cell.Update(func(st store.State) store.State {
		st.Status = status

		if status == core.StatusSubmitted {
			st.Err = nil
		}

		return st
	})

	e.publishStatus(cycleID, status)
}

func (e *Engine) publishStatus(cycleID string, status core.Status) {
	if e.bus == nil {
		return
	}

	e.bus.Publish(event.Event{
		Type: event.TypeStatusChanged,
		Data: event.StatusChangedData{
			SessionID: e.cell.ID(),
			CycleID:   cycleID,
			Status:    status,
		},
	})
}

func (e *Engine) publishMessage(cycleID, messageID string) {
	if e.bus == nil {
		return
	}

	e.bus.Publish(event.Event{
		Type: event.TypeMessageUpdated,
		Data: event.MessageUpdatedData{
			SessionID: e.cell.ID(),
			CycleID:   cycleID,
			MessageID: messageID,
		},
	})
}

func (e *Engine) publishData(cycleID string, count int) {
	if e.bus == nil {
		return
	}

	e.bus.Publish(event.Event{
		Type: event.TypeDataAppended,
		Data: event.DataAppendedData{
			SessionID: e.cell.ID(),
			CycleID:   cycleID,
			Count:     count,
		},
	})
}

func (e *Engine) publishStep(cycleID string, ev datastream.FinishStepEvent) {
	if e.bus == nil {
		return
	}

	e.bus.Publish(event.Event{
		Type: event.TypeStepFinished,
		Data: event.StepFinishedData{
			SessionID:    e.cell.ID(),
			CycleID:      cycleID,
			FinishReason: ev.FinishReason,
			Usage:        ev.Usage,
			IsContinued:  ev.IsContinued,
		},
	})
}

func (e *Engine) publishFailure(cycleID string, err error) {
	if e.bus == nil {
		return
	}

	e.bus.Publish(event.Event{
		Type: event.TypeStreamFailed,
		Data: event.StreamFailedData{
			SessionID: e.cell.ID(),
			CycleID:   cycleID,
			Error:     err.Error(),
		},
	})
}
