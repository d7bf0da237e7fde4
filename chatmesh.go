// Package chatmesh implements a client-side session engine for streaming
// chat backends.
//
// A Chat binds a session state cell, a request engine and an event bus
// behind one facade:
//
//  1. Create a Chat with New, pointing it at the backend endpoint.
//  2. Append user messages, or Submit the shared draft input, to run
//     exchanges; the reply streams into the session state as it arrives.
//  3. Subscribe to state changes, or watch the event bus, to render
//     progress.
//  4. Resolve client-side tool calls with OnToolCall or AddToolResult.
//  5. Close the chat to release its hold on the session.
//
// Sessions are keyed: two chats created with the same id share one state
// cell, so every observer sees the same history, status, data and input.
package chatmesh

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/chatmesh/core"
	"github.com/hupe1980/chatmesh/datastream"
	"github.com/hupe1980/chatmesh/engine"
	"github.com/hupe1980/chatmesh/event"
	"github.com/hupe1980/chatmesh/logging"
	"github.com/hupe1980/chatmesh/store"
	"github.com/hupe1980/chatmesh/transport"
)

// Aliases for the engine types that surface in the facade API, so callers
// only deal with this package.
type (
	// RequestOptions carries per-call request additions.
	RequestOptions = engine.RequestOptions

	// ToolCall is a tool call handed to the OnToolCall callback.
	ToolCall = engine.ToolCall

	// FinishInfo summarizes a finished exchange.
	FinishInfo = engine.FinishInfo

	// PrepareRequestBodyInput is the input of the PrepareRequestBody hook.
	PrepareRequestBodyInput = engine.PrepareRequestBodyInput
)

// Options configures a Chat.
type Options struct {
	// ID identifies the session. Chats sharing an id share session state.
	// Generated when empty.
	ID string

	// InitialMessages seeds the history when this chat creates the
	// session. Ignored when attaching to an existing one.
	InitialMessages []core.Message

	// InitialInput seeds the shared draft input when this chat creates
	// the session.
	InitialInput string

	// Registry resolves session ids to shared state cells. Defaults to
	// store.DefaultRegistry.
	Registry *store.Registry

	// Bus receives session lifecycle events. When nil the chat creates
	// and owns one, and Close shuts it down.
	Bus *event.Bus

	// Transport issues the backend calls. Defaults to an HTTP transport.
	Transport transport.Transport

	// Protocol selects the stream decoder. Defaults to the data protocol.
	Protocol datastream.Protocol

	// Headers are sent with every request.
	Headers map[string]string

	// Body entries are merged into every default payload.
	Body map[string]any

	// MaxSteps bounds the request cycles per exchange. Defaults to 1,
	// which disables tool-call auto-continuation.
	MaxSteps int

	// KeepLastMessageOnError keeps partially streamed output in the
	// session when an exchange fails. Defaults to true.
	KeepLastMessageOnError bool

	// SendExtraMessageFields sends full messages, including ids and
	// timestamps, instead of the trimmed wire shape.
	SendExtraMessageFields bool

	// ReuseTrailingAssistant continues a trailing assistant message in
	// place instead of appending a new one. Defaults to true.
	ReuseTrailingAssistant bool

	// GenerateID produces message ids. Defaults to core.NewID.
	GenerateID func() string

	// ThrottleInterval spaces out state writes during streaming. Zero
	// writes through unthrottled.
	ThrottleInterval time.Duration

	// PrepareRequestBody replaces the default payload shape entirely.
	PrepareRequestBody func(input PrepareRequestBodyInput) (json.RawMessage, error)

	// OnResponse inspects the transport response before decoding starts.
	// A returned error aborts the exchange.
	OnResponse func(resp *transport.Response) error

	// OnFinish receives the assembled assistant message after each
	// successful exchange cycle.
	OnFinish func(msg core.Message, info FinishInfo)

	// OnError receives the error of a failed exchange.
	OnError func(err error)

	// OnToolCall executes client-side tools announced by the backend. A
	// non-nil result resolves the invocation; an error fails the
	// exchange.
	OnToolCall func(ctx context.Context, call ToolCall) (json.RawMessage, error)

	// Logger receives diagnostic output. Defaults to a no-op logger.
	Logger logging.Logger
}

// Chat is a conversational session facade. All methods are safe for
// concurrent use; blocking operations take a context.
type Chat struct {
	id         string
	cell       *store.Cell
	engine     *engine.Engine
	bus        *event.Bus
	ownsBus    bool
	registry   *store.Registry
	generateID func() string

	closeOnce sync.Once
}

// New creates a chat session against the given endpoint.
func New(endpoint string, optFns ...func(o *Options)) *Chat {
	opts := Options{
		Registry:               store.DefaultRegistry,
		MaxSteps:               1,
		KeepLastMessageOnError: true,
		ReuseTrailingAssistant: true,
		GenerateID:             core.NewID,
		Logger:                 logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Registry == nil {
		opts.Registry = store.DefaultRegistry
	}

	if opts.GenerateID == nil {
		opts.GenerateID = core.NewID
	}

	id := opts.ID
	if id == "" {
		id = core.NewChatID()
	}

	cell, created := opts.Registry.Acquire(id)

	// Seeding applies only to the chat that created the session; joining
	// an existing session must not clobber shared state.
	if created && (len(opts.InitialMessages) > 0 || opts.InitialInput != "") {
		initial := core.FillMessageParts(core.CloneMessages(opts.InitialMessages))

		cell.Update(func(st store.State) store.State {
			st.Messages = initial
			st.Input = opts.InitialInput

			return st
		})
	}

	bus := opts.Bus
	ownsBus := false

	if bus == nil {
		bus = event.NewBus()
		ownsBus = true
	}

	eng := engine.New(endpoint, cell, func(o *engine.Options) {
		if opts.Transport != nil {
			o.Transport = opts.Transport
		}

		if opts.Protocol != "" {
			o.Protocol = opts.Protocol
		}

		if opts.Logger != nil {
			o.Logger = opts.Logger
		}

		o.Headers = opts.Headers
		o.Body = opts.Body
		o.MaxSteps = opts.MaxSteps
		o.KeepLastMessageOnError = opts.KeepLastMessageOnError
		o.SendExtraMessageFields = opts.SendExtraMessageFields
		o.ReuseTrailingAssistant = opts.ReuseTrailingAssistant
		o.GenerateID = opts.GenerateID
		o.ThrottleInterval = opts.ThrottleInterval
		o.PrepareRequestBody = opts.PrepareRequestBody
		o.OnResponse = opts.OnResponse
		o.OnFinish = opts.OnFinish
		o.OnError = opts.OnError
		o.OnToolCall = opts.OnToolCall
		o.Bus = bus
	})

	return &Chat{
		id:         id,
		cell:       cell,
		engine:     eng,
		bus:        bus,
		ownsBus:    ownsBus,
		registry:   opts.Registry,
		generateID: opts.GenerateID,
	}
}

// ID returns the session id.
func (c *Chat) ID() string {
	return c.id
}

// Messages returns a snapshot of the session history.
func (c *Chat) Messages() []core.Message {
	return c.cell.Snapshot().Messages
}

// Status returns the current session status.
func (c *Chat) Status() core.Status {
	return c.cell.Snapshot().Status
}

// Err returns the error recorded by the most recent failed exchange, if the
// session is in the error status.
func (c *Chat) Err() error {
	return c.cell.Snapshot().Err
}

// Data returns the stream data collected for the session.
func (c *Chat) Data() []json.RawMessage {
	return c.cell.Snapshot().Data
}

// Input returns the shared draft input.
func (c *Chat) Input() string {
	return c.cell.Snapshot().Input
}

// Bus returns the session's lifecycle event bus. Bus handlers run
// synchronously on the publishing goroutine and must not call back into
// blocking chat operations.
func (c *Chat) Bus() *event.Bus {
	return c.bus
}

// Subscribe registers fn for every state change and returns its
// unsubscribe function. Notifications are synchronous; fn must not write
// back into the session.
func (c *Chat) Subscribe(fn func(st store.State)) func() {
	return c.cell.Subscribe(fn)
}

// Append adds a message to the history and runs one exchange. It blocks
// until the exchange settles and returns the id of the assistant reply.
//
// Messages without an id or timestamp get them assigned, binary
// attachments are inlined into data URLs, and legacy fields are expanded
// into parts.
func (c *Chat) Append(ctx context.Context, msg core.Message, optFns ...func(o *RequestOptions)) (string, error) {
	opts := RequestOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	messages := append(c.cell.Snapshot().Messages, c.prepareMessage(msg))

	return c.engine.Run(ctx, messages, opts)
}

// Reload re-runs the backend for the current history. A trailing assistant
// message is regenerated; any other trailing message gets a fresh reply
// appended. An empty session is a no-op.
func (c *Chat) Reload(ctx context.Context, optFns ...func(o *RequestOptions)) (string, error) {
	opts := RequestOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	messages := c.cell.Snapshot().Messages
	if len(messages) == 0 {
		return "", nil
	}

	if messages[len(messages)-1].Role == core.RoleAssistant {
		messages = messages[:len(messages)-1]
	}

	return c.engine.Run(ctx, messages, opts)
}

// Stop cancels the in-flight exchange, if any. Partial output is kept and
// the session returns to ready.
func (c *Chat) Stop() {
	c.engine.Stop()
}

// SetMessages replaces the session history. Legacy fields are expanded
// into parts.
func (c *Chat) SetMessages(messages []core.Message) {
	filled := core.FillMessageParts(core.CloneMessages(messages))

	c.cell.Update(func(st store.State) store.State {
		st.Messages = filled

		return st
	})
}

// UpdateMessages applies fn to the current history and installs the
// result as one atomic write.
func (c *Chat) UpdateMessages(fn func(messages []core.Message) []core.Message) {
	c.cell.Update(func(st store.State) store.State {
		st.Messages = core.FillMessageParts(fn(st.Messages))

		return st
	})
}

// SetData replaces the session's stream data. Nil clears it.
func (c *Chat) SetData(data []json.RawMessage) {
	var cloned []json.RawMessage
	if data != nil {
		cloned = make([]json.RawMessage, len(data))
		copy(cloned, data)
	}

	c.cell.Update(func(st store.State) store.State {
		st.Data = cloned

		return st
	})
}

// SetInput replaces the shared draft input.
func (c *Chat) SetInput(input string) {
	c.cell.Update(func(st store.State) store.State {
		st.Input = input

		return st
	})
}

// SubmitOptions configures a Submit call.
type SubmitOptions struct {
	// AllowEmptySubmit resubmits the existing history when the input is
	// empty, instead of doing nothing.
	AllowEmptySubmit bool

	// Attachments are carried by the submitted user message.
	Attachments []core.Attachment

	// Headers, Body and Data are the per-call request options.
	Headers map[string]string
	Body    map[string]any
	Data    json.RawMessage
}

// Submit turns the shared input into a user message, clears the input and
// runs one exchange. An empty input without attachments is a no-op unless
// AllowEmptySubmit is set, which resubmits the history unchanged.
func (c *Chat) Submit(ctx context.Context, optFns ...func(o *SubmitOptions)) (string, error) {
	opts := SubmitOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	withRequestOptions := func(o *RequestOptions) {
		o.Headers = opts.Headers
		o.Body = opts.Body
		o.Data = opts.Data
	}

	input := c.cell.Snapshot().Input

	if input == "" && len(opts.Attachments) == 0 {
		if !opts.AllowEmptySubmit {
			return "", nil
		}

		reqOpts := RequestOptions{}
		withRequestOptions(&reqOpts)

		return c.engine.Run(ctx, c.cell.Snapshot().Messages, reqOpts)
	}

	c.SetInput("")

	return c.Append(ctx, core.Message{
		Role:        core.RoleUser,
		Content:     input,
		Attachments: opts.Attachments,
	}, withRequestOptions)
}

// AddToolResult resolves a pending tool invocation on the trailing
// assistant message. While an exchange is in flight the result is recorded
// and the stream continues. At rest, resolving the last open invocation
// triggers exactly one follow-up exchange with the otherwise unchanged
// history; with invocations still open, no request is made.
func (c *Chat) AddToolResult(ctx context.Context, toolCallID string, result json.RawMessage) error {
	found := false

	snap := c.cell.Update(func(st store.State) store.State {
		if n := len(st.Messages); n > 0 {
			found = st.Messages[n-1].ResolveToolInvocation(toolCallID, result)
		}

		return st
	})

	if !found {
		return fmt.Errorf("chatmesh: no tool invocation %q on the last message", toolCallID)
	}

	if snap.Status.InFlight() {
		return nil
	}

	last, ok := snap.LastMessage()
	if !ok || !last.HasCompletedToolInvocations() {
		return nil
	}

	_, err := c.engine.Run(ctx, snap.Messages, RequestOptions{})

	return err
}

// Close releases the chat's hold on the session and shuts down the bus if
// the chat owns it. The session state survives in the registry until its
// last holder releases it.
func (c *Chat) Close() error {
	var err error

	c.closeOnce.Do(func() {
		if c.ownsBus {
			err = c.bus.Close()
		}

		c.registry.Release(c.id)
	})

	return err
}

func (c *Chat) prepareMessage(msg core.Message) core.Message {
	if msg.ID == "" {
		msg.ID = c.generateID()
	}

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	if len(msg.Attachments) > 0 {
		attachments := make([]core.Attachment, len(msg.Attachments))
		for i, att := range msg.Attachments {
			attachments[i] = att.Inline()
		}

		msg.Attachments = attachments
	}

	return msg.FillParts()
}
