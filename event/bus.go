// Package event publishes session lifecycle events so UIs and tooling can
// observe an exchange without polling the state cell.
//
// Delivery is hybrid: typed subscribers registered with Subscribe receive
// events synchronously in publish order, while every event is also
// republished as JSON onto a watermill gochannel topic (one topic per event
// type) for consumers that want channel semantics or a migration path to a
// distributed pub/sub.
package event

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/hupe1980/chatmesh/core"
	"github.com/hupe1980/chatmesh/datastream"
)

// Type discriminates lifecycle events.
type Type string

const (
	// TypeStatusChanged fires on every session status transition.
	TypeStatusChanged Type = "session.status"
	// TypeMessageUpdated fires when a streamed merge changes a message.
	TypeMessageUpdated Type = "session.message"
	// TypeDataAppended fires when side-channel data items arrive.
	TypeDataAppended Type = "session.data"
	// TypeStepFinished fires at each step boundary inside an exchange.
	TypeStepFinished Type = "session.step"
	// TypeStreamFailed fires when an exchange ends in an error.
	TypeStreamFailed Type = "session.failure"
)

// Event is one lifecycle notification.
type Event struct {
	Type Type `json:"type"`
	Data any  `json:"data"`
}

// StatusChangedData reports a status transition.
type StatusChangedData struct {
	SessionID string      `json:"sessionId"`
	CycleID   string      `json:"cycleId,omitempty"`
	Status    core.Status `json:"status"`
}

// MessageUpdatedData reports that the message with MessageID changed.
type MessageUpdatedData struct {
	SessionID string `json:"sessionId"`
	CycleID   string `json:"cycleId,omitempty"`
	MessageID string `json:"messageId"`
}

// DataAppendedData reports Count new side-channel items.
type DataAppendedData struct {
	SessionID string `json:"sessionId"`
	CycleID   string `json:"cycleId,omitempty"`
	Count     int    `json:"count"`
}

// StepFinishedData reports the completion of one model call.
type StepFinishedData struct {
	SessionID    string                  `json:"sessionId"`
	CycleID      string                  `json:"cycleId,omitempty"`
	FinishReason datastream.FinishReason `json:"finishReason"`
	Usage        datastream.Usage        `json:"usage"`
	IsContinued  bool                    `json:"isContinued"`
}

// StreamFailedData reports a failed exchange.
type StreamFailedData struct {
	SessionID string `json:"sessionId"`
	CycleID   string `json:"cycleId,omitempty"`
	Error     string `json:"error"`
}

// Subscriber receives published events.
type Subscriber func(Event)

type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus fans lifecycle events out to typed subscribers and mirrors them onto
// watermill topics. The zero value is not usable; construct with NewBus.
type Bus struct {
	mu sync.RWMutex

	pubsub *gochannel.GoChannel

	subscribers map[Type][]subscriberEntry
	global      []subscriberEntry

	nextID uint64
	closed bool
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: 100,
				Persistent:          false,
			},
			watermill.NopLogger{},
		),
		subscribers: make(map[Type][]subscriberEntry),
	}
}

// Subscribe registers fn for one event type and returns its unsubscribe
// function. Subscribers run synchronously in publish order and must return
// quickly.
func (b *Bus) Subscribe(t Type, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	b.subscribers[t] = append(b.subscribers[t], subscriberEntry{id: id, fn: fn})

	return func() { b.unsubscribe(t, id) }
}

// SubscribeAll registers fn for every event type.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	b.global = append(b.global, subscriberEntry{id: id, fn: fn})

	return func() { b.unsubscribeGlobal(id) }
}

// Publish delivers ev to all matching subscribers in the caller's goroutine,
// then mirrors it onto the watermill topic named after the event type.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]Subscriber, 0, len(b.subscribers[ev.Type])+len(b.global))
	for _, entry := range b.subscribers[ev.Type] {
		subs = append(subs, entry.fn)
	}
	for _, entry := range b.global {
		subs = append(subs, entry.fn)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub(ev)
	}

	if payload, err := json.Marshal(ev); err == nil {
		msg := message.NewMessage(watermill.NewUUID(), payload)
		_ = b.pubsub.Publish(string(ev.Type), msg)
	}
}

// Watch subscribes to the watermill topic for one event type. Messages carry
// the JSON-encoded Event; the channel closes when ctx is done or the bus is
// closed.
func (b *Bus) Watch(ctx context.Context, t Type) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, string(t))
}

// Close shuts the bus down; further publishes and subscriptions are no-ops.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subscribers = make(map[Type][]subscriberEntry)
	b.global = nil
	b.mu.Unlock()

	return b.pubsub.Close()
}

func (b *Bus) newID() uint64 {
	return atomic.AddUint64(&b.nextID, 1)
}

func (b *Bus) unsubscribe(t Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[t]
	for i, entry := range subs {
		if entry.id == id {
			b.subscribers[t] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

func (b *Bus) unsubscribeGlobal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, entry := range b.global {
		if entry.id == id {
			b.global = append(b.global[:i], b.global[i+1:]...)
			break
		}
	}
}
