package event

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hupe1980/chatmesh/core"
)

func TestBus_SubscribeAndFilter(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var statuses, messages int
	unsubStatus := bus.Subscribe(TypeStatusChanged, func(e Event) {
		statuses++
	})
	defer unsubStatus()
	bus.Subscribe(TypeMessageUpdated, func(e Event) {
		messages++
	})

	bus.Publish(Event{Type: TypeStatusChanged, Data: StatusChangedData{SessionID: "s1", Status: core.StatusSubmitted}})
	bus.Publish(Event{Type: TypeStatusChanged, Data: StatusChangedData{SessionID: "s1", Status: core.StatusStreaming}})
	bus.Publish(Event{Type: TypeMessageUpdated, Data: MessageUpdatedData{SessionID: "s1", MessageID: "m1"}})

	if statuses != 2 {
		t.Errorf("Expected 2 status events, got %d", statuses)
	}
	if messages != 1 {
		t.Errorf("Expected 1 message event, got %d", messages)
	}
}

func TestBus_DeliveryIsOrdered(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var order []core.Status
	bus.SubscribeAll(func(e Event) {
		if d, ok := e.Data.(StatusChangedData); ok {
			order = append(order, d.Status)
		}
	})

	for _, st := range []core.Status{core.StatusSubmitted, core.StatusStreaming, core.StatusReady} {
		bus.Publish(Event{Type: TypeStatusChanged, Data: StatusChangedData{SessionID: "s1", Status: st}})
	}

	want := []core.Status{core.StatusSubmitted, core.StatusStreaming, core.StatusReady}
	if len(order) != len(want) {
		t.Fatalf("Expected %d events, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("Delivery out of order: %v", order)
		}
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var count int
	unsub := bus.Subscribe(TypeStreamFailed, func(e Event) { count++ })

	bus.Publish(Event{Type: TypeStreamFailed, Data: StreamFailedData{SessionID: "s1", Error: "boom"}})
	unsub()
	bus.Publish(Event{Type: TypeStreamFailed, Data: StreamFailedData{SessionID: "s1", Error: "boom"}})

	if count != 1 {
		t.Errorf("Expected 1 event after unsubscribe, got %d", count)
	}
}

func TestBus_WatchReceivesJSONMirror(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := bus.Watch(ctx, TypeStepFinished)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	bus.Publish(Event{Type: TypeStepFinished, Data: StepFinishedData{
		SessionID:    "s1",
		FinishReason: "stop",
	}})

	select {
	case msg := <-msgs:
		var ev struct {
			Type Type             `json:"type"`
			Data StepFinishedData `json:"data"`
		}
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if ev.Type != TypeStepFinished || ev.Data.SessionID != "s1" {
			t.Errorf("Unexpected mirrored event: %+v", ev)
		}
		msg.Ack()
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for mirrored event")
	}
}

func TestBus_ClosedBusDropsEverything(t *testing.T) {
	bus := NewBus()

	var count int
	bus.Subscribe(TypeStatusChanged, func(e Event) { count++ })

	if err := bus.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	bus.Publish(Event{Type: TypeStatusChanged, Data: nil})
	if count != 0 {
		t.Errorf("Expected no deliveries after Close, got %d", count)
	}

	unsub := bus.Subscribe(TypeStatusChanged, func(e Event) { count++ })
	unsub()
	bus.Publish(Event{Type: TypeStatusChanged, Data: nil})
	if count != 0 {
		t.Errorf("Expected no deliveries for post-Close subscription, got %d", count)
	}
}
