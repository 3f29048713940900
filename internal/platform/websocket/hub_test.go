package websocket

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/scanhub/scanhub/internal/platform/notify"
)

func newClient(audiences ...string) *Client {
	return &Client{
		ID:        "test-client",
		Audiences: audiences,
		Send:      make(chan []byte, 16),
	}
}

func mustEvent(t *testing.T, eventType, audience, scanID string) notify.Event {
	t.Helper()
	event, err := notify.NewEvent(eventType, audience, scanID, map[string]string{"scan_id": scanID})
	if err != nil {
		t.Fatal(err)
	}
	return event
}

func TestPublishDeliversToAudience(t *testing.T) {
	hub := NewHub()
	client := newClient("patient:p1")
	hub.Register(client)

	event := mustEvent(t, notify.EventAnalysisComplete, "patient:p1", "S1")
	if err := hub.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case raw := <-client.Send:
		var got notify.Event
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatal(err)
		}
		if got.Type != notify.EventAnalysisComplete || got.ScanID != "S1" {
			t.Errorf("delivered event = %+v", got)
		}
	default:
		t.Fatal("no message delivered")
	}
}

func TestPublishSkipsOtherAudiences(t *testing.T) {
	hub := NewHub()
	p1 := newClient("patient:p1")
	p2 := &Client{ID: "c2", Audiences: []string{"patient:p2"}, Send: make(chan []byte, 16)}
	hub.Register(p1)
	hub.Register(p2)

	event := mustEvent(t, notify.EventAnalysisComplete, "patient:p1", "S1")
	if err := hub.Publish(context.Background(), event); err != nil {
		t.Fatal(err)
	}

	if len(p1.Send) != 1 {
		t.Errorf("p1 messages = %d, want 1", len(p1.Send))
	}
	if len(p2.Send) != 0 {
		t.Errorf("p2 messages = %d, want 0", len(p2.Send))
	}
}

func TestPublishZeroSubscribersIsNotAnError(t *testing.T) {
	hub := NewHub()
	event := mustEvent(t, notify.EventScanUploaded, "doctors", "S1")
	if err := hub.Publish(context.Background(), event); err != nil {
		t.Errorf("Publish with no subscribers: %v", err)
	}
}

func TestPublishPreservesOrder(t *testing.T) {
	hub := NewHub()
	client := newClient("patient:p1")
	hub.Register(client)

	sequence := []string{notify.EventScanUploaded, notify.EventAnalysisComplete, notify.EventAnalysisReviewed}
	for _, eventType := range sequence {
		if err := hub.Publish(context.Background(), mustEvent(t, eventType, "patient:p1", "S1")); err != nil {
			t.Fatal(err)
		}
	}

	for i, want := range sequence {
		var got notify.Event
		if err := json.Unmarshal(<-client.Send, &got); err != nil {
			t.Fatal(err)
		}
		if got.Type != want {
			t.Errorf("message %d type = %s, want %s", i, got.Type, want)
		}
	}
}

func TestPublishFullBufferDoesNotBlock(t *testing.T) {
	hub := NewHub()
	client := &Client{ID: "slow", Audiences: []string{"doctors"}, Send: make(chan []byte, 1)}
	hub.Register(client)

	for i := 0; i < 3; i++ {
		if err := hub.Publish(context.Background(), mustEvent(t, notify.EventScanUploaded, "doctors", "S1")); err != nil {
			t.Fatal(err)
		}
	}
	if len(client.Send) != 1 {
		t.Errorf("buffered = %d, want 1 (overflow dropped)", len(client.Send))
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	hub := NewHub()
	client := newClient()
	hub.Register(client)

	hub.ProcessMessage(client, ClientMessage{Action: "subscribe", Audiences: []string{"doctors", "doctor:d1"}})
	if hub.AudienceCount("doctors") != 1 || hub.AudienceCount("doctor:d1") != 1 {
		t.Error("subscribe did not register audiences")
	}

	hub.ProcessMessage(client, ClientMessage{Action: "unsubscribe", Audiences: []string{"doctors"}})
	if hub.AudienceCount("doctors") != 0 {
		t.Error("unsubscribe left stale subscription")
	}
	if hub.AudienceCount("doctor:d1") != 1 {
		t.Error("unsubscribe removed unrelated audience")
	}
}

func TestUnregisterClosesSend(t *testing.T) {
	hub := NewHub()
	client := newClient("doctors")
	hub.Register(client)
	if hub.ClientCount() != 1 {
		t.Fatalf("clients = %d, want 1", hub.ClientCount())
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 {
		t.Errorf("clients = %d, want 0", hub.ClientCount())
	}
	if _, open := <-client.Send; open {
		t.Error("Send channel not closed")
	}

	// Double unregister is a no-op.
	hub.Unregister(client)
}
