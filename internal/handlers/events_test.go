package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/gluk-w/aicli/internal/sshtunnel"
)

func TestEventHub_PublishDoesNotBlock(t *testing.T) {
	h := NewEventHub()
	ch, unsubscribe := h.subscribe()
	defer unsubscribe()

	for i := 0; i < subscriberBuffer+10; i++ {
		h.Publish(sshtunnel.Event{Name: "x", Type: sshtunnel.EventReused})
	}
	if got := len(ch); got != subscriberBuffer {
		t.Errorf("buffered = %d, want %d", got, subscriberBuffer)
	}

	unsubscribe()
	if h.Len() != 0 {
		t.Errorf("Len() = %d after unsubscribe", h.Len())
	}
}

func TestStreamEvents(t *testing.T) {
	orig := Events
	Events = NewEventHub()
	defer func() { Events = orig }()

	srv := httptest.NewServer(http.HandlerFunc(StreamEvents))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?name=ollama"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	deadline := time.Now().Add(2 * time.Second)
	for Events.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if Events.Len() != 1 {
		t.Fatalf("subscriber not registered")
	}

	Events.Publish(sshtunnel.Event{Name: "claude", Type: sshtunnel.EventCreated})
	Events.Publish(sshtunnel.Event{Name: "ollama", TunnelID: "t1", Type: sshtunnel.EventCreated})

	var got sshtunnel.Event
	if err := wsjson.Read(ctx, conn, &got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Name != "ollama" || got.TunnelID != "t1" || got.Type != sshtunnel.EventCreated {
		t.Errorf("event = %+v, want the ollama created event", got)
	}

	conn.Close(websocket.StatusNormalClosure, "")
	deadline = time.Now().Add(2 * time.Second)
	for Events.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if Events.Len() != 0 {
		t.Error("subscriber not removed after disconnect")
	}
}
