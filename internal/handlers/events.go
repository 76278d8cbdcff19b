package handlers

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/gluk-w/aicli/internal/sshtunnel"
)

// subscriberBuffer is how many events a slow websocket client may lag
// behind before events are dropped for it.
const subscriberBuffer = 64

const eventWriteTimeout = 5 * time.Second

// EventHub fans registry events out to websocket subscribers.
type EventHub struct {
	mu   sync.Mutex
	subs map[chan sshtunnel.Event]struct{}
}

func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[chan sshtunnel.Event]struct{})}
}

// Events is fed by main via Registry.OnEvent.
var Events = NewEventHub()

// Publish delivers e to every subscriber without blocking.
func (h *EventHub) Publish(e sshtunnel.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (h *EventHub) subscribe() (<-chan sshtunnel.Event, func()) {
	ch := make(chan sshtunnel.Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
}

// Len returns the number of connected subscribers.
func (h *EventHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// StreamEvents sends registry events as JSON messages until the client
// disconnects. ?name= limits the stream to one tunnel.
func StreamEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("[api] Failed to accept websocket: %v", err)
		return
	}
	defer conn.CloseNow()

	filter := r.URL.Query().Get("name")
	events, unsubscribe := Events.subscribe()
	defer unsubscribe()

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case e := <-events:
			if filter != "" && e.Name != filter {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(wctx, conn, e)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
