package sshtunnel

import (
	"sort"
	"sync"
	"time"
)

// eventBufferSize is the maximum number of events kept per tunnel name.
const eventBufferSize = 100

// EventType identifies a registry lifecycle event.
type EventType string

const (
	EventCreated     EventType = "created"
	EventReused      EventType = "reused"
	EventEvicted     EventType = "evicted"
	EventClosed      EventType = "closed"
	EventStartFailed EventType = "start_failed"
)

// Event records one registry action on a named tunnel.
type Event struct {
	Name      string    `json:"name"`
	TunnelID  string    `json:"tunnel_id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details,omitempty"`
}

// EventListener is called synchronously for every event. Slow listeners
// block the registry operation that emitted the event.
type EventListener func(Event)

type eventBuffer struct {
	events [eventBufferSize]Event
	head   int
	count  int
}

func (b *eventBuffer) record(e Event) {
	b.events[b.head] = e
	b.head = (b.head + 1) % eventBufferSize
	if b.count < eventBufferSize {
		b.count++
	}
}

func (b *eventBuffer) history() []Event {
	if b.count == 0 {
		return nil
	}
	result := make([]Event, b.count)
	if b.count < eventBufferSize {
		copy(result, b.events[:b.count])
	} else {
		n := copy(result, b.events[b.head:])
		copy(result[n:], b.events[:b.head])
	}
	return result
}

type eventLog struct {
	mu      sync.RWMutex
	buffers map[string]*eventBuffer

	listenerMu sync.RWMutex
	listeners  []EventListener
}

func newEventLog() *eventLog {
	return &eventLog{buffers: make(map[string]*eventBuffer)}
}

func (el *eventLog) emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	el.mu.Lock()
	buf, ok := el.buffers[e.Name]
	if !ok {
		buf = &eventBuffer{}
		el.buffers[e.Name] = buf
	}
	buf.record(e)
	el.mu.Unlock()

	el.listenerMu.RLock()
	ls := make([]EventListener, len(el.listeners))
	copy(ls, el.listeners)
	el.listenerMu.RUnlock()

	for _, l := range ls {
		l(e)
	}
}

func (el *eventLog) subscribe(l EventListener) {
	el.listenerMu.Lock()
	defer el.listenerMu.Unlock()
	el.listeners = append(el.listeners, l)
}

func (el *eventLog) events(name string) []Event {
	el.mu.RLock()
	defer el.mu.RUnlock()
	buf, ok := el.buffers[name]
	if !ok {
		return nil
	}
	return buf.history()
}

// all returns every recorded event across names, oldest first.
func (el *eventLog) all() []Event {
	el.mu.RLock()
	var result []Event
	for _, buf := range el.buffers {
		result = append(result, buf.history()...)
	}
	el.mu.RUnlock()

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result
}
