package sshtunnel

import (
	"time"
)

// State is the lifecycle state of a Tunnel.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateReady
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// allowedTransitions lists the legal next states. Stopped and Failed may
// start again; everything else moves forward only.
var allowedTransitions = map[State][]State{
	StateIdle:     {StateStarting},
	StateStarting: {StateReady, StateFailed},
	StateReady:    {StateStopping},
	StateStopping: {StateStopped},
	StateStopped:  {StateStarting},
	StateFailed:   {StateStarting},
}

func canTransition(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transitionBufferSize is the number of transitions kept per tunnel.
const transitionBufferSize = 50

// StateTransition records a single state change for debugging.
type StateTransition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

type transitionLog struct {
	entries [transitionBufferSize]StateTransition
	head    int // next write position
	count   int
}

func (l *transitionLog) record(from, to State, reason string) {
	l.entries[l.head] = StateTransition{
		From:      from,
		To:        to,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	l.head = (l.head + 1) % transitionBufferSize
	if l.count < transitionBufferSize {
		l.count++
	}
}

// history returns the transitions oldest first.
func (l *transitionLog) history() []StateTransition {
	if l.count == 0 {
		return nil
	}
	result := make([]StateTransition, l.count)
	if l.count < transitionBufferSize {
		copy(result, l.entries[:l.count])
	} else {
		n := copy(result, l.entries[l.head:])
		copy(result[n:], l.entries[:l.head])
	}
	return result
}
