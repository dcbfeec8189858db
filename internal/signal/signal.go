// Package signal carries the events the engine emits for downstream
// consumers: exit signals, rebalance actions, halts and resets.
package signal

import (
	"sync"
	"time"
)

// Event types.
const (
	TypeExit       = "exit_signal"
	TypeRebalance  = "rebalance_action"
	TypeHalt       = "tenant_halted"
	TypeReset      = "tenant_reset"
	TypeTransition = "position_transition"
)

// Event is one emission on the signal stream.
type Event struct {
	Type   string    `json:"type"`
	Tenant string    `json:"tenant"`
	Market string    `json:"market,omitempty"`
	Data   any       `json:"data,omitempty"`
	At     time.Time `json:"at"`
}

// Sink receives events. Publish must not block the caller.
type Sink interface {
	Publish(Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}

// Recorder keeps every event in memory. Used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
