// Package events publishes what the reconciliation engine did.
//
// Events are notifications only: a failed publish is logged by the caller
// and never rolls back the period or history row it describes.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Type is the routing key of an event.
type Type string

const (
	PeriodMaterialized Type = "period.materialized"
	HistoryRecorded    Type = "history.recorded"
	PassCompleted      Type = "pass.completed"
)

// Event is the message body sent to subscribers.
type Event struct {
	Type       Type              `json:"type"`
	Scope      string            `json:"scope,omitempty"`
	PeriodID   string            `json:"period_id,omitempty"`
	RunID      string            `json:"run_id,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

func (e Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType filters Events by type.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
