// Package eventbus carries the observable state changes of things to the
// surrounding application. A Sink receives events; the Bus implementations
// fan them out to watchers in memory or through Redis streams, and NATS and
// Kafka sinks forward them to a broker.
package eventbus

import (
	"context"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"
)

// Kind identifies what changed.
type Kind string

const (
	KindPropertyUpdated Kind = "property-updated"
	KindOperationFailed Kind = "operation-failed"
	KindEventOccurred   Kind = "event-occurred"
	KindConnected       Kind = "connected"
	KindThingRemoved    Kind = "thing-removed"
)

// Event is a single notification about a thing.
type Event struct {
	ID      string    `json:"id"`
	Thing   string    `json:"thing"`
	Kind    Kind      `json:"kind"`
	Payload any       `json:"payload,omitempty"`
	Time    time.Time `json:"time"`
}

// NewEvent stamps a new event with an id and the current time.
func NewEvent(thing string, kind Kind, payload any) Event {
	id, err := uuid.GenerateUUID()
	if err != nil {
		id = ""
	}
	return Event{ID: id, Thing: thing, Kind: kind, Payload: payload, Time: time.Now()}
}

// OperationFailure is the payload of KindOperationFailed events.
type OperationFailure struct {
	Property string `json:"property,omitempty"`
	Step     string `json:"step,omitempty"`
	Error    string `json:"error"`
}

// Sink receives events. Emit is fire-and-forget and must not block for long.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event)

// Emit implements Sink.
func (f SinkFunc) Emit(ctx context.Context, ev Event) { f(ctx, ev) }

// Nop discards every event.
var Nop Sink = SinkFunc(func(context.Context, Event) {})

// Multi fans events out to every sink in order.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, ev Event) {
		for _, s := range sinks {
			if s != nil {
				s.Emit(ctx, ev)
			}
		}
	})
}

// Recorder keeps every emitted event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Sink.
func (r *Recorder) Emit(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfKind returns the recorded events of the given kind.
func (r *Recorder) OfKind(kind Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}
