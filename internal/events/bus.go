// Package events provides a publish/subscribe event bus for operational
// observability. Turn lifecycle, suggestion and job events flow to
// subscribers such as the WebSocket stream. The bus is nil-safe:
// calling Publish or Emit on a nil *Bus is a no-op.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the per-turn sequencer.
	SourceAgent = "agent"
	// SourceProactive identifies events from the suggestion engine.
	SourceProactive = "proactive"
	// SourceScheduler identifies events from periodic jobs.
	SourceScheduler = "scheduler"
	// SourceHealth identifies events from the dependency monitor.
	SourceHealth = "health"
)

// Kind constants describe the type of event within a source.
const (
	// KindTurnStart signals the beginning of a turn.
	// Data: request_id, session_id, user_id.
	KindTurnStart = "turn_start"
	// KindClassified signals the persona decision for a turn.
	// Data: request_id, mode, escalation.
	KindClassified = "classified"
	// KindPlanned signals a validated plan.
	// Data: request_id, goal, steps, clarification.
	KindPlanned = "planned"
	// KindStepDone signals completion of one plan step.
	// Data: request_id, step, tool, status, duration_ms.
	KindStepDone = "step_done"
	// KindTurnComplete signals a successful turn.
	// Data: request_id, type, confidence, elapsed_ms.
	KindTurnComplete = "turn_complete"
	// KindTurnFailed signals a turn that ended in the error response.
	// Data: request_id, state, error.
	KindTurnFailed = "turn_failed"

	// KindSuggestions signals a completed daily check.
	// Data: user_id, count, kinds.
	KindSuggestions = "suggestions"
	// KindSuggestionDismissed signals a user dismissing a suggestion.
	// Data: suggestion_id.
	KindSuggestionDismissed = "suggestion_dismissed"

	// KindJobFired signals a periodic job has begun executing.
	// Data: job.
	KindJobFired = "job_fired"
	// KindJobComplete signals a periodic job has finished.
	// Data: job, ok, duration_ms.
	KindJobComplete = "job_complete"

	// KindServiceUp signals a dependency became reachable.
	// Data: service.
	KindServiceUp = "service_up"
	// KindServiceDown signals a dependency became unreachable.
	// Data: service, error.
	KindServiceDown = "service_down"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel handed to subscribers
	// back to the channel stored in subs.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop the event.
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
