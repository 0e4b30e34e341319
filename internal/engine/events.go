package engine

import (
	"sync"
	"time"
)

// EventType identifies one class of observability event.
type EventType string

const (
	EventCircuitStateChanged EventType = "circuit.state_changed"
	EventCircuitCallSuccess  EventType = "circuit.call_succeeded"
	EventCircuitCallFailure  EventType = "circuit.call_failed"
	EventConflictInitiated   EventType = "conflict.initiated"
	EventConflictResolved    EventType = "conflict.resolved"
	EventContextUpdated      EventType = "context.updated"
	EventContextConflict     EventType = "context.conflict_detected"
	EventContextRolledBack   EventType = "context.rolled_back"
	EventWorkflowPhase       EventType = "workflow.phase_started"
	EventWorkflowCompleted   EventType = "workflow.completed"
	EventWorkflowFailed      EventType = "workflow.failed"
	EventHealthDegraded      EventType = "health.degraded"
)

// Event is a fire-and-forget observability notification. Events are not part
// of any request/response contract and consumers must tolerate loss.
type Event struct {
	Type      EventType      `json:"type"`
	Component string         `json:"component"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventBus is an in-process publish/subscribe channel for observability
// events. Publish never blocks: when a subscriber's buffer is full the event
// is dropped for that subscriber and counted, so emission is never a
// correctness precondition for the state mutation it reports.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	all         []chan Event
	bufferSize  int
	dropped     int64
	closed      bool
}

// NewEventBus creates an event bus with the given per-subscriber buffer size.
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &EventBus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe returns a channel receiving events of the given types. With no
// types, the channel receives every event.
func (eb *EventBus) Subscribe(types ...EventType) <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan Event, eb.bufferSize)
	if eb.closed {
		close(ch)
		return ch
	}
	if len(types) == 0 {
		eb.all = append(eb.all, ch)
		return ch
	}
	for _, t := range types {
		eb.subscribers[t] = append(eb.subscribers[t], ch)
	}
	return ch
}

// Publish delivers an event to all matching subscribers without blocking.
func (eb *EventBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}
	for _, ch := range eb.subscribers[event.Type] {
		eb.send(ch, event)
	}
	for _, ch := range eb.all {
		eb.send(ch, event)
	}
}

func (eb *EventBus) send(ch chan Event, event Event) {
	select {
	case ch <- event:
	default:
		eb.dropped++
	}
}

// Dropped returns how many events were discarded due to full subscriber
// buffers.
func (eb *EventBus) Dropped() int64 {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.dropped
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}
	eb.closed = true

	seen := make(map[chan Event]bool)
	for _, chans := range eb.subscribers {
		for _, ch := range chans {
			if !seen[ch] {
				seen[ch] = true
				close(ch)
			}
		}
	}
	for _, ch := range eb.all {
		if !seen[ch] {
			seen[ch] = true
			close(ch)
		}
	}
}
