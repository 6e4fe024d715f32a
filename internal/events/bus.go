package events

import (
	"sync"
	"time"
)

// EventType represents the type of event being published.
type EventType string

// These are the Lifecycle Engine's own observability seam (§D.4): the
// engine publishes one of these on every Step B-F terminal or near-terminal
// transition, and collaborators outside the hard core (a status CLI, a
// future editor panel) subscribe without the engine importing anything
// UI-shaped.
const (
	EventRequestClaimed    EventType = "request_claimed"
	EventRequestDispatched EventType = "request_dispatched"
	EventRequestSucceeded  EventType = "request_succeeded"
	EventRequestRetried    EventType = "request_retried"
	EventRequestFailed     EventType = "request_failed"
)

// Event represents a system event. RequestID is always populated (the
// engine has no event that isn't about some request) and is a first-class
// field rather than a key buried in Data, since it is what SubscribeRequest
// matches against.
type Event struct {
	Type      EventType
	RequestID string
	Timestamp time.Time
	Data      map[string]interface{}
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// subscription is one registered feed: either every event of one Type
// (typeFilter set, requestFilter empty) or every event about one
// RequestID regardless of Type (requestFilter set, typeFilter empty).
// A Bus with only type-keyed subscriptions can tell a status panel
// "something failed somewhere"; correlating by request id is what the
// `wait` control command needs to block on one specific outcome.
type subscription struct {
	ch            chan Event
	typeFilter    EventType
	requestFilter string
}

func (s *subscription) matches(e Event) bool {
	if s.typeFilter != "" && s.typeFilter != e.Type {
		return false
	}
	if s.requestFilter != "" && s.requestFilter != e.RequestID {
		return false
	}
	return true
}

// Bus is a non-blocking event bus using Publish/Subscribe pattern.
// Events are delivered asynchronously via buffered channels.
// If a subscriber's channel is full, the event is dropped silently.
type Bus struct {
	mu         sync.RWMutex
	subs       []*subscription
	bufferSize int
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		bufferSize: bufferSize,
	}
}

// Subscribe registers a subscriber for every event of one EventType,
// regardless of which request it is about. The subscriber function is
// called asynchronously in a goroutine. Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	return b.subscribe(&subscription{typeFilter: eventType}, fn)
}

// SubscribeRequest registers a subscriber for every event about one
// requestID, regardless of EventType — the feed the `wait` control
// command uses to block until a specific request's lifecycle reaches a
// terminal event.
func (b *Bus) SubscribeRequest(requestID string, fn Subscriber) func() {
	return b.subscribe(&subscription{requestFilter: requestID}, fn)
}

func (b *Bus) subscribe(sub *subscription, fn Subscriber) func() {
	sub.ch = make(chan Event, b.bufferSize)

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	// Start goroutine to deliver events to subscriber
	go func() {
		for event := range sub.ch {
			// Wrap in anonymous function to recover from panics in subscriber
			func() {
				defer func() {
					if r := recover(); r != nil {
						// Silently recover from subscriber panics to prevent bus disruption
					}
				}()
				fn(event)
			}()
		}
	}()

	// Return unsubscribe function
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				close(sub.ch)
				break
			}
		}
	}
}

// Publish sends an event about requestID to every matching subscriber.
// Uses select with default to ensure non-blocking behavior. If a
// subscriber's channel is full, the event is dropped for that subscriber.
func (b *Bus) Publish(eventType EventType, requestID string, data map[string]interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, sub := range b.subs {
		if !sub.matches(event) {
			continue
		}
		// Non-blocking send using select with default
		select {
		case sub.ch <- event:
			// Event delivered successfully
		default:
			// Channel full, drop event silently to prevent blocking
		}
	}
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}
