package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// Peer connection lifecycle.
	EventPeerAdmitted     EventType = "peer.admitted"
	EventPeerSuperseded   EventType = "peer.superseded"
	EventPeerDisconnected EventType = "peer.disconnected"
	EventPeerIdle         EventType = "peer.idle"

	// Unsolicited frames forwarded off the socket read path.
	EventPeerEvent EventType = "peer.event"

	// Command dispatch outcomes.
	EventRequestResolved EventType = "request.resolved"
	EventRequestTimeout  EventType = "request.timeout"
	EventRequestExpired  EventType = "request.expired"
	EventRequestFailed   EventType = "request.failed"

	// Wire protocol violations.
	EventProtocolError EventType = "protocol.error"

	// Key store administration.
	EventKeyCreated EventType = "key.created"
	EventKeyRevoked EventType = "key.revoked"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type         EventType       `json:"type"`
	Timestamp    time.Time       `json:"timestamp"`
	ConnectionID string          `json:"connection_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Emit builds and publishes an event in one step, marshaling payload to
	// JSON. Events are advisory; marshal failures are dropped.
	Emit(ctx context.Context, eventType EventType, connectionID string, payload any)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
