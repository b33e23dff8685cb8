// Package broker propagates real-time events between server instances. The
// hub publishes every outbound event here tagged with the instance id;
// subscribers receive events originating on other instances only, so a
// single-instance deployment on the memory broker simply sees silence.
package broker

import (
	"context"
	"time"
)

// Event is the cross-instance envelope. Data is the already-shaped frame
// payload; the receiving hub redispatches it verbatim.
type Event struct {
	ServerID  string      `json:"server_id"`
	Event     string      `json:"event"`
	Room      string      `json:"room,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Handler consumes events from other instances. Handlers must not block;
// the hub's handler enqueues onto its own channel.
type Handler func(Event)

// Broker is the pub/sub adapter contract.
type Broker interface {
	// Publish sends an event to every other instance. Implementations
	// bound the call; a failed publish never prevents local delivery.
	Publish(ctx context.Context, ev Event) error

	// Subscribe registers a handler for remote events and returns a
	// cancel function. Events carrying the subscriber's own server id are
	// suppressed before the handler sees them.
	Subscribe(h Handler) (cancel func())

	// Healthy reports whether the transport is currently usable.
	Healthy() bool

	Close() error
}
