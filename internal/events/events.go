// Package events publishes chat lifecycle events to downstream consumers
// (dispatch policy, analytics). Publishing is fire-and-forget from the
// caller's point of view: a failed publish never undoes a state transition.
package events

import (
	"context"
	"time"
)

// Type identifies a lifecycle event.
type Type string

const (
	ChatAssigned    Type = "chat.assigned"
	ChatIdleFlagged Type = "chat.idle_flagged"
	ChatReassigned  Type = "chat.reassigned"
	ChatClosed      Type = "chat.closed"
)

// Event is the JSON payload written to the bus.
type Event struct {
	Type               Type      `json:"type"`
	ChatID             string    `json:"chat_id"`
	OperatorID         string    `json:"operator_id,omitempty"`
	PreviousOperatorID string    `json:"previous_operator_id,omitempty"`
	At                 time.Time `json:"at"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
