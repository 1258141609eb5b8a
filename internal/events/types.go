// Package events provides the in-process event bus used to decouple the
// dispatcher from its observers (ledger, session cache, status feeds).
package events

import "time"

// EventType identifies a kind of event
type EventType string

const (
	// BatchExecuted is emitted after every completed batch
	BatchExecuted EventType = "BATCH_EXECUTED"
	// SessionAuthenticated is emitted when a gateway session is opened
	SessionAuthenticated EventType = "SESSION_AUTHENTICATED"
	// SessionInvalidated is emitted when a cached session is dropped
	SessionInvalidated EventType = "SESSION_INVALIDATED"
	// OrderCancelled is emitted after a successful cancel request
	OrderCancelled EventType = "ORDER_CANCELLED"
)

// Event is a single published event
type Event struct {
	Type      EventType
	Timestamp time.Time
	Module    string
	Data      EventData
}

// GetTypedData returns the event payload
func (e *Event) GetTypedData() EventData {
	return e.Data
}
