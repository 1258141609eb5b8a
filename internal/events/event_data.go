package events

import (
	"time"

	"github.com/aristath/fleet/internal/domain"
)

// EventData is the interface that all event data types must implement
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// BatchExecutedData carries the report of a completed batch
type BatchExecutedData struct {
	Report *domain.BatchReport `json:"report"`
	// Operation is execute_all, exit_all or exit_positions
	Operation string `json:"operation"`
}

// EventType returns the event type for BatchExecutedData
func (d *BatchExecutedData) EventType() EventType {
	return BatchExecuted
}

// SessionAuthenticatedData contains data for SessionAuthenticated events
type SessionAuthenticatedData struct {
	AccountID string    `json:"account_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// EventType returns the event type for SessionAuthenticatedData
func (d *SessionAuthenticatedData) EventType() EventType {
	return SessionAuthenticated
}

// SessionInvalidatedData contains data for SessionInvalidated events
type SessionInvalidatedData struct {
	AccountID string `json:"account_id"`
	Reason    string `json:"reason"` // "manual" or "expired"
}

// EventType returns the event type for SessionInvalidatedData
func (d *SessionInvalidatedData) EventType() EventType {
	return SessionInvalidated
}

// OrderCancelledData contains data for OrderCancelled events
type OrderCancelledData struct {
	AccountID     string `json:"account_id"`
	BrokerOrderID string `json:"broker_order_id"`
}

// EventType returns the event type for OrderCancelledData
func (d *OrderCancelledData) EventType() EventType {
	return OrderCancelled
}
