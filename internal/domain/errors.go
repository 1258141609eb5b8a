package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies why an account order failed
type ErrorKind string

const (
	ErrorKindNone           ErrorKind = ""
	ErrorKindAuthentication ErrorKind = "authentication"
	ErrorKindTimeout        ErrorKind = "timeout"
	ErrorKindRejected       ErrorKind = "rejected"
	ErrorKindInvalidOrder   ErrorKind = "invalid_order"
	ErrorKindInternal       ErrorKind = "internal"
)

var (
	// ErrGatewayTimeout is returned when a gateway call exceeds its deadline
	ErrGatewayTimeout = errors.New("gateway call timed out")
	// ErrConnectionLost marks an abnormal closure of the push channel
	ErrConnectionLost = errors.New("connection lost")
	// ErrReconnectExhausted is set once the reconnect budget is spent
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrAccountNotFound is returned by credential stores for unknown accounts
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountInactive is returned by credential stores for disabled accounts
	ErrAccountInactive = errors.New("account inactive")
)

// AuthenticationError wraps a failed session acquisition for one account
type AuthenticationError struct {
	AccountID string
	Cause     error
}

func (e *AuthenticationError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("authentication failed for account %s", e.AccountID)
	}
	return fmt.Sprintf("authentication failed for account %s: %v", e.AccountID, e.Cause)
}

func (e *AuthenticationError) Unwrap() error { return e.Cause }

// GatewayRejectedError is a refusal by the brokerage
type GatewayRejectedError struct {
	Reason string
	Code   string
}

func (e *GatewayRejectedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("order rejected (%s): %s", e.Code, e.Reason)
	}
	return "order rejected: " + e.Reason
}

// ValidationError is a structurally invalid request or order
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// ClassifyError maps an error returned along the session/placement path to
// the kind reported on a failed outcome.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ErrorKindNone
	}
	if errors.Is(err, ErrGatewayTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTimeout
	}

	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		return ErrorKindAuthentication
	}
	var rejected *GatewayRejectedError
	if errors.As(err, &rejected) {
		return ErrorKindRejected
	}
	var invalid *ValidationError
	if errors.As(err, &invalid) {
		return ErrorKindInvalidOrder
	}
	return ErrorKindInternal
}
