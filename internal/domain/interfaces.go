package domain

import "context"

// BrokerGateway is the brokerage boundary. Implementations must honour ctx
// cancellation on every call.
type BrokerGateway interface {
	// Authenticate opens a session for the account
	Authenticate(ctx context.Context, accountID string, creds Credentials) (*AccountSession, error)
	// PlaceOrder submits one order and returns the broker order id
	PlaceOrder(ctx context.Context, session *AccountSession, template OrderTemplate, order AccountOrder) (string, error)
	// CancelOrder cancels a previously placed order
	CancelOrder(ctx context.Context, session *AccountSession, brokerOrderID string) error
	// GetPositions returns the open positions of the account
	GetPositions(ctx context.Context, session *AccountSession) ([]Position, error)
}

// CredentialStore resolves credentials for an account
type CredentialStore interface {
	GetCredentials(ctx context.Context, accountID string) (Credentials, error)
}

// SessionProvider hands out valid sessions
type SessionProvider interface {
	GetSession(ctx context.Context, accountID string) (*AccountSession, error)
}

// AccountLister lists the accounts that should be polled for P&L
type AccountLister interface {
	ActiveAccountIDs(ctx context.Context) ([]string, error)
}
