package domain

import "time"

// Push channel frame types
const (
	FramePLUpdate = "pl_update"
	FramePing     = "ping"
)

// PLUpdate is a P&L snapshot for one account. Field names are the wire format.
type PLUpdate struct {
	AccountID        string    `json:"accountId"`
	CurrentPL        float64   `json:"currentPL"`
	Change           float64   `json:"change"`
	PercentageChange float64   `json:"percentageChange"`
	DayPL            *float64  `json:"dayPL,omitempty"`
	PortfolioValue   *float64  `json:"portfolioValue,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// PLUpdateFrame is the pl_update frame sent over the push channel
type PLUpdateFrame struct {
	Type string `json:"type"`
	PLUpdate
}

// NewPLUpdateFrame wraps u in a pl_update frame
func NewPLUpdateFrame(u PLUpdate) PLUpdateFrame {
	return PLUpdateFrame{Type: FramePLUpdate, PLUpdate: u}
}

// PingFrame is the heartbeat frame. Either side may send it.
type PingFrame struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewPingFrame builds a ping frame stamped at now
func NewPingFrame(now time.Time) PingFrame {
	return PingFrame{Type: FramePing, Timestamp: now}
}

// ConnectionStatus is the push channel lifecycle state
type ConnectionStatus string

const (
	ConnDisconnected ConnectionStatus = "disconnected"
	ConnConnecting   ConnectionStatus = "connecting"
	ConnConnected    ConnectionStatus = "connected"
	ConnError        ConnectionStatus = "error"
)

// ConnectionState is the observable state of a push channel client
type ConnectionState struct {
	Status            ConnectionStatus `json:"status"`
	ReconnectAttempts int              `json:"reconnectAttempts"`
	LastError         error            `json:"-"`
}

// LastErrorMessage returns the last error text or an empty string
func (s ConnectionState) LastErrorMessage() string {
	if s.LastError == nil {
		return ""
	}
	return s.LastError.Error()
}
