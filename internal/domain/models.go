// Package domain holds the broker-agnostic types shared by the dispatcher,
// the session cache and the P&L push channel.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Exchange is the venue an instrument trades on
type Exchange string

const (
	ExchangeNSE   Exchange = "NSE"
	ExchangeBSE   Exchange = "BSE"
	ExchangeMCX   Exchange = "MCX"
	ExchangeNCDEX Exchange = "NCDEX"
)

// Valid reports whether the exchange is supported
func (e Exchange) Valid() bool {
	switch e {
	case ExchangeNSE, ExchangeBSE, ExchangeMCX, ExchangeNCDEX:
		return true
	}
	return false
}

// OrderType is the broker order type
type OrderType string

const (
	OrderTypeMarket         OrderType = "MKT"
	OrderTypeLimit          OrderType = "LMT"
	OrderTypeStopLoss       OrderType = "SL"
	OrderTypeStopLossMarket OrderType = "SLM"
)

// Valid reports whether the order type is supported
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStopLoss, OrderTypeStopLossMarket:
		return true
	}
	return false
}

// RequiresPrice reports whether orders of this type need a limit price
func (t OrderType) RequiresPrice() bool {
	return t == OrderTypeLimit || t == OrderTypeStopLoss
}

// RequiresTrigger reports whether orders of this type need a trigger price
func (t OrderType) RequiresTrigger() bool {
	return t == OrderTypeStopLoss || t == OrderTypeStopLossMarket
}

// TransactionType is the order side
type TransactionType string

const (
	TransactionBuy  TransactionType = "BUY"
	TransactionSell TransactionType = "SELL"
)

// Valid reports whether the side is BUY or SELL
func (t TransactionType) Valid() bool {
	return t == TransactionBuy || t == TransactionSell
}

// Invert returns the opposite side. Used to close positions.
func (t TransactionType) Invert() TransactionType {
	if t == TransactionBuy {
		return TransactionSell
	}
	return TransactionBuy
}

// ProductType is the broker margin product
type ProductType string

const (
	ProductIntraday ProductType = "MIS"
	ProductDelivery ProductType = "CNC"
	ProductNormal   ProductType = "NRML"
)

// Valid reports whether the product type is supported
func (p ProductType) Valid() bool {
	switch p {
	case ProductIntraday, ProductDelivery, ProductNormal:
		return true
	}
	return false
}

// Validity is the order time-in-force
type Validity string

const (
	ValidityDay Validity = "DAY"
	ValidityIOC Validity = "IOC"
	ValidityGTD Validity = "GTD"
)

// Valid reports whether the validity is supported
func (v Validity) Valid() bool {
	switch v {
	case ValidityDay, ValidityIOC, ValidityGTD:
		return true
	}
	return false
}

// Credentials are the per-account secrets needed to open a gateway session.
// They are opaque to the dispatcher and only read by the gateway.
type Credentials struct {
	APIKey     string `msgpack:"api_key"`
	SecretKey  string `msgpack:"secret_key"`
	UserID     string `msgpack:"user_id"`
	Password   string `msgpack:"password"`
	DOB        string `msgpack:"dob,omitempty"`
	TOTPSecret string `msgpack:"totp_secret,omitempty"`
}

// Complete reports whether all required credential fields are present
func (c Credentials) Complete() bool {
	return c.APIKey != "" && c.SecretKey != "" && c.UserID != "" && c.Password != ""
}

// AccountSession is an authenticated gateway session for one account.
// Sessions are replaced wholesale on re-authentication, never mutated.
type AccountSession struct {
	AccountID string    `json:"accountId"`
	Token     string    `json:"-"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Valid reports whether the session can still be used at now
func (s *AccountSession) Valid(now time.Time) bool {
	return s != nil && now.Before(s.ExpiresAt)
}

// OrderTemplate is the trade instruction shared read-only by every order in a batch
type OrderTemplate struct {
	Symbol          string              `json:"symbol"`
	Exchange        Exchange            `json:"exchange"`
	TransactionType TransactionType     `json:"transactionType"`
	OrderType       OrderType           `json:"orderType"`
	ProductType     ProductType         `json:"productType"`
	Validity        Validity            `json:"validity,omitempty"`
	DefaultPrice    decimal.NullDecimal `json:"defaultPrice"`
	TriggerPrice    decimal.NullDecimal `json:"triggerPrice"`
}

// AccountOrder is one element of a batch. Quantity <= 0 means skip.
type AccountOrder struct {
	AccountID string              `json:"accountId"`
	Quantity  int64               `json:"quantity"`
	Price     decimal.NullDecimal `json:"price"`
}

// Skip reports whether the order must not reach the gateway
func (o AccountOrder) Skip() bool {
	return o.Quantity <= 0
}

// EffectivePrice resolves the limit price for the order: the account's own
// price when present, otherwise the template default.
func (o AccountOrder) EffectivePrice(t OrderTemplate) decimal.NullDecimal {
	if o.Price.Valid {
		return o.Price
	}
	return t.DefaultPrice
}

// Position is a gateway position for one instrument in one account
type Position struct {
	Symbol      string      `json:"symbol"`
	Exchange    Exchange    `json:"exchange"`
	ProductType ProductType `json:"productType"`
	Quantity    int64       `json:"quantity"` // negative for short positions
	AvgPrice    float64     `json:"avgPrice"`
	LastPrice   float64     `json:"lastPrice"`
	MarketValue float64     `json:"marketValue"`
	PnL         float64     `json:"pnl"`
	DayPnL      float64     `json:"dayPnl"`
}
