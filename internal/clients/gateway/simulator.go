// Package gateway provides BrokerGateway implementations: a paper-trading
// simulator for development and tests, and a REST client for the broker API.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/aristath/fleet/internal/domain"
	"github.com/rs/zerolog"
)

const defaultMark = 100.0

// SimulatorConfig configures the paper gateway
type SimulatorConfig struct {
	TokenLifetime time.Duration
	// Volatility is the standard deviation of one Step as a fraction of the mark
	Volatility float64
	// Latency delays every call. Calls still honour ctx while waiting.
	Latency time.Duration
	Seed    int64
}

// SimulatedOrder is an order recorded by the simulator
type SimulatedOrder struct {
	ID        string
	AccountID string
	Template  domain.OrderTemplate
	Quantity  int64
	Price     float64
	Status    string
	CreatedAt time.Time
}

const (
	simOrderOpen      = "open"
	simOrderFilled    = "filled"
	simOrderCancelled = "cancelled"
)

type simPosition struct {
	symbol   string
	exchange domain.Exchange
	product  domain.ProductType
	qty      int64
	avg      float64
	realized float64
}

type simAccount struct {
	token     string
	positions map[string]*simPosition
	orders    map[string]*SimulatedOrder
}

// Simulator is an in-memory BrokerGateway. Market orders fill at the current
// mark, marketable limit orders fill at their limit and the rest stay open
// until Step moves the mark through them.
type Simulator struct {
	mu       sync.Mutex
	cfg      SimulatorConfig
	rng      *rand.Rand
	seq      int64
	accounts map[string]*simAccount
	marks    map[string]float64
	opens    map[string]float64
	failures map[string]error
	now      func() time.Time
	log      zerolog.Logger
}

// NewSimulator creates a new paper gateway
func NewSimulator(cfg SimulatorConfig, log zerolog.Logger) *Simulator {
	if cfg.TokenLifetime <= 0 {
		cfg.TokenLifetime = 8 * time.Hour
	}
	if cfg.Volatility <= 0 {
		cfg.Volatility = 0.002
	}
	return &Simulator{
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		accounts: make(map[string]*simAccount),
		marks:    make(map[string]float64),
		opens:    make(map[string]float64),
		failures: make(map[string]error),
		now:      time.Now,
		log:      log.With().Str("component", "broker-simulator").Logger(),
	}
}

func instrumentKey(exchange domain.Exchange, symbol string) string {
	return string(exchange) + ":" + symbol
}

func positionKey(exchange domain.Exchange, symbol string, product domain.ProductType) string {
	return instrumentKey(exchange, symbol) + ":" + string(product)
}

// SetMark sets the last price of an instrument. The first mark of an
// instrument is also its day open.
func (s *Simulator) SetMark(exchange domain.Exchange, symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := instrumentKey(exchange, symbol)
	s.marks[key] = price
	if _, ok := s.opens[key]; !ok {
		s.opens[key] = price
	}
	s.matchOpenOrders()
}

// Fail makes every subsequent call for the account return err. A nil err clears it.
func (s *Simulator) Fail(accountID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, accountID)
		return
	}
	s.failures[accountID] = err
}

// Step moves every mark by one random-walk increment and fills open orders
// the new marks cross.
func (s *Simulator) Step() {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.marks))
	for k := range s.marks {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		move := 1 + s.cfg.Volatility*s.rng.NormFloat64()
		s.marks[k] = math.Max(0.01, math.Round(s.marks[k]*move*100)/100)
	}
	s.matchOpenOrders()
}

// ResetDay makes the current marks the day open
func (s *Simulator) ResetDay() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.marks {
		s.opens[k] = v
	}
}

// Orders returns the orders recorded for an account, oldest first
func (s *Simulator) Orders(accountID string) []SimulatedOrder {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return nil
	}
	out := make([]SimulatedOrder, 0, len(acct.orders))
	for _, o := range acct.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Authenticate issues a simulated token
func (s *Simulator) Authenticate(ctx context.Context, accountID string, creds domain.Credentials) (*domain.AccountSession, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failures[accountID]; err != nil {
		return nil, &domain.AuthenticationError{AccountID: accountID, Cause: err}
	}
	if !creds.Complete() {
		return nil, &domain.AuthenticationError{AccountID: accountID, Cause: errors.New("incomplete credentials")}
	}

	s.seq++
	acct := s.account(accountID)
	acct.token = fmt.Sprintf("sim-%s-%d", accountID, s.seq)

	issued := s.now()
	return &domain.AccountSession{
		AccountID: accountID,
		Token:     acct.token,
		IssuedAt:  issued,
		ExpiresAt: issued.Add(s.cfg.TokenLifetime),
	}, nil
}

// PlaceOrder records the order and fills it when marketable
func (s *Simulator) PlaceOrder(ctx context.Context, session *domain.AccountSession, template domain.OrderTemplate, order domain.AccountOrder) (string, error) {
	if err := s.wait(ctx); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, err := s.authorize(session)
	if err != nil {
		return "", err
	}
	if order.Quantity <= 0 {
		return "", &domain.GatewayRejectedError{Reason: "quantity must be positive", Code: "SIM_QTY"}
	}

	key := instrumentKey(template.Exchange, template.Symbol)
	if _, ok := s.marks[key]; !ok {
		s.marks[key] = defaultMark
		s.opens[key] = defaultMark
	}

	s.seq++
	o := &SimulatedOrder{
		ID:        fmt.Sprintf("SIM%08d", s.seq),
		AccountID: session.AccountID,
		Template:  template,
		Quantity:  order.Quantity,
		Status:    simOrderOpen,
		CreatedAt: s.now(),
	}
	if price := order.EffectivePrice(template); price.Valid {
		o.Price = price.Decimal.InexactFloat64()
	}
	acct.orders[o.ID] = o
	s.tryFill(acct, o)

	s.log.Debug().
		Str("account_id", session.AccountID).
		Str("order_id", o.ID).
		Str("symbol", template.Symbol).
		Str("side", string(template.TransactionType)).
		Int64("quantity", order.Quantity).
		Str("status", o.Status).
		Msg("Simulated order placed")
	return o.ID, nil
}

// CancelOrder cancels an open order
func (s *Simulator) CancelOrder(ctx context.Context, session *domain.AccountSession, brokerOrderID string) error {
	if err := s.wait(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, err := s.authorize(session)
	if err != nil {
		return err
	}
	o, ok := acct.orders[brokerOrderID]
	if !ok {
		return &domain.GatewayRejectedError{Reason: "order not found", Code: "SIM_NOT_FOUND"}
	}
	if o.Status != simOrderOpen {
		return &domain.GatewayRejectedError{Reason: "order is " + o.Status, Code: "SIM_NOT_OPEN"}
	}
	o.Status = simOrderCancelled
	return nil
}

// GetPositions returns the non-flat positions of the account valued at the current marks
func (s *Simulator) GetPositions(ctx context.Context, session *domain.AccountSession) ([]domain.Position, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, err := s.authorize(session)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(acct.positions))
	for k := range acct.positions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]domain.Position, 0, len(keys))
	for _, k := range keys {
		p := acct.positions[k]
		if p.qty == 0 && p.realized == 0 {
			continue
		}
		ik := instrumentKey(p.exchange, p.symbol)
		mark := s.marks[ik]
		qty := float64(p.qty)
		out = append(out, domain.Position{
			Symbol:      p.symbol,
			Exchange:    p.exchange,
			ProductType: p.product,
			Quantity:    p.qty,
			AvgPrice:    p.avg,
			LastPrice:   mark,
			MarketValue: qty * mark,
			PnL:         p.realized + (mark-p.avg)*qty,
			DayPnL:      (mark - s.opens[ik]) * qty,
		})
	}
	return out, nil
}

func (s *Simulator) account(accountID string) *simAccount {
	acct, ok := s.accounts[accountID]
	if !ok {
		acct = &simAccount{
			positions: make(map[string]*simPosition),
			orders:    make(map[string]*SimulatedOrder),
		}
		s.accounts[accountID] = acct
	}
	return acct
}

// authorize checks the session token. Caller holds s.mu.
func (s *Simulator) authorize(session *domain.AccountSession) (*simAccount, error) {
	if session == nil {
		return nil, &domain.AuthenticationError{Cause: errors.New("no session")}
	}
	if err := s.failures[session.AccountID]; err != nil {
		return nil, err
	}
	acct, ok := s.accounts[session.AccountID]
	if !ok || acct.token == "" || acct.token != session.Token {
		return nil, &domain.AuthenticationError{AccountID: session.AccountID, Cause: errors.New("unknown or superseded token")}
	}
	if !s.now().Before(session.ExpiresAt) {
		return nil, &domain.AuthenticationError{AccountID: session.AccountID, Cause: errors.New("token expired")}
	}
	return acct, nil
}

// tryFill fills o when it is marketable at the current mark. Caller holds s.mu.
func (s *Simulator) tryFill(acct *simAccount, o *SimulatedOrder) {
	mark := s.marks[instrumentKey(o.Template.Exchange, o.Template.Symbol)]
	fill := mark

	if o.Template.OrderType.RequiresPrice() && o.Price > 0 {
		buy := o.Template.TransactionType == domain.TransactionBuy
		if (buy && o.Price < mark) || (!buy && o.Price > mark) {
			return
		}
		fill = o.Price
	}

	o.Status = simOrderFilled
	o.Price = fill
	applyFill(acct, o, fill)
}

func (s *Simulator) matchOpenOrders() {
	for _, acct := range s.accounts {
		for _, o := range acct.orders {
			if o.Status == simOrderOpen {
				s.tryFill(acct, o)
			}
		}
	}
}

// applyFill updates the position with a signed fill, realizing P&L on the closed part
func applyFill(acct *simAccount, o *SimulatedOrder, price float64) {
	key := positionKey(o.Template.Exchange, o.Template.Symbol, o.Template.ProductType)
	p, ok := acct.positions[key]
	if !ok {
		p = &simPosition{symbol: o.Template.Symbol, exchange: o.Template.Exchange, product: o.Template.ProductType}
		acct.positions[key] = p
	}

	delta := o.Quantity
	if o.Template.TransactionType == domain.TransactionSell {
		delta = -delta
	}

	switch {
	case p.qty == 0 || (p.qty > 0) == (delta > 0):
		total := p.qty + delta
		p.avg = (p.avg*float64(abs(p.qty)) + price*float64(abs(delta))) / float64(abs(total))
		p.qty = total
	default:
		closing := min(abs(delta), abs(p.qty))
		sign := float64(1)
		if p.qty < 0 {
			sign = -1
		}
		p.realized += (price - p.avg) * float64(closing) * sign
		p.qty += delta
		if p.qty == 0 {
			p.avg = 0
		} else if (p.qty > 0) == (delta > 0) {
			p.avg = price
		}
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func (s *Simulator) wait(ctx context.Context) error {
	if s.cfg.Latency <= 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrGatewayTimeout, err)
		}
		return nil
	}
	t := time.NewTimer(s.cfg.Latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrGatewayTimeout, ctx.Err())
	case <-t.C:
		return nil
	}
}
