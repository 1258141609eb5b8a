package pnl

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/aristath/fleet/internal/domain"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// GatewaySource derives account P&L from gateway positions
type GatewaySource struct {
	accounts    domain.AccountLister
	sessions    domain.SessionProvider
	gateway     domain.BrokerGateway
	workers     int
	callTimeout time.Duration
	now         func() time.Time

	mu   sync.Mutex
	prev map[string]float64

	log zerolog.Logger
}

// NewGatewaySource creates a source polling every active account
func NewGatewaySource(
	accounts domain.AccountLister,
	sessions domain.SessionProvider,
	gateway domain.BrokerGateway,
	workers int,
	callTimeout time.Duration,
	log zerolog.Logger,
) *GatewaySource {
	if workers < 1 {
		workers = 1
	}
	if callTimeout <= 0 {
		callTimeout = 15 * time.Second
	}
	return &GatewaySource{
		accounts:    accounts,
		sessions:    sessions,
		gateway:     gateway,
		workers:     workers,
		callTimeout: callTimeout,
		now:         time.Now,
		prev:        make(map[string]float64),
		log:         log.With().Str("component", "pl_source").Logger(),
	}
}

// Collect returns one update per reachable active account, in listing order.
// Accounts that fail are logged and left out.
func (s *GatewaySource) Collect(ctx context.Context) ([]domain.PLUpdate, error) {
	ids, err := s.accounts.ActiveAccountIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	slots := make([]*domain.PLUpdate, len(ids))
	g := new(errgroup.Group)
	g.SetLimit(s.workers)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			u, err := s.collectAccount(ctx, id)
			if err != nil {
				s.log.Warn().Err(err).Str("account_id", id).Msg("Skipping account in P&L round")
				return nil
			}
			slots[i] = u
			return nil
		})
	}
	_ = g.Wait()

	updates := make([]domain.PLUpdate, 0, len(ids))
	for _, u := range slots {
		if u != nil {
			updates = append(updates, *u)
		}
	}
	return updates, nil
}

func (s *GatewaySource) collectAccount(ctx context.Context, accountID string) (*domain.PLUpdate, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	session, err := s.sessions.GetSession(callCtx, accountID)
	if err != nil {
		return nil, err
	}
	positions, err := s.gateway.GetPositions(callCtx, session)
	if err != nil {
		return nil, err
	}

	var current, day, value float64
	for _, p := range positions {
		current += p.PnL
		day += p.DayPnL
		value += p.MarketValue
	}
	current = round2(current)
	day = round2(day)
	value = round2(value)

	change, pct := s.delta(accountID, current)
	return &domain.PLUpdate{
		AccountID:        accountID,
		CurrentPL:        current,
		Change:           change,
		PercentageChange: pct,
		DayPL:            &day,
		PortfolioValue:   &value,
		Timestamp:        s.now().UTC(),
	}, nil
}

// delta compares current with the previous round of the account. The first
// round reports no change.
func (s *GatewaySource) delta(accountID string, current float64) (change, pct float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.prev[accountID]
	s.prev[accountID] = current
	if !ok {
		return 0, 0
	}
	change = round2(current - prev)
	if prev != 0 {
		pct = round2(change / math.Abs(prev) * 100)
	}
	return change, pct
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
