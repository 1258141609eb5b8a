package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/fleet/internal/domain"
	"golang.org/x/sync/errgroup"
)

// unit is one account order bound for the gateway
type unit struct {
	index    int
	template domain.OrderTemplate
	order    domain.AccountOrder
}

// runUnits executes units on a bounded pool and writes each outcome into
// its own slot. Units never fail the group, so one account cannot cancel
// another. Returns the latency of every unit in milliseconds.
func (d *Dispatcher) runUnits(ctx context.Context, units []unit, outcomes []domain.OrderOutcome, dryRun bool) []float64 {
	latencies := make([]float64, len(units))

	g := new(errgroup.Group)
	g.SetLimit(d.opts.Workers)
	for i, u := range units {
		i, u := i, u
		g.Go(func() error {
			outcomes[u.index] = d.runUnit(ctx, u, dryRun)
			latencies[i] = outcomes[u.index].ExecutionTimeMs
			return nil
		})
	}
	_ = g.Wait()

	return latencies
}

func (d *Dispatcher) runUnit(ctx context.Context, u unit, dryRun bool) (out domain.OrderOutcome) {
	accountID := u.order.AccountID
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("account_id", accountID).Msg("Order unit panicked")
			out = domain.Failed(accountID, u.order.Quantity, fmt.Errorf("panic while placing order: %v", r))
			out.ErrorKind = domain.ErrorKindInternal
		}
		out.TransactionType = u.template.TransactionType
		out.ExecutionTimeMs = float64(time.Since(start).Microseconds()) / 1000
	}()

	price := u.order.EffectivePrice(u.template)
	if price.Valid {
		f := price.Decimal.InexactFloat64()
		defer func() { out.Price = &f }()
	}
	if u.template.OrderType.RequiresPrice() && !price.Valid {
		return domain.Failed(accountID, u.order.Quantity, &domain.ValidationError{
			Field:   "price",
			Message: fmt.Sprintf("no price for %s order and no default price", u.template.OrderType),
		})
	}

	session, err := d.acquireSession(ctx, accountID)
	if err != nil {
		d.log.Warn().Err(err).Str("account_id", accountID).Msg("Session unavailable")
		return domain.Failed(accountID, u.order.Quantity, err)
	}

	if dryRun {
		out = domain.Placed(accountID, domain.DryRunOrderID, u.order.Quantity)
		out.DryRun = true
		return out
	}

	order := u.order
	order.Price = price

	callCtx, cancel := context.WithTimeout(ctx, d.opts.CallTimeout)
	defer cancel()

	brokerOrderID, err := d.gateway.PlaceOrder(callCtx, session, u.template, order)
	if err != nil {
		err = asTimeout(callCtx, ctx, err)
		d.log.Warn().Err(err).Str("account_id", accountID).Msg("Order placement failed")
		return domain.Failed(accountID, u.order.Quantity, err)
	}

	d.log.Debug().Str("account_id", accountID).Str("order_id", brokerOrderID).Msg("Order placed")
	return domain.Placed(accountID, brokerOrderID, u.order.Quantity)
}
