// Package dispatch fans a single trade instruction out across many brokerage
// accounts and aggregates the per-account outcomes into one report.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/fleet/internal/domain"
	"github.com/aristath/fleet/internal/events"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Operation names reported on BatchExecuted events
const (
	OperationExecuteAll    = "execute_all"
	OperationExitAll       = "exit_all"
	OperationExitPositions = "exit_positions"
)

const defaultCallTimeout = 15 * time.Second

// Options bounds batch execution
type Options struct {
	Workers     int
	CallTimeout time.Duration
}

// RunOptions modify a single batch
type RunOptions struct {
	// DryRun obtains sessions but never places orders
	DryRun bool
}

// ExitRequest closes the position in one instrument across accounts
type ExitRequest struct {
	Symbol       string
	Exchange     domain.Exchange
	OrderType    domain.OrderType
	ProductType  domain.ProductType
	Price        decimal.NullDecimal
	TriggerPrice decimal.NullDecimal
	MinQuantity  int64
	AccountIDs   []string
	DryRun       bool
}

func (r ExitRequest) template(side domain.TransactionType) domain.OrderTemplate {
	return domain.OrderTemplate{
		Symbol:          r.Symbol,
		Exchange:        r.Exchange,
		TransactionType: side,
		OrderType:       r.OrderType,
		ProductType:     r.ProductType,
		Validity:        domain.ValidityDay,
		DefaultPrice:    r.Price,
		TriggerPrice:    r.TriggerPrice,
	}
}

// Dispatcher executes batches of account orders concurrently
type Dispatcher struct {
	sessions     domain.SessionProvider
	gateway      domain.BrokerGateway
	eventManager *events.Manager
	opts         Options
	log          zerolog.Logger
	now          func() time.Time
	newID        func() string
}

// NewDispatcher creates a dispatcher
func NewDispatcher(
	sessions domain.SessionProvider,
	gateway domain.BrokerGateway,
	eventManager *events.Manager,
	opts Options,
	log zerolog.Logger,
) *Dispatcher {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	return &Dispatcher{
		sessions:     sessions,
		gateway:      gateway,
		eventManager: eventManager,
		opts:         opts,
		log:          log.With().Str("component", "dispatcher").Logger(),
		now:          time.Now,
		newID:        uuid.NewString,
	}
}

// Workers returns the concurrency bound
func (d *Dispatcher) Workers() int {
	return d.opts.Workers
}

// Execute places template for every order. The report holds exactly one
// outcome per order, in input order. Only a structurally invalid batch
// returns an error.
func (d *Dispatcher) Execute(ctx context.Context, template domain.OrderTemplate, orders []domain.AccountOrder) (*domain.BatchReport, error) {
	return d.ExecuteWithOptions(ctx, template, orders, RunOptions{})
}

// ExecuteWithOptions is Execute with per-batch options
func (d *Dispatcher) ExecuteWithOptions(ctx context.Context, template domain.OrderTemplate, orders []domain.AccountOrder, ro RunOptions) (*domain.BatchReport, error) {
	return d.run(ctx, OperationExecuteAll, template, orders, ro)
}

// ExitAll runs the same pipeline as Execute with the side inverted
func (d *Dispatcher) ExitAll(ctx context.Context, template domain.OrderTemplate, orders []domain.AccountOrder) (*domain.BatchReport, error) {
	return d.ExitAllWithOptions(ctx, template, orders, RunOptions{})
}

// ExitAllWithOptions is ExitAll with per-batch options
func (d *Dispatcher) ExitAllWithOptions(ctx context.Context, template domain.OrderTemplate, orders []domain.AccountOrder, ro RunOptions) (*domain.BatchReport, error) {
	if err := ValidateBatch(template, orders); err != nil {
		return nil, err
	}
	template.TransactionType = template.TransactionType.Invert()
	return d.run(ctx, OperationExitAll, template, orders, ro)
}

func (d *Dispatcher) run(ctx context.Context, operation string, template domain.OrderTemplate, orders []domain.AccountOrder, ro RunOptions) (*domain.BatchReport, error) {
	if err := ValidateBatch(template, orders); err != nil {
		return nil, err
	}
	if template.Validity == "" {
		template.Validity = domain.ValidityDay
	}

	started := d.now()
	requestID := d.newID()
	log := d.log.With().Str("request_id", requestID).Str("operation", operation).Logger()
	log.Info().
		Str("symbol", template.Symbol).
		Str("side", string(template.TransactionType)).
		Int("orders", len(orders)).
		Bool("dry_run", ro.DryRun).
		Msg("Dispatching batch")

	outcomes := make([]domain.OrderOutcome, len(orders))
	// Units run to completion once submitted; per-call timeouts bound them
	ctx = context.WithoutCancel(ctx)

	units := make([]unit, 0, len(orders))
	for i, o := range orders {
		if o.Skip() {
			outcomes[i] = domain.Skipped(o.AccountID, o.Quantity, "quantity is zero or negative")
			outcomes[i].TransactionType = template.TransactionType
			continue
		}
		units = append(units, unit{index: i, template: template, order: o})
	}

	latencies := d.runUnits(ctx, units, outcomes, ro.DryRun)

	report := domain.NewBatchReport(requestID, template, outcomes)
	report.Metadata = buildMetadata(started, d.now(), latencies, d.opts.Workers, ro.DryRun)
	d.finish(log, operation, report)
	return report, nil
}

// ExitPositions fetches the open position in req.Symbol for every account
// and closes it: long positions are sold, short positions bought back.
// Accounts without a qualifying position are skipped.
func (d *Dispatcher) ExitPositions(ctx context.Context, req ExitRequest) (*domain.BatchReport, error) {
	if err := ValidateExit(req); err != nil {
		return nil, err
	}

	started := d.now()
	requestID := d.newID()
	log := d.log.With().Str("request_id", requestID).Str("operation", OperationExitPositions).Logger()
	log.Info().Str("symbol", req.Symbol).Int("accounts", len(req.AccountIDs)).Msg("Dispatching position exit")

	ctx = context.WithoutCancel(ctx)

	outcomes := make([]domain.OrderOutcome, len(req.AccountIDs))
	planned := make([]*unit, len(req.AccountIDs))

	g := new(errgroup.Group)
	g.SetLimit(d.opts.Workers)
	for i, accountID := range req.AccountIDs {
		i, accountID := i, accountID
		g.Go(func() error {
			u, outcome := d.planExit(ctx, req, i, accountID)
			if u != nil {
				planned[i] = u
			} else {
				outcomes[i] = outcome
			}
			return nil
		})
	}
	_ = g.Wait()

	units := make([]unit, 0, len(planned))
	for _, u := range planned {
		if u != nil {
			units = append(units, *u)
		}
	}
	latencies := d.runUnits(ctx, units, outcomes, req.DryRun)

	report := domain.NewBatchReport(requestID, req.template(""), outcomes)
	report.Metadata = buildMetadata(started, d.now(), latencies, d.opts.Workers, req.DryRun)
	d.finish(log, OperationExitPositions, report)
	return report, nil
}

// planExit returns either a placement unit or a terminal outcome
func (d *Dispatcher) planExit(ctx context.Context, req ExitRequest, index int, accountID string) (u *unit, out domain.OrderOutcome) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("account_id", accountID).Msg("Position lookup panicked")
			u = nil
			out = domain.Failed(accountID, 0, fmt.Errorf("panic during position lookup: %v", r))
			out.ErrorKind = domain.ErrorKindInternal
		}
	}()

	positions, err := d.fetchPositions(ctx, accountID)
	if err != nil {
		return nil, domain.Failed(accountID, 0, err)
	}

	for _, p := range positions {
		if p.Symbol != req.Symbol || p.Exchange != req.Exchange {
			continue
		}
		if req.ProductType != "" && p.ProductType != "" && p.ProductType != req.ProductType {
			continue
		}
		qty := p.Quantity
		if qty < 0 {
			qty = -qty
		}
		if qty == 0 || qty < req.MinQuantity {
			continue
		}

		side := domain.TransactionSell
		if p.Quantity < 0 {
			side = domain.TransactionBuy
		}
		return &unit{
			index:    index,
			template: req.template(side),
			order:    domain.AccountOrder{AccountID: accountID, Quantity: qty, Price: req.Price},
		}, domain.OrderOutcome{}
	}

	return nil, domain.Skipped(accountID, 0, "no qualifying position")
}

// Positions returns the open positions of one account
func (d *Dispatcher) Positions(ctx context.Context, accountID string) ([]domain.Position, error) {
	if accountID == "" {
		return nil, &domain.ValidationError{Field: "accountId", Message: "is required"}
	}
	return d.fetchPositions(ctx, accountID)
}

func (d *Dispatcher) fetchPositions(ctx context.Context, accountID string) ([]domain.Position, error) {
	session, err := d.acquireSession(ctx, accountID)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, d.opts.CallTimeout)
	defer cancel()

	positions, err := d.gateway.GetPositions(callCtx, session)
	if err != nil {
		return nil, asTimeout(callCtx, ctx, err)
	}
	return positions, nil
}

// Cancel cancels a previously placed order of one account
func (d *Dispatcher) Cancel(ctx context.Context, accountID, brokerOrderID string) error {
	if accountID == "" {
		return &domain.ValidationError{Field: "accountId", Message: "is required"}
	}
	if brokerOrderID == "" {
		return &domain.ValidationError{Field: "orderId", Message: "is required"}
	}

	session, err := d.acquireSession(ctx, accountID)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, d.opts.CallTimeout)
	defer cancel()
	if err := d.gateway.CancelOrder(callCtx, session, brokerOrderID); err != nil {
		return asTimeout(callCtx, ctx, err)
	}

	d.log.Info().Str("account_id", accountID).Str("order_id", brokerOrderID).Msg("Order cancelled")
	d.eventManager.EmitTyped(events.OrderCancelled, "dispatch", &events.OrderCancelledData{
		AccountID:     accountID,
		BrokerOrderID: brokerOrderID,
	})
	return nil
}

func (d *Dispatcher) acquireSession(ctx context.Context, accountID string) (*domain.AccountSession, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.opts.CallTimeout)
	defer cancel()

	session, err := d.sessions.GetSession(callCtx, accountID)
	if err != nil {
		return nil, asTimeout(callCtx, ctx, err)
	}
	return session, nil
}

func (d *Dispatcher) finish(log zerolog.Logger, operation string, report *domain.BatchReport) {
	log.Info().
		Int("total", report.Summary.Total).
		Int("placed", report.Summary.Placed).
		Int("failed", report.Summary.Failed).
		Int("skipped", report.Summary.Skipped).
		Float64("duration_ms", report.Metadata.DurationMs).
		Msg("Batch complete")

	d.eventManager.EmitTyped(events.BatchExecuted, "dispatch", &events.BatchExecutedData{
		Report:    report,
		Operation: operation,
	})
}

// asTimeout marks err as a gateway timeout when the per-call deadline, not
// the caller, ended the call.
func asTimeout(callCtx, parent context.Context, err error) error {
	if errors.Is(err, domain.ErrGatewayTimeout) {
		return err
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		return fmt.Errorf("%w: %v", domain.ErrGatewayTimeout, err)
	}
	return err
}
