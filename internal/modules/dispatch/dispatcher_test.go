package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/fleet/internal/domain"
	"github.com/aristath/fleet/internal/events"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSessions struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{calls: map[string]int{}, fail: map[string]error{}}
}

func (f *fakeSessions) GetSession(ctx context.Context, accountID string) (*domain.AccountSession, error) {
	f.mu.Lock()
	f.calls[accountID]++
	err := f.fail[accountID]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &domain.AccountSession{AccountID: accountID, Token: "t-" + accountID, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeSessions) count(accountID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[accountID]
}

type placed struct {
	accountID string
	side      domain.TransactionType
	quantity  int64
	price     decimal.NullDecimal
}

type fakeGateway struct {
	mu        sync.Mutex
	placed    []placed
	fail      map[string]error
	hang      map[string]bool
	panics    map[string]bool
	positions map[string][]domain.Position
	posErr    map[string]error
	cancelled []string
	delay     time.Duration
	active    int32
	maxActive int32
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		fail:      map[string]error{},
		hang:      map[string]bool{},
		panics:    map[string]bool{},
		positions: map[string][]domain.Position{},
		posErr:    map[string]error{},
	}
}

func (g *fakeGateway) Authenticate(context.Context, string, domain.Credentials) (*domain.AccountSession, error) {
	return nil, errors.New("not used")
}

func (g *fakeGateway) PlaceOrder(ctx context.Context, session *domain.AccountSession, template domain.OrderTemplate, order domain.AccountOrder) (string, error) {
	active := atomic.AddInt32(&g.active, 1)
	defer atomic.AddInt32(&g.active, -1)
	for {
		seen := atomic.LoadInt32(&g.maxActive)
		if active <= seen || atomic.CompareAndSwapInt32(&g.maxActive, seen, active) {
			break
		}
	}

	if g.panics[order.AccountID] {
		panic("gateway exploded")
	}
	if g.hang[order.AccountID] {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err := g.fail[order.AccountID]; err != nil {
		return "", err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.placed = append(g.placed, placed{order.AccountID, template.TransactionType, order.Quantity, order.Price})
	return fmt.Sprintf("OID-%s-%d", order.AccountID, len(g.placed)), nil
}

func (g *fakeGateway) CancelOrder(ctx context.Context, session *domain.AccountSession, brokerOrderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail[session.AccountID]; err != nil {
		return err
	}
	g.cancelled = append(g.cancelled, session.AccountID+"/"+brokerOrderID)
	return nil
}

func (g *fakeGateway) GetPositions(ctx context.Context, session *domain.AccountSession) ([]domain.Position, error) {
	if err := g.posErr[session.AccountID]; err != nil {
		return nil, err
	}
	return g.positions[session.AccountID], nil
}

func (g *fakeGateway) placedFor(accountID string) []placed {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []placed
	for _, p := range g.placed {
		if p.accountID == accountID {
			out = append(out, p)
		}
	}
	return out
}

func newTestDispatcher(sessions domain.SessionProvider, gw domain.BrokerGateway, opts Options) (*Dispatcher, *events.Bus) {
	log := zerolog.Nop()
	bus := events.NewBus(log)
	if opts.Workers == 0 {
		opts.Workers = 5
	}
	if opts.CallTimeout == 0 {
		opts.CallTimeout = time.Second
	}
	return NewDispatcher(sessions, gw, events.NewManager(bus, log), opts, log), bus
}

func marketBuy(symbol string) domain.OrderTemplate {
	return domain.OrderTemplate{
		Symbol:          symbol,
		Exchange:        domain.ExchangeNSE,
		TransactionType: domain.TransactionBuy,
		OrderType:       domain.OrderTypeMarket,
		ProductType:     domain.ProductIntraday,
	}
}

func price(v float64) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.NewFromFloat(v))
}

func assertSummaryInvariants(t *testing.T, report *domain.BatchReport, n int) {
	t.Helper()
	require.Len(t, report.Outcomes, n)
	assert.Equal(t, n, report.Summary.Total)
	assert.Equal(t, n, report.Summary.Placed+report.Summary.Failed+report.Summary.Skipped)
}

func TestExecuteOneOutcomePerOrderInInputOrder(t *testing.T) {
	gw := newFakeGateway()
	gw.delay = 2 * time.Millisecond
	d, _ := newTestDispatcher(newFakeSessions(), gw, Options{Workers: 3})

	orders := make([]domain.AccountOrder, 25)
	for i := range orders {
		orders[i] = domain.AccountOrder{AccountID: fmt.Sprintf("ACC%02d", i), Quantity: int64(i % 4)}
	}

	report, err := d.Execute(context.Background(), marketBuy("TCS"), orders)
	require.NoError(t, err)

	assertSummaryInvariants(t, report, len(orders))
	for i, o := range report.Outcomes {
		assert.Equal(t, orders[i].AccountID, o.AccountID)
		if orders[i].Quantity == 0 {
			assert.Equal(t, domain.StatusSkipped, o.Status)
		} else {
			assert.Equal(t, domain.StatusPlaced, o.Status)
			assert.NotEmpty(t, o.BrokerOrderID)
		}
	}
	assert.NotEmpty(t, report.RequestID)
	assert.Equal(t, 3, report.Metadata.Workers)
}

func TestExecuteSkipsNonPositiveQuantityWithoutCalls(t *testing.T) {
	sessions := newFakeSessions()
	gw := newFakeGateway()
	d, _ := newTestDispatcher(sessions, gw, Options{})

	report, err := d.Execute(context.Background(), marketBuy("INFY"), []domain.AccountOrder{
		{AccountID: "ZERO", Quantity: 0},
		{AccountID: "NEG", Quantity: -5},
		{AccountID: "OK", Quantity: 1},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.BatchSummary{Total: 3, Placed: 1, Failed: 0, Skipped: 2}, report.Summary)
	for _, id := range []string{"ZERO", "NEG"} {
		assert.Equal(t, 0, sessions.count(id))
		assert.Empty(t, gw.placedFor(id))
	}
	assert.Equal(t, 1, sessions.count("OK"))
}

func TestExecuteOneFailureDoesNotAffectOthers(t *testing.T) {
	gw := newFakeGateway()
	gw.fail["B"] = &domain.GatewayRejectedError{Reason: "insufficient funds"}
	d, _ := newTestDispatcher(newFakeSessions(), gw, Options{})

	report, err := d.Execute(context.Background(), marketBuy("TCS"), []domain.AccountOrder{
		{AccountID: "A", Quantity: 10},
		{AccountID: "B", Quantity: 10},
		{AccountID: "C", Quantity: 10},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.BatchSummary{Total: 3, Placed: 2, Failed: 1, Skipped: 0}, report.Summary)
	assert.Equal(t, domain.StatusFailed, report.Outcomes[1].Status)
	assert.Equal(t, domain.ErrorKindRejected, report.Outcomes[1].ErrorKind)
	assert.Contains(t, report.Outcomes[1].ErrorMessage, "insufficient funds")
	assert.Equal(t, domain.StatusPlaced, report.Outcomes[0].Status)
	assert.Equal(t, domain.StatusPlaced, report.Outcomes[2].Status)
}

func TestExecuteAuthenticationFailure(t *testing.T) {
	sessions := newFakeSessions()
	sessions.fail["A"] = &domain.AuthenticationError{AccountID: "A", Cause: errors.New("bad totp")}
	gw := newFakeGateway()
	d, _ := newTestDispatcher(sessions, gw, Options{})

	report, err := d.Execute(context.Background(), marketBuy("TCS"), []domain.AccountOrder{
		{AccountID: "A", Quantity: 1},
		{AccountID: "B", Quantity: 1},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.ErrorKindAuthentication, report.Outcomes[0].ErrorKind)
	assert.Empty(t, gw.placedFor("A"))
	assert.Equal(t, domain.StatusPlaced, report.Outcomes[1].Status)
}

func TestExecuteTimeoutIsPerUnit(t *testing.T) {
	gw := newFakeGateway()
	gw.hang["SLOW"] = true
	d, _ := newTestDispatcher(newFakeSessions(), gw, Options{CallTimeout: 30 * time.Millisecond})

	report, err := d.Execute(context.Background(), marketBuy("TCS"), []domain.AccountOrder{
		{AccountID: "FAST1", Quantity: 1},
		{AccountID: "SLOW", Quantity: 1},
		{AccountID: "FAST2", Quantity: 1},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFailed, report.Outcomes[1].Status)
	assert.Equal(t, domain.ErrorKindTimeout, report.Outcomes[1].ErrorKind)
	assert.Equal(t, domain.StatusPlaced, report.Outcomes[0].Status)
	assert.Equal(t, domain.StatusPlaced, report.Outcomes[2].Status)
}

func TestExecuteSurvivesCallerCancellation(t *testing.T) {
	gw := newFakeGateway()
	gw.delay = 40 * time.Millisecond
	d, _ := newTestDispatcher(newFakeSessions(), gw, Options{Workers: 1, CallTimeout: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	report, err := d.Execute(ctx, marketBuy("TCS"), []domain.AccountOrder{
		{AccountID: "A", Quantity: 1},
		{AccountID: "B", Quantity: 1},
		{AccountID: "C", Quantity: 1},
	})
	require.NoError(t, err)
	require.Error(t, ctx.Err())

	assert.Equal(t, domain.BatchSummary{Total: 3, Placed: 3}, report.Summary)
	for _, id := range []string{"A", "B", "C"} {
		assert.Len(t, gw.placedFor(id), 1, id)
	}
}

func TestExitPositionsSurvivesCallerCancellation(t *testing.T) {
	gw := newFakeGateway()
	gw.delay = 30 * time.Millisecond
	gw.positions["A"] = []domain.Position{{Symbol: "TCS", Exchange: domain.ExchangeNSE, Quantity: 5}}
	gw.positions["B"] = []domain.Position{{Symbol: "TCS", Exchange: domain.ExchangeNSE, Quantity: -3}}
	d, _ := newTestDispatcher(newFakeSessions(), gw, Options{Workers: 1, CallTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	defer cancel()

	report, err := d.ExitPositions(ctx, ExitRequest{
		Symbol:      "TCS",
		Exchange:    domain.ExchangeNSE,
		OrderType:   domain.OrderTypeMarket,
		ProductType: domain.ProductIntraday,
		AccountIDs:  []string{"A", "B"},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Summary.Placed)
	assert.Len(t, gw.placedFor("A"), 1)
	assert.Len(t, gw.placedFor("B"), 1)
}

func TestNewDispatcherDefaultsCallTimeout(t *testing.T) {
	log := zerolog.Nop()
	gw := newFakeGateway()
	d := NewDispatcher(newFakeSessions(), gw, events.NewManager(events.NewBus(log), log), Options{}, log)

	assert.Equal(t, defaultCallTimeout, d.opts.CallTimeout)
	assert.Equal(t, 1, d.opts.Workers)

	report, err := d.Execute(context.Background(), marketBuy("TCS"), []domain.AccountOrder{{AccountID: "A", Quantity: 1}})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPlaced, report.Outcomes[0].Status)
}

func TestExecuteRecoversPanickingUnit(t *testing.T) {
	gw := newFakeGateway()
	gw.panics["BOOM"] = true
	d, _ := newTestDispatcher(newFakeSessions(), gw, Options{})

	report, err := d.Execute(context.Background(), marketBuy("TCS"), []domain.AccountOrder{
		{AccountID: "BOOM", Quantity: 1},
		{AccountID: "FINE", Quantity: 1},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFailed, report.Outcomes[0].Status)
	assert.Equal(t, domain.ErrorKindInternal, report.Outcomes[0].ErrorKind)
	assert.Equal(t, domain.TransactionBuy, report.Outcomes[0].TransactionType)
	assert.Equal(t, domain.StatusPlaced, report.Outcomes[1].Status)
}

func TestExecuteRespectsWorkerBound(t *testing.T) {
	gw := newFakeGateway()
	gw.delay = 5 * time.Millisecond
	d, _ := newTestDispatcher(newFakeSessions(), gw, Options{Workers: 2})

	orders := make([]domain.AccountOrder, 12)
	for i := range orders {
		orders[i] = domain.AccountOrder{AccountID: fmt.Sprintf("A%d", i), Quantity: 1}
	}
	_, err := d.Execute(context.Background(), marketBuy("TCS"), orders)
	require.NoError(t, err)

	assert.LessOrEqual(t, atomic.LoadInt32(&gw.maxActive), int32(2))
	assert.Greater(t, atomic.LoadInt32(&gw.maxActive), int32(0))
}

func TestExecuteDryRun(t *testing.T) {
	sessions := newFakeSessions()
	gw := newFakeGateway()
	d, _ := newTestDispatcher(sessions, gw, Options{})

	report, err := d.ExecuteWithOptions(context.Background(), marketBuy("TCS"), []domain.AccountOrder{
		{AccountID: "A", Quantity: 3},
		{AccountID: "B", Quantity: 0},
	}, RunOptions{DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, domain.DryRunOrderID, report.Outcomes[0].BrokerOrderID)
	assert.True(t, report.Outcomes[0].DryRun)
	assert.True(t, report.Metadata.DryRun)
	assert.Equal(t, 1, sessions.count("A"))
	assert.Empty(t, gw.placedFor("A"))
	assert.Equal(t, domain.BatchSummary{Total: 2, Placed: 1, Skipped: 1}, report.Summary)
}

func TestExecuteLimitPriceResolution(t *testing.T) {
	gw := newFakeGateway()
	d, _ := newTestDispatcher(newFakeSessions(), gw, Options{})

	template := marketBuy("TCS")
	template.OrderType = domain.OrderTypeLimit

	// No default price: accounts without their own price fail individually
	report, err := d.Execute(context.Background(), template, []domain.AccountOrder{
		{AccountID: "PRICED", Quantity: 1, Price: price(3500.5)},
		{AccountID: "BARE", Quantity: 1},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusPlaced, report.Outcomes[0].Status)
	require.NotNil(t, report.Outcomes[0].Price)
	assert.Equal(t, 3500.5, *report.Outcomes[0].Price)
	assert.Equal(t, domain.StatusFailed, report.Outcomes[1].Status)
	assert.Equal(t, domain.ErrorKindInvalidOrder, report.Outcomes[1].ErrorKind)

	// Default price fills in
	template.DefaultPrice = price(3400)
	report, err = d.Execute(context.Background(), template, []domain.AccountOrder{{AccountID: "BARE", Quantity: 1}})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPlaced, report.Outcomes[0].Status)
	sent := gw.placedFor("BARE")
	require.Len(t, sent, 1)
	assert.True(t, sent[0].price.Decimal.Equal(decimal.NewFromInt(3400)))
}

func TestExecuteRejectsStructurallyInvalidBatch(t *testing.T) {
	d, _ := newTestDispatcher(newFakeSessions(), newFakeGateway(), Options{})

	limit := marketBuy("TCS")
	limit.OrderType = domain.OrderTypeLimit

	stop := marketBuy("TCS")
	stop.OrderType = domain.OrderTypeStopLossMarket

	badExchange := marketBuy("TCS")
	badExchange.Exchange = "NYSE"

	tests := []struct {
		name     string
		template domain.OrderTemplate
		orders   []domain.AccountOrder
		field    string
	}{
		{"empty orders", marketBuy("TCS"), nil, "accountOrders"},
		{"missing symbol", marketBuy(""), []domain.AccountOrder{{AccountID: "A", Quantity: 1}}, "symbol"},
		{"bad exchange", badExchange, []domain.AccountOrder{{AccountID: "A", Quantity: 1}}, "exchange"},
		{"limit without any price", limit, []domain.AccountOrder{{AccountID: "A", Quantity: 1}}, "price"},
		{"stop without trigger", stop, []domain.AccountOrder{{AccountID: "A", Quantity: 1}}, "triggerPrice"},
		{"blank account", marketBuy("TCS"), []domain.AccountOrder{{AccountID: " ", Quantity: 1}}, "accountOrders"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := d.Execute(context.Background(), tt.template, tt.orders)
			require.Error(t, err)
			assert.Nil(t, report)

			var verr *domain.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestExitAllInvertsSide(t *testing.T) {
	gw := newFakeGateway()
	d, _ := newTestDispatcher(newFakeSessions(), gw, Options{})

	report, err := d.ExitAll(context.Background(), marketBuy("TCS"), []domain.AccountOrder{{AccountID: "A", Quantity: 4}})
	require.NoError(t, err)

	assert.Equal(t, domain.TransactionSell, report.TransactionType)
	assert.Equal(t, domain.TransactionSell, report.Outcomes[0].TransactionType)
	sent := gw.placedFor("A")
	require.Len(t, sent, 1)
	assert.Equal(t, domain.TransactionSell, sent[0].side)
}

func TestExitAllRejectsMissingSide(t *testing.T) {
	gw := newFakeGateway()
	d, _ := newTestDispatcher(newFakeSessions(), gw, Options{})

	template := marketBuy("TCS")
	template.TransactionType = ""
	_, err := d.ExitAll(context.Background(), template, []domain.AccountOrder{{AccountID: "A", Quantity: 4}})

	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "transactionType", verr.Field)
	assert.Empty(t, gw.placedFor("A"))
}

func TestExitPositions(t *testing.T) {
	gw := newFakeGateway()
	gw.positions["LONG"] = []domain.Position{
		{Symbol: "INFY", Exchange: domain.ExchangeNSE, Quantity: 50},
		{Symbol: "TCS", Exchange: domain.ExchangeNSE, Quantity: 20},
	}
	gw.positions["SHORT"] = []domain.Position{{Symbol: "TCS", Exchange: domain.ExchangeNSE, Quantity: -15}}
	gw.positions["TINY"] = []domain.Position{{Symbol: "TCS", Exchange: domain.ExchangeNSE, Quantity: 1}}
	gw.positions["OTHERVENUE"] = []domain.Position{{Symbol: "TCS", Exchange: domain.ExchangeBSE, Quantity: 10}}
	gw.posErr["BROKEN"] = errors.New("positions unavailable")

	d, bus := newTestDispatcher(newFakeSessions(), gw, Options{})

	var operations []string
	bus.Subscribe(events.BatchExecuted, func(e *events.Event) {
		operations = append(operations, e.Data.(*events.BatchExecutedData).Operation)
	})

	report, err := d.ExitPositions(context.Background(), ExitRequest{
		Symbol:      "TCS",
		Exchange:    domain.ExchangeNSE,
		OrderType:   domain.OrderTypeMarket,
		ProductType: domain.ProductIntraday,
		MinQuantity: 2,
		AccountIDs:  []string{"LONG", "SHORT", "TINY", "OTHERVENUE", "BROKEN", "EMPTY"},
	})
	require.NoError(t, err)

	assertSummaryInvariants(t, report, 6)
	assert.Equal(t, domain.BatchSummary{Total: 6, Placed: 2, Failed: 1, Skipped: 3}, report.Summary)

	long := gw.placedFor("LONG")
	require.Len(t, long, 1)
	assert.Equal(t, domain.TransactionSell, long[0].side)
	assert.Equal(t, int64(20), long[0].quantity)

	short := gw.placedFor("SHORT")
	require.Len(t, short, 1)
	assert.Equal(t, domain.TransactionBuy, short[0].side)
	assert.Equal(t, int64(15), short[0].quantity)

	assert.Equal(t, domain.StatusSkipped, report.Outcomes[2].Status)
	assert.Equal(t, domain.StatusSkipped, report.Outcomes[3].Status)
	assert.Equal(t, domain.StatusFailed, report.Outcomes[4].Status)
	assert.Equal(t, domain.ErrorKindInternal, report.Outcomes[4].ErrorKind)
	assert.Equal(t, "EMPTY", report.Outcomes[5].AccountID)
	assert.Equal(t, []string{OperationExitPositions}, operations)
}

func TestExitPositionsValidation(t *testing.T) {
	d, _ := newTestDispatcher(newFakeSessions(), newFakeGateway(), Options{})

	_, err := d.ExitPositions(context.Background(), ExitRequest{Symbol: "TCS", Exchange: domain.ExchangeNSE, OrderType: domain.OrderTypeMarket, ProductType: domain.ProductIntraday})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "accountIds", verr.Field)

	_, err = d.ExitPositions(context.Background(), ExitRequest{Symbol: "TCS", Exchange: domain.ExchangeNSE, OrderType: domain.OrderTypeLimit, ProductType: domain.ProductIntraday, AccountIDs: []string{"A"}})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "price", verr.Field)
}

func TestPositions(t *testing.T) {
	gw := newFakeGateway()
	gw.positions["A"] = []domain.Position{{Symbol: "TCS", Exchange: domain.ExchangeNSE, Quantity: 7}}
	gw.posErr["BROKEN"] = errors.New("positions unavailable")
	sessions := newFakeSessions()
	sessions.fail["NOAUTH"] = &domain.AuthenticationError{AccountID: "NOAUTH", Cause: errors.New("bad totp")}
	d, _ := newTestDispatcher(sessions, gw, Options{})

	positions, err := d.Positions(context.Background(), "A")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, int64(7), positions[0].Quantity)

	_, err = d.Positions(context.Background(), "BROKEN")
	assert.Error(t, err)

	_, err = d.Positions(context.Background(), "NOAUTH")
	assert.Equal(t, domain.ErrorKindAuthentication, domain.ClassifyError(err))

	_, err = d.Positions(context.Background(), "")
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestCancel(t *testing.T) {
	gw := newFakeGateway()
	d, bus := newTestDispatcher(newFakeSessions(), gw, Options{})

	var cancelled []string
	bus.Subscribe(events.OrderCancelled, func(e *events.Event) {
		cancelled = append(cancelled, e.Data.(*events.OrderCancelledData).BrokerOrderID)
	})

	require.NoError(t, d.Cancel(context.Background(), "A", "OID-1"))
	assert.Equal(t, []string{"A/OID-1"}, gw.cancelled)
	assert.Equal(t, []string{"OID-1"}, cancelled)

	var verr *domain.ValidationError
	assert.ErrorAs(t, d.Cancel(context.Background(), "", "OID-1"), &verr)

	gw.fail["B"] = &domain.GatewayRejectedError{Reason: "already filled"}
	err := d.Cancel(context.Background(), "B", "OID-2")
	assert.Equal(t, domain.ErrorKindRejected, domain.ClassifyError(err))
}

func TestBatchExecutedEventCarriesReport(t *testing.T) {
	d, bus := newTestDispatcher(newFakeSessions(), newFakeGateway(), Options{})
	d.newID = func() string { return "fixed-id" }

	var got *events.BatchExecutedData
	bus.Subscribe(events.BatchExecuted, func(e *events.Event) {
		got = e.Data.(*events.BatchExecutedData)
	})

	report, err := d.Execute(context.Background(), marketBuy("TCS"), []domain.AccountOrder{{AccountID: "A", Quantity: 1}})
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Same(t, report, got.Report)
	assert.Equal(t, OperationExecuteAll, got.Operation)
	assert.Equal(t, "fixed-id", report.RequestID)
}

func TestLatencyStats(t *testing.T) {
	mean, p95 := latencyStats(nil)
	assert.Equal(t, 0.0, mean)
	assert.Equal(t, 0.0, p95)

	samples := make([]float64, 0, 20)
	for i := 20; i >= 1; i-- {
		samples = append(samples, float64(i))
	}
	mean, p95 = latencyStats(samples)
	assert.InDelta(t, 10.5, mean, 1e-9)
	assert.Equal(t, 19.0, p95)
	assert.Equal(t, 20.0, samples[0], "input is not reordered")
}
