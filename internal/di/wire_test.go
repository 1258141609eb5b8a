package di

import (
	"context"
	"testing"

	"github.com/aristath/fleet/internal/config"
	"github.com/aristath/fleet/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.FromEnv()
	cfg.DataDir = t.TempDir()
	cfg.Gateway.Mode = config.GatewayModeSimulator
	return cfg
}

func TestWire(t *testing.T) {
	container, err := Wire(testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(container.Close)

	assert.NotNil(t, container.LedgerDB)
	assert.NotNil(t, container.AccountsDB)
	assert.NotNil(t, container.Simulator)
	assert.NotNil(t, container.SessionCache)
	assert.NotNil(t, container.Dispatcher)
	assert.NotNil(t, container.Publisher)
	assert.Nil(t, container.Backups)
	assert.Equal(t, 5, container.Scheduler.Entries())
}

func TestWireHTTPGateway(t *testing.T) {
	cfg := testConfig(t)
	cfg.Gateway.Mode = config.GatewayModeHTTP
	cfg.Gateway.BaseURL = "http://broker.invalid"

	container, err := Wire(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(container.Close)

	assert.Nil(t, container.Simulator)
	assert.NotNil(t, container.Gateway)
	assert.Equal(t, 4, container.Scheduler.Entries())
}

func TestWireCloudBackup(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backup.Bucket = "fleet-backups"
	cfg.Backup.Endpoint = "http://objects.invalid"
	cfg.Backup.AccessKeyID = "id"
	cfg.Backup.SecretAccessKey = "secret"

	container, err := Wire(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(container.Close)

	assert.NotNil(t, container.Backups)
	assert.Equal(t, 6, container.Scheduler.Entries())
}

func TestWireUnknownGateway(t *testing.T) {
	cfg := testConfig(t)
	cfg.Gateway.Mode = "carrier-pigeon"

	_, err := Wire(cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestWiredBatchIsRecorded(t *testing.T) {
	container, err := Wire(testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(container.Close)

	ctx := context.Background()
	creds := &domain.Credentials{APIKey: "k", SecretKey: "s", UserID: "u1", Password: "p"}
	require.NoError(t, container.AccountRepo.Upsert(ctx, "A", "Alpha", true, creds))

	report, err := container.Dispatcher.Execute(ctx, domain.OrderTemplate{
		Symbol:          "TCS",
		Exchange:        domain.ExchangeNSE,
		TransactionType: domain.TransactionBuy,
		OrderType:       domain.OrderTypeMarket,
		ProductType:     domain.ProductIntraday,
	}, []domain.AccountOrder{{AccountID: "A", Quantity: 10}, {AccountID: "B", Quantity: 0}})
	require.NoError(t, err)
	assert.Equal(t, domain.BatchSummary{Total: 2, Placed: 1, Skipped: 1}, report.Summary)

	stored, err := container.ReportRepo.Get(ctx, report.RequestID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Len(t, stored.Outcomes, 2)

	require.NoError(t, container.Publisher.Tick(ctx))
	snap := container.Publisher.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "A", snap[0].AccountID)
}
