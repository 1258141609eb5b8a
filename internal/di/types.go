package di

import (
	"github.com/aristath/fleet/internal/clients/gateway"
	"github.com/aristath/fleet/internal/config"
	"github.com/aristath/fleet/internal/database"
	"github.com/aristath/fleet/internal/domain"
	"github.com/aristath/fleet/internal/events"
	"github.com/aristath/fleet/internal/modules/accounts"
	"github.com/aristath/fleet/internal/modules/dispatch"
	"github.com/aristath/fleet/internal/modules/ledger"
	"github.com/aristath/fleet/internal/modules/pnl"
	"github.com/aristath/fleet/internal/modules/sessions"
	"github.com/aristath/fleet/internal/reliability"
	"github.com/aristath/fleet/internal/scheduler"
)

// Container holds every wired component of the fleet server
type Container struct {
	Config *config.Config

	// Databases
	LedgerDB   *database.DB // Batch reports and outcomes
	AccountsDB *database.DB // Accounts and gateway credentials

	// Repositories
	AccountRepo *accounts.Repository
	ReportRepo  *ledger.ReportRepository

	// Events
	EventBus     *events.Bus
	EventManager *events.Manager

	// Gateway. Simulator is set only in simulator mode.
	Gateway   domain.BrokerGateway
	Simulator *gateway.Simulator

	// Services
	SessionCache *sessions.Cache
	Dispatcher   *dispatch.Dispatcher
	Recorder     *ledger.Recorder
	PLSource     *pnl.GatewaySource
	Publisher    *pnl.Publisher

	// Backups is nil unless a backup bucket is configured
	Backups *reliability.BackupService

	Scheduler *scheduler.Scheduler
}

// Close closes the databases
func (c *Container) Close() {
	if c.LedgerDB != nil {
		_ = c.LedgerDB.Close()
	}
	if c.AccountsDB != nil {
		_ = c.AccountsDB.Close()
	}
}
