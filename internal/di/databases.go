package di

import (
	"fmt"
	"path/filepath"

	"github.com/aristath/fleet/internal/config"
	"github.com/aristath/fleet/internal/database"
	"github.com/rs/zerolog"
)

// InitializeDatabases opens the ledger and accounts databases and applies their schemas
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{Config: cfg}

	// ledger.db - batch report trail
	ledgerDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "ledger.db"),
		Profile: database.ProfileLedger,
		Name:    database.NameLedger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ledger database: %w", err)
	}
	container.LedgerDB = ledgerDB

	// accounts.db - accounts and credentials
	accountsDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "accounts.db"),
		Profile: database.ProfileStandard,
		Name:    database.NameAccounts,
	})
	if err != nil {
		ledgerDB.Close()
		return nil, fmt.Errorf("failed to initialize accounts database: %w", err)
	}
	container.AccountsDB = accountsDB

	for _, db := range []*database.DB{ledgerDB, accountsDB} {
		if err := db.Migrate(); err != nil {
			container.Close()
			return nil, fmt.Errorf("failed to migrate %s database: %w", db.Name(), err)
		}
	}

	log.Info().Str("data_dir", cfg.DataDir).Msg("Databases initialized")
	return container, nil
}
