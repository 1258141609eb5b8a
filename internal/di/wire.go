// Package di provides dependency injection wiring and initialization.
package di

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/fleet/internal/clients/gateway"
	"github.com/aristath/fleet/internal/config"
	"github.com/aristath/fleet/internal/events"
	"github.com/aristath/fleet/internal/modules/accounts"
	"github.com/aristath/fleet/internal/modules/dispatch"
	"github.com/aristath/fleet/internal/modules/ledger"
	"github.com/aristath/fleet/internal/modules/pnl"
	"github.com/aristath/fleet/internal/modules/sessions"
	"github.com/aristath/fleet/internal/reliability"
	"github.com/aristath/fleet/internal/scheduler"
	"github.com/rs/zerolog"
)

// Wire initializes all dependencies and returns a fully configured container.
// Order of operations:
// 1. Initialize databases
// 2. Initialize repositories and the event bus
// 3. Initialize the gateway and services
// 4. Register jobs
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container, err := InitializeDatabases(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize databases: %w", err)
	}

	container.AccountRepo = accounts.NewRepository(container.AccountsDB.Conn(), log)
	container.ReportRepo = ledger.NewReportRepository(container.LedgerDB.Conn(), log)
	container.EventBus = events.NewBus(log)
	container.EventManager = events.NewManager(container.EventBus, log)

	if err := initializeServices(container, cfg, log); err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := registerJobs(container, cfg, log); err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to register jobs: %w", err)
	}

	log.Info().Str("gateway", cfg.Gateway.Mode).Msg("Dependency injection wiring completed successfully")
	return container, nil
}

func initializeServices(c *Container, cfg *config.Config, log zerolog.Logger) error {
	switch cfg.Gateway.Mode {
	case config.GatewayModeHTTP:
		c.Gateway = gateway.NewHTTPClient(gateway.HTTPConfig{
			BaseURL:       cfg.Gateway.BaseURL,
			Timeout:       cfg.Gateway.Timeout,
			RatePerSecond: cfg.Gateway.RatePerSecond,
			Burst:         cfg.Gateway.Burst,
			TokenLifetime: cfg.Session.Lifetime,
		}, log)
	case config.GatewayModeSimulator, "":
		c.Simulator = gateway.NewSimulator(gateway.SimulatorConfig{
			TokenLifetime: cfg.Session.Lifetime,
			Seed:          time.Now().UnixNano(),
		}, log)
		c.Gateway = c.Simulator
	default:
		return fmt.Errorf("unknown gateway mode %q", cfg.Gateway.Mode)
	}

	sessionOpts := sessions.Options{
		Lifetime:    cfg.Session.Lifetime,
		AuthTimeout: cfg.Session.AuthTimeout,
	}
	if hour, minute, ok := cfg.Session.ResetClock(); ok {
		loc, err := time.LoadLocation(cfg.Session.ResetTZ)
		if err != nil {
			return fmt.Errorf("failed to load session reset zone: %w", err)
		}
		sessionOpts.ResetLocation = loc
		sessionOpts.ResetHour = hour
		sessionOpts.ResetMinute = minute
	}
	c.SessionCache = sessions.NewCache(c.AccountRepo, c.Gateway, c.EventManager, sessionOpts, log)

	c.Dispatcher = dispatch.NewDispatcher(c.SessionCache, c.Gateway, c.EventManager, dispatch.Options{
		Workers:     cfg.Dispatch.Workers,
		CallTimeout: cfg.Dispatch.CallTimeout,
	}, log)

	c.Recorder = ledger.NewRecorder(c.ReportRepo, c.EventBus, log)
	c.Recorder.Start()

	c.PLSource = pnl.NewGatewaySource(
		c.AccountRepo,
		c.SessionCache,
		c.Gateway,
		cfg.Dispatch.Workers,
		cfg.Dispatch.CallTimeout,
		log,
	)
	c.Publisher = pnl.NewPublisher(c.PLSource, pnl.Options{
		Interval:         cfg.Publisher.Interval,
		SubscriberBuffer: cfg.Publisher.SubscriberBuffer,
	}, log)

	if cfg.Backup.Enabled() {
		store, err := reliability.NewS3Store(context.Background(), reliability.S3Config{
			Bucket:          cfg.Backup.Bucket,
			Endpoint:        cfg.Backup.Endpoint,
			Region:          cfg.Backup.Region,
			AccessKeyID:     cfg.Backup.AccessKeyID,
			SecretAccessKey: cfg.Backup.SecretAccessKey,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize backup store: %w", err)
		}
		c.Backups = reliability.NewBackupService(store, []reliability.Snapshotter{c.LedgerDB, c.AccountsDB}, cfg.DataDir, log)
	}
	return nil
}

type scheduledJob struct {
	schedule string
	job      scheduler.Job
}

func registerJobs(c *Container, cfg *config.Config, log zerolog.Logger) error {
	c.Scheduler = scheduler.New(log)

	jobs := []scheduledJob{
		{cfg.Session.SweepSchedule, scheduler.NewSessionSweepJob(c.SessionCache, log)},
		{cfg.Ledger.RetentionSchedule, scheduler.NewLedgerRetentionJob(c.ReportRepo, cfg.Ledger.RetentionDays, log)},
		{cfg.WALCheckpointSchedule, scheduler.NewWALCheckpointJob(log, c.LedgerDB, c.AccountsDB)},
		{cfg.MaintenanceSchedule, reliability.NewMaintenanceJob(cfg.DataDir, log, c.LedgerDB, c.AccountsDB)},
	}
	if c.Backups != nil {
		jobs = append(jobs, scheduledJob{cfg.Backup.Schedule, reliability.NewCloudBackupJob(c.Backups, cfg.Backup.RetentionDays, log)})
	}
	if c.Simulator != nil {
		jobs = append(jobs, scheduledJob{fmt.Sprintf("@every %s", cfg.Publisher.Interval), scheduler.NewMarketWalkJob(c.Simulator)})
	}

	for _, j := range jobs {
		if j.schedule == "" {
			continue
		}
		if err := c.Scheduler.AddJob(j.schedule, j.job); err != nil {
			return fmt.Errorf("failed to register %s: %w", j.job.Name(), err)
		}
	}
	return nil
}
