package reliability

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/fleet/internal/database"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
)

const (
	backupJobTimeout      = 30 * time.Minute
	maintenanceJobTimeout = 10 * time.Minute

	criticalFreeBytes = 500 << 20
	lowFreeBytes      = 5 << 30
)

// CloudBackupJob uploads a fresh archive and rotates old ones
type CloudBackupJob struct {
	backups       *BackupService
	retentionDays int
	log           zerolog.Logger
}

// NewCloudBackupJob creates the cloud backup job
func NewCloudBackupJob(backups *BackupService, retentionDays int, log zerolog.Logger) *CloudBackupJob {
	return &CloudBackupJob{
		backups:       backups,
		retentionDays: retentionDays,
		log:           log.With().Str("job", "cloud_backup").Logger(),
	}
}

// Name returns the job name
func (j *CloudBackupJob) Name() string {
	return "cloud_backup"
}

// Run uploads then rotates. A failed rotation does not fail the job.
func (j *CloudBackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), backupJobTimeout)
	defer cancel()

	if _, err := j.backups.CreateAndUpload(ctx); err != nil {
		return err
	}
	if _, err := j.backups.Rotate(ctx, j.retentionDays); err != nil {
		j.log.Warn().Err(err).Msg("Backup rotation failed")
	}
	return nil
}

// MaintainedDB is a database the maintenance job inspects
type MaintainedDB interface {
	Name() string
	IntegrityCheck(ctx context.Context) error
	GetStats(ctx context.Context) (*database.Stats, error)
}

// MaintenanceJob checks database integrity and free disk space under the data directory
type MaintenanceJob struct {
	databases []MaintainedDB
	dataDir   string
	freeBytes func(ctx context.Context, path string) (uint64, error)
	log       zerolog.Logger
}

// NewMaintenanceJob creates the daily maintenance job
func NewMaintenanceJob(dataDir string, log zerolog.Logger, databases ...MaintainedDB) *MaintenanceJob {
	return &MaintenanceJob{
		databases: databases,
		dataDir:   dataDir,
		freeBytes: diskFreeBytes,
		log:       log.With().Str("job", "db_maintenance").Logger(),
	}
}

// Name returns the job name
func (j *MaintenanceJob) Name() string {
	return "db_maintenance"
}

// Run fails on a corrupt database or a nearly full disk
func (j *MaintenanceJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), maintenanceJobTimeout)
	defer cancel()

	for _, db := range j.databases {
		if err := db.IntegrityCheck(ctx); err != nil {
			j.log.Error().Err(err).Str("database", db.Name()).Msg("Database integrity check failed")
			return err
		}
		stats, err := db.GetStats(ctx)
		if err != nil {
			j.log.Warn().Err(err).Str("database", db.Name()).Msg("Failed to read database stats")
			continue
		}
		j.log.Info().
			Str("database", db.Name()).
			Int64("size_bytes", stats.SizeBytes).
			Int64("wal_size_bytes", stats.WALSizeBytes).
			Msg("Database healthy")
	}

	free, err := j.freeBytes(ctx, j.dataDir)
	if err != nil {
		j.log.Warn().Err(err).Msg("Failed to read disk usage")
		return nil
	}
	switch {
	case free < criticalFreeBytes:
		j.log.Error().Uint64("free_bytes", free).Msg("Insufficient disk space")
		return fmt.Errorf("only %d bytes free under %s", free, j.dataDir)
	case free < lowFreeBytes:
		j.log.Warn().Uint64("free_bytes", free).Msg("Disk space running low")
	}
	return nil
}

func diskFreeBytes(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}
