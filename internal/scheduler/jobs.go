package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/fleet/internal/database"
	"github.com/rs/zerolog"
)

const jobTimeout = 5 * time.Minute

// SessionSweeper drops expired cached sessions
type SessionSweeper interface {
	Sweep() int
}

// SessionSweepJob evicts expired gateway sessions
type SessionSweepJob struct {
	sessions SessionSweeper
	log      zerolog.Logger
}

// NewSessionSweepJob creates a session sweep job
func NewSessionSweepJob(sessions SessionSweeper, log zerolog.Logger) *SessionSweepJob {
	return &SessionSweepJob{sessions: sessions, log: log.With().Str("job", "session_sweep").Logger()}
}

// Name returns the job name
func (j *SessionSweepJob) Name() string {
	return "session_sweep"
}

// Run executes the sweep
func (j *SessionSweepJob) Run() error {
	if removed := j.sessions.Sweep(); removed > 0 {
		j.log.Info().Int("removed", removed).Msg("Expired sessions swept")
	}
	return nil
}

// BatchPruner deletes batch reports older than a cutoff
type BatchPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// LedgerRetentionJob prunes old batch reports
type LedgerRetentionJob struct {
	reports   BatchPruner
	retention time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

// NewLedgerRetentionJob keeps retentionDays of batch history. A
// non-positive retention keeps everything.
func NewLedgerRetentionJob(reports BatchPruner, retentionDays int, log zerolog.Logger) *LedgerRetentionJob {
	return &LedgerRetentionJob{
		reports:   reports,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		now:       time.Now,
		log:       log.With().Str("job", "ledger_retention").Logger(),
	}
}

// Name returns the job name
func (j *LedgerRetentionJob) Name() string {
	return "ledger_retention"
}

// Run deletes expired batches
func (j *LedgerRetentionJob) Run() error {
	if j.retention <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	cutoff := j.now().Add(-j.retention)
	deleted, err := j.reports.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("ledger retention: %w", err)
	}
	j.log.Info().Int64("deleted", deleted).Time("cutoff", cutoff).Msg("Ledger retention completed")
	return nil
}

// WALCheckpointJob truncates the WAL of every registered database
type WALCheckpointJob struct {
	databases []*database.DB
	log       zerolog.Logger
}

// NewWALCheckpointJob creates a checkpoint job over dbs. Nil entries are skipped.
func NewWALCheckpointJob(log zerolog.Logger, dbs ...*database.DB) *WALCheckpointJob {
	return &WALCheckpointJob{databases: dbs, log: log.With().Str("job", "wal_checkpoint").Logger()}
}

// Name returns the job name
func (j *WALCheckpointJob) Name() string {
	return "wal_checkpoint"
}

// Run checkpoints each database. One failing database does not stop the
// others; the first error is returned.
func (j *WALCheckpointJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	var firstErr error
	checked := 0
	for _, db := range j.databases {
		if db == nil {
			continue
		}
		if err := db.WALCheckpoint(ctx, "TRUNCATE"); err != nil {
			j.log.Warn().Err(err).Str("database", db.Name()).Msg("Failed to checkpoint WAL")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		checked++
	}

	j.log.Info().Int("checked", checked).Msg("WAL checkpoint completed")
	return firstErr
}

// MarketWalker advances simulated market prices
type MarketWalker interface {
	Step()
}

// MarketWalkJob moves the simulator marks so paper positions show live P&L
type MarketWalkJob struct {
	market MarketWalker
}

// NewMarketWalkJob creates a market walk job
func NewMarketWalkJob(market MarketWalker) *MarketWalkJob {
	return &MarketWalkJob{market: market}
}

// Name returns the job name
func (j *MarketWalkJob) Name() string {
	return "market_walk"
}

// Run advances the marks by one step
func (j *MarketWalkJob) Run() error {
	j.market.Step()
	return nil
}
