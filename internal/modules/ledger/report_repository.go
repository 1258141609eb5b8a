// Package ledger persists batch reports for later inspection.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/fleet/internal/database"
	"github.com/aristath/fleet/internal/domain"
	"github.com/rs/zerolog"
)

// Batch is a stored batch report together with the operation that produced it
type Batch struct {
	Operation string `json:"operation"`
	*domain.BatchReport
}

const batchColumns = `request_id, operation, symbol, exchange, transaction_type, started_at, duration_ms,
	mean_unit_ms, p95_unit_ms, workers, dry_run, total, placed, failed, skipped`

const outcomeColumns = `account_id, status, transaction_type, broker_order_id, error_kind, error_message,
	quantity, price, execution_time_ms, dry_run`

// ReportRepository handles batch report database operations
type ReportRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewReportRepository creates a new report repository
func NewReportRepository(db *sql.DB, log zerolog.Logger) *ReportRepository {
	return &ReportRepository{
		db:  db,
		log: log.With().Str("repo", "batch_report").Logger(),
	}
}

// Save stores a report and its outcomes in one transaction. Saving the same
// request id twice replaces the earlier copy.
func (r *ReportRepository) Save(ctx context.Context, operation string, report *domain.BatchReport) error {
	if report == nil || report.RequestID == "" {
		return fmt.Errorf("failed to save report: missing request id")
	}

	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM batches WHERE request_id = ?", report.RequestID); err != nil {
			return err
		}

		m := report.Metadata
		_, err := tx.ExecContext(ctx, "INSERT INTO batches ("+batchColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			report.RequestID,
			operation,
			report.Symbol,
			string(report.Exchange),
			string(report.TransactionType),
			m.StartedAt.UnixMilli(),
			m.DurationMs,
			m.MeanUnitMs,
			m.P95UnitMs,
			m.Workers,
			boolToInt(m.DryRun),
			report.Summary.Total,
			report.Summary.Placed,
			report.Summary.Failed,
			report.Summary.Skipped,
		)
		if err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx, "INSERT INTO batch_outcomes (request_id, position, "+outcomeColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, o := range report.Outcomes {
			var price sql.NullFloat64
			if o.Price != nil {
				price = sql.NullFloat64{Float64: *o.Price, Valid: true}
			}
			if _, err := stmt.ExecContext(ctx,
				report.RequestID, i,
				o.AccountID,
				string(o.Status),
				string(o.TransactionType),
				o.BrokerOrderID,
				string(o.ErrorKind),
				o.ErrorMessage,
				o.Quantity,
				price,
				o.ExecutionTimeMs,
				boolToInt(o.DryRun),
			); err != nil {
				return fmt.Errorf("outcome %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save report %s: %w", report.RequestID, err)
	}

	r.log.Debug().
		Str("request_id", report.RequestID).
		Int("outcomes", len(report.Outcomes)).
		Msg("Batch report stored")
	return nil
}

// Get returns the stored batch with its outcomes, or nil when unknown
func (r *ReportRepository) Get(ctx context.Context, requestID string) (*Batch, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+batchColumns+" FROM batches WHERE request_id = ?", requestID)
	batch, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch %s: %w", requestID, err)
	}

	rows, err := r.db.QueryContext(ctx, "SELECT "+outcomeColumns+" FROM batch_outcomes WHERE request_id = ? ORDER BY position", requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		batch.Outcomes = append(batch.Outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outcomes: %w", err)
	}
	return batch, nil
}

// Recent returns the newest batches without their outcomes
func (r *ReportRepository) Recent(ctx context.Context, limit int) ([]Batch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, "SELECT "+batchColumns+" FROM batches ORDER BY started_at DESC, request_id LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	batches := make([]Batch, 0)
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		batches = append(batches, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating batches: %w", err)
	}
	return batches, nil
}

// DeleteOlderThan removes batches started before cutoff. Outcomes cascade.
func (r *ReportRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, "DELETE FROM batches WHERE started_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old batches: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted batches: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBatch(s scanner) (*Batch, error) {
	var (
		b                              Batch
		report                         domain.BatchReport
		exchange, side                 string
		startedAt                      int64
		dryRun                         int
		total, placed, failed, skipped int
	)
	err := s.Scan(
		&report.RequestID, &b.Operation, &report.Symbol, &exchange, &side, &startedAt,
		&report.Metadata.DurationMs, &report.Metadata.MeanUnitMs, &report.Metadata.P95UnitMs,
		&report.Metadata.Workers, &dryRun, &total, &placed, &failed, &skipped,
	)
	if err != nil {
		return nil, err
	}

	report.Exchange = domain.Exchange(exchange)
	report.TransactionType = domain.TransactionType(side)
	report.Metadata.StartedAt = time.UnixMilli(startedAt).UTC()
	report.Metadata.DryRun = dryRun != 0
	report.Summary = domain.BatchSummary{Total: total, Placed: placed, Failed: failed, Skipped: skipped}
	report.Outcomes = []domain.OrderOutcome{}
	b.BatchReport = &report
	return &b, nil
}

func scanOutcome(s scanner) (domain.OrderOutcome, error) {
	var (
		o                  domain.OrderOutcome
		status, side, kind string
		price              sql.NullFloat64
		dryRun             int
	)
	err := s.Scan(&o.AccountID, &status, &side, &o.BrokerOrderID, &kind, &o.ErrorMessage,
		&o.Quantity, &price, &o.ExecutionTimeMs, &dryRun)
	if err != nil {
		return o, err
	}
	o.Status = domain.OutcomeStatus(status)
	o.TransactionType = domain.TransactionType(side)
	o.ErrorKind = domain.ErrorKind(kind)
	o.DryRun = dryRun != 0
	if price.Valid {
		p := price.Float64
		o.Price = &p
	}
	return o, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
