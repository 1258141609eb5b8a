// Package accounts stores the brokerage accounts of the fleet and their
// gateway credentials.
package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/fleet/internal/domain"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// Account is a managed brokerage account. Credentials are never serialized to JSON.
type Account struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	Active         bool               `json:"active"`
	HasCredentials bool               `json:"hasCredentials"`
	Credentials    domain.Credentials `json:"-"`
	CreatedAt      time.Time          `json:"createdAt"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}

const accountColumns = `id, name, active, credentials, created_at, updated_at`

// Repository handles account database operations. It is the
// CredentialStore and AccountLister of the fleet.
type Repository struct {
	db  *sql.DB
	now func() time.Time
	log zerolog.Logger
}

// NewRepository creates a new account repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		now: time.Now,
		log: log.With().Str("repo", "account").Logger(),
	}
}

// Upsert creates the account or updates its name, active flag and
// credentials. A nil creds keeps the stored credentials.
func (r *Repository) Upsert(ctx context.Context, id, name string, active bool, creds *domain.Credentials) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return &domain.ValidationError{Field: "id", Message: "is required"}
	}

	var blob interface{} // NULL keeps the stored credentials
	if creds != nil {
		encoded, err := msgpack.Marshal(creds)
		if err != nil {
			return fmt.Errorf("failed to encode credentials: %w", err)
		}
		blob = encoded
	}

	now := r.now().Unix()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (id, name, active, credentials, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			active = excluded.active,
			credentials = COALESCE(excluded.credentials, accounts.credentials),
			updated_at = excluded.updated_at
	`, id, name, boolToInt(active), blob, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert account %s: %w", id, err)
	}

	r.log.Info().Str("account_id", id).Bool("active", active).Bool("credentials", creds != nil).Msg("Account saved")
	return nil
}

// SetActive enables or disables an account
func (r *Repository) SetActive(ctx context.Context, id string, active bool) error {
	result, err := r.db.ExecContext(ctx, "UPDATE accounts SET active = ?, updated_at = ? WHERE id = ?",
		boolToInt(active), r.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update account %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update account %s: %w", id, err)
	}
	if n == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

// Delete removes an account and its credentials
func (r *Repository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete account %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete account %s: %w", id, err)
	}
	if n == 0 {
		return domain.ErrAccountNotFound
	}
	r.log.Info().Str("account_id", id).Msg("Account deleted")
	return nil
}

// Get returns one account, or ErrAccountNotFound
func (r *Repository) Get(ctx context.Context, id string) (*Account, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = ?", id)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account %s: %w", id, err)
	}
	return acct, nil
}

// List returns accounts ordered by id
func (r *Repository) List(ctx context.Context, activeOnly bool) ([]Account, error) {
	query := "SELECT " + accountColumns + " FROM accounts"
	if activeOnly {
		query += " WHERE active = 1"
	}
	query += " ORDER BY id"

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	accounts := make([]Account, 0)
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, *acct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}
	return accounts, nil
}

// ActiveAccountIDs lists the ids of active accounts
func (r *Repository) ActiveAccountIDs(ctx context.Context) ([]string, error) {
	accounts, err := r.List(ctx, true)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(accounts))
	for i, a := range accounts {
		ids[i] = a.ID
	}
	return ids, nil
}

// GetCredentials returns the credentials of an active account
func (r *Repository) GetCredentials(ctx context.Context, accountID string) (domain.Credentials, error) {
	acct, err := r.Get(ctx, accountID)
	if err != nil {
		return domain.Credentials{}, err
	}
	if !acct.Active {
		return domain.Credentials{}, domain.ErrAccountInactive
	}
	if !acct.HasCredentials {
		return domain.Credentials{}, fmt.Errorf("account %s has no credentials", accountID)
	}
	return acct.Credentials, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(s scanner) (*Account, error) {
	var (
		a                    Account
		active               int
		blob                 []byte
		createdAt, updatedAt int64
	)
	if err := s.Scan(&a.ID, &a.Name, &active, &blob, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	a.Active = active != 0
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	a.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if len(blob) > 0 {
		if err := msgpack.Unmarshal(blob, &a.Credentials); err != nil {
			return nil, fmt.Errorf("failed to decode credentials of %s: %w", a.ID, err)
		}
		a.HasCredentials = true
	}
	return &a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
