package plsync

import (
	"sort"
	"sync"

	"github.com/aristath/fleet/internal/domain"
)

// Totals aggregates the latest P&L of every account in a store
type Totals struct {
	Accounts       int     `json:"accounts"`
	CurrentPL      float64 `json:"currentPL"`
	DayPL          float64 `json:"dayPL"`
	PortfolioValue float64 `json:"portfolioValue"`
}

// Store holds the latest applied update per account
type Store struct {
	mu       sync.RWMutex
	accounts map[string]domain.PLUpdate
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{accounts: make(map[string]domain.PLUpdate)}
}

// Apply merges u. An update older than the one held for the account is a
// no-op; re-applying the held update changes nothing. Apply reports whether
// u was stored.
func (s *Store) Apply(u domain.PLUpdate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.accounts[u.AccountID]; ok && u.Timestamp.Before(cur.Timestamp) {
		return false
	}
	s.accounts[u.AccountID] = u
	return true
}

// Get returns the held update of an account
func (s *Store) Get(accountID string) (domain.PLUpdate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.accounts[accountID]
	return u, ok
}

// Snapshot returns every held update ordered by account id
func (s *Store) Snapshot() []domain.PLUpdate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.PLUpdate, 0, len(s.accounts))
	for _, u := range s.accounts {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// Totals sums the held updates
func (s *Store) Totals() Totals {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := Totals{Accounts: len(s.accounts)}
	for _, u := range s.accounts {
		t.CurrentPL += u.CurrentPL
		if u.DayPL != nil {
			t.DayPL += *u.DayPL
		}
		if u.PortfolioValue != nil {
			t.PortfolioValue += *u.PortfolioValue
		}
	}
	return t
}
