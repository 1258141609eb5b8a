// Package sessions caches authenticated gateway sessions per account.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aristath/fleet/internal/domain"
	"github.com/aristath/fleet/internal/events"
	"github.com/aristath/fleet/pkg/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	defaultAuthTimeout = 30 * time.Second
	maxAuthAttempts    = 3
)

// errInvalidatedDuringAuth marks a login overtaken by Invalidate
var errInvalidatedDuringAuth = errors.New("session invalidated during authentication")

// Options tunes session lifetime
type Options struct {
	// Lifetime caps a session relative to its issue time. Zero disables the cap.
	Lifetime time.Duration
	// ResetLocation enables the daily reset at ResetHour:ResetMinute in that zone
	ResetLocation *time.Location
	ResetHour     int
	ResetMinute   int
	// AuthTimeout bounds a shared authentication call
	AuthTimeout time.Duration
	Clock       clock.Clock
}

// SessionStatus describes the cached session of one account
type SessionStatus struct {
	AccountID     string     `json:"accountId"`
	Exists        bool       `json:"exists"`
	Expired       bool       `json:"expired"`
	IssuedAt      *time.Time `json:"issuedAt,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	SecondsToLive float64    `json:"secondsToLive"`
}

// Cache hands out valid sessions, authenticating at most once per account at a time
type Cache struct {
	sessions     sync.Map // accountID -> *domain.AccountSession
	epochs       sync.Map // accountID -> *atomic.Uint64, bumped by Invalidate
	flights      singleflight.Group
	credentials  domain.CredentialStore
	gateway      domain.BrokerGateway
	eventManager *events.Manager
	opts         Options
	clock        clock.Clock
	log          zerolog.Logger
}

// NewCache creates a session cache
func NewCache(
	credentials domain.CredentialStore,
	gateway domain.BrokerGateway,
	eventManager *events.Manager,
	opts Options,
	log zerolog.Logger,
) *Cache {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = defaultAuthTimeout
	}
	return &Cache{
		credentials:  credentials,
		gateway:      gateway,
		eventManager: eventManager,
		opts:         opts,
		clock:        opts.Clock,
		log:          log.With().Str("component", "session_cache").Logger(),
	}
}

// GetSession returns a valid session for accountID. A cached valid session
// is returned without any gateway call. Concurrent callers for the same
// account share a single authentication.
func (c *Cache) GetSession(ctx context.Context, accountID string) (*domain.AccountSession, error) {
	if s := c.lookup(accountID); s != nil {
		return s, nil
	}

	ch := c.flights.DoChan(accountID, func() (interface{}, error) {
		// A flight that finished just before this one started may have cached a session
		if s := c.lookup(accountID); s != nil {
			return s, nil
		}
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.AuthTimeout)
		defer cancel()

		// A login started before Invalidate may have used stale credentials
		for attempt := 1; ; attempt++ {
			s, err := c.authenticate(flightCtx, accountID, c.epoch(accountID).Load())
			if !errors.Is(err, errInvalidatedDuringAuth) {
				return s, err
			}
			if attempt == maxAuthAttempts {
				return nil, &domain.AuthenticationError{AccountID: accountID, Cause: err}
			}
			c.log.Debug().Str("account_id", accountID).Msg("Session invalidated mid-login, authenticating again")
		}
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*domain.AccountSession), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for session of account %s: %w", accountID, ctx.Err())
	}
}

func (c *Cache) lookup(accountID string) *domain.AccountSession {
	v, ok := c.sessions.Load(accountID)
	if !ok {
		return nil
	}
	s := v.(*domain.AccountSession)
	if !s.Valid(c.clock.Now()) {
		return nil
	}
	return s
}

func (c *Cache) epoch(accountID string) *atomic.Uint64 {
	v, _ := c.epochs.LoadOrStore(accountID, new(atomic.Uint64))
	return v.(*atomic.Uint64)
}

// authenticate logs in and caches the session unless Invalidate ran after
// epoch was read.
func (c *Cache) authenticate(ctx context.Context, accountID string, epoch uint64) (*domain.AccountSession, error) {
	creds, err := c.credentials.GetCredentials(ctx, accountID)
	if err != nil {
		c.log.Warn().Err(err).Str("account_id", accountID).Msg("Failed to load credentials")
		return nil, &domain.AuthenticationError{AccountID: accountID, Cause: err}
	}

	start := c.clock.Now()
	issued, err := c.gateway.Authenticate(ctx, accountID, creds)
	if err != nil {
		c.log.Warn().Err(err).Str("account_id", accountID).Msg("Authentication failed")
		return nil, &domain.AuthenticationError{AccountID: accountID, Cause: err}
	}
	if issued == nil {
		return nil, &domain.AuthenticationError{AccountID: accountID, Cause: fmt.Errorf("gateway returned no session")}
	}

	session := *issued
	session.AccountID = accountID
	if session.IssuedAt.IsZero() {
		session.IssuedAt = start
	}
	session.ExpiresAt = c.expiry(session.IssuedAt, session.ExpiresAt)

	stored := &session
	c.sessions.Store(accountID, stored)
	// Invalidate bumps the epoch before deleting, so either its delete or
	// this check removes a session stored across it
	if c.epoch(accountID).Load() != epoch {
		c.sessions.CompareAndDelete(accountID, stored)
		return nil, errInvalidatedDuringAuth
	}

	c.log.Info().
		Str("account_id", accountID).
		Time("expires_at", session.ExpiresAt).
		Msg("Session authenticated")
	c.eventManager.EmitTyped(events.SessionAuthenticated, "sessions", &events.SessionAuthenticatedData{
		AccountID: accountID,
		ExpiresAt: session.ExpiresAt,
	})

	return &session, nil
}

// expiry is the earliest of the gateway expiry, the lifetime cap and the next daily reset
func (c *Cache) expiry(issuedAt, gatewayExpiry time.Time) time.Time {
	var candidates []time.Time
	if !gatewayExpiry.IsZero() {
		candidates = append(candidates, gatewayExpiry)
	}
	if c.opts.Lifetime > 0 {
		candidates = append(candidates, issuedAt.Add(c.opts.Lifetime))
	}
	if c.opts.ResetLocation != nil {
		candidates = append(candidates, NextReset(issuedAt, c.opts.ResetLocation, c.opts.ResetHour, c.opts.ResetMinute))
	}
	if len(candidates) == 0 {
		return issuedAt.Add(defaultLifetime)
	}

	earliest := candidates[0]
	for _, t := range candidates[1:] {
		if t.Before(earliest) {
			earliest = t
		}
	}
	return earliest
}

const defaultLifetime = 8 * time.Hour

// NextReset returns the first hour:minute in loc strictly after t
func NextReset(t time.Time, loc *time.Location, hour, minute int) time.Time {
	local := t.In(loc)
	reset := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if !reset.After(local) {
		reset = reset.AddDate(0, 0, 1)
	}
	return reset
}

// Invalidate drops the cached session of accountID and discards any login
// already in flight. It reports whether a session was cached.
func (c *Cache) Invalidate(accountID string) bool {
	c.epoch(accountID).Add(1)
	c.flights.Forget(accountID)
	if _, loaded := c.sessions.LoadAndDelete(accountID); !loaded {
		return false
	}
	c.log.Info().Str("account_id", accountID).Msg("Session invalidated")
	c.eventManager.EmitTyped(events.SessionInvalidated, "sessions", &events.SessionInvalidatedData{
		AccountID: accountID,
		Reason:    "manual",
	})
	return true
}

// Status describes the cached session of accountID
func (c *Cache) Status(accountID string) SessionStatus {
	v, ok := c.sessions.Load(accountID)
	if !ok {
		return SessionStatus{AccountID: accountID}
	}
	return c.status(v.(*domain.AccountSession))
}

func (c *Cache) status(s *domain.AccountSession) SessionStatus {
	now := c.clock.Now()
	issued, expires := s.IssuedAt, s.ExpiresAt
	st := SessionStatus{
		AccountID: s.AccountID,
		Exists:    true,
		Expired:   !s.Valid(now),
		IssuedAt:  &issued,
		ExpiresAt: &expires,
	}
	if !st.Expired {
		st.SecondsToLive = expires.Sub(now).Seconds()
	}
	return st
}

// List describes every cached session, ordered by account id
func (c *Cache) List() []SessionStatus {
	var out []SessionStatus
	c.sessions.Range(func(_, v interface{}) bool {
		out = append(out, c.status(v.(*domain.AccountSession)))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// Sweep drops expired sessions and returns how many were removed
func (c *Cache) Sweep() int {
	now := c.clock.Now()
	removed := 0
	c.sessions.Range(func(k, v interface{}) bool {
		s := v.(*domain.AccountSession)
		if s.Valid(now) {
			return true
		}
		// A fresh session stored concurrently is kept
		if c.sessions.CompareAndDelete(k, v) {
			removed++
			c.eventManager.EmitTyped(events.SessionInvalidated, "sessions", &events.SessionInvalidatedData{
				AccountID: s.AccountID,
				Reason:    "expired",
			})
		}
		return true
	})
	if removed > 0 {
		c.log.Debug().Int("removed", removed).Msg("Swept expired sessions")
	}
	return removed
}

// Len returns the number of cached sessions, expired ones included
func (c *Cache) Len() int {
	n := 0
	c.sessions.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
