// Package pnl produces per-account P&L updates and fans them out to push
// channel subscribers.
package pnl

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aristath/fleet/internal/domain"
	"github.com/rs/zerolog"
)

// Source produces the updates of one publisher tick
type Source interface {
	Collect(ctx context.Context) ([]domain.PLUpdate, error)
}

// Options tunes the publisher
type Options struct {
	Interval         time.Duration
	SubscriberBuffer int
}

// Subscription is one consumer of the update stream. Its channel is
// bounded; updates that do not fit are dropped for this subscriber only.
type Subscription struct {
	id      uint64
	ch      chan domain.PLUpdate
	dropped atomic.Uint64
}

// Updates returns the update channel. It is closed on Unsubscribe.
func (s *Subscription) Updates() <-chan domain.PLUpdate {
	return s.ch
}

// Dropped returns how many updates were dropped because the channel was full
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Publisher periodically collects updates and broadcasts them
type Publisher struct {
	source Source
	opts   Options

	mu       sync.RWMutex
	nextID   uint64
	subs     map[uint64]*Subscription
	snapshot map[string]domain.PLUpdate

	log zerolog.Logger
}

// NewPublisher creates a publisher
func NewPublisher(source Source, opts Options, log zerolog.Logger) *Publisher {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 64
	}
	return &Publisher{
		source:   source,
		opts:     opts,
		subs:     make(map[uint64]*Subscription),
		snapshot: make(map[string]domain.PLUpdate),
		log:      log.With().Str("component", "pl_publisher").Logger(),
	}
}

// Subscribe registers a consumer. The latest update of every known account
// is queued first so a new subscriber starts with a full picture.
func (p *Publisher) Subscribe() *Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	sub := &Subscription{id: p.nextID, ch: make(chan domain.PLUpdate, p.opts.SubscriberBuffer)}
	p.subs[sub.id] = sub

	for _, u := range p.snapshotLocked() {
		deliver(sub, u)
	}

	p.log.Debug().Uint64("subscriber", sub.id).Int("subscribers", len(p.subs)).Msg("Subscriber added")
	return sub
}

// Unsubscribe removes the consumer and closes its channel
func (p *Publisher) Unsubscribe(sub *Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.subs[sub.id]; !ok {
		return
	}
	delete(p.subs, sub.id)
	close(sub.ch)

	p.log.Debug().
		Uint64("subscriber", sub.id).
		Uint64("dropped", sub.Dropped()).
		Int("subscribers", len(p.subs)).
		Msg("Subscriber removed")
}

// SubscriberCount returns the number of live subscribers
func (p *Publisher) SubscriberCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs)
}

// Snapshot returns the latest update of every account, ordered by account id
func (p *Publisher) Snapshot() []domain.PLUpdate {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshotLocked()
}

func (p *Publisher) snapshotLocked() []domain.PLUpdate {
	out := make([]domain.PLUpdate, 0, len(p.snapshot))
	for _, u := range p.snapshot {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// Publish records u and sends it to every subscriber without blocking
func (p *Publisher) Publish(u domain.PLUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if prev, ok := p.snapshot[u.AccountID]; !ok || !u.Timestamp.Before(prev.Timestamp) {
		p.snapshot[u.AccountID] = u
	}
	for _, sub := range p.subs {
		if !deliver(sub, u) {
			p.log.Warn().
				Uint64("subscriber", sub.id).
				Str("account_id", u.AccountID).
				Uint64("dropped", sub.Dropped()).
				Msg("Subscriber is slow, update dropped")
		}
	}
}

func deliver(sub *Subscription, u domain.PLUpdate) bool {
	select {
	case sub.ch <- u:
		return true
	default:
		sub.dropped.Add(1)
		return false
	}
}

// Tick collects one round of updates and publishes them
func (p *Publisher) Tick(ctx context.Context) error {
	updates, err := p.source.Collect(ctx)
	if err != nil {
		return err
	}
	for _, u := range updates {
		p.Publish(u)
	}
	return nil
}

// Run ticks on the configured interval until ctx is cancelled
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	p.log.Info().Dur("interval", p.opts.Interval).Msg("P&L publisher started")
	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("P&L publisher stopped")
			return
		case <-ticker.C:
			if err := p.Tick(ctx); err != nil && ctx.Err() == nil {
				p.log.Error().Err(err).Msg("P&L collection failed")
			}
		}
	}
}
