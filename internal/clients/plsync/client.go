// Package plsync keeps a live, reconnecting P&L push channel and merges the
// received updates into a local store.
package plsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/aristath/fleet/internal/domain"
	"github.com/aristath/fleet/pkg/clock"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const (
	defaultHeartbeatInterval     = 30 * time.Second
	defaultBaseReconnectInterval = 5 * time.Second
	defaultDialTimeout           = 15 * time.Second
	writeWait                    = 10 * time.Second
	backoffFactor                = 1.5
)

// Options configures a Client
type Options struct {
	URL                   string
	HeartbeatInterval     time.Duration
	BaseReconnectInterval time.Duration
	MaxReconnectInterval  time.Duration // 0 = uncapped
	MaxReconnectAttempts  int
	Jitter                float64 // fraction of the delay, 0 = none
	DialTimeout           time.Duration

	Dialer Dialer
	Clock  clock.Clock
	Rand   func() float64

	// OnUpdate runs for every update that changed the store
	OnUpdate func(domain.PLUpdate)
	// OnStateChange runs after every state transition
	OnStateChange func(domain.ConnectionState)
}

// Client is the push channel state machine. Every transport and timer is
// tagged with the generation it was created in; events from an older
// generation are ignored.
type Client struct {
	opts  Options
	store *Store

	mu             sync.Mutex
	state          domain.ConnectionState
	gen            uint64
	conn           Conn
	cancelRead     context.CancelFunc
	reconnectTimer clock.Timer
	heartbeatTimer clock.Timer
	pending        []domain.ConnectionState

	log zerolog.Logger
}

// NewClient creates a disconnected client merging into store
func NewClient(opts Options, store *Store, log zerolog.Logger) *Client {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.BaseReconnectInterval <= 0 {
		opts.BaseReconnectInterval = defaultBaseReconnectInterval
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = WebSocketDialer{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if store == nil {
		store = NewStore()
	}
	return &Client{
		opts:  opts,
		store: store,
		state: domain.ConnectionState{Status: domain.ConnDisconnected},
		log:   log.With().Str("component", "pl_sync").Str("url", opts.URL).Logger(),
	}
}

// Store returns the store updates are merged into
func (c *Client) Store() *Store {
	return c.store
}

// State returns the current connection state
func (c *Client) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the push channel. It is a no-op while connected or
// connecting, and cancels any scheduled reconnect. Calling Connect after the
// reconnect budget is exhausted starts a fresh budget.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Status == domain.ConnConnected || c.state.Status == domain.ConnConnecting {
		c.mu.Unlock()
		return nil
	}
	c.stopReconnectLocked()
	if errors.Is(c.state.LastError, domain.ErrReconnectExhausted) {
		c.state.ReconnectAttempts = 0
	}
	c.gen++
	gen := c.gen
	c.transitionLocked(domain.ConnConnecting, c.state.LastError)
	c.unlockAndNotify()

	return c.dial(ctx, gen)
}

// Disconnect closes the push channel and cancels any scheduled reconnect.
// The client ends up disconnected regardless of what the transport reports
// afterwards.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.gen++
	c.stopReconnectLocked()
	c.stopHeartbeatLocked()
	conn, cancel := c.conn, c.cancelRead
	c.conn, c.cancelRead = nil, nil
	c.state.ReconnectAttempts = 0
	c.transitionLocked(domain.ConnDisconnected, nil)
	c.unlockAndNotify()

	if conn != nil {
		if err := conn.Close(); err != nil {
			c.log.Debug().Err(err).Msg("Close after disconnect")
		}
	}
	if cancel != nil {
		cancel()
	}
	c.log.Info().Msg("Disconnected")
}

func (c *Client) dial(ctx context.Context, gen uint64) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	conn, err := c.opts.Dialer.Dial(dialCtx, c.opts.URL)
	cancel()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return nil
	}
	if err != nil {
		c.log.Warn().Err(err).Int("attempts", c.state.ReconnectAttempts).Msg("Dial failed")
		c.transitionLocked(domain.ConnError, err)
		c.scheduleReconnectLocked()
		c.unlockAndNotify()
		return fmt.Errorf("failed to connect to %s: %w", c.opts.URL, err)
	}

	readCtx, cancelRead := context.WithCancel(context.Background())
	c.conn, c.cancelRead = conn, cancelRead
	c.state.ReconnectAttempts = 0
	c.transitionLocked(domain.ConnConnected, nil)
	c.armHeartbeatLocked(gen)
	c.unlockAndNotify()

	c.log.Info().Msg("Connected")
	c.sendPing(conn)
	go c.readLoop(readCtx, gen, conn)
	return nil
}

func (c *Client) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		c.handleFrame(gen, data)
	}
}

func (c *Client) handleFrame(gen uint64, data []byte) {
	c.mu.Lock()
	stale := gen != c.gen
	c.mu.Unlock()
	if stale {
		return
	}

	switch gjson.GetBytes(data, "type").String() {
	case domain.FramePLUpdate:
		var frame domain.PLUpdateFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.log.Warn().Err(err).Msg("Malformed pl_update frame")
			return
		}
		if frame.AccountID == "" {
			c.log.Warn().Msg("pl_update frame without account id")
			return
		}
		if !c.store.Apply(frame.PLUpdate) {
			c.log.Debug().Str("account_id", frame.AccountID).Msg("Stale update ignored")
			return
		}
		if c.opts.OnUpdate != nil {
			c.opts.OnUpdate(frame.PLUpdate)
		}
	case domain.FramePing:
	default:
		c.log.Debug().Str("type", gjson.GetBytes(data, "type").String()).Msg("Unknown frame ignored")
	}
}

func (c *Client) handleClose(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.stopHeartbeatLocked()
	if c.cancelRead != nil {
		c.cancelRead()
	}
	c.conn, c.cancelRead = nil, nil

	if errors.Is(err, io.EOF) {
		c.log.Info().Msg("Push channel closed by peer")
		c.transitionLocked(domain.ConnDisconnected, nil)
	} else {
		c.log.Warn().Err(err).Msg("Push channel lost")
		c.transitionLocked(domain.ConnError, fmt.Errorf("%w: %v", domain.ErrConnectionLost, err))
	}
	c.scheduleReconnectLocked()
	c.unlockAndNotify()
}

// scheduleReconnectLocked arms the next reconnect, or parks the client in
// the terminal error state once the budget is spent.
func (c *Client) scheduleReconnectLocked() {
	if c.state.ReconnectAttempts >= c.opts.MaxReconnectAttempts {
		c.log.Error().Int("attempts", c.state.ReconnectAttempts).Msg("Reconnect attempts exhausted")
		c.transitionLocked(domain.ConnError, domain.ErrReconnectExhausted)
		return
	}

	c.state.ReconnectAttempts++
	delay := c.backoff(c.state.ReconnectAttempts)
	gen := c.gen
	c.reconnectTimer = c.opts.Clock.AfterFunc(delay, func() { c.reconnect(gen) })
	c.transitionLocked(c.state.Status, c.state.LastError)

	c.log.Info().
		Int("attempt", c.state.ReconnectAttempts).
		Int("max_attempts", c.opts.MaxReconnectAttempts).
		Dur("delay", delay).
		Msg("Reconnect scheduled")
}

// backoff returns the delay before the given attempt (1-based)
func (c *Client) backoff(attempt int) time.Duration {
	delay := float64(c.opts.BaseReconnectInterval) * math.Pow(backoffFactor, float64(attempt-1))
	if c.opts.MaxReconnectInterval > 0 && delay > float64(c.opts.MaxReconnectInterval) {
		delay = float64(c.opts.MaxReconnectInterval)
	}
	if c.opts.Jitter > 0 {
		delay *= 1 + c.opts.Jitter*(2*c.opts.Rand()-1)
	}
	return time.Duration(delay)
}

func (c *Client) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.gen++
	next := c.gen
	c.transitionLocked(domain.ConnConnecting, c.state.LastError)
	c.unlockAndNotify()

	_ = c.dial(context.Background(), next)
}

func (c *Client) armHeartbeatLocked(gen uint64) {
	c.heartbeatTimer = c.opts.Clock.AfterFunc(c.opts.HeartbeatInterval, func() { c.heartbeat(gen) })
}

func (c *Client) heartbeat(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state.Status != domain.ConnConnected || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.armHeartbeatLocked(gen)
	c.mu.Unlock()

	c.sendPing(conn)
}

// sendPing writes a keepalive frame. Failures are left to the read loop.
func (c *Client) sendPing(conn Conn) {
	data, err := json.Marshal(domain.NewPingFrame(c.opts.Clock.Now().UTC()))
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to encode ping")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := conn.Write(ctx, data); err != nil {
		c.log.Debug().Err(err).Msg("Ping failed")
	}
}

func (c *Client) stopReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Client) stopHeartbeatLocked() {
	if c.heartbeatTimer != nil {
		c.heartbeatTimer.Stop()
		c.heartbeatTimer = nil
	}
}

func (c *Client) transitionLocked(status domain.ConnectionStatus, lastErr error) {
	c.state.Status = status
	c.state.LastError = lastErr
	c.pending = append(c.pending, c.state)
}

// unlockAndNotify releases the lock and then reports queued transitions
func (c *Client) unlockAndNotify() {
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if c.opts.OnStateChange == nil {
		return
	}
	for _, s := range pending {
		c.opts.OnStateChange(s)
	}
}
