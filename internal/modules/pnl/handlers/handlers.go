// Package handlers exposes the P&L stream over a WebSocket push channel.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/aristath/fleet/internal/domain"
	"github.com/aristath/fleet/internal/modules/pnl"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"nhooyr.io/websocket"
)

const (
	writeWait     = 10 * time.Second
	topPerformers = 5
)

// UpdateFeed is the publisher surface used by the handlers
type UpdateFeed interface {
	Subscribe() *pnl.Subscription
	Unsubscribe(sub *pnl.Subscription)
	Snapshot() []domain.PLUpdate
}

// Handler serves the push channel
type Handler struct {
	feed         UpdateFeed
	pingInterval time.Duration
	originCheck  bool
	log          zerolog.Logger
}

// NewHandler creates a push channel handler. With originCheck false any
// origin may connect (development).
func NewHandler(feed UpdateFeed, pingInterval time.Duration, originCheck bool, log zerolog.Logger) *Handler {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &Handler{
		feed:         feed,
		pingInterval: pingInterval,
		originCheck:  originCheck,
		log:          log.With().Str("handler", "pl_stream").Logger(),
	}
}

// HandleSnapshot handles GET /api/pl/snapshot
func (h *Handler) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"updates": h.feed.Snapshot()}); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// Summary is the fleet-wide roll-up of the latest P&L of every account
type Summary struct {
	Accounts            int               `json:"accounts"`
	TotalPL             float64           `json:"totalPL"`
	TotalChange         float64           `json:"totalChange"`
	TotalDayPL          float64           `json:"totalDayPL"`
	TotalPortfolioValue float64           `json:"totalPortfolioValue"`
	Profitable          int               `json:"profitable"`
	Losing              int               `json:"losing"`
	UpdatedAt           *time.Time        `json:"updatedAt,omitempty"`
	PerAccount          []domain.PLUpdate `json:"perAccount"`
	TopPerformers       []domain.PLUpdate `json:"topPerformers"` // by day P&L, then current P&L
}

// Summarize totals a snapshot. Accounts without day or portfolio figures
// add nothing to those totals.
func Summarize(snapshot []domain.PLUpdate) Summary {
	s := Summary{Accounts: len(snapshot), PerAccount: snapshot}
	if s.PerAccount == nil {
		s.PerAccount = []domain.PLUpdate{}
	}
	for _, u := range snapshot {
		s.TotalPL += u.CurrentPL
		s.TotalChange += u.Change
		if u.DayPL != nil {
			s.TotalDayPL += *u.DayPL
		}
		if u.PortfolioValue != nil {
			s.TotalPortfolioValue += *u.PortfolioValue
		}
		switch {
		case u.CurrentPL > 0:
			s.Profitable++
		case u.CurrentPL < 0:
			s.Losing++
		}
		if s.UpdatedAt == nil || u.Timestamp.After(*s.UpdatedAt) {
			ts := u.Timestamp
			s.UpdatedAt = &ts
		}
	}

	ranked := append([]domain.PLUpdate(nil), s.PerAccount...)
	sort.SliceStable(ranked, func(i, j int) bool {
		di, dj := dayPL(ranked[i]), dayPL(ranked[j])
		if di != dj {
			return di > dj
		}
		return ranked[i].CurrentPL > ranked[j].CurrentPL
	})
	if len(ranked) > topPerformers {
		ranked = ranked[:topPerformers]
	}
	s.TopPerformers = ranked
	return s
}

func dayPL(u domain.PLUpdate) float64 {
	if u.DayPL == nil {
		return 0
	}
	return *u.DayPL
}

// HandleSummary handles GET /api/pl/summary
func (h *Handler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(Summarize(h.feed.Snapshot())); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// HandleStream handles GET /ws/pl
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: !h.originCheck})
	if err != nil {
		h.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := h.feed.Subscribe()
	defer h.feed.Unsubscribe(sub)

	remote := r.RemoteAddr
	h.log.Info().Str("remote", remote).Msg("Push client connected")

	go h.readMessages(ctx, cancel, conn)

	err = h.writeMessages(ctx, conn, sub)
	switch {
	case err == nil:
		conn.Close(websocket.StatusGoingAway, "server shutting down")
	case errors.Is(err, context.Canceled):
		conn.Close(websocket.StatusNormalClosure, "")
	default:
		h.log.Warn().Err(err).Str("remote", remote).Msg("Push client write failed")
	}
	h.log.Info().Str("remote", remote).Uint64("dropped", sub.Dropped()).Msg("Push client disconnected")
}

// writeMessages drains the subscription and sends server pings. It returns
// nil when the subscription is closed.
func (h *Handler) writeMessages(ctx context.Context, conn *websocket.Conn, sub *pnl.Subscription) error {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-sub.Updates():
			if !ok {
				return nil
			}
			if err := writeFrame(ctx, conn, domain.NewPLUpdateFrame(u)); err != nil {
				return err
			}
		case <-ticker.C:
			if err := writeFrame(ctx, conn, domain.NewPingFrame(time.Now().UTC())); err != nil {
				return err
			}
		}
	}
}

// readMessages consumes client frames. Pings and unknown frames are
// ignored; only a read error ends the connection.
func (h *Handler) readMessages(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()

	for {
		msgType, message, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				h.log.Debug().Err(err).Msg("Push client read ended")
			}
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		switch frameType := gjson.GetBytes(message, "type").String(); frameType {
		case domain.FramePing:
			// keepalive only
		default:
			h.log.Debug().Str("type", frameType).Msg("Ignoring client frame")
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
