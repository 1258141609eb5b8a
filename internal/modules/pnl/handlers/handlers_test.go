package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aristath/fleet/internal/domain"
	"github.com/aristath/fleet/internal/modules/pnl"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"nhooyr.io/websocket"
)

type noSource struct{}

func (noSource) Collect(ctx context.Context) ([]domain.PLUpdate, error) { return nil, nil }

func setupServer(t *testing.T, pingInterval time.Duration) (*httptest.Server, *pnl.Publisher) {
	t.Helper()
	log := zerolog.New(nil).Level(zerolog.Disabled)
	publisher := pnl.NewPublisher(noSource{}, pnl.Options{SubscriberBuffer: 16}, log)

	r := chi.NewRouter()
	h := NewHandler(publisher, pingInterval, false, log)
	h.RegisterStreamRoutes(r)
	r.Route("/api", h.RegisterRoutes)

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server, publisher
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(server.URL, "http")+"/ws/pl", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	return data
}

func waitForSubscribers(t *testing.T, p *pnl.Publisher, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return p.SubscriberCount() == n }, 5*time.Second, 5*time.Millisecond)
}

func TestStreamDeliversUpdates(t *testing.T) {
	server, publisher := setupServer(t, time.Hour)
	conn := dial(t, server)
	waitForSubscribers(t, publisher, 1)

	day := 12.5
	publisher.Publish(domain.PLUpdate{AccountID: "A", CurrentPL: 100, Change: 5, DayPL: &day, Timestamp: time.Now().UTC()})

	frame := readFrame(t, conn)
	assert.Equal(t, "pl_update", gjson.GetBytes(frame, "type").String())
	assert.Equal(t, "A", gjson.GetBytes(frame, "accountId").String())
	assert.Equal(t, 100.0, gjson.GetBytes(frame, "currentPL").Float())
	assert.Equal(t, 12.5, gjson.GetBytes(frame, "dayPL").Float())
	assert.False(t, gjson.GetBytes(frame, "portfolioValue").Exists())
}

func TestStreamIgnoresClientPingsAndUnknownFrames(t *testing.T) {
	server, publisher := setupServer(t, time.Hour)
	conn := dial(t, server)
	waitForSubscribers(t, publisher, 1)

	ctx := context.Background()
	ping, _ := json.Marshal(domain.NewPingFrame(time.Now()))
	require.NoError(t, conn.Write(ctx, websocket.MessageText, ping))
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"subscribe","channel":"x"}`)))
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`not json`)))

	publisher.Publish(domain.PLUpdate{AccountID: "B", CurrentPL: 1, Timestamp: time.Now().UTC()})

	frame := readFrame(t, conn)
	assert.Equal(t, "B", gjson.GetBytes(frame, "accountId").String())
	assert.Equal(t, 1, publisher.SubscriberCount())
}

func TestStreamSendsServerPings(t *testing.T) {
	server, publisher := setupServer(t, 20*time.Millisecond)
	conn := dial(t, server)
	waitForSubscribers(t, publisher, 1)

	frame := readFrame(t, conn)
	assert.Equal(t, "ping", gjson.GetBytes(frame, "type").String())
}

func TestStreamUnsubscribesOnClose(t *testing.T) {
	server, publisher := setupServer(t, time.Hour)
	conn := dial(t, server)
	waitForSubscribers(t, publisher, 1)

	_ = conn.Close(websocket.StatusNormalClosure, "")
	waitForSubscribers(t, publisher, 0)
}

func TestHandleSnapshot(t *testing.T) {
	server, publisher := setupServer(t, time.Hour)
	publisher.Publish(domain.PLUpdate{AccountID: "A", CurrentPL: 3, Timestamp: time.Now().UTC()})

	resp, err := http.Get(server.URL + "/api/pl/snapshot")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Updates []domain.PLUpdate `json:"updates"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Updates, 1)
	assert.Equal(t, "A", body.Updates[0].AccountID)
}

func TestSummarize(t *testing.T) {
	day, value := 4.0, 1000.0
	early := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)
	late := early.Add(time.Minute)

	s := Summarize([]domain.PLUpdate{
		{AccountID: "A", CurrentPL: 150, Change: 10, DayPL: &day, PortfolioValue: &value, Timestamp: early},
		{AccountID: "B", CurrentPL: -50, Change: -5, Timestamp: late},
		{AccountID: "C", Timestamp: early},
	})

	assert.Equal(t, 3, s.Accounts)
	assert.Equal(t, 100.0, s.TotalPL)
	assert.Equal(t, 5.0, s.TotalChange)
	assert.Equal(t, 4.0, s.TotalDayPL)
	assert.Equal(t, 1000.0, s.TotalPortfolioValue)
	assert.Equal(t, 1, s.Profitable)
	assert.Equal(t, 1, s.Losing)
	require.NotNil(t, s.UpdatedAt)
	assert.True(t, late.Equal(*s.UpdatedAt))
	assert.Len(t, s.PerAccount, 3)
	require.Len(t, s.TopPerformers, 3)
	assert.Equal(t, []string{"A", "C", "B"}, []string{s.TopPerformers[0].AccountID, s.TopPerformers[1].AccountID, s.TopPerformers[2].AccountID})

	empty := Summarize(nil)
	assert.Equal(t, 0, empty.Accounts)
	assert.Nil(t, empty.UpdatedAt)
	assert.NotNil(t, empty.PerAccount)
	assert.Empty(t, empty.TopPerformers)
}

func TestSummarizeCapsTopPerformers(t *testing.T) {
	snapshot := make([]domain.PLUpdate, 8)
	for i := range snapshot {
		day := float64(i)
		snapshot[i] = domain.PLUpdate{AccountID: string(rune('A' + i)), DayPL: &day}
	}

	s := Summarize(snapshot)
	require.Len(t, s.TopPerformers, topPerformers)
	assert.Equal(t, "H", s.TopPerformers[0].AccountID)
	assert.Equal(t, "D", s.TopPerformers[topPerformers-1].AccountID)
	assert.Equal(t, "A", s.PerAccount[0].AccountID)
}

func TestHandleSummary(t *testing.T) {
	server, publisher := setupServer(t, time.Hour)
	publisher.Publish(domain.PLUpdate{AccountID: "A", CurrentPL: 3, Timestamp: time.Now().UTC()})
	publisher.Publish(domain.PLUpdate{AccountID: "B", CurrentPL: -1, Timestamp: time.Now().UTC()})

	resp, err := http.Get(server.URL + "/api/pl/summary")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body Summary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 2, body.Accounts)
	assert.Equal(t, 2.0, body.TotalPL)
	assert.Len(t, body.PerAccount, 2)
}
