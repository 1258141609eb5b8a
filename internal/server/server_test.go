package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aristath/fleet/internal/config"
	"github.com/aristath/fleet/internal/di"
	"github.com/aristath/fleet/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.FromEnv()
	cfg.DataDir = t.TempDir()
	cfg.Gateway.Mode = config.GatewayModeSimulator

	log := zerolog.New(nil).Level(zerolog.Disabled)
	container, err := di.Wire(cfg, log)
	require.NoError(t, err)
	t.Cleanup(container.Close)

	return New(Config{Log: log, Port: cfg.Port, DevMode: true, Container: container})
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "fleet", body["service"])
}

func TestSystemStatus(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/api/system/status", "")

	assert.Equal(t, http.StatusOK, w.Code)
	var status SystemStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, config.GatewayModeSimulator, status.GatewayMode)
	assert.Positive(t, status.Goroutines)
	assert.Equal(t, 0, status.Subscribers)
	assert.Equal(t, 0, status.CachedSessions)
}

func TestExecuteAllThroughRouter(t *testing.T) {
	s := newTestServer(t)

	for _, id := range []string{"A", "C"} {
		w := do(t, s, http.MethodPut, "/api/accounts/"+id, `{
			"name": "acct `+id+`",
			"active": true,
			"credentials": {"apiKey": "k", "secretKey": "s", "userId": "`+id+`", "password": "p"}
		}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w := do(t, s, http.MethodPost, "/api/orders/execute-all", `{
		"symbol": "TCS",
		"exchange": "NSE",
		"orderType": "MKT",
		"transactionType": "BUY",
		"productType": "MIS",
		"accountOrders": [
			{"accountId": "A", "quantity": 10},
			{"accountId": "B", "quantity": 0},
			{"accountId": "C", "quantity": 5}
		]
	}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var report domain.BatchReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, domain.BatchSummary{Total: 3, Placed: 2, Skipped: 1}, report.Summary)

	w = do(t, s, http.MethodGet, "/api/batches/"+report.RequestID, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodGet, "/api/sessions/A", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"exists":true`)
}

func TestAccountLifecycleThroughRouter(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPut, "/api/accounts/A", `{
		"name": "acct A",
		"credentials": {"apiKey": "k", "secretKey": "s", "userId": "A", "password": "p"}
	}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s, http.MethodGet, "/api/accounts/A/credentials/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"complete":true`)

	w = do(t, s, http.MethodPost, "/api/orders/execute-all", `{
		"symbol": "TCS", "exchange": "NSE", "orderType": "MKT", "transactionType": "BUY", "productType": "MIS",
		"accountOrders": [{"accountId": "A", "quantity": 10}]
	}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s, http.MethodGet, "/api/accounts/A/positions", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var positions struct {
		Positions []domain.Position `json:"positions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &positions))
	require.Len(t, positions.Positions, 1)
	assert.Equal(t, "TCS", positions.Positions[0].Symbol)
	assert.Equal(t, int64(10), positions.Positions[0].Quantity)

	w = do(t, s, http.MethodGet, "/api/pl/summary", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodDelete, "/api/accounts/A", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"sessionInvalidated":true`)

	w = do(t, s, http.MethodGet, "/api/sessions/A", "")
	assert.Contains(t, w.Body.String(), `"exists":false`)

	w = do(t, s, http.MethodGet, "/api/accounts/A/positions", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/accounts", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
