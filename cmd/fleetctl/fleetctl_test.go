package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aristath/fleet/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitBatch(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"requestId":"r-1","symbol":"TCS","exchange":"NSE","outcomes":[
			{"accountId":"A","status":"placed","brokerOrderId":"SIM00000001","quantity":10},
			{"accountId":"B","status":"skipped","quantity":0}],
			"summary":{"total":2,"placed":1,"failed":0,"skipped":1}}`)
	}))
	defer srv.Close()

	opts := &executeOptions{server: srv.URL, operation: "exit-all", dryRun: true, timeout: time.Second}
	report, _, err := submitBatch(context.Background(), opts, []byte(`{"symbol":"TCS"}`))
	require.NoError(t, err)

	assert.Equal(t, "/api/orders/exit-all", gotPath)
	assert.Equal(t, true, gotBody["dryRun"])
	assert.Equal(t, domain.BatchSummary{Total: 2, Placed: 1, Skipped: 1}, report.Summary)

	var out bytes.Buffer
	require.NoError(t, writeReport(&out, report))
	assert.Contains(t, out.String(), "SIM00000001")
	assert.Contains(t, out.String(), "total=2 placed=1 failed=0 skipped=1")
}

func TestSubmitBatchErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"symbol: is required"}`)
	}))
	defer srv.Close()

	opts := &executeOptions{server: srv.URL, operation: "execute-all", timeout: time.Second}
	_, _, err := submitBatch(context.Background(), opts, []byte(`{}`))
	assert.ErrorContains(t, err, "symbol: is required")

	_, _, err = submitBatch(context.Background(), opts, []byte(`{not json`))
	assert.ErrorContains(t, err, "not valid JSON")

	opts.operation = "rebalance"
	_, _, err = submitBatch(context.Background(), opts, []byte(`{}`))
	assert.ErrorContains(t, err, "unknown operation")
}

type fakeSyncClient struct {
	connects    int
	disconnects int
}

func (f *fakeSyncClient) Connect(ctx context.Context) error {
	f.connects++
	return nil
}

func (f *fakeSyncClient) Disconnect() { f.disconnects++ }

func TestRunWatchStopsOnExhaustion(t *testing.T) {
	var out bytes.Buffer
	w := newWatcher(&out)
	client := &fakeSyncClient{}

	w.state(domain.ConnectionState{Status: domain.ConnError, ReconnectAttempts: 5, LastError: domain.ErrReconnectExhausted})
	err := runWatch(context.Background(), client, w.exhausted)

	assert.ErrorIs(t, err, domain.ErrReconnectExhausted)
	assert.Equal(t, 1, client.connects)
	assert.Equal(t, 1, client.disconnects)
	assert.Contains(t, out.String(), "[error] attempts=5")
}

func TestRunWatchStopsOnCancel(t *testing.T) {
	client := &fakeSyncClient{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, runWatch(ctx, client, make(chan struct{})))
	assert.Equal(t, 1, client.disconnects)
}

func TestWatcherPrintsUpdatesWithTotals(t *testing.T) {
	var out bytes.Buffer
	w := newWatcher(&out)
	u := domain.PLUpdate{AccountID: "A", CurrentPL: 12.5, Change: 2.5, PercentageChange: 25, Timestamp: time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)}
	w.store.Apply(u)

	w.update(u)

	assert.Contains(t, out.String(), "09:15:00")
	assert.Contains(t, out.String(), "TOTAL")
	assert.Contains(t, out.String(), "accounts=1")
}
