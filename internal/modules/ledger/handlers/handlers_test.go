package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aristath/fleet/internal/domain"
	"github.com/aristath/fleet/internal/modules/ledger"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReports struct {
	batches   map[string]*ledger.Batch
	lastLimit int
	err       error
}

func (f *fakeReports) Get(ctx context.Context, requestID string) (*ledger.Batch, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.batches[requestID], nil
}

func (f *fakeReports) Recent(ctx context.Context, limit int) ([]ledger.Batch, error) {
	f.lastLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	out := make([]ledger.Batch, 0, len(f.batches))
	for _, b := range f.batches {
		out = append(out, *b)
	}
	return out, nil
}

func newFakeReports() *fakeReports {
	report := domain.NewBatchReport("req-1", domain.OrderTemplate{Symbol: "TCS", Exchange: domain.ExchangeNSE},
		[]domain.OrderOutcome{domain.Placed("A", "OID-1", 10)})
	return &fakeReports{batches: map[string]*ledger.Batch{
		"req-1": {Operation: "execute_all", BatchReport: report},
	}}
}

func setupRouter(reports ReportReader) chi.Router {
	r := chi.NewRouter()
	NewHandler(reports, zerolog.New(nil).Level(zerolog.Disabled)).RegisterRoutes(r)
	return r
}

func TestHandleListBatches(t *testing.T) {
	reports := newFakeReports()
	router := setupRouter(reports)

	req := httptest.NewRequest("GET", "/batches?limit=5000", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, maxLimit, reports.lastLimit)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, 1.0, body["count"])
	batches := body["batches"].([]interface{})
	first := batches[0].(map[string]interface{})
	assert.Equal(t, "execute_all", first["operation"])
	assert.Equal(t, "req-1", first["requestId"])
}

func TestHandleListBatchesDefaultLimit(t *testing.T) {
	reports := newFakeReports()
	router := setupRouter(reports)

	req := httptest.NewRequest("GET", "/batches?limit=abc", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 50, reports.lastLimit)
}

func TestHandleGetBatch(t *testing.T) {
	router := setupRouter(newFakeReports())

	req := httptest.NewRequest("GET", "/batches/req-1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "TCS", body["symbol"])
	assert.Len(t, body["outcomes"], 1)
}

func TestHandleGetBatchNotFound(t *testing.T) {
	router := setupRouter(newFakeReports())

	req := httptest.NewRequest("GET", "/batches/missing", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleGetBatchError(t *testing.T) {
	router := setupRouter(&fakeReports{err: errors.New("disk full")})

	req := httptest.NewRequest("GET", "/batches/req-1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
