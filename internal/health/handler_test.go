package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"lv-propdesk/internal/marketdata"
	"lv-propdesk/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadyReportsDegradedDependency(t *testing.T) {
	h := NewHandler(Options{StoreKind: "memory"})
	h.Register("store", func(context.Context) error { return nil })
	h.Register("journal", func(context.Context) error { return errors.New("disk full") })

	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp readinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.True(t, resp.Dependencies["store"].Reachable)
	assert.Equal(t, "disk full", resp.Dependencies["journal"].Error)
}

func TestReadyFlagsStaleQuotes(t *testing.T) {
	book := marketdata.NewQuoteBook(nil)
	now := time.Now().UTC()
	require.NoError(t, book.Set(model.Quote{Symbol: "XAUUSD", Bid: decimal.NewFromInt(2000), Ask: decimal.NewFromInt(2001), ObservedAt: now.Add(-time.Minute)}))
	require.NoError(t, book.Set(model.Quote{Symbol: "EURUSD", Bid: decimal.RequireFromString("1.1"), Ask: decimal.RequireFromString("1.1001"), ObservedAt: now}))

	h := NewHandler(Options{Book: book, QuoteMaxAge: 45 * time.Second})
	h.Register("store", func(context.Context) error { return nil })

	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "stale quotes do not fail readiness")

	var resp readinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Feed)
	assert.Equal(t, 2, resp.Feed.Symbols)
	assert.Equal(t, []string{"XAUUSD"}, resp.Feed.Stale)
}

func TestFullRequiresInternalToken(t *testing.T) {
	h := NewHandler(Options{InternalToken: "s3cret"})

	rec := httptest.NewRecorder()
	h.Full(rec, httptest.NewRequest(http.MethodGet, "/health/full", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/health/full", nil)
	req.Header.Set("X-Internal-Token", "s3cret")
	rec = httptest.NewRecorder()
	h.Full(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"go_version"`)
}

func TestLive(t *testing.T) {
	h := NewHandler(Options{})
	rec := httptest.NewRecorder()
	h.Live(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}
