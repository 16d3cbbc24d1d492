package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"lv-propdesk/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadJSON(t *testing.T) {
	var v struct {
		Symbol string `json:"symbol"`
	}
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"symbol":"XAUUSD"}`))
	require.NoError(t, ReadJSON(r, &v))
	assert.Equal(t, "XAUUSD", v.Symbol)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"symbol":"XAUUSD","extra":1}`))
	assert.Error(t, ReadJSON(r, &v))

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(``))
	assert.EqualError(t, ReadJSON(r, &v), "request body is required")
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("open: %w", apperr.ErrInsufficientFunds), http.StatusUnprocessableEntity, "insufficient_funds"},
		{apperr.ErrNoLiveFeed, http.StatusServiceUnavailable, "no_live_feed"},
		{fmt.Errorf("close: %w", apperr.ErrTradeAlreadyClosed), http.StatusConflict, "trade_already_closed"},
		{apperr.ErrNotFound, http.StatusNotFound, "not_found"},
		{errors.New("pgx: connection reset"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		WriteError(rec, tt.err)
		assert.Equal(t, tt.status, rec.Code)

		var body ErrorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, tt.code, body.Code)
		if tt.status == http.StatusInternalServerError {
			assert.Equal(t, "internal error", body.Error)
		}
	}
}
