package journal

import (
	"net/http"
	"strconv"
	"time"

	"lv-propdesk/internal/httputil"
	"lv-propdesk/internal/model"
)

type Handler struct {
	j *SQLite
}

func NewHandler(j *SQLite) *Handler {
	return &Handler{j: j}
}

func (h *Handler) ref(w http.ResponseWriter, r *http.Request) (model.FundingRef, bool) {
	ref, err := model.ParseFundingRef(r.URL.Query().Get("funding_ref"))
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return model.FundingRef{}, false
	}
	return ref, true
}

// Closings lists journaled closes of a funding source, newest first.
func (h *Handler) Closings(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.ref(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	out, err := h.j.Closings(r.Context(), ref, limit)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

// Equity returns sweep snapshots since ?since= (RFC3339, default 24h ago).
func (h *Handler) Equity(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.ref(w, r)
	if !ok {
		return
	}
	since := time.Now().UTC().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "since must be RFC3339"})
			return
		}
		since = t
	}
	out, err := h.j.Equity(r.Context(), ref, since)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}
