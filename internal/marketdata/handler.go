package marketdata

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"lv-propdesk/internal/httputil"
	"lv-propdesk/internal/model"

	"github.com/shopspring/decimal"
)

type Handler struct {
	book *QuoteBook
	WS   *QuoteWS
}

func NewHandler(book *QuoteBook, ws *QuoteWS) *Handler {
	return &Handler{book: book, WS: ws}
}

func (h *Handler) Quotes(w http.ResponseWriter, r *http.Request) {
	quotes := h.book.Snapshot()
	if raw := strings.TrimSpace(r.URL.Query().Get("symbol")); raw != "" {
		want := strings.ToUpper(raw)
		filtered := quotes[:0]
		for _, q := range quotes {
			if q.Symbol == want {
				filtered = append(filtered, q)
			}
		}
		quotes = filtered
	}
	httputil.WriteJSON(w, http.StatusOK, quotes)
}

type ingestRequest struct {
	Symbol     string          `json:"symbol"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	ObservedAt *time.Time      `json:"observed_at"`
}

// Ingest accepts quotes pushed by an external feed. The batch is applied
// only when every quote in it is acceptable.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req []ingestRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	batch := make([]model.Quote, 0, len(req))
	for i, q := range req {
		quote := model.Quote{Symbol: q.Symbol, Bid: q.Bid, Ask: q.Ask}
		if q.ObservedAt != nil {
			quote.ObservedAt = *q.ObservedAt
		}
		checked, err := h.book.Check(quote)
		if err != nil {
			httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: fmt.Sprintf("quote %d: %v", i, err)})
			return
		}
		batch = append(batch, checked)
	}
	accepted := 0
	for _, q := range batch {
		if err := h.book.Set(q); err != nil {
			httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
			return
		}
		accepted++
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]int{"accepted": accepted})
}
