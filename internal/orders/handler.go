package orders

import (
	"net/http"
	"strconv"
	"strings"

	"lv-propdesk/internal/httputil"
	"lv-propdesk/internal/model"
	"lv-propdesk/internal/types"

	"github.com/shopspring/decimal"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type openRequest struct {
	FundingRef string `json:"funding_ref"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Lot        string `json:"lot"`
	StopLoss   string `json:"stop_loss"`
	TakeProfit string `json:"take_profit"`
}

type closeRequest struct {
	Lot string `json:"lot"`
}

type modifyRequest struct {
	StopLoss   *string `json:"stop_loss"`
	TakeProfit *string `json:"take_profit"`
}

type closeAllRequest struct {
	FundingRef string `json:"funding_ref"`
	Scope      string `json:"scope"`
}

func badRequest(w http.ResponseWriter, msg string) {
	httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: msg})
}

// optionalDecimal parses raw; empty means absent.
func optionalDecimal(raw string) (*decimal.Decimal, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, true
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, false
	}
	return &v, true
}

func (h *Handler) Open(w http.ResponseWriter, r *http.Request, userID string) {
	var req openRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	ref, err := model.ParseFundingRef(req.FundingRef)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		badRequest(w, "symbol is required")
		return
	}
	lot, err := decimal.NewFromString(strings.TrimSpace(req.Lot))
	if err != nil {
		badRequest(w, "invalid lot")
		return
	}
	sl, ok := optionalDecimal(req.StopLoss)
	if !ok {
		badRequest(w, "invalid stop_loss")
		return
	}
	tp, ok := optionalDecimal(req.TakeProfit)
	if !ok {
		badRequest(w, "invalid take_profit")
		return
	}
	res, err := h.svc.Open(r.Context(), OpenRequest{
		UserID:     userID,
		Ref:        ref,
		Symbol:     symbol,
		Side:       types.OrderSide(strings.ToUpper(strings.TrimSpace(req.Side))),
		Lot:        lot,
		StopLoss:   sl,
		TakeProfit: tp,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, res)
}

// Close accepts an empty body for a full close.
func (h *Handler) Close(w http.ResponseWriter, r *http.Request, userID, tradeID string) {
	var req closeRequest
	if r.ContentLength != 0 {
		if err := httputil.ReadJSON(r, &req); err != nil {
			badRequest(w, err.Error())
			return
		}
	}
	lot, ok := optionalDecimal(req.Lot)
	if !ok {
		badRequest(w, "invalid lot")
		return
	}
	c, err := h.svc.Close(r.Context(), CloseRequest{UserID: userID, TradeID: tradeID, Lot: lot})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, c)
}

// Modify treats a null or missing level as unchanged and an empty string as
// a request to clear it.
func (h *Handler) Modify(w http.ResponseWriter, r *http.Request, userID, tradeID string) {
	var req modifyRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	mr := ModifyRequest{UserID: userID, TradeID: tradeID}
	if req.StopLoss != nil {
		v, ok := optionalDecimal(*req.StopLoss)
		if !ok {
			badRequest(w, "invalid stop_loss")
			return
		}
		mr.StopLoss, mr.ClearStopLoss = v, v == nil
	}
	if req.TakeProfit != nil {
		v, ok := optionalDecimal(*req.TakeProfit)
		if !ok {
			badRequest(w, "invalid take_profit")
			return
		}
		mr.TakeProfit, mr.ClearTakeProfit = v, v == nil
	}
	t, err := h.svc.Modify(r.Context(), mr)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, t)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request, userID string) {
	q := r.URL.Query()
	var ref model.FundingRef
	if raw := q.Get("funding_ref"); raw != "" {
		var err error
		if ref, err = model.ParseFundingRef(raw); err != nil {
			badRequest(w, err.Error())
			return
		}
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(w, "invalid limit")
			return
		}
		limit = n
	}
	list, err := h.svc.List(r.Context(), userID, ref, strings.ToLower(q.Get("status")), limit)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request, userID, tradeID string) {
	t, err := h.svc.Get(r.Context(), userID, tradeID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, t)
}

func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request, userID string) {
	ref, err := model.ParseFundingRef(r.URL.Query().Get("funding_ref"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	m, err := h.svc.AccountMetrics(r.Context(), userID, ref)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, m)
}

func (h *Handler) CloseAll(w http.ResponseWriter, r *http.Request, userID string) {
	var req closeAllRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	ref, err := model.ParseFundingRef(req.FundingRef)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	res, err := h.svc.CloseAll(r.Context(), userID, ref, req.Scope)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}
