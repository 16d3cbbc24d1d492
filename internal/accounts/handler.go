package accounts

import (
	"net/http"
	"strconv"
	"strings"

	"lv-propdesk/internal/httputil"

	"github.com/shopspring/decimal"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type movementRequest struct {
	UserID    string `json:"user_id"`
	Amount    string `json:"amount"`
	Reference string `json:"reference"`
}

func (h *Handler) Wallet(w http.ResponseWriter, r *http.Request, userID string) {
	m, err := h.svc.Wallet(r.Context(), userID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, m)
}

func (h *Handler) Ledger(w http.ResponseWriter, r *http.Request, userID string) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.svc.Ledger(r.Context(), userID, limit)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, entries)
}

func (h *Handler) SetLeverage(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		Leverage int `json:"leverage"`
	}
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	fs, err := h.svc.SetLeverage(r.Context(), userID, req.Leverage)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fs)
}

func (h *Handler) readMovement(w http.ResponseWriter, r *http.Request) (movementRequest, decimal.Decimal, bool) {
	var req movementRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return req, decimal.Zero, false
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "user_id is required"})
		return req, decimal.Zero, false
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid amount"})
		return req, decimal.Zero, false
	}
	return req, amount, true
}

// Deposit and Withdraw are mounted under the internal routes.
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	req, amount, ok := h.readMovement(w, r)
	if !ok {
		return
	}
	m, err := h.svc.Deposit(r.Context(), req.UserID, amount, strings.TrimSpace(req.Reference))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, m)
}

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	req, amount, ok := h.readMovement(w, r)
	if !ok {
		return
	}
	m, err := h.svc.Withdraw(r.Context(), req.UserID, amount, strings.TrimSpace(req.Reference))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, m)
}
