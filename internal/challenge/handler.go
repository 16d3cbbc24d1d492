package challenge

import (
	"net/http"
	"strings"

	"lv-propdesk/internal/httputil"
	"lv-propdesk/internal/types"

	"github.com/shopspring/decimal"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type purchaseRequest struct {
	Product string `json:"product"`
}

type payoutRequest struct {
	Amount string `json:"amount"`
}

type statusRequest struct {
	Status  string `json:"status"`
	Details string `json:"details"`
}

func (h *Handler) Products(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.svc.Products())
}

func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request, userID string) {
	var req purchaseRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	product := strings.TrimSpace(req.Product)
	if product == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "product is required"})
		return
	}
	acc, err := h.svc.Purchase(r.Context(), userID, product)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, acc)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request, userID string) {
	list, err := h.svc.List(r.Context(), userID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request, userID, id string) {
	acc, err := h.svc.Get(r.Context(), userID, id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, acc)
}

func (h *Handler) Payout(w http.ResponseWriter, r *http.Request, userID, id string) {
	var req payoutRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid amount"})
		return
	}
	p, err := h.svc.RecordPayout(r.Context(), userID, id, amount)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, p)
}

// SetStatus is mounted under the admin routes.
func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request, id string) {
	var req statusRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	status := types.ChallengeStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	acc, err := h.svc.SetStatus(r.Context(), id, status, strings.TrimSpace(req.Details))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, acc)
}

func (h *Handler) Expire(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.ExpireInactive(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}
