package auth

import (
	"net/http"
	"strings"

	"lv-propdesk/internal/httputil"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type issueRequest struct {
	UserID string `json:"user_id"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Issue signs a trader token for an upstream identity. Internal route.
func (h *Handler) Issue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "user_id is required"})
		return
	}
	token, err := h.svc.IssueToken(userID, RoleUser)
	if err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "token generation failed"})
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]string{"user_id": userID, "access_token": token})
}

func (h *Handler) AdminLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid request"})
		return
	}
	token, err := h.svc.AdminLogin(req.Username, req.Password)
	if err != nil {
		httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "invalid credentials"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"token": token, "username": req.Username})
}

func (h *Handler) Verify(w http.ResponseWriter, r *http.Request, userID string) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"valid": true, "user_id": userID})
}
