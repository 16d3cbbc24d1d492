package admin

import (
	"context"
	"net/http"
	"strings"
	"time"

	"lv-propdesk/internal/auth"
	"lv-propdesk/internal/config"
	"lv-propdesk/internal/httputil"
	"lv-propdesk/internal/liquidation"

	"github.com/rs/zerolog"
)

// Handler serves the operator endpoints: sweep trigger and trading settings.
type Handler struct {
	sweeper      *liquidation.Sweeper
	settings     *config.SettingsHolder
	settingsPath string
	log          zerolog.Logger
}

func NewHandler(sweeper *liquidation.Sweeper, settings *config.SettingsHolder, settingsPath string, log zerolog.Logger) *Handler {
	return &Handler{sweeper: sweeper, settings: settings, settingsPath: settingsPath, log: log}
}

// Me returns admin info
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	username, _ := r.Context().Value(adminUsernameKey).(string)
	role, _ := r.Context().Value(adminRoleKey).(string)
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"username": username,
		"role":     role,
	})
}

// Sweep runs one liquidation sweep now and returns its summary.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	res, err := h.sweeper.SweepOnce(ctx)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) Settings(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.settings.Load())
}

// ReloadSettings re-reads the trading settings file. Trades already being
// priced keep the snapshot they started with.
func (h *Handler) ReloadSettings(w http.ResponseWriter, r *http.Request) {
	if !requireOwner(w, r) {
		return
	}
	if strings.TrimSpace(h.settingsPath) == "" {
		httputil.WriteJSON(w, http.StatusConflict, httputil.ErrorResponse{Error: "no settings file configured"})
		return
	}
	if err := h.settings.Reload(h.settingsPath); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	s := h.settings.Load()
	h.log.Info().Int("instruments", len(s.Pricing.Instruments)).Int("products", len(s.Challenges)).Msg("trading settings reloaded")
	httputil.WriteJSON(w, http.StatusOK, s)
}

// AdminAuthMiddleware accepts bearer tokens carrying the admin or owner role.
func AdminAuthMiddleware(svc *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "missing authorization"})
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "invalid authorization format"})
				return
			}
			claims, err := svc.ParseToken(parts[1])
			if err != nil {
				httputil.WriteJSON(w, http.StatusForbidden, httputil.ErrorResponse{Error: "invalid token"})
				return
			}
			if claims.Role != auth.RoleAdmin && claims.Role != auth.RoleOwner {
				httputil.WriteJSON(w, http.StatusForbidden, httputil.ErrorResponse{Error: "admin access required"})
				return
			}
			ctx := context.WithValue(r.Context(), adminUsernameKey, claims.Subject)
			ctx = context.WithValue(ctx, adminRoleKey, claims.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type contextKey string

const adminUsernameKey contextKey = "admin_username"
const adminRoleKey contextKey = "admin_role"

func requireOwner(w http.ResponseWriter, r *http.Request) bool {
	role, _ := r.Context().Value(adminRoleKey).(string)
	if role != auth.RoleOwner {
		httputil.WriteJSON(w, http.StatusForbidden, httputil.ErrorResponse{Error: "owner access required"})
		return false
	}
	return true
}
