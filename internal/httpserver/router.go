package httpserver

import (
	"net/http"
	"time"

	"lv-propdesk/internal/accounts"
	"lv-propdesk/internal/admin"
	"lv-propdesk/internal/auth"
	"lv-propdesk/internal/challenge"
	"lv-propdesk/internal/health"
	"lv-propdesk/internal/journal"
	"lv-propdesk/internal/marketdata"
	"lv-propdesk/internal/orders"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type RouterDeps struct {
	AuthHandler      *auth.Handler
	AccountsHandler  *accounts.Handler
	OrderHandler     *orders.Handler
	ChallengeHandler *challenge.Handler
	MarketHandler    *marketdata.Handler
	AdminHandler     *admin.Handler
	HealthHandler    *health.Handler
	// JournalHandler is nil when no journal is configured.
	JournalHandler *journal.Handler
	AuthService    *auth.Service
	InternalToken  string
	WSHandler      http.Handler
	RateLimiter    *RateLimiter
	// Gatherer serves /metrics; nil leaves the route out.
	Gatherer prometheus.Gatherer
	Log      zerolog.Logger
}

func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(d.Log))
	r.Use(middleware.Recoverer)

	// CORS
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				origin = "*"
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Internal-Token")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	r.Use(SecurityHeaders)

	r.Get("/health", d.HealthHandler.Ready)
	r.Get("/health/live", d.HealthHandler.Live)
	r.Get("/health/full", d.HealthHandler.Full)
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		if d.RateLimiter != nil {
			r.Use(d.RateLimiter.Middleware)
		}
		r.Get("/ws", d.WSHandler.ServeHTTP)
		r.Get("/market/ws", d.MarketHandler.WS.ServeHTTP)
		r.Get("/market/quotes", d.MarketHandler.Quotes)
		r.Get("/challenges/products", d.ChallengeHandler.Products)

		r.Group(func(r chi.Router) {
			r.Use(WithAuth(d.AuthService))
			r.Get("/auth/verify", withUser(d.AuthHandler.Verify))

			r.Get("/wallet", withUser(d.AccountsHandler.Wallet))
			r.Get("/wallet/ledger", withUser(d.AccountsHandler.Ledger))
			r.Post("/wallet/leverage", withUser(d.AccountsHandler.SetLeverage))

			r.Post("/orders", withUser(d.OrderHandler.Open))
			r.Get("/orders", withUser(d.OrderHandler.List))
			r.Post("/orders/close", withUser(d.OrderHandler.CloseAll))
			r.Get("/orders/{id}", withID(d.OrderHandler.Get))
			r.Patch("/orders/{id}", withID(d.OrderHandler.Modify))
			r.Post("/orders/{id}/close", withID(d.OrderHandler.Close))
			r.Get("/metrics", withUser(d.OrderHandler.Metrics))

			r.Post("/challenges", withUser(d.ChallengeHandler.Purchase))
			r.Get("/challenges", withUser(d.ChallengeHandler.List))
			r.Get("/challenges/{id}", withID(d.ChallengeHandler.Get))
			r.Post("/challenges/{id}/payouts", withID(d.ChallengeHandler.Payout))
		})

		r.Group(func(r chi.Router) {
			r.Use(InternalAuth(d.InternalToken))
			r.Post("/internal/tokens", d.AuthHandler.Issue)
			r.Post("/internal/deposits", d.AccountsHandler.Deposit)
			r.Post("/internal/withdrawals", d.AccountsHandler.Withdraw)
			r.Post("/internal/quotes", d.MarketHandler.Ingest)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/login", d.AuthHandler.AdminLogin)

			r.Group(func(r chi.Router) {
				r.Use(admin.AdminAuthMiddleware(d.AuthService))
				r.Get("/me", d.AdminHandler.Me)
				r.Post("/sweep", d.AdminHandler.Sweep)
				r.Get("/settings", d.AdminHandler.Settings)
				r.Post("/settings/reload", d.AdminHandler.ReloadSettings)
				r.Post("/challenges/expire", d.ChallengeHandler.Expire)
				r.Post("/challenges/{id}/status", func(w http.ResponseWriter, r *http.Request) {
					d.ChallengeHandler.SetStatus(w, r, chi.URLParam(r, "id"))
				})
				if d.JournalHandler != nil {
					r.Get("/journal/closings", d.JournalHandler.Closings)
					r.Get("/journal/equity", d.JournalHandler.Equity)
				}
			})
		})
	})
	return r
}

func withID(fn func(w http.ResponseWriter, r *http.Request, userID, id string)) http.HandlerFunc {
	return withUser(func(w http.ResponseWriter, r *http.Request, userID string) {
		fn(w, r, userID, chi.URLParam(r, "id"))
	})
}

func accessLog(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			evt := log.Debug()
			if status >= http.StatusInternalServerError {
				evt = log.Error()
			}
			evt.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Dur("took", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http")
		})
	}
}
