package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"lv-propdesk/internal/apperr"
	"lv-propdesk/internal/auth"
	"lv-propdesk/internal/marketdata"
	"lv-propdesk/internal/orders"
	"lv-propdesk/internal/store"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const snapshotInterval = 500 * time.Millisecond

// WSHandler streams quotes to a signed-in trader and, on request, live
// snapshots of every funding source the trader holds.
type WSHandler struct {
	bus      *marketdata.Bus
	authSvc  *auth.Service
	store    store.Store
	orderSvc *orders.Service
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewWSHandler(bus *marketdata.Bus, authSvc *auth.Service, st store.Store, orderSvc *orders.Service, origin string, log zerolog.Logger) *WSHandler {
	return &WSHandler{
		bus:      bus,
		authSvc:  authSvc,
		store:    st,
		orderSvc: orderSvc,
		log:      log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return allowOrigin(r, origin) },
		},
	}
}

type wsControlMessage struct {
	Type    string `json:"type"`
	Enabled *bool  `json:"enabled,omitempty"`
}

type accountSnapshotsPayload struct {
	Items []orders.AccountMetrics `json:"items"`
	TS    int64                   `json:"ts"`
}

func (h *WSHandler) collectAccountSnapshots(ctx context.Context, userID string) (accountSnapshotsPayload, error) {
	out := accountSnapshotsPayload{Items: make([]orders.AccountMetrics, 0, 4), TS: time.Now().UnixMilli()}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	wallet, err := h.store.WalletByUser(ctx, userID)
	switch {
	case err == nil:
		m, err := h.orderSvc.AccountMetrics(ctx, userID, wallet.Ref)
		if err != nil {
			return out, err
		}
		out.Items = append(out.Items, m)
	case !errors.Is(err, apperr.ErrNotFound):
		return out, err
	}

	challenges, err := h.store.ListChallenges(ctx, userID)
	if err != nil {
		return out, err
	}
	for _, c := range challenges {
		if c.Status.Terminal() {
			continue
		}
		m, err := h.orderSvc.AccountMetrics(ctx, userID, c.Ref)
		if err != nil {
			return out, err
		}
		out.Items = append(out.Items, m)
	}
	return out, nil
}

func allowOrigin(r *http.Request, origin string) bool {
	if origin == "*" {
		return true
	}
	reqOrigin := r.Header.Get("Origin")
	// localhost and 127.0.0.1 are interchangeable in development
	if strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1") {
		if strings.Contains(reqOrigin, "localhost") || strings.Contains(reqOrigin, "127.0.0.1") {
			return true
		}
	}
	return strings.EqualFold(reqOrigin, origin)
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// 1. Authenticate via query param, browsers cannot set headers on WS
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	claims, err := h.authSvc.ParseToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	userID := claims.Subject

	// 2. Upgrade
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var symbols []string
	if raw := strings.TrimSpace(r.URL.Query().Get("symbols")); raw != "" {
		symbols = strings.Split(raw, ",")
	}
	sub := h.bus.Subscribe(symbols...)
	defer h.bus.Unsubscribe(sub)

	var snapshotsEnabled atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ctrl wsControlMessage
			if err := json.Unmarshal(payload, &ctrl); err != nil {
				continue
			}
			switch strings.ToLower(strings.TrimSpace(ctrl.Type)) {
			case "account_snapshots_subscribe":
				next := true
				if ctrl.Enabled != nil {
					next = *ctrl.Enabled
				}
				snapshotsEnabled.Store(next)
			case "account_snapshots_unsubscribe":
				snapshotsEnabled.Store(false)
			}
		}
	}()

	// 3. Fan out quotes, with throttled account snapshots behind them
	var lastSnapshotAt time.Time
	for {
		select {
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
			if evt.Type != "quote" || !snapshotsEnabled.Load() {
				continue
			}
			if !lastSnapshotAt.IsZero() && time.Since(lastSnapshotAt) < snapshotInterval {
				continue
			}
			payload, err := h.collectAccountSnapshots(r.Context(), userID)
			if err != nil {
				h.log.Debug().Err(err).Str("user_id", userID).Msg("account snapshot failed")
				continue
			}
			if err := conn.WriteJSON(marketdata.Event{Type: "account_snapshots", Data: payload}); err != nil {
				return
			}
			lastSnapshotAt = time.Now()
		case <-done:
			return
		}
	}
}
