package marketdata

import (
	"net/http"
	"strings"
	"time"

	"lv-propdesk/internal/model"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type QuoteMessage struct {
	Type      string `json:"type"`
	Symbol    string `json:"symbol"`
	Bid       string `json:"bid"`
	Ask       string `json:"ask"`
	Spread    string `json:"spread"`
	Timestamp int64  `json:"ts"`
}

func newQuoteMessage(q model.Quote) QuoteMessage {
	return QuoteMessage{
		Type:      "quote",
		Symbol:    q.Symbol,
		Bid:       q.Bid.String(),
		Ask:       q.Ask.String(),
		Spread:    q.Ask.Sub(q.Bid).String(),
		Timestamp: q.ObservedAt.UnixMilli(),
	}
}

// QuoteWS streams quote updates. Clients pick symbols with
// ?symbols=XAUUSD,EURUSD and receive the current book first.
type QuoteWS struct {
	bus      *Bus
	book     *QuoteBook
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewQuoteWS(origin string, bus *Bus, book *QuoteBook, log zerolog.Logger) *QuoteWS {
	return &QuoteWS{
		bus:      bus,
		book:     book,
		log:      log,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return allowOrigin(r, origin) }},
	}
}

func (h *QuoteWS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
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

	for _, q := range h.book.Snapshot() {
		if !sub.wants(q.Symbol) {
			continue
		}
		if err := conn.WriteJSON(newQuoteMessage(q)); err != nil {
			return
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(evt.Data); err != nil {
				h.log.Debug().Err(err).Msg("quote stream write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func allowOrigin(r *http.Request, origin string) bool {
	if origin == "*" {
		return true
	}
	return strings.EqualFold(r.Header.Get("Origin"), origin)
}
