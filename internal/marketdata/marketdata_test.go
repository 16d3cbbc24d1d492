package marketdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"lv-propdesk/internal/apperr"
	"lv-propdesk/internal/model"
	"lv-propdesk/internal/pricing"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestQuoteBookSetAndGet(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("xauusd")
	book := NewQuoteBook(bus)

	require.NoError(t, book.Set(model.Quote{Symbol: "xauusd", Bid: d("2625"), Ask: d("2625.5")}))
	q, err := book.GetPrice(context.Background(), "XAUUSD")
	require.NoError(t, err)
	assert.Equal(t, "XAUUSD", q.Symbol)
	assert.False(t, q.ObservedAt.IsZero())

	select {
	case evt := <-sub.C:
		assert.Equal(t, "quote", evt.Type)
		assert.Equal(t, "0.5", evt.Data.(QuoteMessage).Spread)
	default:
		t.Fatal("expected a quote event")
	}

	_, err = book.GetPrice(context.Background(), "EURUSD")
	assert.ErrorIs(t, err, apperr.ErrNoLiveFeed)

	assert.Error(t, book.Set(model.Quote{Symbol: "XAUUSD", Bid: d("2626"), Ask: d("2625")}))
	assert.Error(t, book.Set(model.Quote{Bid: d("1"), Ask: d("1")}))
}

func TestQuoteBookIgnoresOlderQuote(t *testing.T) {
	book := NewQuoteBook(nil)
	now := time.Now()
	require.NoError(t, book.Set(model.Quote{Symbol: "EURUSD", Bid: d("1.1"), Ask: d("1.1001"), ObservedAt: now}))
	require.NoError(t, book.Set(model.Quote{Symbol: "EURUSD", Bid: d("1.2"), Ask: d("1.2001"), ObservedAt: now.Add(-time.Second)}))

	q, err := book.GetPrice(context.Background(), "EURUSD")
	require.NoError(t, err)
	assert.True(t, d("1.1").Equal(q.Bid))
}

func TestQuoteBookRejectsFutureQuote(t *testing.T) {
	book := NewQuoteBook(nil)
	now := time.Now()
	err := book.Set(model.Quote{Symbol: "XAUUSD", Bid: d("2000"), Ask: d("2000.5"), ObservedAt: now.Add(24 * time.Hour)})
	assert.Error(t, err)

	// within the skew allowance
	require.NoError(t, book.Set(model.Quote{Symbol: "XAUUSD", Bid: d("1500"), Ask: d("1500.5"), ObservedAt: now.Add(time.Second)}))
	q, err := book.GetPrice(context.Background(), "XAUUSD")
	require.NoError(t, err)
	assert.True(t, d("1500").Equal(q.Bid))
	require.NoError(t, book.Set(model.Quote{Symbol: "XAUUSD", Bid: d("1501"), Ask: d("1501.5"), ObservedAt: now.Add(2 * time.Second)}))
	q, err = book.GetPrice(context.Background(), "XAUUSD")
	require.NoError(t, err)
	assert.True(t, d("1501").Equal(q.Bid))
}

func TestFreshSourceRejectsQuoteAheadOfClock(t *testing.T) {
	book := NewQuoteBook(nil)
	now := time.Now()
	require.NoError(t, book.Set(model.Quote{Symbol: "XAUUSD", Bid: d("2000"), Ask: d("2000.5"), ObservedAt: now}))

	src := NewFreshSource(book, FreshnessPolicy{MaxAge: 45 * time.Second})
	src.now = func() time.Time { return now.Add(-time.Hour) }
	_, err := src.GetPrice(context.Background(), "XAUUSD")
	assert.ErrorIs(t, err, apperr.ErrNoLiveFeed)

	src.now = func() time.Time { return now.Add(-time.Second) }
	_, err = src.GetPrice(context.Background(), "XAUUSD")
	assert.NoError(t, err)
}

func TestQuoteBookHonoursContext(t *testing.T) {
	book := NewQuoteBook(nil)
	require.NoError(t, book.Set(model.Quote{Symbol: "EURUSD", Bid: d("1.1"), Ask: d("1.1001")}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := book.GetPrice(ctx, "EURUSD")
	assert.ErrorIs(t, err, apperr.ErrNoLiveFeed)
}

func TestFreshSource(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	book := NewQuoteBook(nil)
	require.NoError(t, book.Set(model.Quote{Symbol: "XAUUSD", Bid: d("2625"), Ask: d("2625.5"), ObservedAt: now.Add(-10 * time.Second)}))
	require.NoError(t, book.Set(model.Quote{Symbol: "EURUSD", Bid: d("1.1"), Ask: d("1.1001"), ObservedAt: now.Add(-2 * time.Minute)}))
	require.NoError(t, book.Set(model.Quote{Symbol: "BTCUSD", Bid: d("60000"), Ask: d("60010"), ObservedAt: now.Add(-2 * time.Minute)}))

	src := NewFreshSource(book, FreshnessPolicy{
		MaxAge:          45 * time.Second,
		FallbackSymbols: []string{"btcusd"},
		FallbackMaxAge:  5 * time.Minute,
	})
	src.now = func() time.Time { return now }

	_, err := src.GetPrice(context.Background(), "XAUUSD")
	assert.NoError(t, err)

	_, err = src.GetPrice(context.Background(), "EURUSD")
	assert.ErrorIs(t, err, apperr.ErrNoLiveFeed)

	_, err = src.GetPrice(context.Background(), "BTCUSD")
	assert.NoError(t, err, "fallback tier accepts older quotes")

	src.now = func() time.Time { return now.Add(10 * time.Minute) }
	_, err = src.GetPrice(context.Background(), "BTCUSD")
	assert.ErrorIs(t, err, apperr.ErrNoLiveFeed)

	_, err = src.GetPrice(context.Background(), "GBPUSD")
	assert.ErrorIs(t, err, apperr.ErrNoLiveFeed)
}

func TestBusFiltersAndDrops(t *testing.T) {
	bus := NewBus()
	gold := bus.Subscribe("XAUUSD")
	all := bus.Subscribe()
	assert.Equal(t, 2, bus.Subscribers())

	bus.Publish(Event{Type: "quote", Symbol: "EURUSD"})
	assert.Len(t, gold.C, 0)
	assert.Len(t, all.C, 1)

	for i := 0; i < 150; i++ {
		bus.Publish(Event{Type: "quote", Symbol: "XAUUSD"})
	}
	assert.Len(t, gold.C, 100)

	bus.Unsubscribe(gold)
	bus.Unsubscribe(gold)
	_, open := <-all.C
	assert.True(t, open)
	assert.Equal(t, 1, bus.Subscribers())
}

func TestPublisherTick(t *testing.T) {
	book := NewQuoteBook(nil)
	p := NewPublisher(book, pricing.DefaultSettings().Instruments, 42, zerolog.Nop())
	p.Tick()
	p.Tick()

	snap := book.Snapshot()
	require.Len(t, snap, 4)
	for _, q := range snap {
		assert.True(t, q.Valid(), q.Symbol)
		assert.True(t, q.Ask.GreaterThan(q.Bid), q.Symbol)
	}
}

func TestPublisherRunStopsOnCancel(t *testing.T) {
	book := NewQuoteBook(nil)
	p := NewPublisher(book, pricing.DefaultSettings().Instruments[:1], 1, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher did not stop")
	}
	assert.Len(t, book.Snapshot(), 1)
}

func TestIngestHandler(t *testing.T) {
	book := NewQuoteBook(nil)
	h := NewHandler(book, nil)

	rec := httptest.NewRecorder()
	body := `[{"symbol":"XAUUSD","bid":"2625.10","ask":"2625.40"}]`
	h.Ingest(rec, httptest.NewRequest(http.MethodPost, "/v1/internal/quotes", strings.NewReader(body)))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	h.Quotes(rec, httptest.NewRequest(http.MethodGet, "/v1/market/quotes?symbol=xauusd", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"2625.1"`)

	rec = httptest.NewRecorder()
	h.Ingest(rec, httptest.NewRequest(http.MethodPost, "/v1/internal/quotes", strings.NewReader(`[{"symbol":"XAUUSD","bid":"0","ask":"1"}]`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestRejectsWholeBatch(t *testing.T) {
	book := NewQuoteBook(nil)
	h := NewHandler(book, nil)

	future := time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339)
	body := `[{"symbol":"EURUSD","bid":"1.1","ask":"1.1001"},{"symbol":"XAUUSD","bid":"2000","ask":"2000.5","observed_at":"` + future + `"}]`
	rec := httptest.NewRecorder()
	h.Ingest(rec, httptest.NewRequest(http.MethodPost, "/v1/internal/quotes", strings.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "quote 1")
	assert.Empty(t, book.Snapshot())

	rec = httptest.NewRecorder()
	h.Ingest(rec, httptest.NewRequest(http.MethodPost, "/v1/internal/quotes", strings.NewReader(`[{"symbol":"EURUSD","bid":"1.1","ask":"1.1001"},{"symbol":"GBPUSD","bid":"1.27","ask":"1.2702"}]`)))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"accepted":2}`, rec.Body.String())
	assert.Len(t, book.Snapshot(), 2)
}

func TestQuoteWSStreams(t *testing.T) {
	bus := NewBus()
	book := NewQuoteBook(bus)
	require.NoError(t, book.Set(model.Quote{Symbol: "XAUUSD", Bid: d("2625"), Ask: d("2625.5")}))

	srv := httptest.NewServer(NewQuoteWS("*", bus, book, zerolog.Nop()))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?symbols=XAUUSD"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first QuoteMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "XAUUSD", first.Symbol)
	assert.Equal(t, "2625", first.Bid)

	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, book.Set(model.Quote{Symbol: "XAUUSD", Bid: d("2626"), Ask: d("2626.5")}))

	var next QuoteMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, "2626", next.Bid)
}
