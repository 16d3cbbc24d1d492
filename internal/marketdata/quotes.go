package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"lv-propdesk/internal/apperr"
	"lv-propdesk/internal/model"
)

// Source supplies the latest quote for a symbol. Implementations may block
// and must honour ctx.
type Source interface {
	GetPrice(ctx context.Context, symbol string) (model.Quote, error)
}

// QuoteBook keeps the last quote per symbol in memory and fans updates out
// on the bus.
type QuoteBook struct {
	mu     sync.RWMutex
	quotes map[string]model.Quote
	bus    *Bus
	now    func() time.Time
}

// MaxClockSkew is how far a quote may be stamped ahead of the local clock.
const MaxClockSkew = 2 * time.Second

func NewQuoteBook(bus *Bus) *QuoteBook {
	return &QuoteBook{quotes: map[string]model.Quote{}, bus: bus, now: time.Now}
}

// Check normalises q and reports whether the book would accept it.
func (b *QuoteBook) Check(q model.Quote) (model.Quote, error) {
	q.Symbol = strings.ToUpper(strings.TrimSpace(q.Symbol))
	if q.Symbol == "" {
		return q, errors.New("symbol is required")
	}
	if !q.Valid() {
		return q, fmt.Errorf("invalid quote for %s: bid %s ask %s", q.Symbol, q.Bid, q.Ask)
	}
	now := b.now()
	if q.ObservedAt.IsZero() {
		q.ObservedAt = now
	}
	if ahead := q.ObservedAt.Sub(now); ahead > MaxClockSkew {
		return q, fmt.Errorf("quote for %s is stamped %s in the future", q.Symbol, ahead.Truncate(time.Second))
	}
	q.ObservedAt = q.ObservedAt.UTC()
	return q, nil
}

func (b *QuoteBook) Set(q model.Quote) error {
	q, err := b.Check(q)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if prev, ok := b.quotes[q.Symbol]; ok && prev.ObservedAt.After(q.ObservedAt) {
		b.mu.Unlock()
		return nil
	}
	b.quotes[q.Symbol] = q
	b.mu.Unlock()

	if b.bus != nil {
		b.bus.Publish(Event{Type: "quote", Symbol: q.Symbol, Data: newQuoteMessage(q)})
	}
	return nil
}

func (b *QuoteBook) GetPrice(ctx context.Context, symbol string) (model.Quote, error) {
	if err := ctx.Err(); err != nil {
		return model.Quote{}, fmt.Errorf("%w: %v", apperr.ErrNoLiveFeed, err)
	}
	b.mu.RLock()
	q, ok := b.quotes[strings.ToUpper(symbol)]
	b.mu.RUnlock()
	if !ok {
		return model.Quote{}, fmt.Errorf("%w: no quote for %s", apperr.ErrNoLiveFeed, symbol)
	}
	return q, nil
}

func (b *QuoteBook) Snapshot() []model.Quote {
	b.mu.RLock()
	out := make([]model.Quote, 0, len(b.quotes))
	for _, q := range b.quotes {
		out = append(out, q)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// FreshnessPolicy bounds the age of quotes a trade may execute against.
// Symbols listed in FallbackSymbols form a last-resort tier that accepts
// quotes up to FallbackMaxAge.
type FreshnessPolicy struct {
	MaxAge          time.Duration
	FallbackSymbols []string
	FallbackMaxAge  time.Duration
}

// FreshSource rejects stale quotes from an underlying source.
type FreshSource struct {
	src            Source
	maxAge         time.Duration
	fallback       map[string]struct{}
	fallbackMaxAge time.Duration
	now            func() time.Time
}

func NewFreshSource(src Source, p FreshnessPolicy) *FreshSource {
	fallback := make(map[string]struct{}, len(p.FallbackSymbols))
	for _, s := range p.FallbackSymbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			fallback[s] = struct{}{}
		}
	}
	return &FreshSource{src: src, maxAge: p.MaxAge, fallback: fallback, fallbackMaxAge: p.FallbackMaxAge, now: time.Now}
}

func (f *FreshSource) GetPrice(ctx context.Context, symbol string) (model.Quote, error) {
	q, err := f.src.GetPrice(ctx, symbol)
	if err != nil {
		if errors.Is(err, apperr.ErrNoLiveFeed) {
			return model.Quote{}, err
		}
		return model.Quote{}, fmt.Errorf("%w: %v", apperr.ErrNoLiveFeed, err)
	}
	if !q.Valid() {
		return model.Quote{}, fmt.Errorf("%w: invalid quote for %s", apperr.ErrNoLiveFeed, symbol)
	}
	age := q.Age(f.now())
	if age < -MaxClockSkew {
		return model.Quote{}, fmt.Errorf("%w: quote for %s is stamped ahead of the clock", apperr.ErrNoLiveFeed, symbol)
	}
	if f.maxAge <= 0 || age <= f.maxAge {
		return q, nil
	}
	if _, ok := f.fallback[strings.ToUpper(symbol)]; ok && age <= f.fallbackMaxAge {
		return q, nil
	}
	return model.Quote{}, fmt.Errorf("%w: quote for %s is %s old", apperr.ErrNoLiveFeed, symbol, age.Truncate(time.Second))
}
