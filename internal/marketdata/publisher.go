package marketdata

import (
	"context"
	"math"
	"math/rand"
	"time"

	"lv-propdesk/internal/model"
	"lv-propdesk/internal/pricing"
	"lv-propdesk/internal/sessions"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var seedMids = map[string]float64{
	"XAUUSD": 2625.00,
	"EURUSD": 1.08500,
	"GBPUSD": 1.27000,
	"BTCUSD": 60000.00,
}

type walk struct {
	mid        float64
	halfSpread float64
	digits     int32
}

// Publisher drives a random walk per instrument into the quote book. It
// stands in for a liquidity feed in demo environments.
type Publisher struct {
	book  *QuoteBook
	walks map[string]*walk
	rng   *rand.Rand
	log   zerolog.Logger
	now   func() time.Time
}

func NewPublisher(book *QuoteBook, instruments []pricing.Instrument, seed int64, log zerolog.Logger) *Publisher {
	p := &Publisher{
		book:  book,
		walks: make(map[string]*walk, len(instruments)),
		rng:   rand.New(rand.NewSource(seed)),
		log:   log,
		now:   time.Now,
	}
	for _, in := range instruments {
		mid, ok := seedMids[in.Symbol]
		if !ok {
			mid = 100
		}
		pip, _ := in.PipSize.Float64()
		p.walks[in.Symbol] = &walk{mid: mid, halfSpread: pip, digits: in.Digits}
	}
	return p
}

// Tick moves every instrument one step and publishes the quotes.
func (p *Publisher) Tick() {
	now := p.now().UTC()
	vol := sessions.ProfileAt(now).Volatility
	for symbol, w := range p.walks {
		w.mid *= 1 + vol*p.rng.NormFloat64()
		if w.mid <= w.halfSpread {
			w.mid = w.halfSpread * 2
		}
		bid := decimal.NewFromFloat(w.mid - w.halfSpread).Round(w.digits)
		ask := decimal.NewFromFloat(w.mid + w.halfSpread).Round(w.digits)
		if err := p.book.Set(model.Quote{Symbol: symbol, Bid: bid, Ask: ask, ObservedAt: now}); err != nil {
			p.log.Warn().Err(err).Str("symbol", symbol).Msg("simulated quote rejected")
		}
	}
}

// Run ticks at the rate of the current trading session until ctx ends.
func (p *Publisher) Run(ctx context.Context) {
	p.log.Info().Int("symbols", len(p.walks)).Msg("simulated feed started")
	p.Tick()
	for {
		rate := sessions.ProfileAt(p.now()).UpdateRateMs
		timer := time.NewTimer(time.Duration(math.Max(float64(rate), 50)) * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.log.Info().Msg("simulated feed stopped")
			return
		case <-timer.C:
			p.Tick()
		}
	}
}
