// Package sessions classifies timestamps into trading-session buckets and
// holds the per-session profile the simulated feed moves prices with.
package sessions

import (
	"time"

	"lv-propdesk/internal/types"
)

type window struct {
	session  types.TradingSession
	from, to int // UTC hours, [from, to)
}

// Windows overlap in the real world; the first match wins, so the London
// and New York overlap counts as London.
var windows = []window{
	{types.SessionLondon, 8, 17},
	{types.SessionNewYork, 13, 22},
	{types.SessionTokyo, 0, 9},
	{types.SessionSydney, 22, 24},
}

// Weekly close: Friday 22:00 UTC to Sunday 22:00 UTC.
func marketClosed(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday:
		return true
	case time.Friday:
		return t.Hour() >= 22
	case time.Sunday:
		return t.Hour() < 22
	}
	return false
}

// At returns the session bucket of t by its UTC hour. Times inside the
// weekly close are SessionOther.
func At(t time.Time) types.TradingSession {
	t = t.UTC()
	if marketClosed(t) {
		return types.SessionOther
	}
	h := t.Hour()
	for _, w := range windows {
		if h >= w.from && h < w.to {
			return w.session
		}
	}
	return types.SessionOther
}

// Profile tunes the simulated feed during a session.
type Profile struct {
	Session      types.TradingSession `json:"session"`
	UpdateRateMs int                  `json:"update_rate_ms"`
	Volatility   float64              `json:"volatility"`
}

var profiles = map[types.TradingSession]Profile{
	types.SessionLondon:  {Session: types.SessionLondon, UpdateRateMs: 250, Volatility: 0.00012},
	types.SessionNewYork: {Session: types.SessionNewYork, UpdateRateMs: 250, Volatility: 0.00010},
	types.SessionTokyo:   {Session: types.SessionTokyo, UpdateRateMs: 500, Volatility: 0.00006},
	types.SessionSydney:  {Session: types.SessionSydney, UpdateRateMs: 1000, Volatility: 0.00004},
	types.SessionOther:   {Session: types.SessionOther, UpdateRateMs: 1000, Volatility: 0.00003},
}

func ProfileAt(t time.Time) Profile {
	return profiles[At(t)]
}
