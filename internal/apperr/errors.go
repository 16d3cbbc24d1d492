// Package apperr holds the error kinds shared by the trading core. Callers wrap
// them with context and classify with errors.Is.
package apperr

import "errors"

var (
	ErrNoLiveFeed         = errors.New("no live price feed")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInvalidStopLevel   = errors.New("invalid stop level")
	ErrNotFound           = errors.New("not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrTradeAlreadyClosed = errors.New("trade already closed")
	ErrInvalidOrder       = errors.New("invalid order")
	ErrAccountInactive    = errors.New("account is not active")
	ErrConflict           = errors.New("conflicting update")
)

// Kind returns the sentinel err wraps, or nil when err is not one of ours.
func Kind(err error) error {
	for _, k := range []error{
		ErrNoLiveFeed,
		ErrInsufficientFunds,
		ErrInvalidStopLevel,
		ErrNotFound,
		ErrUnauthorized,
		ErrTradeAlreadyClosed,
		ErrInvalidOrder,
		ErrAccountInactive,
		ErrConflict,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

var codes = map[error]string{
	ErrNoLiveFeed:         "no_live_feed",
	ErrInsufficientFunds:  "insufficient_funds",
	ErrInvalidStopLevel:   "invalid_stop_level",
	ErrNotFound:           "not_found",
	ErrUnauthorized:       "unauthorized",
	ErrTradeAlreadyClosed: "trade_already_closed",
	ErrInvalidOrder:       "invalid_order",
	ErrAccountInactive:    "account_inactive",
	ErrConflict:           "conflict",
}

// Code is the stable snake_case name of err's kind, or "internal".
func Code(err error) string {
	if c, ok := codes[Kind(err)]; ok {
		return c
	}
	return "internal"
}
