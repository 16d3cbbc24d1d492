package marketdata

import (
	"strings"
	"sync"
)

type Event struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol,omitempty"`
	Data   any    `json:"data"`
}

// Subscription receives events for its symbols, or for every symbol when
// none were given. Slow readers lose events rather than block publishers.
type Subscription struct {
	C       chan Event
	symbols map[string]struct{}
}

func (s *Subscription) wants(symbol string) bool {
	if len(s.symbols) == 0 || symbol == "" {
		return true
	}
	_, ok := s.symbols[symbol]
	return ok
}

type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

func (b *Bus) Subscribe(symbols ...string) *Subscription {
	sub := &Subscription{C: make(chan Event, 100), symbols: map[string]struct{}{}}
	for _, s := range symbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			sub.symbols[s] = struct{}{}
		}
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.C)
	}
	b.mu.Unlock()
}

func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	for sub := range b.subs {
		if !sub.wants(evt.Symbol) {
			continue
		}
		select {
		case sub.C <- evt:
		default:
		}
	}
	b.mu.RUnlock()
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
