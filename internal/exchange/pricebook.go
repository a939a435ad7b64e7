package exchange

import (
	"sync"
	"time"

	"cyclearb/internal/model"
)

// PriceBook holds the latest ticker per symbol as pushed by a stream.
// Tickers older than staleAfter are treated as missing.
type PriceBook struct {
	mu         sync.RWMutex
	tickers    map[string]model.Ticker
	staleAfter time.Duration
	now        func() time.Time
}

// NewPriceBook creates an empty book. A non-positive staleAfter disables expiry.
func NewPriceBook(staleAfter time.Duration) *PriceBook {
	return &PriceBook{
		tickers:    make(map[string]model.Ticker),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Update stores a ticker, stamping it if the stream did not.
func (b *PriceBook) Update(t model.Ticker) {
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = b.now()
	}
	b.mu.Lock()
	b.tickers[t.Symbol] = t
	b.mu.Unlock()
}

// Get returns the ticker for a symbol if present and fresh.
func (b *PriceBook) Get(symbol string) (model.Ticker, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tickers[symbol]
	if !ok || b.stale(t) {
		return model.Ticker{}, false
	}
	return t, true
}

// Snapshot copies every fresh ticker.
func (b *PriceBook) Snapshot() map[string]model.Ticker {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]model.Ticker, len(b.tickers))
	for symbol, t := range b.tickers {
		if !b.stale(t) {
			out[symbol] = t
		}
	}
	return out
}

func (b *PriceBook) stale(t model.Ticker) bool {
	return b.staleAfter > 0 && b.now().Sub(t.UpdatedAt) > b.staleAfter
}
