// Package marketdata maintains per-asset top-of-book quotes, fed by a streaming
// subscription and backed by on-demand polling when the stream is stale.
package marketdata

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is the latest observed top-of-book for one product. Replaced wholesale on
// every observation; never merged.
type Quote struct {
	Asset      string
	BestBid    decimal.Decimal
	BestAsk    decimal.Decimal
	ObservedAt time.Time
}

// Valid reports whether the book is usable: ask >= bid > 0.
// Inverted or non-positive books are discarded rather than cached.
func (q Quote) Valid() bool {
	return q.BestBid.IsPositive() && q.BestAsk.Cmp(q.BestBid) >= 0
}

// Spread returns ask minus bid.
func (q Quote) Spread() decimal.Decimal {
	return q.BestAsk.Sub(q.BestBid)
}

// Cache stores the latest quote per asset. It is the only state shared between
// the streaming subscriber and the trade driver, so all access is mutex-guarded.
type Cache struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewCache returns an empty quote cache.
func NewCache() *Cache {
	return &Cache{quotes: make(map[string]Quote)}
}

// Set stores a quote, returning false (and storing nothing) if it is invalid.
func (c *Cache) Set(q Quote) bool {
	if !q.Valid() {
		return false
	}
	c.mu.Lock()
	c.quotes[q.Asset] = q
	c.mu.Unlock()
	return true
}

// Get returns the stored quote for an asset regardless of age.
func (c *Cache) Get(asset string) (Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[asset]
	return q, ok
}

// Fresh returns the stored quote only if it is younger than the window.
func (c *Cache) Fresh(asset string, window time.Duration) (Quote, bool) {
	q, ok := c.Get(asset)
	if !ok || time.Since(q.ObservedAt) > window {
		return Quote{}, false
	}
	return q, true
}

// Missing reports which of the given assets have no cached quote yet.
// The startup warmup loop uses it to decide when streaming data has arrived.
func (c *Cache) Missing(assets []string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var missing []string
	for _, a := range assets {
		if _, ok := c.quotes[a]; !ok {
			missing = append(missing, a)
		}
	}
	return missing
}
