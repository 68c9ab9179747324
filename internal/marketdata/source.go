package marketdata

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jmberean/coinbase-buys/internal/metrics"
)

// BookPoller fetches the current top-of-book over REST. Implementations are
// expected to be rate limited internally.
type BookPoller interface {
	TopOfBook(ctx context.Context, productID string) (bid, ask decimal.Decimal, err error)
}

// Source answers quote lookups from the stream-fed cache, falling back to a
// single poll when the cached entry is absent or stale.
type Source struct {
	cache     *Cache
	poller    BookPoller
	freshness time.Duration
	log       zerolog.Logger
}

// NewSource wires a cache and poller together under one freshness window.
func NewSource(cache *Cache, poller BookPoller, freshness time.Duration, log zerolog.Logger) *Source {
	if freshness <= 0 {
		freshness = 5 * time.Second
	}
	return &Source{cache: cache, poller: poller, freshness: freshness, log: log}
}

// GetQuote returns the freshest valid quote for an asset. ok is false only when
// the cache misses and the poll fails or returns an unusable book.
func (s *Source) GetQuote(ctx context.Context, asset string) (Quote, bool) {
	if q, ok := s.cache.Fresh(asset, s.freshness); ok {
		return q, true
	}

	bid, ask, err := s.poller.TopOfBook(ctx, asset)
	if err != nil {
		s.log.Warn().Err(err).Str("asset", asset).Msg("book poll failed")
		return Quote{}, false
	}

	q := Quote{Asset: asset, BestBid: bid, BestAsk: ask, ObservedAt: time.Now()}
	if !s.cache.Set(q) {
		metrics.QuotesDiscardedTotal.WithLabelValues(asset).Inc()
		s.log.Warn().Str("asset", asset).Stringer("bid", bid).Stringer("ask", ask).Msg("discarded invalid polled book")
		return Quote{}, false
	}
	metrics.QuotesTotal.WithLabelValues(asset, "poll").Inc()
	return q, true
}
