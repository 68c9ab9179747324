package marketdata

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jmberean/coinbase-buys/internal/metrics"
)

// Feed subscribes to the venue ticker channel and overwrites the shared quote
// cache on every accepted update. Connection loss is retried with backoff and is
// never surfaced to quote consumers, which degrade to polling.
type Feed struct {
	url      string
	products []string
	cache    *Cache
	log      zerolog.Logger
}

// NewFeed constructs a streaming feed for the given products.
func NewFeed(url string, products []string, cache *Cache, log zerolog.Logger) *Feed {
	return &Feed{
		url:      url,
		products: append([]string(nil), products...),
		cache:    cache,
		log:      log,
	}
}

type subscribeRequest struct {
	Type       string   `json:"type"`
	Channel    string   `json:"channel"`
	ProductIDs []string `json:"product_ids"`
}

type tickerEnvelope struct {
	Channel string        `json:"channel"`
	Events  []tickerEvent `json:"events"`
}

type tickerEvent struct {
	Type    string         `json:"type"`
	Tickers []tickerUpdate `json:"tickers"`
}

type tickerUpdate struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	BestBid   string `json:"best_bid"`
	BestAsk   string `json:"best_ask"`
}

// Run keeps a subscription alive until the context is canceled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := f.consumeStream(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.Warn().Err(err).Msg("ticker stream disconnected, retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff = time.Duration(math.Min(float64(maxBackoff), float64(backoff)*1.8))
			continue
		}
		return nil
	}
}

func (f *Feed) consumeStream(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := subscribeRequest{Type: "subscribe", Channel: "ticker", ProductIDs: f.products}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}

	f.log.Info().Strs("products", f.products).Msg("subscribed to ticker stream")

	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		return nil
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					f.log.Warn().Err(err).Msg("ticker stream ping failed")
					return
				}
			case <-pingCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f.handleMessage(message)
	}
}

func (f *Feed) handleMessage(message []byte) {
	var env tickerEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		f.log.Warn().Err(err).Msg("failed to decode stream message")
		return
	}

	switch env.Channel {
	case "ticker":
		for _, event := range env.Events {
			if event.Type != "snapshot" && event.Type != "update" {
				continue
			}
			for _, tk := range event.Tickers {
				f.ingest(tk)
			}
		}
	case "subscriptions":
		f.log.Debug().Msg("subscription confirmed")
	}
}

func (f *Feed) ingest(tk tickerUpdate) {
	if tk.Type != "ticker" || tk.ProductID == "" || tk.BestBid == "" || tk.BestAsk == "" {
		return
	}
	bid, err := decimal.NewFromString(tk.BestBid)
	if err != nil {
		f.log.Warn().Str("asset", tk.ProductID).Str("bid", tk.BestBid).Msg("invalid bid from stream")
		return
	}
	ask, err := decimal.NewFromString(tk.BestAsk)
	if err != nil {
		f.log.Warn().Str("asset", tk.ProductID).Str("ask", tk.BestAsk).Msg("invalid ask from stream")
		return
	}

	q := Quote{Asset: tk.ProductID, BestBid: bid, BestAsk: ask, ObservedAt: time.Now()}
	if !f.cache.Set(q) {
		metrics.QuotesDiscardedTotal.WithLabelValues(tk.ProductID).Inc()
		return
	}
	metrics.QuotesTotal.WithLabelValues(tk.ProductID, "stream").Inc()
}
