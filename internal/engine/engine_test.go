package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmberean/coinbase-buys/internal/execution"
	"github.com/jmberean/coinbase-buys/internal/marketdata"
	"github.com/jmberean/coinbase-buys/internal/precision"
)

func testConfig() Config {
	return Config{
		Tick:                 time.Millisecond,
		Dwell:                0,
		MaxChaseTime:         2 * time.Second,
		MaxAttempts:          12,
		MaxPostOnlyFailures:  15,
		MaxPrecisionFailures: 3,
		ChaseMoveMultiple:    2,
		MinRemainderUSD:      decimal.NewFromInt(1),
		FinalCheckRetries:    2,
	}
}

// fakeQuotes serves a scripted sequence of quotes, repeating the last one.
type fakeQuotes struct {
	quotes []marketdata.Quote
	i      int
}

func (f *fakeQuotes) GetQuote(_ context.Context, _ string) (marketdata.Quote, bool) {
	if len(f.quotes) == 0 {
		return marketdata.Quote{}, false
	}
	q := f.quotes[f.i]
	if f.i < len(f.quotes)-1 {
		f.i++
	}
	return q, true
}

func quote(bid, ask string) marketdata.Quote {
	return marketdata.Quote{Asset: "BTC", BestBid: d(bid), BestAsk: d(ask), ObservedAt: time.Now()}
}

type placeResult struct {
	order execution.Order
	err   error
}

type statusResult struct {
	status execution.OrderStatus
	filled decimal.Decimal
	err    error
}

// fakeGateway plays back scripted place/status/cancel results, repeating the
// last status so long sessions do not run off the script.
type fakeGateway struct {
	places   []placeResult
	statuses []statusResult
	cancels  []execution.CancelResult

	placeCalls     []decimal.Decimal // limit prices as received
	placeNotionals []decimal.Decimal
	placeProfs     []*precision.Profile
	cancelCalls int
	statusCalls int
	pi, si, ci  int
}

func (f *fakeGateway) PlaceMakerBuy(_ context.Context, asset string, notional, limitPrice decimal.Decimal, prof *precision.Profile) (execution.Order, error) {
	f.placeCalls = append(f.placeCalls, limitPrice)
	f.placeNotionals = append(f.placeNotionals, notional)
	f.placeProfs = append(f.placeProfs, prof)
	r := f.places[f.pi]
	if f.pi < len(f.places)-1 {
		f.pi++
	}
	if r.err != nil {
		return execution.Order{}, r.err
	}
	o := r.order
	o.Asset = asset
	o.LimitPrice = limitPrice
	o.BaseSize = notional.Div(limitPrice).Round(8)
	o.PlacedAt = time.Now()
	return o, nil
}

func (f *fakeGateway) Status(_ context.Context, _ string) (execution.OrderStatus, decimal.Decimal, error) {
	f.statusCalls++
	r := f.statuses[f.si]
	if f.si < len(f.statuses)-1 {
		f.si++
	}
	return r.status, r.filled, r.err
}

func (f *fakeGateway) Cancel(_ context.Context, _ string) (execution.CancelResult, error) {
	f.cancelCalls++
	if len(f.cancels) == 0 {
		return execution.CancelResult{Cancelled: true}, nil
	}
	r := f.cancels[f.ci]
	if f.ci < len(f.cancels)-1 {
		f.ci++
	}
	return r, nil
}

func newTestEngine(q QuoteSource, g OrderGateway, cfg Config) *Engine {
	ledger := precision.NewLedger(nil, zerolog.Nop())
	return New(q, g, ledger, cfg, zerolog.Nop())
}

func TestExecuteTradeFillsFirstOrder(t *testing.T) {
	quotes := &fakeQuotes{quotes: []marketdata.Quote{quote("100.00", "100.10")}}
	gw := &fakeGateway{
		places:   []placeResult{{order: execution.Order{VenueOrderID: "o1"}}},
		statuses: []statusResult{{status: execution.StatusFilled, filled: d("0.0999")}},
	}
	e := newTestEngine(quotes, gw, testConfig())

	out := e.ExecuteTrade(context.Background(), "BTC", decimal.NewFromInt(10))

	assert.True(t, out.Success)
	assert.Equal(t, "filled", out.Reason)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 0, out.Chases)
	assert.True(t, d("0.0999").Equal(out.FilledSize))
	assert.Equal(t, 0, gw.cancelCalls)
}

func TestExecuteTradeChasesWhenMarketMoves(t *testing.T) {
	quotes := &fakeQuotes{quotes: []marketdata.Quote{
		quote("100.00", "100.10"),
		quote("100.20", "100.30"),
	}}
	gw := &fakeGateway{
		places: []placeResult{
			{order: execution.Order{VenueOrderID: "o1"}},
			{order: execution.Order{VenueOrderID: "o2"}},
		},
		statuses: []statusResult{
			{status: execution.StatusOpen},
			{status: execution.StatusOpen}, // pre-cancel fill check
			{status: execution.StatusFilled, filled: d("0.0997")},
		},
	}
	e := newTestEngine(quotes, gw, testConfig())

	out := e.ExecuteTrade(context.Background(), "BTC", decimal.NewFromInt(10))

	require.True(t, out.Success)
	assert.Equal(t, 1, out.Chases)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, 1, gw.cancelCalls)
	require.Len(t, gw.placeCalls, 2)
	// The replacement tracks the new mid-spread price.
	assert.True(t, d("100.25").Equal(gw.placeCalls[1]), "got %s", gw.placeCalls[1])
}

func TestExecuteTradeNarrowedGridStillNeverChasesStableQuote(t *testing.T) {
	// Narrowing makes the price grid coarser than the market grid, so the
	// placed price sits up to one price increment off the raw candidate. That
	// offset is not market movement and must not read as one.
	cfg := testConfig()
	cfg.MaxChaseTime = 60 * time.Millisecond
	quotes := &fakeQuotes{quotes: []marketdata.Quote{quote("100.00", "100.35")}}
	gw := &fakeGateway{
		places: []placeResult{
			{err: &execution.PlaceError{
				Reason:  execution.RejectPricePrecision,
				Message: "INVALID_PRICE_PRECISION",
			}},
			{order: execution.Order{VenueOrderID: "o1"}},
		},
		statuses: []statusResult{{status: execution.StatusOpen}},
		cancels:  []execution.CancelResult{{Cancelled: true}},
	}
	e := newTestEngine(quotes, gw, cfg)

	out := e.ExecuteTrade(context.Background(), "BTC", decimal.NewFromInt(10))

	assert.False(t, out.Success)
	assert.Equal(t, "chase time exhausted", out.Reason)
	assert.Equal(t, 0, out.Chases)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, 1, gw.cancelCalls, "only the shutdown cancel")
}

func TestExecuteTradeFillSeenAtChaseCheckDebitsRemainder(t *testing.T) {
	quotes := &fakeQuotes{quotes: []marketdata.Quote{
		quote("100.00", "100.10"),
		quote("100.20", "100.30"),
	}}
	gw := &fakeGateway{
		places: []placeResult{
			{order: execution.Order{VenueOrderID: "o1"}},
			{order: execution.Order{VenueOrderID: "o2"}},
		},
		statuses: []statusResult{
			{status: execution.StatusOpen},
			// The fill surfaces only on the pre-cancel re-check.
			{status: execution.StatusPartiallyFilled, filled: d("0.05")},
			{status: execution.StatusFilled, filled: d("0.0498")},
		},
	}
	e := newTestEngine(quotes, gw, testConfig())

	out := e.ExecuteTrade(context.Background(), "BTC", decimal.NewFromInt(10))

	require.True(t, out.Success)
	assert.True(t, d("0.0998").Equal(out.FilledSize), "got %s", out.FilledSize)
	require.Len(t, gw.placeNotionals, 2)
	// 0.05 at the 100.05 limit = 5.0025 already deployed.
	assert.True(t, d("4.9975").Equal(gw.placeNotionals[1]),
		"replacement must not re-deploy the filled portion, got %s", gw.placeNotionals[1])
}

func TestExecuteTradeStableQuoteNeverChases(t *testing.T) {
	cfg := testConfig()
	cfg.MaxChaseTime = 50 * time.Millisecond
	quotes := &fakeQuotes{quotes: []marketdata.Quote{quote("100.00", "100.10")}}
	gw := &fakeGateway{
		places:   []placeResult{{order: execution.Order{VenueOrderID: "o1"}}},
		statuses: []statusResult{{status: execution.StatusOpen}},
		cancels:  []execution.CancelResult{{Cancelled: true}},
	}
	e := newTestEngine(quotes, gw, cfg)

	out := e.ExecuteTrade(context.Background(), "BTC", decimal.NewFromInt(10))

	assert.False(t, out.Success)
	assert.Equal(t, "chase time exhausted", out.Reason)
	assert.Equal(t, 0, out.Chases)
	assert.Equal(t, 1, gw.cancelCalls, "only the shutdown cancel")
}

func TestExecuteTradePartialFillBelowRemainderStops(t *testing.T) {
	quotes := &fakeQuotes{quotes: []marketdata.Quote{quote("100.00", "100.10")}}
	gw := &fakeGateway{
		places: []placeResult{{order: execution.Order{VenueOrderID: "o1"}}},
		statuses: []statusResult{
			// 0.095 at the 100.05 limit = 9.50475 spent, 0.49525 left of $10.
			{status: execution.StatusPartiallyFilled, filled: d("0.095")},
		},
	}
	e := newTestEngine(quotes, gw, testConfig())

	out := e.ExecuteTrade(context.Background(), "BTC", decimal.NewFromInt(10))

	assert.True(t, out.Success)
	assert.Equal(t, "remainder immaterial", out.Reason)
	assert.True(t, d("0.095").Equal(out.FilledSize))
	assert.Equal(t, 1, gw.cancelCalls)
}

func TestExecuteTradePartialFillReplacesRemainder(t *testing.T) {
	quotes := &fakeQuotes{quotes: []marketdata.Quote{
		quote("100.00", "100.10"),
		quote("100.00", "100.10"),
		quote("100.20", "100.30"), // forces the chase that replaces the order
	}}
	gw := &fakeGateway{
		places: []placeResult{
			{order: execution.Order{VenueOrderID: "o1"}},
			{order: execution.Order{VenueOrderID: "o2"}},
		},
		statuses: []statusResult{
			// 0.04 at the 100.05 limit = 4.002 spent, 5.998 left.
			{status: execution.StatusPartiallyFilled, filled: d("0.04")},
			{status: execution.StatusOpen},
			{status: execution.StatusOpen}, // chase pre-check
			{status: execution.StatusFilled, filled: d("0.0598")},
		},
	}
	e := newTestEngine(quotes, gw, testConfig())

	out := e.ExecuteTrade(context.Background(), "BTC", decimal.NewFromInt(10))

	require.True(t, out.Success)
	assert.True(t, d("0.0998").Equal(out.FilledSize), "banked 0.04 plus 0.0598, got %s", out.FilledSize)
	require.Len(t, gw.placeNotionals, 2)
	assert.True(t, d("5.998").Equal(gw.placeNotionals[1]),
		"replacement must deploy only the undeployed remainder, got %s", gw.placeNotionals[1])
}

func TestExecuteTradePartialThenFilledAccumulates(t *testing.T) {
	quotes := &fakeQuotes{quotes: []marketdata.Quote{quote("100.00", "100.10")}}
	gw := &fakeGateway{
		places: []placeResult{{order: execution.Order{VenueOrderID: "o1"}}},
		statuses: []statusResult{
			{status: execution.StatusOpen},
			{status: execution.StatusPartiallyFilled, filled: d("0.03")},
			{status: execution.StatusFilled, filled: d("0.0999")},
		},
	}
	e := newTestEngine(quotes, gw, testConfig())

	out := e.ExecuteTrade(context.Background(), "BTC", decimal.NewFromInt(10))

	require.True(t, out.Success)
	assert.True(t, d("0.0999").Equal(out.FilledSize), "total must equal the final reported fill, got %s", out.FilledSize)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 0, gw.cancelCalls)
}

func TestExecuteTradeRetriesAfterVenueCancel(t *testing.T) {
	quotes := &fakeQuotes{quotes: []marketdata.Quote{quote("100.00", "100.10")}}
	gw := &fakeGateway{
		places: []placeResult{
			{order: execution.Order{VenueOrderID: "o1"}},
			{order: execution.Order{VenueOrderID: "o2"}},
		},
		statuses: []statusResult{
			{status: execution.StatusCancelled, filled: d("0.02")},
			{status: execution.StatusFilled, filled: d("0.0799")},
		},
	}
	e := newTestEngine(quotes, gw, testConfig())

	out := e.ExecuteTrade(context.Background(), "BTC", decimal.NewFromInt(10))

	require.True(t, out.Success)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, 0, out.Chases)
	assert.True(t, d("0.0999").Equal(out.FilledSize), "got %s", out.FilledSize)
	require.Len(t, gw.placeNotionals, 2)
	// 0.02 filled at the 100.05 limit before the venue cancelled.
	assert.True(t, d("7.999").Equal(gw.placeNotionals[1]), "got %s", gw.placeNotionals[1])
}

func TestExecuteTradePostOnlyCircuitBreaker(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPostOnlyFailures = 3
	quotes := &fakeQuotes{quotes: []marketdata.Quote{quote("100.00", "100.10")}}
	gw := &fakeGateway{
		places: []placeResult{{err: &execution.PlaceError{
			Reason:  execution.RejectPostOnly,
			Message: "INVALID_LIMIT_PRICE_POST_ONLY",
		}}},
	}
	e := newTestEngine(quotes, gw, cfg)

	out := e.ExecuteTrade(context.Background(), "BTC", decimal.NewFromInt(10))

	assert.False(t, out.Success)
	assert.Equal(t, "post-only circuit breaker", out.Reason)
	assert.Equal(t, 3, out.Attempts)
	assert.True(t, out.FilledSize.IsZero())
}

func TestExecuteTradePrecisionNarrowingRecovers(t *testing.T) {
	quotes := &fakeQuotes{quotes: []marketdata.Quote{quote("100.00", "100.10")}}
	gw := &fakeGateway{
		places: []placeResult{
			{err: &execution.PlaceError{
				Reason:  execution.RejectPricePrecision,
				Message: "INVALID_PRICE_PRECISION",
			}},
			{order: execution.Order{VenueOrderID: "o1"}},
		},
		statuses: []statusResult{{status: execution.StatusFilled, filled: d("0.0999")}},
	}
	e := newTestEngine(quotes, gw, testConfig())

	out := e.ExecuteTrade(context.Background(), "BTC", decimal.NewFromInt(10))

	require.True(t, out.Success)
	assert.Equal(t, 2, out.Attempts)
	require.Len(t, gw.placeProfs, 2)
	assert.Equal(t, 1, gw.placeProfs[1].PriceDecimals, "narrowed from the 2 decimals the quote implied")
}

func TestExecuteTradePrecisionCircuitBreakerAtFloor(t *testing.T) {
	cfg := testConfig()
	quotes := &fakeQuotes{quotes: []marketdata.Quote{quote("100", "101")}} // 0 decimals, grid already at floor
	gw := &fakeGateway{
		places: []placeResult{{err: &execution.PlaceError{
			Reason:  execution.RejectPricePrecision,
			Message: "INVALID_PRICE_PRECISION",
		}}},
	}
	e := newTestEngine(quotes, gw, cfg)

	out := e.ExecuteTrade(context.Background(), "BTC", decimal.NewFromInt(10))

	assert.False(t, out.Success)
	assert.Equal(t, "precision circuit breaker", out.Reason)
}

func TestExecuteTradeInsufficientFundsAbandons(t *testing.T) {
	quotes := &fakeQuotes{quotes: []marketdata.Quote{quote("100.00", "100.10")}}
	gw := &fakeGateway{
		places: []placeResult{{err: &execution.PlaceError{
			Reason:  execution.RejectInsufficientFunds,
			Message: "INSUFFICIENT_FUND",
		}}},
	}
	e := newTestEngine(quotes, gw, testConfig())

	out := e.ExecuteTrade(context.Background(), "BTC", decimal.NewFromInt(10))

	assert.False(t, out.Success)
	assert.Equal(t, "insufficient funds", out.Reason)
	assert.Equal(t, 1, out.Attempts)
}

func TestExecuteTradeFillDuringShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 1
	quotes := &fakeQuotes{quotes: []marketdata.Quote{quote("100.00", "100.10")}}
	gw := &fakeGateway{
		places: []placeResult{{order: execution.Order{VenueOrderID: "o1"}}},
		statuses: []statusResult{
			{status: execution.StatusOpen},
			{status: execution.StatusFilled, filled: d("0.0999")},
		},
	}
	e := newTestEngine(quotes, gw, cfg)

	out := e.ExecuteTrade(context.Background(), "BTC", decimal.NewFromInt(10))

	assert.True(t, out.Success)
	assert.Equal(t, "filled during shutdown", out.Reason)
	assert.Equal(t, 0, gw.cancelCalls)
}

func TestExecuteTradeCancelRacingFillSucceeds(t *testing.T) {
	quotes := &fakeQuotes{quotes: []marketdata.Quote{
		quote("100.00", "100.10"),
		quote("100.20", "100.30"),
	}}
	gw := &fakeGateway{
		places: []placeResult{{order: execution.Order{VenueOrderID: "o1"}}},
		statuses: []statusResult{
			{status: execution.StatusOpen},
			{status: execution.StatusOpen}, // pre-cancel check misses the fill
			{status: execution.StatusFilled, filled: d("0.0999")},
		},
		cancels: []execution.CancelResult{{Cancelled: false, FilledHint: true}},
	}
	e := newTestEngine(quotes, gw, testConfig())

	out := e.ExecuteTrade(context.Background(), "BTC", decimal.NewFromInt(10))

	require.True(t, out.Success)
	assert.Equal(t, "filled while cancelling", out.Reason)
	assert.Equal(t, 1, out.Attempts)
}
