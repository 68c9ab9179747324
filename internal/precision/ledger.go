// Package precision learns per-asset price and size quantization rules. Profiles
// are seeded from observed quote resolution and corrected only by venue rejection
// feedback, narrowing one decimal at a time.
package precision

import (
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Venue rejection codes that drive narrowing.
const (
	pricePrecisionCode = "INVALID_PRICE_PRECISION"
	sizePrecisionCode  = "INVALID_SIZE_PRECISION"
)

// Profile captures the learned quantization state for one asset.
//
// MarketIncrement reflects the finest resolution seen in quotes and is only used
// to judge whether the market has moved enough to justify repricing.
// PriceIncrement and SizeIncrement govern what the venue will accept on order
// placement and may be coarser than the market resolution.
type Profile struct {
	Asset           string
	MarketDecimals  int
	MarketIncrement decimal.Decimal
	PriceDecimals   int
	PriceIncrement  decimal.Decimal
	SizeDecimals    int
	SizeIncrement   decimal.Decimal
}

// QuantizePrice floors a candidate price onto the accepted price grid.
func (p *Profile) QuantizePrice(price decimal.Decimal) decimal.Decimal {
	return price.RoundFloor(int32(p.PriceDecimals))
}

// QuantizeSize floors a base size onto the accepted size grid. Flooring ensures
// the implied spend never exceeds the requested notional.
func (p *Profile) QuantizeSize(size decimal.Decimal) decimal.Decimal {
	return size.RoundFloor(int32(p.SizeDecimals))
}

// Ledger holds one Profile per asset for the lifetime of an engine run.
// Trades are processed one asset at a time, so the ledger is single-writer and
// carries no lock.
type Ledger struct {
	profiles      map[string]*Profile
	sizeOverrides map[string]int
	log           zerolog.Logger
}

// NewLedger builds an empty ledger. sizeOverrides seeds size decimals for assets
// whose size resolution is known to differ from quote resolution.
func NewLedger(sizeOverrides map[string]int, log zerolog.Logger) *Ledger {
	return &Ledger{
		profiles:      make(map[string]*Profile),
		sizeOverrides: sizeOverrides,
		log:           log,
	}
}

// Detect returns the profile for an asset, creating it from the first observed
// bid/ask on the initial call. Subsequent calls return the cached profile
// unchanged.
func (l *Ledger) Detect(asset string, bestBid, bestAsk decimal.Decimal) *Profile {
	if prof, ok := l.profiles[asset]; ok {
		return prof
	}

	marketDecimals := decimalsOf(bestBid)
	if d := decimalsOf(bestAsk); d > marketDecimals {
		marketDecimals = d
	}

	sizeDecimals := marketDecimals
	if override, ok := l.sizeOverrides[asset]; ok && override >= 0 {
		sizeDecimals = override
	}

	prof := &Profile{
		Asset:           asset,
		MarketDecimals:  marketDecimals,
		MarketIncrement: incrementFor(marketDecimals),
		PriceDecimals:   marketDecimals,
		PriceIncrement:  incrementFor(marketDecimals),
		SizeDecimals:    sizeDecimals,
		SizeIncrement:   incrementFor(sizeDecimals),
	}
	l.profiles[asset] = prof
	l.log.Info().
		Str("asset", asset).
		Int("market_decimals", marketDecimals).
		Int("size_decimals", sizeDecimals).
		Msg("detected precision profile")
	return prof
}

// NarrowPrice coarsens the price grid by one decimal when the rejection reason
// names a price precision problem. Returns nil when the reason does not match,
// the asset is unknown, or the grid is already at whole units.
func (l *Ledger) NarrowPrice(asset, rejectionReason string) *Profile {
	if !strings.Contains(rejectionReason, pricePrecisionCode) {
		return nil
	}
	prof, ok := l.profiles[asset]
	if !ok || prof.PriceDecimals == 0 {
		return nil
	}
	prof.PriceDecimals--
	prof.PriceIncrement = incrementFor(prof.PriceDecimals)
	l.log.Info().
		Str("asset", asset).
		Int("price_decimals", prof.PriceDecimals).
		Msg("narrowed price precision")
	return prof
}

// NarrowSize is the size-axis counterpart of NarrowPrice.
func (l *Ledger) NarrowSize(asset, rejectionReason string) *Profile {
	if !strings.Contains(rejectionReason, sizePrecisionCode) {
		return nil
	}
	prof, ok := l.profiles[asset]
	if !ok || prof.SizeDecimals == 0 {
		return nil
	}
	prof.SizeDecimals--
	prof.SizeIncrement = incrementFor(prof.SizeDecimals)
	l.log.Info().
		Str("asset", asset).
		Int("size_decimals", prof.SizeDecimals).
		Msg("narrowed size precision")
	return prof
}

// decimalsOf counts fractional digits as written in the quote, e.g. "100.00"
// carries two even though it equals "100".
func decimalsOf(d decimal.Decimal) int {
	if e := d.Exponent(); e < 0 {
		return int(-e)
	}
	return 0
}

func incrementFor(decimals int) decimal.Decimal {
	return decimal.New(1, -int32(decimals))
}
