package engine

import "github.com/shopspring/decimal"

var (
	two = decimal.NewFromInt(2)
	ten = decimal.NewFromInt(10)
)

// candidatePrice picks a maker-safe limit price from the current book using a
// tiered rule keyed off the spread, then clamps so the result can never cross
// or touch the ask. Returns the price and the tier name for logging.
func candidatePrice(bid, ask, increment decimal.Decimal) (decimal.Decimal, string) {
	spread := ask.Sub(bid)

	var price decimal.Decimal
	var tier string
	switch {
	case spread.IsZero():
		price = bid.Sub(increment)
		tier = "zero-spread"
	case spread.LessThanOrEqual(increment.Mul(two)):
		price = ask.Sub(increment)
		tier = "tight-spread"
	case spread.LessThanOrEqual(increment.Mul(ten)):
		price = bid.Add(spread.Div(two))
		tier = "mid-spread"
	default:
		price = ask.Sub(increment.Mul(two))
		tier = "below-ask"
	}

	if price.GreaterThanOrEqual(ask) {
		price = ask.Sub(increment)
	}
	return price, tier
}
