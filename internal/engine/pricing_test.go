package engine

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestCandidatePriceTiers(t *testing.T) {
	inc := d("0.01")

	cases := []struct {
		name string
		bid  string
		ask  string
		want string
		tier string
	}{
		{"zero spread", "100.00", "100.00", "99.99", "zero-spread"},
		{"tight spread", "100.00", "100.02", "100.01", "tight-spread"},
		{"mid spread", "100.00", "100.10", "100.05", "mid-spread"},
		{"wide spread", "100.00", "101.00", "100.98", "below-ask"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			price, tier := candidatePrice(d(tc.bid), d(tc.ask), inc)
			assert.True(t, d(tc.want).Equal(price), "got %s", price)
			assert.Equal(t, tc.tier, tier)
		})
	}
}

func TestCandidatePriceNeverReachesAsk(t *testing.T) {
	// A coarse increment can push the mid-spread result past the ask.
	price, _ := candidatePrice(d("100.00"), d("100.10"), d("1"))
	assert.True(t, price.LessThan(d("100.10")), "price %s must stay below ask", price)
}

func TestCandidatePriceZeroSpreadBelowBid(t *testing.T) {
	price, _ := candidatePrice(d("50.00"), d("50.00"), d("0.01"))
	assert.True(t, price.LessThan(d("50.00")))
}
