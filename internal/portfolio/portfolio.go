// Package portfolio turns an investment total and an allocation map into the
// per-asset notionals the engine deploys.
package portfolio

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Line is one asset's share of the basket.
type Line struct {
	Asset       string
	Weight      decimal.Decimal
	NotionalUSD decimal.Decimal
}

// Resolve validates the allocation and splits the total across it. Weights
// must be positive and sum to at most 1; notionals are rounded down to whole
// cents so the basket never overspends the total. Lines come back in
// descending notional order, ties broken by asset name, so the largest
// positions execute first.
func Resolve(totalUSD decimal.Decimal, allocation map[string]float64) ([]Line, error) {
	if !totalUSD.IsPositive() {
		return nil, fmt.Errorf("total investment must be positive, got %s", totalUSD)
	}
	if len(allocation) == 0 {
		return nil, fmt.Errorf("allocation is empty")
	}

	one := decimal.NewFromInt(1)
	sum := decimal.Zero
	lines := make([]Line, 0, len(allocation))
	for asset, w := range allocation {
		weight := decimal.NewFromFloat(w)
		if !weight.IsPositive() {
			return nil, fmt.Errorf("allocation for %s must be positive, got %v", asset, w)
		}
		sum = sum.Add(weight)
		lines = append(lines, Line{
			Asset:       asset,
			Weight:      weight,
			NotionalUSD: totalUSD.Mul(weight).RoundFloor(2),
		})
	}
	if sum.GreaterThan(one) {
		return nil, fmt.Errorf("allocation weights sum to %s, must not exceed 1", sum)
	}

	sort.Slice(lines, func(i, j int) bool {
		if !lines[i].NotionalUSD.Equal(lines[j].NotionalUSD) {
			return lines[i].NotionalUSD.GreaterThan(lines[j].NotionalUSD)
		}
		return lines[i].Asset < lines[j].Asset
	})
	return lines, nil
}

// Assets lists the basket's product identifiers in execution order.
func Assets(lines []Line) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Asset
	}
	return out
}
