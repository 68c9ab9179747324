// productspec prints the venue's declared precision metadata for every product
// in the configured basket, plus the config override block for size decimals.
// Useful when a product keeps rejecting sizes and the learned grid needs a
// pinned starting point.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jmberean/coinbase-buys/internal/config"
	"github.com/jmberean/coinbase-buys/internal/portfolio"
	"github.com/jmberean/coinbase-buys/internal/util"
	"github.com/jmberean/coinbase-buys/internal/venue"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to YAML config")
	flag.Parse()

	log := util.NewLogger("warn")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	creds, err := venue.LoadCredentials(cfg.Venue.KeyNameEnv, cfg.Venue.PrivateKeyEnv)
	if err != nil {
		log.Fatal().Err(err).Msg("load credentials")
	}
	lines, err := portfolio.Resolve(decimal.NewFromFloat(cfg.Portfolio.TotalInvestmentUSD), cfg.Portfolio.Allocation)
	if err != nil {
		log.Fatal().Err(err).Msg("resolve portfolio")
	}

	client := venue.NewClient(
		cfg.Venue.RestURL,
		creds,
		venue.NewThrottledClient(
			time.Duration(cfg.Venue.MinAPIIntervalMs)*time.Millisecond,
			time.Duration(cfg.Venue.RequestTimeoutMs)*time.Millisecond,
		),
		log,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	overrides := map[string]int{}
	for _, asset := range portfolio.Assets(lines) {
		product, err := client.GetProduct(ctx, asset)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", asset, err)
			continue
		}
		fmt.Printf("%s\n", product.ProductID)
		fmt.Printf("  status:          %s\n", product.Status)
		fmt.Printf("  price:           %s\n", product.Price)
		fmt.Printf("  price_increment: %s\n", product.PriceIncrement)
		fmt.Printf("  quote_increment: %s\n", product.QuoteIncrement)
		fmt.Printf("  base_increment:  %s (min %s)\n", product.BaseIncrement, product.BaseMinSize)
		if dec, ok := decimalsOf(product.BaseIncrement); ok {
			overrides[asset] = dec
		}
	}

	if len(overrides) == 0 {
		return
	}
	assets := make([]string, 0, len(overrides))
	for a := range overrides {
		assets = append(assets, a)
	}
	sort.Strings(assets)
	fmt.Println("\n# paste into config under precision:")
	fmt.Println("precision:")
	fmt.Println("  size_decimals:")
	for _, a := range assets {
		fmt.Printf("    %s: %d\n", a, overrides[a])
	}
}

// decimalsOf reads the decimal places out of an increment string like
// "0.00000001".
func decimalsOf(increment string) (int, bool) {
	v, err := decimal.NewFromString(strings.TrimSpace(increment))
	if err != nil || !v.IsPositive() {
		return 0, false
	}
	if v.Exponent() >= 0 {
		return 0, true
	}
	return int(-v.Exponent()), true
}
