package main

import (
	"context"
	"errors"
	"flag"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/jmberean/coinbase-buys/internal/config"
	"github.com/jmberean/coinbase-buys/internal/engine"
	"github.com/jmberean/coinbase-buys/internal/execution"
	"github.com/jmberean/coinbase-buys/internal/marketdata"
	"github.com/jmberean/coinbase-buys/internal/metrics"
	"github.com/jmberean/coinbase-buys/internal/portfolio"
	"github.com/jmberean/coinbase-buys/internal/precision"
	"github.com/jmberean/coinbase-buys/internal/report"
	"github.com/jmberean/coinbase-buys/internal/util"
	"github.com/jmberean/coinbase-buys/internal/venue"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := util.NewLogger("info")
		bootLog.Fatal().Err(err).Msg("load config")
	}
	log := util.NewLogger(cfg.App.LogLevel)

	creds, err := venue.LoadCredentials(cfg.Venue.KeyNameEnv, cfg.Venue.PrivateKeyEnv)
	if err != nil {
		log.Fatal().Err(err).Msg("load credentials")
	}

	lines, err := portfolio.Resolve(decimal.NewFromFloat(cfg.Portfolio.TotalInvestmentUSD), cfg.Portfolio.Allocation)
	if err != nil {
		log.Fatal().Err(err).Msg("resolve portfolio")
	}
	products := portfolio.Assets(lines)

	_ = metrics.Serve(cfg.App.MetricsAddr)
	log.Info().Str("addr", cfg.App.MetricsAddr).Msg("metrics up")

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client := venue.NewClient(
		cfg.Venue.RestURL,
		creds,
		venue.NewThrottledClient(
			time.Duration(cfg.Venue.MinAPIIntervalMs)*time.Millisecond,
			time.Duration(cfg.Venue.RequestTimeoutMs)*time.Millisecond,
		),
		log,
	)

	cache := marketdata.NewCache()
	feed := marketdata.NewFeed(cfg.Venue.WsURL, products, cache, log)

	feedCtx, stopFeed := context.WithCancel(ctx)
	defer stopFeed()
	group, feedCtx := errgroup.WithContext(feedCtx)
	group.Go(func() error {
		return feed.Run(feedCtx)
	})

	waitForStream(ctx, cache, products, time.Duration(cfg.Engine.StreamWarmupSecs)*time.Second)
	if missing := cache.Missing(products); len(missing) > 0 {
		log.Warn().Strs("products", missing).Msg("stream warmup incomplete, those products start on polling")
	}

	source := marketdata.NewSource(cache, client, time.Duration(cfg.Engine.FreshnessWindowMs)*time.Millisecond, log)
	ledger := precision.NewLedger(cfg.Precision.SizeDecimals, log)
	gateway := execution.NewGateway(client, log)
	eng := engine.New(source, gateway, ledger, engine.Config{
		Tick:                 time.Duration(cfg.Engine.TickMs) * time.Millisecond,
		Dwell:                time.Duration(cfg.Engine.DwellMs) * time.Millisecond,
		MaxChaseTime:         time.Duration(cfg.Engine.MaxChaseTimeSecs) * time.Second,
		MaxAttempts:          cfg.Engine.MaxAttempts,
		MaxPostOnlyFailures:  cfg.Engine.MaxPostOnlyFailures,
		MaxPrecisionFailures: cfg.Engine.MaxPrecisionFailures,
		ChaseMoveMultiple:    cfg.Engine.ChaseMoveMultiple,
		MinRemainderUSD:      decimal.NewFromFloat(cfg.Engine.MinRemainderUSD),
		FinalCheckRetries:    cfg.Engine.FinalCheckRetries,
	}, log)

	recorder, err := report.NewJSONLRecorder(cfg.Report.OutcomesPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open outcome recorder")
	}
	defer recorder.Close()

	// One asset at a time so the rate budget and the account balance are
	// never contended by concurrent sessions.
	succeeded := 0
	for _, line := range lines {
		if ctx.Err() != nil {
			log.Warn().Msg("interrupted, skipping remaining assets")
			break
		}
		out := eng.ExecuteTrade(ctx, line.Asset, line.NotionalUSD)
		recorder.Record(out)
		if out.Success {
			succeeded++
		}
	}

	stopFeed()
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Msg("feed stopped with error")
	}

	log.Info().
		Int("succeeded", succeeded).
		Int("total", len(lines)).
		Msg("basket run complete")
	if succeeded < len(lines) {
		// os.Exit skips deferred calls, so flush the recorder here.
		if err := recorder.Close(); err != nil {
			log.Warn().Err(err).Msg("close outcome recorder")
		}
		os.Exit(1)
	}
}

// waitForStream blocks until every product has a streamed quote or the warmup
// window ends.
func waitForStream(ctx context.Context, cache *marketdata.Cache, products []string, warmup time.Duration) {
	if warmup <= 0 {
		return
	}
	deadline := time.Now().Add(warmup)
	t := time.NewTicker(200 * time.Millisecond)
	defer t.Stop()
	for time.Now().Before(deadline) {
		if len(cache.Missing(products)) == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
