// Package engine drives the place/monitor/cancel/replace loop for a single
// maker-only buy. It chases the book as it moves, absorbs partial fills, and
// trips circuit breakers when the venue keeps rejecting placements.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jmberean/coinbase-buys/internal/execution"
	"github.com/jmberean/coinbase-buys/internal/marketdata"
	"github.com/jmberean/coinbase-buys/internal/metrics"
	"github.com/jmberean/coinbase-buys/internal/precision"
)

// QuoteSource supplies a current top-of-book view for an asset.
type QuoteSource interface {
	GetQuote(ctx context.Context, asset string) (marketdata.Quote, bool)
}

// OrderGateway is the slice of the execution layer the engine needs.
type OrderGateway interface {
	PlaceMakerBuy(ctx context.Context, asset string, notional, limitPrice decimal.Decimal, prof *precision.Profile) (execution.Order, error)
	Status(ctx context.Context, orderID string) (execution.OrderStatus, decimal.Decimal, error)
	Cancel(ctx context.Context, orderID string) (execution.CancelResult, error)
}

// PrecisionLedger learns and narrows per-asset price/size grids.
type PrecisionLedger interface {
	Detect(asset string, bid, ask decimal.Decimal) *precision.Profile
	NarrowPrice(asset, rejectionReason string) *precision.Profile
	NarrowSize(asset, rejectionReason string) *precision.Profile
}

// Config bounds a single trade session.
type Config struct {
	Tick                 time.Duration
	Dwell                time.Duration
	MaxChaseTime         time.Duration
	MaxAttempts          int
	MaxPostOnlyFailures  int
	MaxPrecisionFailures int
	ChaseMoveMultiple    int
	MinRemainderUSD      decimal.Decimal
	FinalCheckRetries    int
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = 500 * time.Millisecond
	}
	if c.Dwell < 0 {
		c.Dwell = 0
	}
	if c.MaxChaseTime <= 0 {
		c.MaxChaseTime = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 12
	}
	if c.MaxPostOnlyFailures <= 0 {
		c.MaxPostOnlyFailures = 15
	}
	if c.MaxPrecisionFailures <= 0 {
		c.MaxPrecisionFailures = 3
	}
	if c.ChaseMoveMultiple <= 0 {
		c.ChaseMoveMultiple = 2
	}
	if c.MinRemainderUSD.IsZero() {
		c.MinRemainderUSD = decimal.NewFromInt(1)
	}
	if c.FinalCheckRetries <= 0 {
		c.FinalCheckRetries = 3
	}
	return c
}

// Outcome is the final report for one trade session.
type Outcome struct {
	Asset      string          `json:"asset"`
	Success    bool            `json:"success"`
	Reason     string          `json:"reason"`
	FilledSize decimal.Decimal `json:"filled_size"`
	Attempts   int             `json:"attempts"`
	Chases     int             `json:"chases"`
	ElapsedMs  int64           `json:"elapsed_ms"`
}

// Engine executes maker-only buys one at a time.
type Engine struct {
	quotes  QuoteSource
	gateway OrderGateway
	ledger  PrecisionLedger
	cfg     Config
	log     zerolog.Logger
}

func New(quotes QuoteSource, gateway OrderGateway, ledger PrecisionLedger, cfg Config, log zerolog.Logger) *Engine {
	return &Engine{
		quotes:  quotes,
		gateway: gateway,
		ledger:  ledger,
		cfg:     cfg.withDefaults(),
		log:     log.With().Str("component", "engine").Logger(),
	}
}

// session carries the mutable state of one trade.
type session struct {
	asset      string
	remaining  decimal.Decimal // USD still to deploy
	startedAt  time.Time
	attempts   int
	chases     int
	nextAction string // INITIAL, RETRY, CHASE

	order         *execution.Order
	lastCandidate decimal.Decimal // raw candidate price the current order was placed from
	orderSeenFill decimal.Decimal // base filled on the current order, last observed
	bankedFill    decimal.Decimal // base filled on orders no longer open

	postOnlyFailures  int
	precisionFailures int
}

// totalFill is the fill banked from closed orders plus the current order's
// last observed fill.
func (s *session) totalFill() decimal.Decimal {
	return s.bankedFill.Add(s.orderSeenFill)
}

// observeFill records a newly reported filled size for the current order and
// debits the remaining notional at the order's limit price, which is where a
// maker buy actually fills. Returns the newly observed portion.
func (s *session) observeFill(filled decimal.Decimal) decimal.Decimal {
	newFill := filled.Sub(s.orderSeenFill)
	if !newFill.IsPositive() {
		return decimal.Zero
	}
	s.orderSeenFill = filled
	s.remaining = s.remaining.Sub(newFill.Mul(s.order.LimitPrice))
	if s.remaining.IsNegative() {
		s.remaining = decimal.Zero
	}
	return newFill
}

// closeOrder retires the current order, banking whatever filled on it. Any
// fill not yet seen is debited from the remaining notional first.
func (s *session) closeOrder(finalFill decimal.Decimal) {
	s.observeFill(finalFill)
	s.bankedFill = s.bankedFill.Add(s.orderSeenFill)
	s.orderSeenFill = decimal.Zero
	s.order = nil
}

// ExecuteTrade runs the chase loop for one asset until the notional is spent,
// a circuit breaker trips, or the time/attempt budget runs out. It always
// leaves no order open on the venue when it returns, apart from cancel calls
// that themselves fail.
func (e *Engine) ExecuteTrade(ctx context.Context, asset string, notionalUSD decimal.Decimal) Outcome {
	sess := &session{
		asset:      asset,
		remaining:  notionalUSD,
		startedAt:  time.Now(),
		nextAction: "INITIAL",
	}
	log := e.log.With().Str("asset", asset).Logger()
	log.Info().Str("notional_usd", notionalUSD.String()).Msg("trade session started")

	deadline := sess.startedAt.Add(e.cfg.MaxChaseTime)
	var prof *precision.Profile

	for {
		if ctx.Err() != nil {
			return e.cleanup(ctx, sess, log, "context canceled")
		}
		if time.Now().After(deadline) {
			return e.cleanup(ctx, sess, log, "chase time exhausted")
		}
		if sess.attempts >= e.cfg.MaxAttempts {
			return e.cleanup(ctx, sess, log, "attempt budget exhausted")
		}
		if sess.postOnlyFailures >= e.cfg.MaxPostOnlyFailures {
			return e.cleanup(ctx, sess, log, "post-only circuit breaker")
		}
		if sess.precisionFailures >= e.cfg.MaxPrecisionFailures {
			return e.cleanup(ctx, sess, log, "precision circuit breaker")
		}

		quote, ok := e.quotes.GetQuote(ctx, asset)
		if !ok {
			log.Warn().Msg("no usable quote")
			e.sleep(ctx, e.cfg.Tick)
			continue
		}
		if prof == nil {
			prof = e.ledger.Detect(asset, quote.BestBid, quote.BestAsk)
		}

		price, tier := candidatePrice(quote.BestBid, quote.BestAsk, prof.PriceIncrement)

		if sess.order == nil {
			outcome, skipSleep := e.place(ctx, sess, &prof, price, tier, log)
			if outcome != nil {
				return *outcome
			}
			if skipSleep {
				continue
			}
		} else {
			outcome := e.monitor(ctx, sess, prof, price, log)
			if outcome != nil {
				return *outcome
			}
		}

		e.sleep(ctx, e.cfg.Tick)
	}
}

// place submits an order for the remaining notional. A non-nil outcome ends
// the session. skipSleep requests an immediate next iteration, used for
// rejections that are retried straight away.
func (e *Engine) place(ctx context.Context, sess *session, prof **precision.Profile, price decimal.Decimal, tier string, log zerolog.Logger) (*Outcome, bool) {
	sess.attempts++
	order, err := e.gateway.PlaceMakerBuy(ctx, sess.asset, sess.remaining, price, *prof)
	if err == nil {
		sess.order = &order
		sess.lastCandidate = price
		sess.orderSeenFill = decimal.Zero
		sess.postOnlyFailures = 0
		sess.precisionFailures = 0
		log.Info().
			Str("action", sess.nextAction).
			Str("tier", tier).
			Str("limit_price", order.LimitPrice.String()).
			Str("base_size", order.BaseSize.String()).
			Int("attempt", sess.attempts).
			Msg("order placed")
		return nil, false
	}

	if errors.Is(err, execution.ErrSizeTooSmall) {
		if sess.bankedFill.IsPositive() {
			out := e.succeed(sess, "remainder below size grid", log)
			return &out, false
		}
		out := e.fail(sess, "notional too small for size grid", log)
		return &out, false
	}

	var pe *execution.PlaceError
	if errors.As(err, &pe) {
		switch pe.Reason {
		case execution.RejectPostOnly:
			sess.postOnlyFailures++
			log.Debug().Int("post_only_failures", sess.postOnlyFailures).Msg("post-only rejection, repricing")
			return nil, true
		case execution.RejectPricePrecision:
			if np := e.ledger.NarrowPrice(sess.asset, pe.Message); np != nil {
				*prof = np
				log.Info().Int("price_decimals", np.PriceDecimals).Msg("narrowed price grid")
			} else {
				sess.precisionFailures++
			}
			return nil, true
		case execution.RejectSizePrecision:
			if np := e.ledger.NarrowSize(sess.asset, pe.Message); np != nil {
				*prof = np
				log.Info().Int("size_decimals", np.SizeDecimals).Msg("narrowed size grid")
			} else {
				sess.precisionFailures++
			}
			return nil, true
		case execution.RejectInsufficientFunds:
			out := e.fail(sess, "insufficient funds", log)
			return &out, false
		}
	}

	log.Warn().Err(err).Msg("placement failed")
	return nil, false
}

// monitor polls the open order and decides between waiting, banking a partial
// fill, retrying after a terminal status, and chasing a moved market.
func (e *Engine) monitor(ctx context.Context, sess *session, prof *precision.Profile, price decimal.Decimal, log zerolog.Logger) *Outcome {
	if time.Since(sess.order.PlacedAt) < e.cfg.Dwell {
		return nil
	}

	status, filled, err := e.gateway.Status(ctx, sess.order.VenueOrderID)
	if err != nil {
		log.Warn().Err(err).Msg("status poll failed")
		return nil
	}

	switch status {
	case execution.StatusFilled:
		sess.closeOrder(filled)
		out := e.succeed(sess, "filled", log)
		return &out

	case execution.StatusPartiallyFilled:
		if newFill := sess.observeFill(filled); newFill.IsPositive() {
			log.Info().
				Str("new_fill", newFill.String()).
				Str("remaining_usd", sess.remaining.String()).
				Msg("partial fill")
		}
		if sess.remaining.LessThan(e.cfg.MinRemainderUSD) {
			return e.retireOrder(ctx, sess, "remainder immaterial", log)
		}
		return nil

	case execution.StatusCancelled, execution.StatusExpired, execution.StatusFailed:
		log.Info().Str("status", string(status)).Msg("order closed by venue, retrying")
		sess.closeOrder(filled)
		sess.nextAction = "RETRY"
		return nil

	default: // open, keep watching unless the market moved
		// Compare raw candidates, not the quantized placed price. A coarse
		// learned price grid offsets the placed price by up to one increment,
		// which would read as permanent movement on a flat market.
		move := price.Sub(sess.lastCandidate).Abs()
		threshold := prof.MarketIncrement.Mul(decimal.NewFromInt(int64(e.cfg.ChaseMoveMultiple)))
		if move.LessThan(threshold) {
			return nil
		}
		log.Info().
			Str("move", move.String()).
			Str("threshold", threshold.String()).
			Msg("market moved, chasing")
		return e.chase(ctx, sess, log)
	}
}

// chase cancels the resting order so the next iteration can replace it at the
// current price. The order may fill in the race with the cancel, so the fill
// state is re-checked on both sides of the cancel call.
func (e *Engine) chase(ctx context.Context, sess *session, log zerolog.Logger) *Outcome {
	status, filled, err := e.gateway.Status(ctx, sess.order.VenueOrderID)
	if err == nil {
		if status == execution.StatusFilled {
			sess.closeOrder(filled)
			out := e.succeed(sess, "filled during chase check", log)
			return &out
		}
		sess.observeFill(filled)
	}

	res, err := e.gateway.Cancel(ctx, sess.order.VenueOrderID)
	if err != nil {
		log.Warn().Err(err).Msg("cancel failed, keeping order")
		return nil
	}
	if res.FilledHint {
		if st, f, serr := e.gateway.Status(ctx, sess.order.VenueOrderID); serr == nil && st == execution.StatusFilled {
			sess.closeOrder(f)
			out := e.succeed(sess, "filled while cancelling", log)
			return &out
		}
	}

	sess.closeOrder(sess.orderSeenFill)
	sess.chases++
	sess.nextAction = "CHASE"
	metrics.ChasesTotal.WithLabelValues(sess.asset).Inc()
	return nil
}

// retireOrder cancels the current order and ends the session successfully.
// Used when the unfilled remainder is too small to be worth deploying.
func (e *Engine) retireOrder(ctx context.Context, sess *session, reason string, log zerolog.Logger) *Outcome {
	res, err := e.gateway.Cancel(ctx, sess.order.VenueOrderID)
	if err != nil {
		log.Warn().Err(err).Msg("cancel failed")
	} else if res.FilledHint {
		if _, f, serr := e.gateway.Status(ctx, sess.order.VenueOrderID); serr == nil {
			sess.observeFill(f)
		}
	}
	sess.closeOrder(sess.orderSeenFill)
	out := e.succeed(sess, reason, log)
	return &out
}

// cleanup runs when a budget or breaker ends the session with an order
// possibly still open. Fill notifications can lag, so the status is
// re-checked a few times before the final cancel.
func (e *Engine) cleanup(ctx context.Context, sess *session, log zerolog.Logger, reason string) Outcome {
	if sess.order == nil {
		return e.fail(sess, reason, log)
	}

	for i := 0; i < e.cfg.FinalCheckRetries; i++ {
		status, filled, err := e.gateway.Status(ctx, sess.order.VenueOrderID)
		if err != nil {
			e.sleep(ctx, e.cfg.Tick)
			continue
		}
		sess.observeFill(filled)
		if status == execution.StatusFilled {
			sess.closeOrder(filled)
			return e.succeed(sess, "filled during shutdown", log)
		}
		if status != execution.StatusOpen && status != execution.StatusPartiallyFilled {
			sess.closeOrder(filled)
			return e.fail(sess, reason, log)
		}
		e.sleep(ctx, e.cfg.Tick)
	}

	res, err := e.gateway.Cancel(ctx, sess.order.VenueOrderID)
	if err != nil {
		log.Error().Err(err).Str("order_id", sess.order.VenueOrderID).Msg("final cancel failed, order may rest")
	} else if res.FilledHint {
		if st, f, serr := e.gateway.Status(ctx, sess.order.VenueOrderID); serr == nil && st == execution.StatusFilled {
			sess.closeOrder(f)
			return e.succeed(sess, "filled while cancelling at shutdown", log)
		}
	}
	sess.closeOrder(sess.orderSeenFill)
	return e.fail(sess, reason, log)
}

func (e *Engine) succeed(sess *session, reason string, log zerolog.Logger) Outcome {
	out := e.outcome(sess, true, reason)
	metrics.TradesTotal.WithLabelValues(sess.asset, "success").Inc()
	log.Info().
		Str("reason", reason).
		Str("filled_size", out.FilledSize.String()).
		Int("attempts", out.Attempts).
		Int("chases", out.Chases).
		Msg("trade succeeded")
	return out
}

func (e *Engine) fail(sess *session, reason string, log zerolog.Logger) Outcome {
	out := e.outcome(sess, false, reason)
	metrics.TradesTotal.WithLabelValues(sess.asset, "failure").Inc()
	log.Warn().
		Str("reason", reason).
		Str("filled_size", out.FilledSize.String()).
		Int("attempts", out.Attempts).
		Msg("trade failed")
	return out
}

func (e *Engine) outcome(sess *session, success bool, reason string) Outcome {
	return Outcome{
		Asset:      sess.asset,
		Success:    success,
		Reason:     reason,
		FilledSize: sess.totalFill(),
		Attempts:   sess.attempts,
		Chases:     sess.chases,
		ElapsedMs:  time.Since(sess.startedAt).Milliseconds(),
	}
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
