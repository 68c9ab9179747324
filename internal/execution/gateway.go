package execution

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jmberean/coinbase-buys/internal/metrics"
	"github.com/jmberean/coinbase-buys/internal/precision"
	"github.com/jmberean/coinbase-buys/internal/venue"
)

// VenueClient is the REST slice the gateway consumes.
type VenueClient interface {
	PlaceLimitBuy(ctx context.Context, params venue.PlaceOrderParams) (venue.PlaceResult, error)
	GetOrder(ctx context.Context, orderID string) (venue.OrderInfo, error)
	CancelOrders(ctx context.Context, orderIDs []string) ([]venue.CancelOutcome, error)
}

// Gateway submits maker-only buys and normalizes status/cancel semantics.
type Gateway struct {
	venue VenueClient
	log   zerolog.Logger
}

// NewGateway wraps a venue client.
func NewGateway(client VenueClient, log zerolog.Logger) *Gateway {
	return &Gateway{venue: client, log: log}
}

// PlaceMakerBuy computes the base size for a notional spend, quantizes price and
// size onto the profile's grids (size always floors so the implied spend never
// exceeds the notional), and submits a post-only GTC limit buy.
func (g *Gateway) PlaceMakerBuy(ctx context.Context, asset string, notional, limitPrice decimal.Decimal, prof *precision.Profile) (Order, error) {
	price := prof.QuantizePrice(limitPrice)
	if !price.IsPositive() {
		return Order{}, &PlaceError{Reason: RejectUnknown, Message: fmt.Sprintf("non-positive limit price %s", price)}
	}
	size := prof.QuantizeSize(notional.Div(price))
	if !size.IsPositive() {
		return Order{}, ErrSizeTooSmall
	}

	clientOrderID := uuid.New().String()
	result, err := g.venue.PlaceLimitBuy(ctx, venue.PlaceOrderParams{
		ClientOrderID: clientOrderID,
		ProductID:     asset,
		BaseSize:      size.StringFixed(int32(prof.SizeDecimals)),
		LimitPrice:    price.StringFixed(int32(prof.PriceDecimals)),
		PostOnly:      true,
	})
	if err != nil {
		metrics.OrderRejectsTotal.WithLabelValues(asset, string(RejectUnknown)).Inc()
		return Order{}, &PlaceError{Reason: RejectUnknown, Message: err.Error()}
	}
	if !result.Success {
		reason := classifyReject(result.FailureReason, result.Message)
		metrics.OrderRejectsTotal.WithLabelValues(asset, string(reason)).Inc()
		g.log.Warn().
			Str("asset", asset).
			Str("reason", string(reason)).
			Str("venue_reason", result.FailureReason).
			Msg("placement rejected")
		return Order{}, &PlaceError{
			Reason:  reason,
			Message: strings.TrimSpace(result.FailureReason + " " + result.Message),
		}
	}

	metrics.OrdersPlacedTotal.WithLabelValues(asset).Inc()
	return Order{
		ClientOrderID: clientOrderID,
		VenueOrderID:  result.OrderID,
		Asset:         asset,
		LimitPrice:    price,
		BaseSize:      size,
		Status:        StatusOpen,
		PlacedAt:      time.Now(),
	}, nil
}

// Status reports the order's lifecycle state and filled size, retrying the
// lookup once on transient failure. An open order with partial fills is
// reported as PARTIALLY_FILLED even though the venue leaves it OPEN.
func (g *Gateway) Status(ctx context.Context, orderID string) (OrderStatus, decimal.Decimal, error) {
	info, err := g.venue.GetOrder(ctx, orderID)
	if err != nil {
		info, err = g.venue.GetOrder(ctx, orderID)
		if err != nil {
			return "", decimal.Zero, fmt.Errorf("order status: %w", err)
		}
	}

	status := OrderStatus(info.Status)
	if status == StatusOpen && info.FilledSize.IsPositive() {
		status = StatusPartiallyFilled
	}
	return status, info.FilledSize, nil
}

// Cancel requests cancellation. Venue responses meaning "there is nothing left
// to cancel" (already filled, not found, cannot cancel) are reported as a
// filled hint, not an error, because cancellation racing a fill is expected.
func (g *Gateway) Cancel(ctx context.Context, orderID string) (CancelResult, error) {
	outcomes, err := g.venue.CancelOrders(ctx, []string{orderID})
	if err != nil {
		if looksAlreadyClosed(err.Error()) {
			return CancelResult{FilledHint: true}, nil
		}
		return CancelResult{}, fmt.Errorf("cancel %s: %w", orderID, err)
	}

	for _, outcome := range outcomes {
		if outcome.OrderID != orderID && outcome.OrderID != "" {
			continue
		}
		if outcome.Success {
			return CancelResult{Cancelled: true}, nil
		}
		if looksAlreadyClosed(outcome.FailureReason) {
			return CancelResult{FilledHint: true}, nil
		}
		return CancelResult{}, fmt.Errorf("cancel %s refused: %s", orderID, outcome.FailureReason)
	}
	return CancelResult{}, fmt.Errorf("cancel %s: no result from venue", orderID)
}

func classifyReject(reason, message string) RejectReason {
	combined := strings.ToUpper(reason + " " + message)
	switch {
	case strings.Contains(combined, "INVALID_LIMIT_PRICE_POST_ONLY"),
		strings.Contains(combined, "POST ONLY"):
		return RejectPostOnly
	case strings.Contains(combined, "INVALID_PRICE_PRECISION"):
		return RejectPricePrecision
	case strings.Contains(combined, "INVALID_SIZE_PRECISION"):
		return RejectSizePrecision
	case strings.Contains(combined, "INSUFFICIENT_FUND"):
		return RejectInsufficientFunds
	default:
		return RejectUnknown
	}
}

func looksAlreadyClosed(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "already filled") ||
		strings.Contains(lower, "not found") ||
		strings.Contains(lower, "cannot cancel") ||
		strings.Contains(lower, "unknown_cancel_order")
}
