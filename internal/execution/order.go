// Package execution places, queries, and cancels maker orders, translating the
// venue's response shapes into one uniform result surface for the chase engine.
package execution

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the engine's view of an order's lifecycle.
type OrderStatus string

const (
	StatusOpen            OrderStatus = "OPEN"
	StatusFilled          OrderStatus = "FILLED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusExpired         OrderStatus = "EXPIRED"
	StatusFailed          OrderStatus = "FAILED"
)

// Order is a placed maker buy as the engine tracks it.
type Order struct {
	ClientOrderID string
	VenueOrderID  string
	Asset         string
	LimitPrice    decimal.Decimal
	BaseSize      decimal.Decimal
	Status        OrderStatus
	FilledSize    decimal.Decimal
	PlacedAt      time.Time
}

// RejectReason classifies why the venue refused a placement.
type RejectReason string

const (
	RejectPostOnly          RejectReason = "post_only"
	RejectPricePrecision    RejectReason = "price_precision"
	RejectSizePrecision     RejectReason = "size_precision"
	RejectInsufficientFunds RejectReason = "insufficient_funds"
	RejectUnknown           RejectReason = "unknown"
)

// PlaceError carries the classified rejection plus the venue's raw message so
// the precision ledger can re-inspect the original code.
type PlaceError struct {
	Reason  RejectReason
	Message string
}

func (e *PlaceError) Error() string {
	return fmt.Sprintf("place rejected (%s): %s", e.Reason, e.Message)
}

// ErrSizeTooSmall is returned when the quantized base size rounds to zero.
var ErrSizeTooSmall = errors.New("quantized order size is zero")

// CancelResult distinguishes a plain cancellation from one that raced a fill.
type CancelResult struct {
	Cancelled  bool
	FilledHint bool
}
