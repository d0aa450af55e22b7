// Package venue abstracts the perpetual futures exchange used for order
// placement and account state.
package venue

import (
	"context"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// OrderStatus is the venue-side lifecycle state of an order.
type OrderStatus string

const (
	OrderAccepted OrderStatus = "accepted"
	OrderFilled   OrderStatus = "filled"
	OrderRejected OrderStatus = "rejected"
)

// OrderRequest describes one order submission. ClientOrderID is the caller's
// idempotency key: resubmitting the same ID must not create a second order.
type OrderRequest struct {
	ClientOrderID   string
	Symbol          string
	Side            domain.PositionSide
	Size            float64
	Leverage        float64
	ReduceOnly      bool
	StopLossPrice   float64
	TakeProfitPrice float64
}

// OrderResult is the venue's response to an order submission or lookup.
type OrderResult struct {
	VenueOrderID string
	Status       OrderStatus
	FillPrice    float64
	FilledSize   float64
	Reason       string
}

// PositionState is the venue's view of an open position. A nil *PositionState
// from Position means the account is flat on that symbol.
type PositionState struct {
	Symbol     string
	Side       domain.PositionSide
	Size       float64
	Leverage   float64
	EntryPrice float64
	MarkPrice  float64
}

// Venue is the exchange surface the execution gateway depends on.
//
// Implementations classify failures: connectivity problems, timeouts, and
// 5xx responses surface as domain.ErrVenueTransient; explicit order
// rejections surface as domain.ErrVenueRejected. Lookups for unknown orders
// return domain.ErrNotFound.
type Venue interface {
	// PlaceOrder submits a new order keyed by ClientOrderID.
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)

	// ClosePosition submits a reduce-only market order that flattens the
	// symbol. clientOrderID is the idempotency key for the close.
	ClosePosition(ctx context.Context, symbol, clientOrderID string) (OrderResult, error)

	// QueryOrder looks up a previously submitted order by its client ID.
	// Used to reconcile ambiguous outcomes after a transport failure.
	QueryOrder(ctx context.Context, clientOrderID string) (OrderResult, error)

	// Position returns the current position for a symbol, or nil when flat.
	Position(ctx context.Context, symbol string) (*PositionState, error)

	// AccountEquity returns the account's current equity in quote currency.
	AccountEquity(ctx context.Context) (float64, error)

	// Ping verifies connectivity. Health probes call this.
	Ping(ctx context.Context) error
}
