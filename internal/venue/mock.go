package venue

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// Mock is an in-memory Venue for mock mode and tests. It fills market orders
// instantly at a settable mark price and replays results for repeated client
// order IDs, matching the real venue's idempotency behavior.
type Mock struct {
	mu        sync.Mutex
	equity    float64
	marks     map[string]float64
	positions map[string]*PositionState
	orders    map[string]OrderResult

	// FailNext, when non-nil, is returned by the next order call and then
	// cleared. Tests use it to simulate transient venue failures.
	FailNext error
}

// NewMock creates a Mock venue with the given starting equity.
func NewMock(equity float64) *Mock {
	return &Mock{
		equity:    equity,
		marks:     make(map[string]float64),
		positions: make(map[string]*PositionState),
		orders:    make(map[string]OrderResult),
	}
}

// SetMarkPrice sets the fill price used for subsequent orders on symbol.
func (m *Mock) SetMarkPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks[symbol] = price
}

func (m *Mock) takeFailure() error {
	err := m.FailNext
	m.FailNext = nil
	return err
}

// PlaceOrder fills the order at the symbol's mark price.
func (m *Mock) PlaceOrder(_ context.Context, req OrderRequest) (OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return OrderResult{}, err
	}

	if prev, ok := m.orders[req.ClientOrderID]; ok {
		return prev, nil
	}

	mark := m.marks[req.Symbol]
	if mark <= 0 {
		mark = 1.0
	}

	result := OrderResult{
		VenueOrderID: uuid.New().String(),
		Status:       OrderFilled,
		FillPrice:    mark,
		FilledSize:   req.Size,
	}
	m.orders[req.ClientOrderID] = result

	if !req.ReduceOnly {
		m.positions[req.Symbol] = &PositionState{
			Symbol:     req.Symbol,
			Side:       req.Side,
			Size:       req.Size,
			Leverage:   req.Leverage,
			EntryPrice: mark,
			MarkPrice:  mark,
		}
	}
	return result, nil
}

// ClosePosition removes the symbol's position, filling at the mark price.
func (m *Mock) ClosePosition(_ context.Context, symbol, clientOrderID string) (OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return OrderResult{}, err
	}

	if prev, ok := m.orders[clientOrderID]; ok {
		return prev, nil
	}

	pos, ok := m.positions[symbol]
	if !ok {
		return OrderResult{}, fmt.Errorf("venue mock: close %s: %w: no open position", symbol, domain.ErrVenueRejected)
	}

	mark := m.marks[symbol]
	if mark <= 0 {
		mark = pos.EntryPrice
	}

	result := OrderResult{
		VenueOrderID: uuid.New().String(),
		Status:       OrderFilled,
		FillPrice:    mark,
		FilledSize:   pos.Size,
	}
	m.orders[clientOrderID] = result
	delete(m.positions, symbol)

	return result, nil
}

// QueryOrder returns the recorded result for a client order ID.
func (m *Mock) QueryOrder(_ context.Context, clientOrderID string) (OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result, ok := m.orders[clientOrderID]
	if !ok {
		return OrderResult{}, fmt.Errorf("venue mock: order %s: %w", clientOrderID, domain.ErrNotFound)
	}
	return result, nil
}

// Position returns the open position for symbol, or nil when flat.
func (m *Mock) Position(_ context.Context, symbol string) (*PositionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[symbol]
	if !ok {
		return nil, nil
	}
	cp := *pos
	return &cp, nil
}

// AccountEquity returns the configured mock equity.
func (m *Mock) AccountEquity(context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.equity, nil
}

// Ping always succeeds.
func (m *Mock) Ping(context.Context) error { return nil }

// Compile-time interface check.
var _ Venue = (*Mock)(nil)
