package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/venue"
)

// memPositions is an in-memory PositionStore for gateway tests.
type memPositions struct {
	mu   sync.Mutex
	rows map[string]domain.Position
}

func newMemPositions() *memPositions {
	return &memPositions{rows: make(map[string]domain.Position)}
}

func (m *memPositions) Create(_ context.Context, pos domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[pos.ID] = pos
	return nil
}

func (m *memPositions) Update(_ context.Context, pos domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[pos.ID] = pos
	return nil
}

func (m *memPositions) GetByID(_ context.Context, id string) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.rows[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return pos, nil
}

func (m *memPositions) GetOpenBySymbol(_ context.Context, symbol string) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pos := range m.rows {
		if pos.Symbol == symbol && !pos.Status.Terminal() {
			return pos, nil
		}
	}
	return domain.Position{}, domain.ErrNotFound
}

func (m *memPositions) ListOpen(_ context.Context) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for _, pos := range m.rows {
		if !pos.Status.Terminal() {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (m *memPositions) CountOpen(ctx context.Context) (int, error) {
	open, _ := m.ListOpen(ctx)
	return len(open), nil
}

func (m *memPositions) ListHistory(context.Context, domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}

func (m *memPositions) ListTerminalBefore(context.Context, time.Time, int) ([]domain.Position, error) {
	return nil, nil
}

func (m *memPositions) DeleteTerminalBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// recordSink captures published events in order.
type recordSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recordSink) Publish(_ context.Context, ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordSink) types() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func openDecision(id string) domain.Decision {
	return domain.Decision{
		ID:     id,
		Symbol: "SUI/USD",
		Action: domain.ActionOpenLong,
		Risk: domain.RiskParams{
			MaxLeverage:          7,
			PositionSizeFraction: 0.05,
			StopLossFraction:     0.15,
			TakeProfitFraction:   0.30,
		},
	}
}

func closeDecision(id string) domain.Decision {
	d := openDecision(id)
	d.Action = domain.ActionClose
	return d
}

func newTestGateway(v venue.Venue, positions domain.PositionStore, sink EventSink) *Gateway {
	return New(v, positions, nil, sink, Config{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		ConfirmPoll: time.Millisecond,
	}, slog.Default())
}

func TestExecuteOpensPosition(t *testing.T) {
	mock := venue.NewMock(1000)
	mock.SetMarkPrice("SUI/USD", 4.0)
	positions := newMemPositions()
	sink := &recordSink{}
	g := newTestGateway(mock, positions, sink)

	pos, err := g.Execute(context.Background(), openDecision("D1"))
	require.NoError(t, err)
	require.NotNil(t, pos)

	assert.Equal(t, domain.PositionOpen, pos.Status)
	assert.Equal(t, domain.SideLong, pos.Side)
	assert.Equal(t, 50.0, pos.Size, "5%% of 1000 equity")
	assert.Equal(t, 4.0, pos.EntryPrice)
	assert.InDelta(t, 3.4, pos.StopLossPrice, 1e-9)
	assert.InDelta(t, 5.2, pos.TakeProfit, 1e-9)
	assert.Equal(t, []domain.EventType{domain.EventPositionPending, domain.EventPositionOpen}, sink.types())
}

func TestExecuteRejectsDuplicateOpen(t *testing.T) {
	mock := venue.NewMock(1000)
	positions := newMemPositions()
	g := newTestGateway(mock, positions, &recordSink{})

	_, err := g.Execute(context.Background(), openDecision("D1"))
	require.NoError(t, err)

	_, err = g.Execute(context.Background(), openDecision("D2"))
	assert.ErrorIs(t, err, domain.ErrRiskRejected)
}

func TestExecuteVenueRejectionIsTerminal(t *testing.T) {
	mock := venue.NewMock(1000)
	mock.FailNext = fmt.Errorf("insufficient margin: %w", domain.ErrVenueRejected)
	positions := newMemPositions()
	sink := &recordSink{}
	g := newTestGateway(mock, positions, sink)

	pos, err := g.Execute(context.Background(), openDecision("D1"))
	require.NoError(t, err, "a venue rejection is a handled outcome")
	require.NotNil(t, pos)
	assert.Equal(t, domain.PositionFailed, pos.Status)
	assert.Contains(t, pos.FailReason, "insufficient margin")
	assert.Equal(t, []domain.EventType{domain.EventPositionPending, domain.EventPositionFailed}, sink.types())
}

func TestExecuteRetriesTransientFailure(t *testing.T) {
	mock := venue.NewMock(1000)
	mock.SetMarkPrice("SUI/USD", 4.0)
	mock.FailNext = fmt.Errorf("connection reset: %w", domain.ErrVenueTransient)
	positions := newMemPositions()
	g := newTestGateway(mock, positions, &recordSink{})

	pos, err := g.Execute(context.Background(), openDecision("D1"))
	require.NoError(t, err)
	assert.Equal(t, domain.PositionOpen, pos.Status)
}

func TestExecuteClosesPosition(t *testing.T) {
	mock := venue.NewMock(1000)
	mock.SetMarkPrice("SUI/USD", 4.0)
	positions := newMemPositions()
	sink := &recordSink{}
	g := newTestGateway(mock, positions, sink)

	_, err := g.Execute(context.Background(), openDecision("D1"))
	require.NoError(t, err)

	mock.SetMarkPrice("SUI/USD", 4.4)
	pos, err := g.Execute(context.Background(), closeDecision("D2"))
	require.NoError(t, err)

	assert.Equal(t, domain.PositionClosed, pos.Status)
	require.NotNil(t, pos.ExitPrice)
	assert.Equal(t, 4.4, *pos.ExitPrice)
	require.NotNil(t, pos.ClosedAt)

	types := sink.types()
	assert.Equal(t, domain.EventPositionClosing, types[len(types)-2])
	assert.Equal(t, domain.EventPositionClosed, types[len(types)-1])
}

func TestExecuteCloseWithoutPosition(t *testing.T) {
	g := newTestGateway(venue.NewMock(1000), newMemPositions(), &recordSink{})

	_, err := g.Execute(context.Background(), closeDecision("D1"))
	assert.ErrorIs(t, err, domain.ErrRiskRejected)
}

// slowFillVenue accepts orders without filling them; queries report the fill
// only after a set number of lookups.
type slowFillVenue struct {
	*venue.Mock
	mu          sync.Mutex
	fillAfter   int
	queries     int
	acceptedIDs map[string]bool
}

func (s *slowFillVenue) PlaceOrder(_ context.Context, req venue.OrderRequest) (venue.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acceptedIDs == nil {
		s.acceptedIDs = make(map[string]bool)
	}
	s.acceptedIDs[req.ClientOrderID] = true
	return venue.OrderResult{VenueOrderID: "V-" + req.ClientOrderID, Status: venue.OrderAccepted}, nil
}

func (s *slowFillVenue) QueryOrder(_ context.Context, clientOrderID string) (venue.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acceptedIDs[clientOrderID] {
		return venue.OrderResult{}, domain.ErrNotFound
	}
	s.queries++
	if s.queries < s.fillAfter {
		return venue.OrderResult{VenueOrderID: "V-" + clientOrderID, Status: venue.OrderAccepted}, nil
	}
	return venue.OrderResult{
		VenueOrderID: "V-" + clientOrderID,
		Status:       venue.OrderFilled,
		FillPrice:    4.0,
		FilledSize:   50,
	}, nil
}

func TestExecuteWaitsForFillConfirmation(t *testing.T) {
	slow := &slowFillVenue{Mock: venue.NewMock(1000), fillAfter: 3}
	positions := newMemPositions()
	g := newTestGateway(slow, positions, &recordSink{})

	pos, err := g.Execute(context.Background(), openDecision("D1"))
	require.NoError(t, err)
	assert.Equal(t, domain.PositionOpen, pos.Status)
	assert.Equal(t, 4.0, pos.EntryPrice)
	assert.GreaterOrEqual(t, slow.queries, 3)
}

func newUnconfirmedGateway(slow *slowFillVenue, positions domain.PositionStore, sink EventSink) *Gateway {
	return New(slow, positions, nil, sink, Config{
		MaxAttempts:    1,
		BackoffBase:    time.Millisecond,
		ConfirmTimeout: 20 * time.Millisecond,
		ConfirmPoll:    time.Millisecond,
	}, slog.Default())
}

func TestExecuteUnconfirmedFillLeavesPositionPending(t *testing.T) {
	// A fill that never confirms within the window must not fail the position:
	// the order may still be live at the venue, so failing it would let a
	// later open double the real exposure.
	slow := &slowFillVenue{Mock: venue.NewMock(1000), fillAfter: 1 << 30}
	positions := newMemPositions()
	g := newUnconfirmedGateway(slow, positions, &recordSink{})

	pos, err := g.Execute(context.Background(), openDecision("D1"))
	assert.ErrorIs(t, err, domain.ErrReconcileNeeded)
	require.NotNil(t, pos)
	assert.Equal(t, domain.PositionPending, pos.Status)

	stored, err := positions.GetByID(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionPending, stored.Status)

	// The pending position still blocks a second open on the symbol.
	_, err = g.Execute(context.Background(), openDecision("D2"))
	assert.ErrorIs(t, err, domain.ErrRiskRejected)
}

func TestReconcilePromotesLateFill(t *testing.T) {
	slow := &slowFillVenue{Mock: venue.NewMock(1000), fillAfter: 1 << 30}
	positions := newMemPositions()
	sink := &recordSink{}
	g := newUnconfirmedGateway(slow, positions, sink)

	pending, err := g.Execute(context.Background(), openDecision("D1"))
	require.ErrorIs(t, err, domain.ErrReconcileNeeded)
	require.Equal(t, domain.PositionPending, pending.Status)

	// The venue filled the order after the confirmation window closed.
	slow.mu.Lock()
	slow.fillAfter = 0
	slow.mu.Unlock()

	pos, err := g.Reconcile(context.Background(), *pending, openDecision("D1"))
	require.NoError(t, err)
	assert.Equal(t, domain.PositionOpen, pos.Status)
	assert.Equal(t, 4.0, pos.EntryPrice)
	assert.InDelta(t, 3.4, pos.StopLossPrice, 1e-9)
	assert.InDelta(t, 5.2, pos.TakeProfit, 1e-9)

	stored, err := positions.GetByID(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionOpen, stored.Status)

	types := sink.types()
	assert.Equal(t, domain.EventPositionOpen, types[len(types)-1])
}

func TestReconcileFailsPositionForLostOrder(t *testing.T) {
	positions := newMemPositions()
	pending := domain.Position{
		ID:         "P1",
		Symbol:     "SUI/USD",
		Side:       domain.SideLong,
		Status:     domain.PositionPending,
		DecisionID: "D1",
	}
	require.NoError(t, positions.Create(context.Background(), pending))

	// The venue has no record of the order, so nothing can ever fill.
	g := newTestGateway(venue.NewMock(1000), positions, &recordSink{})

	pos, err := g.Reconcile(context.Background(), pending, openDecision("D1"))
	require.NoError(t, err, "a lost order is a handled terminal outcome")
	assert.Equal(t, domain.PositionFailed, pos.Status)
	assert.Contains(t, pos.FailReason, "not found")
}
