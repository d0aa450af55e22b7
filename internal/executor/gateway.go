// Package executor is the only component that talks to the venue's order
// endpoints. It owns position state transitions; the orchestrator serializes
// calls per symbol under the symbol lock.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/venue"
)

// EventSink receives state transition events. The broadcaster implements it;
// it assigns sequence numbers and fans out to subscribers.
type EventSink interface {
	Publish(ctx context.Context, ev domain.Event)
}

// Config holds the gateway's retry and fill confirmation parameters.
type Config struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	ConfirmTimeout time.Duration
	ConfirmPoll    time.Duration
}

// Gateway executes approved decisions against the venue.
//
// Callers serialize per symbol: the orchestrator holds the symbol lock across
// the whole decide-and-execute cycle, so Execute never runs concurrently for
// one symbol. The decision ID is the venue idempotency key, so a retry after
// an ambiguous failure can never double-open.
type Gateway struct {
	venue     venue.Venue
	positions domain.PositionStore
	audit     domain.AuditStore
	sink      EventSink
	cfg       Config
	logger    *slog.Logger
}

// New creates a Gateway. Zero config fields fall back to safe values.
func New(v venue.Venue, positions domain.PositionStore, audit domain.AuditStore, sink EventSink, cfg Config, logger *slog.Logger) *Gateway {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 250 * time.Millisecond
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 15 * time.Second
	}
	if cfg.ConfirmPoll <= 0 {
		cfg.ConfirmPoll = 250 * time.Millisecond
	}
	return &Gateway{
		venue:     v,
		positions: positions,
		audit:     audit,
		sink:      sink,
		cfg:       cfg,
		logger:    logger.With("component", "executor"),
	}
}

// Execute carries out one approved decision. The caller must hold the
// per-symbol lock.
//
// It returns the resulting position when one was created or transitioned.
// A venue rejection is a handled outcome (failed position, nil error); a
// transport failure that survives retries and reconciliation returns the
// transient error alongside the failed position. An open whose fill could
// not be confirmed returns domain.ErrReconcileNeeded with the position left
// pending for a later Reconcile pass.
func (g *Gateway) Execute(ctx context.Context, d domain.Decision) (*domain.Position, error) {
	switch d.Action {
	case domain.ActionOpenLong:
		return g.open(ctx, d, domain.SideLong)
	case domain.ActionOpenShort:
		return g.open(ctx, d, domain.SideShort)
	case domain.ActionClose:
		return g.close(ctx, d)
	default:
		return nil, fmt.Errorf("executor: unexpected action %q", d.Action)
	}
}

func (g *Gateway) open(ctx context.Context, d domain.Decision, side domain.PositionSide) (*domain.Position, error) {
	// Re-check under the lock: the gate ran before we were serialized.
	if _, err := g.positions.GetOpenBySymbol(ctx, d.Symbol); err == nil {
		return nil, fmt.Errorf("executor: %w: %s", domain.ErrRiskRejected, domain.RejectDuplicatePosition)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("executor: check open position: %w", err)
	}

	equity, err := g.venue.AccountEquity(ctx)
	if err != nil {
		return nil, fmt.Errorf("executor: account equity: %w", err)
	}

	pos := domain.Position{
		ID:         uuid.New().String(),
		Symbol:     d.Symbol,
		Side:       side,
		Size:       equity * d.Risk.PositionSizeFraction,
		Leverage:   d.Risk.MaxLeverage,
		Status:     domain.PositionPending,
		DecisionID: d.ID,
		OpenedAt:   time.Now().UTC(),
	}
	if err := g.positions.Create(ctx, pos); err != nil {
		return nil, fmt.Errorf("executor: create position: %w", err)
	}
	g.publish(ctx, domain.EventPositionPending, d.Symbol, "", nil, &pos)

	result, err := g.submit(ctx, d.ID, func() (venue.OrderResult, error) {
		return g.venue.PlaceOrder(ctx, venue.OrderRequest{
			ClientOrderID: d.ID,
			Symbol:        d.Symbol,
			Side:          side,
			Size:          pos.Size,
			Leverage:      pos.Leverage,
		})
	})
	if err == nil {
		result, err = g.confirmFill(ctx, d.ID, result)
	}
	if err != nil {
		if errors.Is(err, domain.ErrReconcileNeeded) {
			// The venue accepted the order but the fill is unconfirmed. The
			// order may still be live, so failing the position here would
			// let a later open double the real exposure. Leave it pending;
			// Reconcile resolves it once the venue answers.
			g.auditLog(ctx, "position_unconfirmed", map[string]any{
				"position_id": pos.ID,
				"decision_id": d.ID,
				"symbol":      d.Symbol,
			})
			g.logger.Warn("fill unconfirmed, position left pending",
				"position_id", pos.ID, "symbol", d.Symbol)
			return &pos, err
		}
		return g.failPosition(ctx, pos, err)
	}

	pos.Status = domain.PositionOpen
	pos.EntryPrice = result.FillPrice
	pos.StopLossPrice, pos.TakeProfit = protectivePrices(side, result.FillPrice, d.Risk)
	if err := g.positions.Update(ctx, pos); err != nil {
		return &pos, fmt.Errorf("executor: update position: %w", err)
	}

	g.publish(ctx, domain.EventPositionOpen, d.Symbol, "", nil, &pos)
	g.auditLog(ctx, "position_opened", map[string]any{
		"position_id": pos.ID,
		"decision_id": d.ID,
		"symbol":      d.Symbol,
		"side":        string(side),
		"fill_price":  result.FillPrice,
	})
	g.logger.Info("position opened",
		"position_id", pos.ID, "symbol", d.Symbol, "side", side,
		"size", pos.Size, "leverage", pos.Leverage, "fill_price", result.FillPrice)

	return &pos, nil
}

func (g *Gateway) close(ctx context.Context, d domain.Decision) (*domain.Position, error) {
	pos, err := g.positions.GetOpenBySymbol(ctx, d.Symbol)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("executor: %w: %s", domain.ErrRiskRejected, domain.RejectNoPosition)
		}
		return nil, fmt.Errorf("executor: load position: %w", err)
	}

	pos.Status = domain.PositionClosing
	if err := g.positions.Update(ctx, pos); err != nil {
		return &pos, fmt.Errorf("executor: update position: %w", err)
	}
	g.publish(ctx, domain.EventPositionClosing, d.Symbol, "", nil, &pos)

	result, err := g.submit(ctx, d.ID, func() (venue.OrderResult, error) {
		return g.venue.ClosePosition(ctx, d.Symbol, d.ID)
	})
	if err == nil {
		result, err = g.confirmFill(ctx, d.ID, result)
	}
	if err != nil {
		if errors.Is(err, domain.ErrVenueRejected) {
			return g.reconcileClose(ctx, pos, err)
		}
		// Transport failure exhausted. Leave the position in closing state
		// so the next cycle retries the close.
		g.logger.Error("close failed, position left in closing state",
			"position_id", pos.ID, "symbol", pos.Symbol, "error", err)
		return &pos, err
	}

	now := time.Now().UTC()
	pos.Status = domain.PositionClosed
	pos.ClosedAt = &now
	pos.ExitPrice = &result.FillPrice
	if err := g.positions.Update(ctx, pos); err != nil {
		return &pos, fmt.Errorf("executor: update position: %w", err)
	}

	g.publish(ctx, domain.EventPositionClosed, d.Symbol, "", nil, &pos)
	g.auditLog(ctx, "position_closed", map[string]any{
		"position_id": pos.ID,
		"decision_id": d.ID,
		"symbol":      d.Symbol,
		"exit_price":  result.FillPrice,
	})
	g.logger.Info("position closed",
		"position_id", pos.ID, "symbol", pos.Symbol, "exit_price", result.FillPrice)

	return &pos, nil
}

// submit runs one venue order call with bounded retries. Before every retry
// it reconciles by querying the order: a transport error only proves the
// response was lost, not that the order was.
func (g *Gateway) submit(ctx context.Context, clientOrderID string, place func() (venue.OrderResult, error)) (venue.OrderResult, error) {
	var lastErr error
	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			// The previous attempt failed in transit. Check whether the
			// venue accepted it before sending again.
			if result, err := g.venue.QueryOrder(ctx, clientOrderID); err == nil {
				g.logger.Info("order reconciled after transport failure",
					"client_order_id", clientOrderID, "status", result.Status)
				return result, nil
			} else if !errors.Is(err, domain.ErrNotFound) {
				lastErr = err
			}
		}

		result, err := place()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !errors.Is(err, domain.ErrVenueTransient) {
			return result, err
		}
		if attempt == g.cfg.MaxAttempts {
			break
		}

		backoff := g.cfg.BackoffBase * (1 << (attempt - 1))
		g.logger.Warn("venue call failed, backing off",
			"client_order_id", clientOrderID, "attempt", attempt,
			"backoff", backoff, "error", err)

		select {
		case <-ctx.Done():
			return venue.OrderResult{}, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return venue.OrderResult{}, lastErr
}

// confirmFill waits for a market order the venue accepted but has not yet
// reported filled. Running out of time, or the context expiring mid-wait,
// is not a failure: the order is still live at the venue, so the outcome is
// domain.ErrReconcileNeeded, never an assumption either way.
func (g *Gateway) confirmFill(ctx context.Context, clientOrderID string, result venue.OrderResult) (venue.OrderResult, error) {
	if result.Status != venue.OrderAccepted {
		return result, nil
	}

	deadline := time.Now().Add(g.cfg.ConfirmTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return result, fmt.Errorf("executor: fill confirmation interrupted: %w", domain.ErrReconcileNeeded)
		case <-time.After(g.cfg.ConfirmPoll):
		}

		r, err := g.venue.QueryOrder(ctx, clientOrderID)
		if err != nil {
			if errors.Is(err, domain.ErrVenueRejected) {
				return r, err
			}
			// Lookup failures and transient errors just mean we ask again.
			continue
		}
		if r.Status == venue.OrderFilled {
			return r, nil
		}
	}
	return result, fmt.Errorf("executor: fill unconfirmed after %s: %w", g.cfg.ConfirmTimeout, domain.ErrReconcileNeeded)
}

// Reconcile resolves a position left pending by an unconfirmed fill, asking
// the venue what became of its order. A filled order promotes the position to
// open; an order the venue rejected or never saw fails it. Any other answer
// leaves the position pending for the next pass. The caller must hold the
// symbol lock.
func (g *Gateway) Reconcile(ctx context.Context, pos domain.Position, d domain.Decision) (domain.Position, error) {
	if pos.Status != domain.PositionPending {
		return pos, nil
	}

	result, err := g.venue.QueryOrder(ctx, d.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			err = fmt.Errorf("order not found at venue: %w", domain.ErrVenueRejected)
		}
		if errors.Is(err, domain.ErrVenueRejected) {
			p, ferr := g.failPosition(ctx, pos, err)
			return *p, ferr
		}
		return pos, fmt.Errorf("executor: reconcile %s: %w", pos.ID, err)
	}
	if result.Status != venue.OrderFilled {
		return pos, nil
	}

	pos.Status = domain.PositionOpen
	pos.EntryPrice = result.FillPrice
	pos.StopLossPrice, pos.TakeProfit = protectivePrices(pos.Side, result.FillPrice, d.Risk)
	if err := g.positions.Update(ctx, pos); err != nil {
		return pos, fmt.Errorf("executor: update position: %w", err)
	}

	g.publish(ctx, domain.EventPositionOpen, pos.Symbol, "reconciled", nil, &pos)
	g.auditLog(ctx, "position_opened", map[string]any{
		"position_id": pos.ID,
		"decision_id": d.ID,
		"symbol":      pos.Symbol,
		"fill_price":  result.FillPrice,
		"reconciled":  true,
	})
	g.logger.Info("pending position reconciled to open",
		"position_id", pos.ID, "symbol", pos.Symbol, "fill_price", result.FillPrice)

	return pos, nil
}

// failPosition marks a pending position failed and publishes the outcome.
func (g *Gateway) failPosition(ctx context.Context, pos domain.Position, cause error) (*domain.Position, error) {
	pos.Status = domain.PositionFailed
	pos.FailReason = cause.Error()
	if err := g.positions.Update(ctx, pos); err != nil {
		g.logger.Error("failed to persist failed position", "position_id", pos.ID, "error", err)
	}

	g.publish(ctx, domain.EventPositionFailed, pos.Symbol, pos.FailReason, nil, &pos)
	g.auditLog(ctx, "position_failed", map[string]any{
		"position_id": pos.ID,
		"decision_id": pos.DecisionID,
		"symbol":      pos.Symbol,
		"reason":      pos.FailReason,
	})

	if errors.Is(cause, domain.ErrVenueRejected) {
		// Rejection is a handled terminal outcome.
		g.logger.Warn("venue rejected order",
			"position_id", pos.ID, "symbol", pos.Symbol, "reason", pos.FailReason)
		return &pos, nil
	}
	return &pos, cause
}

// reconcileClose handles a rejected close by asking the venue whether the
// position still exists. A flat venue means the close already took effect.
func (g *Gateway) reconcileClose(ctx context.Context, pos domain.Position, cause error) (*domain.Position, error) {
	state, err := g.venue.Position(ctx, pos.Symbol)
	if err != nil {
		g.logger.Error("close reconciliation failed", "symbol", pos.Symbol, "error", err)
		return &pos, cause
	}

	if state == nil {
		now := time.Now().UTC()
		pos.Status = domain.PositionClosed
		pos.ClosedAt = &now
		if err := g.positions.Update(ctx, pos); err != nil {
			return &pos, fmt.Errorf("executor: update position: %w", err)
		}
		g.publish(ctx, domain.EventPositionClosed, pos.Symbol, "reconciled", nil, &pos)
		return &pos, nil
	}

	// Venue still holds the position. Revert to open so a later close can
	// try again.
	pos.Status = domain.PositionOpen
	if err := g.positions.Update(ctx, pos); err != nil {
		return &pos, fmt.Errorf("executor: update position: %w", err)
	}
	return &pos, cause
}

// protectivePrices derives stop loss and take profit levels from the fill.
func protectivePrices(side domain.PositionSide, fill float64, risk domain.RiskParams) (stopLoss, takeProfit float64) {
	if side == domain.SideShort {
		stopLoss = fill * (1 + risk.StopLossFraction)
		if risk.TakeProfitFraction > 0 {
			takeProfit = fill * (1 - risk.TakeProfitFraction)
		}
		return stopLoss, takeProfit
	}
	stopLoss = fill * (1 - risk.StopLossFraction)
	if risk.TakeProfitFraction > 0 {
		takeProfit = fill * (1 + risk.TakeProfitFraction)
	}
	return stopLoss, takeProfit
}

func (g *Gateway) publish(ctx context.Context, typ domain.EventType, symbol, reason string, d *domain.Decision, p *domain.Position) {
	if g.sink == nil {
		return
	}
	g.sink.Publish(ctx, domain.Event{
		Symbol:   symbol,
		Type:     typ,
		Reason:   reason,
		At:       time.Now().UTC(),
		Decision: d,
		Position: p,
	})
}

func (g *Gateway) auditLog(ctx context.Context, event string, detail map[string]any) {
	if g.audit == nil {
		return
	}
	if err := g.audit.Log(ctx, event, detail); err != nil {
		g.logger.Error("audit log write failed", "event", event, "error", err)
	}
}
