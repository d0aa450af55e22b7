package risk

import (
	"log/slog"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// Verdict is the gate's ruling on one decision.
type Verdict struct {
	Allowed bool
	Reason  domain.RejectReason
}

// Gate applies the hard execution bounds to decisions. It is a pure check
// over the decision and the caller-supplied open positions; it performs no
// I/O and is safe for concurrent use.
type Gate struct {
	bounds *Holder
	logger *slog.Logger
}

// NewGate creates a Gate reading bounds from the given Holder.
func NewGate(bounds *Holder, logger *slog.Logger) *Gate {
	return &Gate{
		bounds: bounds,
		logger: logger.With("component", "risk"),
	}
}

// Evaluate rules on a decision given the currently open positions across all
// symbols. Checks run in a fixed order and the first failure wins, so a
// rejection reason is deterministic for a given state.
func (g *Gate) Evaluate(d domain.Decision, open []domain.Position) Verdict {
	v := g.evaluate(d, open)
	if !v.Allowed {
		g.logger.Info("decision rejected",
			"decision_id", d.ID, "symbol", d.Symbol,
			"action", d.Action, "reason", v.Reason)
	}
	return v
}

func (g *Gate) evaluate(d domain.Decision, open []domain.Position) Verdict {
	if d.IsHold() {
		return reject(domain.RejectNoop)
	}

	bounds := g.bounds.For(d.Symbol)

	if d.Risk.MaxLeverage > bounds.MaxLeverage {
		return reject(domain.RejectLeverageExceeded)
	}
	if d.Risk.PositionSizeFraction > bounds.PositionSizeFraction {
		return reject(domain.RejectSizeExceeded)
	}

	switch d.Action {
	case domain.ActionOpenLong, domain.ActionOpenShort:
		if countOpen(open) >= bounds.MaxConcurrentPositions {
			return reject(domain.RejectPositionLimitReached)
		}
		if hasOpen(open, d.Symbol) {
			return reject(domain.RejectDuplicatePosition)
		}
	case domain.ActionClose:
		if !hasOpen(open, d.Symbol) {
			return reject(domain.RejectNoPosition)
		}
	}

	return Verdict{Allowed: true}
}

func reject(reason domain.RejectReason) Verdict {
	return Verdict{Allowed: false, Reason: reason}
}

// countOpen counts positions that still hold exposure.
func countOpen(open []domain.Position) int {
	n := 0
	for _, p := range open {
		if !p.Status.Terminal() {
			n++
		}
	}
	return n
}

func hasOpen(open []domain.Position, symbol string) bool {
	for _, p := range open {
		if p.Symbol == symbol && !p.Status.Terminal() {
			return true
		}
	}
	return false
}
