// Package ai talks to the reasoning backend that turns normalized signals
// into trade advice.
package ai

import (
	"context"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// AdviceRequest is the context handed to the reasoning backend for one signal.
type AdviceRequest struct {
	Signal        domain.Signal     `json:"signal"`
	RiskBounds    domain.RiskParams `json:"risk_bounds"`
	OpenPositions []domain.Position `json:"open_positions"`
	AccountEquity float64           `json:"account_equity"`
}

// Advice is the backend's verdict for one signal.
type Advice struct {
	Action     domain.SignalAction `json:"action"`
	Rationale  string              `json:"rationale"`
	Confidence float64             `json:"confidence"`
	Leverage   float64             `json:"leverage,omitempty"`
	SizeFrac   float64             `json:"size_fraction,omitempty"`
}

// Advisor produces trade advice for a normalized signal. Implementations must
// return domain.ErrAIUnavailable (possibly wrapped) for transient failures so
// the decision engine can retry or fall back.
type Advisor interface {
	Advise(ctx context.Context, req AdviceRequest) (Advice, error)
}
