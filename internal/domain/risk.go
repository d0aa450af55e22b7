package domain

// RiskParams bound what a single decision is allowed to do. A snapshot is
// taken at cycle entry and never mutated mid-decision; hot reload swaps the
// whole snapshot atomically.
type RiskParams struct {
	MaxLeverage            float64 `json:"max_leverage"`
	PositionSizeFraction   float64 `json:"position_size_fraction"`
	StopLossFraction       float64 `json:"stop_loss_fraction"`
	TakeProfitFraction     float64 `json:"take_profit_fraction"`
	MaxConcurrentPositions int     `json:"max_concurrent_positions"`
}

// RejectReason enumerates why the risk gate refused a decision.
type RejectReason string

const (
	RejectNoop                 RejectReason = "noop-hold"
	RejectLeverageExceeded     RejectReason = "leverage-exceeded"
	RejectSizeExceeded         RejectReason = "size-exceeded"
	RejectPositionLimitReached RejectReason = "position-limit-reached"
	RejectDuplicatePosition    RejectReason = "position-already-open"
	RejectNoPosition           RejectReason = "no-position-to-close"
)
