package domain

import "time"

// PositionSide is the direction of an open position.
type PositionSide string

const (
	SideLong  PositionSide = "long"
	SideShort PositionSide = "short"
)

// PositionStatus tracks a position through its lifecycle. closed and failed
// are terminal.
type PositionStatus string

const (
	PositionPending PositionStatus = "pending"
	PositionOpen    PositionStatus = "open"
	PositionClosing PositionStatus = "closing"
	PositionClosed  PositionStatus = "closed"
	PositionFailed  PositionStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s PositionStatus) Terminal() bool {
	return s == PositionClosed || s == PositionFailed
}

// Position represents venue exposure for one symbol. At most one non-terminal
// Position exists per symbol; it is mutated only by the execution gateway
// under the per-symbol lock.
type Position struct {
	ID            string         `json:"id"`
	Symbol        string         `json:"symbol"`
	Side          PositionSide   `json:"side"`
	Size          float64        `json:"size"`
	Leverage      float64        `json:"leverage"`
	EntryPrice    float64        `json:"entry_price"`
	StopLossPrice float64        `json:"stop_loss_price"`
	TakeProfit    float64        `json:"take_profit"`
	Status        PositionStatus `json:"status"`
	DecisionID    string         `json:"decision_id"`
	FailReason    string         `json:"fail_reason,omitempty"`
	OpenedAt      time.Time      `json:"opened_at"`
	ClosedAt      *time.Time     `json:"closed_at,omitempty"`
	ExitPrice     *float64       `json:"exit_price,omitempty"`
}
