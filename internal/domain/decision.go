package domain

import "time"

// Decision is the pipeline's resolved action for one admitted Signal. Exactly
// one Decision exists per Signal; it is immutable once created. The Decision
// ID is also the idempotency key passed to the venue.
type Decision struct {
	ID         string       `json:"id"`
	SignalID   string       `json:"signal_id"`
	Symbol     string       `json:"symbol"`
	Action     SignalAction `json:"action"`
	Rationale  string       `json:"rationale"`
	Confidence float64      `json:"confidence"`
	Risk       RiskParams   `json:"risk"`     // snapshot used for this decision
	Degraded   bool         `json:"degraded"` // true when the AI backend was unavailable and we fell back to hold
	CreatedAt  time.Time    `json:"created_at"`
}

// IsHold reports whether the decision resolves to no action.
func (d Decision) IsHold() bool {
	return d.Action == ActionHold
}
