package domain

import "time"

// EventType names a state transition published on the broadcast stream.
type EventType string

const (
	EventSignalAdmitted   EventType = "signal_admitted"
	EventDecisionCreated  EventType = "decision_created"
	EventDecisionRejected EventType = "decision_rejected"
	EventPositionPending  EventType = "position_pending"
	EventPositionOpen     EventType = "position_open"
	EventPositionClosing  EventType = "position_closing"
	EventPositionClosed   EventType = "position_closed"
	EventPositionFailed   EventType = "position_failed"
	EventComponentDown    EventType = "component_down"
)

// Event is one entry in the per-symbol ordered broadcast stream. Seq is
// strictly increasing within a symbol; no ordering holds across symbols.
// Rejected and failed outcomes always carry an explicit Reason so they are
// observable, never just the absence of a success event.
type Event struct {
	Seq      uint64    `json:"seq"`
	Symbol   string    `json:"symbol"`
	Type     EventType `json:"type"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
	Decision *Decision `json:"decision,omitempty"`
	Position *Position `json:"position,omitempty"`
}
