package domain

import (
	"encoding/json"
	"time"
)

// SignalAction is the action an inbound alert proposes.
type SignalAction string

const (
	ActionOpenLong  SignalAction = "open_long"
	ActionOpenShort SignalAction = "open_short"
	ActionClose     SignalAction = "close"
	ActionHold      SignalAction = "hold"
)

// SignalType identifies the chart pattern that fired the alert. The vocabulary
// follows VuManChu Cipher B; unknown types are accepted and treated as
// directionless.
type SignalType string

const (
	TypeGreenCircle    SignalType = "GREEN_CIRCLE"
	TypeGoldCircle     SignalType = "GOLD_CIRCLE"
	TypeRedCircle      SignalType = "RED_CIRCLE"
	TypeBullFlag       SignalType = "BULL_FLAG"
	TypeBearFlag       SignalType = "BEAR_FLAG"
	TypeBullDiamond    SignalType = "BULL_DIAMOND"
	TypeBearDiamond    SignalType = "BEAR_DIAMOND"
	TypePurpleTriangle SignalType = "PURPLE_TRIANGLE"
	TypeLittleCircle   SignalType = "LITTLE_CIRCLE"
)

// Bullish reports whether the signal type alone implies a long bias.
func (t SignalType) Bullish() bool {
	switch t {
	case TypeGreenCircle, TypeGoldCircle, TypeBullFlag, TypeBullDiamond:
		return true
	}
	return false
}

// Bearish reports whether the signal type alone implies a short bias.
func (t SignalType) Bearish() bool {
	switch t {
	case TypeRedCircle, TypeBearFlag, TypeBearDiamond:
		return true
	}
	return false
}

// Signal is the canonical representation of an accepted inbound alert. The ID
// is assigned by the alert source and doubles as the dedup key. A Signal is
// immutable once admitted.
type Signal struct {
	ID         string          `json:"id"`
	Source     string          `json:"source"`
	Symbol     string          `json:"symbol"`
	Timeframe  string          `json:"timeframe"`
	Action     SignalAction    `json:"action"`
	Type       SignalType      `json:"type"`
	ReceivedAt time.Time       `json:"received_at"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}
