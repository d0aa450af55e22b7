package risk

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/perpbot/internal/config"
	"github.com/alanyoungcy/perpbot/internal/domain"
)

func testHolder() *Holder {
	return NewHolder(
		config.RiskConfig{
			MaxLeverage:            7,
			PositionSizeFraction:   0.05,
			StopLossFraction:       0.15,
			MaxConcurrentPositions: 3,
		},
		map[string]config.RiskConfig{
			"BTC/USD": {MaxLeverage: 10, PositionSizeFraction: 0.03, MaxConcurrentPositions: 2},
		},
	)
}

func testGate() *Gate {
	return NewGate(testHolder(), slog.Default())
}

func decision(symbol string, action domain.SignalAction, lev, size float64) domain.Decision {
	return domain.Decision{
		ID:     "D1",
		Symbol: symbol,
		Action: action,
		Risk: domain.RiskParams{
			MaxLeverage:          lev,
			PositionSizeFraction: size,
		},
	}
}

func openPos(symbol string) domain.Position {
	return domain.Position{Symbol: symbol, Status: domain.PositionOpen}
}

func TestGateRejectsHold(t *testing.T) {
	v := testGate().Evaluate(decision("SUI/USD", domain.ActionHold, 7, 0.05), nil)
	assert.False(t, v.Allowed)
	assert.Equal(t, domain.RejectNoop, v.Reason)
}

func TestGateRejectsExcessLeverage(t *testing.T) {
	v := testGate().Evaluate(decision("SUI/USD", domain.ActionOpenLong, 8, 0.05), nil)
	assert.False(t, v.Allowed)
	assert.Equal(t, domain.RejectLeverageExceeded, v.Reason)
}

func TestGateRejectsExcessSize(t *testing.T) {
	v := testGate().Evaluate(decision("SUI/USD", domain.ActionOpenLong, 7, 0.06), nil)
	assert.False(t, v.Allowed)
	assert.Equal(t, domain.RejectSizeExceeded, v.Reason)
}

func TestGateRejectsPositionLimit(t *testing.T) {
	open := []domain.Position{openPos("BTC/USD"), openPos("ETH/USD"), openPos("SOL/USD")}
	v := testGate().Evaluate(decision("SUI/USD", domain.ActionOpenLong, 7, 0.05), open)
	assert.False(t, v.Allowed)
	assert.Equal(t, domain.RejectPositionLimitReached, v.Reason)
}

func TestGateRejectsDuplicatePosition(t *testing.T) {
	open := []domain.Position{openPos("SUI/USD")}
	v := testGate().Evaluate(decision("SUI/USD", domain.ActionOpenLong, 7, 0.05), open)
	assert.False(t, v.Allowed)
	assert.Equal(t, domain.RejectDuplicatePosition, v.Reason)
}

func TestGateRejectsCloseWithoutPosition(t *testing.T) {
	v := testGate().Evaluate(decision("SUI/USD", domain.ActionClose, 7, 0.05), nil)
	assert.False(t, v.Allowed)
	assert.Equal(t, domain.RejectNoPosition, v.Reason)
}

func TestGateAllowsValidOpenAndClose(t *testing.T) {
	g := testGate()

	v := g.Evaluate(decision("SUI/USD", domain.ActionOpenLong, 7, 0.05), nil)
	assert.True(t, v.Allowed)

	v = g.Evaluate(decision("SUI/USD", domain.ActionClose, 7, 0.05), []domain.Position{openPos("SUI/USD")})
	assert.True(t, v.Allowed)
}

func TestGatePerSymbolOverride(t *testing.T) {
	g := testGate()

	// BTC allows leverage 10 but caps size at 0.03.
	v := g.Evaluate(decision("BTC/USD", domain.ActionOpenLong, 10, 0.03), nil)
	assert.True(t, v.Allowed)

	v = g.Evaluate(decision("BTC/USD", domain.ActionOpenLong, 10, 0.04), nil)
	assert.Equal(t, domain.RejectSizeExceeded, v.Reason)
}

func TestGateTerminalPositionsDoNotCount(t *testing.T) {
	open := []domain.Position{
		{Symbol: "SUI/USD", Status: domain.PositionClosed},
		{Symbol: "BTC/USD", Status: domain.PositionFailed},
	}
	v := testGate().Evaluate(decision("SUI/USD", domain.ActionOpenLong, 7, 0.05), open)
	assert.True(t, v.Allowed)
}

func TestHolderHotReload(t *testing.T) {
	h := testHolder()
	g := NewGate(h, slog.Default())

	v := g.Evaluate(decision("SUI/USD", domain.ActionOpenLong, 7, 0.05), nil)
	assert.True(t, v.Allowed)

	// Tighten the global leverage cap; the next evaluation sees it.
	h.Update(config.RiskConfig{
		MaxLeverage:            5,
		PositionSizeFraction:   0.05,
		StopLossFraction:       0.15,
		MaxConcurrentPositions: 3,
	}, nil)

	v = g.Evaluate(decision("SUI/USD", domain.ActionOpenLong, 7, 0.05), nil)
	assert.Equal(t, domain.RejectLeverageExceeded, v.Reason)
}

func TestHolderForMergesOverride(t *testing.T) {
	h := testHolder()

	p := h.For("BTC/USD")
	assert.Equal(t, 10.0, p.MaxLeverage)
	assert.Equal(t, 0.03, p.PositionSizeFraction)
	// Unset override fields fall back to the global values.
	assert.Equal(t, 0.15, p.StopLossFraction)
	assert.Equal(t, 2, p.MaxConcurrentPositions)
}
