// Package risk enforces hard execution bounds on trade decisions.
package risk

import (
	"sync/atomic"

	"github.com/alanyoungcy/perpbot/internal/config"
	"github.com/alanyoungcy/perpbot/internal/domain"
)

// snapshot is one immutable view of the risk bounds. Readers never see a
// partially updated configuration.
type snapshot struct {
	global  config.RiskConfig
	symbols map[string]config.RiskConfig
}

// Holder provides lock-free reads of the current risk bounds and atomic
// replacement on hot reload.
type Holder struct {
	current atomic.Pointer[snapshot]
}

// NewHolder creates a Holder seeded with the given bounds.
func NewHolder(global config.RiskConfig, symbols map[string]config.RiskConfig) *Holder {
	h := &Holder{}
	h.Update(global, symbols)
	return h
}

// Update atomically replaces the bounds. In-flight evaluations keep the
// snapshot they started with; new evaluations see the new bounds.
func (h *Holder) Update(global config.RiskConfig, symbols map[string]config.RiskConfig) {
	copied := make(map[string]config.RiskConfig, len(symbols))
	for k, v := range symbols {
		copied[k] = v
	}
	h.current.Store(&snapshot{global: global, symbols: copied})
}

// For returns the resolved bounds for a symbol, merging any per-symbol
// override over the global values.
func (h *Holder) For(symbol string) domain.RiskParams {
	s := h.current.Load()

	out := s.global
	if override, ok := s.symbols[symbol]; ok {
		if override.MaxLeverage > 0 {
			out.MaxLeverage = override.MaxLeverage
		}
		if override.PositionSizeFraction > 0 {
			out.PositionSizeFraction = override.PositionSizeFraction
		}
		if override.StopLossFraction > 0 {
			out.StopLossFraction = override.StopLossFraction
		}
		if override.TakeProfitFraction > 0 {
			out.TakeProfitFraction = override.TakeProfitFraction
		}
		if override.MaxConcurrentPositions > 0 {
			out.MaxConcurrentPositions = override.MaxConcurrentPositions
		}
	}

	return domain.RiskParams{
		MaxLeverage:            out.MaxLeverage,
		PositionSizeFraction:   out.PositionSizeFraction,
		StopLossFraction:       out.StopLossFraction,
		TakeProfitFraction:     out.TakeProfitFraction,
		MaxConcurrentPositions: out.MaxConcurrentPositions,
	}
}

// Snapshot returns the current bounds for API exposure.
func (h *Holder) Snapshot() (config.RiskConfig, map[string]config.RiskConfig) {
	s := h.current.Load()
	copied := make(map[string]config.RiskConfig, len(s.symbols))
	for k, v := range s.symbols {
		copied[k] = v
	}
	return s.global, copied
}
