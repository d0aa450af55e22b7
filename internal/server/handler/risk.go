package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/perpbot/internal/config"
	"github.com/alanyoungcy/perpbot/internal/risk"
)

// AuditLogger records risk reconfiguration for the audit trail.
type AuditLogger interface {
	Log(ctx context.Context, event string, detail map[string]any) error
}

// RiskHandler serves the risk bounds read and hot-reload endpoints.
type RiskHandler struct {
	bounds *risk.Holder
	audit  AuditLogger
	logger *slog.Logger
}

// NewRiskHandler creates a RiskHandler. audit may be nil in mock mode.
func NewRiskHandler(bounds *risk.Holder, audit AuditLogger, logger *slog.Logger) *RiskHandler {
	return &RiskHandler{
		bounds: bounds,
		audit:  audit,
		logger: logger,
	}
}

// riskConfigBody is the wire shape for both GET and PUT.
type riskConfigBody struct {
	Global  config.RiskConfig            `json:"global"`
	Symbols map[string]config.RiskConfig `json:"symbols"`
}

// GetConfig returns the currently active risk bounds.
// GET /api/risk
func (h *RiskHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	global, symbols := h.bounds.Snapshot()
	writeJSON(w, http.StatusOK, riskConfigBody{Global: global, Symbols: symbols})
}

// UpdateConfig validates and atomically swaps in a new set of risk bounds.
// In-flight cycles finish under the bounds they started with; the next cycle
// sees the new ones. A body that fails validation changes nothing.
// PUT /api/risk
func (h *RiskHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var body riskConfigBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := body.Global.Validate("risk"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for sym, override := range body.Symbols {
		if err := resolve(body.Global, override).Validate("symbols." + sym); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	h.bounds.Update(body.Global, body.Symbols)

	h.logger.InfoContext(r.Context(), "risk bounds updated",
		slog.Float64("max_leverage", body.Global.MaxLeverage),
		slog.Float64("position_size_fraction", body.Global.PositionSizeFraction),
		slog.Int("symbol_overrides", len(body.Symbols)),
	)
	if h.audit != nil {
		if err := h.audit.Log(r.Context(), "risk.update", map[string]any{
			"max_leverage":             body.Global.MaxLeverage,
			"position_size_fraction":   body.Global.PositionSizeFraction,
			"stop_loss_fraction":       body.Global.StopLossFraction,
			"take_profit_fraction":     body.Global.TakeProfitFraction,
			"max_concurrent_positions": body.Global.MaxConcurrentPositions,
			"symbol_overrides":         len(body.Symbols),
		}); err != nil {
			h.logger.WarnContext(r.Context(), "risk update audit log failed",
				slog.String("error", err.Error()),
			)
		}
	}

	global, symbols := h.bounds.Snapshot()
	writeJSON(w, http.StatusOK, riskConfigBody{Global: global, Symbols: symbols})
}

// resolve merges a per-symbol override over the global bounds the same way
// the holder does, so validation runs against what evaluation will use.
func resolve(global, override config.RiskConfig) config.RiskConfig {
	out := global
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
	return out
}
