package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// OpenCounter reports the number of currently open positions.
type OpenCounter interface {
	CountOpen(ctx context.Context) (int, error)
}

// StatusHandler serves the backend status endpoint for dashboards.
type StatusHandler struct {
	mode      string
	startedAt time.Time
	positions OpenCounter
	health    HealthSource
	logger    *slog.Logger
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode string, startedAt time.Time, positions OpenCounter, health HealthSource, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		mode:      mode,
		startedAt: startedAt,
		positions: positions,
		health:    health,
		logger:    logger,
	}
}

// GetStatus responds with the current mode, uptime, open position count, and
// overall health.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	openPositions := 0
	if n, err := h.positions.CountOpen(r.Context()); err == nil {
		openPositions = n
	} else {
		h.logger.WarnContext(r.Context(), "handler: open position count unavailable",
			slog.String("error", err.Error()),
		)
	}

	uptime := int64(time.Since(h.startedAt).Seconds())
	if uptime < 0 {
		uptime = 0
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.mode,
		"uptime_seconds": uptime,
		"open_positions": openPositions,
		"healthy":        h.health.Healthy(),
	})
}
