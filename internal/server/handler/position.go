package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// PositionSource defines the store methods the position handler requires.
type PositionSource interface {
	ListOpen(ctx context.Context) ([]domain.Position, error)
	ListHistory(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionSource
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given store and logger.
func NewPositionHandler(positions PositionSource, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logger,
	}
}

// listPositionsResponse wraps position list responses.
type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListOpen returns all currently open positions.
// GET /api/positions
func (h *PositionHandler) ListOpen(w http.ResponseWriter, r *http.Request) {
	positions, err := h.positions.ListOpen(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list open positions failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// ListHistory returns closed and failed positions, newest first, with
// pagination and optional since/until time filtering.
// GET /api/positions/history?limit=50&offset=0&since=...&until=...
func (h *PositionHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	positions, err := h.positions.ListHistory(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list position history failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list position history")
		return
	}

	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}
