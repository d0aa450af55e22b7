package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// DecisionSource defines the store methods the decision handler requires.
type DecisionSource interface {
	ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.Decision, error)
}

// DecisionHandler serves the decision history endpoint.
type DecisionHandler struct {
	decisions DecisionSource
	logger    *slog.Logger
}

// NewDecisionHandler creates a DecisionHandler with the given store and logger.
func NewDecisionHandler(decisions DecisionSource, logger *slog.Logger) *DecisionHandler {
	return &DecisionHandler{
		decisions: decisions,
		logger:    logger,
	}
}

// ListRecent returns recent decisions, newest first, with pagination and
// optional since/until time filtering.
// GET /api/decisions?limit=50&offset=0&since=...&until=...
func (h *DecisionHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	decisions, err := h.decisions.ListRecent(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list decisions failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list decisions")
		return
	}

	if decisions == nil {
		decisions = []domain.Decision{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": decisions})
}
