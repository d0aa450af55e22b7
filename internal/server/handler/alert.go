package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/signal"
)

// maxAlertBody caps the accepted alert payload size.
const maxAlertBody = 64 * 1024

// Deduper answers whether a signal ID has already been admitted, without
// consuming the admission slot. The pipeline keeps sole authority over
// admission; this check only selects the right status code for duplicates.
type Deduper interface {
	Seen(ctx context.Context, signalID string) (bool, error)
}

// Submitter enqueues a normalized signal for asynchronous processing.
type Submitter interface {
	Submit(sig domain.Signal) error
}

// AlertHandler receives signed alert webhooks and hands admitted signals to
// the pipeline.
type AlertHandler struct {
	normalizer *signal.Normalizer
	dedup      Deduper
	pipeline   Submitter
	logger     *slog.Logger
}

// NewAlertHandler creates an AlertHandler.
func NewAlertHandler(normalizer *signal.Normalizer, dedup Deduper, pipeline Submitter, logger *slog.Logger) *AlertHandler {
	return &AlertHandler{
		normalizer: normalizer,
		dedup:      dedup,
		pipeline:   pipeline,
		logger:     logger,
	}
}

// PostAlert validates, authenticates, and enqueues one inbound alert.
// Responses: 202 accepted, 200 duplicate within the dedup window, 400 invalid
// payload, 401 unknown source or bad signature, 503 queue full.
// POST /api/alerts
func (h *AlertHandler) PostAlert(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxAlertBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > maxAlertBody {
		writeError(w, http.StatusRequestEntityTooLarge, "alert payload too large")
		return
	}

	source := r.Header.Get("X-Alert-Source")
	signature := r.Header.Get("X-Alert-Signature")

	sig, err := h.normalizer.Normalize(body, source, signature, time.Now())
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrUnauthorized):
			writeError(w, http.StatusUnauthorized, "authentication failed")
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	// A duplicate is answered positively: the source already delivered this
	// alert and retrying it would be wasted effort on its side.
	seen, err := h.dedup.Seen(r.Context(), sig.ID)
	if err != nil {
		h.logger.WarnContext(r.Context(), "handler: dedup lookup failed, submitting anyway",
			slog.String("signal_id", sig.ID),
			slog.String("error", err.Error()),
		)
	}
	if seen {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":    "duplicate",
			"signal_id": sig.ID,
		})
		return
	}

	if err := h.pipeline.Submit(sig); err != nil {
		h.logger.WarnContext(r.Context(), "handler: pipeline rejected signal",
			slog.String("signal_id", sig.ID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusServiceUnavailable, "pipeline queue full, retry later")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":    "accepted",
		"signal_id": sig.ID,
	})
}
