// Package signal converts raw alert payloads into canonical domain Signals.
// It owns structural validation and source authentication; everything past
// this point in the pipeline can assume a well-formed Signal.
package signal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/perpbot/internal/crypto"
	"github.com/alanyoungcy/perpbot/internal/domain"
)

// alertPayload is the wire format sent by alert sources (TradingView webhook
// shape). Either action or signal_type must resolve to a direction.
type alertPayload struct {
	ID         string  `json:"id"`
	Symbol     string  `json:"symbol"`
	Timeframe  string  `json:"timeframe"`
	Action     string  `json:"action"`
	SignalType string  `json:"signal_type"`
	Price      float64 `json:"price,omitempty"`
}

// Normalizer validates and authenticates inbound alerts.
type Normalizer struct {
	secrets map[string]string // source name -> shared secret
	logger  *slog.Logger
}

// NewNormalizer creates a Normalizer that accepts alerts from the given
// sources. Alerts from unknown sources or with bad signatures are rejected.
func NewNormalizer(secrets map[string]string, logger *slog.Logger) *Normalizer {
	return &Normalizer{
		secrets: secrets,
		logger:  logger.With(slog.String("component", "normalizer")),
	}
}

// Normalize parses, validates, and authenticates a raw alert body. It returns
// domain.ErrUnauthorized for authentication failures and a wrapped
// domain.ErrInvalidSignal for schema problems; neither is retryable, the
// source must resend a corrected alert.
func (n *Normalizer) Normalize(body []byte, source, signature string, receivedAt time.Time) (domain.Signal, error) {
	secret, ok := n.secrets[source]
	if !ok {
		n.logger.Warn("alert from unknown source rejected", slog.String("source", source))
		return domain.Signal{}, fmt.Errorf("normalizer: unknown source %q: %w", source, domain.ErrUnauthorized)
	}
	if !crypto.VerifyBody(secret, body, signature) {
		n.logger.Warn("alert signature verification failed", slog.String("source", source))
		return domain.Signal{}, fmt.Errorf("normalizer: bad signature from %q: %w", source, domain.ErrUnauthorized)
	}

	var p alertPayload
	if err := json.Unmarshal(body, &p); err != nil {
		n.logger.Warn("alert payload is not valid JSON",
			slog.String("source", source),
			slog.String("error", err.Error()),
		)
		return domain.Signal{}, fmt.Errorf("normalizer: malformed payload: %w", domain.ErrInvalidSignal)
	}

	if strings.TrimSpace(p.ID) == "" {
		return domain.Signal{}, fmt.Errorf("normalizer: missing alert id: %w", domain.ErrInvalidSignal)
	}
	symbol := strings.ToUpper(strings.TrimSpace(p.Symbol))
	if symbol == "" {
		return domain.Signal{}, fmt.Errorf("normalizer: missing symbol: %w", domain.ErrInvalidSignal)
	}

	sigType := domain.SignalType(strings.ToUpper(strings.TrimSpace(p.SignalType)))
	action, err := resolveAction(p.Action, sigType)
	if err != nil {
		n.logger.Warn("alert action could not be resolved",
			slog.String("source", source),
			slog.String("action", p.Action),
			slog.String("signal_type", string(sigType)),
		)
		return domain.Signal{}, err
	}

	timeframe := strings.TrimSpace(p.Timeframe)
	if timeframe == "" {
		timeframe = "5m"
	}

	return domain.Signal{
		ID:         p.ID,
		Source:     source,
		Symbol:     symbol,
		Timeframe:  timeframe,
		Action:     action,
		Type:       sigType,
		ReceivedAt: receivedAt.UTC(),
		Raw:        json.RawMessage(body),
	}, nil
}

// resolveAction maps the explicit action field, falling back to the signal
// type's direction. Ambiguous signal types without an explicit action resolve
// to hold rather than guessing a direction.
func resolveAction(action string, sigType domain.SignalType) (domain.SignalAction, error) {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "buy", "long", "open_long":
		return domain.ActionOpenLong, nil
	case "sell", "short", "open_short":
		return domain.ActionOpenShort, nil
	case "close", "exit":
		return domain.ActionClose, nil
	case "hold":
		return domain.ActionHold, nil
	case "":
		// Fall through to the signal type.
	default:
		return "", fmt.Errorf("normalizer: unknown action %q: %w", action, domain.ErrInvalidSignal)
	}

	switch {
	case sigType.Bullish():
		return domain.ActionOpenLong, nil
	case sigType.Bearish():
		return domain.ActionOpenShort, nil
	case sigType != "":
		// PURPLE_TRIANGLE, LITTLE_CIRCLE, and unknown types carry no
		// direction on their own.
		return domain.ActionHold, nil
	}
	return "", fmt.Errorf("normalizer: neither action nor signal_type present: %w", domain.ErrInvalidSignal)
}
