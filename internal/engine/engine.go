// Package engine turns admitted signals into trade decisions by consulting
// the AI reasoning backend and applying confidence policy.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/perpbot/internal/ai"
	"github.com/alanyoungcy/perpbot/internal/domain"
)

// Config holds the engine's retry and confidence policy.
type Config struct {
	MaxAttempts   int
	BackoffBase   time.Duration
	MinConfidence float64
}

// Engine is the decision stage of the pipeline. It is safe for concurrent use.
type Engine struct {
	advisor ai.Advisor
	cfg     Config
	logger  *slog.Logger
}

// New creates an Engine. Zero config fields fall back to safe values.
func New(advisor ai.Advisor, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	return &Engine{
		advisor: advisor,
		cfg:     cfg,
		logger:  logger.With("component", "engine"),
	}
}

// Decide consults the advisor for one signal and produces a decision.
//
// Transient advisor failures are retried with exponential backoff up to
// MaxAttempts. If every attempt fails, the engine degrades to a hold decision
// rather than failing the cycle. Advice below the confidence floor, and
// advice that directly opposes the signal's direction, also resolve to hold.
// The returned decision's ID doubles as the venue idempotency key downstream.
func (e *Engine) Decide(ctx context.Context, sig domain.Signal, risk domain.RiskParams, open []domain.Position, equity float64) (domain.Decision, error) {
	req := ai.AdviceRequest{
		Signal:        sig,
		RiskBounds:    risk,
		OpenPositions: open,
		AccountEquity: equity,
	}

	advice, err := e.adviseWithRetry(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return domain.Decision{}, err
		}
		e.logger.Warn("advisor unavailable, degrading to hold",
			"signal_id", sig.ID, "symbol", sig.Symbol, "error", err)
		return e.newDecision(sig, risk, ai.Advice{
			Action:    domain.ActionHold,
			Rationale: "reasoning backend unavailable",
		}, true), nil
	}

	if advice.Confidence < e.cfg.MinConfidence {
		e.logger.Info("advice below confidence floor, holding",
			"signal_id", sig.ID, "symbol", sig.Symbol,
			"confidence", advice.Confidence, "floor", e.cfg.MinConfidence)
		advice = ai.Advice{
			Action:     domain.ActionHold,
			Rationale:  fmt.Sprintf("confidence %.2f below floor %.2f: %s", advice.Confidence, e.cfg.MinConfidence, advice.Rationale),
			Confidence: advice.Confidence,
		}
		return e.newDecision(sig, risk, advice, false), nil
	}

	if opposes(sig.Action, advice.Action) {
		e.logger.Info("advice opposes signal direction, holding",
			"signal_id", sig.ID, "symbol", sig.Symbol,
			"signal_action", sig.Action, "advice_action", advice.Action)
		advice = ai.Advice{
			Action:     domain.ActionHold,
			Rationale:  fmt.Sprintf("advice %s conflicts with %s signal: %s", advice.Action, sig.Action, advice.Rationale),
			Confidence: advice.Confidence,
		}
	}

	return e.newDecision(sig, risk, advice, false), nil
}

// adviseWithRetry calls the advisor, retrying transient failures with
// exponential backoff. Non-transient errors return immediately.
func (e *Engine) adviseWithRetry(ctx context.Context, req ai.AdviceRequest) (ai.Advice, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		advice, err := e.advisor.Advise(ctx, req)
		if err == nil {
			return advice, nil
		}
		lastErr = err

		if !errors.Is(err, domain.ErrAIUnavailable) {
			return ai.Advice{}, err
		}
		if attempt == e.cfg.MaxAttempts {
			break
		}

		backoff := e.cfg.BackoffBase * (1 << (attempt - 1))
		e.logger.Debug("advisor attempt failed, backing off",
			"attempt", attempt, "backoff", backoff, "error", err)

		select {
		case <-ctx.Done():
			return ai.Advice{}, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return ai.Advice{}, lastErr
}

func (e *Engine) newDecision(sig domain.Signal, risk domain.RiskParams, advice ai.Advice, degraded bool) domain.Decision {
	// Advice may tighten leverage and size but never widen them past the
	// configured bounds.
	if advice.Leverage > 0 && advice.Leverage < risk.MaxLeverage {
		risk.MaxLeverage = advice.Leverage
	}
	if advice.SizeFrac > 0 && advice.SizeFrac < risk.PositionSizeFraction {
		risk.PositionSizeFraction = advice.SizeFrac
	}

	return domain.Decision{
		ID:         uuid.New().String(),
		SignalID:   sig.ID,
		Symbol:     sig.Symbol,
		Action:     advice.Action,
		Rationale:  advice.Rationale,
		Confidence: advice.Confidence,
		Risk:       risk,
		Degraded:   degraded,
		CreatedAt:  time.Now().UTC(),
	}
}

// opposes reports whether the advised action points in the opposite direction
// of the signal. Opposing directional advice is not acted on.
func opposes(signal, advice domain.SignalAction) bool {
	switch {
	case signal == domain.ActionOpenLong && advice == domain.ActionOpenShort:
		return true
	case signal == domain.ActionOpenShort && advice == domain.ActionOpenLong:
		return true
	}
	return false
}
