package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// Client is the REST client for the AI reasoning backend.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// ClientConfig holds the reasoning backend endpoint parameters.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// NewClient creates a new reasoning backend client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// adviseRequest is the wire shape for POST /v1/advise.
type adviseRequest struct {
	Model         string            `json:"model"`
	Signal        domain.Signal     `json:"signal"`
	RiskBounds    domain.RiskParams `json:"risk_bounds"`
	OpenPositions []domain.Position `json:"open_positions"`
	AccountEquity float64           `json:"account_equity"`
}

// Advise sends one signal to the reasoning backend and decodes its verdict.
// Network failures, timeouts, 429s, and 5xx responses are reported as
// domain.ErrAIUnavailable so callers can apply their retry policy.
func (c *Client) Advise(ctx context.Context, req AdviceRequest) (Advice, error) {
	body, err := json.Marshal(adviseRequest{
		Model:         c.model,
		Signal:        req.Signal,
		RiskBounds:    req.RiskBounds,
		OpenPositions: req.OpenPositions,
		AccountEquity: req.AccountEquity,
	})
	if err != nil {
		return Advice{}, fmt.Errorf("ai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/advise", bytes.NewReader(body))
	if err != nil {
		return Advice{}, fmt.Errorf("ai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Advice{}, fmt.Errorf("ai: %w: %v", domain.ErrAIUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Advice{}, fmt.Errorf("ai: %w: read response: %v", domain.ErrAIUnavailable, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return Advice{}, fmt.Errorf("ai: %w: HTTP %d", domain.ErrAIUnavailable, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Advice{}, fmt.Errorf("ai: HTTP %d: %s", resp.StatusCode, respBody)
	}

	var adv Advice
	if err := json.Unmarshal(respBody, &adv); err != nil {
		return Advice{}, fmt.Errorf("ai: decode advice: %w", err)
	}

	if !validAction(adv.Action) {
		return Advice{}, fmt.Errorf("ai: unknown action %q in advice", adv.Action)
	}
	if adv.Confidence < 0 || adv.Confidence > 1 {
		return Advice{}, fmt.Errorf("ai: confidence %g out of range", adv.Confidence)
	}

	return adv, nil
}

func validAction(a domain.SignalAction) bool {
	switch a {
	case domain.ActionOpenLong, domain.ActionOpenShort, domain.ActionClose, domain.ActionHold:
		return true
	}
	return false
}

// Compile-time interface check.
var _ Advisor = (*Client)(nil)
