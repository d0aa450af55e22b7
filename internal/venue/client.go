package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alanyoungcy/perpbot/internal/crypto"
	"github.com/alanyoungcy/perpbot/internal/domain"
)

// Client is the REST client for a Bluefin-style perpetuals exchange.
type Client struct {
	baseURL    string
	auth       *crypto.VenueAuth
	httpClient *http.Client
}

// ClientConfig holds the venue endpoint and credentials.
type ClientConfig struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Timeout   time.Duration
}

// NewClient creates a new venue REST client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		auth:    &crypto.VenueAuth{Key: cfg.APIKey, Secret: cfg.APISecret},
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// orderPayload is the wire shape for order submissions.
type orderPayload struct {
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	Size          float64 `json:"size"`
	Leverage      float64 `json:"leverage,omitempty"`
	ReduceOnly    bool    `json:"reduce_only"`
	StopLoss      float64 `json:"stop_loss,omitempty"`
	TakeProfit    float64 `json:"take_profit,omitempty"`
}

// orderResponse is the wire shape of the venue's order state.
type orderResponse struct {
	OrderID       string  `json:"order_id"`
	ClientOrderID string  `json:"client_order_id"`
	Status        string  `json:"status"`
	AvgFillPrice  float64 `json:"avg_fill_price"`
	FilledSize    float64 `json:"filled_size"`
	Reason        string  `json:"reason"`
}

// PlaceOrder submits a market order keyed by req.ClientOrderID.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	payload := orderPayload{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          sideString(req.Side),
		Type:          "MARKET",
		Size:          req.Size,
		Leverage:      req.Leverage,
		ReduceOnly:    req.ReduceOnly,
		StopLoss:      req.StopLossPrice,
		TakeProfit:    req.TakeProfitPrice,
	}

	body, err := c.do(ctx, http.MethodPost, "/orders", payload)
	if err != nil {
		return OrderResult{}, fmt.Errorf("venue: place order %s: %w", req.ClientOrderID, err)
	}
	return decodeOrder(body)
}

// ClosePosition flattens the symbol with a reduce-only market order.
func (c *Client) ClosePosition(ctx context.Context, symbol, clientOrderID string) (OrderResult, error) {
	payload := struct {
		ClientOrderID string `json:"client_order_id"`
		Symbol        string `json:"symbol"`
		Type          string `json:"type"`
	}{clientOrderID, symbol, "MARKET"}

	body, err := c.do(ctx, http.MethodPost, "/positions/close", payload)
	if err != nil {
		return OrderResult{}, fmt.Errorf("venue: close %s: %w", symbol, err)
	}
	return decodeOrder(body)
}

// QueryOrder looks up an order by its client ID.
func (c *Client) QueryOrder(ctx context.Context, clientOrderID string) (OrderResult, error) {
	path := "/orders/by-client-id/" + url.PathEscape(clientOrderID)

	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return OrderResult{}, fmt.Errorf("venue: query order %s: %w", clientOrderID, err)
	}
	return decodeOrder(body)
}

// Position returns the venue's view of the open position for a symbol, or nil
// when the account is flat.
func (c *Client) Position(ctx context.Context, symbol string) (*PositionState, error) {
	path := "/positions/" + url.PathEscape(symbol)

	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("venue: position %s: %w", symbol, err)
	}

	var resp struct {
		Symbol     string  `json:"symbol"`
		Side       string  `json:"side"`
		Size       float64 `json:"size"`
		Leverage   float64 `json:"leverage"`
		EntryPrice float64 `json:"entry_price"`
		MarkPrice  float64 `json:"mark_price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("venue: decode position: %w", err)
	}
	if resp.Size == 0 {
		return nil, nil
	}

	side := domain.SideLong
	if strings.EqualFold(resp.Side, "SELL") || strings.EqualFold(resp.Side, "short") {
		side = domain.SideShort
	}

	return &PositionState{
		Symbol:     resp.Symbol,
		Side:       side,
		Size:       resp.Size,
		Leverage:   resp.Leverage,
		EntryPrice: resp.EntryPrice,
		MarkPrice:  resp.MarkPrice,
	}, nil
}

// AccountEquity returns the account equity in quote currency.
func (c *Client) AccountEquity(ctx context.Context) (float64, error) {
	body, err := c.do(ctx, http.MethodGet, "/account", nil)
	if err != nil {
		return 0, fmt.Errorf("venue: account: %w", err)
	}

	var resp struct {
		Equity float64 `json:"equity"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("venue: decode account: %w", err)
	}
	return resp.Equity, nil
}

// Ping checks venue connectivity via the unauthenticated status endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return fmt.Errorf("venue: ping: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("venue: ping: %w: %v", domain.ErrVenueTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("venue: ping: %w: HTTP %d", domain.ErrVenueTransient, resp.StatusCode)
	}
	return nil
}

// do builds, signs, sends, and reads one venue API request, mapping the
// status code to the domain error taxonomy.
func (c *Client) do(ctx context.Context, method, path string, reqBody any) ([]byte, error) {
	var bodyStr string
	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.auth.Headers(method, path, bodyStr) {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrVenueTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", domain.ErrVenueTransient, err)
	}

	if err := checkStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkStatus maps non-2xx HTTP status codes to domain errors.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &apiErr)

	switch {
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, apiErr.Message)
	case statusCode == http.StatusTooManyRequests || statusCode >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrVenueTransient, statusCode, apiErr.Message)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrVenueRejected, statusCode, apiErr.Message)
	default:
		return fmt.Errorf("%w: HTTP %d: %s (%s)", domain.ErrVenueRejected, statusCode, apiErr.Message, apiErr.Code)
	}
}

func decodeOrder(body []byte) (OrderResult, error) {
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return OrderResult{}, fmt.Errorf("venue: decode order: %w", err)
	}

	result := OrderResult{
		VenueOrderID: resp.OrderID,
		FillPrice:    resp.AvgFillPrice,
		FilledSize:   resp.FilledSize,
		Reason:       resp.Reason,
	}

	switch strings.ToLower(resp.Status) {
	case "filled", "partially_filled":
		result.Status = OrderFilled
	case "rejected", "cancelled", "canceled", "expired":
		result.Status = OrderRejected
	default:
		result.Status = OrderAccepted
	}

	if result.Status == OrderRejected {
		return result, fmt.Errorf("venue: order rejected: %w: %s", domain.ErrVenueRejected, resp.Reason)
	}
	return result, nil
}

func sideString(s domain.PositionSide) string {
	if s == domain.SideShort {
		return "SELL"
	}
	return "BUY"
}

// Compile-time interface check.
var _ Venue = (*Client)(nil)
