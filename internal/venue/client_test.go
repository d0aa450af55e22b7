package venue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{
		BaseURL:   srv.URL,
		APIKey:    "key",
		APISecret: "secret",
		Timeout:   2 * time.Second,
	})
}

func TestPlaceOrderFilled(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/orders", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("X-Venue-Signature"))
		assert.Equal(t, "key", r.Header.Get("X-Venue-Api-Key"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "D1", payload["client_order_id"])

		json.NewEncoder(w).Encode(map[string]any{
			"order_id":       "V1",
			"status":         "filled",
			"avg_fill_price": 3.21,
			"filled_size":    100.0,
		})
	})

	res, err := c.PlaceOrder(context.Background(), OrderRequest{
		ClientOrderID: "D1",
		Symbol:        "SUI/USD",
		Side:          domain.SideLong,
		Size:          100,
		Leverage:      7,
	})
	require.NoError(t, err)
	assert.Equal(t, OrderFilled, res.Status)
	assert.Equal(t, "V1", res.VenueOrderID)
	assert.Equal(t, 3.21, res.FillPrice)
}

func TestPlaceOrderRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"message": "insufficient margin"})
	})

	_, err := c.PlaceOrder(context.Background(), OrderRequest{ClientOrderID: "D1"})
	assert.ErrorIs(t, err, domain.ErrVenueRejected)
}

func TestServerErrorIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.PlaceOrder(context.Background(), OrderRequest{ClientOrderID: "D1"})
	assert.ErrorIs(t, err, domain.ErrVenueTransient)

	_, err = c.AccountEquity(context.Background())
	assert.ErrorIs(t, err, domain.ErrVenueTransient)
}

func TestQueryOrderNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.QueryOrder(context.Background(), "D1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPositionFlat(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	pos, err := c.Position(context.Background(), "SUI/USD")
	require.NoError(t, err)
	assert.Nil(t, pos)
}

func TestMockIdempotentReplay(t *testing.T) {
	m := NewMock(1000)
	m.SetMarkPrice("SUI/USD", 3.5)
	ctx := context.Background()

	req := OrderRequest{ClientOrderID: "D1", Symbol: "SUI/USD", Side: domain.SideLong, Size: 10, Leverage: 7}

	first, err := m.PlaceOrder(ctx, req)
	require.NoError(t, err)

	again, err := m.PlaceOrder(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.VenueOrderID, again.VenueOrderID, "replay must not create a second order")

	pos, err := m.Position(ctx, "SUI/USD")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, 3.5, pos.EntryPrice)
}
