package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpbot/internal/crypto"
	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/signal"
)

type fakeDeduper struct {
	seen bool
	err  error
}

func (f *fakeDeduper) Seen(context.Context, string) (bool, error) {
	return f.seen, f.err
}

type fakeSubmitter struct {
	signals []domain.Signal
	err     error
}

func (f *fakeSubmitter) Submit(sig domain.Signal) error {
	if f.err != nil {
		return f.err
	}
	f.signals = append(f.signals, sig)
	return nil
}

const alertSecret = "webhook-secret"

func newAlertHandler(dedup *fakeDeduper, pipeline *fakeSubmitter) *AlertHandler {
	n := signal.NewNormalizer(map[string]string{"tradingview": alertSecret}, slog.Default())
	return NewAlertHandler(n, dedup, pipeline, slog.Default())
}

func postAlert(h *AlertHandler, body, source, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/alerts", strings.NewReader(body))
	req.Header.Set("X-Alert-Source", source)
	req.Header.Set("X-Alert-Signature", signature)
	rec := httptest.NewRecorder()
	h.PostAlert(rec, req)
	return rec
}

func TestPostAlertAccepted(t *testing.T) {
	pipeline := &fakeSubmitter{}
	h := newAlertHandler(&fakeDeduper{}, pipeline)

	body := `{"id":"a-1","symbol":"sui/usd","action":"buy","timeframe":"5m"}`
	rec := postAlert(h, body, "tradingview", crypto.SignBody(alertSecret, []byte(body)))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"accepted"`)

	require.Len(t, pipeline.signals, 1)
	assert.Equal(t, "SUI/USD", pipeline.signals[0].Symbol)
	assert.Equal(t, domain.ActionOpenLong, pipeline.signals[0].Action)
}

func TestPostAlertBadSignature(t *testing.T) {
	pipeline := &fakeSubmitter{}
	h := newAlertHandler(&fakeDeduper{}, pipeline)

	body := `{"id":"a-1","symbol":"SUI/USD","action":"buy"}`
	rec := postAlert(h, body, "tradingview", "deadbeef")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, pipeline.signals)
}

func TestPostAlertUnknownSource(t *testing.T) {
	h := newAlertHandler(&fakeDeduper{}, &fakeSubmitter{})

	body := `{"id":"a-1","symbol":"SUI/USD","action":"buy"}`
	rec := postAlert(h, body, "stranger", crypto.SignBody(alertSecret, []byte(body)))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPostAlertInvalidPayload(t *testing.T) {
	h := newAlertHandler(&fakeDeduper{}, &fakeSubmitter{})

	body := `{"symbol":"SUI/USD","action":"buy"}` // missing alert id
	rec := postAlert(h, body, "tradingview", crypto.SignBody(alertSecret, []byte(body)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostAlertDuplicate(t *testing.T) {
	pipeline := &fakeSubmitter{}
	h := newAlertHandler(&fakeDeduper{seen: true}, pipeline)

	body := `{"id":"a-1","symbol":"SUI/USD","action":"buy"}`
	rec := postAlert(h, body, "tradingview", crypto.SignBody(alertSecret, []byte(body)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"duplicate"`)
	assert.Empty(t, pipeline.signals)
}

func TestPostAlertQueueFull(t *testing.T) {
	pipeline := &fakeSubmitter{err: errors.New("queue full")}
	h := newAlertHandler(&fakeDeduper{}, pipeline)

	body := `{"id":"a-1","symbol":"SUI/USD","action":"buy"}`
	rec := postAlert(h, body, "tradingview", crypto.SignBody(alertSecret, []byte(body)))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPostAlertDedupErrorFailsOpen(t *testing.T) {
	pipeline := &fakeSubmitter{}
	h := newAlertHandler(&fakeDeduper{err: errors.New("redis down")}, pipeline)

	body := `{"id":"a-1","symbol":"SUI/USD","action":"buy"}`
	rec := postAlert(h, body, "tradingview", crypto.SignBody(alertSecret, []byte(body)))

	// The pipeline's atomic admitter still dedups; a lookup failure here
	// must not drop the alert.
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Len(t, pipeline.signals, 1)
}
