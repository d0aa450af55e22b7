package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyBody(t *testing.T) {
	body := []byte(`{"symbol":"SUI/USD","type":"buy"}`)

	sig := SignBody("topsecret", body)
	assert.True(t, VerifyBody("topsecret", body, sig))
	assert.False(t, VerifyBody("wrong", body, sig))
	assert.False(t, VerifyBody("topsecret", []byte("tampered"), sig))
	assert.False(t, VerifyBody("topsecret", body, ""))
}

func TestVenueHeadersDeterministic(t *testing.T) {
	auth := &VenueAuth{Key: "api-key", Secret: "api-secret"}

	h := auth.HeadersAt("POST", "/orders", `{"symbol":"SUI-PERP"}`, 1700000000)
	assert.Equal(t, "api-key", h["X-Venue-Api-Key"])
	assert.Equal(t, "1700000000", h["X-Venue-Timestamp"])
	assert.NotEmpty(t, h["X-Venue-Signature"])

	// Same inputs, same signature.
	again := auth.HeadersAt("POST", "/orders", `{"symbol":"SUI-PERP"}`, 1700000000)
	assert.Equal(t, h["X-Venue-Signature"], again["X-Venue-Signature"])

	// Different path, different signature.
	other := auth.HeadersAt("POST", "/positions", `{"symbol":"SUI-PERP"}`, 1700000000)
	assert.NotEqual(t, h["X-Venue-Signature"], other["X-Venue-Signature"])
}

func TestEncryptDecryptSecret(t *testing.T) {
	blob, err := EncryptSecret("super-secret-value", "pw")
	require.NoError(t, err)

	got, err := DecryptSecret(blob, "pw")
	require.NoError(t, err)
	assert.Equal(t, "super-secret-value", got)

	_, err = DecryptSecret(blob, "wrong")
	assert.Error(t, err)
}

func TestVenueAuthStringRedacts(t *testing.T) {
	auth := &VenueAuth{Key: "abcdef", Secret: "0123456789"}
	s := auth.String()
	assert.NotContains(t, s, "abcdef")
	assert.NotContains(t, s, "0123456789")
	assert.Contains(t, s, "abcd****")
}
