// Package crypto provides HMAC authentication for inbound alerts and outbound
// venue requests, plus encrypted at-rest storage for the venue API secret.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// SignBody computes the hex-encoded HMAC-SHA256 of body using the shared
// secret. Alert sources send this value in the X-Alert-Signature header.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyBody reports whether signature is a valid HMAC-SHA256 of body under
// the shared secret. Comparison is constant-time.
func VerifyBody(secret string, body []byte, signature string) bool {
	want := SignBody(secret, body)
	return hmac.Equal([]byte(want), []byte(signature))
}

// VenueAuth holds the credentials for HMAC-authenticated venue requests.
type VenueAuth struct {
	Key    string // API key
	Secret string // API secret
}

// Headers returns the HTTP headers for a venue API request. The signature is
// HMAC-SHA256(secret, timestamp+method+path+body) encoded as hex.
//
// Returned header keys:
//   - X-Venue-Api-Key
//   - X-Venue-Timestamp
//   - X-Venue-Signature
func (a *VenueAuth) Headers(method, path, body string) map[string]string {
	return a.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt is like Headers but lets the caller supply the Unix timestamp
// (useful for deterministic testing).
func (a *VenueAuth) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)

	message := ts + method + path + body
	sig := SignBody(a.Secret, []byte(message))

	return map[string]string{
		"X-Venue-Api-Key":   a.Key,
		"X-Venue-Timestamp": ts,
		"X-Venue-Signature": sig,
	}
}

// String returns a redacted representation suitable for logging.
func (a *VenueAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return "VenueAuth{key=" + redact(a.Key) + ", secret=" + redact(a.Secret) + "}"
}
