// Package signer produces and verifies HMAC signatures for outbound webhooks.
//
// The signed string is "{timestamp}.{payload}", keyed with the subscription
// secret. Receivers must recompute the digest and compare it in constant time
// (Verify does this); they should also reject stale timestamps to limit
// replay, see FreshTimestamp.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Prefix identifies the digest algorithm in the signature header value.
const Prefix = "sha256="

// DefaultTolerance is the recommended timestamp freshness window for
// receivers verifying inbound webhooks.
const DefaultTolerance = 5 * time.Minute

// Sign computes the HMAC-SHA256 of "{timestamp}.{payload}" keyed by secret
// and returns the hex digest prefixed with "sha256=". It is pure: the same
// inputs always produce the same signature.
func Sign(secret string, timestamp int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(payload)
	return Prefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches the expected signature for the
// given secret, timestamp, and payload. The comparison is constant time.
func Verify(signature, secret string, timestamp int64, payload []byte) bool {
	expected := Sign(secret, timestamp, payload)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// FreshTimestamp reports whether a signed timestamp is within tolerance of
// now. Receivers should check this before Verify to bound replay windows.
func FreshTimestamp(timestamp int64, now time.Time, tolerance time.Duration) bool {
	delta := now.Unix() - timestamp
	if delta < 0 {
		delta = -delta
	}
	return time.Duration(delta)*time.Second <= tolerance
}
