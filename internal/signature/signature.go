package signature

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"strings"
)

// Header is the request header EAS puts the body signature in.
const Header = "expo-signature"

const prefix = "sha1="

var (
	ErrEmptyBody        = errors.New("payload body is empty")
	ErrMissingSecret    = errors.New("webhook secret is not configured")
	ErrMissingSignature = errors.New("missing expo-signature header")
	ErrMismatch         = errors.New("signature mismatch")
)

// Sign returns the expo-signature header value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	_, _ = mac.Write(body)
	return prefix + hex.EncodeToString(mac.Sum(nil))
}

// Check reports why supplied is not a valid signature of body, or nil when it is.
// An empty body or an empty secret never verifies.
func Check(body []byte, supplied string, secret string) error {
	if len(body) == 0 {
		return ErrEmptyBody
	}
	if strings.TrimSpace(secret) == "" {
		return ErrMissingSecret
	}
	if supplied == "" {
		return ErrMissingSignature
	}

	expected := Sign(body, secret)
	if !hmac.Equal([]byte(expected), []byte(supplied)) {
		return ErrMismatch
	}
	return nil
}

// Verify reports whether supplied is the signature of body under secret.
func Verify(body []byte, supplied string, secret string) bool {
	return Check(body, supplied, secret) == nil
}
