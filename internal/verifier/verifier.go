// Package verifier checks the provider's subscription handshake and the
// HMAC signature attached to every delivery.
package verifier

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/airhost/airhost-gateway/internal/models"
)

// SignatureHeader carries "sha256=<hex>" computed over the raw body.
const SignatureHeader = "X-Hub-Signature-256"

const signaturePrefix = "sha256="

// VerifyHandshake reports whether a subscription handshake is valid. An empty
// expected token never matches.
func VerifyHandshake(mode, token, expected string) bool {
	if expected == "" || mode != models.ModeSubscribe {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}

// VerifyChallenge is VerifyHandshake for a parsed challenge. It returns
// models.ErrVerificationFailed on mismatch.
func VerifyChallenge(c models.VerificationChallenge, expected string) error {
	if !VerifyHandshake(c.Mode, c.VerifyToken, expected) {
		return fmt.Errorf("%w: handshake mode=%q", models.ErrVerificationFailed, c.Mode)
	}
	return nil
}

// Sign returns the header value for body under secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against an HMAC-SHA256 of rawBody. The body
// must be the exact bytes received; re-serialized JSON will not match.
func VerifySignature(rawBody []byte, header, secret string) bool {
	if secret == "" || !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	return hmac.Equal(got, mac.Sum(nil))
}
