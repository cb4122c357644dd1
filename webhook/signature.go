package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// SignatureHeader carries the signature of a delivery body.
const SignatureHeader = "X-Signature"

// Signer computes the signature header value of a delivery body.
type Signer interface {
	Sign(secret string, body []byte) string
}

// HMACSigner keys an HMAC-SHA256 with the webhook secret. Only holders of
// the secret can produce a matching signature.
type HMACSigner struct{}

// Sign returns "sha256=" followed by the hex encoded MAC.
func (HMACSigner) Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// DigestSigner is the legacy scheme: an unkeyed SHA-1 of the body. It only
// detects corruption, anyone can compute it.
type DigestSigner struct{}

// Sign returns "sha1=" followed by 40 hex digits. The secret is ignored.
func (DigestSigner) Sign(_ string, body []byte) string {
	sum := sha1.Sum(body)
	return "sha1=" + hex.EncodeToString(sum[:])
}

// NewSigner returns the signer for the named scheme.
func NewSigner(scheme string) (Signer, error) {
	switch strings.ToLower(scheme) {
	case "", "hmac-sha256", "sha256":
		return HMACSigner{}, nil
	case "sha1":
		return DigestSigner{}, nil
	}
	return nil, fmt.Errorf("unknown webhook signature scheme %q", scheme)
}

// Verify reports whether signature is valid for body under secret. The
// scheme is taken from the signature prefix.
func Verify(secret string, body []byte, signature string) bool {
	var expected string
	switch {
	case strings.HasPrefix(signature, "sha256="):
		expected = HMACSigner{}.Sign(secret, body)
	case strings.HasPrefix(signature, "sha1="):
		expected = DigestSigner{}.Sign(secret, body)
	default:
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}
