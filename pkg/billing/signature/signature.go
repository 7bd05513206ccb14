// Package signature verifies HMAC-SHA256 webhook signatures over the exact
// request bytes. Comparisons are constant time.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

const prefix = "sha256="

// Sign returns the hex HMAC-SHA256 of body under secret
func Sign(body []byte, secret string) string {
	return hex.EncodeToString(compute(body, secret))
}

// SignBase64 returns the base64 HMAC-SHA256 of body under secret
func SignBase64(body []byte, secret string) string {
	return base64.StdEncoding.EncodeToString(compute(body, secret))
}

// Verify checks a hex signature, optionally prefixed with "sha256=".
// Hex case is ignored. An empty secret or header never verifies.
func Verify(body []byte, header, secret string) bool {
	sig := trim(header)
	if sig == "" || secret == "" {
		return false
	}
	got, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return false
	}
	return hmac.Equal(got, compute(body, secret))
}

// VerifyBase64 checks a base64 signature, optionally prefixed with "sha256="
func VerifyBase64(body []byte, header, secret string) bool {
	sig := trim(header)
	if sig == "" || secret == "" {
		return false
	}
	got, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(got, compute(body, secret))
}

func trim(header string) string {
	sig := strings.TrimSpace(header)
	if len(sig) >= len(prefix) && strings.EqualFold(sig[:len(prefix)], prefix) {
		sig = sig[len(prefix):]
	}
	return sig
}

func compute(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}
