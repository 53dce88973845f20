package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/ManuelReschke/FoxPay/internal/pkg/env"
)

// CallbackVerifier authenticates gateway callbacks by HMAC-SHA256 over the raw
// body, or by a static token when no secret is set.
type CallbackVerifier struct {
	Secret string
	Token  string
}

func NewCallbackVerifierFromEnv() *CallbackVerifier {
	return &CallbackVerifier{
		Secret: strings.TrimSpace(env.GetEnv("GATEWAY_WEBHOOK_SECRET", "")),
		Token:  strings.TrimSpace(env.GetEnv("GATEWAY_CALLBACK_TOKEN", "")),
	}
}

// Enforced reports whether unauthenticated callbacks must be rejected.
func (v *CallbackVerifier) Enforced() bool {
	return v != nil && (v.Secret != "" || v.Token != "")
}

// Verify checks a delivery against the configured secret or token. It
// returns false when nothing is configured.
func (v *CallbackVerifier) Verify(payload []byte, signatureHeader, tokenHeader string) bool {
	if v == nil {
		return false
	}
	if v.Secret != "" {
		return VerifyCallbackSignature(payload, signatureHeader, v.Secret)
	}
	if v.Token != "" {
		got := strings.TrimSpace(tokenHeader)
		return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(v.Token)) == 1
	}
	return false
}

// VerifyCallbackSignature checks a hex HMAC-SHA256 signature, optionally
// prefixed with "sha256=".
func VerifyCallbackSignature(payload []byte, signatureHeader, secret string) bool {
	sig := strings.TrimSpace(signatureHeader)
	sig = strings.TrimPrefix(strings.ToLower(sig), "sha256=")
	key := strings.TrimSpace(secret)
	if sig == "" || key == "" {
		return false
	}

	decodedSig, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), decodedSig)
}

// SignCallback returns the hex signature the gateway sends for payload.
func SignCallback(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
