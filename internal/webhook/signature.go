// Package webhook implements subscription fan-out and signed HTTP delivery
// of record-mutation events.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignaturePrefix marks the algorithm in the X-Webhook-Signature header.
const SignaturePrefix = "sha256="

// Signer computes HMAC-SHA256 signatures over outgoing payload bytes.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer keyed by the subscription secret.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Sign returns "sha256=<hex>" over exactly the bytes that go on the wire.
func (s *Signer) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify compares the provided signature with the expected one in constant
// time.
func (s *Signer) Verify(payload []byte, signature string) bool {
	expected := s.Sign(payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}
