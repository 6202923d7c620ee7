package evidence

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/rs/zerolog/log"
)

const signaturePrefix = "hmac-sha256:"

// Signer signs decision records with HMAC-SHA256.
type Signer struct {
	key       []byte
	ephemeral bool
}

// NewSigner accepts a key of at least 32 bytes, either raw or as 64+ hex
// characters. An empty key yields a random per-process key: signatures then
// only verify until restart.
func NewSigner(key string) (*Signer, error) {
	if key == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generating signing key: %w", err)
		}
		log.Warn().Msg("decision_log_ephemeral_signing_key")
		return &Signer{key: buf, ephemeral: true}, nil
	}
	b, err := decodeKey(key)
	if err != nil {
		return nil, err
	}
	return &Signer{key: b}, nil
}

// Ephemeral reports whether the key was generated at startup.
func (s *Signer) Ephemeral() bool { return s.ephemeral }

func decodeKey(key string) ([]byte, error) {
	if len(key) >= 64 && len(key)%2 == 0 {
		if b, err := hex.DecodeString(key); err == nil {
			return b, nil
		}
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("signing key must be at least 32 bytes (got %d)", len(key))
	}
	return []byte(key), nil
}

// Sign returns the prefixed hex HMAC of data.
func (s *Signer) Sign(data []byte) string {
	h := hmac.New(sha256.New, s.key)
	h.Write(data)
	return signaturePrefix + hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature matches data.
func (s *Signer) Verify(data []byte, signature string) bool {
	return hmac.Equal([]byte(s.Sign(data)), []byte(signature))
}

func hashString(s string) string {
	if s == "" {
		return ""
	}
	h := sha256.Sum256([]byte(s))
	return "sha256:" + hex.EncodeToString(h[:])
}
