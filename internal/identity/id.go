package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// IDSize is the length of an identity identifier: SHA-256 of the public key.
const IDSize = sha256.Size

// ChallengeSize is the length of a conversation challenge nonce.
const ChallengeSize = 32

// ID computes the network identifier of a public key.
func ID(publicKey []byte) []byte {
	sum := sha256.Sum256(publicKey)
	return sum[:]
}

// ValidPublicKey reports whether b has the shape of an Ed25519 public key.
func ValidPublicKey(b []byte) bool {
	return len(b) == ed25519.PublicKeySize
}

// NewChallenge returns a fresh 32-byte random nonce.
func NewChallenge() ([]byte, error) {
	c := make([]byte, ChallengeSize)
	if _, err := rand.Read(c); err != nil {
		return nil, fmt.Errorf("failed to generate challenge: %w", err)
	}
	return c, nil
}

// Verify checks an Ed25519 signature. Malformed keys or signatures verify
// as false, never panic.
func Verify(publicKey, message, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature)
}

// Short renders the leading bytes of an id for log lines.
func Short(id []byte) string {
	if len(id) > 8 {
		id = id[:8]
	}
	return hex.EncodeToString(id) + "..."
}
