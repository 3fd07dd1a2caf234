package memory

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// GenerateKeyPair returns a key pair for signing purchases. The base64 form of
// the public key is what applications pass to Coordinator.Init.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// EncodePublicKey returns the base64 form of a public key.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// ParsePublicKey decodes a base64 public key.
func ParsePublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("error decoding public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key length: %d", len(raw))
	}

	return ed25519.PublicKey(raw), nil
}

func sign(owner ed25519.PrivateKey, data string) string {
	signature := ed25519.Sign(owner, []byte(data))
	return base64.StdEncoding.EncodeToString(signature)
}

func verify(pub ed25519.PublicKey, data, signature string) bool {
	decoded, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}

	return ed25519.Verify(pub, []byte(data), decoded)
}
