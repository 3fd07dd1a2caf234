package googleplay

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"

	"github.com/pkg/errors"
)

// parsePublicKey decodes the application's base64 licensing key. An empty key
// disables signature checks; purchases are still confirmed with the API.
func parsePublicKey(encoded string) (*rsa.PublicKey, error) {
	if encoded == "" {
		return nil, nil
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(err, "error decoding public key")
	}

	key, err := x509.ParsePKIXPublicKey(raw)
	if err != nil {
		return nil, errors.Wrap(err, "error parsing public key")
	}

	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.Errorf("unexpected public key type %T", key)
	}
	return rsaKey, nil
}

// verifySignature checks a SHA1withRSA signature over purchase data.
func verifySignature(key *rsa.PublicKey, data, signature string) bool {
	decoded, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}

	digest := sha1.Sum([]byte(data))
	return rsa.VerifyPKCS1v15(key, crypto.SHA1, digest[:], decoded) == nil
}
