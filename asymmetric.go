package calr

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
)

// AsymmetricEncryptor wraps a session key for one recipient.
type AsymmetricEncryptor interface {
	Plugin
	// EncryptSessionKey encrypts sessionKey under the recipient's public key.
	EncryptSessionKey(recipientPublicKey, sessionKey []byte) ([]byte, error)
}

type rsaOAEPSHA256 struct{}

// NewRSAOAEPSHA256 returns the RSA-OAEP (SHA-256) key wrapper. The
// recipient key is a PKCS#1 RSAPublicKey DER encoding.
func NewRSAOAEPSHA256() AsymmetricEncryptor { return rsaOAEPSHA256{} }

func (rsaOAEPSHA256) Name() string { return AsymmetricRSAOAEPSHA256 }

func (rsaOAEPSHA256) EncryptSessionKey(recipientPublicKey, sessionKey []byte) ([]byte, error) {
	pub, err := x509.ParsePKCS1PublicKey(recipientPublicKey)
	if err != nil {
		return nil, fmt.Errorf("parse recipient public key: %w", err)
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, sessionKey, nil)
	if err != nil {
		return nil, fmt.Errorf("rsa-oaep encrypt: %w", err)
	}
	return wrapped, nil
}
