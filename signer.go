package calr

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"io"
)

// Signer produces a detached signature over a byte stream.
type Signer interface {
	Plugin
	// SignatureSize is the exact length of every signature, known before signing.
	SignatureSize() uint16
	// Sign reads data from its current position to EOF and signs it.
	Sign(ctx context.Context, privateKey []byte, data io.Reader) ([]byte, error)
}

// rsaPSSSignatureSize is the modulus length of the 4096-bit keys the bundler admits.
const rsaPSSSignatureSize = RequiredKeyBits / 8

type rsaPSSSHA256 struct{}

// NewRSAPSSSHA256 returns the RSA-PSS (SHA-256) signer. The private key is
// a PKCS#1 RSAPrivateKey DER encoding; the salt is as long as the hash.
func NewRSAPSSSHA256() Signer { return rsaPSSSHA256{} }

func (rsaPSSSHA256) Name() string { return SignerRSAPSSSHA256 }

func (rsaPSSSHA256) SignatureSize() uint16 { return rsaPSSSignatureSize }

func (rsaPSSSHA256) Sign(ctx context.Context, privateKey []byte, data io.Reader) ([]byte, error) {
	priv, err := x509.ParsePKCS1PrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}

	h := sha256.New()
	if _, err := io.Copy(h, ctxReader{ctx: ctx, r: data}); err != nil {
		return nil, fmt.Errorf("hash signed data: %w", err)
	}

	sig, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA256, h.Sum(nil), &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return nil, fmt.Errorf("rsa-pss sign: %w", err)
	}
	return sig, nil
}
