package calr

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// RequiredKeyBits is the only RSA modulus size the bundler accepts.
const RequiredKeyBits = 4096

var (
	// ErrKeySize is matched by every *KeySizeError.
	ErrKeySize = errors.New("invalid RSA key size")
	// ErrInvalidKey is returned for bytes that are neither a PKCS#1 private nor public key.
	ErrInvalidKey = errors.New("not a PKCS#1 RSA key")
)

// KeySizeError reports an RSA key of the wrong size.
type KeySizeError struct {
	Param    string
	Required int
	Actual   int
}

func (e *KeySizeError) Error() string {
	return fmt.Sprintf("%s: RSA key must be %d bits, provided key is %d bits", e.Param, e.Required, e.Actual)
}

// Is makes errors.Is(err, ErrKeySize) hold.
func (*KeySizeError) Is(target error) bool { return target == ErrKeySize }

// parsedKey is the outcome of decoding PKCS#1 bytes of unknown kind.
type parsedKey struct {
	public  *rsa.PublicKey
	private *rsa.PrivateKey
}

// tryPrivateKey attempts a PKCS#1 private key decode.
func tryPrivateKey(der []byte) (*rsa.PrivateKey, bool) {
	priv, err := x509.ParsePKCS1PrivateKey(der)
	return priv, err == nil
}

// tryPublicKey attempts a PKCS#1 public key decode.
func tryPublicKey(der []byte) (*rsa.PublicKey, bool) {
	pub, err := x509.ParsePKCS1PublicKey(der)
	return pub, err == nil
}

// decodeRSAKey decodes der as a private key first and falls back to a public key.
func decodeRSAKey(der []byte) (parsedKey, bool) {
	if priv, ok := tryPrivateKey(der); ok {
		return parsedKey{public: &priv.PublicKey, private: priv}, true
	}
	if pub, ok := tryPublicKey(der); ok {
		return parsedKey{public: pub}, true
	}
	return parsedKey{}, false
}

// ValidateKeySize checks that der holds a RequiredKeyBits RSA key.
// param names the offending argument in the error.
func ValidateKeySize(der []byte, param string) error {
	key, ok := decodeRSAKey(der)
	if !ok {
		return fmt.Errorf("%s: %w", param, ErrInvalidKey)
	}
	if bits := key.public.N.BitLen(); bits != RequiredKeyBits {
		return &KeySizeError{Param: param, Required: RequiredKeyBits, Actual: bits}
	}
	return nil
}

// Thumbprint returns the lowercase hex SHA-256 of the SubjectPublicKeyInfo
// encoding of the public half of der (private or public PKCS#1).
func Thumbprint(der []byte) (string, error) {
	key, ok := decodeRSAKey(der)
	if !ok {
		return "", ErrInvalidKey
	}
	spki, err := x509.MarshalPKIXPublicKey(key.public)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	sum := sha256.Sum256(spki)
	return hex.EncodeToString(sum[:]), nil
}

// PublicKeyDER returns the PKCS#1 public encoding for a PKCS#1 private or public key.
func PublicKeyDER(der []byte) ([]byte, error) {
	key, ok := decodeRSAKey(der)
	if !ok {
		return nil, ErrInvalidKey
	}
	return x509.MarshalPKCS1PublicKey(key.public), nil
}

// PublicKeyDERFromPEM converts an "RSA PUBLIC KEY" or "PUBLIC KEY" PEM
// block into a PKCS#1 public DER encoding, the form the bundler consumes.
func PublicKeyDERFromPEM(data []byte) ([]byte, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	switch block.Type {
	case "RSA PUBLIC KEY":
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse PKCS#1 public key: %w", err)
		}
		return x509.MarshalPKCS1PublicKey(pub), nil
	case "PUBLIC KEY":
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse PKIX public key: %w", err)
		}
		pub, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is %T, not RSA", parsed)
		}
		return x509.MarshalPKCS1PublicKey(pub), nil
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}

// PublicKeyPEM encodes a PKCS#1 public DER as an "RSA PUBLIC KEY" PEM block.
func PublicKeyPEM(der []byte) ([]byte, error) {
	pub, err := PublicKeyDER(der)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: pub}), nil
}

// LoadOrCreateRelayKey reads the relay's PKCS#8 DER private key from path,
// generating and persisting a new bits-sized key when the file does not
// exist. It returns the PKCS#1 private DER the bundler signs with.
func LoadOrCreateRelayKey(path string, bits int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		parsed, err := x509.ParsePKCS8PrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("parse relay key %s: %w", path, err)
		}
		priv, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("relay key %s is %T, not RSA", path, parsed)
		}
		return x509.MarshalPKCS1PrivateKey(priv), nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("read relay key: %w", err)
	}

	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate relay key: %w", err)
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal relay key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, pkcs8, 0600); err != nil {
		return nil, fmt.Errorf("write relay key: %w", err)
	}
	return x509.MarshalPKCS1PrivateKey(priv), nil
}
