package calr

import (
	"runtime"
	"time"
)

// Format versions written into every bundle.
const (
	EnvelopeVersion = "1.0"
	DocumentVersion = "1.0"
)

// Platform describes the host the relay runs on.
type Platform struct {
	Os           string `json:"Os"`
	Runtime      string `json:"Runtime"`
	Architecture string `json:"Architecture"`
}

// CurrentPlatform describes the running process.
func CurrentPlatform() Platform {
	return Platform{
		Os:           runtime.GOOS,
		Runtime:      runtime.Version(),
		Architecture: runtime.GOARCH,
	}
}

// RelayMetaData identifies the relay that produced a bundle.
type RelayMetaData struct {
	ID                   string   `json:"Id"`
	Version              string   `json:"Version"`
	Platform             Platform `json:"Platform"`
	PublicKeyFingerprint string   `json:"PublicKeyFingerprint"`
}

// Server identifies the recipient able to open a bundle.
type Server struct {
	PublicKeyFingerprint string `json:"PublicKeyFingerprint"`
}

// Encryption records how the payload was compressed and encrypted.
type Encryption struct {
	EncryptedKey            []byte `json:"EncryptedKey"`
	KeyEncryptionAlgorithm  string `json:"KeyEncryptionAlgorithm"`
	DataEncryptionAlgorithm string `json:"DataEncryptionAlgorithm"`
	CompressionAlgorithm    string `json:"CompressionAlgorithm"`
}

// Document is the signed metadata section of a bundle.
type Document struct {
	Version    string        `json:"Version"`
	Relay      RelayMetaData `json:"Relay"`
	Server     Server        `json:"Server"`
	Encryption Encryption    `json:"Encryption"`
	Timestamp  time.Time     `json:"Timestamp"`
	Nonce      []byte        `json:"Nonce"`
}

// Signature names the algorithm of the trailing signature. The signature
// bytes themselves live only in the bundle's last section.
type Signature struct {
	Algorithm string `json:"Algorithm"`
}

// Envelope wraps the document with format and signature information.
type Envelope struct {
	Version   string    `json:"Version"`
	Signature Signature `json:"Signature"`
}

// EventBundle is the JSON section of a bundle and the value Bundle returns.
type EventBundle struct {
	Envelope Envelope `json:"Envelope"`
	Document Document `json:"Document"`
}
