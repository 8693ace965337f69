package calr

// Algorithm names are stable wire identifiers: they are persisted in the
// Encryption and Signature sections of every bundle.
const (
	// CompressionBrotli is the default compressor.
	CompressionBrotli = "Brotli"
	// CompressionZstd is zstd at its best-compression level.
	CompressionZstd = "Zstd"
	// CompressionLZ4 is the LZ4 frame format.
	CompressionLZ4 = "LZ4"

	// SymmetricAES256GCMChunked is chunked AES-256-GCM (default).
	SymmetricAES256GCMChunked = "AES-256-GCM-CHUNKED"
	// SymmetricChaCha20Poly1305Chunked uses the same chunk framing with ChaCha20-Poly1305.
	SymmetricChaCha20Poly1305Chunked = "CHACHA20-POLY1305-CHUNKED"

	// AsymmetricRSAOAEPSHA256 wraps session keys with RSA-OAEP and SHA-256.
	AsymmetricRSAOAEPSHA256 = "RSA-OAEP-SHA256"

	// SignerRSAPSSSHA256 signs bundles with RSA-PSS and SHA-256.
	SignerRSAPSSSHA256 = "RSA-PSS-SHA256"
)

// BundleOptions selects the algorithms used for one bundle.
type BundleOptions struct {
	SigningAlgorithm              string `yaml:"signing_algorithm" env:"CALR_SIGNING_ALGORITHM"`
	AsymmetricEncryptionAlgorithm string `yaml:"asymmetric_encryption_algorithm" env:"CALR_ASYMMETRIC_ALGORITHM"`
	SymmetricEncryptionAlgorithm  string `yaml:"symmetric_encryption_algorithm" env:"CALR_SYMMETRIC_ALGORITHM"`
	CompressionAlgorithm          string `yaml:"compression_algorithm" env:"CALR_COMPRESSION_ALGORITHM"`
}

// DefaultBundleOptions returns the algorithm choice used when none is configured.
func DefaultBundleOptions() BundleOptions {
	return BundleOptions{
		SigningAlgorithm:              SignerRSAPSSSHA256,
		AsymmetricEncryptionAlgorithm: AsymmetricRSAOAEPSHA256,
		SymmetricEncryptionAlgorithm:  SymmetricAES256GCMChunked,
		CompressionAlgorithm:          CompressionBrotli,
	}
}

// WithDefaults fills every empty field from DefaultBundleOptions.
func (o BundleOptions) WithDefaults() BundleOptions {
	def := DefaultBundleOptions()
	if o.SigningAlgorithm == "" {
		o.SigningAlgorithm = def.SigningAlgorithm
	}
	if o.AsymmetricEncryptionAlgorithm == "" {
		o.AsymmetricEncryptionAlgorithm = def.AsymmetricEncryptionAlgorithm
	}
	if o.SymmetricEncryptionAlgorithm == "" {
		o.SymmetricEncryptionAlgorithm = def.SymmetricEncryptionAlgorithm
	}
	if o.CompressionAlgorithm == "" {
		o.CompressionAlgorithm = def.CompressionAlgorithm
	}
	return o
}
