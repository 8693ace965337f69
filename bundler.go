package calr

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"
)

// ErrSignatureSize is returned when a signer emits a signature whose length
// differs from its declared SignatureSize.
var ErrSignatureSize = errors.New("signature length does not match declared size")

// NonceSize is the length of the random Document nonce.
const NonceSize = 32

// bundlePhase is the position of a bundleWriter in the layout
// [header][payload][json][signature].
type bundlePhase int

const (
	phaseReserve bundlePhase = iota
	phasePayload
	phaseMetadata
	phaseHeader
	phaseSign
	phaseSignature
	phaseDone
)

func (p bundlePhase) String() string {
	switch p {
	case phaseReserve:
		return "reserve"
	case phasePayload:
		return "payload"
	case phaseMetadata:
		return "metadata"
	case phaseHeader:
		return "header"
	case phaseSign:
		return "sign"
	case phaseSignature:
		return "signature"
	case phaseDone:
		return "done"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// bundleWriter lays a bundle out on a seekable stream. The header is
// written last, over a zeroed placeholder, once every length is known.
type bundleWriter struct {
	out              *ctxStream
	phase            bundlePhase
	startOfPayload   int64
	startOfJSON      int64
	startOfSignature int64
	signatureLength  uint16
}

func (w *bundleWriter) enter(p bundlePhase) error {
	if w.phase != p {
		return fmt.Errorf("bundle writer: %s step out of order (at %s)", p, w.phase)
	}
	return nil
}

// reserve zero-fills the header region at offset 0.
func (w *bundleWriter) reserve() error {
	if err := w.enter(phaseReserve); err != nil {
		return err
	}
	if _, err := w.out.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek header: %w", err)
	}
	if _, err := w.out.Write(make([]byte, HeaderSize)); err != nil {
		return fmt.Errorf("reserve header: %w", err)
	}
	w.startOfPayload = HeaderSize
	w.phase = phasePayload
	return nil
}

// payload runs fn with the stream positioned right after the header.
func (w *bundleWriter) payload(fn func(io.Writer) error) error {
	if err := w.enter(phasePayload); err != nil {
		return err
	}
	if err := fn(w.out); err != nil {
		return err
	}
	pos, err := position(w.out)
	if err != nil {
		return fmt.Errorf("payload end: %w", err)
	}
	w.startOfJSON = pos
	w.phase = phaseMetadata
	return nil
}

// metadata appends the JSON section.
func (w *bundleWriter) metadata(doc []byte) error {
	if err := w.enter(phaseMetadata); err != nil {
		return err
	}
	if uint64(len(doc)) > math.MaxUint32 {
		return fmt.Errorf("metadata too large: %d bytes", len(doc))
	}
	if _, err := w.out.Write(doc); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	pos, err := position(w.out)
	if err != nil {
		return fmt.Errorf("metadata end: %w", err)
	}
	w.startOfSignature = pos
	w.phase = phaseHeader
	return nil
}

// header backpatches the real header over the placeholder.
func (w *bundleWriter) header(signatureLength uint16) (BundleHeader, error) {
	if err := w.enter(phaseHeader); err != nil {
		return BundleHeader{}, err
	}
	h := NewBundleHeader(
		uint32(w.startOfSignature-w.startOfJSON),
		uint64(w.startOfJSON-w.startOfPayload),
		signatureLength,
	)
	if _, err := w.out.Seek(0, io.SeekStart); err != nil {
		return BundleHeader{}, fmt.Errorf("seek header: %w", err)
	}
	if _, err := h.WriteTo(w.out); err != nil {
		return BundleHeader{}, fmt.Errorf("write header: %w", err)
	}
	w.signatureLength = signatureLength
	w.phase = phaseSign
	return h, nil
}

// sign signs every byte before the signature section.
func (w *bundleWriter) sign(ctx context.Context, s Signer, privateKey []byte) ([]byte, error) {
	if err := w.enter(phaseSign); err != nil {
		return nil, err
	}
	if _, err := w.out.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek signed range: %w", err)
	}
	sig, err := s.Sign(ctx, privateKey, io.LimitReader(w.out, w.startOfSignature))
	if err != nil {
		return nil, fmt.Errorf("sign bundle: %w", err)
	}
	w.phase = phaseSignature
	return sig, nil
}

// signature appends sig and truncates anything past it.
func (w *bundleWriter) signature(sig []byte) error {
	if err := w.enter(phaseSignature); err != nil {
		return err
	}
	if len(sig) != int(w.signatureLength) {
		return fmt.Errorf("%w: got %d, declared %d", ErrSignatureSize, len(sig), w.signatureLength)
	}
	if _, err := w.out.Seek(w.startOfSignature, io.SeekStart); err != nil {
		return fmt.Errorf("seek signature: %w", err)
	}
	if _, err := w.out.Write(sig); err != nil {
		return fmt.Errorf("write signature: %w", err)
	}
	if err := w.out.Truncate(w.startOfSignature + int64(len(sig))); err != nil {
		return fmt.Errorf("truncate bundle: %w", err)
	}
	w.phase = phaseDone
	return nil
}

// Bundler assembles signed, encrypted event bundles.
// It is safe for concurrent use with independent streams.
type Bundler struct {
	packer  *Packer
	signers *Registry[Signer]
	logger  *slog.Logger

	now  func() time.Time
	rand io.Reader
}

// NewBundler returns a Bundler. A nil logger discards all output.
func NewBundler(packer *Packer, signers *Registry[Signer], logger *slog.Logger) *Bundler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bundler{
		packer:  packer,
		signers: signers,
		logger:  logger,
		now:     time.Now,
		rand:    rand.Reader,
	}
}

// NewDefaultBundler returns a Bundler over every built-in algorithm.
func NewDefaultBundler(logger *slog.Logger) *Bundler {
	return NewBundler(NewDefaultPacker(), DefaultSigners(), logger)
}

// BundleRequest carries the identity and key material of one Bundle call.
type BundleRequest struct {
	RelayID         string
	BuildVersion    string
	Platform        Platform
	RelayPrivateKey []byte // PKCS#1 RSAPrivateKey DER, 4096-bit
	ServerPublicKey []byte // PKCS#1 RSAPublicKey DER, 4096-bit
	Options         BundleOptions
}

// Bundle reads data to EOF and writes a complete bundle to out:
//
//	[header][ciphertext][json][signature]
//
// buffer is scratch space for the compressed payload. On error out holds
// an unspecified partial bundle and must be discarded.
func (b *Bundler) Bundle(ctx context.Context, out io.ReadWriteSeeker, data io.Reader, buffer io.ReadWriteSeeker, req BundleRequest) (*EventBundle, error) {
	opts := req.Options.WithDefaults()

	if err := ValidateKeySize(req.RelayPrivateKey, "relayPrivateKey"); err != nil {
		return nil, err
	}
	if err := ValidateKeySize(req.ServerPublicKey, "serverPublicKey"); err != nil {
		return nil, err
	}
	relayFingerprint, err := Thumbprint(req.RelayPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("relay thumbprint: %w", err)
	}
	serverFingerprint, err := Thumbprint(req.ServerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("server thumbprint: %w", err)
	}

	log := b.logger.With("relay_id", req.RelayID)
	log.Info("bundling events")
	log.Debug("bundle algorithms",
		"compression", opts.CompressionAlgorithm,
		"symmetric", opts.SymmetricEncryptionAlgorithm,
		"asymmetric", opts.AsymmetricEncryptionAlgorithm,
		"signing", opts.SigningAlgorithm,
	)

	w := &bundleWriter{out: newCtxStream(ctx, out)}
	if err := w.reserve(); err != nil {
		return nil, err
	}

	relay := RelayMetaData{
		ID:                   req.RelayID,
		Version:              req.BuildVersion,
		Platform:             req.Platform,
		PublicKeyFingerprint: relayFingerprint,
	}
	server := Server{PublicKeyFingerprint: serverFingerprint}

	var enc Encryption
	err = w.payload(func(payload io.Writer) error {
		var err error
		enc, err = b.packer.CompressAndEncrypt(ctx, req.ServerPublicKey, payload, data, buffer,
			opts.CompressionAlgorithm, opts.SymmetricEncryptionAlgorithm, opts.AsymmetricEncryptionAlgorithm)
		return err
	})
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(b.rand, nonce); err != nil {
		return nil, fmt.Errorf("document nonce: %w", err)
	}
	doc := Document{
		Version:    DocumentVersion,
		Relay:      relay,
		Server:     server,
		Encryption: enc,
		Timestamp:  b.now().UTC(),
		Nonce:      nonce,
	}

	signer, err := b.signers.Resolve(opts.SigningAlgorithm)
	if err != nil {
		return nil, err
	}
	bundle := &EventBundle{
		Envelope: Envelope{Version: EnvelopeVersion, Signature: Signature{Algorithm: signer.Name()}},
		Document: doc,
	}

	meta, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	if err := w.metadata(meta); err != nil {
		return nil, err
	}
	h, err := w.header(signer.SignatureSize())
	if err != nil {
		return nil, err
	}

	log.Debug("signing bundle", "algorithm", signer.Name(), "signed_bytes", w.startOfSignature)
	sig, err := w.sign(ctx, signer, req.RelayPrivateKey)
	if err != nil {
		return nil, err
	}
	if err := w.signature(sig); err != nil {
		return nil, err
	}

	log.Info("bundle written",
		"payload_bytes", h.PayloadLength,
		"json_bytes", h.JSONLength,
		"signature_bytes", h.SignatureLength,
	)
	return bundle, nil
}
