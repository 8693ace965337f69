package calr

import (
	"bytes"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/crypto/chacha20poly1305"
)

// testKeys holds RSA keys generated once per test binary.
type testKeys struct {
	relay       *rsa.PrivateKey
	server      *rsa.PrivateKey
	small       *rsa.PrivateKey
	relayDER    []byte // PKCS#1 private
	serverDER   []byte // PKCS#1 public
	smallPriv   []byte // PKCS#1 private, 2048-bit
	smallPublic []byte // PKCS#1 public, 2048-bit
}

var (
	keysOnce sync.Once
	keys     testKeys
	keysErr  error
)

func loadTestKeys(t testing.TB) testKeys {
	t.Helper()
	keysOnce.Do(func() {
		var k testKeys
		if k.relay, keysErr = rsa.GenerateKey(rand.Reader, 4096); keysErr != nil {
			return
		}
		if k.server, keysErr = rsa.GenerateKey(rand.Reader, 4096); keysErr != nil {
			return
		}
		if k.small, keysErr = rsa.GenerateKey(rand.Reader, 2048); keysErr != nil {
			return
		}
		k.relayDER = x509.MarshalPKCS1PrivateKey(k.relay)
		k.serverDER = x509.MarshalPKCS1PublicKey(&k.server.PublicKey)
		k.smallPriv = x509.MarshalPKCS1PrivateKey(k.small)
		k.smallPublic = x509.MarshalPKCS1PublicKey(&k.small.PublicKey)
		keys = k
	})
	if keysErr != nil {
		t.Fatalf("generate test keys: %v", keysErr)
	}
	return keys
}

// memStream is an in-memory io.ReadWriteSeeker with Truncate.
type memStream struct {
	buf []byte
	off int64
}

func (m *memStream) Read(p []byte) (int, error) {
	if m.off >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[m.off:])
	m.off += int64(n)
	return n, nil
}

func (m *memStream) Write(p []byte) (int, error) {
	end := m.off + int64(len(p))
	if end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[m.off:], p)
	m.off = end
	return len(p), nil
}

func (m *memStream) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = m.off + offset
	case io.SeekEnd:
		abs = int64(len(m.buf)) + offset
	default:
		return 0, errors.New("memStream: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("memStream: negative position")
	}
	m.off = abs
	return abs, nil
}

func (m *memStream) Truncate(size int64) error {
	if size < int64(len(m.buf)) {
		m.buf = m.buf[:size]
	}
	return nil
}

func (m *memStream) Bytes() []byte { return m.buf }

// plainStream hides Truncate so the non-truncating path is exercised.
type plainStream struct{ s *memStream }

func (p plainStream) Read(b []byte) (int, error)                   { return p.s.Read(b) }
func (p plainStream) Write(b []byte) (int, error)                  { return p.s.Write(b) }
func (p plainStream) Seek(offset int64, whence int) (int64, error) { return p.s.Seek(offset, whence) }

// parsedBundle is a bundle split into its sections.
type parsedBundle struct {
	header    BundleHeader
	payload   []byte
	json      []byte
	signature []byte
	signed    []byte
	bundle    EventBundle
}

func parseBundle(t testing.TB, raw []byte) parsedBundle {
	t.Helper()
	h, err := ReadHeader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if got, want := int64(len(raw)), h.TotalLength(); got != want {
		t.Fatalf("bundle is %d bytes, header describes %d", got, want)
	}
	p := parsedBundle{header: h}
	off := int64(HeaderSize)
	p.payload = raw[off : off+int64(h.PayloadLength)]
	off += int64(h.PayloadLength)
	p.json = raw[off : off+int64(h.JSONLength)]
	off += int64(h.JSONLength)
	p.signed = raw[:off]
	p.signature = raw[off:]
	if err := json.Unmarshal(p.json, &p.bundle); err != nil {
		t.Fatalf("decode bundle JSON: %v", err)
	}
	return p
}

// verifyPSS checks a bundle signature with the relay public key.
func verifyPSS(pub *rsa.PublicKey, signed, sig []byte) error {
	sum := sha256.Sum256(signed)
	return rsa.VerifyPSS(pub, crypto.SHA256, sum[:], sig, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
}

// decryptChunks reverses the chunked AEAD framing.
func decryptChunks(algorithm string, key, framed []byte) ([]byte, error) {
	var aead cipher.AEAD
	var err error
	switch algorithm {
	case SymmetricAES256GCMChunked:
		var block cipher.Block
		if block, err = aes.NewCipher(key); err == nil {
			aead, err = cipher.NewGCM(block)
		}
	case SymmetricChaCha20Poly1305Chunked:
		aead, err = chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("unknown algorithm %q", algorithm)
	}
	if err != nil {
		return nil, err
	}

	r := bytes.NewReader(framed)
	var u32 [4]byte
	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return nil, fmt.Errorf("read hint: %w", err)
	}
	if hint := chunkByteOrder.Uint32(u32[:]); hint != ChunkSize {
		return nil, fmt.Errorf("chunk hint %d", hint)
	}

	var plain []byte
	var counter uint64
	for {
		if _, err := io.ReadFull(r, u32[:]); err != nil {
			return nil, fmt.Errorf("read chunk length: %w", err)
		}
		n := chunkByteOrder.Uint32(u32[:])
		if n == 0 {
			break
		}
		nonce := make([]byte, ChunkNonceSize)
		tag := make([]byte, ChunkTagSize)
		ct := make([]byte, n)
		for _, part := range [][]byte{nonce, tag, ct} {
			if _, err := io.ReadFull(r, part); err != nil {
				return nil, fmt.Errorf("read chunk: %w", err)
			}
		}
		if got := chunkByteOrder.Uint64(nonce[chunkRandomPrefix:]); got != counter {
			return nil, fmt.Errorf("chunk counter %d, want %d", got, counter)
		}
		counter++
		out, err := aead.Open(nil, nonce, append(ct, tag...), nil)
		if err != nil {
			return nil, fmt.Errorf("open chunk %d: %w", counter-1, err)
		}
		plain = append(plain, out...)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d bytes after terminator", r.Len())
	}
	return plain, nil
}

// decompress reverses a registered compressor.
func decompress(algorithm string, data []byte) ([]byte, error) {
	var r io.Reader
	switch algorithm {
	case CompressionBrotli:
		r = brotli.NewReader(bytes.NewReader(data))
	case CompressionZstd:
		zr, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	case CompressionLZ4:
		r = lz4.NewReader(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("unknown algorithm %q", algorithm)
	}
	return io.ReadAll(r)
}

// openBundle recovers the original event data with the server private key.
func openBundle(t testing.TB, server *rsa.PrivateKey, p parsedBundle) []byte {
	t.Helper()
	enc := p.bundle.Document.Encryption
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, server, enc.EncryptedKey, nil)
	if err != nil {
		t.Fatalf("unwrap session key: %v", err)
	}
	compressed, err := decryptChunks(enc.DataEncryptionAlgorithm, key, p.payload)
	if err != nil {
		t.Fatalf("decrypt payload: %v", err)
	}
	plain, err := decompress(enc.CompressionAlgorithm, compressed)
	if err != nil {
		t.Fatalf("decompress payload: %v", err)
	}
	return plain
}

func randomBytes(t testing.TB, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatal(err)
	}
	return b
}
