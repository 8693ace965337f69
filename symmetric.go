package calr

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Chunked AEAD framing constants.
const (
	SessionKeySize = 32
	ChunkSize      = 64 * 1024
	ChunkNonceSize = 12
	ChunkTagSize   = 16

	// chunkRandomPrefix is the random part of each chunk nonce; the
	// remaining 8 bytes carry the chunk counter.
	chunkRandomPrefix = 4
)

// chunkByteOrder is the byte order of every integer inside the payload
// sub-format. Readers must use the writer's native order; the outer
// BundleHeader is big-endian regardless.
var chunkByteOrder = binary.NativeEndian

// ErrSessionKeySize is returned when a session key is not SessionKeySize bytes.
var ErrSessionKeySize = errors.New("session key must be 32 bytes")

// SymmetricEncryptor encrypts a stream under a one-time session key.
type SymmetricEncryptor interface {
	Plugin
	// GenerateKey returns a fresh random session key.
	GenerateKey() ([]byte, error)
	// EncryptStream reads in to EOF and writes the chunked ciphertext to out.
	// It works on a private copy of key that is zeroed before it returns;
	// key itself stays owned by the caller.
	EncryptStream(ctx context.Context, in io.Reader, out io.Writer, key []byte) error
}

// chunkedAEAD implements the chunk framing:
//
//	[chunkSizeHint: 4]
//	repeated: [chunkLength: 4][nonce: 12][tag: 16][ciphertext: chunkLength]
//	[0: 4]
//
// Each nonce is 4 fresh random bytes followed by the 8-byte chunk counter.
type chunkedAEAD struct {
	name    string
	newAEAD func(key []byte) (cipher.AEAD, error)
}

// NewAES256GCMChunked returns the default chunked AES-256-GCM encryptor.
func NewAES256GCMChunked() SymmetricEncryptor {
	return &chunkedAEAD{
		name: SymmetricAES256GCMChunked,
		newAEAD: func(key []byte) (cipher.AEAD, error) {
			block, err := aes.NewCipher(key)
			if err != nil {
				return nil, err
			}
			return cipher.NewGCM(block)
		},
	}
}

// NewChaCha20Poly1305Chunked returns the ChaCha20-Poly1305 variant of the chunk framing.
func NewChaCha20Poly1305Chunked() SymmetricEncryptor {
	return &chunkedAEAD{
		name:    SymmetricChaCha20Poly1305Chunked,
		newAEAD: chacha20poly1305.New,
	}
}

func (c *chunkedAEAD) Name() string { return c.name }

func (*chunkedAEAD) GenerateKey() ([]byte, error) {
	key := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	return key, nil
}

func (c *chunkedAEAD) EncryptStream(ctx context.Context, in io.Reader, out io.Writer, key []byte) error {
	if len(key) != SessionKeySize {
		return ErrSessionKeySize
	}
	k := make([]byte, SessionKeySize)
	copy(k, key)
	defer zero(k)

	aead, err := c.newAEAD(k)
	if err != nil {
		return fmt.Errorf("%s: new cipher: %w", c.name, err)
	}
	if aead.NonceSize() != ChunkNonceSize || aead.Overhead() != ChunkTagSize {
		return fmt.Errorf("%s: unexpected nonce/tag size %d/%d", c.name, aead.NonceSize(), aead.Overhead())
	}

	in = ctxReader{ctx: ctx, r: in}
	out = ctxWriter{ctx: ctx, w: out}

	plain := make([]byte, ChunkSize)
	sealed := make([]byte, 0, ChunkSize+ChunkTagSize)
	var nonce [ChunkNonceSize]byte
	var lenBuf [4]byte
	defer func() {
		zero(plain)
		zero(sealed[:cap(sealed)])
		zero(nonce[:])
	}()

	chunkByteOrder.PutUint32(lenBuf[:], ChunkSize)
	if _, err := out.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("%s: write chunk size: %w", c.name, err)
	}

	var counter uint64
	for {
		n, rerr := io.ReadFull(in, plain)
		if n > 0 {
			chunkByteOrder.PutUint64(nonce[chunkRandomPrefix:], counter)
			counter++
			if _, err := io.ReadFull(rand.Reader, nonce[:chunkRandomPrefix]); err != nil {
				return fmt.Errorf("%s: chunk nonce: %w", c.name, err)
			}

			sealed = aead.Seal(sealed[:0], nonce[:], plain[:n], nil)
			ciphertext, tag := sealed[:n], sealed[n:]

			chunkByteOrder.PutUint32(lenBuf[:], uint32(n))
			for _, part := range [][]byte{lenBuf[:], nonce[:], tag, ciphertext} {
				if _, err := out.Write(part); err != nil {
					return fmt.Errorf("%s: write chunk: %w", c.name, err)
				}
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("%s: read chunk: %w", c.name, rerr)
		}
	}

	chunkByteOrder.PutUint32(lenBuf[:], 0)
	if _, err := out.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("%s: write terminator: %w", c.name, err)
	}
	return nil
}

// zero overwrites b with zeros.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
