package calr

import (
	"bytes"
	"context"
	"crypto/cipher"
	"errors"
	"testing"

	"golang.org/x/crypto/chacha20poly1305"
)

func TestChunkedAEAD_EmptyInput(t *testing.T) {
	for _, enc := range []SymmetricEncryptor{NewAES256GCMChunked(), NewChaCha20Poly1305Chunked()} {
		t.Run(enc.Name(), func(t *testing.T) {
			key, err := enc.GenerateKey()
			if err != nil {
				t.Fatal(err)
			}
			var out bytes.Buffer
			if err := enc.EncryptStream(context.Background(), bytes.NewReader(nil), &out, key); err != nil {
				t.Fatal(err)
			}
			if out.Len() != 8 {
				t.Fatalf("empty input produced %d bytes, want 8", out.Len())
			}
			if hint := chunkByteOrder.Uint32(out.Bytes()[:4]); hint != ChunkSize {
				t.Errorf("hint = %d, want %d", hint, ChunkSize)
			}
			if term := chunkByteOrder.Uint32(out.Bytes()[4:]); term != 0 {
				t.Errorf("terminator = %d, want 0", term)
			}
		})
	}
}

func TestChunkedAEAD_MultiChunk(t *testing.T) {
	for _, enc := range []SymmetricEncryptor{NewAES256GCMChunked(), NewChaCha20Poly1305Chunked()} {
		t.Run(enc.Name(), func(t *testing.T) {
			plain := randomBytes(t, 2*ChunkSize+100)
			key, err := enc.GenerateKey()
			if err != nil {
				t.Fatal(err)
			}
			keyCopy := append([]byte(nil), key...)

			var out bytes.Buffer
			if err := enc.EncryptStream(context.Background(), bytes.NewReader(plain), &out, key); err != nil {
				t.Fatal(err)
			}

			overhead := 4 + 4 + 3*(4+ChunkNonceSize+ChunkTagSize)
			if out.Len() != len(plain)+overhead {
				t.Fatalf("framed length %d, want %d", out.Len(), len(plain)+overhead)
			}

			// First chunk is full size, last carries the remainder.
			if n := chunkByteOrder.Uint32(out.Bytes()[4:8]); n != ChunkSize {
				t.Errorf("first chunk length %d, want %d", n, ChunkSize)
			}

			got, err := decryptChunks(enc.Name(), keyCopy, out.Bytes())
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, plain) {
				t.Fatal("decrypted payload differs from input")
			}
		})
	}
}

func TestChunkedAEAD_FreshNonceBytes(t *testing.T) {
	enc := NewAES256GCMChunked()
	key, _ := enc.GenerateKey()
	plain := randomBytes(t, 2*ChunkSize)

	var out bytes.Buffer
	if err := enc.EncryptStream(context.Background(), bytes.NewReader(plain), &out, key); err != nil {
		t.Fatal(err)
	}
	raw := out.Bytes()
	first := raw[8 : 8+ChunkNonceSize]
	second0 := 4 + (4 + ChunkNonceSize + ChunkTagSize + ChunkSize) + 4
	second := raw[second0 : second0+ChunkNonceSize]
	if bytes.Equal(first, second) {
		t.Fatal("two chunks share a nonce")
	}
	if chunkByteOrder.Uint64(first[chunkRandomPrefix:]) != 0 || chunkByteOrder.Uint64(second[chunkRandomPrefix:]) != 1 {
		t.Error("chunk counters are not 0 and 1")
	}
}

func TestChunkedAEAD_BadKey(t *testing.T) {
	enc := NewAES256GCMChunked()
	err := enc.EncryptStream(context.Background(), bytes.NewReader([]byte("x")), &bytes.Buffer{}, make([]byte, 16))
	if !errors.Is(err, ErrSessionKeySize) {
		t.Fatalf("expected ErrSessionKeySize, got %v", err)
	}
}

func TestChunkedAEAD_Cancelled(t *testing.T) {
	enc := NewAES256GCMChunked()
	key, _ := enc.GenerateKey()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := enc.EncryptStream(ctx, bytes.NewReader(randomBytes(t, 10)), &bytes.Buffer{}, key)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestGenerateKey_Random(t *testing.T) {
	enc := NewAES256GCMChunked()
	a, err := enc.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	b, err := enc.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != SessionKeySize || len(b) != SessionKeySize {
		t.Fatalf("key sizes %d, %d", len(a), len(b))
	}
	if bytes.Equal(a, b) {
		t.Error("two generated keys are equal")
	}
}

func TestChunkedAEAD_KeyCopyZeroed(t *testing.T) {
	var seen []byte
	enc := &chunkedAEAD{
		name: "capture",
		newAEAD: func(key []byte) (cipher.AEAD, error) {
			seen = key
			return chacha20poly1305.New(key)
		},
	}
	key := bytes.Repeat([]byte{0xA5}, SessionKeySize)

	var out bytes.Buffer
	if err := enc.EncryptStream(context.Background(), bytes.NewReader([]byte("events")), &out, key); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(key, bytes.Repeat([]byte{0xA5}, SessionKeySize)) {
		t.Error("caller's key was modified")
	}
	if len(seen) != SessionKeySize || !bytes.Equal(seen, make([]byte, SessionKeySize)) {
		t.Errorf("cipher key copy not zeroed: %x", seen)
	}

	seen = nil
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := enc.EncryptStream(ctx, bytes.NewReader([]byte("events")), &out, key); err == nil {
		t.Fatal("expected cancellation error")
	}
	if !bytes.Equal(seen, make([]byte, SessionKeySize)) {
		t.Errorf("cipher key copy not zeroed on error: %x", seen)
	}
}
