package calr

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrEmptyAlgorithm is returned when an algorithm name is missing.
var ErrEmptyAlgorithm = errors.New("algorithm name must not be empty")

// Packer compresses a data stream and encrypts it under a fresh session key
// wrapped for one recipient.
type Packer struct {
	compressors *Registry[Compressor]
	symmetric   *Registry[SymmetricEncryptor]
	asymmetric  *Registry[AsymmetricEncryptor]
}

// NewPacker returns a Packer resolving plugins from the given registries.
func NewPacker(compressors *Registry[Compressor], symmetric *Registry[SymmetricEncryptor], asymmetric *Registry[AsymmetricEncryptor]) *Packer {
	return &Packer{
		compressors: compressors,
		symmetric:   symmetric,
		asymmetric:  asymmetric,
	}
}

// NewDefaultPacker returns a Packer over every built-in algorithm.
func NewDefaultPacker() *Packer {
	return NewPacker(DefaultCompressors(), DefaultSymmetricEncryptors(), DefaultAsymmetricEncryptors())
}

// CompressAndEncrypt compresses data into buffer, then writes the chunked
// ciphertext of buffer to out. buffer is overwritten from offset 0.
func (p *Packer) CompressAndEncrypt(
	ctx context.Context,
	recipientPublicKey []byte,
	out io.Writer,
	data io.Reader,
	buffer io.ReadWriteSeeker,
	compression, symmetric, asymmetric string,
) (Encryption, error) {
	for _, a := range []struct{ param, name string }{
		{"compression", compression},
		{"symmetric", symmetric},
		{"asymmetric", asymmetric},
	} {
		if a.name == "" {
			return Encryption{}, fmt.Errorf("%s: %w", a.param, ErrEmptyAlgorithm)
		}
	}

	compressor, err := p.compressors.Resolve(compression)
	if err != nil {
		return Encryption{}, err
	}
	encryptor, err := p.symmetric.Resolve(symmetric)
	if err != nil {
		return Encryption{}, err
	}
	wrapper, err := p.asymmetric.Resolve(asymmetric)
	if err != nil {
		return Encryption{}, err
	}

	scratch, err := newScratchBuffer(buffer)
	if err != nil {
		return Encryption{}, fmt.Errorf("prepare buffer: %w", err)
	}
	if err := compressor.Compress(ctx, data, scratch); err != nil {
		return Encryption{}, fmt.Errorf("compress: %w", err)
	}

	raw, err := encryptor.GenerateKey()
	if err != nil {
		return Encryption{}, err
	}
	key, err := newLockedBuffer(raw)
	if err != nil {
		return Encryption{}, fmt.Errorf("lock session key: %w", err)
	}
	defer key.Close()

	wrapped, err := wrapper.EncryptSessionKey(recipientPublicKey, key.Bytes())
	if err != nil {
		return Encryption{}, fmt.Errorf("wrap session key: %w", err)
	}

	if err := encryptor.EncryptStream(ctx, scratch, out, key.Bytes()); err != nil {
		return Encryption{}, fmt.Errorf("encrypt payload: %w", err)
	}

	return Encryption{
		EncryptedKey:            wrapped,
		KeyEncryptionAlgorithm:  wrapper.Name(),
		DataEncryptionAlgorithm: encryptor.Name(),
		CompressionAlgorithm:    compressor.Name(),
	}, nil
}

// scratchBuffer bounds reads of a reused buffer to the bytes written since
// it was last truncated, so bytes left over from an earlier, longer call are
// never read back even when the underlying stream cannot truncate.
type scratchBuffer struct {
	s    io.ReadWriteSeeker
	pos  int64
	size int64
}

// newScratchBuffer rewinds s and treats everything in it as stale.
func newScratchBuffer(s io.ReadWriteSeeker) (*scratchBuffer, error) {
	if _, err := s.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return &scratchBuffer{s: s}, nil
}

func (b *scratchBuffer) Read(p []byte) (int, error) {
	if b.pos >= b.size {
		return 0, io.EOF
	}
	if rest := b.size - b.pos; int64(len(p)) > rest {
		p = p[:rest]
	}
	n, err := b.s.Read(p)
	b.pos += int64(n)
	return n, err
}

func (b *scratchBuffer) Write(p []byte) (int, error) {
	n, err := b.s.Write(p)
	b.pos += int64(n)
	if b.pos > b.size {
		b.size = b.pos
	}
	return n, err
}

func (b *scratchBuffer) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = b.pos + offset
	case io.SeekEnd:
		abs = b.size + offset
	default:
		return 0, fmt.Errorf("scratch buffer: invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("scratch buffer: negative position %d", abs)
	}
	if _, err := b.s.Seek(abs, io.SeekStart); err != nil {
		return 0, err
	}
	b.pos = abs
	return abs, nil
}

// Truncate shrinks the readable region and forwards to the underlying
// stream when it can truncate.
func (b *scratchBuffer) Truncate(size int64) error {
	if t, ok := b.s.(truncater); ok {
		if err := t.Truncate(size); err != nil {
			return err
		}
	}
	if size < b.size {
		b.size = size
	}
	return nil
}
