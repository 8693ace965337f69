package calr

import (
	"context"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compressor turns a data stream into a self-delimiting compressed stream.
type Compressor interface {
	Plugin
	// Compress consumes data and writes the compressed form into buffer,
	// leaving buffer positioned at offset 0 for the next stage.
	Compress(ctx context.Context, data io.Reader, buffer io.ReadWriteSeeker) error
}

// streamCompressor adapts any io.WriteCloser-producing codec to Compressor.
type streamCompressor struct {
	name      string
	newWriter func(w io.Writer) (io.WriteCloser, error)
}

func (c *streamCompressor) Name() string { return c.name }

func (c *streamCompressor) Compress(ctx context.Context, data io.Reader, buffer io.ReadWriteSeeker) error {
	if err := rewindAndTruncate(buffer); err != nil {
		return fmt.Errorf("%s: prepare buffer: %w", c.name, err)
	}

	zw, err := c.newWriter(ctxWriter{ctx: ctx, w: buffer})
	if err != nil {
		return fmt.Errorf("%s: new writer: %w", c.name, err)
	}
	if _, err := io.Copy(zw, ctxReader{ctx: ctx, r: data}); err != nil {
		_ = zw.Close()
		return fmt.Errorf("%s: compress: %w", c.name, err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("%s: flush: %w", c.name, err)
	}

	if _, err := buffer.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%s: rewind buffer: %w", c.name, err)
	}
	return nil
}

// rewindAndTruncate readies a reused buffer so that stale bytes from an
// earlier call never reach the encryptor.
func rewindAndTruncate(s io.Seeker) error {
	if _, err := s.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if t, ok := s.(truncater); ok {
		return t.Truncate(0)
	}
	return nil
}

// NewBrotliCompressor returns the Brotli compressor at maximum quality.
func NewBrotliCompressor() Compressor {
	return &streamCompressor{
		name: CompressionBrotli,
		newWriter: func(w io.Writer) (io.WriteCloser, error) {
			return brotli.NewWriterLevel(w, brotli.BestCompression), nil
		},
	}
}

// NewZstdCompressor returns a zstd compressor at its best-compression level.
func NewZstdCompressor() Compressor {
	return &streamCompressor{
		name: CompressionZstd,
		newWriter: func(w io.Writer) (io.WriteCloser, error) {
			return zstd.NewWriter(w,
				zstd.WithEncoderLevel(zstd.SpeedBestCompression),
				zstd.WithEncoderConcurrency(1),
			)
		},
	}
}

// NewLZ4Compressor returns an LZ4 frame compressor at level 9.
func NewLZ4Compressor() Compressor {
	return &streamCompressor{
		name: CompressionLZ4,
		newWriter: func(w io.Writer) (io.WriteCloser, error) {
			zw := lz4.NewWriter(w)
			if err := zw.Apply(
				lz4.CompressionLevelOption(lz4.Level9),
				lz4.ConcurrencyOption(1),
			); err != nil {
				return nil, err
			}
			return zw, nil
		},
	}
}
