package calr

import (
	"context"
	"io"
)

// truncater is implemented by streams that can drop stale trailing bytes (*os.File does).
type truncater interface {
	Truncate(size int64) error
}

// ctxReader fails every Read once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// ctxWriter fails every Write once ctx is done.
type ctxWriter struct {
	ctx context.Context
	w   io.Writer
}

func (c ctxWriter) Write(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.w.Write(p)
}

// ctxStream checks ctx at every read, write and seek of a seekable stream.
type ctxStream struct {
	ctx context.Context
	s   io.ReadWriteSeeker
}

func newCtxStream(ctx context.Context, s io.ReadWriteSeeker) *ctxStream {
	if cs, ok := s.(*ctxStream); ok && cs.ctx == ctx {
		return cs
	}
	return &ctxStream{ctx: ctx, s: s}
}

func (c *ctxStream) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.s.Read(p)
}

func (c *ctxStream) Write(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.s.Write(p)
}

func (c *ctxStream) Seek(offset int64, whence int) (int64, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.s.Seek(offset, whence)
}

// Truncate forwards to the wrapped stream when it supports truncation.
func (c *ctxStream) Truncate(size int64) error {
	t, ok := c.s.(truncater)
	if !ok {
		return nil
	}
	if err := c.ctx.Err(); err != nil {
		return err
	}
	return t.Truncate(size)
}

// position reports the current offset of s.
func position(s io.Seeker) (int64, error) {
	return s.Seek(0, io.SeekCurrent)
}
