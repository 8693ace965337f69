//go:build !unix

package calr

import "fmt"

// lockedBuffer falls back to a heap copy that is zeroed on Close.
type lockedBuffer struct {
	data   []byte
	closed bool
}

func newLockedBuffer(src []byte) (*lockedBuffer, error) {
	if len(src) == 0 {
		return nil, fmt.Errorf("secret: empty key material")
	}
	defer zero(src)
	data := make([]byte, len(src))
	copy(data, src)
	return &lockedBuffer{data: data}, nil
}

func (b *lockedBuffer) Bytes() []byte {
	if b.closed {
		panic("secret: read from closed buffer")
	}
	return b.data
}

func (b *lockedBuffer) Close() error {
	if b == nil || b.closed {
		return nil
	}
	b.closed = true
	zero(b.data)
	b.data = nil
	return nil
}
