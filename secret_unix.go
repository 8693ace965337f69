//go:build unix

package calr

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// lockedBuffer holds key material outside the Go heap: mmap'd, mlock'd so it
// never reaches swap, and zeroed before it is unmapped.
type lockedBuffer struct {
	data   []byte
	closed bool
}

// newLockedBuffer copies src into locked memory and zeroes src.
func newLockedBuffer(src []byte) (*lockedBuffer, error) {
	if len(src) == 0 {
		return nil, fmt.Errorf("secret: empty key material")
	}
	defer zero(src)

	data, err := unix.Mmap(-1, 0, len(src), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap: %w", err)
	}
	// Best effort: RLIMIT_MEMLOCK can be tiny in containers. The buffer
	// stays off-heap and is zeroed on close either way.
	_ = unix.Mlock(data)
	copy(data, src)
	return &lockedBuffer{data: data}, nil
}

// Bytes returns the key material. It panics after Close.
func (b *lockedBuffer) Bytes() []byte {
	if b.closed {
		panic("secret: read from closed buffer")
	}
	return b.data
}

// Close zeroes, unlocks and unmaps the buffer. Idempotent.
func (b *lockedBuffer) Close() error {
	if b == nil || b.closed {
		return nil
	}
	b.closed = true
	zero(b.data)
	_ = unix.Munlock(b.data)
	err := unix.Munmap(b.data)
	b.data = nil
	if err != nil {
		return fmt.Errorf("secret: munmap: %w", err)
	}
	return nil
}
