package calr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Bundle header layout (big-endian):
//
//	[0:4]   magic "CALR"
//	[4]     format version
//	[5:8]   reserved
//	[8:12]  JSON length
//	[12:20] payload length
//	[20:22] signature length
const (
	HeaderSize    = 22
	Magic         = 0x43414C52 // "CALR"
	FormatVersion = 0x01
)

var (
	// ErrInvalidMagic is returned when a header does not start with Magic.
	ErrInvalidMagic = errors.New("invalid bundle magic number")
	// ErrUnsupportedVersion is returned for any format version other than FormatVersion.
	ErrUnsupportedVersion = errors.New("unsupported bundle version")
)

// BundleHeader is the fixed-size record at offset 0 of every bundle.
type BundleHeader struct {
	MagicNumber     uint32
	Version         uint8
	Reserved        [3]byte
	JSONLength      uint32
	PayloadLength   uint64
	SignatureLength uint16
}

// NewBundleHeader returns a current-version header with the given section lengths.
func NewBundleHeader(jsonLength uint32, payloadLength uint64, signatureLength uint16) BundleHeader {
	return BundleHeader{
		MagicNumber:     Magic,
		Version:         FormatVersion,
		JSONLength:      jsonLength,
		PayloadLength:   payloadLength,
		SignatureLength: signatureLength,
	}
}

// MarshalBinary encodes the header into HeaderSize bytes.
func (h BundleHeader) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.MagicNumber)
	buf[4] = h.Version
	copy(buf[5:8], h.Reserved[:])
	binary.BigEndian.PutUint32(buf[8:12], h.JSONLength)
	binary.BigEndian.PutUint64(buf[12:20], h.PayloadLength)
	binary.BigEndian.PutUint16(buf[20:22], h.SignatureLength)
	return buf, nil
}

// UnmarshalBinary decodes and validates a header.
func (h *BundleHeader) UnmarshalBinary(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("short header: %d of %d bytes", len(buf), HeaderSize)
	}
	var out BundleHeader
	out.MagicNumber = binary.BigEndian.Uint32(buf[0:4])
	out.Version = buf[4]
	copy(out.Reserved[:], buf[5:8])
	out.JSONLength = binary.BigEndian.Uint32(buf[8:12])
	out.PayloadLength = binary.BigEndian.Uint64(buf[12:20])
	out.SignatureLength = binary.BigEndian.Uint16(buf[20:22])

	if out.MagicNumber != Magic {
		return ErrInvalidMagic
	}
	if out.Version != FormatVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, out.Version)
	}
	*h = out
	return nil
}

// WriteTo writes the encoded header to w.
func (h BundleHeader) WriteTo(w io.Writer) (int64, error) {
	buf, _ := h.MarshalBinary()
	n, err := w.Write(buf)
	if err == nil && n != len(buf) {
		err = io.ErrShortWrite
	}
	return int64(n), err
}

// ReadHeader reads exactly HeaderSize bytes from r and validates them.
func ReadHeader(r io.Reader) (BundleHeader, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return BundleHeader{}, fmt.Errorf("read header: %w", err)
	}
	var h BundleHeader
	if err := h.UnmarshalBinary(buf); err != nil {
		return BundleHeader{}, err
	}
	return h, nil
}

// TotalLength is the size of the complete bundle the header describes.
func (h BundleHeader) TotalLength() int64 {
	return HeaderSize + int64(h.PayloadLength) + int64(h.JSONLength) + int64(h.SignatureLength)
}
