package calr

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

// recordingEncryptor records that it was handed a key.
type recordingEncryptor struct {
	SymmetricEncryptor
	key []byte
	err error
}

func (r *recordingEncryptor) EncryptStream(ctx context.Context, in io.Reader, out io.Writer, key []byte) error {
	r.key = append([]byte(nil), key...)
	if r.err != nil {
		return r.err
	}
	return r.SymmetricEncryptor.EncryptStream(ctx, in, out, key)
}

func TestPacker_EmptyAlgorithmNames(t *testing.T) {
	k := loadTestKeys(t)
	p := NewDefaultPacker()

	tests := []struct {
		name                   string
		comp, sym, asym, param string
	}{
		{"compression", "", SymmetricAES256GCMChunked, AsymmetricRSAOAEPSHA256, "compression"},
		{"symmetric", CompressionBrotli, "", AsymmetricRSAOAEPSHA256, "symmetric"},
		{"asymmetric", CompressionBrotli, SymmetricAES256GCMChunked, "", "asymmetric"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			_, err := p.CompressAndEncrypt(context.Background(), k.serverDER, &out, strings.NewReader("x"), &memStream{},
				tt.comp, tt.sym, tt.asym)
			if !errors.Is(err, ErrEmptyAlgorithm) {
				t.Fatalf("expected ErrEmptyAlgorithm, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.param) {
				t.Errorf("message %q does not name %q", err, tt.param)
			}
			if out.Len() != 0 {
				t.Error("output written before validation failed")
			}
		})
	}
}

func TestPacker_UnknownAlgorithm(t *testing.T) {
	k := loadTestKeys(t)
	_, err := NewDefaultPacker().CompressAndEncrypt(context.Background(), k.serverDER, &bytes.Buffer{},
		strings.NewReader("x"), &memStream{}, "Gzip", SymmetricAES256GCMChunked, AsymmetricRSAOAEPSHA256)
	if !errors.Is(err, ErrUnimplementedAlgorithm) {
		t.Fatalf("expected ErrUnimplementedAlgorithm, got %v", err)
	}
}

func TestPacker_RoundTrip(t *testing.T) {
	k := loadTestKeys(t)
	data := bytes.Repeat([]byte("event line\n"), 1000)

	for _, sym := range DefaultSymmetricEncryptors().Names() {
		for _, comp := range DefaultCompressors().Names() {
			t.Run(sym+"/"+comp, func(t *testing.T) {
				var out bytes.Buffer
				enc, err := NewDefaultPacker().CompressAndEncrypt(context.Background(), k.serverDER, &out,
					bytes.NewReader(data), &memStream{}, comp, sym, AsymmetricRSAOAEPSHA256)
				if err != nil {
					t.Fatal(err)
				}
				if enc.CompressionAlgorithm != comp || enc.DataEncryptionAlgorithm != sym ||
					enc.KeyEncryptionAlgorithm != AsymmetricRSAOAEPSHA256 {
					t.Errorf("unexpected Encryption %+v", enc)
				}
				got := openBundle(t, k.server, parsedBundle{
					payload: out.Bytes(),
					bundle:  EventBundle{Document: Document{Encryption: enc}},
				})
				if !bytes.Equal(got, data) {
					t.Fatal("round trip mismatch")
				}
			})
		}
	}
}

func TestPacker_EncryptFailure(t *testing.T) {
	k := loadTestKeys(t)
	boom := errors.New("boom")
	rec := &recordingEncryptor{SymmetricEncryptor: NewAES256GCMChunked(), err: boom}
	p := NewPacker(DefaultCompressors(),
		NewRegistry[SymmetricEncryptor](CapabilitySymmetricEncryptor, rec),
		DefaultAsymmetricEncryptors())

	_, err := p.CompressAndEncrypt(context.Background(), k.serverDER, &bytes.Buffer{},
		strings.NewReader("secret events"), &memStream{},
		CompressionBrotli, SymmetricAES256GCMChunked, AsymmetricRSAOAEPSHA256)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped boom, got %v", err)
	}
	if rec.key == nil {
		t.Fatal("encryptor was not called")
	}
}

func TestPacker_WrapFailure(t *testing.T) {
	_, err := NewDefaultPacker().CompressAndEncrypt(context.Background(), []byte("bad key"), &bytes.Buffer{},
		strings.NewReader("x"), &memStream{}, CompressionBrotli, SymmetricAES256GCMChunked, AsymmetricRSAOAEPSHA256)
	if err == nil || !strings.Contains(err.Error(), "wrap session key") {
		t.Fatalf("expected wrap error, got %v", err)
	}
}

func TestPacker_StaleBufferNotEncrypted(t *testing.T) {
	k := loadTestKeys(t)
	data := []byte("hello")

	for _, comp := range DefaultCompressors().Names() {
		t.Run(comp, func(t *testing.T) {
			stale := &memStream{buf: bytes.Repeat([]byte{0xEE}, 200*1024)}
			var out bytes.Buffer
			enc, err := NewDefaultPacker().CompressAndEncrypt(context.Background(), k.serverDER, &out,
				bytes.NewReader(data), plainStream{stale}, comp, SymmetricAES256GCMChunked, AsymmetricRSAOAEPSHA256)
			if err != nil {
				t.Fatal(err)
			}
			if out.Len() > 1024 {
				t.Fatalf("payload is %d bytes for a %d byte input", out.Len(), len(data))
			}
			got := openBundle(t, k.server, parsedBundle{
				payload: out.Bytes(),
				bundle:  EventBundle{Document: Document{Encryption: enc}},
			})
			if !bytes.Equal(got, data) {
				t.Fatalf("decrypted %q, want %q", got, data)
			}
		})
	}
}

func TestScratchBuffer(t *testing.T) {
	under := &memStream{buf: []byte("stale stale stale")}
	b, err := newScratchBuffer(plainStream{under})
	if err != nil {
		t.Fatal(err)
	}
	if n, err := b.Read(make([]byte, 4)); n != 0 || err != io.EOF {
		t.Fatalf("fresh buffer read %d, %v", n, err)
	}

	if _, err := b.Write([]byte("new")); err != nil {
		t.Fatal(err)
	}
	if end, _ := b.Seek(0, io.SeekEnd); end != 3 {
		t.Errorf("SeekEnd = %d, want 3", end)
	}
	if _, err := b.Seek(0, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "new" {
		t.Errorf("read back %q, want %q", got, "new")
	}

	if err := b.Truncate(0); err != nil {
		t.Fatal(err)
	}
	_, _ = b.Seek(0, io.SeekStart)
	if got, _ := io.ReadAll(b); len(got) != 0 {
		t.Errorf("read %q after truncate", got)
	}

	trunc := &memStream{buf: []byte("stale")}
	tb, _ := newScratchBuffer(trunc)
	if err := tb.Truncate(0); err != nil {
		t.Fatal(err)
	}
	if len(trunc.Bytes()) != 0 {
		t.Errorf("truncate not forwarded: %q", trunc.Bytes())
	}
}
