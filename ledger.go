package calr

import (
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// Receipt is the ledger entry recorded for every bundle written to disk.
type Receipt struct {
	Index    uint64
	TS       int64 // unix nanos
	BundleID string
	Source   string
	Output   string

	RelayID           string
	RelayFingerprint  string
	ServerFingerprint string

	CompressionAlgorithm string
	SymmetricAlgorithm   string
	AsymmetricAlgorithm  string
	SigningAlgorithm     string

	PayloadLength   uint64
	JSONLength      uint32
	SignatureLength uint16

	ContentHash [32]byte // BLAKE3 of the whole artifact
	Tag         [32]byte // chain tag over this and every earlier receipt
}

// TailState is the index and chain tag of the last stored receipt.
type TailState struct {
	Index uint64
	Tag   [32]byte
}

// ReceiptStore persists receipts and the chain tail.
type ReceiptStore interface {
	// Append stores r and advances the tail to it. r.Index must follow the
	// current tail index.
	Append(r Receipt) error
	Iter(startIdx uint64) (<-chan Receipt, func() error, error)
	Tail() (TailState, bool, error)
	Close() error
}

// Ledger appends hash-chained receipts to a ReceiptStore.
// It is safe for concurrent use.
type Ledger struct {
	mu    sync.Mutex
	i     uint64
	tag   [32]byte
	store ReceiptStore
}

// OpenLedger binds a ledger to st and resumes from its stored tail.
func OpenLedger(st ReceiptStore) (*Ledger, error) {
	tail, ok, err := st.Tail()
	if err != nil {
		return nil, fmt.Errorf("read ledger tail: %w", err)
	}
	l := &Ledger{store: st}
	if ok {
		l.i = tail.Index
		l.tag = tail.Tag
	}
	return l, nil
}

// Record assigns the next index, timestamp and chain tag to rc and persists it.
//
//	first receipt: Tag_1 = H(d_1)
//	afterwards:    Tag_i = H(Tag_{i-1} || d_i)
//
// where d_i is the SHA-256 of the receipt's protobuf encoding without its tag.
func (l *Ledger) Record(rc Receipt, ts time.Time) (Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rc.Index = l.i + 1
	rc.TS = ts.UnixNano()
	if rc.BundleID == "" {
		rc.BundleID = uuid.NewString()
	}

	d, err := receiptDigest(rc)
	if err != nil {
		return Receipt{}, err
	}
	if rc.Index == 1 {
		rc.Tag = htag(d)
	} else {
		rc.Tag = fold(l.tag, d)
	}

	if err := l.store.Append(rc); err != nil {
		return Receipt{}, err
	}
	l.i = rc.Index
	l.tag = rc.Tag
	return rc, nil
}

// LastState returns the index and tag of the newest receipt.
func (l *Ledger) LastState() TailState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return TailState{Index: l.i, Tag: l.tag}
}

// Close closes the underlying store.
func (l *Ledger) Close() error {
	return l.store.Close()
}

// receiptDigest hashes the tagless protobuf encoding of r.
func receiptDigest(r Receipt) ([32]byte, error) {
	r.Tag = [32]byte{}
	b, err := MarshalReceipt(r)
	if err != nil {
		return [32]byte{}, fmt.Errorf("encode receipt: %w", err)
	}
	return sha256.Sum256(b), nil
}

func htag(d [32]byte) [32]byte {
	return sha256.Sum256(d[:])
}

func fold(prev, d [32]byte) [32]byte {
	h := sha256.New()
	_, _ = h.Write(prev[:])
	_, _ = h.Write(d[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ArtifactSummary describes a finished bundle on disk.
type ArtifactSummary struct {
	Header      BundleHeader
	Size        int64
	ContentHash [32]byte
}

// SummarizeArtifact validates the header of the bundle in r, checks that the
// stream length matches it and hashes the whole artifact with BLAKE3.
func SummarizeArtifact(r io.ReadSeeker) (ArtifactSummary, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return ArtifactSummary{}, fmt.Errorf("seek artifact: %w", err)
	}
	h, err := ReadHeader(r)
	if err != nil {
		return ArtifactSummary{}, err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return ArtifactSummary{}, fmt.Errorf("seek artifact: %w", err)
	}
	hasher := blake3.New()
	n, err := io.Copy(hasher, r)
	if err != nil {
		return ArtifactSummary{}, fmt.Errorf("hash artifact: %w", err)
	}
	if n != h.TotalLength() {
		return ArtifactSummary{}, fmt.Errorf("artifact is %d bytes, header describes %d", n, h.TotalLength())
	}
	var sum ArtifactSummary
	sum.Header = h
	sum.Size = n
	copy(sum.ContentHash[:], hasher.Sum(nil))
	return sum, nil
}

// NewReceipt builds the untagged receipt for a finished bundle.
func NewReceipt(bundle *EventBundle, sum ArtifactSummary, source, output string) Receipt {
	doc := bundle.Document
	return Receipt{
		Source:               source,
		Output:               output,
		RelayID:              doc.Relay.ID,
		RelayFingerprint:     doc.Relay.PublicKeyFingerprint,
		ServerFingerprint:    doc.Server.PublicKeyFingerprint,
		CompressionAlgorithm: doc.Encryption.CompressionAlgorithm,
		SymmetricAlgorithm:   doc.Encryption.DataEncryptionAlgorithm,
		AsymmetricAlgorithm:  doc.Encryption.KeyEncryptionAlgorithm,
		SigningAlgorithm:     bundle.Envelope.Signature.Algorithm,
		PayloadLength:        sum.Header.PayloadLength,
		JSONLength:           sum.Header.JSONLength,
		SignatureLength:      sum.Header.SignatureLength,
		ContentHash:          sum.ContentHash,
	}
}
