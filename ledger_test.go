package calr

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"
)

//revive:disable:cyclomatic High complexity acceptable in tests
//revive:disable:function-length Long test functions are acceptable

func sampleReceipt(i int) Receipt {
	r := Receipt{
		Source:               filepath.Join("/data/source-groups", "events-"+string(rune('a'+i))+".log"),
		Output:               filepath.Join("/data/out", "events-"+string(rune('a'+i))+".calr"),
		RelayID:              "relay-01",
		RelayFingerprint:     "aa",
		ServerFingerprint:    "bb",
		CompressionAlgorithm: CompressionBrotli,
		SymmetricAlgorithm:   SymmetricAES256GCMChunked,
		AsymmetricAlgorithm:  AsymmetricRSAOAEPSHA256,
		SigningAlgorithm:     SignerRSAPSSSHA256,
		PayloadLength:        uint64(1000 + i),
		JSONLength:           900,
		SignatureLength:      512,
	}
	r.ContentHash[0] = byte(i)
	return r
}

// openStores returns one fresh store per backend.
func openStores(t *testing.T) map[string]ReceiptStore {
	t.Helper()
	fs, err := OpenFileStore(filepath.Join(t.TempDir(), "ledger"))
	if err != nil {
		t.Fatalf("OpenFileStore failed: %v", err)
	}
	sq, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() {
		_ = fs.Close()
		_ = sq.Close()
	})
	return map[string]ReceiptStore{"file": fs, "sqlite": sq}
}

func TestLedger_RecordAndVerify(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ledger, err := OpenLedger(store)
			if err != nil {
				t.Fatal(err)
			}

			var last Receipt
			for i := range 5 {
				rc, err := ledger.Record(sampleReceipt(i), time.Unix(1700000000, int64(i)))
				if err != nil {
					t.Fatalf("Record %d: %v", i, err)
				}
				if rc.Index != uint64(i+1) {
					t.Errorf("index %d, want %d", rc.Index, i+1)
				}
				if rc.BundleID == "" {
					t.Error("bundle id not assigned")
				}
				last = rc
			}

			state := ledger.LastState()
			if state.Index != 5 || state.Tag != last.Tag {
				t.Errorf("LastState = %+v", state)
			}

			receipts, err := ReadReceipts(store, 1)
			if err != nil {
				t.Fatal(err)
			}
			if len(receipts) != 5 {
				t.Fatalf("read %d receipts, want 5", len(receipts))
			}
			tag, err := VerifyReceipts(receipts)
			if err != nil {
				t.Fatalf("VerifyReceipts: %v", err)
			}
			if tag != last.Tag {
				t.Error("verified tag differs from last recorded tag")
			}

			tail, err := VerifyStore(store)
			if err != nil {
				t.Fatalf("VerifyStore: %v", err)
			}
			if tail.Index != 5 {
				t.Errorf("tail index %d", tail.Index)
			}

			from3, err := ReadReceipts(store, 3)
			if err != nil {
				t.Fatal(err)
			}
			if len(from3) != 3 || from3[0].Index != 3 {
				t.Errorf("ReadReceipts(3) returned %d receipts starting at %d", len(from3), from3[0].Index)
			}
		})
	}
}

func TestLedger_ResumeFromTail(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ledger")

	store, err := OpenFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	ledger, err := OpenLedger(store)
	if err != nil {
		t.Fatal(err)
	}
	for i := range 3 {
		if _, err := ledger.Record(sampleReceipt(i), time.Now()); err != nil {
			t.Fatal(err)
		}
	}
	if err := ledger.Close(); err != nil {
		t.Fatal(err)
	}

	store, err = OpenFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ledger, err = OpenLedger(store)
	if err != nil {
		t.Fatal(err)
	}
	rc, err := ledger.Record(sampleReceipt(3), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if rc.Index != 4 {
		t.Errorf("resumed ledger assigned index %d, want 4", rc.Index)
	}
	if _, err := VerifyStore(store); err != nil {
		t.Fatalf("chain broken across reopen: %v", err)
	}
}

func TestStore_NonContiguousAppend(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			r := sampleReceipt(0)
			r.Index = 2
			if err := store.Append(r); err == nil {
				t.Fatal("expected error for non-contiguous append")
			}
		})
	}
}

func TestSummarizeArtifact(t *testing.T) {
	k := loadTestKeys(t)
	out := &memStream{}
	bundle, err := NewDefaultBundler(nil).Bundle(context.Background(), out, bytes.NewReader([]byte("events")), &memStream{}, testRequest(k))
	if err != nil {
		t.Fatal(err)
	}

	sum, err := SummarizeArtifact(out)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Size != int64(len(out.Bytes())) {
		t.Errorf("size %d, want %d", sum.Size, len(out.Bytes()))
	}
	if sum.ContentHash == ([32]byte{}) {
		t.Error("content hash not computed")
	}

	rc := NewReceipt(bundle, sum, "src.log", "src.calr")
	if rc.SigningAlgorithm != SignerRSAPSSSHA256 || rc.RelayID != "relay-01" || rc.SignatureLength != 512 {
		t.Errorf("unexpected receipt %+v", rc)
	}

	truncated := &memStream{buf: out.Bytes()[:len(out.Bytes())-1]}
	if _, err := SummarizeArtifact(truncated); err == nil {
		t.Error("expected error for truncated artifact")
	}
}
