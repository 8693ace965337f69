package calr

import (
	"errors"
	"testing"
	"time"
)

func recordedChain(t *testing.T, n int) []Receipt {
	t.Helper()
	store := openStores(t)["file"]
	ledger, err := OpenLedger(store)
	if err != nil {
		t.Fatal(err)
	}
	for i := range n {
		if _, err := ledger.Record(sampleReceipt(i), time.Unix(1700000000, 0)); err != nil {
			t.Fatal(err)
		}
	}
	receipts, err := ReadReceipts(store, 1)
	if err != nil {
		t.Fatal(err)
	}
	return receipts
}

func TestVerifyReceipts_Tampering(t *testing.T) {
	tests := []struct {
		name   string
		mutate func([]Receipt) []Receipt
		want   error
	}{
		{"changed output", func(r []Receipt) []Receipt { r[2].Output = "/tmp/evil.calr"; return r }, ErrTagMismatch},
		{"changed hash", func(r []Receipt) []Receipt { r[1].ContentHash[5] ^= 1; return r }, ErrTagMismatch},
		{"changed tag", func(r []Receipt) []Receipt { r[3].Tag[0] ^= 1; return r }, ErrTagMismatch},
		{"dropped receipt", func(r []Receipt) []Receipt { return append(r[:2], r[3:]...) }, ErrGap},
		{"swapped receipts", func(r []Receipt) []Receipt { r[1], r[2] = r[2], r[1]; return r }, ErrGap},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			receipts := recordedChain(t, 5)
			if _, err := VerifyReceipts(receipts); err != nil {
				t.Fatalf("untampered chain failed: %v", err)
			}
			_, err := VerifyReceipts(tt.mutate(receipts))
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestVerifyReceiptsFrom_Suffix(t *testing.T) {
	receipts := recordedChain(t, 6)
	last, err := VerifyReceiptsFrom(receipts[3:], receipts[2].Index, receipts[2].Tag)
	if err != nil {
		t.Fatal(err)
	}
	if last != receipts[5].Tag {
		t.Error("suffix verification ended on a different tag")
	}

	if _, err := VerifyReceiptsFrom(receipts[3:], receipts[2].Index, receipts[1].Tag); !errors.Is(err, ErrTagMismatch) {
		t.Fatalf("expected ErrTagMismatch with wrong anchor tag, got %v", err)
	}
}

func TestVerifyReceipts_Empty(t *testing.T) {
	last, err := VerifyReceipts(nil)
	if err != nil {
		t.Fatal(err)
	}
	if last != ([32]byte{}) {
		t.Error("empty chain produced a tag")
	}
}
