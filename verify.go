package calr

import (
	"crypto/subtle"
	"errors"
	"fmt"
)

// ErrGap indicates missing or non-sequential receipts were detected during verification.
var ErrGap = errors.New("gap or reordering detected")

// ErrTagMismatch indicates a receipt whose chain tag does not match its contents.
var ErrTagMismatch = errors.New("tag mismatch: receipt tampered")

// VerifyReceipts checks a complete receipt chain starting at index 1.
func VerifyReceipts(receipts []Receipt) (lastTag [32]byte, err error) {
	return VerifyReceiptsFrom(receipts, 0, [32]byte{})
}

// VerifyReceiptsFrom checks receipts that follow the receipt at startIdx whose
// tag is prevTag. startIdx 0 means the chain starts with receipts[0].
func VerifyReceiptsFrom(receipts []Receipt, startIdx uint64, prevTag [32]byte) (lastTag [32]byte, err error) {
	prev := prevTag
	expect := startIdx

	for _, r := range receipts {
		expect++
		if r.Index != expect {
			return lastTag, fmt.Errorf("%w: want index %d, got %d", ErrGap, expect, r.Index)
		}

		d, err := receiptDigest(r)
		if err != nil {
			return lastTag, err
		}
		var tag [32]byte
		if r.Index == 1 {
			tag = htag(d)
		} else {
			tag = fold(prev, d)
		}

		if subtle.ConstantTimeCompare(tag[:], r.Tag[:]) != 1 {
			return lastTag, fmt.Errorf("%w at index %d", ErrTagMismatch, r.Index)
		}
		prev = tag
		lastTag = tag
	}
	return lastTag, nil
}

// VerifyStore replays every receipt in st and checks the chain ends at the stored tail.
func VerifyStore(st ReceiptStore) (TailState, error) {
	receipts, err := ReadReceipts(st, 1)
	if err != nil {
		return TailState{}, err
	}
	last, err := VerifyReceipts(receipts)
	if err != nil {
		return TailState{}, err
	}
	tail, ok, err := st.Tail()
	if err != nil {
		return TailState{}, err
	}
	if !ok {
		if len(receipts) != 0 {
			return TailState{}, fmt.Errorf("%w: receipts without tail", ErrGap)
		}
		return TailState{}, nil
	}
	if tail.Index != uint64(len(receipts)) {
		return TailState{}, fmt.Errorf("%w: tail at %d, %d receipts stored", ErrGap, tail.Index, len(receipts))
	}
	if subtle.ConstantTimeCompare(tail.Tag[:], last[:]) != 1 {
		return TailState{}, fmt.Errorf("%w: tail", ErrTagMismatch)
	}
	return tail, nil
}

// ReadReceipts collects every receipt from startIdx onwards.
func ReadReceipts(st ReceiptStore, startIdx uint64) ([]Receipt, error) {
	ch, done, err := st.Iter(startIdx)
	if err != nil {
		return nil, err
	}
	var out []Receipt
	for r := range ch {
		out = append(out, r)
	}
	if err := done(); err != nil {
		return nil, fmt.Errorf("read receipts: %w", err)
	}
	return out, nil
}
