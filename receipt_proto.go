package calr

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Receipt protobuf field numbers. The message is:
//
//	message Receipt {
//	  uint64 index = 1;
//	  google.protobuf.Timestamp ts = 2;
//	  string bundle_id = 3;
//	  string source = 4;
//	  string output = 5;
//	  string relay_id = 6;
//	  string relay_fingerprint = 7;
//	  string server_fingerprint = 8;
//	  string compression_algorithm = 9;
//	  string symmetric_algorithm = 10;
//	  string asymmetric_algorithm = 11;
//	  string signing_algorithm = 12;
//	  uint64 payload_length = 13;
//	  uint32 json_length = 14;
//	  uint32 signature_length = 15;
//	  bytes content_hash = 16;
//	  bytes tag = 17;
//	}
const (
	receiptFieldIndex protowire.Number = iota + 1
	receiptFieldTS
	receiptFieldBundleID
	receiptFieldSource
	receiptFieldOutput
	receiptFieldRelayID
	receiptFieldRelayFingerprint
	receiptFieldServerFingerprint
	receiptFieldCompression
	receiptFieldSymmetric
	receiptFieldAsymmetric
	receiptFieldSigning
	receiptFieldPayloadLength
	receiptFieldJSONLength
	receiptFieldSignatureLength
	receiptFieldContentHash
	receiptFieldTag
)

// ErrMalformedReceipt is returned when a receipt encoding cannot be decoded.
var ErrMalformedReceipt = errors.New("malformed receipt")

var timestampMarshal = proto.MarshalOptions{Deterministic: true}

// MarshalReceipt encodes r in protobuf wire format with fields in ascending
// order. A zero tag is omitted, which is the form hashed into the chain.
func MarshalReceipt(r Receipt) ([]byte, error) {
	ts, err := timestampMarshal.Marshal(timestamppb.New(time.Unix(0, r.TS).UTC()))
	if err != nil {
		return nil, fmt.Errorf("encode timestamp: %w", err)
	}

	var b []byte
	b = appendVarint(b, receiptFieldIndex, r.Index)
	b = protowire.AppendTag(b, receiptFieldTS, protowire.BytesType)
	b = protowire.AppendBytes(b, ts)
	b = appendString(b, receiptFieldBundleID, r.BundleID)
	b = appendString(b, receiptFieldSource, r.Source)
	b = appendString(b, receiptFieldOutput, r.Output)
	b = appendString(b, receiptFieldRelayID, r.RelayID)
	b = appendString(b, receiptFieldRelayFingerprint, r.RelayFingerprint)
	b = appendString(b, receiptFieldServerFingerprint, r.ServerFingerprint)
	b = appendString(b, receiptFieldCompression, r.CompressionAlgorithm)
	b = appendString(b, receiptFieldSymmetric, r.SymmetricAlgorithm)
	b = appendString(b, receiptFieldAsymmetric, r.AsymmetricAlgorithm)
	b = appendString(b, receiptFieldSigning, r.SigningAlgorithm)
	b = appendVarint(b, receiptFieldPayloadLength, r.PayloadLength)
	b = appendVarint(b, receiptFieldJSONLength, uint64(r.JSONLength))
	b = appendVarint(b, receiptFieldSignatureLength, uint64(r.SignatureLength))
	b = protowire.AppendTag(b, receiptFieldContentHash, protowire.BytesType)
	b = protowire.AppendBytes(b, r.ContentHash[:])
	if r.Tag != ([32]byte{}) {
		b = protowire.AppendTag(b, receiptFieldTag, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Tag[:])
	}
	return b, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// UnmarshalReceipt decodes a receipt produced by MarshalReceipt.
// Unknown fields are skipped.
func UnmarshalReceipt(b []byte) (Receipt, error) {
	var r Receipt
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Receipt{}, fmt.Errorf("%w: %v", ErrMalformedReceipt, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && isVarintField(num):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Receipt{}, fmt.Errorf("%w: field %d: %v", ErrMalformedReceipt, num, protowire.ParseError(n))
			}
			b = b[n:]
			if err := r.setVarint(num, v); err != nil {
				return Receipt{}, err
			}
		case typ == protowire.BytesType && isBytesField(num):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Receipt{}, fmt.Errorf("%w: field %d: %v", ErrMalformedReceipt, num, protowire.ParseError(n))
			}
			b = b[n:]
			if err := r.setBytes(num, v); err != nil {
				return Receipt{}, err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Receipt{}, fmt.Errorf("%w: field %d: %v", ErrMalformedReceipt, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return r, nil
}

func isVarintField(num protowire.Number) bool {
	switch num {
	case receiptFieldIndex, receiptFieldPayloadLength, receiptFieldJSONLength, receiptFieldSignatureLength:
		return true
	}
	return false
}

func isBytesField(num protowire.Number) bool {
	return num >= receiptFieldTS && num <= receiptFieldTag && !isVarintField(num)
}

func (r *Receipt) setVarint(num protowire.Number, v uint64) error {
	switch num {
	case receiptFieldIndex:
		r.Index = v
	case receiptFieldPayloadLength:
		r.PayloadLength = v
	case receiptFieldJSONLength:
		if v > 1<<32-1 {
			return fmt.Errorf("%w: json length %d overflows", ErrMalformedReceipt, v)
		}
		r.JSONLength = uint32(v)
	case receiptFieldSignatureLength:
		if v > 1<<16-1 {
			return fmt.Errorf("%w: signature length %d overflows", ErrMalformedReceipt, v)
		}
		r.SignatureLength = uint16(v)
	}
	return nil
}

func (r *Receipt) setBytes(num protowire.Number, v []byte) error {
	switch num {
	case receiptFieldTS:
		var ts timestamppb.Timestamp
		if err := proto.Unmarshal(v, &ts); err != nil {
			return fmt.Errorf("%w: timestamp: %v", ErrMalformedReceipt, err)
		}
		if err := ts.CheckValid(); err != nil {
			return fmt.Errorf("%w: timestamp: %v", ErrMalformedReceipt, err)
		}
		r.TS = ts.AsTime().UnixNano()
	case receiptFieldBundleID:
		r.BundleID = string(v)
	case receiptFieldSource:
		r.Source = string(v)
	case receiptFieldOutput:
		r.Output = string(v)
	case receiptFieldRelayID:
		r.RelayID = string(v)
	case receiptFieldRelayFingerprint:
		r.RelayFingerprint = string(v)
	case receiptFieldServerFingerprint:
		r.ServerFingerprint = string(v)
	case receiptFieldCompression:
		r.CompressionAlgorithm = string(v)
	case receiptFieldSymmetric:
		r.SymmetricAlgorithm = string(v)
	case receiptFieldAsymmetric:
		r.AsymmetricAlgorithm = string(v)
	case receiptFieldSigning:
		r.SigningAlgorithm = string(v)
	case receiptFieldContentHash:
		if len(v) != len(r.ContentHash) {
			return fmt.Errorf("%w: content hash is %d bytes", ErrMalformedReceipt, len(v))
		}
		copy(r.ContentHash[:], v)
	case receiptFieldTag:
		if len(v) != len(r.Tag) {
			return fmt.Errorf("%w: tag is %d bytes", ErrMalformedReceipt, len(v))
		}
		copy(r.Tag[:], v)
	}
	return nil
}
