// Package calr builds secure event bundles: a stream of event data is
// compressed, encrypted under a one-time session key, tagged with signed
// JSON metadata and written as a single self-describing .calr artifact
// that only the holder of the server private key can open.
//
// The entry point is [Bundler.Bundle]. Algorithms are resolved by name
// from a [Registry] per capability, so every name written into a bundle
// is a stable wire identifier.
package calr

// Bundle Format
//
//   ┌──────────────────────────────────────────────┐
//   │ Header (22 bytes, big-endian)                │
//   │ [4 bytes] magic 0x43414C52 "CALR"            │
//   │ [1 byte]  format version (1)                 │
//   │ [3 bytes] reserved                           │
//   │ [4 bytes] JSON length                        │
//   │ [8 bytes] payload length                     │
//   │ [2 bytes] signature length                   │
//   ├──────────────────────────────────────────────┤
//   │ Payload (payload length bytes)               │
//   │ chunked AEAD over the compressed events      │
//   ├──────────────────────────────────────────────┤
//   │ JSON (JSON length bytes)                     │
//   │ {"Envelope":{...},"Document":{...}}          │
//   ├──────────────────────────────────────────────┤
//   │ Signature (signature length bytes)           │
//   │ over every byte before it                    │
//   └──────────────────────────────────────────────┘
//
// Payload framing (host byte order):
//
//   [4 bytes] chunk size hint (65536)
//   per chunk:
//     [4 bytes]  plaintext length n
//     [12 bytes] nonce: 4 random bytes + 8 byte chunk counter
//     [16 bytes] AEAD tag
//     [n bytes]  ciphertext
//   [4 bytes] 0 terminator
//
// The session key is wrapped for the server in Document.Encryption.EncryptedKey.
//
// Usage:
//
//   bundler := calr.NewDefaultBundler(logger)
//   bundle, err := bundler.Bundle(ctx, out, events, scratch, calr.BundleRequest{
//       RelayID:         "relay-1",
//       BuildVersion:    "1.4.0",
//       Platform:        calr.CurrentPlatform(),
//       RelayPrivateKey: relayKeyDER,  // PKCS#1, 4096-bit
//       ServerPublicKey: serverKeyDER, // PKCS#1, 4096-bit
//   })
//
// out and scratch are io.ReadWriteSeekers (usually *os.File). The header
// is written last, after the payload and JSON lengths are known, and the
// signature is appended once the header is in place.
