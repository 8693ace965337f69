package calr

// Receipt Ledger
//
// Every bundle published by the BatchBundler can be recorded as a Receipt
// in a hash-chained ledger. Changing, dropping or reordering a stored
// receipt breaks the chain and is reported by VerifyReceipts / VerifyStore.
//
// Two storage backends implement ReceiptStore:
//
// 1. File Storage (file_store.go)
//    - append-only receipts.dat plus tail.dat
//    - flock + fsync on every append
//
// 2. SQLite Storage (sqlite_store.go)
//    - WAL mode, serializable append transactions
//    - receipts queryable by bundle_id
//
// Usage:
//
//   store, err := calr.OpenFileStore("/var/lib/calr/ledger")
//   if err != nil {
//       log.Fatal(err)
//   }
//   ledger, _ := calr.OpenLedger(store)
//   rc, _ := ledger.Record(calr.NewReceipt(bundle, summary, src, out), time.Now())
//
//   // later
//   tail, err := calr.VerifyStore(store)
//
// receipts.dat format:
//
//   [4 bytes] record length (uint32 big-endian)
//   [n bytes] protobuf Receipt (see receipt_proto.go)
//
// Chain:
//
//   d_i   = SHA256(protobuf receipt without tag)
//   Tag_1 = SHA256(d_1)
//   Tag_i = SHA256(Tag_{i-1} || d_i)
