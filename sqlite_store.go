package calr

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Import SQLite driver for database/sql
)

type sqliteStore struct{ db *sql.DB }

// OpenSQLiteStore opens/creates a SQLite receipt database and ensures schema + PRAGMAs.
func OpenSQLiteStore(dsn string) (ReceiptStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	st := &sqliteStore{db: db}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA wal_autocheckpoint=1000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS receipts (
  idx        INTEGER PRIMARY KEY,
  ts         INTEGER NOT NULL,
  bundle_id  TEXT    NOT NULL,
  output     TEXT    NOT NULL,
  body       BLOB    NOT NULL,  -- protobuf receipt, tag included
  tag        BLOB    NOT NULL
);
CREATE INDEX IF NOT EXISTS receipts_bundle_id ON receipts(bundle_id);
CREATE TABLE IF NOT EXISTS tail (
  id    INTEGER PRIMARY KEY CHECK(id=1),
  idx   INTEGER NOT NULL,
  tag   BLOB    NOT NULL
);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// Append stores a receipt and updates the tail in one serializable transaction.
func (s *sqliteStore) Append(r Receipt) error {
	body, err := MarshalReceipt(r)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var maxIdx int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(idx),0) FROM receipts`).Scan(&maxIdx); err != nil {
		return err
	}
	if uint64(maxIdx) != r.Index-1 {
		return fmt.Errorf("non-contiguous append: have %d, got %d", maxIdx, r.Index)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO receipts(idx, ts, bundle_id, output, body, tag) VALUES(?, ?, ?, ?, ?, ?)`,
		r.Index, r.TS, r.BundleID, r.Output, body, r.Tag[:]); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tail(id, idx, tag) VALUES(1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET idx=excluded.idx, tag=excluded.tag`,
		r.Index, r.Tag[:]); err != nil {
		return err
	}

	return tx.Commit()
}

// Iter returns a channel that streams receipts starting from startIdx in ascending order.
func (s *sqliteStore) Iter(startIdx uint64) (<-chan Receipt, func() error, error) {
	ctx, cancel := context.WithCancel(context.Background())
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM receipts WHERE idx >= ? ORDER BY idx ASC`, startIdx)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	out := make(chan Receipt, 64)
	var iterErr error
	go func() {
		defer close(out)
		defer rows.Close()
		for rows.Next() {
			var body []byte
			if err := rows.Scan(&body); err != nil {
				iterErr = err
				return
			}
			r, err := UnmarshalReceipt(body)
			if err != nil {
				iterErr = err
				return
			}
			select {
			case out <- r:
			case <-ctx.Done():
				return
			}
		}
		if err := rows.Err(); err != nil && !errors.Is(err, context.Canceled) {
			iterErr = err
		}
	}()
	return out, func() error {
		cancel()
		for range out {
		}
		return iterErr
	}, nil
}

// Tail returns the index and tag of the last receipt.
func (s *sqliteStore) Tail() (TailState, bool, error) {
	var tail TailState
	var idx int64
	var tag []byte
	err := s.db.QueryRow(`SELECT idx, tag FROM tail WHERE id=1`).Scan(&idx, &tag)
	if errors.Is(err, sql.ErrNoRows) {
		return tail, false, nil
	}
	if err != nil {
		return tail, false, err
	}
	if len(tag) != 32 {
		return tail, false, fmt.Errorf("invalid tail tag size %d", len(tag))
	}
	tail.Index = uint64(idx)
	copy(tail.Tag[:], tag)
	return tail, true, nil
}

// Close closes the database.
func (s *sqliteStore) Close() error {
	return s.db.Close()
}
