package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-set lost against a concurrent or stale writer.
	ErrConflict = errors.New("state changed concurrently")
)

// Store wraps SQLite-backed persistence for processing records, attempts, watermarks, and leases.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open initializes a SQLite database and runs minimal schema setup.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Single writer keeps read-your-writes trivially true for one engine instance.
	db.SetMaxOpenConns(1)
	if err := configure(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	return s.db.PingContext(ctx)
}

func configure(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA synchronous = FULL;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

func migrate(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	schema := `
CREATE TABLE IF NOT EXISTS watermarks (
  name        TEXT PRIMARY KEY,
  block       INTEGER NOT NULL,
  updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS records (
  event_id         TEXT PRIMARY KEY,
  kind             TEXT NOT NULL,
  symbol           TEXT NOT NULL,
  amount           TEXT NOT NULL,
  block_number     INTEGER NOT NULL,
  log_index        INTEGER NOT NULL,
  tx_hash          TEXT NOT NULL,
  status           TEXT NOT NULL,
  client_order_id  TEXT NOT NULL DEFAULT '',
  order_id         TEXT NOT NULL DEFAULT '',
  order_status     TEXT NOT NULL DEFAULT '',
  settlement_tx    TEXT NOT NULL DEFAULT '',
  settlement_raw   BLOB,
  error_kind       TEXT NOT NULL DEFAULT '',
  last_error       TEXT NOT NULL DEFAULT '',
  attempts         INTEGER NOT NULL DEFAULT 0,
  settle_attempts  INTEGER NOT NULL DEFAULT 0,
  created_at       INTEGER NOT NULL,
  updated_at       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS records_status_idx ON records(status);
CREATE INDEX IF NOT EXISTS records_position_idx ON records(block_number, log_index);

CREATE TABLE IF NOT EXISTS attempts (
  event_id    TEXT NOT NULL REFERENCES records(event_id),
  step        TEXT NOT NULL,
  number      INTEGER NOT NULL,
  outcome     TEXT NOT NULL,
  error       TEXT NOT NULL DEFAULT '',
  created_at  INTEGER NOT NULL,
  PRIMARY KEY(event_id, step, number)
);

CREATE TABLE IF NOT EXISTS leases (
  name        TEXT PRIMARY KEY,
  owner       TEXT NOT NULL,
  expires_at  INTEGER NOT NULL
);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// GetWatermark returns the last fully scanned block for name.
func (s *Store) GetWatermark(ctx context.Context, name string) (block uint64, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT block FROM watermarks WHERE name = ?;`, name)
	switch err = row.Scan(&block); err {
	case nil:
		return block, true, nil
	case sql.ErrNoRows:
		return 0, false, nil
	default:
		return 0, false, fmt.Errorf("get watermark: %w", err)
	}
}

// CompareAndSetWatermark moves the watermark from prev to next. hasPrev=false
// means no watermark is expected to exist yet. The watermark never decreases.
func (s *Store) CompareAndSetWatermark(ctx context.Context, name string, prev uint64, hasPrev bool, next uint64) error {
	if name == "" {
		return errors.New("watermark name required")
	}
	if hasPrev && next <= prev {
		return fmt.Errorf("watermark must increase: %d -> %d", prev, next)
	}
	now := s.now().UnixMilli()

	var (
		res sql.Result
		err error
	)
	if !hasPrev {
		res, err = s.db.ExecContext(ctx, `
INSERT INTO watermarks (name, block, updated_at) VALUES (?, ?, ?)
ON CONFLICT(name) DO NOTHING;
`, name, next, now)
	} else {
		res, err = s.db.ExecContext(ctx, `
UPDATE watermarks SET block = ?, updated_at = ?
WHERE name = ? AND block = ?;
`, next, now, name, prev)
	}
	if err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// AcquireLease takes or renews the named lease for owner until now+ttl.
// It returns false when another owner holds an unexpired lease.
func (s *Store) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	if name == "" || owner == "" {
		return false, errors.New("lease name and owner required")
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO leases (name, owner, expires_at) VALUES (?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
  owner = excluded.owner,
  expires_at = excluded.expires_at
WHERE leases.expires_at <= ? OR leases.owner = excluded.owner;
`, name, owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return n > 0, nil
}

// ReleaseLease drops the lease if owner still holds it.
func (s *Store) ReleaseLease(ctx context.Context, name, owner string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE name = ? AND owner = ?;`, name, owner); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// WithTx executes a callback inside a transaction for callers needing atomicity.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
