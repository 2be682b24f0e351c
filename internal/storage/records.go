package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the persisted pipeline state of an event.
type Status string

const (
	StatusDiscovered        Status = "discovered"
	StatusOrderPending      Status = "order_pending"
	StatusOrderPlaced       Status = "order_placed"
	StatusSettlementPending Status = "settlement_pending"
	StatusSettled           Status = "settled"
	StatusFailed            Status = "failed"
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusFailed
}

// ParseStatus validates a status string.
func ParseStatus(v string) (Status, bool) {
	switch s := Status(strings.ToLower(v)); s {
	case StatusDiscovered, StatusOrderPending, StatusOrderPlaced, StatusSettlementPending, StatusSettled, StatusFailed:
		return s, true
	}
	return "", false
}

// Record is the idempotency ledger entry for one chain event.
type Record struct {
	EventID        string    `json:"event_id"`
	Kind           string    `json:"kind"`
	Symbol         string    `json:"symbol"`
	Amount         string    `json:"amount"`
	BlockNumber    uint64    `json:"block_number"`
	LogIndex       uint      `json:"log_index"`
	TxHash         string    `json:"tx_hash"`
	Status         Status    `json:"status"`
	ClientOrderID  string    `json:"client_order_id,omitempty"`
	OrderID        string    `json:"brokerage_order_id,omitempty"`
	OrderStatus    string    `json:"order_status,omitempty"`
	SettlementTx   string    `json:"settlement_tx_hash,omitempty"`
	SettlementRaw  []byte    `json:"-"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	Attempts       int       `json:"attempts"`
	SettleAttempts int       `json:"settle_attempts"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Attempt is one dependency call made on behalf of a record.
type Attempt struct {
	EventID   string
	Step      string
	Number    int
	Outcome   string
	Error     string
	CreatedAt time.Time
}

const recordColumns = `event_id, kind, symbol, amount, block_number, log_index, tx_hash, status,
  client_order_id, order_id, order_status, settlement_tx, settlement_raw, error_kind, last_error,
  attempts, settle_attempts, created_at, updated_at`

// EnsureRecord inserts rec in the discovered state unless a record with the
// same event id exists, and returns the stored record.
func (s *Store) EnsureRecord(ctx context.Context, rec Record) (Record, bool, error) {
	if rec.EventID == "" {
		return Record{}, false, errors.New("event id required")
	}
	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO records (event_id, kind, symbol, amount, block_number, log_index, tx_hash, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(event_id) DO NOTHING;
`, rec.EventID, rec.Kind, rec.Symbol, rec.Amount, rec.BlockNumber, rec.LogIndex, rec.TxHash, string(StatusDiscovered), now, now)
	if err != nil {
		return Record{}, false, fmt.Errorf("insert record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Record{}, false, fmt.Errorf("insert record: %w", err)
	}
	stored, err := s.GetRecord(ctx, rec.EventID)
	if err != nil {
		return Record{}, false, err
	}
	return stored, n > 0, nil
}

// GetRecord loads a record by event id.
func (s *Store) GetRecord(ctx context.Context, eventID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE event_id = ?;`, eventID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// UpdateRecord writes rec if the stored status still equals expect. Terminal
// records are never modified.
func (s *Store) UpdateRecord(ctx context.Context, rec Record, expect Status) error {
	return s.updateRecord(ctx, s.db, rec, expect)
}

// SaveAttempt updates rec (compare-and-set on expect) and appends the attempt atomically.
func (s *Store) SaveAttempt(ctx context.Context, rec Record, expect Status, a Attempt) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.updateRecord(ctx, tx, rec, expect); err != nil {
			return err
		}
		created := a.CreatedAt
		if created.IsZero() {
			created = s.now()
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO attempts (event_id, step, number, outcome, error, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(event_id, step, number) DO UPDATE SET
  outcome = excluded.outcome,
  error = excluded.error,
  created_at = excluded.created_at;
`, a.EventID, a.Step, a.Number, a.Outcome, a.Error, created.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert attempt: %w", err)
		}
		return nil
	})
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) updateRecord(ctx context.Context, db execer, rec Record, expect Status) error {
	if rec.EventID == "" || rec.Status == "" {
		return errors.New("event id and status required")
	}
	if expect.Terminal() {
		return fmt.Errorf("record %s: %w: status %s is terminal", rec.EventID, ErrConflict, expect)
	}
	res, err := db.ExecContext(ctx, `
UPDATE records SET
  status = ?, client_order_id = ?, order_id = ?, order_status = ?, settlement_tx = ?, settlement_raw = ?,
  error_kind = ?, last_error = ?, attempts = ?, settle_attempts = ?, updated_at = ?
WHERE event_id = ? AND status = ? AND status NOT IN (?, ?);
`, string(rec.Status), rec.ClientOrderID, rec.OrderID, rec.OrderStatus, rec.SettlementTx, rec.SettlementRaw,
		rec.ErrorKind, rec.LastError, rec.Attempts, rec.SettleAttempts, s.now().UnixMilli(),
		rec.EventID, string(expect), string(StatusSettled), string(StatusFailed))
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("record %s expected %s: %w", rec.EventID, expect, ErrConflict)
	}
	return nil
}

// RecordFilter narrows ListRecords.
type RecordFilter struct {
	Status Status
	// Open selects records that have not reached a terminal status.
	Open bool
	// MaxBlock, when non-zero, excludes records above this block.
	MaxBlock uint64
	Limit    int
}

// ListRecords returns records in chain order.
func (s *Store) ListRecords(ctx context.Context, f RecordFilter) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records`
	args := []any{}
	where := []string{}
	if f.Status != "" {
		where = append(where, `status = ?`)
		args = append(args, string(f.Status))
	}
	if f.Open {
		where = append(where, `status NOT IN (?, ?)`)
		args = append(args, string(StatusSettled), string(StatusFailed))
	}
	if f.MaxBlock > 0 {
		where = append(where, `block_number <= ?`)
		args = append(args, f.MaxBlock)
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY block_number, log_index`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountByStatus returns the number of records per status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM records GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	defer rows.Close()
	out := map[Status]int{}
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[Status(st)] = n
	}
	return out, rows.Err()
}

// ListAttempts returns the attempt log of one record.
func (s *Store) ListAttempts(ctx context.Context, eventID string) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT event_id, step, number, outcome, error, created_at FROM attempts
WHERE event_id = ? ORDER BY created_at, step, number;
`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()
	out := []Attempt{}
	for rows.Next() {
		var (
			a  Attempt
			ms int64
		)
		if err := rows.Scan(&a.EventID, &a.Step, &a.Number, &a.Outcome, &a.Error, &ms); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.CreatedAt = time.UnixMilli(ms).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec              Record
		status           string
		created, updated int64
	)
	err := row.Scan(&rec.EventID, &rec.Kind, &rec.Symbol, &rec.Amount, &rec.BlockNumber, &rec.LogIndex, &rec.TxHash,
		&status, &rec.ClientOrderID, &rec.OrderID, &rec.OrderStatus, &rec.SettlementTx, &rec.SettlementRaw,
		&rec.ErrorKind, &rec.LastError, &rec.Attempts, &rec.SettleAttempts, &created, &updated)
	if err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.UpdatedAt = time.UnixMilli(updated).UTC()
	return rec, nil
}
