package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rodcoding123/helix-sub009/pkg/contracts"
)

// SQLiteStore persists audit entries in SQLite. It also works against any
// database/sql driver that accepts ? placeholders.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the store and runs its migration.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		shard TEXT NOT NULL,
		seq INTEGER NOT NULL,
		action_id TEXT NOT NULL,
		phase TEXT NOT NULL,
		ts TEXT NOT NULL,
		payload_hash TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		prev_entry_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL,
		mirrored INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (shard, seq)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Append(ctx context.Context, e *contracts.AuditEntry) error {
	query := `
	INSERT INTO audit_entries (shard, seq, action_id, phase, ts, payload_hash, detail, prev_entry_hash, entry_hash, mirrored)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		e.Shard, e.Seq, e.ActionID, string(e.Phase),
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.PayloadHash, e.Detail, e.PrevEntryHash, e.EntryHash, boolToInt(e.Mirrored),
	)
	if err != nil {
		return fmt.Errorf("ledger: insert entry %s/%d: %w", e.Shard, e.Seq, err)
	}
	return nil
}

func (s *SQLiteStore) MarkMirrored(ctx context.Context, shard string, seq int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE audit_entries SET mirrored = 1 WHERE shard = ? AND seq = ?`, shard, seq)
	return err
}

func (s *SQLiteStore) Last(ctx context.Context, shard string) (*contracts.AuditEntry, error) {
	query := selectCols + ` FROM audit_entries WHERE shard = ? ORDER BY seq DESC LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, shard)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (s *SQLiteStore) Range(ctx context.Context, shard string, from, to int64) ([]contracts.AuditEntry, error) {
	query := selectCols + ` FROM audit_entries WHERE shard = ? AND seq >= ?`
	args := []any{shard, from}
	if to > 0 {
		query += ` AND seq <= ?`
		args = append(args, to)
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []contracts.AuditEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

const selectCols = `SELECT shard, seq, action_id, phase, ts, payload_hash, detail, prev_entry_hash, entry_hash, mirrored`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*contracts.AuditEntry, error) {
	var e contracts.AuditEntry
	var phase, ts string
	var mirrored int
	err := row.Scan(&e.Shard, &e.Seq, &e.ActionID, &phase, &ts,
		&e.PayloadHash, &e.Detail, &e.PrevEntryHash, &e.EntryHash, &mirrored)
	if err != nil {
		return nil, err
	}
	e.Phase = contracts.AuditPhase(phase)
	e.Mirrored = mirrored != 0
	if parsed, perr := time.Parse(time.RFC3339Nano, ts); perr == nil {
		e.Timestamp = parsed
	} else {
		return nil, fmt.Errorf("ledger: corrupt timestamp %q: %w", ts, perr)
	}
	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
