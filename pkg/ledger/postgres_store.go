package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rodcoding123/helix-sub009/pkg/contracts"
)

// PostgresStore persists audit entries in Postgres (lib/pq driver). Same
// schema as SQLiteStore with $n placeholders and native types.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates the store and runs its migration.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		shard TEXT NOT NULL,
		seq BIGINT NOT NULL,
		action_id TEXT NOT NULL,
		phase TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		payload_hash TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		prev_entry_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL,
		mirrored BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (shard, seq)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *PostgresStore) Append(ctx context.Context, e *contracts.AuditEntry) error {
	query := `
	INSERT INTO audit_entries (shard, seq, action_id, phase, ts, payload_hash, detail, prev_entry_hash, entry_hash, mirrored)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.db.ExecContext(ctx, query,
		e.Shard, e.Seq, e.ActionID, string(e.Phase), e.Timestamp.UTC(),
		e.PayloadHash, e.Detail, e.PrevEntryHash, e.EntryHash, e.Mirrored,
	)
	if err != nil {
		return fmt.Errorf("ledger: insert entry %s/%d: %w", e.Shard, e.Seq, err)
	}
	return nil
}

func (s *PostgresStore) MarkMirrored(ctx context.Context, shard string, seq int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE audit_entries SET mirrored = TRUE WHERE shard = $1 AND seq = $2`, shard, seq)
	return err
}

func (s *PostgresStore) Last(ctx context.Context, shard string) (*contracts.AuditEntry, error) {
	query := selectCols + ` FROM audit_entries WHERE shard = $1 ORDER BY seq DESC LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, shard)
	e, err := s.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (s *PostgresStore) Range(ctx context.Context, shard string, from, to int64) ([]contracts.AuditEntry, error) {
	query := selectCols + ` FROM audit_entries WHERE shard = $1 AND seq >= $2`
	args := []any{shard, from}
	if to > 0 {
		query += ` AND seq <= $3`
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
		e, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) scan(row rowScanner) (*contracts.AuditEntry, error) {
	var e contracts.AuditEntry
	var phase string
	var ts time.Time
	err := row.Scan(&e.Shard, &e.Seq, &e.ActionID, &phase, &ts,
		&e.PayloadHash, &e.Detail, &e.PrevEntryHash, &e.EntryHash, &e.Mirrored)
	if err != nil {
		return nil, err
	}
	e.Phase = contracts.AuditPhase(phase)
	e.Timestamp = ts.UTC()
	return &e, nil
}
