// Package store persists action records. One record exists per submitted
// action; status transitions go through a compare-and-set on the current
// status so concurrent workers serialize on the record's state machine.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rodcoding123/helix-sub009/pkg/contracts"
)

// ErrStaleStatus is returned by Transition when the record moved out of the
// expected status between read and write. Callers reload and re-decide.
var ErrStaleStatus = errors.New("action record status changed concurrently")

// ActionStore is the SQL-backed record store. It works against SQLite and
// Postgres; the engine's default deployment is SQLite.
type ActionStore struct {
	db     *sql.DB
	clock  func() time.Time
	logger *slog.Logger
}

func NewActionStore(db *sql.DB) (*ActionStore, error) {
	s := &ActionStore{
		db:     db,
		clock:  time.Now,
		logger: slog.Default().With("component", "store"),
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *ActionStore) WithClock(clock func() time.Time) *ActionStore {
	s.clock = clock
	return s
}

func (s *ActionStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS action_records (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		action_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		requested_at TEXT NOT NULL,
		status TEXT NOT NULL,
		reversible INTEGER NOT NULL DEFAULT 0,
		compensation TEXT,
		result TEXT,
		phase_timestamps TEXT NOT NULL DEFAULT '{}',
		updated_at TEXT NOT NULL,
		UNIQUE (user_id, idempotency_key)
	);
	CREATE INDEX IF NOT EXISTS idx_records_user ON action_records (user_id, requested_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Create inserts a new record. A (user, idempotency key) collision with a
// record requested at or after since returns that record with created=false
// and writes nothing. A collision with an older record releases the stale
// key and retries the insert once: the key's dedupe meaning ends with the
// window. A zero since dedupes against all history.
func (s *ActionStore) Create(ctx context.Context, r *contracts.ActionRecord, since time.Time) (*contracts.ActionRecord, bool, error) {
	r.UpdatedAt = s.clock().UTC()
	insertErr := s.insert(ctx, r)
	if insertErr == nil {
		return r, true, nil
	}

	// Likely the unique key; confirm by fetching the winner.
	existing, err := s.FindByIdempotencyKey(ctx, r.UserID, r.IdempotencyKey, since)
	if err != nil {
		return nil, false, fmt.Errorf("store: create record: %w", insertErr)
	}
	if existing != nil {
		return existing, false, nil
	}
	if err := s.releaseStaleKey(ctx, r.UserID, r.IdempotencyKey, since); err != nil {
		return nil, false, fmt.Errorf("store: create record: %w", insertErr)
	}
	if err := s.insert(ctx, r); err != nil {
		return nil, false, fmt.Errorf("store: create record: %w", err)
	}
	return r, true, nil
}

func (s *ActionStore) insert(ctx context.Context, r *contracts.ActionRecord) error {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return fmt.Errorf("store: marshal payload: %w", err)
	}
	phases, err := json.Marshal(r.PhaseTimestamps)
	if err != nil {
		return fmt.Errorf("store: marshal phases: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
	INSERT INTO action_records (id, user_id, action_type, payload, idempotency_key, requested_at, status, reversible, phase_timestamps, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, string(r.ActionType), string(payload), r.IdempotencyKey,
		r.RequestedAt.UTC().Format(time.RFC3339Nano), string(r.Status),
		boolToInt(r.Reversible), string(phases), r.UpdatedAt.Format(time.RFC3339Nano))
	return err
}

// releaseStaleKey frees the (user, key) slot held by a record requested
// before since. The old record keeps its history under a tombstoned key.
func (s *ActionStore) releaseStaleKey(ctx context.Context, userID, key string, since time.Time) error {
	res, err := s.db.ExecContext(ctx, `
	UPDATE action_records SET idempotency_key = id || ':' || idempotency_key
	WHERE user_id = ? AND idempotency_key = ? AND requested_at < ?`,
		userID, key, since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return errors.New("store: no stale key holder")
	}
	return nil
}

// Get loads a record by ID, contracts.ErrNotFound when absent.
func (s *ActionStore) Get(ctx context.Context, id string) (*contracts.ActionRecord, error) {
	row := s.db.QueryRowContext(ctx, selectRecord+` WHERE id = ?`, id)
	return scanRecord(row)
}

// FindByIdempotencyKey returns the user's record for the key with
// requested_at at or after since, or nil when none exists.
func (s *ActionStore) FindByIdempotencyKey(ctx context.Context, userID, key string, since time.Time) (*contracts.ActionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		selectRecord+` WHERE user_id = ? AND idempotency_key = ? AND requested_at >= ?`,
		userID, key, since.UTC().Format(time.RFC3339Nano))
	r, err := scanRecord(row)
	if errors.Is(err, contracts.ErrNotFound) {
		return nil, nil
	}
	return r, err
}

// Transition moves the record from `from` to `to`, applying mutate to the
// loaded record before persisting. The write is a compare-and-set on the
// status column; a concurrent transition surfaces as ErrStaleStatus.
func (s *ActionStore) Transition(ctx context.Context, id string, from, to contracts.ActionStatus, mutate func(*contracts.ActionRecord)) (*contracts.ActionRecord, error) {
	if !from.CanTransition(to) {
		return nil, fmt.Errorf("store: illegal transition %s -> %s", from, to)
	}
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != from {
		return nil, fmt.Errorf("%w: have %s, want %s", ErrStaleStatus, r.Status, from)
	}

	r.Status = to
	if mutate != nil {
		mutate(r)
	}
	r.UpdatedAt = s.clock().UTC()

	comp, err := nullableJSON(r.CompensationPayload)
	if err != nil {
		return nil, err
	}
	result, err := nullableJSON(r.Result)
	if err != nil {
		return nil, err
	}
	phases, err := json.Marshal(r.PhaseTimestamps)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, `
	UPDATE action_records
	SET status = ?, reversible = ?, compensation = ?, result = ?, phase_timestamps = ?, updated_at = ?
	WHERE id = ? AND status = ?`,
		string(to), boolToInt(r.Reversible), comp, result, string(phases),
		r.UpdatedAt.Format(time.RFC3339Nano), id, string(from))
	if err != nil {
		return nil, fmt.Errorf("store: transition %s: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrStaleStatus
	}
	return r, nil
}

// ListByUser returns the user's records newest first, capped at limit.
func (s *ActionStore) ListByUser(ctx context.Context, userID string, limit int) ([]*contracts.ActionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		selectRecord+` WHERE user_id = ? ORDER BY requested_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*contracts.ActionRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PurgeOlderThan deletes terminal records requested before cutoff. Live
// records (pending, executing, executed) are never purged.
func (s *ActionStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
	DELETE FROM action_records
	WHERE requested_at < ? AND status IN (?, ?, ?)`,
		cutoff.UTC().Format(time.RFC3339Nano),
		string(contracts.StatusRejected), string(contracts.StatusFailed), string(contracts.StatusUndone))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RunPurger periodically deletes terminal records older than retention
// until ctx is cancelled, keeping the dedupe window's storage bounded.
func (s *ActionStore) RunPurger(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PurgeOlderThan(ctx, s.clock().Add(-retention))
			if err != nil {
				s.logger.WarnContext(ctx, "record purge failed", "error", err)
			} else if n > 0 {
				s.logger.InfoContext(ctx, "purged terminal records", "count", n)
			}
		}
	}
}

const selectRecord = `
SELECT id, user_id, action_type, payload, idempotency_key, requested_at, status, reversible, compensation, result, phase_timestamps, updated_at
FROM action_records`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*contracts.ActionRecord, error) {
	var r contracts.ActionRecord
	var actionType, payload, requestedAt, status, phases, updatedAt string
	var reversible int
	var comp, result sql.NullString
	err := row.Scan(&r.ID, &r.UserID, &actionType, &payload, &r.IdempotencyKey,
		&requestedAt, &status, &reversible, &comp, &result, &phases, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.ErrNotFound
		}
		return nil, err
	}

	r.ActionType = contracts.ActionType(actionType)
	r.Status = contracts.ActionStatus(status)
	r.Reversible = reversible != 0
	if err := json.Unmarshal([]byte(payload), &r.Payload); err != nil {
		return nil, fmt.Errorf("store: corrupt payload for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(phases), &r.PhaseTimestamps); err != nil {
		return nil, fmt.Errorf("store: corrupt phase timestamps for %s: %w", r.ID, err)
	}
	if comp.Valid {
		if err := json.Unmarshal([]byte(comp.String), &r.CompensationPayload); err != nil {
			return nil, fmt.Errorf("store: corrupt compensation for %s: %w", r.ID, err)
		}
	}
	if result.Valid {
		if err := json.Unmarshal([]byte(result.String), &r.Result); err != nil {
			return nil, fmt.Errorf("store: corrupt result for %s: %w", r.ID, err)
		}
	}
	if ts, err := time.Parse(time.RFC3339Nano, requestedAt); err == nil {
		r.RequestedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		r.UpdatedAt = ts
	}
	return &r, nil
}

func nullableJSON(v any) (sql.NullString, error) {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return sql.NullString{}, nil
		}
	case *contracts.ExecutionResult:
		if t == nil {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
