package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rodcoding123/helix-sub009/pkg/contracts"
)

// Store persists profiles in SQL and serves reads from an in-memory cache.
// Reads vastly outnumber writes; updates are copy-on-write (clone, mutate,
// persist, swap) so concurrent readers keep a consistent snapshot. No
// cross-user coordination exists anywhere.
type Store struct {
	db    *sql.DB
	clock func() time.Time

	mu    sync.RWMutex
	cache map[string]*Profile
}

// NewStore creates the store and runs its migration.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{
		db:    db,
		clock: time.Now,
		cache: make(map[string]*Profile),
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS autonomy_profiles (
		user_id TEXT PRIMARY KEY,
		level INTEGER NOT NULL,
		action_overrides TEXT NOT NULL DEFAULT '{}',
		soft_overrides TEXT NOT NULL DEFAULT '{}',
		attributes TEXT NOT NULL DEFAULT '{}',
		updated_at TIMESTAMP NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Get returns the user's profile, or the default (level 2) profile if the
// user has never been configured. The returned profile is a snapshot.
func (s *Store) Get(ctx context.Context, userID string) (*Profile, error) {
	s.mu.RLock()
	if p, ok := s.cache[userID]; ok {
		s.mu.RUnlock()
		return p.Clone(), nil
	}
	s.mu.RUnlock()

	p, err := s.load(ctx, userID)
	if err != nil {
		if errors.Is(err, contracts.ErrNotFound) {
			return defaultProfile(userID, s.clock()), nil
		}
		return nil, err
	}

	s.mu.Lock()
	s.cache[userID] = p
	s.mu.Unlock()
	return p.Clone(), nil
}

// SetLevel validates and persists a new autonomy level, returning the
// updated profile.
func (s *Store) SetLevel(ctx context.Context, userID string, level int) (*Profile, error) {
	if level < MinLevel || level > MaxLevel {
		return nil, &contracts.ValidationError{
			Field:  "level",
			Reason: fmt.Sprintf("must be between %d and %d, got %d", MinLevel, MaxLevel, level),
		}
	}
	return s.update(ctx, userID, func(p *Profile) {
		p.Level = level
	})
}

// SetActionOverride enables or disables one action type for the user.
func (s *Store) SetActionOverride(ctx context.Context, userID string, t contracts.ActionType, enabled bool) (*Profile, error) {
	return s.update(ctx, userID, func(p *Profile) {
		if p.ActionOverrides == nil {
			p.ActionOverrides = make(map[contracts.ActionType]bool)
		}
		p.ActionOverrides[t] = enabled
	})
}

// SetSoftOverride disables (or re-enables) an overridable soft constraint.
// Whether the rule honors the override is decided by the constraint
// registry; hard rules have no override path at all.
func (s *Store) SetSoftOverride(ctx context.Context, userID, ruleID string, disabled bool) (*Profile, error) {
	return s.update(ctx, userID, func(p *Profile) {
		if p.SoftOverrides == nil {
			p.SoftOverrides = make(map[string]bool)
		}
		p.SoftOverrides[ruleID] = disabled
	})
}

// SetAttribute sets a profile attribute visible to constraint predicates.
func (s *Store) SetAttribute(ctx context.Context, userID, key string, value any) (*Profile, error) {
	return s.update(ctx, userID, func(p *Profile) {
		if p.Attributes == nil {
			p.Attributes = make(map[string]any)
		}
		p.Attributes[key] = value
	})
}

func (s *Store) update(ctx context.Context, userID string, mutate func(*Profile)) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	base, ok := s.cache[userID]
	if !ok {
		var err error
		base, err = s.load(ctx, userID)
		if errors.Is(err, contracts.ErrNotFound) {
			base = defaultProfile(userID, s.clock())
		} else if err != nil {
			return nil, err
		}
	}

	next := base.Clone()
	mutate(next)
	next.UpdatedAt = s.clock().UTC()

	if err := s.persist(ctx, next); err != nil {
		return nil, err
	}
	s.cache[userID] = next
	return next.Clone(), nil
}

func (s *Store) persist(ctx context.Context, p *Profile) error {
	actionJSON, _ := json.Marshal(nonNil(p.ActionOverrides))
	softJSON, _ := json.Marshal(nonNil(p.SoftOverrides))
	attrJSON, _ := json.Marshal(nonNil(p.Attributes))

	query := `
	INSERT INTO autonomy_profiles (user_id, level, action_overrides, soft_overrides, attributes, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		level = excluded.level,
		action_overrides = excluded.action_overrides,
		soft_overrides = excluded.soft_overrides,
		attributes = excluded.attributes,
		updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, query,
		p.UserID, p.Level, string(actionJSON), string(softJSON), string(attrJSON),
		p.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("profile: persist %s: %w", p.UserID, err)
	}
	return nil
}

func (s *Store) load(ctx context.Context, userID string) (*Profile, error) {
	query := `
	SELECT user_id, level, action_overrides, soft_overrides, attributes, updated_at
	FROM autonomy_profiles WHERE user_id = ?`
	row := s.db.QueryRowContext(ctx, query, userID)

	var p Profile
	var actionJSON, softJSON, attrJSON, updatedAt string
	err := row.Scan(&p.UserID, &p.Level, &actionJSON, &softJSON, &attrJSON, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.ErrNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal([]byte(actionJSON), &p.ActionOverrides); err != nil {
		return nil, fmt.Errorf("profile: corrupt action_overrides for %s: %w", userID, err)
	}
	if err := json.Unmarshal([]byte(softJSON), &p.SoftOverrides); err != nil {
		return nil, fmt.Errorf("profile: corrupt soft_overrides for %s: %w", userID, err)
	}
	if err := json.Unmarshal([]byte(attrJSON), &p.Attributes); err != nil {
		return nil, fmt.Errorf("profile: corrupt attributes for %s: %w", userID, err)
	}
	if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		p.UpdatedAt = ts
	}
	return &p, nil
}

func nonNil[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return map[K]V{}
	}
	return m
}
