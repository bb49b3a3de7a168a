// Package approval manages the human-in-the-loop tickets that gate
// soft-constraint-violating actions.
//
// Tickets are durable rows, not in-memory timers: a process restart loses
// neither a pending ticket nor the mapping from its external reference back
// to it. Resolution is an atomic compare-and-set on the Pending state, so
// for any number of concurrent resolvers exactly one wins; everyone else
// gets contracts.ErrApprovalAlreadyResolved and the final decision. Expiry
// is enforced both by a periodic durable sweep and on every access, so a
// stale approval can never land after the deadline.
package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rodcoding123/helix-sub009/pkg/contracts"
)

// Channel is the outbound interface to the approval-posting collaborator
// (a chat bot, an email bridge). Post returns the external reference the
// collaborator assigned; callbackToken authenticates the eventual webhook.
type Channel interface {
	Post(ctx context.Context, t *contracts.ApprovalTicket, callbackToken string) (externalRef string, err error)
}

// Coordinator owns ticket lifecycle. Safe for concurrent use; all state
// lives in the database.
type Coordinator struct {
	db      *sql.DB
	channel Channel
	tokens  *TokenIssuer
	ttl     time.Duration
	clock   func() time.Time
	logger  *slog.Logger
}

// NewCoordinator creates the coordinator and runs its migration. channel
// and tokens may be nil (tickets are then resolved through the API only).
func NewCoordinator(db *sql.DB, channel Channel, tokens *TokenIssuer, ttl time.Duration) (*Coordinator, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	c := &Coordinator{
		db:      db,
		channel: channel,
		tokens:  tokens,
		ttl:     ttl,
		clock:   time.Now,
		logger:  slog.Default().With("component", "approval"),
	}
	if err := c.migrate(); err != nil {
		return nil, err
	}
	return c, nil
}

// WithClock overrides the clock for deterministic testing.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	return c
}

func (c *Coordinator) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS approval_tickets (
		id TEXT PRIMARY KEY,
		action_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		external_ref TEXT NOT NULL DEFAULT '',
		violations TEXT NOT NULL DEFAULT '[]',
		decision TEXT NOT NULL,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		resolved_by TEXT NOT NULL DEFAULT '',
		resolved_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_tickets_pending ON approval_tickets (decision, expires_at);
	CREATE INDEX IF NOT EXISTS idx_tickets_external_ref ON approval_tickets (external_ref);`
	_, err := c.db.ExecContext(context.Background(), query)
	return err
}

// Create opens a Pending ticket for an action and posts it to the channel.
// A channel failure does not fail creation: the ticket is durable and can
// still be resolved through the API, so losing the notification is a lesser
// evil than losing the gate.
func (c *Coordinator) Create(ctx context.Context, actionID, userID string, violations []string) (*contracts.ApprovalTicket, error) {
	now := c.clock().UTC()
	t := &contracts.ApprovalTicket{
		ID:         uuid.New().String(),
		ActionID:   actionID,
		UserID:     userID,
		Violations: violations,
		Decision:   contracts.DecisionPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(c.ttl),
	}

	violJSON, _ := json.Marshal(violations)
	_, err := c.db.ExecContext(ctx, `
	INSERT INTO approval_tickets (id, action_id, user_id, violations, decision, created_at, expires_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ActionID, t.UserID, string(violJSON), string(t.Decision),
		t.CreatedAt.Format(time.RFC3339Nano), t.ExpiresAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("approval: create ticket: %w", err)
	}

	if c.channel != nil {
		token := ""
		if c.tokens != nil {
			token, err = c.tokens.Mint(t.ID, t.ExpiresAt)
			if err != nil {
				return nil, fmt.Errorf("approval: mint callback token: %w", err)
			}
		}
		ref, postErr := c.channel.Post(ctx, t, token)
		if postErr != nil {
			c.logger.WarnContext(ctx, "approval channel post failed",
				"ticket_id", t.ID, "error", postErr)
		} else if ref != "" {
			if _, err := c.db.ExecContext(ctx,
				`UPDATE approval_tickets SET external_ref = ? WHERE id = ?`, ref, t.ID); err != nil {
				c.logger.WarnContext(ctx, "store external ref failed", "ticket_id", t.ID, "error", err)
			} else {
				t.ExternalRef = ref
			}
		}
	}
	return t, nil
}

// Get returns the ticket, forcing the Expired state first if its deadline
// has passed. Any path that reads a ticket sees expiry before anything else.
func (c *Coordinator) Get(ctx context.Context, ticketID string) (*contracts.ApprovalTicket, error) {
	t, err := c.load(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	return c.enforceExpiry(ctx, t)
}

// GetByExternalRef resolves the channel's reference back to a ticket.
func (c *Coordinator) GetByExternalRef(ctx context.Context, ref string) (*contracts.ApprovalTicket, error) {
	row := c.db.QueryRowContext(ctx, selectTicket+` WHERE external_ref = ?`, ref)
	t, err := scanTicket(row)
	if err != nil {
		return nil, err
	}
	return c.enforceExpiry(ctx, t)
}

// Resolve performs the single-winner compare-and-set. decision must be
// Approved or Rejected. The winner gets the updated ticket and a nil error;
// every later caller gets the final ticket with
// contracts.ErrApprovalAlreadyResolved (or contracts.ErrApprovalExpired
// when expiry beat the decision).
func (c *Coordinator) Resolve(ctx context.Context, ticketID string, decision contracts.ApprovalDecision, resolvedBy string) (*contracts.ApprovalTicket, error) {
	if decision != contracts.DecisionApproved && decision != contracts.DecisionRejected {
		return nil, &contracts.ValidationError{Field: "decision", Reason: fmt.Sprintf("cannot resolve to %q", decision)}
	}

	t, err := c.Get(ctx, ticketID) // forces expiry first
	if err != nil {
		return nil, err
	}
	if t.Decision == contracts.DecisionExpired {
		return t, contracts.ErrApprovalExpired
	}
	if t.Decision.Terminal() {
		return t, contracts.ErrApprovalAlreadyResolved
	}

	// The deadline is part of the compare-and-set predicate, not just the
	// read above: if the ticket expires between the expiry check and this
	// write, the write must miss.
	now := c.clock().UTC()
	res, err := c.db.ExecContext(ctx, `
	UPDATE approval_tickets SET decision = ?, resolved_by = ?, resolved_at = ?
	WHERE id = ? AND decision = ? AND expires_at > ?`,
		string(decision), resolvedBy, now.Format(time.RFC3339Nano),
		ticketID, string(contracts.DecisionPending), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("approval: resolve %s: %w", ticketID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		// Lost the race; report the state the winner left behind.
		final, loadErr := c.load(ctx, ticketID)
		if loadErr != nil {
			return nil, loadErr
		}
		switch final.Decision {
		case contracts.DecisionExpired:
			return final, contracts.ErrApprovalExpired
		case contracts.DecisionPending:
			// Still Pending means the deadline clause blocked the write;
			// make the expiry durable before reporting it.
			expired, _, eerr := c.expire(ctx, ticketID)
			if eerr != nil {
				return nil, eerr
			}
			return expired, contracts.ErrApprovalExpired
		default:
			return final, contracts.ErrApprovalAlreadyResolved
		}
	}

	t.Decision = decision
	t.ResolvedBy = resolvedBy
	t.ResolvedAt = &now
	return t, nil
}

// TicketIDFromToken authenticates a callback token and returns the ticket
// it names, without resolving anything.
func (c *Coordinator) TicketIDFromToken(token string) (string, error) {
	if c.tokens == nil {
		return "", errors.New("approval: callback tokens not configured")
	}
	ticketID, err := c.tokens.Parse(token)
	if err != nil {
		return "", &contracts.ValidationError{Field: "token", Reason: err.Error()}
	}
	return ticketID, nil
}

// ResolveByToken authenticates a webhook callback token and resolves the
// ticket it names.
func (c *Coordinator) ResolveByToken(ctx context.Context, token string, decision contracts.ApprovalDecision, resolvedBy string) (*contracts.ApprovalTicket, error) {
	ticketID, err := c.TicketIDFromToken(token)
	if err != nil {
		return nil, err
	}
	return c.Resolve(ctx, ticketID, decision, resolvedBy)
}

// Cancel lets the proposer withdraw a still-Pending ticket. It is a
// resolution to Rejected and follows the same single-winner rules.
func (c *Coordinator) Cancel(ctx context.Context, ticketID, requestedBy string) (*contracts.ApprovalTicket, error) {
	return c.Resolve(ctx, ticketID, contracts.DecisionRejected, requestedBy)
}

// ExpireDue transitions every overdue Pending ticket to Expired and returns
// the tickets this call expired (races with concurrent resolvers are
// settled by the same CAS, so no ticket is reported twice).
func (c *Coordinator) ExpireDue(ctx context.Context) ([]*contracts.ApprovalTicket, error) {
	now := c.clock().UTC().Format(time.RFC3339Nano)
	rows, err := c.db.QueryContext(ctx,
		`SELECT id FROM approval_tickets WHERE decision = ? AND expires_at <= ?`,
		string(contracts.DecisionPending), now)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var expired []*contracts.ApprovalTicket
	for _, id := range ids {
		t, won, err := c.expire(ctx, id)
		if err != nil {
			return expired, err
		}
		if won {
			expired = append(expired, t)
		}
	}
	return expired, nil
}

// RunSweeper periodically expires overdue tickets until ctx is cancelled.
// onExpired, if set, is invoked for each ticket this sweep expired (the
// engine uses it to reject the gated action and audit the expiry).
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration, onExpired func(context.Context, *contracts.ApprovalTicket)) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := c.ExpireDue(ctx)
			if err != nil {
				c.logger.WarnContext(ctx, "expiry sweep failed", "error", err)
				continue
			}
			for _, t := range expired {
				if onExpired != nil {
					onExpired(ctx, t)
				}
			}
		}
	}
}

func (c *Coordinator) enforceExpiry(ctx context.Context, t *contracts.ApprovalTicket) (*contracts.ApprovalTicket, error) {
	if t.Decision != contracts.DecisionPending || c.clock().UTC().Before(t.ExpiresAt) {
		return t, nil
	}
	expired, _, err := c.expire(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	return expired, nil
}

func (c *Coordinator) expire(ctx context.Context, ticketID string) (*contracts.ApprovalTicket, bool, error) {
	now := c.clock().UTC()
	res, err := c.db.ExecContext(ctx, `
	UPDATE approval_tickets SET decision = ?, resolved_at = ?
	WHERE id = ? AND decision = ?`,
		string(contracts.DecisionExpired), now.Format(time.RFC3339Nano),
		ticketID, string(contracts.DecisionPending))
	if err != nil {
		return nil, false, fmt.Errorf("approval: expire %s: %w", ticketID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	t, err := c.load(ctx, ticketID)
	if err != nil {
		return nil, false, err
	}
	return t, rows == 1 && t.Decision == contracts.DecisionExpired, nil
}

const selectTicket = `
SELECT id, action_id, user_id, external_ref, violations, decision, created_at, expires_at, resolved_by, resolved_at
FROM approval_tickets`

func (c *Coordinator) load(ctx context.Context, ticketID string) (*contracts.ApprovalTicket, error) {
	row := c.db.QueryRowContext(ctx, selectTicket+` WHERE id = ?`, ticketID)
	return scanTicket(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (*contracts.ApprovalTicket, error) {
	var t contracts.ApprovalTicket
	var violJSON, decision, createdAt, expiresAt string
	var resolvedAt sql.NullString
	err := row.Scan(&t.ID, &t.ActionID, &t.UserID, &t.ExternalRef, &violJSON,
		&decision, &createdAt, &expiresAt, &t.ResolvedBy, &resolvedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.ErrNotFound
		}
		return nil, err
	}
	t.Decision = contracts.ApprovalDecision(decision)
	if err := json.Unmarshal([]byte(violJSON), &t.Violations); err != nil {
		return nil, fmt.Errorf("approval: corrupt violations for %s: %w", t.ID, err)
	}
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		t.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, expiresAt); err == nil {
		t.ExpiresAt = ts
	}
	if resolvedAt.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, resolvedAt.String); err == nil {
			t.ResolvedAt = &ts
		}
	}
	return &t, nil
}
