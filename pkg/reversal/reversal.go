// Package reversal undoes executed actions by dispatching the compensation
// recorded at execution time. An undo is itself a governed action: its
// compensation payload is re-evaluated against the hard constraints before
// anything runs, so reversal can never be a side door around policy.
package reversal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rodcoding123/helix-sub009/pkg/constraint"
	"github.com/rodcoding123/helix-sub009/pkg/contracts"
	"github.com/rodcoding123/helix-sub009/pkg/executor"
	"github.com/rodcoding123/helix-sub009/pkg/ledger"
	"github.com/rodcoding123/helix-sub009/pkg/profile"
	"github.com/rodcoding123/helix-sub009/pkg/store"
)

var (
	// ErrNotUndoable means the record is not in an undoable state: wrong
	// status, not reversible, or no compensation recorded.
	ErrNotUndoable = errors.New("action cannot be undone")

	// ErrReversalWindowExpired means too much time passed since execution.
	ErrReversalWindowExpired = errors.New("reversal window expired")

	// ErrAutonomyTooLow means the user's autonomy level does not permit
	// agent-initiated undo.
	ErrAutonomyTooLow = errors.New("autonomy level too low for undo")
)

// Manager coordinates undo. All of its collaborators are the same ones the
// forward path uses; undo differs only in direction.
type Manager struct {
	records    *store.ActionStore
	profiles   *profile.Store
	rules      *constraint.Registry
	dispatcher *executor.Dispatcher
	audit      *ledger.Ledger
	window     time.Duration
	minLevel   int
	clock      func() time.Time
	logger     *slog.Logger
}

func NewManager(records *store.ActionStore, profiles *profile.Store, rules *constraint.Registry, dispatcher *executor.Dispatcher, audit *ledger.Ledger, window time.Duration, minLevel int) *Manager {
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	return &Manager{
		records:    records,
		profiles:   profiles,
		rules:      rules,
		dispatcher: dispatcher,
		audit:      audit,
		window:     window,
		minLevel:   minLevel,
		clock:      time.Now,
		logger:     slog.Default().With("component", "reversal"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Undo reverses an executed action. The compensation runs through the hard
// constraints first; a compensation that would itself violate policy leaves
// the record Executed and returns the violation.
func (m *Manager) Undo(ctx context.Context, actionID, requestedBy string) (*contracts.ActionRecord, error) {
	r, err := m.records.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if r.Status != contracts.StatusExecuted {
		return nil, fmt.Errorf("%w: status is %s", ErrNotUndoable, r.Status)
	}
	if !r.Reversible || len(r.CompensationPayload) == 0 {
		return nil, fmt.Errorf("%w: no compensation recorded", ErrNotUndoable)
	}

	now := m.clock().UTC()
	if now.Sub(m.executedAt(r)) > m.window {
		return nil, ErrReversalWindowExpired
	}

	prof, err := m.profiles.Get(ctx, r.UserID)
	if err != nil {
		return nil, err
	}
	if prof.Level < m.minLevel {
		return nil, fmt.Errorf("%w: level %d, need %d", ErrAutonomyTooLow, prof.Level, m.minLevel)
	}

	comp := &contracts.ActionRequest{
		ID:          uuid.New().String(),
		UserID:      r.UserID,
		ActionType:  r.ActionType,
		Payload:     r.CompensationPayload,
		RequestedAt: now,
	}

	eval := m.rules.Evaluate(constraint.Input{
		ActionType: comp.ActionType,
		Level:      prof.Level,
		Payload:    comp.Payload,
		Profile:    prof.Attributes,
		Now:        now,
	})
	if eval.HardViolated() {
		return nil, &contracts.HardViolationError{ActionID: comp.ID, Rules: eval.HardRuleIDs()}
	}

	res, err := m.dispatcher.Dispatch(ctx, comp)
	if err != nil {
		m.logger.ErrorContext(ctx, "compensation dispatch failed",
			"action_id", actionID, "compensation_id", comp.ID, "error", err)
		return nil, fmt.Errorf("reversal: dispatch compensation: %w", err)
	}

	undone, err := m.records.Transition(ctx, actionID, contracts.StatusExecuted, contracts.StatusUndone, func(rec *contracts.ActionRecord) {
		rec.StampPhase(string(contracts.PhaseUndo), now)
	})
	if err != nil {
		// The compensation ran but the record did not move; surface loudly
		// rather than pretend nothing happened.
		m.logger.ErrorContext(ctx, "record transition failed after compensation",
			"action_id", actionID, "error", err)
		return nil, err
	}

	detail := fmt.Sprintf("undone by %s, compensation %s, ref %s", requestedBy, comp.ID, res.ExternalRef)
	if _, err := m.audit.Append(ctx, r.UserID, actionID, contracts.PhaseUndo, comp.Payload, detail); err != nil {
		m.logger.ErrorContext(ctx, "undo audit append failed", "action_id", actionID, "error", err)
	}
	return undone, nil
}

// executedAt prefers the post-execution stamp and falls back to the last
// update for records written before phase stamping existed.
func (m *Manager) executedAt(r *contracts.ActionRecord) time.Time {
	if ts, ok := r.PhaseTimestamps[string(contracts.PhasePostExecution)]; ok {
		return ts
	}
	return r.UpdatedAt
}
