package constraint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rodcoding123/helix-sub009/pkg/contracts"
)

// midday avoids tripping the quiet-hours rule in tests that target others.
var midday = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func builtins(t *testing.T) *Registry {
	t.Helper()
	r, err := NewBuiltinRegistry()
	require.NoError(t, err)
	return r
}

func TestEvaluate_PaymentAlwaysHardViolation(t *testing.T) {
	r := builtins(t)
	for level := 0; level <= 4; level++ {
		ev := r.Evaluate(Input{
			ActionType: contracts.ActionPayment,
			Level:      level,
			Payload:    map[string]any{"amount": 5},
			Now:        midday,
		})
		require.True(t, ev.HardViolated(), "level %d", level)
		assert.Equal(t, RuleNoSpend, ev.Hard[0].RuleID)
		assert.Contains(t, ev.Hard[0].Description, "never spend money")
	}
}

func TestEvaluate_PaymentWithoutAmountStillViolates(t *testing.T) {
	r := builtins(t)
	ev := r.Evaluate(Input{
		ActionType: contracts.ActionPayment,
		Payload:    map[string]any{},
		Now:        midday,
	})
	assert.True(t, ev.HardViolated())
}

func TestEvaluate_HardShortCircuits(t *testing.T) {
	r := builtins(t)
	// Payment during quiet hours: hard rule wins, soft list stays empty.
	ev := r.Evaluate(Input{
		ActionType: contracts.ActionPayment,
		Payload:    map[string]any{"amount": 1},
		Now:        time.Date(2026, 3, 14, 23, 0, 0, 0, time.UTC),
	})
	require.True(t, ev.HardViolated())
	assert.Empty(t, ev.Soft)
}

func TestEvaluate_IrreversibleDeletion(t *testing.T) {
	r := builtins(t)

	ev := r.Evaluate(Input{
		ActionType: contracts.ActionDataDeletion,
		Payload:    map[string]any{"irreversible": true},
		Now:        midday,
	})
	assert.True(t, ev.HardViolated())

	ev = r.Evaluate(Input{
		ActionType: contracts.ActionDataDeletion,
		Payload:    map[string]any{"irreversible": true, "confirmed": true},
		Now:        midday,
	})
	assert.False(t, ev.HardViolated())

	ev = r.Evaluate(Input{
		ActionType: contracts.ActionDataDeletion,
		Payload:    map[string]any{"irreversible": false},
		Now:        midday,
	})
	assert.False(t, ev.HardViolated())
}

func TestEvaluate_ApprovedContacts(t *testing.T) {
	r := builtins(t)
	profile := map[string]any{"approved_contacts": []any{"alice", "bob"}}

	ev := r.Evaluate(Input{
		ActionType: contracts.ActionMessageSend,
		Payload:    map[string]any{"recipient": "mallory", "body": "hi"},
		Profile:    profile,
		Now:        midday,
	})
	require.True(t, ev.HardViolated())
	assert.Equal(t, RuleApprovedContacts, ev.Hard[0].RuleID)

	ev = r.Evaluate(Input{
		ActionType: contracts.ActionMessageSend,
		Payload:    map[string]any{"recipient": "alice", "body": "hi"},
		Profile:    profile,
		Now:        midday,
	})
	assert.False(t, ev.HardViolated())
}

func TestEvaluate_CalendarShiftCap(t *testing.T) {
	r := builtins(t)

	ev := r.Evaluate(Input{
		ActionType: contracts.ActionCalendarModification,
		Payload:    map[string]any{"shift_minutes": 180},
		Now:        midday,
	})
	require.False(t, ev.HardViolated())
	require.Len(t, ev.Soft, 1)
	assert.Equal(t, RuleCalendarShiftCap, ev.Soft[0].RuleID)

	ev = r.Evaluate(Input{
		ActionType: contracts.ActionCalendarModification,
		Payload:    map[string]any{"shift_minutes": 45},
		Now:        midday,
	})
	assert.Empty(t, ev.Soft)
}

func TestEvaluate_QuietHoursAndDailyCapCollected(t *testing.T) {
	r := builtins(t)
	ev := r.Evaluate(Input{
		ActionType: contracts.ActionCalendarModification,
		Payload:    map[string]any{"shift_minutes": 30},
		Now:        time.Date(2026, 3, 14, 23, 30, 0, 0, time.UTC),
		DailyCount: 50,
	})
	require.False(t, ev.HardViolated())
	ids := []string{ev.Soft[0].RuleID, ev.Soft[1].RuleID}
	assert.ElementsMatch(t, []string{RuleQuietHours, RuleDailyActionCap}, ids)
}

func TestEvaluate_SoftOverrideDisablesRule(t *testing.T) {
	r := builtins(t)
	ev := r.Evaluate(Input{
		ActionType:   contracts.ActionCalendarModification,
		Payload:      map[string]any{"shift_minutes": 180},
		Now:          midday,
		SoftDisabled: map[string]bool{RuleCalendarShiftCap: true},
	})
	assert.Empty(t, ev.Soft)
}

func TestEvaluate_HardEvalErrorFailsClosed(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)
	require.NoError(t, r.RegisterHard(HardRule{
		ID:          "hard.broken",
		Scope:       contracts.ScopeAll,
		Description: "broken predicate",
		// Division by zero at eval time.
		Expr: `1 / int(payload.zero) > 0`,
	}))

	ev := r.Evaluate(Input{
		ActionType: contracts.ActionMessageSend,
		Payload:    map[string]any{"zero": 0},
		Now:        midday,
	})
	require.True(t, ev.HardViolated())
	assert.Contains(t, ev.Hard[0].Description, "evaluation error")
}

func TestRegisterHard_RejectsInvalidExpr(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)
	err = r.RegisterHard(HardRule{ID: "bad", Expr: `payload..x`})
	assert.Error(t, err)
}

func TestEvaluate_Deterministic(t *testing.T) {
	r := builtins(t)
	in := Input{
		ActionType: contracts.ActionCalendarModification,
		Payload:    map[string]any{"shift_minutes": 180},
		Now:        midday,
	}
	first := r.Evaluate(in)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, r.Evaluate(in))
	}
}
