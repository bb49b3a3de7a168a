package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/rodcoding123/helix-sub009/pkg/approval"
	"github.com/rodcoding123/helix-sub009/pkg/constraint"
	"github.com/rodcoding123/helix-sub009/pkg/contracts"
	"github.com/rodcoding123/helix-sub009/pkg/executor"
	"github.com/rodcoding123/helix-sub009/pkg/ledger"
	"github.com/rodcoding123/helix-sub009/pkg/limiter"
	"github.com/rodcoding123/helix-sub009/pkg/profile"
	"github.com/rodcoding123/helix-sub009/pkg/reversal"
	"github.com/rodcoding123/helix-sub009/pkg/store"
)

// countingExecutor wraps the loopback so tests can assert whether the
// execution boundary was crossed at all.
type countingExecutor struct {
	inner executor.Executor
	calls atomic.Int32
	fail  error
}

func (c *countingExecutor) Execute(ctx context.Context, req *contracts.ActionRequest) (*contracts.ExecutionResult, error) {
	c.calls.Add(1)
	if c.fail != nil {
		return nil, c.fail
	}
	return c.inner.Execute(ctx, req)
}

func (c *countingExecutor) Idempotent() bool { return true }

func (c *countingExecutor) BuildCompensation(req *contracts.ActionRequest, res *contracts.ExecutionResult) (map[string]any, bool) {
	if b, ok := c.inner.(executor.CompensationBuilder); ok {
		return b.BuildCompensation(req, res)
	}
	return nil, false
}

type failingSink struct{}

func (failingSink) Mirror(context.Context, *contracts.AuditEntry) error {
	return errors.New("mirror unreachable")
}

type engineFixture struct {
	engine    *Engine
	records   *store.ActionStore
	profiles  *profile.Store
	approvals *approval.Coordinator
	audit     *ledger.Ledger
	counter   *limiter.LocalCounter
	calendar  *countingExecutor
	message   *countingExecutor
	payment   *countingExecutor
	now       time.Time
}

func newEngineFixture(t *testing.T, mirror ledger.MirrorSink) *engineFixture {
	t.Helper()
	return newEngineFixtureWithPolicy(t, mirror, DefaultPolicy())
}

func newEngineFixtureWithPolicy(t *testing.T, mirror ledger.MirrorSink, policy Policy) *engineFixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	f := &engineFixture{now: time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }

	records, err := store.NewActionStore(db)
	require.NoError(t, err)
	f.records = records.WithClock(clock)

	profiles, err := profile.NewStore(db)
	require.NoError(t, err)
	f.profiles = profiles.WithClock(clock)

	rules, err := constraint.NewBuiltinRegistry()
	require.NoError(t, err)

	auditStore, err := ledger.NewSQLiteStore(db)
	require.NoError(t, err)
	f.audit = ledger.New(auditStore, mirror).WithClock(clock)

	approvals, err := approval.NewCoordinator(db, nil, nil, time.Hour)
	require.NoError(t, err)
	f.approvals = approvals.WithClock(clock)

	f.calendar = &countingExecutor{inner: executor.NewLoopbackExecutor(true)}
	f.message = &countingExecutor{inner: executor.NewLoopbackExecutor(false)}
	f.payment = &countingExecutor{inner: executor.NewLoopbackExecutor(false)}
	dispatcher := executor.NewDispatcher()
	dispatcher.Register(contracts.ActionCalendarModification, f.calendar)
	dispatcher.Register(contracts.ActionMessageSend, f.message)
	dispatcher.Register(contracts.ActionPayment, f.payment)
	dispatcher.Register(contracts.ActionDataDeletion, executor.NewLoopbackExecutor(false))

	f.counter = limiter.NewLocalCounter()

	undo := reversal.NewManager(f.records, f.profiles, rules, dispatcher, f.audit, 24*time.Hour, 0).
		WithClock(clock)

	engine, err := NewEngine(Options{
		Policy:     policy,
		Records:    f.records,
		Profiles:   f.profiles,
		Rules:      rules,
		Audit:      f.audit,
		Approvals:  f.approvals,
		Dispatcher: dispatcher,
		Counter:    f.counter,
		Undo:       undo,
		Clock:      clock,
	})
	require.NoError(t, err)
	f.engine = engine
	return f
}

func (f *engineFixture) auditEntries(t *testing.T, userID string) []contracts.AuditEntry {
	t.Helper()
	entries, err := f.audit.Range(context.Background(), userID, 1, 0)
	require.NoError(t, err)
	return entries
}

func calendarShift(id, key string, minutes int) *contracts.ActionRequest {
	return &contracts.ActionRequest{
		ID:             id,
		UserID:         "user-1",
		ActionType:     contracts.ActionCalendarModification,
		Payload:        map[string]any{"event_id": "evt-1", "shift_minutes": minutes},
		IdempotencyKey: key,
	}
}

func TestPaymentRejectedAtEveryLevel(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	for level := 0; level <= 4; level++ {
		_, err := f.profiles.SetLevel(ctx, "user-1", level)
		require.NoError(t, err)

		out, err := f.engine.SubmitAction(ctx, &contracts.ActionRequest{
			UserID:     "user-1",
			ActionType: contracts.ActionPayment,
			Payload: map[string]any{
				"amount":   49.99,
				"currency": "USD",
				"payee":    "acme",
			},
			IdempotencyKey: "pay-" + string(rune('0'+level)),
		})
		require.ErrorIs(t, err, contracts.ErrHardConstraintViolation, "level %d", level)
		require.NotNil(t, out)
		assert.Equal(t, contracts.StatusRejected, out.Record.Status)
	}

	// The executor boundary was never crossed, and the ledger holds only
	// decision entries, no pre-execution ones.
	assert.Equal(t, int32(0), f.payment.calls.Load())
	for _, e := range f.auditEntries(t, "user-1") {
		assert.Equal(t, contracts.PhaseDecision, e.Phase)
	}
}

func TestSmallCalendarShiftExecutesDirectly(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	out, err := f.engine.SubmitAction(ctx, calendarShift("", "cal-1", 30))
	require.NoError(t, err)
	assert.Nil(t, out.Ticket)
	assert.Equal(t, contracts.StatusExecuted, out.Record.Status)
	assert.True(t, out.Record.Reversible)
	assert.Equal(t, int32(1), f.calendar.calls.Load())

	entries := f.auditEntries(t, "user-1")
	require.Len(t, entries, 2)
	assert.Equal(t, contracts.PhasePreExecution, entries[0].Phase)
	assert.Equal(t, contracts.PhasePostExecution, entries[1].Phase)
}

func TestLargeShiftRequiresApprovalThenExecutes(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	// Level 2, three-hour shift: soft violation, human gate.
	out, err := f.engine.SubmitAction(ctx, calendarShift("", "cal-1", 180))
	require.NoError(t, err)
	require.NotNil(t, out.Ticket)
	assert.Equal(t, contracts.StatusProposed, out.Record.Status)
	assertViolated(t, out.Ticket.Violations, constraint.RuleCalendarShiftCap)
	assert.Equal(t, int32(0), f.calendar.calls.Load())
	assert.Empty(t, f.auditEntries(t, "user-1"), "nothing executed, nothing terminal")

	record, err := f.engine.ResolveApproval(ctx, out.Ticket.ID, contracts.DecisionApproved, "alice")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusExecuted, record.Status)
	assert.Equal(t, int32(1), f.calendar.calls.Load())

	entries := f.auditEntries(t, "user-1")
	require.Len(t, entries, 2)
	assert.Equal(t, contracts.PhasePreExecution, entries[0].Phase)
	assert.Equal(t, contracts.PhasePostExecution, entries[1].Phase)
	assert.Equal(t, record.ID, entries[0].ActionID)
}

func TestApprovalRejectedFinalizesRecord(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	out, err := f.engine.SubmitAction(ctx, calendarShift("", "cal-1", 180))
	require.NoError(t, err)
	require.NotNil(t, out.Ticket)

	record, err := f.engine.ResolveApproval(ctx, out.Ticket.ID, contracts.DecisionRejected, "alice")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusRejected, record.Status)
	assert.Equal(t, int32(0), f.calendar.calls.Load())

	entries := f.auditEntries(t, "user-1")
	require.Len(t, entries, 1)
	assert.Equal(t, contracts.PhaseDecision, entries[0].Phase)
}

func TestExpiredApprovalCannotExecute(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	out, err := f.engine.SubmitAction(ctx, calendarShift("", "cal-1", 180))
	require.NoError(t, err)
	require.NotNil(t, out.Ticket)

	f.now = f.now.Add(2 * time.Hour)
	_, err = f.engine.ResolveApproval(ctx, out.Ticket.ID, contracts.DecisionApproved, "alice")
	assert.ErrorIs(t, err, contracts.ErrApprovalExpired)
	assert.Equal(t, int32(0), f.calendar.calls.Load())

	record, err := f.engine.GetAction(ctx, out.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusRejected, record.Status)
}

func TestBypassThresholdSkipsApproval(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	_, err := f.profiles.SetLevel(ctx, "user-1", 3)
	require.NoError(t, err)

	out, err := f.engine.SubmitAction(ctx, calendarShift("", "cal-1", 180))
	require.NoError(t, err)
	assert.Nil(t, out.Ticket)
	assert.Equal(t, contracts.StatusExecuted, out.Record.Status)
}

func TestIdempotentResubmission(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	first, err := f.engine.SubmitAction(ctx, calendarShift("", "cal-1", 30))
	require.NoError(t, err)
	require.Equal(t, contracts.StatusExecuted, first.Record.Status)

	second, err := f.engine.SubmitAction(ctx, calendarShift("", "cal-1", 30))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Record.ID, second.Record.ID)
	assert.Equal(t, int32(1), f.calendar.calls.Load(), "no second execution")
	assert.Len(t, f.auditEntries(t, "user-1"), 2)
}

func TestMessageToUnknownContactHardRejected(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	send := func(key, recipient string) (*SubmitOutcome, error) {
		return f.engine.SubmitAction(ctx, &contracts.ActionRequest{
			UserID:     "user-1",
			ActionType: contracts.ActionMessageSend,
			Payload: map[string]any{
				"recipient": recipient,
				"body":      "hello",
			},
			IdempotencyKey: key,
		})
	}

	_, err := send("msg-1", "stranger@example.com")
	assert.ErrorIs(t, err, contracts.ErrHardConstraintViolation)
	assert.Equal(t, int32(0), f.message.calls.Load())

	_, err = f.profiles.SetAttribute(ctx, "user-1", "approved_contacts", []any{"friend@example.com"})
	require.NoError(t, err)

	out, err := send("msg-2", "friend@example.com")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusExecuted, out.Record.Status)
}

func TestDailyCapRoutesToApproval(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		_, err := f.counter.Incr(ctx, "user-1", f.now)
		require.NoError(t, err)
	}

	out, err := f.engine.SubmitAction(ctx, calendarShift("", "cal-1", 10))
	require.NoError(t, err)
	require.NotNil(t, out.Ticket)
	assertViolated(t, out.Ticket.Violations, constraint.RuleDailyActionCap)
}

func TestQuietHoursRoutesToApproval(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	f.now = time.Date(2025, 6, 2, 23, 0, 0, 0, time.UTC)

	out, err := f.engine.SubmitAction(ctx, calendarShift("", "cal-1", 10))
	require.NoError(t, err)
	require.NotNil(t, out.Ticket)
	assertViolated(t, out.Ticket.Violations, constraint.RuleQuietHours)
}

func TestValidationFailures(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	var verr *contracts.ValidationError

	// Missing idempotency key.
	_, err := f.engine.SubmitAction(ctx, &contracts.ActionRequest{
		UserID:     "user-1",
		ActionType: contracts.ActionCalendarModification,
		Payload:    map[string]any{"event_id": "evt-1"},
	})
	assert.ErrorAs(t, err, &verr)

	// Payload missing a schema-required field.
	_, err = f.engine.SubmitAction(ctx, &contracts.ActionRequest{
		UserID:         "user-1",
		ActionType:     contracts.ActionMessageSend,
		Payload:        map[string]any{"body": "no recipient"},
		IdempotencyKey: "msg-1",
	})
	assert.ErrorAs(t, err, &verr)

	// Nothing was recorded or audited for invalid submissions.
	assert.Empty(t, f.auditEntries(t, "user-1"))
}

func TestAuditWriteFailureBlocksExecution(t *testing.T) {
	f := newEngineFixture(t, failingSink{})
	ctx := context.Background()

	out, err := f.engine.SubmitAction(ctx, calendarShift("", "cal-1", 30))
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrAuditWriteFailure)
	assert.Equal(t, int32(0), f.calendar.calls.Load(), "executor must not run without a durable audit entry")
	require.NotNil(t, out)
	assert.Equal(t, contracts.StatusFailed, out.Record.Status)
}

func TestUnknownActionTypeFails(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	// Unregistered types are only autonomous at the maximum level.
	_, err := f.profiles.SetLevel(ctx, "user-1", 4)
	require.NoError(t, err)

	out, err := f.engine.SubmitAction(ctx, &contracts.ActionRequest{
		UserID:         "user-1",
		ActionType:     contracts.ActionType("telepathy"),
		Payload:        map[string]any{"thought": "hi"},
		IdempotencyKey: "tel-1",
	})
	// No schema and no executor: governance clears it, dispatch rejects it.
	require.ErrorIs(t, err, contracts.ErrUnknownActionType)
	assert.Equal(t, contracts.StatusFailed, out.Record.Status)
}

func TestUndoThroughEngine(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	out, err := f.engine.SubmitAction(ctx, calendarShift("", "cal-1", 30))
	require.NoError(t, err)
	require.Equal(t, contracts.StatusExecuted, out.Record.Status)

	undone, err := f.engine.Undo(ctx, out.Record.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusUndone, undone.Status)

	entries := f.auditEntries(t, "user-1")
	require.Len(t, entries, 3)
	assert.Equal(t, contracts.PhaseUndo, entries[2].Phase)

	// The chain stays verifiable through the whole lifecycle.
	res, err := f.engine.VerifyAudit(ctx, "user-1", 0)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestSweeperCallbackFinalizesExpiredTickets(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	out, err := f.engine.SubmitAction(ctx, calendarShift("", "cal-1", 180))
	require.NoError(t, err)
	require.NotNil(t, out.Ticket)

	f.now = f.now.Add(2 * time.Hour)
	expired, err := f.approvals.ExpireDue(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	f.engine.OnApprovalExpired(ctx, expired[0])

	record, err := f.engine.GetAction(ctx, out.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusRejected, record.Status)

	entries := f.auditEntries(t, "user-1")
	require.Len(t, entries, 1)
	assert.Equal(t, contracts.PhaseDecision, entries[0].Phase)
}

// assertViolated checks that one of the ticket's violation labels names the
// rule. Labels are "rule_id: description" lines.
func assertViolated(t *testing.T, violations []string, ruleID string) {
	t.Helper()
	for _, v := range violations {
		if strings.HasPrefix(v, ruleID+":") || v == ruleID {
			return
		}
	}
	t.Errorf("violations %v do not name rule %s", violations, ruleID)
}

func TestRetentionWindowBoundsDeduplication(t *testing.T) {
	f := newEngineFixtureWithPolicy(t, nil, Policy{RetentionWindow: time.Hour})
	ctx := context.Background()

	first, err := f.engine.SubmitAction(ctx, calendarShift("", "cal-1", 15))
	require.NoError(t, err)
	require.Equal(t, contracts.StatusExecuted, first.Record.Status)

	// Inside the window the same key is a duplicate.
	dup, err := f.engine.SubmitAction(ctx, calendarShift("", "cal-1", 15))
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, first.Record.ID, dup.Record.ID)

	// Past the window the key is live again and the action re-executes.
	f.now = f.now.Add(2 * time.Hour)
	again, err := f.engine.SubmitAction(ctx, calendarShift("", "cal-1", 15))
	require.NoError(t, err)
	assert.False(t, again.Duplicate)
	assert.NotEqual(t, first.Record.ID, again.Record.ID)
	assert.Equal(t, contracts.StatusExecuted, again.Record.Status)
	assert.Equal(t, int32(2), f.calendar.calls.Load())
}

func TestFailedDispatchDoesNotConsumeQuota(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	f.calendar.fail = contracts.Permanentf("calendar backend rejected the change")
	_, err := f.engine.SubmitAction(ctx, calendarShift("", "cal-1", 15))
	require.Error(t, err)

	count, err := f.counter.Today(ctx, "user-1", f.now)
	require.NoError(t, err)
	assert.Equal(t, 0, count, "a failed dispatch must not eat quota")

	f.calendar.fail = nil
	out, err := f.engine.SubmitAction(ctx, calendarShift("", "cal-2", 15))
	require.NoError(t, err)
	require.Equal(t, contracts.StatusExecuted, out.Record.Status)

	count, err = f.counter.Today(ctx, "user-1", f.now)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
