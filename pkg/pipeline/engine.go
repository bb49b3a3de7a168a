// Package pipeline is the governance engine's front door. SubmitAction
// takes a proposed action through validation, constraint evaluation and
// autonomy gating, and either executes it, rejects it, or parks it behind
// a human approval. The invariant the whole package serves: no executor
// runs before a durable pre-execution audit entry exists.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rodcoding123/helix-sub009/pkg/approval"
	"github.com/rodcoding123/helix-sub009/pkg/constraint"
	"github.com/rodcoding123/helix-sub009/pkg/contracts"
	"github.com/rodcoding123/helix-sub009/pkg/executor"
	"github.com/rodcoding123/helix-sub009/pkg/ledger"
	"github.com/rodcoding123/helix-sub009/pkg/limiter"
	"github.com/rodcoding123/helix-sub009/pkg/observability"
	"github.com/rodcoding123/helix-sub009/pkg/profile"
	"github.com/rodcoding123/helix-sub009/pkg/reversal"
	"github.com/rodcoding123/helix-sub009/pkg/store"
)

// levelInsufficient is the pseudo-violation put on approval tickets when
// the action type is not autonomous at the user's current level.
const levelInsufficient = "autonomy.level_insufficient"

// Policy carries the engine's tunable governance parameters.
type Policy struct {
	// ApprovalBypassThreshold is the autonomy level at or above which
	// overridable soft violations no longer require approval. Zero means
	// the default; a negative threshold bypasses at every level and a
	// value above the maximum level never bypasses.
	ApprovalBypassThreshold int

	// RetentionWindow bounds idempotency-key deduplication.
	RetentionWindow time.Duration

	// ApprovalTTL is how long a ticket stays open.
	ApprovalTTL time.Duration
}

// DefaultPolicy returns the shipped defaults.
func DefaultPolicy() Policy {
	return Policy{
		ApprovalBypassThreshold: 3,
		RetentionWindow:         30 * 24 * time.Hour,
		ApprovalTTL:             24 * time.Hour,
	}
}

// Options bundles the engine's collaborators.
type Options struct {
	Policy     Policy
	Records    *store.ActionStore
	Profiles   *profile.Store
	Rules      *constraint.Registry
	Audit      *ledger.Ledger
	Approvals  *approval.Coordinator
	Dispatcher *executor.Dispatcher
	Counter    limiter.Counter
	Undo       *reversal.Manager
	Telemetry  *observability.Provider // nil is a valid no-op
	Clock      func() time.Time
}

// Engine orchestrates the full action lifecycle.
type Engine struct {
	policy     Policy
	records    *store.ActionStore
	profiles   *profile.Store
	rules      *constraint.Registry
	audit      *ledger.Ledger
	approvals  *approval.Coordinator
	dispatcher *executor.Dispatcher
	counter    limiter.Counter
	undo       *reversal.Manager
	telemetry  *observability.Provider
	validator  *Validator
	clock      func() time.Time
	logger     *slog.Logger
}

func NewEngine(opts Options) (*Engine, error) {
	switch {
	case opts.Records == nil:
		return nil, errors.New("pipeline: record store required")
	case opts.Profiles == nil:
		return nil, errors.New("pipeline: profile store required")
	case opts.Rules == nil:
		return nil, errors.New("pipeline: constraint registry required")
	case opts.Audit == nil:
		return nil, errors.New("pipeline: audit ledger required")
	case opts.Approvals == nil:
		return nil, errors.New("pipeline: approval coordinator required")
	case opts.Dispatcher == nil:
		return nil, errors.New("pipeline: dispatcher required")
	}
	validator, err := NewValidator()
	if err != nil {
		return nil, err
	}
	def := DefaultPolicy()
	if opts.Policy.ApprovalBypassThreshold == 0 {
		opts.Policy.ApprovalBypassThreshold = def.ApprovalBypassThreshold
	}
	if opts.Policy.RetentionWindow <= 0 {
		opts.Policy.RetentionWindow = def.RetentionWindow
	}
	if opts.Policy.ApprovalTTL <= 0 {
		opts.Policy.ApprovalTTL = def.ApprovalTTL
	}
	if opts.Counter == nil {
		opts.Counter = limiter.NewLocalCounter()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Engine{
		policy:     opts.Policy,
		records:    opts.Records,
		profiles:   opts.Profiles,
		rules:      opts.Rules,
		audit:      opts.Audit,
		approvals:  opts.Approvals,
		dispatcher: opts.Dispatcher,
		counter:    opts.Counter,
		undo:       opts.Undo,
		telemetry:  opts.Telemetry,
		validator:  validator,
		clock:      opts.Clock,
		logger:     slog.Default().With("component", "pipeline"),
	}, nil
}

// SubmitOutcome is the result of a submission. Exactly one of the three
// shapes occurs: executed/rejected (Record final), approval pending
// (Ticket set), or duplicate (the earlier Record returned unchanged).
type SubmitOutcome struct {
	Record    *contracts.ActionRecord
	Ticket    *contracts.ApprovalTicket
	Duplicate bool
}

// SubmitAction governs one proposed action end to end.
func (e *Engine) SubmitAction(ctx context.Context, req *contracts.ActionRequest) (*SubmitOutcome, error) {
	start := e.clock()
	ctx, span := e.telemetry.StartSpan(ctx, "governd.submit",
		trace.WithAttributes(attribute.String("action.type", string(req.ActionType))))
	defer span.End()
	e.telemetry.RecordSubmission(ctx, string(req.ActionType))

	if err := e.validator.Validate(req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	now := e.clock().UTC()
	if req.RequestedAt.IsZero() {
		req.RequestedAt = now
	}

	// Idempotent resubmission within the retention window returns the
	// original record without re-governing anything.
	since := now.Add(-e.policy.RetentionWindow)
	if existing, err := e.records.FindByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey, since); err != nil {
		return nil, err
	} else if existing != nil {
		return &SubmitOutcome{Record: existing, Duplicate: true}, nil
	}

	record := &contracts.ActionRecord{ActionRequest: *req, Status: contracts.StatusProposed}
	record.StampPhase("proposed", now)
	record, fresh, err := e.records.Create(ctx, record, since)
	if err != nil {
		return nil, err
	}
	if !fresh {
		return &SubmitOutcome{Record: record, Duplicate: true}, nil
	}

	prof, err := e.profiles.Get(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	dailyCount, err := e.counter.Today(ctx, req.UserID, now)
	if err != nil {
		return nil, fmt.Errorf("pipeline: daily counter unavailable: %w", err)
	}

	eval := e.rules.Evaluate(constraint.Input{
		ActionType:   req.ActionType,
		Level:        prof.Level,
		Payload:      req.Payload,
		Profile:      prof.Attributes,
		Now:          now,
		DailyCount:   int64(dailyCount),
		SoftDisabled: prof.SoftOverrides,
	})

	if eval.HardViolated() {
		rejected, err := e.reject(ctx, record.ID, req.UserID,
			"hard constraint violation: "+joinIDs(eval.HardRuleIDs()))
		if err != nil {
			return nil, err
		}
		e.recordDecision(ctx, req.ActionType, "rejected", start)
		return &SubmitOutcome{Record: rejected}, &contracts.HardViolationError{
			ActionID: record.ID,
			Rules:    eval.HardRuleIDs(),
		}
	}

	if violations := e.approvalViolations(prof, req.ActionType, eval); len(violations) > 0 {
		ticket, err := e.approvals.Create(ctx, record.ID, req.UserID, violations)
		if err != nil {
			return nil, err
		}
		e.recordDecision(ctx, req.ActionType, "approval_pending", start)
		return &SubmitOutcome{Record: record, Ticket: ticket}, nil
	}

	executed, err := e.execute(ctx, record)
	if err != nil {
		e.recordDecision(ctx, req.ActionType, "failed", start)
		return &SubmitOutcome{Record: executed}, err
	}
	e.recordDecision(ctx, req.ActionType, "executed", start)
	return &SubmitOutcome{Record: executed}, nil
}

// approvalViolations decides whether the action needs a human. A type not
// autonomous at the user's level always does. Soft violations do unless
// the user sits at or above the bypass threshold and every violated rule
// is overridable.
func (e *Engine) approvalViolations(prof *profile.Profile, t contracts.ActionType, eval constraint.Evaluation) []string {
	var violations []string
	if !prof.Enabled(t) {
		violations = append(violations, levelInsufficient+": action type not autonomous at the user's level")
	}
	if len(eval.Soft) > 0 {
		bypass := prof.Level >= e.policy.ApprovalBypassThreshold && e.rules.AllOverridable(eval.Soft)
		if !bypass {
			violations = append(violations, eval.SoftLabels()...)
		}
	}
	return violations
}

// execute runs an action that cleared governance. The pre-execution audit
// append is fail-closed: if it does not land durably (including the
// external mirror's acknowledgment), the action is marked Failed and never
// reaches an executor.
func (e *Engine) execute(ctx context.Context, record *contracts.ActionRecord) (*contracts.ActionRecord, error) {
	now := e.clock().UTC()
	record, err := e.records.Transition(ctx, record.ID, contracts.StatusProposed, contracts.StatusReadyToExecute, func(r *contracts.ActionRecord) {
		r.StampPhase("ready", now)
	})
	if err != nil {
		return nil, err
	}

	if _, err := e.audit.Append(ctx, record.UserID, record.ID, contracts.PhasePreExecution,
		record.ActionRequest, "cleared for execution"); err != nil {
		failed, terr := e.records.Transition(ctx, record.ID, contracts.StatusReadyToExecute, contracts.StatusFailed, func(r *contracts.ActionRecord) {
			r.Result = &contracts.ExecutionResult{Message: "audit write failure"}
		})
		if terr != nil {
			e.logger.ErrorContext(ctx, "record transition failed after audit failure",
				"action_id", record.ID, "error", terr)
			failed = record
		}
		return failed, fmt.Errorf("pipeline: pre-execution audit: %w", err)
	}

	record, err = e.records.Transition(ctx, record.ID, contracts.StatusReadyToExecute, contracts.StatusExecuting, func(r *contracts.ActionRecord) {
		r.StampPhase(string(contracts.PhasePreExecution), now)
	})
	if err != nil {
		return nil, err
	}

	done := e.telemetry.TrackExecution(ctx, string(record.ActionType))
	result, execErr := e.dispatcher.Dispatch(ctx, &record.ActionRequest)
	done()

	finishedAt := e.clock().UTC()
	if execErr != nil {
		e.telemetry.RecordExecutorError(ctx, string(record.ActionType), execErr)
		failed, terr := e.records.Transition(ctx, record.ID, contracts.StatusExecuting, contracts.StatusFailed, func(r *contracts.ActionRecord) {
			r.Result = &contracts.ExecutionResult{Message: execErr.Error()}
			r.StampPhase(string(contracts.PhasePostExecution), finishedAt)
		})
		if terr != nil {
			e.logger.ErrorContext(ctx, "record transition failed after executor failure",
				"action_id", record.ID, "error", terr)
			failed = record
		}
		if _, aerr := e.audit.Append(ctx, record.UserID, record.ID, contracts.PhasePostExecution,
			map[string]any{"success": false}, "execution failed: "+execErr.Error()); aerr != nil {
			e.logger.ErrorContext(ctx, "post-execution audit append failed",
				"action_id", record.ID, "error", aerr)
		}
		return failed, execErr
	}

	// Only a dispatched action consumes daily quota; a failed dispatch
	// should not eat into the cap.
	if _, err := e.counter.Incr(ctx, record.UserID, finishedAt); err != nil {
		e.logger.WarnContext(ctx, "daily counter increment failed",
			"user_id", record.UserID, "error", err)
	}

	comp, reversible := e.dispatcher.Compensation(&record.ActionRequest, result)
	record, err = e.records.Transition(ctx, record.ID, contracts.StatusExecuting, contracts.StatusExecuted, func(r *contracts.ActionRecord) {
		r.Result = result
		r.Reversible = reversible
		r.CompensationPayload = comp
		r.StampPhase(string(contracts.PhasePostExecution), finishedAt)
	})
	if err != nil {
		return nil, err
	}

	if _, err := e.audit.Append(ctx, record.UserID, record.ID, contracts.PhasePostExecution,
		result, "executed, ref "+result.ExternalRef); err != nil {
		e.logger.ErrorContext(ctx, "post-execution audit append failed",
			"action_id", record.ID, "error", err)
	}
	return record, nil
}

// ResolveApproval applies a human decision to a pending ticket. An approval
// re-checks the hard constraints before executing: policy may have changed
// while the ticket sat open, and approval is not a hard-rule override.
func (e *Engine) ResolveApproval(ctx context.Context, ticketID string, decision contracts.ApprovalDecision, resolvedBy string) (*contracts.ActionRecord, error) {
	ticket, err := e.approvals.Resolve(ctx, ticketID, decision, resolvedBy)
	if err != nil {
		if errors.Is(err, contracts.ErrApprovalExpired) {
			e.rejectExpired(ctx, ticket)
		}
		return nil, err
	}

	if ticket.Decision == contracts.DecisionRejected {
		return e.reject(ctx, ticket.ActionID, ticket.UserID, "approval rejected by "+resolvedBy)
	}

	record, err := e.records.Get(ctx, ticket.ActionID)
	if err != nil {
		return nil, err
	}
	prof, err := e.profiles.Get(ctx, record.UserID)
	if err != nil {
		return nil, err
	}
	eval := e.rules.Evaluate(constraint.Input{
		ActionType: record.ActionType,
		Level:      prof.Level,
		Payload:    record.Payload,
		Profile:    prof.Attributes,
		Now:        e.clock().UTC(),
	})
	if eval.HardViolated() {
		rejected, rerr := e.reject(ctx, record.ID, record.UserID,
			"hard constraint violation at approval time: "+joinIDs(eval.HardRuleIDs()))
		if rerr != nil {
			return nil, rerr
		}
		return rejected, &contracts.HardViolationError{ActionID: record.ID, Rules: eval.HardRuleIDs()}
	}
	return e.execute(ctx, record)
}

// ResolveApprovalByToken is the webhook-callback variant of ResolveApproval.
func (e *Engine) ResolveApprovalByToken(ctx context.Context, token string, decision contracts.ApprovalDecision, resolvedBy string) (*contracts.ActionRecord, error) {
	ticketID, err := e.approvals.TicketIDFromToken(token)
	if err != nil {
		return nil, err
	}
	return e.ResolveApproval(ctx, ticketID, decision, resolvedBy)
}

// CancelApproval lets the proposer withdraw a pending action.
func (e *Engine) CancelApproval(ctx context.Context, ticketID, requestedBy string) (*contracts.ActionRecord, error) {
	ticket, err := e.approvals.Cancel(ctx, ticketID, requestedBy)
	if err != nil {
		if errors.Is(err, contracts.ErrApprovalExpired) {
			e.rejectExpired(ctx, ticket)
		}
		return nil, err
	}
	return e.reject(ctx, ticket.ActionID, ticket.UserID, "cancelled by "+requestedBy)
}

// OnApprovalExpired is the sweeper callback: it finalizes the gated record
// when its ticket times out.
func (e *Engine) OnApprovalExpired(ctx context.Context, ticket *contracts.ApprovalTicket) {
	e.rejectExpired(ctx, ticket)
}

func (e *Engine) rejectExpired(ctx context.Context, ticket *contracts.ApprovalTicket) {
	if ticket == nil {
		return
	}
	if _, err := e.reject(ctx, ticket.ActionID, ticket.UserID, "approval expired"); err != nil &&
		!errors.Is(err, store.ErrStaleStatus) {
		e.logger.ErrorContext(ctx, "reject after expiry failed",
			"action_id", ticket.ActionID, "error", err)
	}
}

// reject finalizes a Proposed record and writes the decision audit entry.
func (e *Engine) reject(ctx context.Context, actionID, userID, reason string) (*contracts.ActionRecord, error) {
	now := e.clock().UTC()
	record, err := e.records.Transition(ctx, actionID, contracts.StatusProposed, contracts.StatusRejected, func(r *contracts.ActionRecord) {
		r.Result = &contracts.ExecutionResult{Message: reason}
		r.StampPhase(string(contracts.PhaseDecision), now)
	})
	if err != nil {
		return nil, err
	}
	if _, err := e.audit.Append(ctx, userID, actionID, contracts.PhaseDecision, nil, reason); err != nil {
		e.logger.ErrorContext(ctx, "decision audit append failed",
			"action_id", actionID, "error", err)
	}
	return record, nil
}

// Undo reverses an executed action through the reversal manager.
func (e *Engine) Undo(ctx context.Context, actionID, requestedBy string) (*contracts.ActionRecord, error) {
	if e.undo == nil {
		return nil, errors.New("pipeline: reversal not configured")
	}
	return e.undo.Undo(ctx, actionID, requestedBy)
}

// GetAction loads a record.
func (e *Engine) GetAction(ctx context.Context, actionID string) (*contracts.ActionRecord, error) {
	return e.records.Get(ctx, actionID)
}

// GetProfile returns the user's autonomy profile.
func (e *Engine) GetProfile(ctx context.Context, userID string) (*profile.Profile, error) {
	return e.profiles.Get(ctx, userID)
}

// SetAutonomyLevel adjusts the user's autonomy level.
func (e *Engine) SetAutonomyLevel(ctx context.Context, userID string, level int) (*profile.Profile, error) {
	return e.profiles.SetLevel(ctx, userID, level)
}

// VerifyAudit recomputes the user's audit chain from a checkpoint.
func (e *Engine) VerifyAudit(ctx context.Context, userID string, fromSeq int64) (ledger.VerifyResult, error) {
	return e.audit.Verify(ctx, userID, fromSeq)
}

// AuditTrail returns the user's audit entries in chain order.
func (e *Engine) AuditTrail(ctx context.Context, userID string, from, to int64) ([]contracts.AuditEntry, error) {
	if from < 1 {
		from = 1
	}
	return e.audit.Range(ctx, userID, from, to)
}

func (e *Engine) recordDecision(ctx context.Context, t contracts.ActionType, outcome string, start time.Time) {
	e.telemetry.RecordDecision(ctx, string(t), outcome, e.clock().Sub(start))
}

func joinIDs(ids []string) string {
	return strings.Join(ids, ", ")
}
