// Package contracts holds the shared data types of the action governance
// engine. It is intentionally dependency-free so that every other package
// can import it without cycles.
package contracts

import "time"

// ActionType identifies the kind of effect an action has on the outside world.
type ActionType string

// Built-in action types. Integrations may register additional types with the
// executor dispatcher; these are the ones the engine ships schemas and
// constraint scopes for.
const (
	ActionCalendarModification ActionType = "calendar_modification"
	ActionMessageSend          ActionType = "message_send"
	ActionPayment              ActionType = "payment"
	ActionDataDeletion         ActionType = "data_deletion"
)

// ScopeAll matches every action type in a constraint scope.
const ScopeAll ActionType = "*"

// ActionRequest is the immutable intake record produced by the reasoning
// layer. It is never mutated after submission; all lifecycle state lives on
// the ActionRecord.
type ActionRequest struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	ActionType     ActionType     `json:"action_type"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key"`
	RequestedAt    time.Time      `json:"requested_at"`
}

// ActionStatus is the lifecycle state of an ActionRecord. Transitions are
// monotonic: Proposed -> {Rejected | ReadyToExecute} -> Executing ->
// {Executed | Failed}, and Executed -> Undone.
type ActionStatus string

const (
	StatusProposed       ActionStatus = "PROPOSED"
	StatusRejected       ActionStatus = "REJECTED"
	StatusReadyToExecute ActionStatus = "READY_TO_EXECUTE"
	StatusExecuting      ActionStatus = "EXECUTING"
	StatusExecuted       ActionStatus = "EXECUTED"
	StatusFailed         ActionStatus = "FAILED"
	StatusUndone         ActionStatus = "UNDONE"
)

// CanTransition reports whether moving from s to next is a legal step in the
// record state machine. Stores enforce this with a compare-and-set on the
// current status so that concurrent transitions on one record serialize.
func (s ActionStatus) CanTransition(next ActionStatus) bool {
	switch s {
	case StatusProposed:
		return next == StatusRejected || next == StatusReadyToExecute
	case StatusReadyToExecute:
		return next == StatusExecuting || next == StatusFailed
	case StatusExecuting:
		return next == StatusExecuted || next == StatusFailed
	case StatusExecuted:
		return next == StatusUndone
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible from s
// (Undone excepted: Executed is terminal for failures but still undoable).
func (s ActionStatus) Terminal() bool {
	return s == StatusRejected || s == StatusFailed || s == StatusUndone
}

// ExecutionResult is what an executor reports back after performing (or
// failing to perform) an action.
type ExecutionResult struct {
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
	ExternalRef string `json:"external_ref,omitempty"`
}

// ActionRecord is the governed lifecycle state of a submitted request.
// Exactly one record exists per (user, idempotency key) within the
// retention window.
type ActionRecord struct {
	ActionRequest

	Status              ActionStatus         `json:"status"`
	Reversible          bool                 `json:"reversible"`
	CompensationPayload map[string]any       `json:"compensation_payload,omitempty"`
	Result              *ExecutionResult     `json:"result,omitempty"`
	PhaseTimestamps     map[string]time.Time `json:"phase_timestamps,omitempty"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

// StampPhase records the wall time at which the record entered a phase.
func (r *ActionRecord) StampPhase(phase string, at time.Time) {
	if r.PhaseTimestamps == nil {
		r.PhaseTimestamps = make(map[string]time.Time)
	}
	r.PhaseTimestamps[phase] = at.UTC()
}
