package contracts

import "time"

// ApprovalDecision is the resolution state of an approval ticket.
// Pending is the only non-terminal state; the first resolver to observe
// Pending wins, every later resolution is an idempotent no-op.
type ApprovalDecision string

const (
	DecisionPending  ApprovalDecision = "PENDING"
	DecisionApproved ApprovalDecision = "APPROVED"
	DecisionRejected ApprovalDecision = "REJECTED"
	DecisionExpired  ApprovalDecision = "EXPIRED"
)

// Terminal reports whether d is a resolved state.
func (d ApprovalDecision) Terminal() bool { return d != DecisionPending }

// ApprovalTicket gates a soft-constraint-violating action on a human
// decision. Tickets are durable: a process restart loses neither a pending
// ticket nor the mapping from its external reference back to it.
type ApprovalTicket struct {
	ID       string `json:"id"`
	ActionID string `json:"action_id"`
	UserID   string `json:"user_id"`

	// ExternalRef is the identifier the approval channel assigned when the
	// ticket was posted (message id, thread id). Empty until posted.
	ExternalRef string `json:"external_ref,omitempty"`

	// Violations holds one "rule_id: description" label per soft
	// constraint that triggered this ticket, readable as posted.
	Violations []string `json:"violations"`

	Decision   ApprovalDecision `json:"decision"`
	CreatedAt  time.Time        `json:"created_at"`
	ExpiresAt  time.Time        `json:"expires_at"`
	ResolvedBy string           `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty"`
}
