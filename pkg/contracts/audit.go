package contracts

import "time"

// AuditPhase classifies what an audit entry witnesses.
type AuditPhase string

const (
	// PhasePreExecution is written after an action is cleared to run and
	// before the executor is invoked. Its append is fail-closed: if the
	// entry cannot be persisted and mirrored, the action does not execute.
	PhasePreExecution AuditPhase = "PRE_EXECUTION"

	// PhasePostExecution is written after the executor returns, success or
	// not. Best-effort with bounded retry; intent was already captured.
	PhasePostExecution AuditPhase = "POST_EXECUTION"

	// PhaseUndo witnesses a compensating action for a reversed record.
	PhaseUndo AuditPhase = "UNDO"

	// PhaseDecision witnesses terminal non-execution transitions: hard
	// rejections, approval denials, cancellations, and expiries. Kept
	// distinct from PreExecution so the chain shows that no execution was
	// ever attempted for these records.
	PhaseDecision AuditPhase = "DECISION"
)

// GenesisHash is the sentinel previous-hash of the first entry in a shard.
const GenesisHash = "GENESIS"

// AuditEntry is one link of the tamper-evident chain. Entries are append
// only: never mutated, never deleted. EntryHash covers every field except
// itself and Mirrored, with PrevEntryHash included, so altering any stored
// entry breaks verification at or before its index.
type AuditEntry struct {
	Seq         int64      `json:"seq"`
	Shard       string     `json:"shard"`
	ActionID    string     `json:"action_id"`
	Phase       AuditPhase `json:"phase"`
	Timestamp   time.Time  `json:"timestamp"`
	PayloadHash string     `json:"payload_hash"`

	// Detail is a short human-readable note (violated rule text, executor
	// outcome). Never contains payload contents or secrets.
	Detail string `json:"detail,omitempty"`

	PrevEntryHash string `json:"prev_entry_hash"`
	EntryHash     string `json:"entry_hash"`

	// Mirrored records whether the external sink acknowledged this entry.
	// Not part of the hash: mirroring state is operational, not evidentiary.
	Mirrored bool `json:"mirrored"`
}
