// Package ledger implements the append-only, hash-chained audit log that
// every state-changing component of the governance engine writes through.
//
// Chain construction: entryHash = SHA-256 over the RFC 8785 canonical JSON
// of the entry without its own hash, with the previous entry's hash included
// as a field. The first entry of a shard links to the GENESIS sentinel.
// Shards are per-user; appends within a shard are serialized through a
// single-writer mutex so the chain stays contiguous under concurrency.
// Unrelated shards never contend.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rodcoding123/helix-sub009/pkg/canonicalize"
	"github.com/rodcoding123/helix-sub009/pkg/contracts"
)

// Store is the local persistence behind a ledger. Implementations must be
// append-only: no update or delete path exists for entries (MarkMirrored
// flips an operational flag that is outside the hash).
type Store interface {
	Append(ctx context.Context, e *contracts.AuditEntry) error
	MarkMirrored(ctx context.Context, shard string, seq int64) error
	Last(ctx context.Context, shard string) (*contracts.AuditEntry, error)
	// Range returns entries with from <= seq <= to in seq order.
	// to <= 0 means "to the end".
	Range(ctx context.Context, shard string, from, to int64) ([]contracts.AuditEntry, error)
}

// MirrorSink is the outbound interface to an external immutable log. The
// pre-execution append requires a synchronous acknowledgment from it.
type MirrorSink interface {
	Mirror(ctx context.Context, e *contracts.AuditEntry) error
}

// Ledger chains audit entries over a Store and mirrors them externally.
type Ledger struct {
	store  Store
	mirror MirrorSink
	clock  func() time.Time
	logger *slog.Logger

	// Bounded retry for best-effort (post-execution, undo) mirroring.
	mirrorRetries int
	mirrorBackoff time.Duration
	sleep         func(time.Duration)

	mu     sync.Mutex
	shards map[string]*shardState
}

// shardState owns the "last hash" pointer for one shard. It is only touched
// while its mutex is held; the pointer is never shared as a free cell.
type shardState struct {
	mu       sync.Mutex
	loaded   bool
	lastSeq  int64
	lastHash string
}

// New creates a ledger over store, mirroring to sink. A nil sink disables
// mirroring (tests, air-gapped deployments); pre-execution appends then
// rely on local persistence alone.
func New(store Store, sink MirrorSink) *Ledger {
	return &Ledger{
		store:         store,
		mirror:        sink,
		clock:         time.Now,
		logger:        slog.Default().With("component", "audit_ledger"),
		mirrorRetries: 3,
		mirrorBackoff: 250 * time.Millisecond,
		sleep:         time.Sleep,
		shards:        make(map[string]*shardState),
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// WithLogger replaces the default logger.
func (l *Ledger) WithLogger(logger *slog.Logger) *Ledger {
	l.logger = logger.With("component", "audit_ledger")
	return l
}

func (l *Ledger) shard(name string) *shardState {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.shards[name]
	if !ok {
		s = &shardState{}
		l.shards[name] = s
	}
	return s
}

// Append creates, persists, and mirrors the next entry of shard.
//
// For PhasePreExecution the call is fail-closed: it returns
// contracts.ErrAuditWriteFailure unless BOTH the local persist and the
// external mirror acknowledgment succeeded, and the caller must not execute
// the action. For every other phase the mirror is best-effort with bounded
// retry; a mirror failure is logged and the entry returned unmirrored.
func (l *Ledger) Append(ctx context.Context, shard, actionID string, phase contracts.AuditPhase, payload any, detail string) (*contracts.AuditEntry, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	payloadHash, err := canonicalize.CanonicalHash(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload hash: %v", contracts.ErrAuditWriteFailure, err)
	}

	s := l.shard(shard)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		if err := l.loadTail(ctx, shard, s); err != nil {
			return nil, fmt.Errorf("%w: load chain tail: %v", contracts.ErrAuditWriteFailure, err)
		}
	}

	entry := &contracts.AuditEntry{
		Seq:           s.lastSeq + 1,
		Shard:         shard,
		ActionID:      actionID,
		Phase:         phase,
		Timestamp:     l.clock().UTC(),
		PayloadHash:   payloadHash,
		Detail:        detail,
		PrevEntryHash: s.lastHash,
	}
	entry.EntryHash, err = EntryHash(entry)
	if err != nil {
		return nil, fmt.Errorf("%w: entry hash: %v", contracts.ErrAuditWriteFailure, err)
	}

	if err := l.store.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("%w: persist: %v", contracts.ErrAuditWriteFailure, err)
	}
	// The entry is durable; the chain advances even if mirroring fails
	// below. A failed pre-execution mirror still aborts the action, but
	// the local record of the attempt is evidence, not garbage.
	s.lastSeq = entry.Seq
	s.lastHash = entry.EntryHash

	if l.mirror == nil {
		return entry, nil
	}

	if phase == contracts.PhasePreExecution {
		if err := l.mirror.Mirror(ctx, entry); err != nil {
			return nil, fmt.Errorf("%w: mirror: %v", contracts.ErrAuditWriteFailure, err)
		}
	} else if err := l.mirrorWithRetry(ctx, entry); err != nil {
		l.logger.WarnContext(ctx, "best-effort mirror failed",
			"shard", shard, "seq", entry.Seq, "phase", string(phase), "error", err)
		return entry, nil
	}

	entry.Mirrored = true
	if err := l.store.MarkMirrored(ctx, shard, entry.Seq); err != nil {
		l.logger.WarnContext(ctx, "mark mirrored failed", "shard", shard, "seq", entry.Seq, "error", err)
	}
	return entry, nil
}

func (l *Ledger) mirrorWithRetry(ctx context.Context, entry *contracts.AuditEntry) error {
	var err error
	for attempt := 0; attempt <= l.mirrorRetries; attempt++ {
		if attempt > 0 {
			l.sleep(l.mirrorBackoff * (1 << (attempt - 1)))
		}
		if err = l.mirror.Mirror(ctx, entry); err == nil {
			return nil
		}
	}
	return err
}

func (l *Ledger) loadTail(ctx context.Context, shard string, s *shardState) error {
	last, err := l.store.Last(ctx, shard)
	if err != nil {
		return err
	}
	if last == nil {
		s.lastSeq = 0
		s.lastHash = contracts.GenesisHash
	} else {
		s.lastSeq = last.Seq
		s.lastHash = last.EntryHash
	}
	s.loaded = true
	return nil
}

// VerifyResult reports the outcome of a chain verification.
type VerifyResult struct {
	Valid bool `json:"valid"`
	// DivergentSeq is the first seq whose stored hash or link disagrees
	// with the recomputation. Zero when Valid.
	DivergentSeq int64  `json:"divergent_seq,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Checked      int    `json:"checked"`
}

// Verify recomputes the hash chain of shard from the given checkpoint
// sequence (1, or 0, for the whole chain) and returns the first divergence,
// if any. For a checkpoint past the genesis the stored hash of entry
// fromSeq-1 is trusted as the anchor.
func (l *Ledger) Verify(ctx context.Context, shard string, fromSeq int64) (VerifyResult, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}

	prev := contracts.GenesisHash
	if fromSeq > 1 {
		anchor, err := l.store.Range(ctx, shard, fromSeq-1, fromSeq-1)
		if err != nil {
			return VerifyResult{}, err
		}
		if len(anchor) != 1 {
			return VerifyResult{}, fmt.Errorf("ledger: checkpoint %d not found in shard %s", fromSeq-1, shard)
		}
		prev = anchor[0].EntryHash
	}

	entries, err := l.store.Range(ctx, shard, fromSeq, 0)
	if err != nil {
		return VerifyResult{}, err
	}

	expected := fromSeq
	for i := range entries {
		e := &entries[i]
		if e.Seq != expected {
			return VerifyResult{DivergentSeq: expected, Reason: "sequence gap", Checked: i}, nil
		}
		if e.PrevEntryHash != prev {
			return VerifyResult{DivergentSeq: e.Seq, Reason: "previous hash mismatch", Checked: i}, nil
		}
		recomputed, err := EntryHash(e)
		if err != nil {
			return VerifyResult{}, fmt.Errorf("ledger: recompute seq %d: %w", e.Seq, err)
		}
		if recomputed != e.EntryHash {
			return VerifyResult{DivergentSeq: e.Seq, Reason: "entry hash mismatch", Checked: i}, nil
		}
		prev = e.EntryHash
		expected++
	}
	return VerifyResult{Valid: true, Checked: len(entries)}, nil
}

// Range returns shard entries with from <= seq <= to in order; to <= 0
// means "to the end".
func (l *Ledger) Range(ctx context.Context, shard string, from, to int64) ([]contracts.AuditEntry, error) {
	return l.store.Range(ctx, shard, from, to)
}

// EntryHash computes the canonical hash of e, excluding EntryHash itself
// and the operational Mirrored flag.
func EntryHash(e *contracts.AuditEntry) (string, error) {
	return canonicalize.CanonicalHash(map[string]any{
		"seq":             e.Seq,
		"shard":           e.Shard,
		"action_id":       e.ActionID,
		"phase":           string(e.Phase),
		"timestamp":       e.Timestamp.UTC().Format(time.RFC3339Nano),
		"payload_hash":    e.PayloadHash,
		"detail":          e.Detail,
		"prev_entry_hash": e.PrevEntryHash,
	})
}
