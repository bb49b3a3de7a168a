package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/rodcoding123/helix-sub009/pkg/contracts"
)

// LoopbackExecutor applies actions to an in-process journal instead of an
// external system. It backs local deployments and tests: execution and
// reversal semantics are real, only the side effect is simulated.
type LoopbackExecutor struct {
	mu         sync.Mutex
	journal    map[string]*contracts.ActionRequest
	reversible bool
}

// NewLoopbackExecutor returns a loopback executor. reversible controls
// whether it offers compensation payloads.
func NewLoopbackExecutor(reversible bool) *LoopbackExecutor {
	return &LoopbackExecutor{
		journal:    make(map[string]*contracts.ActionRequest),
		reversible: reversible,
	}
}

func (l *LoopbackExecutor) Execute(_ context.Context, req *contracts.ActionRequest) (*contracts.ExecutionResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.journal[req.ID] = req
	return &contracts.ExecutionResult{
		Success:     true,
		Message:     fmt.Sprintf("%s applied", req.ActionType),
		ExternalRef: "loopback:" + req.ID,
	}, nil
}

func (l *LoopbackExecutor) Idempotent() bool { return true }

// BuildCompensation inverts the numeric fields reversal understands. A
// calendar shift of +180 minutes compensates to -180; payloads without an
// invertible field fall back to replaying the original payload marked as
// a reversal.
func (l *LoopbackExecutor) BuildCompensation(req *contracts.ActionRequest, _ *contracts.ExecutionResult) (map[string]any, bool) {
	if !l.reversible {
		return nil, false
	}
	comp := make(map[string]any, len(req.Payload)+1)
	for k, v := range req.Payload {
		comp[k] = v
	}
	if shift, ok := numeric(req.Payload["shift_minutes"]); ok {
		comp["shift_minutes"] = -shift
	}
	comp["reversal_of"] = req.ID
	return comp, true
}

// Journal returns the executed request by action ID, for inspection.
func (l *LoopbackExecutor) Journal(actionID string) (*contracts.ActionRequest, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	req, ok := l.journal[actionID]
	return req, ok
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
