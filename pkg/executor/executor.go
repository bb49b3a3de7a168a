// Package executor dispatches approved actions to the integrations that
// carry them out. The dispatcher is a plain registry keyed by action type;
// governance never reaches it unless the action already cleared constraints,
// so executors trust their input and only report transport outcomes.
package executor

import (
	"context"

	"github.com/rodcoding123/helix-sub009/pkg/contracts"
)

// Executor performs one action type against its external system.
type Executor interface {
	// Execute carries out the request. A returned *contracts.ExecutorError
	// marks the failure transient or permanent; any other error is treated
	// as permanent.
	Execute(ctx context.Context, req *contracts.ActionRequest) (*contracts.ExecutionResult, error)
}

// CompensationBuilder is implemented by executors whose actions can be
// undone. Build returns the payload that reverses the given request, or
// ok=false when this particular request is not reversible (a deletion
// without a snapshot, a message already read).
type CompensationBuilder interface {
	BuildCompensation(req *contracts.ActionRequest, result *contracts.ExecutionResult) (payload map[string]any, ok bool)
}

// Idempotent marks executors whose Execute can safely run more than once
// for the same request. The dispatcher only retries transient failures of
// idempotent executors; everything else fails after the first attempt.
type Idempotent interface {
	Idempotent() bool
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, req *contracts.ActionRequest) (*contracts.ExecutionResult, error)

func (f Func) Execute(ctx context.Context, req *contracts.ActionRequest) (*contracts.ExecutionResult, error) {
	return f(ctx, req)
}
