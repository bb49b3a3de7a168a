package executor

import (
	"context"
	"crypto/rand"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/rodcoding123/helix-sub009/pkg/contracts"
)

const (
	defaultAttemptTimeout = 30 * time.Second
	defaultMaxAttempts    = 3
	defaultBackoff        = 500 * time.Millisecond
)

// Dispatcher routes requests to the executor registered for their action
// type. Transient failures of idempotent executors are retried with
// exponential backoff; permanent failures and non-idempotent executors
// fail on the first attempt.
type Dispatcher struct {
	mu             sync.RWMutex
	executors      map[contracts.ActionType]Executor
	attemptTimeout time.Duration
	maxAttempts    int
	backoff        time.Duration
	sleep          func(context.Context, time.Duration) error
	logger         *slog.Logger
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		executors:      make(map[contracts.ActionType]Executor),
		attemptTimeout: defaultAttemptTimeout,
		maxAttempts:    defaultMaxAttempts,
		backoff:        defaultBackoff,
		sleep:          sleepCtx,
		logger:         slog.Default().With("component", "dispatcher"),
	}
}

// WithAttemptTimeout sets the per-attempt deadline.
func (d *Dispatcher) WithAttemptTimeout(t time.Duration) *Dispatcher {
	d.attemptTimeout = t
	return d
}

// WithRetry sets the attempt cap and base backoff.
func (d *Dispatcher) WithRetry(maxAttempts int, backoff time.Duration) *Dispatcher {
	if maxAttempts > 0 {
		d.maxAttempts = maxAttempts
	}
	if backoff > 0 {
		d.backoff = backoff
	}
	return d
}

// Register binds an executor to an action type, replacing any previous
// binding.
func (d *Dispatcher) Register(t contracts.ActionType, e Executor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.executors[t] = e
}

// Supports reports whether an executor is registered for the type.
func (d *Dispatcher) Supports(t contracts.ActionType) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.executors[t]
	return ok
}

// Dispatch executes the request. An unregistered action type returns
// contracts.ErrUnknownActionType.
func (d *Dispatcher) Dispatch(ctx context.Context, req *contracts.ActionRequest) (*contracts.ExecutionResult, error) {
	d.mu.RLock()
	e, ok := d.executors[req.ActionType]
	d.mu.RUnlock()
	if !ok {
		return nil, contracts.ErrUnknownActionType
	}

	retryable := false
	if idem, ok := e.(Idempotent); ok {
		retryable = idem.Idempotent()
	}

	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		res, err := d.attempt(ctx, e, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !retryable || !contracts.IsTransient(err) || attempt == d.maxAttempts {
			break
		}
		d.logger.WarnContext(ctx, "transient executor failure, retrying",
			"action_id", req.ID, "action_type", req.ActionType, "attempt", attempt, "error", err)
		if err := d.sleep(ctx, backoffDelay(d.backoff, attempt)); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// Compensation asks the request's executor how to reverse it. ok is false
// when the executor cannot build one or does not support reversal at all.
func (d *Dispatcher) Compensation(req *contracts.ActionRequest, result *contracts.ExecutionResult) (map[string]any, bool) {
	d.mu.RLock()
	e, ok := d.executors[req.ActionType]
	d.mu.RUnlock()
	if !ok {
		return nil, false
	}
	builder, ok := e.(CompensationBuilder)
	if !ok {
		return nil, false
	}
	return builder.BuildCompensation(req, result)
}

func (d *Dispatcher) attempt(ctx context.Context, e Executor, req *contracts.ActionRequest) (*contracts.ExecutionResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
	defer cancel()
	return e.Execute(attemptCtx, req)
}

func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base << (attempt - 1)
	if n, err := rand.Int(rand.Reader, big.NewInt(int64(delay)/2+1)); err == nil {
		delay += time.Duration(n.Int64())
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
