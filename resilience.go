// Package resilience classifies failures and drives them through retry,
// circuit breaking, recovery, and a dead letter queue, so callers get one
// Execute call that either returns a result or parks the work and
// re-raises the original failure.
package resilience

import (
	"context"
	"errors"

	"github.com/vietddude/resilience/breaker"
	"github.com/vietddude/resilience/classify"
	"github.com/vietddude/resilience/events"
	"github.com/vietddude/resilience/retry"
)

// Options shapes a single Execute call.
type Options struct {
	// Name labels the operation in events, metrics, and dead letters.
	Name string
	// Args are captured alongside the operation for later replay.
	Args []any
	// Policy overrides the default retry policy.
	Policy *retry.Policy
	// DisableBreaker opts this call out of circuit breaking.
	DisableBreaker bool
}

// Execute runs op through the full pipeline: a retry loop, wrapped as a
// whole by the circuit breaker unless disabled, so breaker accounting
// counts exhausted sequences rather than individual attempts. A failure
// that survives retries triggers the classified recovery action (except
// abort); successful recovery earns exactly one more invocation. If that
// fails too, the operation is dead-lettered with a note of the attempted
// action and the original failure is returned.
//
// Breaker rejections and the caller's own cancellation return as-is:
// they are not operation failures and are never dead-lettered.
func (h *Handler) Execute(ctx context.Context, op retry.Operation, opts Options) (any, error) {
	name := opts.Name
	if name == "" {
		name = "operation"
	}
	policy := retry.DefaultPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}

	sequence := func(ctx context.Context) (any, error) {
		return h.executor.ExecuteNamed(ctx, name, op, policy)
	}

	var result any
	var err error
	if opts.DisableBreaker {
		result, err = sequence(ctx)
	} else {
		result, err = h.breaker.Execute(ctx, sequence)
	}
	if err == nil {
		return result, nil
	}

	if breaker.IsBreakerError(err) {
		return nil, err
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil, err
	}

	classified, ok := classify.As(err)
	if !ok {
		classified = h.classifier.Classify(err, map[string]any{"operation": name})
	}

	recoveryContext := map[string]any{}
	if action := classified.Action; action != "" && action != classify.ActionAbort {
		recoveryContext["recovery_action"] = string(action)
		recovered := h.recovery.Execute(ctx, action, classified)
		recoveryContext["recovery_succeeded"] = recovered

		if recovered {
			result, retryErr := op(ctx)
			if retryErr == nil {
				return result, nil
			}
			h.log.Warn("post-recovery attempt failed", "operation", name, "error", retryErr)
		}
	}

	h.bus.Publish(events.Event{
		Type:      events.TypeOperationFailed,
		Operation: name,
		Meta: map[string]any{
			"category": classified.Category,
			"severity": classified.Severity.String(),
		},
	})

	id := h.store.Add(ctx, classified, name, opts.Args, recoveryContext)
	h.log.Error("operation failed terminally",
		"operation", name,
		"category", classified.Category,
		"dead_letter_id", id,
	)

	return nil, classified
}
