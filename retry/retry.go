// Package retry runs an operation under a backoff policy, with the
// classifier's verdict deciding whether each failure is worth another
// attempt.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/vietddude/resilience/classify"
	"github.com/vietddude/resilience/events"
	"github.com/vietddude/resilience/internal/metrics"
)

// UseClassifierDefaults lets the classification's per-category retry
// budget drive the loop instead of a fixed MaxRetries.
const UseClassifierDefaults = -1

// Operation is the unit of work being retried.
type Operation func(ctx context.Context) (any, error)

// OnRetryFunc observes each scheduled retry. Errors and panics inside the
// hook never abort the retry sequence.
type OnRetryFunc func(attempt int, cause *classify.ClassifiedError)

// Policy configures the retry loop.
type Policy struct {
	// MaxRetries bounds retries after the initial attempt. The
	// UseClassifierDefaults sentinel defers the budget to the error's
	// classification.
	MaxRetries          int
	BaseDelay           time.Duration
	MaxDelay            time.Duration
	Strategy            Strategy
	Jitter              bool
	RetryableCategories []classify.Category
	OnRetry             OnRetryFunc
}

// DefaultPolicy retries on the classifier's per-category budget with a
// jittered exponential curve.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: UseClassifierDefaults,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
		Strategy:   StrategyExponential,
		Jitter:     true,
	}
}

// Delay computes the pause before retry attempt n (1-indexed) under p,
// honoring a classification-supplied floor.
func Delay(p Policy, attempt int, floor time.Duration) time.Duration {
	return delayWith(p, attempt, floor, rand.Float64)
}

// Executor drives retry loops. Safe for concurrent use.
type Executor struct {
	classifier *classify.Classifier
	bus        *events.Bus
	randFloat  func() float64
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewExecutor returns an executor classifying failures with c and
// publishing lifecycle events to bus. Both may be nil; a nil classifier
// gets the built-in rule set.
func NewExecutor(c *classify.Classifier, bus *events.Bus) *Executor {
	if c == nil {
		c = classify.NewClassifier()
	}
	return &Executor{
		classifier: c,
		bus:        bus,
		randFloat:  rand.Float64,
		sleep:      sleepCtx,
	}
}

// Execute runs op under policy. See ExecuteNamed.
func (e *Executor) Execute(ctx context.Context, op Operation, policy Policy) (any, error) {
	return e.ExecuteNamed(ctx, "operation", op, policy)
}

// ExecuteNamed runs op under policy, labeling events and metrics with
// name. On success the operation's result is returned. When retries are
// exhausted or the failure is not retryable, the original error is
// returned wrapped in its classification; errors.As recovers the
// *classify.ClassifiedError. Cancellation during a backoff pause returns
// ctx.Err() without a classification.
func (e *Executor) ExecuteNamed(ctx context.Context, name string, op Operation, policy Policy) (any, error) {
	if policy.Strategy == "" {
		policy.Strategy = StrategyExponential
	}

	for attempt := 1; ; attempt++ {
		e.bus.Publish(events.Event{
			Type:      events.TypeAttemptStarted,
			Operation: name,
			Meta:      map[string]any{"attempt": attempt},
		})

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}

		// A failure that is the caller's own cancellation is not an
		// operation failure; hand it back untouched.
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return nil, err
		}

		classified := e.classifier.Classify(err, map[string]any{"operation": name, "attempt": attempt})
		metrics.ErrorsClassified.WithLabelValues(string(classified.Category), classified.Severity.String()).Inc()

		budget := policy.MaxRetries
		if budget == UseClassifierDefaults {
			budget = classified.MaxRetries
		}

		if attempt > budget || !classified.Retryable || !categoryAllowed(policy.RetryableCategories, classified.Category) {
			metrics.RetriesExhausted.WithLabelValues(name, string(classified.Category)).Inc()
			e.bus.Publish(events.Event{
				Type:      events.TypeRetryExhausted,
				Operation: name,
				Meta: map[string]any{
					"attempts": attempt,
					"category": classified.Category,
				},
			})
			return nil, classified
		}

		delay := delayWith(policy, attempt, classified.RetryDelay, e.randFloat)

		invokeOnRetry(policy.OnRetry, attempt, classified)

		metrics.RetryAttempts.WithLabelValues(name).Inc()
		metrics.RetryDelay.WithLabelValues(name, string(policy.Strategy)).Observe(delay.Seconds())
		e.bus.Publish(events.Event{
			Type:      events.TypeRetryScheduled,
			Operation: name,
			Meta: map[string]any{
				"attempt":  attempt,
				"delay":    delay,
				"category": classified.Category,
			},
		})

		if err := e.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func categoryAllowed(filter []classify.Category, c classify.Category) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f == c {
			return true
		}
	}
	return false
}

func invokeOnRetry(fn OnRetryFunc, attempt int, cause *classify.ClassifiedError) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("retry hook panicked", "attempt", attempt, "panic", r)
		}
	}()
	fn(attempt, cause)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
