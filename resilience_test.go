package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/resilience/breaker"
	"github.com/vietddude/resilience/classify"
	"github.com/vietddude/resilience/deadletter"
	"github.com/vietddude/resilience/recovery"
	"github.com/vietddude/resilience/retry"
)

// =============================================================================
// Mock Collaborators
// =============================================================================

type proxyRotator struct {
	mu      sync.Mutex
	rotates int
	err     error
}

func (p *proxyRotator) Rotate(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rotates++
	if p.err != nil {
		return "", p.err
	}
	return "proxy-2", nil
}

func (p *proxyRotator) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rotates
}

type cookieClearer struct{ clears int }

func (c *cookieClearer) Clear(ctx context.Context) error {
	c.clears++
	return nil
}

// fastPolicy retries without meaningful pauses; the tiny MaxDelay clamp
// also neutralizes category delay floors.
func fastPolicy(maxRetries int) *retry.Policy {
	return &retry.Policy{
		MaxRetries: maxRetries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Millisecond,
		Strategy:   retry.StrategyFixed,
	}
}

// =============================================================================
// Facade Flow Tests
// =============================================================================

func TestExecute_Success(t *testing.T) {
	h := New(Config{})

	calls := 0
	result, err := h.Execute(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		return "ok", nil
	}, Options{Name: "fetch"})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" || calls != 1 {
		t.Errorf("expected one successful call, got result=%v calls=%d", result, calls)
	}
	if h.DeadLetters().Len() != 0 {
		t.Error("success must not dead-letter")
	}
}

func TestExecute_ConnectionRefusedExhaustsAndDeadLetters(t *testing.T) {
	rotator := &proxyRotator{}
	h := New(Config{Collaborators: recovery.Collaborators{Proxies: rotator}})

	calls := 0
	_, err := h.Execute(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		return nil, errors.New("connect ECONNREFUSED 127.0.0.1:9222")
	}, Options{Name: "fetch", Args: []any{"https://example.com"}, Policy: fastPolicy(2)})

	if err == nil {
		t.Fatal("expected the failure back")
	}
	// maxRetries=2 means the operation runs exactly 3 times.
	if calls != 3 {
		t.Errorf("expected exactly 3 invocations, got %d", calls)
	}
	// Connection refusal does not trigger proxy rotation.
	if rotator.count() != 0 {
		t.Errorf("expected no recovery for network errors, got %d rotations", rotator.count())
	}

	ce, ok := classify.As(err)
	if !ok || ce.Category != classify.CategoryNetwork {
		t.Errorf("expected network classification, got %v", err)
	}

	items := h.DeadLetters().GetAll(deadletter.Filter{})
	if len(items) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(items))
	}
	it := items[0]
	if it.Category() != classify.CategoryNetwork {
		t.Errorf("expected network dead letter, got %s", it.Category())
	}
	if it.Attempts != 1 {
		t.Errorf("expected attempts=1, got %d", it.Attempts)
	}
	if it.OperationName != "fetch" {
		t.Errorf("expected fetch, got %s", it.OperationName)
	}
	if len(it.Args) != 1 || it.Args[0] != "https://example.com" {
		t.Errorf("expected captured args, got %v", it.Args)
	}
}

func TestExecute_BlockedRecoversViaProxyRotation(t *testing.T) {
	rotator := &proxyRotator{}
	h := New(Config{Collaborators: recovery.Collaborators{Proxies: rotator}})

	calls := 0
	result, err := h.Execute(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("403 Forbidden")
		}
		return "content", nil
	}, Options{Name: "fetch", Policy: fastPolicy(3)})

	if err != nil {
		t.Fatalf("expected recovery to succeed, got %v", err)
	}
	if result != "content" {
		t.Errorf("expected content, got %v", result)
	}
	// Blocked is not retryable: one failed attempt, then the
	// post-recovery attempt.
	if calls != 2 {
		t.Errorf("expected 2 invocations, got %d", calls)
	}
	if rotator.count() != 1 {
		t.Errorf("expected exactly one rotation, got %d", rotator.count())
	}
	if h.DeadLetters().Len() != 0 {
		t.Error("recovered operations must not dead-letter")
	}
}

func TestExecute_PostRecoveryFailureDeadLetters(t *testing.T) {
	clearer := &cookieClearer{}
	h := New(Config{Collaborators: recovery.Collaborators{Cookies: clearer}})

	calls := 0
	_, err := h.Execute(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		return nil, errors.New("session expired, please log in")
	}, Options{Name: "login", Policy: fastPolicy(0)})

	if err == nil {
		t.Fatal("expected failure")
	}
	// One initial attempt plus the post-recovery attempt.
	if calls != 2 {
		t.Errorf("expected 2 invocations, got %d", calls)
	}
	if clearer.clears != 1 {
		t.Errorf("expected one cookie clear, got %d", clearer.clears)
	}

	items := h.DeadLetters().GetAll(deadletter.Filter{})
	if len(items) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(items))
	}
	if items[0].Context["recovery_action"] != string(classify.ActionClearCookies) {
		t.Errorf("expected attempted action noted, got %v", items[0].Context)
	}
	if items[0].Context["recovery_succeeded"] != true {
		t.Errorf("expected recovery_succeeded=true, got %v", items[0].Context)
	}
}

func TestExecute_FailedRecoveryDeadLetters(t *testing.T) {
	// Captcha with no solver configured: recovery reports false.
	h := New(Config{})

	calls := 0
	_, err := h.Execute(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		return nil, errors.New("captcha detected on page")
	}, Options{Name: "scrape", Policy: fastPolicy(3)})

	if err == nil {
		t.Fatal("expected failure")
	}
	if calls != 1 {
		t.Errorf("captcha is not retryable and recovery failed; expected 1 invocation, got %d", calls)
	}

	items := h.DeadLetters().GetAll(deadletter.Filter{})
	if len(items) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(items))
	}
	if items[0].Context["recovery_action"] != string(classify.ActionSolveCaptcha) {
		t.Errorf("expected solve_captcha noted, got %v", items[0].Context)
	}
	if items[0].Context["recovery_succeeded"] != false {
		t.Errorf("expected recovery_succeeded=false, got %v", items[0].Context)
	}
}

func TestExecute_AbortSkipsRecoveryAndDeadLetters(t *testing.T) {
	rotator := &proxyRotator{}
	h := New(Config{Collaborators: recovery.Collaborators{Proxies: rotator}})

	calls := 0
	_, err := h.Execute(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		return nil, errors.New("validation failed for field url")
	}, Options{Name: "submit", Policy: fastPolicy(3)})

	if err == nil {
		t.Fatal("expected failure")
	}
	if calls != 1 {
		t.Errorf("expected single invocation for abort, got %d", calls)
	}
	if rotator.count() != 0 {
		t.Error("abort must not run any remediation")
	}

	items := h.DeadLetters().GetAll(deadletter.Filter{})
	if len(items) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(items))
	}
	if _, noted := items[0].Context["recovery_action"]; noted {
		t.Error("no recovery action was attempted for abort")
	}
}

// =============================================================================
// Breaker Integration Tests
// =============================================================================

func TestExecute_BreakerCountsSequencesNotAttempts(t *testing.T) {
	h := New(Config{Breaker: breaker.Config{FailureThreshold: 2}})

	// Each Execute exhausts 3 attempts but counts as ONE breaker failure.
	for i := 0; i < 1; i++ {
		_, _ = h.Execute(context.Background(), func(ctx context.Context) (any, error) {
			return nil, errors.New("ECONNRESET")
		}, Options{Name: "fetch", Policy: fastPolicy(2)})
	}
	if h.Breaker().State() != breaker.StateClosed {
		t.Fatalf("one exhausted sequence must not trip threshold 2, got %s", h.Breaker().State())
	}

	_, _ = h.Execute(context.Background(), func(ctx context.Context) (any, error) {
		return nil, errors.New("ECONNRESET")
	}, Options{Name: "fetch", Policy: fastPolicy(2)})
	if h.Breaker().State() != breaker.StateOpen {
		t.Errorf("expected open after 2 exhausted sequences, got %s", h.Breaker().State())
	}
}

func TestExecute_BreakerRejectionBypassesRecoveryAndDLQ(t *testing.T) {
	rotator := &proxyRotator{}
	h := New(Config{
		Breaker:       breaker.Config{FailureThreshold: 1},
		Collaborators: recovery.Collaborators{Proxies: rotator},
	})

	// Trip the breaker with one exhausted sequence.
	_, _ = h.Execute(context.Background(), func(ctx context.Context) (any, error) {
		return nil, errors.New("ECONNRESET")
	}, Options{Name: "fetch", Policy: fastPolicy(0)})
	before := h.DeadLetters().Len()

	calls := 0
	_, err := h.Execute(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		return "ok", nil
	}, Options{Name: "fetch"})

	if !breaker.IsOpen(err) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if calls != 0 {
		t.Error("rejected call must not run the operation")
	}
	if h.DeadLetters().Len() != before {
		t.Error("breaker rejections must not dead-letter")
	}
	if rotator.count() != 0 {
		t.Error("breaker rejections must not trigger recovery")
	}
}

func TestExecute_DisableBreaker(t *testing.T) {
	h := New(Config{Breaker: breaker.Config{FailureThreshold: 1}})

	for i := 0; i < 3; i++ {
		_, _ = h.Execute(context.Background(), func(ctx context.Context) (any, error) {
			return nil, errors.New("ECONNRESET")
		}, Options{Name: "fetch", Policy: fastPolicy(0), DisableBreaker: true})
	}
	if h.Breaker().State() != breaker.StateClosed {
		t.Errorf("disabled breaker must not observe failures, got %s", h.Breaker().State())
	}
}

func TestExecute_CancellationBypassesDeadLetter(t *testing.T) {
	h := New(Config{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := h.Execute(ctx, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, Options{Name: "fetch", Policy: fastPolicy(3)})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if h.DeadLetters().Len() != 0 {
		t.Error("cancellation must not dead-letter")
	}
	if h.Breaker().State() != breaker.StateClosed {
		t.Error("cancellation must not move the breaker")
	}
}

// =============================================================================
// Replay Integration Tests
// =============================================================================

func TestDeadLetterReplayThroughHandler(t *testing.T) {
	h := New(Config{})

	_, _ = h.Execute(context.Background(), func(ctx context.Context) (any, error) {
		return nil, errors.New("ECONNREFUSED")
	}, Options{Name: "fetch", Args: []any{"https://example.com"}, Policy: fastPolicy(0)})

	items := h.DeadLetters().GetAll(deadletter.Filter{})
	if len(items) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(items))
	}

	result, err := h.DeadLetters().Retry(context.Background(), items[0].ID, func(ctx context.Context, args []any) (any, error) {
		if len(args) != 1 || args[0] != "https://example.com" {
			t.Errorf("expected original args, got %v", args)
		}
		return "recovered", nil
	})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if result != "recovered" {
		t.Errorf("expected recovered, got %v", result)
	}
	if h.DeadLetters().Len() != 0 {
		t.Error("successful replay must empty the store")
	}
}

func TestExecute_CustomPatternDrivesFlow(t *testing.T) {
	h := New(Config{})
	if err := h.Classifier().AddPattern(`FROBNICATE`, classify.CategoryValidation, classify.SeverityHigh, false, classify.ActionAbort); err != nil {
		t.Fatal(err)
	}

	calls := 0
	_, err := h.Execute(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		return nil, errors.New("FROBNICATE mismatch")
	}, Options{Name: "job", Policy: fastPolicy(5)})

	if err == nil {
		t.Fatal("expected failure")
	}
	if calls != 1 {
		t.Errorf("custom non-retryable rule must stop retries, got %d calls", calls)
	}
	ce, _ := classify.As(err)
	if ce == nil || ce.Category != classify.CategoryValidation {
		t.Errorf("expected custom classification, got %v", err)
	}
}
