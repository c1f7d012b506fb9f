package classify

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Classification Tests
// =============================================================================

func TestClassify_BuiltinRules(t *testing.T) {
	c := NewClassifier()

	tests := []struct {
		msg       string
		category  Category
		severity  Severity
		retryable bool
		action    Action
	}{
		{"connect ECONNREFUSED 127.0.0.1:9222", CategoryNetwork, SeverityMedium, true, ActionNone},
		{"socket hang up", CategoryNetwork, SeverityMedium, true, ActionNone},
		{"getaddrinfo ENOTFOUND example.com", CategoryNetwork, SeverityMedium, true, ActionNone},
		{"navigation timed out after 30000ms", CategoryTimeout, SeverityMedium, true, ActionWaitAndRetry},
		{"context deadline exceeded", CategoryTimeout, SeverityMedium, true, ActionWaitAndRetry},
		{"429 Too Many Requests", CategoryRateLimit, SeverityMedium, true, ActionWaitAndRetry},
		{"rate limit exceeded, slow down", CategoryRateLimit, SeverityMedium, true, ActionWaitAndRetry},
		{"captcha detected on page", CategoryCaptcha, SeverityHigh, false, ActionSolveCaptcha},
		{"403 Forbidden", CategoryBlocked, SeverityHigh, false, ActionRotateProxy},
		{"access denied by cloudflare", CategoryBlocked, SeverityHigh, false, ActionRotateProxy},
		{"401 Unauthorized", CategoryAuthentication, SeverityHigh, false, ActionNewSession},
		{"invalid credentials", CategoryAuthentication, SeverityHigh, false, ActionNewSession},
		{"session expired, please log in", CategorySession, SeverityMedium, true, ActionClearCookies},
		{"element not found: #submit", CategoryElement, SeverityLow, true, ActionRefreshPage},
		{"stale element reference", CategoryElement, SeverityLow, true, ActionRefreshPage},
		{"validation failed for field url", CategoryValidation, SeverityHigh, false, ActionAbort},
		{"unexpected token < in JSON", CategoryData, SeverityHigh, false, ActionAbort},
		{"out of memory", CategorySystem, SeverityCritical, false, ActionEscalate},
		{"write /tmp/x: ENOSPC", CategorySystem, SeverityCritical, false, ActionEscalate},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			ce := c.Classify(errors.New(tt.msg), nil)
			if ce.Category != tt.category {
				t.Errorf("category: expected %s, got %s", tt.category, ce.Category)
			}
			if ce.Severity != tt.severity {
				t.Errorf("severity: expected %s, got %s", tt.severity, ce.Severity)
			}
			if ce.Retryable != tt.retryable {
				t.Errorf("retryable: expected %v, got %v", tt.retryable, ce.Retryable)
			}
			if ce.Action != tt.action {
				t.Errorf("action: expected %q, got %q", tt.action, ce.Action)
			}
		})
	}
}

func TestClassify_CategoryDefaults(t *testing.T) {
	c := NewClassifier()

	tests := []struct {
		msg        string
		delay      time.Duration
		maxRetries int
	}{
		{"ECONNRESET", 2 * time.Second, 5},
		{"element not found", 500 * time.Millisecond, 10},
		{"request timed out", 1 * time.Second, 3},
		{"429 slow down", 30 * time.Second, 2},
		{"403 Forbidden", 60 * time.Second, 0},
		{"session expired", 1 * time.Second, 2},
		{"validation error", 0, 0},
	}

	for _, tt := range tests {
		ce := c.Classify(errors.New(tt.msg), nil)
		if ce.RetryDelay != tt.delay {
			t.Errorf("%q: expected delay %v, got %v", tt.msg, tt.delay, ce.RetryDelay)
		}
		if ce.MaxRetries != tt.maxRetries {
			t.Errorf("%q: expected maxRetries %d, got %d", tt.msg, tt.maxRetries, ce.MaxRetries)
		}
	}
}

func TestClassify_UnknownDefault(t *testing.T) {
	c := NewClassifier()

	ce := c.Classify(errors.New("something completely unexpected"), nil)
	if ce.Category != CategoryUnknown {
		t.Errorf("expected unknown, got %s", ce.Category)
	}
	if ce.Severity != SeverityMedium {
		t.Errorf("expected medium, got %s", ce.Severity)
	}
	if !ce.Retryable {
		t.Error("unknown errors must default to retryable")
	}
	if ce.RetryDelay != 1*time.Second {
		t.Errorf("expected 1s delay, got %v", ce.RetryDelay)
	}
	if ce.MaxRetries != 3 {
		t.Errorf("expected 3 retries, got %d", ce.MaxRetries)
	}
	if ce.Action != ActionRetry {
		t.Errorf("expected retry action, got %q", ce.Action)
	}
}

func TestClassify_NilError(t *testing.T) {
	c := NewClassifier()

	ce := c.Classify(nil, nil)
	if ce == nil {
		t.Fatal("expected a classification for nil error")
	}
	if ce.Category != CategoryUnknown {
		t.Errorf("expected unknown, got %s", ce.Category)
	}
	if ce.Err == nil {
		t.Error("expected a synthetic error, got nil")
	}
}

func TestClassify_Deterministic(t *testing.T) {
	c := NewClassifier()
	err := errors.New("connection reset by peer")

	first := c.Classify(err, nil)
	for i := 0; i < 10; i++ {
		next := c.Classify(err, nil)
		if next.Category != first.Category || next.Severity != first.Severity ||
			next.Retryable != first.Retryable || next.Action != first.Action {
			t.Fatalf("classification drifted on run %d: %+v vs %+v", i, next, first)
		}
	}
}

func TestClassify_FirstMatchWins(t *testing.T) {
	c := NewClassifier()

	// Matches both the network rule and the timeout rule; network is
	// evaluated first.
	ce := c.Classify(errors.New("ECONNREFUSED after request timed out"), nil)
	if ce.Category != CategoryNetwork {
		t.Errorf("expected network (first rule), got %s", ce.Category)
	}
}

func TestClassify_ContextCopied(t *testing.T) {
	c := NewClassifier()

	ctx := map[string]any{"url": "https://example.com", "attempt": 1}
	ce := c.Classify(errors.New("boom"), ctx)

	ctx["url"] = "mutated"
	if ce.Context["url"] != "https://example.com" {
		t.Error("classification context must be detached from caller map")
	}
}

type stackErr struct{ msg, stack string }

func (e *stackErr) Error() string      { return e.msg }
func (e *stackErr) StackTrace() string { return e.stack }

func TestClassify_StackTraceMatched(t *testing.T) {
	c := NewClassifier()

	err := &stackErr{msg: "operation failed", stack: "at fetch (net.go:10) ECONNREFUSED"}
	ce := c.Classify(err, nil)
	if ce.Category != CategoryNetwork {
		t.Errorf("expected network from stack text, got %s", ce.Category)
	}
}

// =============================================================================
// Custom Pattern Tests
// =============================================================================

func TestAddPattern_BeatsBuiltins(t *testing.T) {
	c := NewClassifier()

	if err := c.AddPattern(`ECONNREFUSED`, CategorySystem, SeverityCritical, false, ActionEscalate); err != nil {
		t.Fatalf("AddPattern: %v", err)
	}

	ce := c.Classify(errors.New("dial tcp: ECONNREFUSED"), nil)
	if ce.Category != CategorySystem {
		t.Errorf("custom rule should win, got %s", ce.Category)
	}
	if ce.Action != ActionEscalate {
		t.Errorf("expected escalate, got %q", ce.Action)
	}
}

func TestAddPattern_LaterWinsOverEarlier(t *testing.T) {
	c := NewClassifier()

	if err := c.AddPattern(`widget`, CategoryElement, SeverityLow, true, ActionRefreshPage); err != nil {
		t.Fatal(err)
	}
	if err := c.AddPattern(`widget`, CategoryData, SeverityHigh, false, ActionAbort); err != nil {
		t.Fatal(err)
	}

	ce := c.Classify(errors.New("widget exploded"), nil)
	if ce.Category != CategoryData {
		t.Errorf("latest registration should win, got %s", ce.Category)
	}
}

func TestAddPattern_InvalidRegexp(t *testing.T) {
	c := NewClassifier()

	if err := c.AddPattern(`(unclosed`, CategoryNetwork, SeverityLow, true, ActionRetry); err == nil {
		t.Error("expected an error for invalid pattern")
	}
}

func TestAddPattern_InvalidCategory(t *testing.T) {
	c := NewClassifier()

	if err := c.AddPattern(`x`, Category("bogus"), SeverityLow, true, ActionRetry); err == nil {
		t.Error("expected an error for unknown category")
	}
}

func TestClassifier_ConcurrentUse(t *testing.T) {
	c := NewClassifier()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if n%2 == 0 {
					_ = c.AddPattern(fmt.Sprintf("pat%d_%d", n, j), CategoryData, SeverityHigh, false, ActionAbort)
				} else {
					_ = c.Classify(errors.New("ECONNRESET"), nil)
				}
			}
		}(i)
	}
	wg.Wait()

	ce := c.Classify(errors.New("ECONNRESET"), nil)
	if ce.Category != CategoryNetwork {
		t.Errorf("expected network after concurrent churn, got %s", ce.Category)
	}
}

// =============================================================================
// ClassifiedError Tests
// =============================================================================

func TestClassifiedError_ErrorAndUnwrap(t *testing.T) {
	inner := errors.New("dial tcp: ECONNREFUSED")
	ce := NewClassifier().Classify(inner, nil)

	if ce.Error() == "" {
		t.Error("expected non-empty error string")
	}
	if !errors.Is(ce, inner) {
		t.Error("Unwrap should expose the original error")
	}
}

func TestAs(t *testing.T) {
	inner := errors.New("403 Forbidden")
	ce := NewClassifier().Classify(inner, nil)
	wrapped := fmt.Errorf("handler: %w", ce)

	got, ok := As(wrapped)
	if !ok {
		t.Fatal("expected to find a ClassifiedError in the chain")
	}
	if got.Category != CategoryBlocked {
		t.Errorf("expected blocked, got %s", got.Category)
	}

	if _, ok := As(errors.New("plain")); ok {
		t.Error("plain error should not match")
	}
}

func TestCategoryOf(t *testing.T) {
	ce := NewClassifier().Classify(errors.New("request timed out"), nil)
	if got := CategoryOf(ce); got != CategoryTimeout {
		t.Errorf("expected timeout, got %s", got)
	}
	if got := CategoryOf(errors.New("plain")); got != CategoryUnknown {
		t.Errorf("expected unknown for unclassified, got %s", got)
	}
}

func TestClassifiedError_JSONRoundTrip(t *testing.T) {
	ce := NewClassifier().Classify(errors.New("429 Too Many Requests"), map[string]any{"url": "https://example.com"})

	data, err := json.Marshal(ce)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var back ClassifiedError
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if back.Category != CategoryRateLimit {
		t.Errorf("expected rate_limit, got %s", back.Category)
	}
	if back.Severity != SeverityMedium {
		t.Errorf("expected medium, got %s", back.Severity)
	}
	if !back.Retryable {
		t.Error("expected retryable")
	}
	if back.RetryDelay != 30*time.Second {
		t.Errorf("expected 30s, got %v", back.RetryDelay)
	}
	if back.Err == nil || back.Err.Error() != "429 Too Many Requests" {
		t.Errorf("expected restored message, got %v", back.Err)
	}
	if back.Context["url"] != "https://example.com" {
		t.Errorf("expected context to survive, got %v", back.Context)
	}
}

func TestSeverity_Ordering(t *testing.T) {
	if !(SeverityLow < SeverityMedium && SeverityMedium < SeverityHigh && SeverityHigh < SeverityCritical) {
		t.Error("severity ordering broken")
	}
}

func TestParseSeverity(t *testing.T) {
	for _, s := range []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical} {
		got, err := ParseSeverity(s.String())
		if err != nil {
			t.Fatalf("ParseSeverity(%s): %v", s, err)
		}
		if got != s {
			t.Errorf("expected %v, got %v", s, got)
		}
	}
	if _, err := ParseSeverity("nope"); err == nil {
		t.Error("expected error for bad severity")
	}
}

func TestDefaults(t *testing.T) {
	d, n := Defaults(CategoryNetwork)
	if d != 2*time.Second || n != 5 {
		t.Errorf("network defaults wrong: %v, %d", d, n)
	}
	d, n = Defaults(Category("nope"))
	if d != 1*time.Second || n != 3 {
		t.Errorf("fallback defaults wrong: %v, %d", d, n)
	}
}
