package classify

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Category identifies the failure taxonomy bucket an error belongs to.
type Category string

const (
	CategoryNetwork        Category = "network"
	CategoryElement        Category = "element"
	CategoryTimeout        Category = "timeout"
	CategoryValidation     Category = "validation"
	CategoryAuthentication Category = "authentication"
	CategoryCaptcha        Category = "captcha"
	CategoryRateLimit      Category = "rate_limit"
	CategoryBlocked        Category = "blocked"
	CategorySession        Category = "session"
	CategoryData           Category = "data"
	CategorySystem         Category = "system"
	CategoryUnknown        Category = "unknown"
)

// Categories lists every valid category in declaration order.
func Categories() []Category {
	return []Category{
		CategoryNetwork, CategoryElement, CategoryTimeout,
		CategoryValidation, CategoryAuthentication, CategoryCaptcha,
		CategoryRateLimit, CategoryBlocked, CategorySession,
		CategoryData, CategorySystem, CategoryUnknown,
	}
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	for _, known := range Categories() {
		if c == known {
			return true
		}
	}
	return false
}

// Severity grades how serious a failure is. It is advisory: it drives
// observability, not control flow, except that critical failures default
// to non-retryable.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity converts the string form back into a Severity.
func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	}
	return SeverityMedium, fmt.Errorf("unknown severity %q", s)
}

// Action names a remediation step the recovery coordinator can attempt.
// The zero value means no action is recommended.
type Action string

const (
	ActionNone         Action = ""
	ActionRetry        Action = "retry"
	ActionWaitAndRetry Action = "wait_and_retry"
	ActionRefreshPage  Action = "refresh_page"
	ActionClearCookies Action = "clear_cookies"
	ActionRotateProxy  Action = "rotate_proxy"
	ActionSolveCaptcha Action = "solve_captcha"
	ActionNewSession   Action = "new_session"
	ActionEscalate     Action = "escalate"
	ActionAbort        Action = "abort"
)

// ClassifiedError is the classifier's verdict on a raw failure. It wraps
// the original error and carries the retry policy hints downstream
// components consume. Instances are immutable once produced.
type ClassifiedError struct {
	Err        error
	Category   Category
	Severity   Severity
	Retryable  bool
	RetryDelay time.Duration
	MaxRetries int
	Action     Action
	Context    map[string]any
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[%s:%s] unknown error", e.Category, e.Severity)
	}
	return fmt.Sprintf("[%s:%s] %v", e.Category, e.Severity, e.Err)
}

// Unwrap exposes the original error to errors.Is / errors.As.
func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Message returns the original error text without the classification prefix.
func (e *ClassifiedError) Message() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// classifiedErrorJSON is the wire shape used by the dead-letter store.
// Delays travel as milliseconds, severity as its string form, and the
// original error collapses to its message.
type classifiedErrorJSON struct {
	Message      string         `json:"message"`
	Category     Category       `json:"category"`
	Severity     string         `json:"severity"`
	Retryable    bool           `json:"retryable"`
	RetryDelayMs int64          `json:"retry_delay_ms"`
	MaxRetries   int            `json:"max_retries"`
	Action       Action         `json:"recovery_action,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *ClassifiedError) MarshalJSON() ([]byte, error) {
	return json.Marshal(classifiedErrorJSON{
		Message:      e.Message(),
		Category:     e.Category,
		Severity:     e.Severity.String(),
		Retryable:    e.Retryable,
		RetryDelayMs: e.RetryDelay.Milliseconds(),
		MaxRetries:   e.MaxRetries,
		Action:       e.Action,
		Context:      e.Context,
	})
}

// UnmarshalJSON implements json.Unmarshaler. The original error is restored
// as an opaque error carrying the recorded message.
func (e *ClassifiedError) UnmarshalJSON(data []byte) error {
	var dto classifiedErrorJSON
	if err := json.Unmarshal(data, &dto); err != nil {
		return err
	}
	sev, err := ParseSeverity(dto.Severity)
	if err != nil {
		sev = SeverityMedium
	}
	*e = ClassifiedError{
		Err:        errors.New(dto.Message),
		Category:   dto.Category,
		Severity:   sev,
		Retryable:  dto.Retryable,
		RetryDelay: time.Duration(dto.RetryDelayMs) * time.Millisecond,
		MaxRetries: dto.MaxRetries,
		Action:     dto.Action,
		Context:    dto.Context,
	}
	return nil
}

// As extracts a ClassifiedError from err's chain, if present.
func As(err error) (*ClassifiedError, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// CategoryOf returns the category recorded in err's chain, or
// CategoryUnknown when the error was never classified.
func CategoryOf(err error) Category {
	if ce, ok := As(err); ok {
		return ce.Category
	}
	return CategoryUnknown
}
