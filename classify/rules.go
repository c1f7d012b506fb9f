package classify

import (
	"errors"
	"regexp"
	"sync"
	"time"
)

// rule pairs a pattern with the verdict applied when it matches.
type rule struct {
	pattern   *regexp.Regexp
	category  Category
	severity  Severity
	retryable bool
	action    Action
}

// categoryDefaults fixes the (retry delay, max retries) pair per category.
// These values are observable retry behavior and must not drift.
var categoryDefaults = map[Category]struct {
	delay      time.Duration
	maxRetries int
}{
	CategoryNetwork:        {2 * time.Second, 5},
	CategoryElement:        {500 * time.Millisecond, 10},
	CategoryTimeout:        {1 * time.Second, 3},
	CategoryValidation:     {0, 0},
	CategoryAuthentication: {0, 1},
	CategoryCaptcha:        {0, 1},
	CategoryRateLimit:      {30 * time.Second, 2},
	CategoryBlocked:        {60 * time.Second, 0},
	CategorySession:        {1 * time.Second, 2},
	CategoryData:           {0, 0},
	CategorySystem:         {0, 1},
	CategoryUnknown:        {1 * time.Second, 3},
}

// builtinRules is evaluated in order against the failure text; the first
// match wins. Custom rules registered via AddPattern run before these.
var builtinRules = []rule{
	{regexp.MustCompile(`(?i)ECONNREFUSED|ECONNRESET|ENOTFOUND|EHOSTUNREACH|ENETUNREACH|EPIPE|socket hang up|network error|connection (refused|reset|closed)|dns`),
		CategoryNetwork, SeverityMedium, true, ActionNone},
	{regexp.MustCompile(`(?i)ETIMEDOUT|timed? ?out|deadline exceeded`),
		CategoryTimeout, SeverityMedium, true, ActionWaitAndRetry},
	{regexp.MustCompile(`(?i)rate.?limit|too many requests|\b429\b|quota exceeded|throttled`),
		CategoryRateLimit, SeverityMedium, true, ActionWaitAndRetry},
	{regexp.MustCompile(`(?i)captcha|challenge`),
		CategoryCaptcha, SeverityHigh, false, ActionSolveCaptcha},
	{regexp.MustCompile(`(?i)\b403\b|forbidden|blocked|access denied|cloudflare`),
		CategoryBlocked, SeverityHigh, false, ActionRotateProxy},
	{regexp.MustCompile(`(?i)\b401\b|unauthorized|authentication|login required|invalid credentials`),
		CategoryAuthentication, SeverityHigh, false, ActionNewSession},
	{regexp.MustCompile(`(?i)session (expired|invalid|not found)|cookie|logged out`),
		CategorySession, SeverityMedium, true, ActionClearCookies},
	{regexp.MustCompile(`(?i)element not found|no such element|stale element|not (visible|interactable)|selector`),
		CategoryElement, SeverityLow, true, ActionRefreshPage},
	{regexp.MustCompile(`(?i)validation|invalid (input|argument|parameter)|schema`),
		CategoryValidation, SeverityHigh, false, ActionAbort},
	{regexp.MustCompile(`(?i)parse error|unexpected token|malformed|corrupt|bad response`),
		CategoryData, SeverityHigh, false, ActionAbort},
	{regexp.MustCompile(`(?i)out of memory|ENOSPC|disk full|panic|fatal`),
		CategorySystem, SeverityCritical, false, ActionEscalate},
}

// Classifier maps raw failures onto the error taxonomy. The zero value is
// not usable; construct with NewClassifier. Safe for concurrent use.
type Classifier struct {
	mu     sync.RWMutex
	custom []rule
}

// NewClassifier returns a classifier with the built-in rule set.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// AddPattern registers a custom rule ahead of the built-ins. Later
// registrations take priority over earlier ones. The pattern is compiled
// case-insensitively.
func (c *Classifier) AddPattern(pattern string, category Category, severity Severity, retryable bool, action Action) error {
	re, err := regexp.Compile(`(?i)` + pattern)
	if err != nil {
		return err
	}
	if !category.Valid() {
		return errors.New("unknown category " + string(category))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.custom = append([]rule{{re, category, severity, retryable, action}}, c.custom...)
	return nil
}

// Classify maps err onto a ClassifiedError. It is deterministic and total:
// the same error text always yields the same verdict, and a nil or
// unmatched error falls back to the retryable unknown default. The match
// target is the error's message; errors exposing a stack trace through a
// StackTrace() method contribute that text as well.
func (c *Classifier) Classify(err error, context map[string]any) *ClassifiedError {
	if err == nil {
		err = errors.New("unknown error")
	}

	text := err.Error()
	if st, ok := err.(interface{ StackTrace() string }); ok {
		text += "\n" + st.StackTrace()
	}

	c.mu.RLock()
	matched, ok := matchRules(c.custom, text)
	c.mu.RUnlock()
	if !ok {
		matched, ok = matchRules(builtinRules, text)
	}

	if !ok {
		def := categoryDefaults[CategoryUnknown]
		return &ClassifiedError{
			Err:        err,
			Category:   CategoryUnknown,
			Severity:   SeverityMedium,
			Retryable:  true,
			RetryDelay: def.delay,
			MaxRetries: def.maxRetries,
			Action:     ActionRetry,
			Context:    copyContext(context),
		}
	}

	def := categoryDefaults[matched.category]
	return &ClassifiedError{
		Err:        err,
		Category:   matched.category,
		Severity:   matched.severity,
		Retryable:  matched.retryable,
		RetryDelay: def.delay,
		MaxRetries: def.maxRetries,
		Action:     matched.action,
		Context:    copyContext(context),
	}
}

func matchRules(rules []rule, text string) (rule, bool) {
	for _, r := range rules {
		if r.pattern.MatchString(text) {
			return r, true
		}
	}
	return rule{}, false
}

func copyContext(context map[string]any) map[string]any {
	if len(context) == 0 {
		return nil
	}
	out := make(map[string]any, len(context))
	for k, v := range context {
		out[k] = v
	}
	return out
}

// Defaults returns the fixed (retry delay, max retries) pair for a
// category. Unknown categories fall back to the unknown defaults.
func Defaults(category Category) (time.Duration, int) {
	def, ok := categoryDefaults[category]
	if !ok {
		def = categoryDefaults[CategoryUnknown]
	}
	return def.delay, def.maxRetries
}
