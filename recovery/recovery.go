// Package recovery maps a classified failure's recovery action onto a
// concrete remediation step, delegating to collaborators injected at
// construction.
package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/resilience/classify"
	"github.com/vietddude/resilience/events"
	"github.com/vietddude/resilience/internal/metrics"
)

// defaultWaitDelay applies when wait_and_retry runs for a classification
// that carries no delay of its own.
const defaultWaitDelay = 5 * time.Second

// PageReloader reloads whatever surface the failed operation drives.
type PageReloader interface {
	Reload(ctx context.Context) error
}

// CookieClearer drops accumulated session cookies.
type CookieClearer interface {
	Clear(ctx context.Context) error
}

// ProxyRotator switches egress to a fresh proxy and names it.
type ProxyRotator interface {
	Rotate(ctx context.Context) (string, error)
}

// CaptchaSolver clears a captcha challenge blocking the operation.
type CaptchaSolver interface {
	Solve(ctx context.Context) error
}

// SessionManager tears down and re-establishes the session.
type SessionManager interface {
	Renew(ctx context.Context) error
}

// Collaborators carries the optional remediation capabilities. A nil
// field means the capability is absent and its action reports failure
// without side effects.
type Collaborators struct {
	Pages    PageReloader
	Cookies  CookieClearer
	Proxies  ProxyRotator
	Captchas CaptchaSolver
	Sessions SessionManager
}

// Coordinator executes recovery actions. Safe for concurrent use.
type Coordinator struct {
	collab Collaborators
	bus    *events.Bus
	log    *slog.Logger
}

// NewCoordinator wires the coordinator with its collaborators. bus may
// be nil.
func NewCoordinator(collab Collaborators, bus *events.Bus) *Coordinator {
	return &Coordinator{
		collab: collab,
		bus:    bus,
		log:    slog.Default().With("component", "recovery"),
	}
}

// Execute runs the remediation for action and reports whether it
// succeeded. Collaborator errors and panics are contained and count as
// failure; nothing propagates to the caller. escalate and abort perform
// no remediation and always report false, with a notification naming
// which of the two occurred.
func (c *Coordinator) Execute(ctx context.Context, action classify.Action, cause *classify.ClassifiedError) bool {
	operation := ""
	if cause != nil {
		if op, ok := cause.Context["operation"].(string); ok {
			operation = op
		}
	}

	c.publish(events.TypeRecoveryStarted, operation, action, nil)

	ok := c.run(ctx, action, cause)

	outcome := "failed"
	evtType := events.TypeRecoveryFailed
	if ok {
		outcome = "completed"
		evtType = events.TypeRecoveryCompleted
	}
	metrics.RecoveryActions.WithLabelValues(string(action), outcome).Inc()
	c.publish(evtType, operation, action, nil)

	return ok
}

func (c *Coordinator) run(ctx context.Context, action classify.Action, cause *classify.ClassifiedError) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("recovery action panicked", "action", action, "panic", r)
			ok = false
		}
	}()

	switch action {
	case classify.ActionRetry:
		return true

	case classify.ActionWaitAndRetry:
		delay := defaultWaitDelay
		if cause != nil && cause.RetryDelay > 0 {
			delay = cause.RetryDelay
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
			return true
		}

	case classify.ActionRefreshPage:
		if c.collab.Pages == nil {
			return false
		}
		return c.report(action, c.collab.Pages.Reload(ctx))

	case classify.ActionClearCookies:
		if c.collab.Cookies == nil {
			return false
		}
		return c.report(action, c.collab.Cookies.Clear(ctx))

	case classify.ActionRotateProxy:
		if c.collab.Proxies == nil {
			return false
		}
		proxy, err := c.collab.Proxies.Rotate(ctx)
		if err == nil {
			c.log.Info("rotated proxy", "proxy", proxy)
		}
		return c.report(action, err)

	case classify.ActionSolveCaptcha:
		if c.collab.Captchas == nil {
			return false
		}
		return c.report(action, c.collab.Captchas.Solve(ctx))

	case classify.ActionNewSession:
		if c.collab.Sessions == nil {
			return false
		}
		return c.report(action, c.collab.Sessions.Renew(ctx))

	case classify.ActionEscalate:
		c.publish(events.TypeRecoveryEscalated, "", action, errMeta(cause))
		return false

	case classify.ActionAbort:
		c.publish(events.TypeRecoveryAborted, "", action, errMeta(cause))
		return false

	default:
		return false
	}
}

func (c *Coordinator) report(action classify.Action, err error) bool {
	if err != nil {
		c.log.Warn("recovery action failed", "action", action, "error", err)
		return false
	}
	return true
}

func (c *Coordinator) publish(t events.Type, operation string, action classify.Action, meta map[string]any) {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["action"] = action
	c.bus.Publish(events.Event{Type: t, Operation: operation, Meta: meta})
}

func errMeta(cause *classify.ClassifiedError) map[string]any {
	if cause == nil {
		return nil
	}
	return map[string]any{
		"category": cause.Category,
		"error":    cause.Message(),
	}
}
