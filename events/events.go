// Package events carries lifecycle notifications out of the resilience
// components. Handlers are plain functions; a slow or panicking handler
// never breaks the pipeline that published the event.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Type identifies what happened.
type Type string

const (
	TypeAttemptStarted      Type = "attempt_started"
	TypeRetryScheduled      Type = "retry_scheduled"
	TypeRetryExhausted      Type = "retry_exhausted"
	TypeOperationFailed     Type = "operation_failed"
	TypeCircuitStateChanged Type = "circuit_state_changed"
	TypeRecoveryStarted     Type = "recovery_started"
	TypeRecoveryCompleted   Type = "recovery_completed"
	TypeRecoveryFailed      Type = "recovery_failed"
	TypeRecoveryEscalated   Type = "recovery_escalated"
	TypeRecoveryAborted     Type = "recovery_aborted"
	TypeDeadLetterAdded     Type = "dead_letter_added"
	TypeDeadLetterRemoved   Type = "dead_letter_removed"
	TypeDeadLetterPruned    Type = "dead_letter_pruned"
	TypeDeadLetterReplayed  Type = "dead_letter_replayed"
)

// Event is a single lifecycle notification.
type Event struct {
	Type      Type
	Time      time.Time
	Operation string
	Meta      map[string]any
}

// HandlerFunc receives published events. It runs synchronously on the
// publisher's goroutine.
type HandlerFunc func(Event)

// Bus fans events out to subscribed handlers. A nil *Bus is valid and
// drops everything, so components can run without observers attached.
type Bus struct {
	mu       sync.RWMutex
	handlers []HandlerFunc
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for all subsequent events.
func (b *Bus) Subscribe(fn HandlerFunc) {
	if b == nil || fn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, fn)
}

// Publish delivers evt to every handler in subscription order. A handler
// panic is contained and logged; remaining handlers still run.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}

	b.mu.RLock()
	handlers := make([]HandlerFunc, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, fn := range handlers {
		deliver(fn, evt)
	}
}

func deliver(fn HandlerFunc, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked", "type", evt.Type, "panic", r)
		}
	}()
	fn(evt)
}
