// Package breaker guards an operation behind a circuit breaker so a
// persistently failing dependency is cut off instead of hammered.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vietddude/resilience/events"
	"github.com/vietddude/resilience/internal/metrics"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	// ErrOpen rejects calls while the circuit is open.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrTooManyCalls rejects concurrent callers while the single
	// half-open trial is in flight.
	ErrTooManyCalls = errors.New("circuit breaker trial call already in flight")
	// ErrCallTimeout reports a protected call that outran the watchdog.
	ErrCallTimeout = errors.New("circuit breaker call timed out")
)

// IsOpen reports whether err is the open-circuit rejection.
func IsOpen(err error) bool {
	return errors.Is(err, ErrOpen)
}

// IsBreakerError reports whether err was synthesized by the breaker
// rather than returned by the protected operation.
func IsBreakerError(err error) bool {
	return errors.Is(err, ErrOpen) || errors.Is(err, ErrTooManyCalls) || errors.Is(err, ErrCallTimeout)
}

// Config tunes a breaker. Zero fields take the documented defaults.
type Config struct {
	FailureThreshold int           // consecutive failures that trip open (default 5)
	SuccessThreshold int           // half-open successes that close (default 2)
	ResetTimeout     time.Duration // open duration before a trial is allowed (default 60s)
	CallTimeout      time.Duration // per-call watchdog, counts as failure (default 30s)
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	return c
}

// Operation is a call protected by the breaker.
type Operation func(ctx context.Context) (any, error)

// Breaker is a named circuit breaker. Safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config
	bus  *events.Bus

	mu           sync.Mutex
	state        State
	failures     int
	successes    int
	nextAttempt  time.Time
	halfOpenBusy bool

	now func() time.Time
}

// New returns a closed breaker. bus may be nil.
func New(name string, cfg Config, bus *events.Bus) *Breaker {
	b := &Breaker{
		name: name,
		cfg:  cfg.withDefaults(),
		bus:  bus,
		now:  time.Now,
	}
	metrics.CircuitState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// Name returns the breaker's name.
func (b *Breaker) Name() string { return b.name }

// State returns the current position. An open breaker whose reset timeout
// has elapsed still reports open; the flip to half-open happens on the
// next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs op under the breaker. Rejections (ErrOpen, ErrTooManyCalls)
// return without invoking op. A call outlasting the watchdog returns
// ErrCallTimeout and counts as a failure; the abandoned call's context is
// cancelled. Cancellation by the caller's own ctx returns ctx.Err() and
// does not move any counter.
func (b *Breaker) Execute(ctx context.Context, op Operation) (any, error) {
	if err := b.admit(); err != nil {
		reason := "open"
		if errors.Is(err, ErrTooManyCalls) {
			reason = "half_open_busy"
		}
		metrics.CircuitRejections.WithLabelValues(b.name, reason).Inc()
		return nil, err
	}

	result, err := b.call(ctx, op)

	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		b.release()
		return nil, err
	}
	if err != nil {
		if errors.Is(err, ErrCallTimeout) {
			metrics.CircuitRejections.WithLabelValues(b.name, "timeout").Inc()
		}
		b.onFailure()
		return nil, err
	}
	b.onSuccess()
	return result, nil
}

// Reset forces the breaker closed with all counters cleared.
func (b *Breaker) Reset() {
	b.mu.Lock()
	var evt *events.Event
	if b.state != StateClosed {
		evt = b.transition(StateClosed)
	}
	b.failures = 0
	b.successes = 0
	b.halfOpenBusy = false
	b.mu.Unlock()

	b.publish(evt)
}

// admit decides whether a call may proceed, flipping open to half-open
// once the reset timeout has elapsed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	var evt *events.Event

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil
	case StateOpen:
		if b.now().Before(b.nextAttempt) {
			b.mu.Unlock()
			return ErrOpen
		}
		evt = b.transition(StateHalfOpen)
		b.halfOpenBusy = true
		b.mu.Unlock()
		b.publish(evt)
		return nil
	default: // StateHalfOpen
		if b.halfOpenBusy {
			b.mu.Unlock()
			return ErrTooManyCalls
		}
		b.halfOpenBusy = true
		b.mu.Unlock()
		return nil
	}
}

// call races op against the watchdog and the caller's ctx. The spawned
// goroutine writes to a buffered channel so a timed-out call never leaks.
func (b *Breaker) call(ctx context.Context, op Operation) (any, error) {
	type outcome struct {
		result any
		err    error
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		r, err := op(callCtx)
		done <- outcome{r, err}
	}()

	timer := time.NewTimer(b.cfg.CallTimeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.result, out.err
	case <-timer.C:
		return nil, ErrCallTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	var evt *events.Event

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.halfOpenBusy = false
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			evt = b.transition(StateClosed)
			b.failures = 0
			b.successes = 0
		}
	}
	b.mu.Unlock()

	b.publish(evt)
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	var evt *events.Event

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			evt = b.open()
		}
	case StateHalfOpen:
		b.halfOpenBusy = false
		evt = b.open()
	}
	b.mu.Unlock()

	b.publish(evt)
}

// release frees the half-open slot without counting an outcome.
func (b *Breaker) release() {
	b.mu.Lock()
	if b.state == StateHalfOpen {
		b.halfOpenBusy = false
	}
	b.mu.Unlock()
}

// open moves to StateOpen with a fresh nextAttempt. Lock must be held.
func (b *Breaker) open() *events.Event {
	b.nextAttempt = b.now().Add(b.cfg.ResetTimeout)
	evt := b.transition(StateOpen)
	b.failures = 0
	b.successes = 0
	return evt
}

// transition flips state and builds the notification. Lock must be held;
// the caller publishes after unlocking so handlers can query the breaker.
func (b *Breaker) transition(to State) *events.Event {
	from := b.state
	b.state = to
	metrics.CircuitState.WithLabelValues(b.name).Set(float64(to))

	meta := map[string]any{
		"from": from.String(),
		"to":   to.String(),
	}
	if to == StateOpen {
		meta["next_attempt"] = b.nextAttempt
	}
	return &events.Event{
		Type:      events.TypeCircuitStateChanged,
		Operation: b.name,
		Meta:      meta,
	}
}

func (b *Breaker) publish(evt *events.Event) {
	if evt != nil {
		b.bus.Publish(*evt)
	}
}
