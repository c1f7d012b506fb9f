package resilience

import (
	"log/slog"

	"github.com/vietddude/resilience/breaker"
	"github.com/vietddude/resilience/classify"
	"github.com/vietddude/resilience/deadletter"
	"github.com/vietddude/resilience/events"
	"github.com/vietddude/resilience/recovery"
	"github.com/vietddude/resilience/retry"
)

// Config assembles a Handler. Every field is optional; zero values give
// an in-memory handler with default thresholds and no collaborators.
type Config struct {
	Classifier    *classify.Classifier
	Breaker       breaker.Config
	Store         deadletter.Config
	Collaborators recovery.Collaborators
	Archive       deadletter.Archive
	Bus           *events.Bus
}

// Handler is the error-handling facade tying the pieces together.
// Safe for concurrent use.
type Handler struct {
	classifier *classify.Classifier
	executor   *retry.Executor
	breaker    *breaker.Breaker
	recovery   *recovery.Coordinator
	store      *deadletter.Store
	bus        *events.Bus
	log        *slog.Logger
}

// New wires a Handler from cfg.
func New(cfg Config) *Handler {
	if cfg.Classifier == nil {
		cfg.Classifier = classify.NewClassifier()
	}
	if cfg.Bus == nil {
		cfg.Bus = events.NewBus()
	}
	return &Handler{
		classifier: cfg.Classifier,
		executor:   retry.NewExecutor(cfg.Classifier, cfg.Bus),
		breaker:    breaker.New("handler", cfg.Breaker, cfg.Bus),
		recovery:   recovery.NewCoordinator(cfg.Collaborators, cfg.Bus),
		store:      deadletter.NewStore(cfg.Store, cfg.Classifier, cfg.Bus, cfg.Archive),
		bus:        cfg.Bus,
		log:        slog.Default().With("component", "resilience"),
	}
}

// Classifier exposes the rule engine, e.g. to register custom patterns.
func (h *Handler) Classifier() *classify.Classifier { return h.classifier }

// Breaker exposes the circuit breaker, e.g. for operator resets.
func (h *Handler) Breaker() *breaker.Breaker { return h.breaker }

// DeadLetters exposes the dead letter store for inspection and replay.
func (h *Handler) DeadLetters() *deadletter.Store { return h.store }

// Events exposes the notification bus.
func (h *Handler) Events() *events.Bus { return h.bus }
