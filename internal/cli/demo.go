package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/resilience"
	"github.com/vietddude/resilience/breaker"
	"github.com/vietddude/resilience/deadletter"
	"github.com/vietddude/resilience/events"
	"github.com/vietddude/resilience/recovery"
	"github.com/vietddude/resilience/retry"
)

var (
	demoCount    int
	demoFailRate float64
	demoMaxDelay time.Duration
	demoServe    bool
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run synthetic flaky operations through the full pipeline",
	Long: `Demo executes a synthetic operation that fails at a configurable rate
with realistic error messages, exercising classification, retries, the
circuit breaker, recovery actions, and the dead letter queue. With
--serve it then keeps a /metrics and /health listener running.`,
	Run: runDemo,
}

func init() {
	demoCmd.Flags().IntVar(&demoCount, "count", 25, "number of operations to run")
	demoCmd.Flags().Float64Var(&demoFailRate, "failure-rate", 0.4, "probability that a single invocation fails")
	demoCmd.Flags().DurationVar(&demoMaxDelay, "max-delay", 2*time.Second, "cap on backoff delays so the demo keeps moving")
	demoCmd.Flags().BoolVar(&demoServe, "serve", false, "keep serving /metrics and /health after the run")
	rootCmd.AddCommand(demoCmd)
}

// demoMessages are drawn at random for failed invocations; together
// they cover most classifier categories.
var demoMessages = []string{
	"connect ECONNREFUSED 10.0.0.5:443",
	"request timed out after 30s",
	"429 Too Many Requests",
	"element not found: #checkout-button",
	"session expired, please log in again",
	"received 403 Forbidden from upstream",
	"captcha challenge presented",
	"unexpected token < in response body",
}

// demoCollab pretends every remediation works.
type demoCollab struct{}

func (demoCollab) Reload(ctx context.Context) error {
	slog.Info("demo remediation: reloading page")
	return nil
}

func (demoCollab) Clear(ctx context.Context) error {
	slog.Info("demo remediation: clearing cookies")
	return nil
}

func (demoCollab) Rotate(ctx context.Context) (string, error) {
	slog.Info("demo remediation: rotating proxy")
	return "proxy-2", nil
}

func (demoCollab) Solve(ctx context.Context) error {
	slog.Info("demo remediation: solving captcha")
	return nil
}

func (demoCollab) Renew(ctx context.Context) error {
	slog.Info("demo remediation: renewing session")
	return nil
}

func runDemo(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		stylelog.InitDefault()
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	initLogging(cfg)

	strategy := retry.Strategy(cfg.Retry.Strategy)
	if !strategy.Valid() {
		slog.Error("Unknown retry strategy", "strategy", cfg.Retry.Strategy)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	archive, closeArchive, err := openArchive(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open archive", "error", err)
		os.Exit(1)
	}
	defer closeArchive()

	bus := events.NewBus()
	bus.Subscribe(func(e events.Event) {
		slog.Debug("event", "type", e.Type, "operation", e.Operation, "meta", e.Meta)
	})

	handler := resilience.New(resilience.Config{
		Breaker: breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
			ResetTimeout:     cfg.Breaker.ResetTimeout,
			CallTimeout:      cfg.Breaker.CallTimeout,
		},
		Store: deadletter.Config{
			Capacity:  cfg.DeadLetters.Capacity,
			Retention: cfg.DeadLetters.Retention,
		},
		Collaborators: recovery.Collaborators{
			Pages:    demoCollab{},
			Cookies:  demoCollab{},
			Proxies:  demoCollab{},
			Captchas: demoCollab{},
			Sessions: demoCollab{},
		},
		Archive: archive,
		Bus:     bus,
	})

	if archive != nil {
		if err := handler.DeadLetters().Restore(ctx); err != nil {
			slog.Warn("Failed to restore dead letters", "error", err)
		}
	}

	maxDelay := demoMaxDelay
	if maxDelay <= 0 {
		maxDelay = cfg.Retry.MaxDelay
	}
	policy := retry.Policy{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
		MaxDelay:   maxDelay,
		Strategy:   strategy,
		Jitter:     true,
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	op := func(ctx context.Context) (any, error) {
		if rng.Float64() < demoFailRate {
			return nil, errors.New(demoMessages[rng.Intn(len(demoMessages))])
		}
		return "fetched", nil
	}

	slog.Info("Starting demo run",
		"count", demoCount,
		"failure_rate", demoFailRate,
		"strategy", strategy,
	)

	var succeeded, failed, rejected int
	for i := 0; i < demoCount; i++ {
		_, err := handler.Execute(ctx, op, resilience.Options{
			Name:   "demo.fetch",
			Args:   []any{i},
			Policy: &policy,
		})
		switch {
		case err == nil:
			succeeded++
		case breaker.IsBreakerError(err):
			rejected++
			slog.Warn("Circuit rejected call", "error", err)
		default:
			failed++
			slog.Warn("Operation failed terminally", "error", err)
		}
	}

	stats := handler.DeadLetters().GetStats()
	slog.Info("Demo run finished",
		"succeeded", succeeded,
		"failed", failed,
		"rejected", rejected,
		"dead_letters", stats.Total,
		"circuit", handler.Breaker().State().String(),
	)
	for category, count := range stats.ByCategory {
		slog.Info("Dead letters by category", "category", category, "count", count)
	}

	if !demoServe {
		return
	}

	srv := newServer(handler, cfg.Server.Port)
	go func() {
		slog.Info("Serving metrics and health", "port", cfg.Server.Port)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server stopped", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received signal, shutting down...", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}

	fmt.Println("Demo stopped")
}
