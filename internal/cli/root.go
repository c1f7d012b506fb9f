package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/resilience/classify"
	"github.com/vietddude/resilience/deadletter"
	"github.com/vietddude/resilience/events"
	"github.com/vietddude/resilience/internal/config"
	"github.com/vietddude/resilience/storage/postgres"
	redisstore "github.com/vietddude/resilience/storage/redis"
)

var (
	cfgPath string
	isDebug bool
)

var rootCmd = &cobra.Command{
	Use:   "resilience",
	Short: "Failure classification and recovery toolkit",
	Long: `Resilience classifies operation failures, retries them with backoff,
trips a circuit breaker when they persist, runs recovery actions, and
parks what cannot be recovered in a dead letter queue for later replay.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
}

// loadConfig reads the config file. The default path is allowed to be
// absent; an explicitly given one is not.
func loadConfig() (*config.AppConfig, error) {
	_ = godotenv.Load()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) &&
		!rootCmd.PersistentFlags().Changed("config") {
		return config.Default(), nil
	}
	return config.Load(cfgPath)
}

// initLogging configures the default slog logger.
func initLogging(cfg *config.AppConfig) {
	slogLevel := slog.LevelInfo
	if isDebug || cfg.Logging.Level == "debug" {
		slogLevel = slog.LevelDebug
	}

	stylelog.InitDefault(&tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	})
}

// openArchive connects the configured archive backend. A nil archive
// with a nil error means none is configured.
func openArchive(ctx context.Context, cfg *config.AppConfig) (deadletter.Archive, func(), error) {
	switch cfg.Archive.Backend {
	case "":
		return nil, func() {}, nil
	case "redis":
		client, err := redisstore.NewClient(cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		archive := redisstore.NewArchive(client, cfg.Archive.Namespace, cfg.DeadLetters.Retention)
		return archive, func() { _ = client.Close() }, nil
	case "postgres":
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewArchive(db), func() { _ = db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown archive backend: %s", cfg.Archive.Backend)
	}
}

// openStore builds a dead letter store bound to the configured archive
// and loads the archived items into it. The dlq commands require a
// backend; in-memory stores of other processes are not reachable.
func openStore(ctx context.Context, cfg *config.AppConfig) (*deadletter.Store, func(), error) {
	archive, closeArchive, err := openArchive(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if archive == nil {
		return nil, nil, fmt.Errorf("no archive backend configured, set archive.backend to redis or postgres")
	}

	store := deadletter.NewStore(deadletter.Config{
		Capacity:  cfg.DeadLetters.Capacity,
		Retention: cfg.DeadLetters.Retention,
	}, classify.NewClassifier(), events.NewBus(), archive)

	if err := store.Restore(ctx); err != nil {
		closeArchive()
		return nil, nil, err
	}
	return store, closeArchive, nil
}
