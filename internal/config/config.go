package config

import (
	"time"

	"github.com/vietddude/resilience/storage/postgres"
	redisstore "github.com/vietddude/resilience/storage/redis"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Redis       redisstore.Config `yaml:"redis"`
	Database    postgres.Config   `yaml:"database"`
	Retry       RetryConfig       `yaml:"retry"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	DeadLetters DeadLetterConfig  `yaml:"dead_letters"`
}

// ServerConfig holds the metrics/health listener settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// ArchiveConfig selects the durable dead letter backend.
type ArchiveConfig struct {
	Backend   string `yaml:"backend"` // redis, postgres, or empty for in-memory only
	Namespace string `yaml:"namespace"`
}

// RetryConfig holds the default retry policy for executed operations.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	Strategy   string        `yaml:"strategy"`
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
}

// DeadLetterConfig holds dead letter store settings.
type DeadLetterConfig struct {
	Capacity  int           `yaml:"capacity"`
	Retention time.Duration `yaml:"retention"`
}
