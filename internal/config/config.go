package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string        `env:"APP_NAME" envDefault:"FanBeam"`
	AppEnv         string        `env:"APP_ENV" envDefault:"development"`
	Port           string        `env:"PORT" envDefault:"8080"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
	DatabaseURL    string        `env:"DATABASE_URL"`
	RedisURL       string        `env:"REDIS_URL"`
	ShutdownPeriod time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// InternalAPISecret guards the /internal surface. The payout trigger
	// refuses to run when it is unset.
	InternalAPISecret string `env:"INTERNAL_API_SECRET"`

	// Call metering.
	MeteringInterval    time.Duration `env:"METERING_INTERVAL" envDefault:"30s"`
	BillingBlockSeconds int64         `env:"BILLING_BLOCK_SECONDS" envDefault:"30"`
	MeteringBatchLimit  int           `env:"METERING_BATCH_LIMIT" envDefault:"500"`

	// Payout pipeline.
	PayoutChunkSize       int           `env:"PAYOUT_CHUNK_SIZE" envDefault:"25"`
	PayoutChunkConcurrent int           `env:"PAYOUT_CHUNK_CONCURRENT" envDefault:"4"`
	PayoutMinTokens       int64         `env:"PAYOUT_MIN_TOKENS" envDefault:"2000"`
	PayoutHoldWindowDays  int           `env:"PAYOUT_HOLD_WINDOW_DAYS" envDefault:"7"`
	PayoutMaxRetries      int           `env:"PAYOUT_MAX_RETRIES" envDefault:"3"`
	PayoutTokenCents      int64         `env:"PAYOUT_TOKEN_CENTS" envDefault:"5"`
	ProviderTimeout       time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"30s"`
	RunLockTTL            time.Duration `env:"RUN_LOCK_TTL" envDefault:"1h"`

	// Retry sweep.
	RetrySweepInterval time.Duration `env:"RETRY_SWEEP_INTERVAL" envDefault:"10m"`
	RetrySweepLimit    int           `env:"RETRY_SWEEP_LIMIT" envDefault:"100"`
	RetryMaxAge        time.Duration `env:"RETRY_MAX_AGE" envDefault:"168h"`
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL must be set")
	}
	if cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("REDIS_URL must be set")
	}
	if cfg.BillingBlockSeconds <= 0 {
		return Config{}, fmt.Errorf("BILLING_BLOCK_SECONDS must be positive")
	}
	if cfg.PayoutChunkSize <= 0 {
		return Config{}, fmt.Errorf("PAYOUT_CHUNK_SIZE must be positive")
	}
	if cfg.PayoutChunkConcurrent <= 0 {
		return Config{}, fmt.Errorf("PAYOUT_CHUNK_CONCURRENT must be positive")
	}

	return cfg, nil
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

// IsDev reports whether the app runs in a development-style environment.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local":
		return true
	default:
		return false
	}
}
