package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Port        string        `env:"PORT" envDefault:"8080"`
	DatabaseURL string        `env:"DATABASE_URL"`
	JWTSecret   string        `env:"JWT_SECRET"`
	JWTTTL      time.Duration `env:"JWT_TTL" envDefault:"24h"`

	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string `env:"GOOGLE_REDIRECT_URL" envDefault:"http://localhost:8080/email/oauth/callback"`

	// Empty RedisAddr means import locks are held in-process.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	AgentURL       string        `env:"AGENT_URL"`
	AgentAPIKey    string        `env:"AGENT_API_KEY"`
	AgentTimeout   time.Duration `env:"AGENT_TIMEOUT" envDefault:"60s"`
	AgentDetection bool          `env:"AGENT_DETECTION" envDefault:"false"`

	ImportBatchSize      int           `env:"IMPORT_BATCH_SIZE" envDefault:"5"`
	ImportBatchDelay     time.Duration `env:"IMPORT_BATCH_DELAY" envDefault:"1s"`
	ImportPageSize       int           `env:"IMPORT_PAGE_SIZE" envDefault:"100"`
	ImportProgressEvery  int           `env:"IMPORT_PROGRESS_EVERY" envDefault:"10"`
	ImportLookbackMonths int           `env:"IMPORT_LOOKBACK_MONTHS" envDefault:"3"`
	ProviderCallTimeout  time.Duration `env:"PROVIDER_CALL_TIMEOUT" envDefault:"30s"`
	StaleRunAfter        time.Duration `env:"STALE_RUN_AFTER" envDefault:"1h"`

	RolloverInterval time.Duration `env:"ROLLOVER_INTERVAL" envDefault:"1h"`
	ReaperInterval   time.Duration `env:"REAPER_INTERVAL" envDefault:"10m"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"` // "json" or "console"
}

// GmailEnabled reports whether Google OAuth credentials are configured
func (c *Config) GmailEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}

// AgentEnabled reports whether the LLM agent endpoint is configured
func (c *Config) AgentEnabled() bool {
	return c.AgentURL != ""
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if cfg.ImportBatchSize <= 0 {
		return nil, fmt.Errorf("IMPORT_BATCH_SIZE must be positive, got %d", cfg.ImportBatchSize)
	}
	if cfg.ImportProgressEvery <= 0 {
		return nil, fmt.Errorf("IMPORT_PROGRESS_EVERY must be positive, got %d", cfg.ImportProgressEvery)
	}

	return cfg, nil
}
