// Package config loads the process configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ErrMissingSecret is returned when no JWT secret is configured.
var ErrMissingSecret = errors.New("JWT_SECRET is required")

// Config holds every setting of the coordinator process.
type Config struct {
	Port           string   `env:"SERVER_PORT" envDefault:":8080"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:8080"`
	MaxMessageSize int64    `env:"MAX_MESSAGE_SIZE" envDefault:"16384"`

	RateLimitBurst int `env:"RATE_LIMIT_BURST" envDefault:"20"`
	// RateLimitRefillSeconds is the time, in whole seconds, to refill a full burst.
	RateLimitRefillSeconds int `env:"RATE_LIMIT_REFILL_INTERVAL" envDefault:"1"`

	JWTSecret   string `env:"JWT_SECRET"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	PresenceGrace         time.Duration `env:"PRESENCE_GRACE" envDefault:"15s"`
	PresenceSweepInterval time.Duration `env:"PRESENCE_SWEEP_INTERVAL" envDefault:"1s"`

	CallAnswerTimeout time.Duration `env:"CALL_ANSWER_TIMEOUT" envDefault:"45s"`
	CallRetention     time.Duration `env:"CALL_RETENTION" envDefault:"30s"`
	CallSignalQueue   int           `env:"CALL_SIGNAL_QUEUE" envDefault:"64"`

	PingPeriod time.Duration `env:"PING_PERIOD" envDefault:"54s"`
	PongWait   time.Duration `env:"PONG_WAIT" envDefault:"60s"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads .env files when present, then the environment, which wins.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		// A missing file is fine; real deployments use the environment.
		_ = godotenv.Load(f)
	}

	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg = sanitize(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate reports settings that cannot be repaired by defaults.
func (c Config) Validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return ErrMissingSecret
	}
	return nil
}

// RateLimitRefill returns the refill interval as a duration.
func (c Config) RateLimitRefill() time.Duration {
	return time.Duration(c.RateLimitRefillSeconds) * time.Second
}

func sanitize(cfg Config) Config {
	cfg.Port = strings.TrimSpace(cfg.Port)
	if cfg.Port == "" {
		cfg.Port = ":8080"
	} else if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}

	cfg.AllowedOrigins = parseOrigins(cfg.AllowedOrigins)

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 16384
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 20
	}
	if cfg.RateLimitRefillSeconds <= 0 {
		cfg.RateLimitRefillSeconds = 1
	}

	// A zero grace is replaced by the default; negative disables the grace
	// period and is kept as is.
	if cfg.PresenceGrace == 0 {
		cfg.PresenceGrace = 15 * time.Second
	}
	if cfg.PresenceSweepInterval <= 0 {
		cfg.PresenceSweepInterval = time.Second
	}
	if cfg.CallAnswerTimeout <= 0 {
		cfg.CallAnswerTimeout = 45 * time.Second
	}
	if cfg.CallRetention <= 0 {
		cfg.CallRetention = 30 * time.Second
	}
	if cfg.CallSignalQueue <= 0 {
		cfg.CallSignalQueue = 64
	}

	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = (cfg.PongWait * 9) / 10
	}

	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	return cfg
}

func parseOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
