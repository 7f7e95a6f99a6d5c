// Package config loads process configuration for duplex servers from the
// environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config holds the settings shared by the example binaries. Every field has a
// usable default except RedisAddr; an empty RedisAddr selects the in-memory
// session host.
type Config struct {
	ListenAddr     string        `env:"DUPLEX_LISTEN_ADDR,default=:8080"`
	BasePath       string        `env:"DUPLEX_BASE_PATH,default=/channel"`
	WebSocketPath  string        `env:"DUPLEX_WS_PATH,default=/ws"`
	KeepAlive      time.Duration `env:"DUPLEX_KEEP_ALIVE,default=25s"`
	SessionTimeout time.Duration `env:"DUPLEX_SESSION_TIMEOUT,default=60s"`
	MaxRetries     int           `env:"DUPLEX_MAX_RETRIES,default=5"`
	LogLevel       string        `env:"DUPLEX_LOG_LEVEL,default=info"`
	RedisAddr      string        `env:"REDIS_ADDR"`
}

// Load decodes Config from the environment and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("config: decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case !strings.HasPrefix(c.BasePath, "/"):
		return fmt.Errorf("config: DUPLEX_BASE_PATH must start with '/': %q", c.BasePath)
	case !strings.HasPrefix(c.WebSocketPath, "/"):
		return fmt.Errorf("config: DUPLEX_WS_PATH must start with '/': %q", c.WebSocketPath)
	case c.BasePath == c.WebSocketPath:
		return fmt.Errorf("config: DUPLEX_BASE_PATH and DUPLEX_WS_PATH collide: %q", c.BasePath)
	case c.KeepAlive <= 0:
		return fmt.Errorf("config: DUPLEX_KEEP_ALIVE must be positive: %s", c.KeepAlive)
	case c.SessionTimeout <= 0:
		return fmt.Errorf("config: DUPLEX_SESSION_TIMEOUT must be positive: %s", c.SessionTimeout)
	case c.MaxRetries < 0:
		return fmt.Errorf("config: DUPLEX_MAX_RETRIES must not be negative: %d", c.MaxRetries)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: DUPLEX_LOG_LEVEL: %w", err)
	}
	return lvl, nil
}
