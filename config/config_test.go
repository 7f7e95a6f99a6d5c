package config_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/ggoodman/duplex-go/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.RedisAddr = "" // may be set by the environment running the Redis tests
	want := config.Config{
		ListenAddr:     ":8080",
		BasePath:       "/channel",
		WebSocketPath:  "/ws",
		KeepAlive:      25 * time.Second,
		SessionTimeout: 60 * time.Second,
		MaxRetries:     5,
		LogLevel:       "info",
	}
	if cfg != want {
		t.Fatalf("got %+v\nwant %+v", cfg, want)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DUPLEX_LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("DUPLEX_BASE_PATH", "/rpc")
	t.Setenv("DUPLEX_KEEP_ALIVE", "5s")
	t.Setenv("DUPLEX_SESSION_TIMEOUT", "2m")
	t.Setenv("DUPLEX_MAX_RETRIES", "0")
	t.Setenv("DUPLEX_LOG_LEVEL", "debug")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9000" || cfg.BasePath != "/rpc" || cfg.RedisAddr != "redis:6379" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.KeepAlive != 5*time.Second || cfg.SessionTimeout != 2*time.Minute || cfg.MaxRetries != 0 {
		t.Fatalf("unexpected durations %+v", cfg)
	}
	if lvl, _ := cfg.Level(); lvl != slog.LevelDebug {
		t.Fatalf("unexpected level %v", lvl)
	}
}

func TestLoadInvalid(t *testing.T) {
	cases := []struct {
		name, key, value string
	}{
		{"relative base path", "DUPLEX_BASE_PATH", "channel"},
		{"colliding paths", "DUPLEX_WS_PATH", "/channel"},
		{"zero keep-alive", "DUPLEX_KEEP_ALIVE", "0s"},
		{"negative retries", "DUPLEX_MAX_RETRIES", "-1"},
		{"unknown level", "DUPLEX_LOG_LEVEL", "loud"},
		{"bad duration", "DUPLEX_SESSION_TIMEOUT", "soon"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			if _, err := config.Load(); err == nil {
				t.Fatalf("expected error for %s=%q", tc.key, tc.value)
			}
		})
	}
}
