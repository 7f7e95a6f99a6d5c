package redishost

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/duplex-go/sessions"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

const (
	fieldData      = "d"
	fieldTombstone = "x"
	closedTTL      = time.Minute
)

// Config for Redis-backed Host. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=duplex:sessions:"`
	// MaxLen approximately bounds each session stream. ENV: SESSIONS_STREAM_MAXLEN
	MaxLen int64 `env:"SESSIONS_STREAM_MAXLEN,default=1000"`
	// Block is how long a single XREAD waits before re-checking state.
	Block time.Duration `env:"SESSIONS_READ_BLOCK,default=500ms"`
}

type Host struct {
	client    redis.UniversalClient
	keyPrefix string
	maxLen    int64
	block     time.Duration
}

// New connects to cfg.RedisAddr and verifies the connection.
func New(cfg Config) (*Host, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(cl, cfg), nil
}

// NewWithClient builds a Host on an existing client. Only the key prefix,
// MaxLen and Block fields of cfg are used.
func NewWithClient(cl redis.UniversalClient, cfg Config) *Host {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "duplex:sessions:"
	}
	block := cfg.Block
	if block <= 0 {
		block = 500 * time.Millisecond
	}
	return &Host{client: cl, keyPrefix: prefix, maxLen: cfg.MaxLen, block: block}
}

// NewFromEnv builds a Host using envdecode to populate Config.
func NewFromEnv() (*Host, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis host config: %w", err)
	}
	return New(cfg)
}

// Close closes the Redis client.
func (h *Host) Close() error { return h.client.Close() }

// --- Key helpers ---

func (h *Host) streamKey(sessionID string) string { return h.keyPrefix + "stream:" + sessionID }
func (h *Host) closedKey(sessionID string) string { return h.keyPrefix + "closed:" + sessionID }

// --- Messaging via Redis Streams ---

// publishScript refuses to recreate a stream whose session was cleaned up.
var publishScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return false
end
local maxlen = tonumber(ARGV[2])
if maxlen > 0 then
  return redis.call('XADD', KEYS[1], 'MAXLEN', '~', maxlen, '*', ARGV[3], ARGV[1])
end
return redis.call('XADD', KEYS[1], '*', ARGV[3], ARGV[1])
`)

func (h *Host) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	keys := []string{h.streamKey(sessionID), h.closedKey(sessionID)}
	id, err := publishScript.Run(ctx, h.client, keys, data, h.maxLen, fieldData).Text()
	if errors.Is(err, redis.Nil) {
		return "", sessions.ErrSessionClosed
	}
	if err != nil {
		return "", fmt.Errorf("failed to publish to stream %s: %w", keys[0], err)
	}
	return id, nil
}

func (h *Host) SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler sessions.MessageHandlerFunction) error {
	closed, err := h.isClosed(ctx, sessionID)
	if err != nil {
		return err
	}
	if closed {
		return nil
	}

	key := h.streamKey(sessionID)
	start := lastEventID
	if start == "" {
		start = "$"
	} // start from next message

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		res, err := h.client.XRead(ctx, &redis.XReadArgs{Streams: []string{key, start}, Count: 16, Block: h.block}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				closed, cerr := h.isClosed(ctx, sessionID)
				if cerr != nil {
					return cerr
				}
				if closed {
					return nil
				}
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		for _, stream := range res {
			for _, m := range stream.Messages {
				start = m.ID
				if _, ok := m.Values[fieldTombstone]; ok {
					return nil
				}
				var payload []byte
				switch v := m.Values[fieldData].(type) {
				case string:
					payload = []byte(v)
				case []byte:
					payload = v
				default:
					// Skip malformed entries and continue from the next one.
					continue
				}
				if err := handler(ctx, m.ID, payload); err != nil {
					return err
				}
			}
		}
	}
}

var cleanupScript = redis.NewScript(`
local stream = KEYS[1]
local closed = KEYS[2]
local ttl = tonumber(ARGV[1])
redis.call('SET', closed, '1', 'EX', ttl)
if redis.call('EXISTS', stream) == 1 then
  redis.call('XADD', stream, '*', 'x', '1')
  redis.call('EXPIRE', stream, ttl)
end
return 1
`)

func (h *Host) CleanupSession(ctx context.Context, sessionID string) error {
	c := context.WithoutCancel(ctx)
	keys := []string{h.streamKey(sessionID), h.closedKey(sessionID)}
	if err := cleanupScript.Run(c, h.client, keys, int(closedTTL/time.Second)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to cleanup session %s: %w", sessionID, err)
	}
	return nil
}

func (h *Host) isClosed(ctx context.Context, sessionID string) (bool, error) {
	n, err := h.client.Exists(ctx, h.closedKey(sessionID)).Result()
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, err
	}
	return n == 1, nil
}

// Interface compliance
var _ sessions.Host = (*Host)(nil)
