package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "cq:games:"

type Redis struct{ rdb *redis.Client }

func NewRedis(rdb *redis.Client) *Redis { return &Redis{rdb: rdb} }

// OpenRedis connects to a redis:// or rediss:// URL and pings it.
func OpenRedis(ctx context.Context, rawURL string) (*Redis, error) {
	opts, err := ParseRedisURL(rawURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{rdb: rdb}, nil
}

func (r *Redis) key(username string) string { return keyPrefix + normalizeKey(username) }

func (r *Redis) Load(ctx context.Context, username string) ([]byte, error) {
	raw, err := r.rdb.Get(ctx, r.key(username)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (r *Redis) Save(ctx context.Context, username string, blob []byte) error {
	return r.rdb.Set(ctx, r.key(username), blob, 0).Err()
}

func (r *Redis) Close() error {
	if r == nil || r.rdb == nil {
		return nil
	}
	return r.rdb.Close()
}

// ParseRedisURL accepts redis:// and rediss:// URLs; rediss enables TLS.
func ParseRedisURL(raw string) (*redis.Options, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	opts, err := redis.ParseURL(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return opts, nil
}
