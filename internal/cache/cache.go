// Package cache persists one serialized blob of processed games per user.
package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Store keeps one blob per username, overwritten wholesale on every Save.
// Load returns (nil, nil) when nothing is stored.
type Store interface {
	Load(ctx context.Context, username string) ([]byte, error)
	Save(ctx context.Context, username string, blob []byte) error
	Close() error
}

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

type Config struct {
	Backend  string
	Path     string
	RedisURL string
}

// Open builds the configured backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendSQLite:
		return OpenSQLite(cfg.Path)
	case BackendRedis:
		return OpenRedis(ctx, cfg.RedisURL)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

func normalizeKey(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (m *Memory) Load(_ context.Context, username string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[normalizeKey(username)]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), b...), nil
}

func (m *Memory) Save(_ context.Context, username string, blob []byte) error {
	m.mu.Lock()
	m.blobs[normalizeKey(username)] = append([]byte(nil), blob...)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }
