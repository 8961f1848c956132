// Package cache holds stats.Cache implementations backed by Redis or by
// process memory.
package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"unieval/internal/stats"

	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 24 * time.Hour

type StatsCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewStatsCache wraps a Redis client. A ttl of zero uses DefaultTTL.
func NewStatsCache(client *redis.Client, ttl time.Duration) *StatsCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &StatsCache{client: client, ttl: ttl, prefix: "unieval:"}
}

func (c *StatsCache) key(k string) string {
	return c.prefix + k
}

func (c *StatsCache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, stats.ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *StatsCache) Set(ctx context.Context, key string, value []byte) error {
	return c.client.Set(ctx, c.key(key), value, c.ttl).Err()
}

// Connect dials Redis and pings it once. addr is either host:port or a
// redis:// URL.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	opts := &redis.Options{Addr: addr}
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, err
		}
		opts = parsed
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

type entry struct {
	value   []byte
	expires time.Time
}

// Memory is a process-local cache for single-node deployments and tests.
type Memory struct {
	mu   sync.Mutex
	data map[string]entry
	ttl  time.Duration
	now  func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{data: map[string]entry{}, ttl: ttl, now: time.Now}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok {
		return nil, stats.ErrCacheMiss
	}
	if !m.now().Before(e.expires) {
		delete(m.data, key)
		return nil, stats.ErrCacheMiss
	}
	return append([]byte(nil), e.value...), nil
}

// Set stores value and drops every entry that has already expired, so keys
// that are never read again do not pile up.
func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.data {
		if !now.Before(e.expires) {
			delete(m.data, k)
		}
	}
	m.data[key] = entry{value: append([]byte(nil), value...), expires: now.Add(m.ttl)}
	return nil
}

var (
	_ stats.Cache = (*StatsCache)(nil)
	_ stats.Cache = (*Memory)(nil)
)
