package rules

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Marker remembers which (rule, event) pairs were already warned about.
type Marker interface {
	// Mark records key for ttl and reports whether it was not yet recorded.
	Mark(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Forget removes key so a later evaluation may send again.
	Forget(ctx context.Context, key string) error
}

// LocalMarker keeps marks in process memory.
type LocalMarker struct {
	mu    sync.Mutex
	marks map[string]time.Time
	now   func() time.Time
}

func NewLocalMarker() *LocalMarker {
	return &LocalMarker{marks: make(map[string]time.Time), now: time.Now}
}

func (m *LocalMarker) Mark(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, exp := range m.marks {
		if !exp.After(now) {
			delete(m.marks, k)
		}
	}
	if _, ok := m.marks[key]; ok {
		return false, nil
	}
	m.marks[key] = now.Add(ttl)
	return true, nil
}

func (m *LocalMarker) Forget(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.marks, key)
	m.mu.Unlock()
	return nil
}

// RedisMarker shares marks between instances and across restarts.
type RedisMarker struct {
	client *redis.Client
	prefix string
}

func NewRedisMarker(client *redis.Client) *RedisMarker {
	return &RedisMarker{client: client, prefix: "calsync:notice:"}
}

func (m *RedisMarker) Mark(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return m.client.SetNX(ctx, m.prefix+key, 1, ttl).Result()
}

func (m *RedisMarker) Forget(ctx context.Context, key string) error {
	return m.client.Del(ctx, m.prefix+key).Err()
}
