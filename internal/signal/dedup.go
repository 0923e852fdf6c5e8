package signal

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupStore remembers webhook delivery identifiers for a bounded window so
// an at-least-once producer gets exactly-once intake semantics.
type DedupStore interface {
	// Seen records id and reports whether it was already present.
	Seen(ctx context.Context, id string) (bool, error)
	Close() error
}

// MemoryDedup is the single-replica default.
type MemoryDedup struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string]time.Time
}

func NewMemoryDedup(window time.Duration) *MemoryDedup {
	return &MemoryDedup{
		window:  window,
		entries: make(map[string]time.Time),
	}
}

func (m *MemoryDedup) Seen(_ context.Context, id string) (bool, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-m.window)
	for k, at := range m.entries {
		if at.Before(cutoff) {
			delete(m.entries, k)
		}
	}

	if at, ok := m.entries[id]; ok && !at.Before(cutoff) {
		return true, nil
	}
	m.entries[id] = now
	return false, nil
}

func (m *MemoryDedup) Close() error { return nil }

// RedisDedup shares the dedup window across replicas. SETNX with a TTL gives
// the same record-and-test semantics as the in-memory store.
type RedisDedup struct {
	cli    *redis.Client
	window time.Duration
}

func NewRedisDedup(addr string, window time.Duration) *RedisDedup {
	return &RedisDedup{
		cli:    redis.NewClient(&redis.Options{Addr: addr}),
		window: window,
	}
}

func (r *RedisDedup) Seen(ctx context.Context, id string) (bool, error) {
	set, err := r.cli.SetNX(ctx, "signal:delivery:"+id, 1, r.window).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}

func (r *RedisDedup) Close() error { return r.cli.Close() }
