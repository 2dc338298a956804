// Package dedup remembers processed external event ids for a bounded time.
//
// It is a fast path only: callers must still tolerate redelivery of an
// event whose id was never marked or has expired.
package dedup

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL covers the processor's redelivery window.
const DefaultTTL = 72 * time.Hour

var dedupLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gigescrow",
	Subsystem: "dedup",
	Name:      "lookups_total",
	Help:      "Processed-event cache lookups by result (hit, miss, error).",
}, []string{"result"})

func init() {
	prometheus.MustRegister(dedupLookups)
}

// Cache records event ids that were fully processed.
type Cache interface {
	Seen(ctx context.Context, id string) (bool, error)
	Mark(ctx context.Context, id string) error
}

func observe(seen bool, err error) {
	switch {
	case err != nil:
		dedupLookups.WithLabelValues("error").Inc()
	case seen:
		dedupLookups.WithLabelValues("hit").Inc()
	default:
		dedupLookups.WithLabelValues("miss").Inc()
	}
}

// MemoryCache is an in-process cache for development and tests.
type MemoryCache struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	now  func() time.Time
}

// NewMemoryCache creates an in-memory cache whose entries expire after ttl.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{
		ttl:  ttl,
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

func (m *MemoryCache) Seen(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exp, ok := m.seen[id]
	if ok && !m.now().Before(exp) {
		delete(m.seen, id)
		ok = false
	}
	observe(ok, nil)
	return ok, nil
}

func (m *MemoryCache) Mark(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	// Opportunistic sweep keeps the map bounded by the live window.
	if len(m.seen) > 10000 {
		for k, exp := range m.seen {
			if !now.Before(exp) {
				delete(m.seen, k)
			}
		}
	}
	m.seen[id] = now.Add(m.ttl)
	return nil
}

// RedisCache shares processed ids across replicas.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache creates a Redis-backed cache. Keys are prefix+id.
func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisCache) Seen(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+id).Result()
	observe(n > 0, err)
	if err != nil {
		return false, fmt.Errorf("dedup lookup: %w", err)
	}
	return n > 0, nil
}

func (r *RedisCache) Mark(ctx context.Context, id string) error {
	if err := r.client.Set(ctx, r.prefix+id, "1", r.ttl).Err(); err != nil {
		return fmt.Errorf("dedup mark: %w", err)
	}
	return nil
}

// Connect opens a Redis client from a redis:// URL or a bare host:port.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
