package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Results stores opaque values with a time to live.
type Results interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// RedisResults keeps values in Redis under a key prefix.
type RedisResults struct {
	client redis.Cmdable
	prefix string
}

func NewRedisResults(client redis.Cmdable, prefix string) *RedisResults {
	return &RedisResults{client: client, prefix: prefix}
}

func (r *RedisResults) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r *RedisResults) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.prefix+key, value, ttl).Err()
}

type entry struct {
	value   []byte
	expires time.Time
}

// DefaultMemoryEntries bounds a MemoryResults created by NewMemoryResults.
const DefaultMemoryEntries = 10000

// MemoryResults is an in-process Results used when Redis is not configured.
// Its size is bounded: a full cache first drops expired entries,
// then the entry closest to expiry.
type MemoryResults struct {
	mu      sync.Mutex
	entries map[string]entry
	limit   int
	now     func() time.Time
}

func NewMemoryResults() *MemoryResults {
	return NewMemoryResultsSize(DefaultMemoryEntries)
}

// NewMemoryResultsSize returns a MemoryResults holding at most limit entries.
func NewMemoryResultsSize(limit int) *MemoryResults {
	if limit < 1 {
		limit = 1
	}
	return &MemoryResults{entries: make(map[string]entry), limit: limit, now: time.Now}
}

func (m *MemoryResults) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if e.expired(m.now()) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (m *MemoryResults) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}
	if _, ok := m.entries[key]; !ok && len(m.entries) >= m.limit {
		m.evict(now)
	}
	m.entries[key] = e
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (m *MemoryResults) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// evict makes room for one entry. Callers hold mu.
func (m *MemoryResults) evict(now time.Time) {
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
		}
	}
	if len(m.entries) < m.limit {
		return
	}
	var (
		victim string
		first  time.Time
		found  bool
	)
	for k, e := range m.entries {
		// Entries without expiry go last.
		exp := e.expires
		if exp.IsZero() {
			exp = now.Add(1 << 62)
		}
		if !found || exp.Before(first) {
			victim, first, found = k, exp, true
		}
	}
	delete(m.entries, victim)
}

func (e entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}
