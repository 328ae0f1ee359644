package ratelimit

import (
	"context"
	"sync"
	"time"
)

// purgeEvery controls how often Reserve drops expired buckets
const purgeEvery = 256

type memoryBucket struct {
	count    int
	expireAt time.Time
}

// MemoryCounter is a process-local Counter. It is only correct for a single
// server instance; multi-instance deployments use the Redis counter.
type MemoryCounter struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket
	ops     int
	now     func() time.Time
}

// NewMemoryCounter creates an empty in-process counter
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		buckets: make(map[string]*memoryBucket),
		now:     time.Now,
	}
}

// Reserve implements Counter
func (m *MemoryCounter) Reserve(ctx context.Context, key string, limit int, expireAt time.Time) (bool, int, error) {
	if err := ctx.Err(); err != nil {
		return false, 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.ops++
	if m.ops%purgeEvery == 0 {
		m.purgeLocked(now)
	}

	b, ok := m.buckets[key]
	if !ok || !now.Before(b.expireAt) {
		b = &memoryBucket{expireAt: expireAt}
		m.buckets[key] = b
	}

	if b.count >= limit {
		return false, b.count, nil
	}
	b.count++
	return true, b.count, nil
}

// Count implements Counter
func (m *MemoryCounter) Count(ctx context.Context, key string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[key]
	if !ok || !m.now().Before(b.expireAt) {
		return 0, nil
	}
	return b.count, nil
}

func (m *MemoryCounter) purgeLocked(now time.Time) {
	for key, b := range m.buckets {
		if !now.Before(b.expireAt) {
			delete(m.buckets, key)
		}
	}
}
