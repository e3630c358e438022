package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const numShards = 64

type counter struct {
	count     int64
	expiresAt time.Time
}

type shard struct {
	mu    sync.Mutex
	items map[string]*counter
}

// MemoryStore is a per-instance counter store split into fixed shards to
// reduce lock contention. Counters expire one window after their first
// increment.
type MemoryStore struct {
	shards     [numShards]shard
	now        func() time.Time
	cleanupInt time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewMemoryStore creates a store and starts its cleanup goroutine.
// Call Close to stop it.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		now:        time.Now,
		cleanupInt: time.Minute,
		stop:       make(chan struct{}),
	}
	for i := range m.shards {
		m.shards[i].items = make(map[string]*counter)
	}
	go m.cleanup()
	return m
}

func (m *MemoryStore) getShard(key string) *shard {
	return &m.shards[xxhash.Sum64String(key)%numShards]
}

// Incr increments key and returns the post-increment count.
func (m *MemoryStore) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	now := m.now()
	s := m.getShard(key)
	s.mu.Lock()
	c, ok := s.items[key]
	if !ok || !now.Before(c.expiresAt) {
		c = &counter{expiresAt: now.Add(window)}
		s.items[key] = c
	}
	c.count++
	n := c.count
	s.mu.Unlock()
	return n, nil
}

// Len returns the number of live counters.
func (m *MemoryStore) Len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}

// sweep deletes every counter expired at now.
func (m *MemoryStore) sweep(now time.Time) {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for k, c := range s.items {
			if !now.Before(c.expiresAt) {
				delete(s.items, k)
			}
		}
		s.mu.Unlock()
	}
}

func (m *MemoryStore) cleanup() {
	ticker := time.NewTicker(m.cleanupInt)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep(m.now())
		case <-m.stop:
			return
		}
	}
}

// Close stops the cleanup goroutine.
func (m *MemoryStore) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}
