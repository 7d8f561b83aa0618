package cache

import (
	"context"
	"sync"
	"time"
)

// sweepInterval is the minimum time between two sweeps of expired entries
const sweepInterval = time.Minute

type memoryEntry struct {
	value   []byte
	expires time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// Memory is an in-process cache. Expired entries are dropped when read and
// swept out on writes, at most once per sweepInterval.
type Memory struct {
	entries sync.Map
	now     func() time.Time

	mu        sync.Mutex
	lastSweep time.Time
}

// NewMemory creates an empty in-process cache
func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	val, ok := m.entries.Load(key)
	if !ok {
		return nil, false, nil
	}
	entry := val.(memoryEntry)
	if entry.expired(m.now()) {
		m.entries.CompareAndDelete(key, val)
		return nil, false, nil
	}
	return append([]byte(nil), entry.value...), true, nil
}

// Set stores value. A non-positive ttl never expires.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	now := m.now()
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expires = now.Add(ttl)
	}
	m.entries.Store(key, entry)
	m.sweep(now)
	return nil
}

// Len returns the number of stored entries, expired or not
func (m *Memory) Len() int {
	n := 0
	m.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (m *Memory) sweep(now time.Time) {
	m.mu.Lock()
	if now.Sub(m.lastSweep) < sweepInterval {
		m.mu.Unlock()
		return
	}
	m.lastSweep = now
	m.mu.Unlock()

	m.entries.Range(func(key, val any) bool {
		if val.(memoryEntry).expired(now) {
			m.entries.CompareAndDelete(key, val)
		}
		return true
	})
}
