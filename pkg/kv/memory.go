package kv

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero = no expiry
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Memory is an in-process Store. Expired keys are dropped lazily on access
// and periodically by a janitor goroutine started by NewMemory.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time

	stop chan struct{}
	once sync.Once
}

var _ Store = (*Memory)(nil)

// NewMemory creates a Memory store whose janitor sweeps every interval.
// An interval <= 0 disables the janitor.
func NewMemory(interval time.Duration) *Memory {
	m := &Memory{
		entries: make(map[string]memEntry),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	if interval > 0 {
		go m.janitor(interval)
	}
	return m
}

// Get returns the value stored under key.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	if e.expired(m.now()) {
		delete(m.entries, key)
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set stores value under key for ttl.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

// SetNX stores value under key unless a live entry already exists.
func (m *Memory) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.entries[key]; ok && !e.expired(now) {
		return false, nil
	}
	e := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	m.entries[key] = e
	return true, nil
}

// Delete removes key.
func (m *Memory) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	delete(m.entries, key)
	return !e.expired(m.now()), nil
}

// Len returns the number of live keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	return len(m.entries)
}

// Close stops the janitor.
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}

func (m *Memory) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			m.sweepLocked()
			m.mu.Unlock()
		}
	}
}

func (m *Memory) sweepLocked() {
	now := m.now()
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
		}
	}
}
