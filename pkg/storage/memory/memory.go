// Package memory provides an in-memory implementation of storage.TokenStore
// for testing and lightweight deployments. Records are lost when the
// process restarts. Optional LRU eviction limits memory usage.
package memory

import (
	"container/list"
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/rhuss/mcpconnect/pkg/storage"
)

// entry holds a stored token and its position in the LRU list.
type entry struct {
	token    storage.Token
	tenantID string
	lruElem  *list.Element
}

// Store is an in-memory TokenStore with optional LRU eviction.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	lruList *list.List // front = most recently written, back = least
	maxSize int        // 0 = unlimited
	now     func() time.Time
}

// Ensure Store implements storage.TokenStore at compile time.
var _ storage.TokenStore = (*Store)(nil)

// New creates a new in-memory store. If maxSize is 0, the store grows
// without limit. If maxSize > 0, the least recently written record is
// evicted when the limit is reached.
func New(maxSize int) *Store {
	return &Store{
		entries: make(map[string]*entry),
		lruList: list.New(),
		maxSize: maxSize,
		now:     time.Now,
	}
}

func key(tenantID string, t *storage.Token) string {
	return tenantID + "\x00" + t.UserID + "\x00" + t.Type + "\x00" + t.Identifier
}

// FindToken returns the record matching filter, scoped by tenant.
func (s *Store) FindToken(ctx context.Context, filter storage.TokenFilter) (*storage.Token, error) {
	if err := validate(filter); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e := s.findLocked(storage.GetTenant(ctx), filter)
	if e == nil {
		return nil, storage.ErrNotFound
	}
	return clone(&e.token), nil
}

// CreateToken inserts a new record.
func (s *Store) CreateToken(ctx context.Context, t *storage.Token) error {
	if t.UserID == "" || t.Type == "" || t.Identifier == "" {
		return errors.New("token requires user id, type and identifier")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tenantID := storage.GetTenant(ctx)
	k := key(tenantID, t)
	if _, exists := s.entries[k]; exists {
		return storage.ErrConflict
	}

	if s.maxSize > 0 && len(s.entries) >= s.maxSize {
		s.evictOldest()
	}

	now := s.now()
	stored := clone(t)
	stored.ResolveExpiry(now)
	stored.CreatedAt = now
	stored.UpdatedAt = now

	elem := s.lruList.PushFront(k)
	s.entries[k] = &entry{token: *stored, tenantID: tenantID, lruElem: elem}
	return nil
}

// UpdateToken replaces payload, expiry and metadata of the matching record.
func (s *Store) UpdateToken(ctx context.Context, filter storage.TokenFilter, t *storage.Token) error {
	if err := validate(filter); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.findLocked(storage.GetTenant(ctx), filter)
	if e == nil {
		return storage.ErrNotFound
	}

	now := s.now()
	e.token.Token = t.Token
	e.token.ExpiresIn = t.ExpiresIn
	e.token.ExpiresAt = t.ExpiresAt
	e.token.ResolveExpiry(now)
	e.token.Metadata = maps.Clone(t.Metadata)
	e.token.UpdatedAt = now
	s.lruList.MoveToFront(e.lruElem)
	return nil
}

// DeleteToken removes the matching record.
func (s *Store) DeleteToken(ctx context.Context, filter storage.TokenFilter) error {
	if err := validate(filter); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.findLocked(storage.GetTenant(ctx), filter)
	if e == nil {
		return storage.ErrNotFound
	}
	delete(s.entries, e.lruElem.Value.(string))
	s.lruList.Remove(e.lruElem)
	return nil
}

// Len returns the number of stored records across all tenants.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// HealthCheck always returns nil for the in-memory store.
func (s *Store) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

// findLocked returns the most recently written record matching filter.
// Must be called with s.mu held.
func (s *Store) findLocked(tenantID string, filter storage.TokenFilter) *entry {
	for el := s.lruList.Front(); el != nil; el = el.Next() {
		e := s.entries[el.Value.(string)]
		if e.tenantID != tenantID {
			continue
		}
		if filter.Matches(&e.token) {
			return e
		}
	}
	return nil
}

// evictOldest removes the least recently written entry.
// Must be called with s.mu held.
func (s *Store) evictOldest() {
	back := s.lruList.Back()
	if back == nil {
		return
	}
	s.lruList.Remove(back)
	delete(s.entries, back.Value.(string))
}

func validate(f storage.TokenFilter) error {
	if f.UserID == "" || (f.Type == "" && f.Identifier == "") {
		return errors.New("token filter requires user id and type or identifier")
	}
	return nil
}

func clone(t *storage.Token) *storage.Token {
	c := *t
	c.Metadata = maps.Clone(t.Metadata)
	return &c
}
