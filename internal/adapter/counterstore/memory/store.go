// Package memory provides an in-process counter store. It backs unit tests
// and the local fallback when no Redis address is configured; state is lost
// on restart, which for rate limiting only ever widens what is allowed.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"
)

type entry struct {
	value     int64
	expiresAt time.Time
}

type Store struct {
	mu    sync.Mutex
	items map[string]entry
	now   func() time.Time
}

func New() *Store {
	return &Store{
		items: make(map[string]entry),
		now:   time.Now,
	}
}

// SetClock overrides the store's clock. Test hook.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	it, ok := s.items[key]
	if !ok || now.After(it.expiresAt) {
		it = entry{value: 0, expiresAt: now.Add(ttl)}
	}
	it.value++
	s.items[key] = it
	return it.value, nil
}

func (s *Store) Get(_ context.Context, key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[key]
	if !ok || s.now().After(it.expiresAt) {
		if ok {
			delete(s.items, key)
		}
		return 0, false, nil
	}
	return it.value, true, nil
}

func (s *Store) CompareAndSwap(_ context.Context, key string, old, new int64, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	it, ok := s.items[key]
	if ok && now.After(it.expiresAt) {
		delete(s.items, key)
		ok = false
	}

	current := int64(0)
	if ok {
		current = it.value
	}
	if current != old {
		return false, nil
	}
	s.items[key] = entry{value: new, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *Store) DeletePrefix(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.items {
		if strings.HasPrefix(key, prefix) {
			delete(s.items, key)
		}
	}
	return nil
}
