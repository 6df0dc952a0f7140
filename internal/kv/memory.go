package kv

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Compile-time interface guard.
var _ Store = (*MemoryStore)(nil)

type memEntry struct {
	value     string
	members   map[string]struct{} // non-nil marks a set entry
	expiresAt time.Time           // zero means no expiry
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !e.expiresAt.After(now)
}

// MemoryStore is the in-process fallback backend. Data does not survive a
// restart; it exists so the system runs with zero configuration and so
// tests have a fast real Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// SetClock replaces the store's time source. Tests use it to step time
// past an expiry deterministically.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Kind() string { return "memory" }

// live returns the entry for key, lazily dropping it when expired.
// Caller must hold s.mu.
func (s *MemoryStore) live(key string) *memEntry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if e.expired(s.now()) {
		delete(s.entries, key)
		return nil
	}
	return e
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil || e.members != nil {
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &memEntry{value: value}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) Scan(ctx context.Context, prefix string, fn ScanFunc) error {
	// Snapshot matching entries under the lock, then yield without it so
	// fn may call back into the store.
	s.mu.Lock()
	matched := make([]Entry, 0)
	for key, e := range s.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if e.expired(s.now()) {
			delete(s.entries, key)
			continue
		}
		if e.members != nil {
			continue
		}
		matched = append(matched, Entry{Key: key, Value: e.value})
	}
	s.mu.Unlock()

	for _, entry := range matched {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) SAdd(_ context.Context, key string, members ...string) (int, error) {
	if len(members) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil || e.members == nil {
		e = &memEntry{members: make(map[string]struct{})}
		s.entries[key] = e
	}
	added := 0
	for _, m := range members {
		if _, ok := e.members[m]; !ok {
			e.members[m] = struct{}{}
			added++
		}
	}
	return added, nil
}

func (s *MemoryStore) SRem(_ context.Context, key string, members ...string) (int, error) {
	if len(members) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil || e.members == nil {
		return 0, nil
	}
	removed := 0
	for _, m := range members {
		if _, ok := e.members[m]; ok {
			delete(e.members, m)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil || e.members == nil {
		return []string{}, nil
	}
	out := make([]string, 0, len(e.members))
	for m := range e.members {
		out = append(out, m)
	}
	return out, nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ttl <= 0 {
		delete(s.entries, key)
		return nil
	}
	if e := s.live(key); e != nil {
		e.expiresAt = s.now().Add(ttl)
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
