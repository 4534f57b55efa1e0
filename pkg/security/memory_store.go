package security

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore implements Store in memory for single-process deployments.
// Thread-safe via RWMutex.
type MemoryStore struct {
	mu        sync.RWMutex
	paused    bool
	blacklist map[string]struct{}
	defaults  Limits
	overrides map[string]Override
}

// NewMemoryStore creates a store seeded with default limits.
func NewMemoryStore(defaults Limits) *MemoryStore {
	return &MemoryStore{
		blacklist: make(map[string]struct{}),
		defaults:  defaults,
		overrides: make(map[string]Override),
	}
}

func (s *MemoryStore) Paused(ctx context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused, nil
}

func (s *MemoryStore) SetPaused(ctx context.Context, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = paused
	return nil
}

func (s *MemoryStore) IsBlacklisted(ctx context.Context, agent string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blacklist[agent]
	return ok, nil
}

func (s *MemoryStore) SetBlacklisted(ctx context.Context, agent string, blacklisted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if blacklisted {
		s.blacklist[agent] = struct{}{}
	} else {
		delete(s.blacklist, agent)
	}
	return nil
}

func (s *MemoryStore) Blacklist(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.blacklist))
	for a := range s.blacklist {
		out = append(out, a)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Defaults(ctx context.Context) (Limits, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaults, nil
}

func (s *MemoryStore) SetDefaults(ctx context.Context, limits Limits) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults = limits
	return nil
}

func (s *MemoryStore) Override(ctx context.Context, sessionID string) (Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// return copy so callers cannot mutate shared pointers
	o := s.overrides[sessionID]
	if o.MaxPerCall != nil {
		v := *o.MaxPerCall
		o.MaxPerCall = &v
	}
	if o.RateLimit != nil {
		v := *o.RateLimit
		o.RateLimit = &v
	}
	return o, nil
}

func (s *MemoryStore) SetOverride(ctx context.Context, sessionID string, o Override) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[sessionID] = o
	return nil
}
