package blocklist

import (
	"context"
	"sync"
)

// MemoryStore is an in-process blocklist.
type MemoryStore struct {
	mu    sync.RWMutex
	hosts map[string]bool
}

// NewMemoryStore creates a store pre-populated with hosts.
func NewMemoryStore(hosts ...string) *MemoryStore {
	s := &MemoryStore{hosts: make(map[string]bool)}
	for _, h := range hosts {
		if h = Normalize(h); h != "" {
			s.hosts[h] = true
		}
	}
	return s
}

// Block adds a host to the blocked list
func (s *MemoryStore) Block(_ context.Context, host string) error {
	host = Normalize(host)
	if host == "" {
		return ErrEmptyHost
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hosts[host] = true
	return nil
}

// Unblock removes a host from the blocked list
func (s *MemoryStore) Unblock(_ context.Context, host string) error {
	host = Normalize(host)
	if host == "" {
		return ErrEmptyHost
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hosts, host)
	return nil
}

// IsBlocked checks if a host or a parent domain is in the blocked list
func (s *MemoryStore) IsBlocked(_ context.Context, host string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range Candidates(host) {
		if s.hosts[c] {
			return true, nil
		}
	}
	return false, nil
}

// List returns a list of blocked hosts
func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.hosts))
	for h := range s.hosts {
		out = append(out, h)
	}
	return out, nil
}
