package policy

import (
	"sync"
	"sync/atomic"
)

// Store publishes versioned policies. Jobs snapshot Current at start and keep
// that snapshot for their whole lifetime, so a Reload never changes the rules
// under an in-flight job.
type Store struct {
	mu      sync.Mutex
	current atomic.Pointer[Policy]
}

func NewStore(p Policy) (*Store, error) {
	s := &Store{}
	if _, err := s.Reload(p); err != nil {
		return nil, err
	}
	return s, nil
}

// Current returns the active policy. Callers must treat it as read-only.
func (s *Store) Current() *Policy {
	return s.current.Load()
}

// Reload validates p and installs it under the next version number.
func (s *Store) Reload(p Policy) (int64, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := p.clone()
	next.Version = 1
	if prev := s.current.Load(); prev != nil {
		next.Version = prev.Version + 1
	}
	s.current.Store(&next)
	return next.Version, nil
}

// ReloadFile loads a preset from disk and installs it.
func (s *Store) ReloadFile(path string) (int64, error) {
	p, err := Load(path)
	if err != nil {
		return 0, err
	}
	return s.Reload(p)
}
