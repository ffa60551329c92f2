package config

import (
	"sync"
	"sync/atomic"
)

// Store holds the active configuration. Each Set bumps the generation so
// readers can tell a reload happened without comparing documents.
type Store struct {
	mu         sync.RWMutex
	cfg        *Config
	generation atomic.Uint64
}

// NewStore creates a store holding cfg at generation 1.
func NewStore(cfg *Config) *Store {
	s := &Store{cfg: cfg}
	s.generation.Store(1)
	return s
}

// Get returns the current configuration and its generation.
func (s *Store) Get() (*Config, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg, s.generation.Load()
}

// Generation returns the current generation without locking.
func (s *Store) Generation() uint64 {
	return s.generation.Load()
}

// Set replaces the configuration and returns the new generation.
func (s *Store) Set(cfg *Config) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	return s.generation.Add(1)
}
