package secrets

import "sync/atomic"

// Store publishes the current Registry. Readers always see a complete
// registry; Publish swaps the whole reference.
type Store struct {
	current atomic.Pointer[Registry]
}

// NewStore returns a Store holding reg, which may be nil.
func NewStore(reg *Registry) *Store {
	s := &Store{}
	if reg != nil {
		s.current.Store(reg)
	}
	return s
}

// Load returns the published registry, or nil if none was published yet.
func (s *Store) Load() *Registry {
	return s.current.Load()
}

// Publish makes reg the current registry and returns the previous one.
func (s *Store) Publish(reg *Registry) *Registry {
	return s.current.Swap(reg)
}
