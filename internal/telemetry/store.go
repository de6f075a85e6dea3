// Package telemetry carries per-iteration controller samples to whoever
// wants to observe them.
package telemetry

import (
	"context"
	"sync"

	"codeberg.org/mutker/pifanctl/internal/errors"
)

// Store keeps the most recent sample for concurrent readers.
type Store struct {
	mu     sync.RWMutex
	latest Sample
	count  uint64
}

func NewStore() *Store {
	return &Store{}
}

func (s *Store) Record(_ context.Context, sample *Sample) error {
	if sample == nil {
		return errors.New().New(ErrInvalidSample)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.latest = *sample
	s.count++

	return nil
}

// Latest returns the last recorded sample; ok is false before the first.
func (s *Store) Latest() (sample Sample, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.count > 0
}

// Count returns the number of samples recorded so far.
func (s *Store) Count() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}
