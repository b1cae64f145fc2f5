package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"TrustLinks/internal/attestation"
)

// MemoryStore keeps records in memory, for tests and ephemeral nodes.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]*nostr.Event
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]*nostr.Event)}
}

// Publish stores a signed record.
func (s *MemoryStore) Publish(_ context.Context, ev *nostr.Event) error {
	if err := attestation.CheckSignature(ev); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRecord, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[ev.ID]; !exists {
		cp := *ev
		s.events[ev.ID] = &cp
	}

	return nil
}

// Query returns matching records newest first.
func (s *MemoryStore) Query(ctx context.Context, f Filter) ([]*nostr.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*nostr.Event
	for _, ev := range s.events {
		if f.Matches(ev) {
			out = append(out, ev)
		}
	}

	return Finalize(out, f.Limit), nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.events)
}
