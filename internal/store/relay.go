package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"

	"TrustLinks/internal/logger"
)

// RelayStore reads from and publishes to a set of Nostr relays.
// A query succeeds when at least one relay answers; results are merged.
type RelayStore struct {
	urls []string

	dial func(ctx context.Context, url string) (*nostr.Relay, error)

	mu     sync.Mutex
	relays map[string]*nostr.Relay // relays caches open connections by URL
}

// NewRelayStore creates a store over the given relay URLs.
func NewRelayStore(urls []string) *RelayStore {
	return &RelayStore{
		urls:   urls,
		dial:   func(ctx context.Context, url string) (*nostr.Relay, error) { return nostr.RelayConnect(ctx, url) },
		relays: make(map[string]*nostr.Relay),
	}
}

// URLs returns the configured relays.
func (s *RelayStore) URLs() []string {
	return append([]string(nil), s.urls...)
}

// connect returns a cached connection or dials a new one.
func (s *RelayStore) connect(ctx context.Context, url string) (*nostr.Relay, error) {
	if r := s.cached(url); r != nil {
		return r, nil
	}

	r, err := s.dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect %s:\n%w", url, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// A concurrent query may have dialed the same relay meanwhile.
	if cur, ok := s.relays[url]; ok {
		if cur.IsConnected() {
			r.Close()
			return cur, nil
		}

		cur.Close()
	}

	s.relays[url] = r

	return r, nil
}

// cached returns the open connection to url. A disconnected one is closed
// and forgotten.
func (s *RelayStore) cached(url string) *nostr.Relay {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.relays[url]
	if !ok {
		return nil
	}

	if r.IsConnected() {
		return r
	}

	r.Close()
	delete(s.relays, url)

	return nil
}

// drop forgets r after a failure, unless it was already replaced.
func (s *RelayStore) drop(url string, r *nostr.Relay) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r.Close()

	if s.relays[url] == r {
		delete(s.relays, url)
	}
}

// Query asks every relay in parallel and merges the answers.
func (s *RelayStore) Query(ctx context.Context, f Filter) ([]*nostr.Event, error) {
	if len(s.urls) == 0 {
		return nil, ErrUnavailable
	}

	nf := f.nostrFilter()
	results := make([][]*nostr.Event, len(s.urls))
	failures := make([]error, len(s.urls))

	// Relay failures are absorbed per relay, so the group never cancels.
	var g errgroup.Group

	for i, url := range s.urls {
		g.Go(func() error {
			r, err := s.connect(ctx, url)
			if err != nil {
				failures[i] = err
				return nil
			}

			events, err := r.QuerySync(ctx, nf)
			if err != nil {
				s.drop(url, r)
				failures[i] = fmt.Errorf("query %s:\n%w", url, err)
				return nil
			}

			results[i] = events
			return nil
		})
	}

	_ = g.Wait()

	var merged []*nostr.Event
	answered := 0

	for i := range s.urls {
		if failures[i] != nil {
			logger.Warn("relay query failed", "relay", s.urls[i], "error", failures[i])
			continue
		}

		answered++

		for _, ev := range results[i] {
			if f.Matches(ev) {
				merged = append(merged, ev)
			}
		}
	}

	if answered == 0 {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, errors.Join(failures...))
	}

	return Finalize(merged, f.Limit), nil
}

// Publish sends ev to every relay. It succeeds when one relay accepts it.
func (s *RelayStore) Publish(ctx context.Context, ev *nostr.Event) error {
	if len(s.urls) == 0 {
		return ErrUnavailable
	}

	failures := make([]error, len(s.urls))

	var g errgroup.Group

	for i, url := range s.urls {
		g.Go(func() error {
			r, err := s.connect(ctx, url)
			if err != nil {
				failures[i] = err
				return nil
			}

			if err := r.Publish(ctx, *ev); err != nil {
				s.drop(url, r)
				failures[i] = fmt.Errorf("publish %s:\n%w", url, err)
			}

			return nil
		})
	}

	_ = g.Wait()

	accepted := 0
	for i, err := range failures {
		if err != nil {
			logger.Warn("relay publish failed", "relay", s.urls[i], "error", err)
			continue
		}

		accepted++
	}

	if accepted == 0 {
		return fmt.Errorf("%w: %v", ErrUnavailable, errors.Join(failures...))
	}

	logger.Debug("published record", "id", logger.Short(ev.ID), "relays", accepted)

	return nil
}

// Close closes every open connection.
func (s *RelayStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for url, r := range s.relays {
		r.Close()
		delete(s.relays, url)
	}

	return nil
}
