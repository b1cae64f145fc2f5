// Package store fetches and publishes raw attestation records.
//
// Three backends implement Store: LocalStore keeps records in an embedded
// Pebble database, RelayStore fans queries out to Nostr relays, and
// PostgresStore keeps them in PostgreSQL.
package store

import (
	"context"
	"errors"
	"sort"

	"github.com/nbd-wtf/go-nostr"

	"TrustLinks/internal/identity"
)

var (
	// ErrUnavailable is returned when no backend could serve the request.
	ErrUnavailable = errors.New("store unavailable")

	// ErrBadRecord is returned when publishing an unsigned or malformed record.
	ErrBadRecord = errors.New("bad record")
)

// Filter selects records. Empty fields match everything; a zero Limit means
// no limit.
type Filter struct {
	Subjects []identity.ID // Subjects matches the "p" tag
	Authors  []identity.ID // Authors matches the record signer
	Kinds    []int         // Kinds matches the record kind
	Limit    int           // Limit caps the number of records returned
}

// Store is the contract the aggregator and issuer depend on.
// Query returns records newest first.
type Store interface {
	Query(ctx context.Context, f Filter) ([]*nostr.Event, error)
	Publish(ctx context.Context, ev *nostr.Event) error
}

// Matches reports whether ev passes f, ignoring Limit.
func (f Filter) Matches(ev *nostr.Event) bool {
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, ev.Kind) {
		return false
	}

	if len(f.Authors) > 0 && !containsHex(f.Authors, ev.PubKey) {
		return false
	}

	if len(f.Subjects) > 0 {
		subject, ok := SubjectOf(ev)
		if !ok || !containsHex(f.Subjects, subject) {
			return false
		}
	}

	return true
}

// SubjectOf returns the first "p" tag value of ev.
func SubjectOf(ev *nostr.Event) (string, bool) {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "p" {
			return tag[1], true
		}
	}

	return "", false
}

// Finalize deduplicates by ID, orders newest first and applies the limit.
// Ties on timestamp are broken by ID so the order is stable.
func Finalize(events []*nostr.Event, limit int) []*nostr.Event {
	seen := make(map[string]struct{}, len(events))
	out := make([]*nostr.Event, 0, len(events))

	for _, ev := range events {
		if ev == nil {
			continue
		}

		if _, dup := seen[ev.ID]; dup {
			continue
		}

		seen[ev.ID] = struct{}{}
		out = append(out, ev)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}

		return out[i].ID < out[j].ID
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out
}

// nostrFilter converts f to the relay filter form.
func (f Filter) nostrFilter() nostr.Filter {
	nf := nostr.Filter{
		Kinds: f.Kinds,
		Limit: f.Limit,
	}

	if len(f.Authors) > 0 {
		nf.Authors = identity.NewSet(f.Authors...).Strings()
	}

	if len(f.Subjects) > 0 {
		nf.Tags = nostr.TagMap{"p": identity.NewSet(f.Subjects...).Strings()}
	}

	return nf
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}

	return false
}

func containsHex(ids []identity.ID, hex string) bool {
	for _, id := range ids {
		if id.String() == hex {
			return true
		}
	}

	return false
}
