package store

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/nbd-wtf/go-nostr"

	"TrustLinks/internal/attestation"
	"TrustLinks/internal/identity"
	"TrustLinks/internal/logger"
	"TrustLinks/internal/storage"
)

// Key prefixes of the local store.
const (
	prefixEvent   byte = 'e' // e | id -> StoredEvent
	prefixSubject byte = 's' // s | subject | inverted ts | id
	prefixAuthor  byte = 'a' // a | author | inverted ts | id
	prefixTime    byte = 't' // t | inverted ts | id
)

const idLen = 32

// LocalStore keeps records in Pebble with subject, author and time indexes.
// Index keys embed an inverted timestamp so a forward scan is newest first.
type LocalStore struct {
	db *storage.Storage
}

// NewLocalStore creates a store over db. The caller owns db.
func NewLocalStore(db *storage.Storage) *LocalStore {
	return &LocalStore{db: db}
}

// Publish stores a signed record and indexes it. Publishing a record that
// is already stored is a no-op.
func (s *LocalStore) Publish(_ context.Context, ev *nostr.Event) error {
	if err := attestation.CheckSignature(ev); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRecord, err)
	}

	id, err := hex.DecodeString(ev.ID)
	if err != nil || len(id) != idLen {
		return fmt.Errorf("%w: id %q", ErrBadRecord, ev.ID)
	}

	author, err := identity.FromHex(ev.PubKey)
	if err != nil {
		return fmt.Errorf("%w: author: %v", ErrBadRecord, err)
	}

	eventKey := append([]byte{prefixEvent}, id...)

	exists, err := s.db.Has(eventKey)
	if err != nil {
		return fmt.Errorf("check record:\n%w", err)
	}

	if exists {
		return nil
	}

	ts := invertedTime(ev.CreatedAt)

	pairs := []storage.KeyValue{
		{Key: eventKey, Value: encodeEvent(ev)},
		{Key: indexKey(prefixAuthor, author[:], ts, id)},
		{Key: indexKey(prefixTime, nil, ts, id)},
	}

	// Records without a valid subject are kept but never match a subject query.
	if subjectHex, ok := SubjectOf(ev); ok {
		if subject, err := identity.FromHex(subjectHex); err == nil {
			pairs = append(pairs, storage.KeyValue{Key: indexKey(prefixSubject, subject[:], ts, id)})
		}
	}

	if err := s.db.SetBatch(pairs); err != nil {
		return fmt.Errorf("store record:\n%w", err)
	}

	logger.Debug("stored record", "id", logger.Short(ev.ID), "kind", ev.Kind)

	return nil
}

// Query scans the narrowest index the filter allows.
func (s *LocalStore) Query(ctx context.Context, f Filter) ([]*nostr.Event, error) {
	var prefixes [][]byte

	switch {
	case len(f.Subjects) > 0:
		for _, id := range identity.NewSet(f.Subjects...).Sorted() {
			prefixes = append(prefixes, append([]byte{prefixSubject}, id[:]...))
		}
	case len(f.Authors) > 0:
		for _, id := range identity.NewSet(f.Authors...).Sorted() {
			prefixes = append(prefixes, append([]byte{prefixAuthor}, id[:]...))
		}
	default:
		prefixes = [][]byte{{prefixTime}}
	}

	var out []*nostr.Event

	for _, prefix := range prefixes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		found, err := s.scan(prefix, f)
		if err != nil {
			return nil, err
		}

		out = append(out, found...)
	}

	return Finalize(out, f.Limit), nil
}

// scan collects the records under one index prefix.
func (s *LocalStore) scan(prefix []byte, f Filter) ([]*nostr.Event, error) {
	var out []*nostr.Event

	err := s.db.IteratePrefix(prefix, func(key, _ []byte) error {
		if len(key) < idLen {
			return nil
		}

		ev, err := s.get(key[len(key)-idLen:])
		if err != nil {
			logger.Warn("skipping unreadable record", "key", fmt.Sprintf("%x", key), "error", err)
			return nil
		}

		if ev == nil || !f.Matches(ev) {
			return nil
		}

		out = append(out, ev)

		if f.Limit > 0 && len(out) >= f.Limit {
			return storage.ErrStop
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan index:\n%w", err)
	}

	return out, nil
}

// Get returns a stored record by hex ID, or nil when absent.
func (s *LocalStore) Get(id string) (*nostr.Event, error) {
	raw, err := hex.DecodeString(id)
	if err != nil || len(raw) != idLen {
		return nil, fmt.Errorf("%w: id %q", ErrBadRecord, id)
	}

	return s.get(raw)
}

// get loads a record by raw ID.
func (s *LocalStore) get(id []byte) (*nostr.Event, error) {
	data, err := s.db.Get(append([]byte{prefixEvent}, id...))
	if err != nil {
		return nil, err
	}

	if data == nil {
		return nil, nil
	}

	return decodeEvent(data)
}

// indexKey builds prefix | owner | ts | id.
func indexKey(prefix byte, owner []byte, ts [8]byte, id []byte) []byte {
	key := make([]byte, 0, 1+len(owner)+len(ts)+len(id))
	key = append(key, prefix)
	key = append(key, owner...)
	key = append(key, ts[:]...)

	return append(key, id...)
}

// invertedTime encodes a timestamp so that newer sorts first.
func invertedTime(ts nostr.Timestamp) [8]byte {
	var out [8]byte

	v := int64(ts)
	if v < 0 {
		v = 0
	}

	binary.BigEndian.PutUint64(out[:], uint64(math.MaxInt64-v))

	return out
}
