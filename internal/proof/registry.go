package proof

import (
	"errors"
	"fmt"

	"TrustLinks/internal/identity"
	"TrustLinks/internal/storage"
)

// ErrReplay is returned when an author already used a (nullifier, message) pair.
var ErrReplay = errors.New("nullifier already used for this target")

// registryPrefix namespaces replay entries in the shared database.
const registryPrefix = "nul:"

// Registry remembers which nullifier each author used for which target so an
// anonymous voucher can attest a given target at most once.
//
// Entries are scoped to the signing author. Proving seeds are derived from
// public identities, so a pair alone could be claimed by any group member
// before its owner publishes.
type Registry struct {
	db *storage.Storage
}

// NewRegistry creates a registry over db.
func NewRegistry(db *storage.Storage) *Registry {
	return &Registry{db: db}
}

// registryKey builds the key of an (author, nullifier, message) triple.
func registryKey(author identity.ID, p *Proof) []byte {
	return []byte(registryPrefix + author.String() + ":" + p.Nullifier + ":" + p.Message)
}

// Record stores the pair of p for author with the record that used it.
// It returns ErrReplay when another record of author already used the pair;
// recording the same record twice is not a replay.
func (r *Registry) Record(p *Proof, author identity.ID, recordID string) error {
	key := registryKey(author, p)

	stored, err := r.db.SetIfAbsent(key, []byte(recordID))
	if err != nil {
		return fmt.Errorf("record nullifier:\n%w", err)
	}

	if stored {
		return nil
	}

	prev, err := r.db.Get(key)
	if err != nil {
		return fmt.Errorf("read nullifier:\n%w", err)
	}

	if string(prev) == recordID {
		return nil
	}

	return fmt.Errorf("%w: used by %s", ErrReplay, prev)
}
