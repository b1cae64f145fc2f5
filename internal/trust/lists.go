package trust

import (
	"context"
	"errors"
	"fmt"

	"TrustLinks/internal/attestation"
	"TrustLinks/internal/identity"
	"TrustLinks/internal/store"
)

// ErrFetch is returned by listings when the store query failed.
var ErrFetch = errors.New("fetch attestations")

// Given lists the attestations authored by author, newest first.
func (a *Aggregator) Given(ctx context.Context, author identity.ID) ([]attestation.Attestation, error) {
	atts, ok := a.fetch(ctx, store.Filter{
		Authors: []identity.ID{author},
		Kinds:   attestation.Kinds,
		Limit:   a.opts.GivenLimit,
	}, a.opts.LevelTimeout)
	if !ok {
		return nil, fmt.Errorf("%w: given by %s", ErrFetch, author)
	}

	sortNewest(atts)

	return atts, nil
}

// Received lists the attestations about subject, newest first.
func (a *Aggregator) Received(ctx context.Context, subject identity.ID) ([]attestation.Attestation, error) {
	atts, ok := a.fetch(ctx, store.Filter{
		Subjects: []identity.ID{subject},
		Kinds:    attestation.Kinds,
		Limit:    a.opts.SubjectLimit,
	}, a.opts.LevelTimeout)
	if !ok {
		return nil, fmt.Errorf("%w: received by %s", ErrFetch, subject)
	}

	sortNewest(atts)

	return atts, nil
}

// TrustSet returns the identities id currently vouches for: the level-1 set
// with id as viewer. Only public records can extend trust, so anonymous ones
// are neither fetched nor proof checked.
func (a *Aggregator) TrustSet(ctx context.Context, id identity.ID) (identity.Set, error) {
	qctx, cancel := context.WithTimeout(ctx, a.opts.LevelTimeout)
	defer cancel()

	atts, ok := a.query(qctx, store.Filter{
		Authors: []identity.ID{id},
		Kinds:   expansionKinds,
		Limit:   a.opts.LevelLimit,
	})
	if !ok {
		return nil, fmt.Errorf("%w: trust set of %s", ErrFetch, id)
	}

	return a.nextSet(atts, identity.NewSet(id)), nil
}

// TrustGroup returns id and the identities it vouches for, the member set
// of the anonymous group id proves and verifies against.
func (a *Aggregator) TrustGroup(ctx context.Context, id identity.ID) ([]identity.ID, error) {
	set, err := a.TrustSet(ctx, id)
	if err != nil {
		return nil, err
	}

	set.Add(id)

	return set.Sorted(), nil
}
