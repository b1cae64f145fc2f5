package trust

import (
	"context"
	"fmt"

	"TrustLinks/internal/attestation"
	"TrustLinks/internal/identity"
	"TrustLinks/internal/logger"
	"TrustLinks/internal/proof"
)

// GroupSource resolves the trust group of an identity.
type GroupSource interface {
	TrustGroup(ctx context.Context, id identity.ID) ([]identity.ID, error)
}

// GroupChecker verifies anonymous attestations against the trust group of
// their author.
type GroupChecker struct {
	groups   GroupSource
	verifier *proof.Verifier
}

// NewGroupChecker creates a checker.
func NewGroupChecker(groups GroupSource, verifier *proof.Verifier) *GroupChecker {
	return &GroupChecker{groups: groups, verifier: verifier}
}

// Check implements ProofChecker. The group of author is resolved once for
// all of atts.
func (c *GroupChecker) Check(ctx context.Context, author identity.ID, atts []*attestation.Attestation) ([]bool, error) {
	members, err := c.groups.TrustGroup(ctx, author)
	if err != nil {
		return nil, fmt.Errorf("resolve trust group:\n%w", err)
	}

	valid := make([]bool, len(atts))

	for i, a := range atts {
		if a.Mode != attestation.Anonymous {
			valid[i] = true
			continue
		}

		if err := c.verifier.Verify(a.Proof, a.Subject, members); err != nil {
			logger.Debug("proof rejected", "id", logger.Short(a.ID), "error", err)
			continue
		}

		valid[i] = true
	}

	return valid, nil
}
